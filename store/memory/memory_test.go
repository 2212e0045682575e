package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/store/memory"
	"github.com/contemptx/usenetsync/usenetsync"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := store.Open(memory.New())
	defer s.Close()

	f := &usenetsync.Folder{ID: "f1", Path: "/tmp/x", Status: usenetsync.StatusAdded}
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CreateFolder(txn, f)
	}))

	var got *usenetsync.Folder
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		got, err = store.GetFolder(txn, "f1")
		return err
	}))
	require.Equal(t, f.Path, got.Path)
}

func TestCreateFolderRejectsDuplicate(t *testing.T) {
	s := store.Open(memory.New())
	defer s.Close()

	f := &usenetsync.Folder{ID: "dup", Path: "/tmp/a"}
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CreateFolder(txn, f)
	}))
	err := s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CreateFolder(txn, f)
	})
	require.Error(t, err)
}

func TestUploadQueueClaimAndComplete(t *testing.T) {
	s := store.Open(memory.New())
	defer s.Close()

	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.EnqueueUpload(txn, &usenetsync.UploadQueueRow{
			SegmentID: "seg-1",
			SessionID: "sess-1",
			Priority:  usenetsync.PriorityHigh,
		})
	}))

	var claimed *usenetsync.UploadQueueRow
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		claimed, err = store.ClaimNextUploadRow(txn, "worker-a", time.Now().Add(30*time.Second))
		return err
	}))
	require.Equal(t, usenetsync.SegmentID("seg-1"), claimed.SegmentID)
	require.Equal(t, usenetsync.QueueInflight, claimed.State)

	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CompleteUploadRow(txn, claimed.ID)
	}))

	var rows []*usenetsync.UploadQueueRow
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		rows, err = store.ListUploadQueue(txn, "")
		return err
	}))
	require.Empty(t, rows)
}

func TestListFoldersReturnsEveryCommittedFolder(t *testing.T) {
	s := store.Open(memory.New())
	defer s.Close()

	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		if err := store.CreateFolder(txn, &usenetsync.Folder{ID: "a"}); err != nil {
			return err
		}
		return store.CreateFolder(txn, &usenetsync.Folder{ID: "b"})
	}))

	var folders []*usenetsync.Folder
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		folders, err = store.ListFolders(txn)
		return err
	}))
	require.Len(t, folders, 2)
}
