package segment_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/index"
	"github.com/contemptx/usenetsync/segment"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/store/memory"
	"github.com/contemptx/usenetsync/usenetsync"
)

func setup(t *testing.T) (*store.Store, *crypto.Kernel, usenetsync.FolderID, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	big := make([]byte, 1500000)
	for i := range big {
		big[i] = 0x41
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.bin"), big, 0o644))

	s := store.Open(memory.New())
	folder := &usenetsync.Folder{ID: "f1", Path: dir, Status: usenetsync.StatusAdded}
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CreateFolder(txn, folder)
	}))

	k, err := crypto.New([]byte("test-master-secret"))
	require.NoError(t, err)

	ix := index.New(s)
	_, err = ix.IndexFolder(context.Background(), folder.ID)
	require.NoError(t, err)

	return s, k, folder.ID, dir
}

func TestSegmentFolderScenarioE1(t *testing.T) {
	s, k, folderID, _ := setup(t)
	kp, err := k.NewSigningKeyPair()
	require.NoError(t, err)

	sg := segment.New(s, k)
	params := segment.Params{SizeBytes: 786432, PackThresholdBytes: 50000, Redundancy: 1}
	count, err := sg.SegmentFolder(context.Background(), folderID, 1, kp, params)
	require.NoError(t, err)
	// a.txt is packed (1 unit), b.bin yields 2 stream segments -> 3 total.
	require.Equal(t, 3, count)
}

func TestSegmentFolderIsNoOpWhenAlreadySegmented(t *testing.T) {
	s, k, folderID, _ := setup(t)
	kp, err := k.NewSigningKeyPair()
	require.NoError(t, err)
	sg := segment.New(s, k)
	params := segment.DefaultParams()

	n1, err := sg.SegmentFolder(context.Background(), folderID, 1, kp, params)
	require.NoError(t, err)
	n2, err := sg.SegmentFolder(context.Background(), folderID, 1, kp, params)
	require.NoError(t, err)
	require.Equal(t, n1, n2)
}

func TestSegmentFolderRedundancy(t *testing.T) {
	s, k, folderID, _ := setup(t)
	kp, err := k.NewSigningKeyPair()
	require.NoError(t, err)
	sg := segment.New(s, k)
	params := segment.Params{SizeBytes: 786432, PackThresholdBytes: 50000, Redundancy: 3}

	count, err := sg.SegmentFolder(context.Background(), folderID, 1, kp, params)
	require.NoError(t, err)
	require.Equal(t, 9, count) // 3 logical units * 3 redundancy copies

	var segs []*usenetsync.Segment
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		segs, err = store.ListAllSegments(txn)
		return err
	}))
	seen := map[string]bool{}
	for _, seg := range segs {
		require.False(t, seen[seg.PostedSubject], "posted subjects must be unique across redundancy copies")
		seen[seg.PostedSubject] = true
	}
}
