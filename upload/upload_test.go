package upload_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/index"
	"github.com/contemptx/usenetsync/segment"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/store/memory"
	"github.com/contemptx/usenetsync/upload"
	"github.com/contemptx/usenetsync/usenetsync"
	"github.com/contemptx/usenetsync/wire"
)

func setup(t *testing.T) (*store.Store, *crypto.Kernel, usenetsync.FolderID) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world, this is a test file"), 0o644))

	s := store.Open(memory.New())
	k, err := crypto.New([]byte("test-master-secret"))
	require.NoError(t, err)

	kp, err := k.NewSigningKeyPair()
	require.NoError(t, err)
	sealed, err := k.SealPrivateKey(kp)
	require.NoError(t, err)

	folder := &usenetsync.Folder{
		ID: "f1", Path: dir, Status: usenetsync.StatusAdded,
		SigningPublicKey: []byte(kp.Public), SealedPrivateKey: sealed,
	}
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CreateFolder(txn, folder)
	}))

	ix := index.New(s)
	_, err = ix.IndexFolder(context.Background(), folder.ID)
	require.NoError(t, err)

	sg := segment.New(s, k)
	params := segment.Params{SizeBytes: 786432, PackThresholdBytes: 1000000, Redundancy: 1}
	_, err = sg.SegmentFolder(context.Background(), folder.ID, 1, kp, params)
	require.NoError(t, err)

	return s, k, folder.ID
}

func testWireConfig(host string, port int) config.WireConfig {
	return config.WireConfig{
		Host: host, Port: port, TLS: false,
		PoolMinIdle: 1, PoolMaxActive: 2,
		RetryAttempts: 3, RetryBaseMS: 1, RetryCapMS: 5,
	}
}

func TestEngineUploadsAllPendingSegments(t *testing.T) {
	s, k, folderID := setup(t)

	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()

	w := wire.New(testWireConfig(host, port), []string{"alt.test"}, k)
	defer w.Close()

	e := upload.New(s, k, w, []string{"alt.test"}, 2)
	sessionID, err := e.EnqueueFolder(context.Background(), folderID, usenetsync.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), sessionID))

	var sess *usenetsync.UploadSession
	var segs []*usenetsync.Segment
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		sess, err = store.GetUploadSession(txn, sessionID)
		if err != nil {
			return err
		}
		segs, err = store.ListAllSegments(txn)
		return err
	}))

	require.Equal(t, usenetsync.SessionCompleted, sess.Status)
	require.Equal(t, sess.TotalCount, sess.CompletedCount)
	for _, seg := range segs {
		require.Equal(t, usenetsync.SegPosted, seg.State)
		require.NotEmpty(t, seg.PostedArticleRef)
	}

	// Re-running upload on an already-uploaded folder must enqueue no
	// rows and complete immediately rather than sticking at
	// SessionRunning forever (R4).
	secondSessionID, err := e.EnqueueFolder(context.Background(), folderID, usenetsync.PriorityNormal)
	require.NoError(t, err)
	require.NotEqual(t, sessionID, secondSessionID)

	var secondSess *usenetsync.UploadSession
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		secondSess, err = store.GetUploadSession(txn, secondSessionID)
		return err
	}))
	require.Equal(t, usenetsync.SessionCompleted, secondSess.Status)
	require.Equal(t, int64(0), secondSess.TotalCount)
	require.Equal(t, int64(0), secondSess.CompletedCount)
	require.NotNil(t, secondSess.EndedAt)

	require.NoError(t, e.Run(context.Background(), secondSessionID))
}
