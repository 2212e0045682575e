package orchestrator_test

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/orchestrator"
	"github.com/contemptx/usenetsync/publish"
	"github.com/contemptx/usenetsync/segment"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/store/memory"
	"github.com/contemptx/usenetsync/usenetsync"
	"github.com/contemptx/usenetsync/wire"
)

func testConfig(host string, port int) *config.Config {
	return &config.Config{
		Segment: config.SegmentConfig{SizeBytes: 262144, PackThresholdBytes: 1000, Redundancy: 1},
		Wire: config.WireConfig{
			Host: host, Port: port, TLS: false,
			PoolMinIdle: 1, PoolMaxActive: 2,
			RetryAttempts: 3, RetryBaseMS: 1, RetryCapMS: 5,
		},
		Workers: config.WorkersConfig{Upload: 2, Download: 2},
		KDF:     config.KDFConfig{TargetMS: 250},
		Store:   config.StoreConfig{Backend: config.BackendEmbedded, EmbeddedPath: "unused"},
		Posting: config.PostingConfig{Groups: []string{"alt.test"}},
	}
}

// TestFullLifecyclePublicShare drives every typed operation §4.9
// names, in sequence, against a single folder: initialize_user,
// add_folder, index_folder, segment_folder, upload_folder,
// publish_folder, fetch_share, poll_session.
func TestFullLifecyclePublicShare(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "report.bin"), make([]byte, 400000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "notes.txt"), []byte("a small packed file"), 0o644))

	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()
	cfg := testConfig(host, port)

	s := store.Open(memory.New())
	k, err := crypto.New([]byte("orchestrator-test-master-secret"))
	require.NoError(t, err)
	w := wire.New(cfg.Wire, cfg.Posting.Groups, k)
	defer w.Close()

	o := orchestrator.New(cfg, s, k, w)
	ctx := context.Background()

	_, err = o.InitializeUser(ctx, "tester")
	require.NoError(t, err)
	_, err = o.InitializeUser(ctx, "tester-again")
	require.Error(t, err, "a second initialize_user call must fail")

	folderID, err := o.AddFolder(ctx, srcDir)
	require.NoError(t, err)

	version, err := o.IndexFolder(ctx, folderID)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	var folder *usenetsync.Folder
	require.NoError(t, s.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}))
	require.Equal(t, usenetsync.StatusIndexed, folder.Status)

	kp, err := k.OpenPrivateKey(folder.SigningPublicKey, folder.SealedPrivateKey)
	require.NoError(t, err)

	segCount, err := o.SegmentFolder(ctx, folderID, kp, segment.Params{
		SizeBytes: cfg.Segment.SizeBytes, PackThresholdBytes: cfg.Segment.PackThresholdBytes, Redundancy: cfg.Segment.Redundancy,
	})
	require.NoError(t, err)
	require.Greater(t, segCount, 0)

	uploadSessionID, err := o.UploadFolder(ctx, folderID, usenetsync.PriorityNormal)
	require.NoError(t, err)

	uploadProgress, err := o.PollSession(ctx, uploadSessionID)
	require.NoError(t, err)
	require.Equal(t, usenetsync.SessionCompleted, uploadProgress.Status)
	require.Equal(t, uploadProgress.TotalCount, uploadProgress.CompletedCount)

	require.NoError(t, s.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}))
	require.Equal(t, usenetsync.StatusUploaded, folder.Status)

	result, err := o.PublishFolder(ctx, folderID, usenetsync.TierPublic, publish.TierParams{})
	require.NoError(t, err)
	require.NotEmpty(t, result.ShareID)
	require.NotEmpty(t, result.AccessString)

	require.NoError(t, s.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}))
	require.Equal(t, usenetsync.StatusPublished, folder.Status)

	destDir := t.TempDir()
	downloadSessionID, err := o.FetchShare(ctx, result.ShareID, publish.TierParams{}, destDir)
	require.NoError(t, err)

	downloadProgress, err := o.PollSession(ctx, downloadSessionID)
	require.NoError(t, err)
	require.Equal(t, usenetsync.SessionCompleted, downloadProgress.Status)

	for _, name := range []string{"report.bin", "notes.txt"} {
		want, err := os.ReadFile(filepath.Join(srcDir, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(destDir, name))
		require.NoError(t, err)
		require.Equal(t, sha256.Sum256(want), sha256.Sum256(got), name)
	}
}

// TestSegmentFolderRejectsUnindexedFolder confirms PolicyError guards
// the segment_folder/upload_folder state-machine edges (§4.9, §7
// PolicyError).
func TestSegmentFolderRejectsUnindexedFolder(t *testing.T) {
	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()
	cfg := testConfig(host, port)

	s := store.Open(memory.New())
	k, err := crypto.New([]byte("orchestrator-test-master-secret"))
	require.NoError(t, err)
	w := wire.New(cfg.Wire, cfg.Posting.Groups, k)
	defer w.Close()

	o := orchestrator.New(cfg, s, k, w)
	ctx := context.Background()

	_, err = o.InitializeUser(ctx, "tester")
	require.NoError(t, err)

	srcDir := t.TempDir()
	folderID, err := o.AddFolder(ctx, srcDir)
	require.NoError(t, err)

	var folder *usenetsync.Folder
	require.NoError(t, s.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}))
	kp, err := k.OpenPrivateKey(folder.SigningPublicKey, folder.SealedPrivateKey)
	require.NoError(t, err)

	_, err = o.SegmentFolder(ctx, folderID, kp, segment.DefaultParams())
	require.Error(t, err)

	_, err = o.UploadFolder(ctx, folderID, usenetsync.PriorityNormal)
	require.Error(t, err)
}

// TestRevokeThroughOrchestrator confirms Revoke delegates correctly
// and a revoked user's subsequent fetch fails.
func TestRevokeThroughOrchestrator(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "report.bin"), make([]byte, 300000), 0o644))

	srv := newFakeNNTPServer(t)
	defer srv.close()
	host, port := srv.addr()
	cfg := testConfig(host, port)

	s := store.Open(memory.New())
	k, err := crypto.New([]byte("orchestrator-test-master-secret"))
	require.NoError(t, err)
	w := wire.New(cfg.Wire, cfg.Posting.Groups, k)
	defer w.Close()

	o := orchestrator.New(cfg, s, k, w)
	ctx := context.Background()

	_, err = o.InitializeUser(ctx, "tester")
	require.NoError(t, err)
	folderID, err := o.AddFolder(ctx, srcDir)
	require.NoError(t, err)
	_, err = o.IndexFolder(ctx, folderID)
	require.NoError(t, err)

	var folder *usenetsync.Folder
	require.NoError(t, s.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}))
	kp, err := k.OpenPrivateKey(folder.SigningPublicKey, folder.SealedPrivateKey)
	require.NoError(t, err)

	_, err = o.SegmentFolder(ctx, folderID, kp, segment.DefaultParams())
	require.NoError(t, err)
	_, err = o.UploadFolder(ctx, folderID, usenetsync.PriorityNormal)
	require.NoError(t, err)

	result, err := o.PublishFolder(ctx, folderID, usenetsync.TierPrivate, publish.TierParams{
		AuthorizedUserIDs: []string{"alice"},
	})
	require.NoError(t, err)

	require.NoError(t, o.Revoke(ctx, result.ShareID, "alice"))

	_, err = o.FetchShare(ctx, result.ShareID, publish.TierParams{UserID: "alice"}, t.TempDir())
	require.Error(t, err)
}
