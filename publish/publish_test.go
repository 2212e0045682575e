package publish_test

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/download"
	"github.com/contemptx/usenetsync/index"
	"github.com/contemptx/usenetsync/publish"
	"github.com/contemptx/usenetsync/segment"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/store/memory"
	"github.com/contemptx/usenetsync/upload"
	"github.com/contemptx/usenetsync/usenetsync"
	"github.com/contemptx/usenetsync/wire"
)

func testWireConfig(host string, port int) config.WireConfig {
	return config.WireConfig{
		Host: host, Port: port, TLS: false,
		PoolMinIdle: 1, PoolMaxActive: 2,
		RetryAttempts: 3, RetryBaseMS: 1, RetryCapMS: 5,
	}
}

// setup builds a folder with one stream file and one small packed
// file, indexes, segments, and uploads it, returning everything a
// Publisher needs plus the source directory for later byte comparison.
func setup(t *testing.T) (*store.Store, *crypto.Kernel, usenetsync.FolderID, string, *wire.Layer, func()) {
	t.Helper()
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "report.bin"), make([]byte, 500000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "notes.txt"), []byte("a small packed file"), 0o644))

	s := store.Open(memory.New())
	k, err := crypto.New([]byte("publish-test-master-secret"))
	require.NoError(t, err)

	uid, err := k.NewUserID()
	require.NoError(t, err)
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.PutUser(txn, &usenetsync.User{ID: usenetsync.UserID(uid), DisplayName: "tester", CreatedAt: time.Now()})
	}))

	kp, err := k.NewSigningKeyPair()
	require.NoError(t, err)
	sealed, err := k.SealPrivateKey(kp)
	require.NoError(t, err)

	folder := &usenetsync.Folder{
		ID: "f1", Path: srcDir, Status: usenetsync.StatusAdded,
		SigningPublicKey: []byte(kp.Public), SealedPrivateKey: sealed,
	}
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CreateFolder(txn, folder)
	}))

	ix := index.New(s)
	_, err = ix.IndexFolder(context.Background(), folder.ID)
	require.NoError(t, err)

	sg := segment.New(s, k)
	params := segment.Params{SizeBytes: 262144, PackThresholdBytes: 1000, Redundancy: 1}
	_, err = sg.SegmentFolder(context.Background(), folder.ID, 1, kp, params)
	require.NoError(t, err)

	srv := newFakeNNTPServer(t)
	host, port := srv.addr()
	w := wire.New(testWireConfig(host, port), []string{"alt.test"}, k)

	e := upload.New(s, k, w, []string{"alt.test"}, 2)
	sessionID, err := e.EnqueueFolder(context.Background(), folder.ID, usenetsync.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), sessionID))

	cleanup := func() {
		w.Close()
		srv.close()
	}
	return s, k, folder.ID, srcDir, w, cleanup
}

func fetchAndVerify(t *testing.T, s *store.Store, k *crypto.Kernel, w *wire.Layer, srcDir string, shareID usenetsync.ShareID, params publish.TierParams) {
	t.Helper()
	p := publish.New(s, k, w)
	manifest, _, err := p.FetchShare(context.Background(), shareID, params)
	require.NoError(t, err)
	require.NotEmpty(t, manifest.Files)
	require.NotEmpty(t, manifest.Packs)

	destDir := t.TempDir()
	de := download.New(s, k, w, 2)
	sessionID, err := de.EnqueueShare(context.Background(), manifest, destDir)
	require.NoError(t, err)
	require.NoError(t, de.Run(context.Background(), sessionID, manifest.ContentKey))

	var sess *usenetsync.DownloadSession
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		sess, err = store.GetDownloadSession(txn, sessionID)
		return err
	}))
	require.Equal(t, usenetsync.SessionCompleted, sess.Status)

	for _, name := range []string{"report.bin", "notes.txt"} {
		want, err := os.ReadFile(filepath.Join(srcDir, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(destDir, name))
		require.NoError(t, err)
		require.Equal(t, sha256.Sum256(want), sha256.Sum256(got), name)
	}
}

func TestPublishPublicTierRoundTrips(t *testing.T) {
	s, k, folderID, srcDir, w, cleanup := setup(t)
	defer cleanup()

	p := publish.New(s, k, w)
	result, err := p.PublishFolder(context.Background(), folderID, usenetsync.TierPublic, publish.TierParams{})
	require.NoError(t, err)
	require.NotEmpty(t, result.ShareID)
	require.NotEmpty(t, result.AccessString)

	gotShareID, contentKey, err := publish.DecodeAccessString(result.AccessString)
	require.NoError(t, err)
	require.Equal(t, result.ShareID, gotShareID)
	require.NotEmpty(t, contentKey)

	fetchAndVerify(t, s, k, w, srcDir, result.ShareID, publish.TierParams{})
}

func TestPublishPrivateTierAuthorizesAndRevokes(t *testing.T) {
	s, k, folderID, srcDir, w, cleanup := setup(t)
	defer cleanup()

	p := publish.New(s, k, w)
	result, err := p.PublishFolder(context.Background(), folderID, usenetsync.TierPrivate, publish.TierParams{
		AuthorizedUserIDs: []string{"alice", "bob"},
	})
	require.NoError(t, err)

	fetchAndVerify(t, s, k, w, srcDir, result.ShareID, publish.TierParams{UserID: "alice"})

	_, _, err = p.FetchShare(context.Background(), result.ShareID, publish.TierParams{UserID: "carol"})
	require.Error(t, err)

	require.NoError(t, p.Revoke(context.Background(), result.ShareID, "alice"))
	_, _, err = p.FetchShare(context.Background(), result.ShareID, publish.TierParams{UserID: "alice"})
	require.Error(t, err)

	fetchAndVerify(t, s, k, w, srcDir, result.ShareID, publish.TierParams{UserID: "bob"})
}

func TestPublishProtectedTierRequiresPassword(t *testing.T) {
	s, k, folderID, srcDir, w, cleanup := setup(t)
	defer cleanup()

	p := publish.New(s, k, w)
	result, err := p.PublishFolder(context.Background(), folderID, usenetsync.TierProtected, publish.TierParams{
		Password: "correct horse battery staple",
	})
	require.NoError(t, err)

	_, _, err = p.FetchShare(context.Background(), result.ShareID, publish.TierParams{Password: "wrong password"})
	require.Error(t, err)

	fetchAndVerify(t, s, k, w, srcDir, result.ShareID, publish.TierParams{Password: "correct horse battery staple"})
}
