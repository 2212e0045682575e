package download_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/download"
	"github.com/contemptx/usenetsync/index"
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

// buildManifest reads back every Segment, FileEntry, and Pack
// belonging to folderID from the store, assembling the same shape a
// Publisher would have decrypted out of a core index.
func buildManifest(t *testing.T, s *store.Store, folderID usenetsync.FolderID, shareID usenetsync.ShareID, contentKey []byte) *download.Manifest {
	t.Helper()
	m := &download.Manifest{ShareID: shareID, ContentKey: contentKey}

	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		entries, err := store.ListFileEntriesAtVersion(txn, folderID, 1)
		require.NoError(t, err)

		for _, fe := range entries {
			if fe.ByteSize == 0 {
				continue
			}
			segs, err := store.ListSegmentsForOwner(txn, fe.ID, "")
			require.NoError(t, err)
			if len(segs) == 0 {
				continue // packed alongside other small files; handled below
			}
			fm := download.FileManifest{RelativePath: fe.RelativePath, ByteSize: fe.ByteSize, ContentHash: fe.ContentHash}
			fm.Segments = segmentPointers(t, txn, segs)
			m.Files = append(m.Files, fm)
		}

		packsSeen := map[usenetsync.PackID]bool{}
		allSegs, err := store.ListAllSegments(txn)
		require.NoError(t, err)
		for _, seg := range allSegs {
			if seg.OwnerPackID == "" || packsSeen[seg.OwnerPackID] {
				continue
			}
			packsSeen[seg.OwnerPackID] = true
			pack, err := store.GetPack(txn, seg.OwnerPackID)
			require.NoError(t, err)
			pm := download.PackManifest{}
			for _, mem := range pack.Members {
				fe, err := store.GetFileEntry(txn, mem.FileID)
				require.NoError(t, err)
				pm.Members = append(pm.Members, download.PackMemberPointer{
					RelativePath: fe.RelativePath, OffsetInPack: mem.OffsetInPack, Length: mem.Length,
				})
			}
			packSegs, err := store.ListSegmentsForOwner(txn, "", seg.OwnerPackID)
			require.NoError(t, err)
			pm.Segments = segmentPointers(t, txn, packSegs)
			m.Packs = append(m.Packs, pm)
		}
		return nil
	}))

	return m
}

// segmentPointers groups segs (all redundancy copies of possibly
// several logical indices) into one SegmentPointer per Index, with
// ArticleRefs ordered by RedundancyIndex.
func segmentPointers(t *testing.T, txn store.Txn, segs []*usenetsync.Segment) []download.SegmentPointer {
	t.Helper()
	byIndex := map[int]*download.SegmentPointer{}
	var order []int
	for _, seg := range segs {
		sp, ok := byIndex[seg.Index]
		if !ok {
			sp = &download.SegmentPointer{
				Index: seg.Index, PlaintextOffset: seg.PlaintextOffset,
				PlaintextLength: seg.PlaintextLength, ContentHash: seg.ContentHash,
			}
			byIndex[seg.Index] = sp
			order = append(order, seg.Index)
		}
		for len(sp.ArticleRefs) <= seg.RedundancyIndex {
			sp.ArticleRefs = append(sp.ArticleRefs, "")
		}
		sp.ArticleRefs[seg.RedundancyIndex] = string(seg.PostedArticleRef)
	}
	out := make([]download.SegmentPointer, 0, len(order))
	for _, idx := range order {
		out = append(out, *byIndex[idx])
	}
	return out
}

func setupAndUpload(t *testing.T) (*store.Store, *crypto.Kernel, usenetsync.FolderID, string, *wire.Layer, func()) {
	t.Helper()
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "big.bin"), bytes.Repeat([]byte{0x5a}, 900000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "small1.txt"), []byte("small file one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "small2.txt"), []byte("small file two, a bit longer"), 0o644))

	s := store.Open(memory.New())
	k, err := crypto.New([]byte("test-master-secret"))
	require.NoError(t, err)

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

func TestEngineReconstructsFilesAndPacks(t *testing.T) {
	s, k, folderID, srcDir, w, cleanup := setupAndUpload(t)
	defer cleanup()

	var folder *usenetsync.Folder
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}))
	kp, err := k.OpenPrivateKey(ed25519.PublicKey(folder.SigningPublicKey), folder.SealedPrivateKey)
	require.NoError(t, err)
	contentKey, err := k.ContentKeyForFolderVersion(kp, folderID, 1)
	require.NoError(t, err)

	manifest := buildManifest(t, s, folderID, "share1", contentKey)
	require.NotEmpty(t, manifest.Files)
	require.NotEmpty(t, manifest.Packs)

	destDir := t.TempDir()
	de := download.New(s, k, w, 2)
	sessionID, err := de.EnqueueShare(context.Background(), manifest, destDir)
	require.NoError(t, err)
	require.NoError(t, de.Run(context.Background(), sessionID, contentKey))

	var sess *usenetsync.DownloadSession
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		sess, err = store.GetDownloadSession(txn, sessionID)
		return err
	}))
	require.Equal(t, usenetsync.SessionCompleted, sess.Status)

	for _, name := range []string{"big.bin", "small1.txt", "small2.txt"} {
		want, err := os.ReadFile(filepath.Join(srcDir, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(destDir, name))
		require.NoError(t, err)
		require.Equal(t, want, got, name)
		require.Equal(t, sha256.Sum256(want), sha256.Sum256(got), name)
	}
}
