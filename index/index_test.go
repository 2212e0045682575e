package index_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contemptx/usenetsync/index"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/store/memory"
	"github.com/contemptx/usenetsync/usenetsync"
)

func newFolder(t *testing.T, s *store.Store, path string) usenetsync.FolderID {
	t.Helper()
	f := &usenetsync.Folder{ID: usenetsync.FolderID("f1"), Path: path, Status: usenetsync.StatusAdded}
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		return store.CreateFolder(txn, f)
	}))
	return f.ID
}

func TestIndexFolderFirstPass(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.bin"), []byte("world!"), 0o644))

	s := store.Open(memory.New())
	defer s.Close()
	folderID := newFolder(t, s, dir)

	ix := index.New(s)
	version, err := ix.IndexFolder(context.Background(), folderID)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	var entries []*usenetsync.FileEntry
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		entries, err = store.ListFileEntriesAtVersion(txn, folderID, version)
		return err
	}))
	require.Len(t, entries, 2)
}

func TestIndexFolderIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	s := store.Open(memory.New())
	defer s.Close()
	folderID := newFolder(t, s, dir)
	ix := index.New(s)

	v1, err := ix.IndexFolder(context.Background(), folderID)
	require.NoError(t, err)
	v2, err := ix.IndexFolder(context.Background(), folderID)
	require.NoError(t, err)
	require.Equal(t, v1, v2)
}

func TestIndexFolderDetectsModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	s := store.Open(memory.New())
	defer s.Close()
	folderID := newFolder(t, s, dir)
	ix := index.New(s)

	v1, err := ix.IndexFolder(context.Background(), folderID)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("hello, world"), 0o644))
	v2, err := ix.IndexFolder(context.Background(), folderID)
	require.NoError(t, err)
	require.Greater(t, v2, v1)

	var entries []*usenetsync.FileEntry
	require.NoError(t, s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		entries, err = store.ListFileEntriesAtVersion(txn, folderID, v2)
		return err
	}))
	require.Len(t, entries, 1)
	require.Equal(t, int64(len("hello, world")), entries[0].ByteSize)
}
