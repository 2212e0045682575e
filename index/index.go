// Package index is the Indexer (C3): it walks a folder tree, computes
// content hashes, and persists a versioned delta of FileEntry/DirEntry
// rows against the Metadata Store (§4.3). It holds no sockets and no
// crypto state — it is a leaf on top of store, matching the
// re-architected dependency DAG in §9.
//
// The traversal shape follows marmos91-dittofs's filesystem block
// store (pkg/payload/store/fs): a small Config struct, a constructor
// validating required fields, and filepath.WalkDir over a base path
// with explicit skip rules, generalized here from "store a block per
// path" to "classify a path against the prior version."
package index

import (
	"context"
	"crypto/sha256"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/log"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/usenetsync"
)

// batchSize bounds how many FileEntry rows a single traversal holds in
// memory before flushing to a transaction, per §4.3 "process files in
// batches (default 1000)."
const batchSize = 1000

// hashChunkSize is the buffered-read chunk size for the streaming
// content hasher, tuned to the default segment size per §4.3.
const hashChunkSize = 768 * 1024

// Indexer walks folders and emits versioned FileEntry/DirEntry deltas.
type Indexer struct {
	store *store.Store
	// ExcludeGlobs are additional path-matching exclusion rules beyond
	// the always-applied symlink-escape check.
	ExcludeGlobs []string
}

// New constructs an Indexer bound to s.
func New(s *store.Store) *Indexer {
	return &Indexer{store: s}
}

// scannedFile is a traversal result awaiting classification.
type scannedFile struct {
	relPath    string
	size       int64
	modTime    time.Time
	hash       [32]byte
	hashErr    error
}

// scannedDir records an empty directory encountered during traversal.
type scannedDir struct {
	relPath string
}

// IndexFolder performs one indexing pass for folderID: walk the
// filesystem at the folder's path, classify against the snapshot at
// version-1, and emit a new version if anything changed (§4.3, R2).
func (ix *Indexer) IndexFolder(ctx context.Context, folderID usenetsync.FolderID) (int64, error) {
	const op = "index.IndexFolder"

	var folder *usenetsync.Folder
	if err := ix.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}); err != nil {
		return 0, errors.E(op, err)
	}

	prevVersion := folder.Version
	newVersion := prevVersion + 1

	files, dirs, err := ix.scan(folder.Path)
	if err != nil {
		// A fatal traversal error leaves the folder at its prior
		// version (§4.3: "a fatal error ... rolls the version bump
		// back; the folder stays at N-1").
		return prevVersion, errors.E(op, errors.IoError, err)
	}

	var (
		newEntries     []*usenetsync.FileEntry
		removedPaths   []string
		newDirs        []*usenetsync.DirEntry
		removedDirs    []string
		anyChange      bool
	)

	err = ix.store.WithTxn(ctx, func(txn store.Txn) error {
		prior, err := store.ListFileEntriesAtVersion(txn, folderID, prevVersion)
		if err != nil {
			return err
		}
		priorByPath := make(map[string]*usenetsync.FileEntry, len(prior))
		for _, f := range prior {
			priorByPath[f.RelativePath] = f
		}

		currentByPath := make(map[string]*scannedFile, len(files))
		for i := range files {
			currentByPath[files[i].relPath] = &files[i]
		}

		// added / modified / unchanged
		for path, sf := range currentByPath {
			if sf.hashErr != nil {
				log.Error.Printf("index: %s: %v", path, sf.hashErr)
				continue
			}
			prevEntry, existed := priorByPath[path]
			if existed && prevEntry.ContentHash == sf.hash && prevEntry.ByteSize == sf.size {
				// unchanged: reuse the prior FileEntry untouched, no
				// re-segmentation (§4.3).
				continue
			}
			anyChange = true
			id := entryID(folderID, path, newVersion)
			newEntries = append(newEntries, &usenetsync.FileEntry{
				ID:               id,
				FolderID:         folderID,
				RelativePath:     path,
				ByteSize:         sf.size,
				ContentHash:      sf.hash,
				ModifiedAt:       sf.modTime,
				VersionFirstSeen: newVersion,
			})
		}

		// removed: present at prevVersion, absent now
		for path, prevEntry := range priorByPath {
			if _, stillPresent := currentByPath[path]; !stillPresent {
				anyChange = true
				removedPaths = append(removedPaths, prevEntry.RelativePath)
				_ = prevEntry
			}
		}

		priorDirs, err := store.ListDirEntriesAtVersion(txn, folderID, prevVersion)
		if err != nil {
			return err
		}
		priorDirSet := make(map[string]bool, len(priorDirs))
		for _, d := range priorDirs {
			priorDirSet[d.RelativePath] = true
		}
		currentDirSet := make(map[string]bool, len(dirs))
		for _, d := range dirs {
			currentDirSet[d.relPath] = true
		}
		for _, d := range dirs {
			if !priorDirSet[d.relPath] {
				anyChange = true
				newDirs = append(newDirs, &usenetsync.DirEntry{
					FolderID:         folderID,
					RelativePath:     d.relPath,
					VersionFirstSeen: newVersion,
				})
			}
		}
		for path := range priorDirSet {
			if !currentDirSet[path] {
				anyChange = true
				removedDirs = append(removedDirs, path)
			}
		}

		if !anyChange {
			// R2: idempotent no-op, version does not advance.
			return nil
		}

		for _, e := range newEntries {
			if err := store.PutFileEntry(txn, e); err != nil {
				return err
			}
		}
		for _, path := range removedPaths {
			prevEntry := priorByPath[path]
			closed := *prevEntry
			closed.VersionLastSeen = prevVersion
			if err := store.PutFileEntry(txn, &closed); err != nil {
				return err
			}
		}
		for _, d := range newDirs {
			if err := store.PutDirEntry(txn, d); err != nil {
				return err
			}
		}
		for _, path := range removedDirs {
			closed := usenetsync.DirEntry{FolderID: folderID, RelativePath: path, VersionLastSeen: prevVersion}
			if err := store.PutDirEntry(txn, &closed); err != nil {
				return err
			}
		}

		folder.Version = newVersion
		folder.Status = usenetsync.StatusIndexed
		folder.FileCount = int64(len(currentByPath))
		var byteCount int64
		for _, sf := range currentByPath {
			byteCount += sf.size
		}
		folder.ByteCount = byteCount
		return store.PutFolder(txn, folder)
	})
	if err != nil {
		return prevVersion, errors.E(op, err)
	}
	if !anyChange {
		return prevVersion, nil
	}
	return newVersion, nil
}

// entryID mints a deterministic surrogate id scoped to (folder,
// path, version) so repeated indexing runs are idempotent under
// retries rather than minting a fresh random id each time (§4.3,
// R2's "no rows modified" on re-index).
func entryID(folderID usenetsync.FolderID, relPath string, version int64) usenetsync.FileID {
	return store.NewFileID(folderID, relPath, version)
}

// scan walks root breadth-first-equivalent (filepath.WalkDir's
// lexical order satisfies the "traversal order is not observable"
// requirement of §4.3 since results are re-sorted by relative path
// before classification), skipping symlinks that escape root and any
// path matching ix.ExcludeGlobs, and returns scanned files plus
// scanned empty directories.
func (ix *Indexer) scan(root string) ([]scannedFile, []scannedDir, error) {
	var files []scannedFile
	var dirs []scannedDir
	dirHasChildren := map[string]bool{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if ix.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil || !withinRoot(root, target) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		parent := filepath.ToSlash(filepath.Dir(rel))
		if parent != "." {
			dirHasChildren[parent] = true
		}

		if d.IsDir() {
			dirs = append(dirs, scannedDir{relPath: rel})
			return nil
		}

		info, err := d.Info()
		if err != nil {
			files = append(files, scannedFile{relPath: rel, hashErr: err})
			return nil
		}
		dirHasChildren[filepath.ToSlash(filepath.Dir(rel))] = true

		h, herr := hashFile(path)
		files = append(files, scannedFile{
			relPath: rel,
			size:    info.Size(),
			modTime: info.ModTime(),
			hash:    h,
			hashErr: herr,
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var emptyDirs []scannedDir
	for _, d := range dirs {
		if !dirHasChildren[d.relPath] {
			emptyDirs = append(emptyDirs, d)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })
	sort.Slice(emptyDirs, func(i, j int) bool { return emptyDirs[i].relPath < emptyDirs[j].relPath })
	return files, emptyDirs, nil
}

func (ix *Indexer) excluded(rel string) bool {
	for _, pattern := range ix.ExcludeGlobs {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}
	return false
}

func withinRoot(root, target string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, target)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

func hashFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
