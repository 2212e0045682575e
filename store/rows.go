package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/usenetsync"
)

// --- Users -----------------------------------------------------------

// userKey is fixed: §3 guarantees exactly one User row per store.
var userKey = encodeKey(1)

func PutUser(txn Txn, u *usenetsync.User) error {
	v, err := encodeValue(u)
	if err != nil {
		return err
	}
	return txn.Put(TableUsers, userKey, v)
}

func GetUser(txn Txn) (*usenetsync.User, error) {
	v, err := txn.Get(TableUsers, userKey)
	if err != nil {
		return nil, errors.E("store.GetUser", errors.NotFoundError, err)
	}
	var u usenetsync.User
	if err := decodeValue(v, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Folders -----------------------------------------------------------

func folderKey(id usenetsync.FolderID) []byte { return []byte("f:" + string(id)) }

func CreateFolder(txn Txn, f *usenetsync.Folder) error {
	existing, _ := txn.Get(TableFolders, folderKey(f.ID))
	if existing != nil {
		return errors.E("store.CreateFolder", errors.StorageError, errors.Str("unique-violation: folder exists"))
	}
	v, err := encodeValue(f)
	if err != nil {
		return err
	}
	return txn.Put(TableFolders, folderKey(f.ID), v)
}

func GetFolder(txn Txn, id usenetsync.FolderID) (*usenetsync.Folder, error) {
	v, err := txn.Get(TableFolders, folderKey(id))
	if err != nil {
		return nil, errors.E("store.GetFolder", errors.NotFoundError, err)
	}
	var f usenetsync.Folder
	if err := decodeValue(v, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func PutFolder(txn Txn, f *usenetsync.Folder) error {
	v, err := encodeValue(f)
	if err != nil {
		return err
	}
	return txn.Put(TableFolders, folderKey(f.ID), v)
}

func ListFolders(txn Txn) ([]*usenetsync.Folder, error) {
	cur, err := txn.Scan(TableFolders, []byte("f:"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.Folder
	for cur.Next() {
		var f usenetsync.Folder
		if err := decodeValue(cur.Value(), &f); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, cur.Err()
}

// --- FileEntries ---------------------------------------------------------

func fileKey(id usenetsync.FileID) []byte { return []byte("file:" + string(id)) }

func fileScanPrefix(folderID usenetsync.FolderID) []byte {
	return []byte("file:" + string(folderID) + "/")
}

// NewFileID mints a surrogate file id scoped to folderID so that a
// prefix scan over the folder's files is a single range query,
// satisfying §4.1's "query by ... compound index."
func NewFileID(folderID usenetsync.FolderID, relativePath string, version int64) usenetsync.FileID {
	return usenetsync.FileID(fmt.Sprintf("%s/%s@%d", folderID, relativePath, version))
}

func PutFileEntry(txn Txn, f *usenetsync.FileEntry) error {
	v, err := encodeValue(f)
	if err != nil {
		return err
	}
	return txn.Put(TableFiles, fileKey(f.ID), v)
}

func GetFileEntry(txn Txn, id usenetsync.FileID) (*usenetsync.FileEntry, error) {
	v, err := txn.Get(TableFiles, fileKey(id))
	if err != nil {
		return nil, errors.E("store.GetFileEntry", errors.NotFoundError, err)
	}
	var f usenetsync.FileEntry
	if err := decodeValue(v, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFileEntriesAtVersion returns every FileEntry of folderID visible
// at version: VersionFirstSeen <= version and (VersionLastSeen == 0 ||
// VersionLastSeen >= version), ordered by relative path (§4.3:
// "FileEntries are ordered by (relative_path) on emission").
func ListFileEntriesAtVersion(txn Txn, folderID usenetsync.FolderID, version int64) ([]*usenetsync.FileEntry, error) {
	cur, err := txn.Scan(TableFiles, []byte("file:"+string(folderID)+"/"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.FileEntry
	seen := map[string]*usenetsync.FileEntry{}
	for cur.Next() {
		var f usenetsync.FileEntry
		if err := decodeValue(cur.Value(), &f); err != nil {
			return nil, err
		}
		if f.VersionFirstSeen > version {
			continue
		}
		if f.VersionLastSeen != 0 && f.VersionLastSeen < version {
			continue
		}
		// A path may have multiple historical rows; keep the one
		// whose VersionFirstSeen is closest to (<=) the requested
		// version.
		if prev, ok := seen[f.RelativePath]; !ok || f.VersionFirstSeen > prev.VersionFirstSeen {
			seen[f.RelativePath] = &f
		}
	}
	for _, f := range seen {
		out = append(out, f)
	}
	sortFileEntries(out)
	return out, cur.Err()
}

func sortFileEntries(entries []*usenetsync.FileEntry) {
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].RelativePath > entries[j].RelativePath {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}

// --- DirEntries (empty directories) ---------------------------------

func dirEntryKey(folderID usenetsync.FolderID, relPath string) []byte {
	return []byte("dir:" + string(folderID) + "/" + relPath)
}

func PutDirEntry(txn Txn, d *usenetsync.DirEntry) error {
	v, err := encodeValue(d)
	if err != nil {
		return err
	}
	return txn.Put(TableDirEntries, dirEntryKey(d.FolderID, d.RelativePath), v)
}

func ListDirEntriesAtVersion(txn Txn, folderID usenetsync.FolderID, version int64) ([]*usenetsync.DirEntry, error) {
	cur, err := txn.Scan(TableDirEntries, []byte("dir:"+string(folderID)+"/"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.DirEntry
	for cur.Next() {
		var d usenetsync.DirEntry
		if err := decodeValue(cur.Value(), &d); err != nil {
			return nil, err
		}
		if d.VersionFirstSeen > version {
			continue
		}
		if d.VersionLastSeen != 0 && d.VersionLastSeen < version {
			continue
		}
		out = append(out, &d)
	}
	return out, cur.Err()
}

// --- Segments -----------------------------------------------------------

func segmentKey(id usenetsync.SegmentID) []byte { return []byte("seg:" + string(id)) }

func PutSegment(txn Txn, s *usenetsync.Segment) error {
	v, err := encodeValue(s)
	if err != nil {
		return err
	}
	return txn.Put(TableSegments, segmentKey(s.ID), v)
}

func GetSegment(txn Txn, id usenetsync.SegmentID) (*usenetsync.Segment, error) {
	v, err := txn.Get(TableSegments, segmentKey(id))
	if err != nil {
		return nil, errors.E("store.GetSegment", errors.NotFoundError, err)
	}
	var s usenetsync.Segment
	if err := decodeValue(v, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListAllSegments returns every segment row in the store, regardless
// of owner, for diagnostics and tests.
func ListAllSegments(txn Txn) ([]*usenetsync.Segment, error) {
	cur, err := txn.Scan(TableSegments, []byte("seg:"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.Segment
	for cur.Next() {
		var s usenetsync.Segment
		if err := decodeValue(cur.Value(), &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, cur.Err()
}

// ListSegmentsForOwner returns every segment (all redundancy copies,
// all indices) belonging to fileID or packID, whichever is non-empty.
func ListSegmentsForOwner(txn Txn, fileID usenetsync.FileID, packID usenetsync.PackID) ([]*usenetsync.Segment, error) {
	cur, err := txn.Scan(TableSegments, []byte("seg:"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.Segment
	for cur.Next() {
		var s usenetsync.Segment
		if err := decodeValue(cur.Value(), &s); err != nil {
			return nil, err
		}
		if fileID != "" && s.OwnerFileID == fileID {
			out = append(out, &s)
		} else if packID != "" && s.OwnerPackID == packID {
			out = append(out, &s)
		}
	}
	return out, cur.Err()
}

// --- Packs ---------------------------------------------------------------

func packKey(id usenetsync.PackID) []byte { return []byte("pack:" + string(id)) }

func PutPack(txn Txn, p *usenetsync.Pack) error {
	v, err := encodeValue(p)
	if err != nil {
		return err
	}
	return txn.Put(TablePacks, packKey(p.ID), v)
}

func GetPack(txn Txn, id usenetsync.PackID) (*usenetsync.Pack, error) {
	v, err := txn.Get(TablePacks, packKey(id))
	if err != nil {
		return nil, errors.E("store.GetPack", errors.NotFoundError, err)
	}
	var p usenetsync.Pack
	if err := decodeValue(v, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Shares / Commitments --------------------------------------------

func shareKey(id usenetsync.ShareID) []byte { return []byte("share:" + string(id)) }

func PutShare(txn Txn, s *usenetsync.Share) error {
	v, err := encodeValue(s)
	if err != nil {
		return err
	}
	return txn.Put(TableShares, shareKey(s.ID), v)
}

func GetShare(txn Txn, id usenetsync.ShareID) (*usenetsync.Share, error) {
	v, err := txn.Get(TableShares, shareKey(id))
	if err != nil {
		return nil, errors.E("store.GetShare", errors.NotFoundError, err)
	}
	var s usenetsync.Share
	if err := decodeValue(v, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func commitmentKey(shareID usenetsync.ShareID, commitmentHash string) []byte {
	return []byte("commit:" + string(shareID) + "/" + commitmentHash)
}

func PutCommitment(txn Txn, hash string, c *usenetsync.Commitment) error {
	v, err := encodeValue(c)
	if err != nil {
		return err
	}
	return txn.Put(TableCommitments, commitmentKey(c.ShareID, hash), v)
}

func ListCommitments(txn Txn, shareID usenetsync.ShareID) ([]*usenetsync.Commitment, error) {
	cur, err := txn.Scan(TableCommitments, []byte("commit:"+string(shareID)+"/"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.Commitment
	for cur.Next() {
		var c usenetsync.Commitment
		if err := decodeValue(cur.Value(), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

func DeleteCommitment(txn Txn, shareID usenetsync.ShareID, hash string) error {
	return txn.Delete(TableCommitments, commitmentKey(shareID, hash))
}

// --- Upload sessions / queue -----------------------------------------

func uploadSessionKey(id usenetsync.SessionID) []byte { return []byte("usess:" + string(id)) }

func PutUploadSession(txn Txn, s *usenetsync.UploadSession) error {
	v, err := encodeValue(s)
	if err != nil {
		return err
	}
	return txn.Put(TableUploadSessions, uploadSessionKey(s.ID), v)
}

func GetUploadSession(txn Txn, id usenetsync.SessionID) (*usenetsync.UploadSession, error) {
	v, err := txn.Get(TableUploadSessions, uploadSessionKey(id))
	if err != nil {
		return nil, errors.E("store.GetUploadSession", errors.NotFoundError, err)
	}
	var s usenetsync.UploadSession
	if err := decodeValue(v, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func uploadQueueKey(id uint64) []byte { return append([]byte("uq:"), encodeKey(id)...) }

// EnqueueUpload inserts a new upload queue row, assigning it a
// monotonic sequence id (§4.1: "atomic counter increments for ...
// queue sequence ids").
func EnqueueUpload(txn Txn, row *usenetsync.UploadQueueRow) error {
	id, err := txn.NextSequence(TableUploadQueue)
	if err != nil {
		return err
	}
	row.ID = id
	row.State = usenetsync.QueuePending
	v, err := encodeValue(row)
	if err != nil {
		return err
	}
	return txn.Put(TableUploadQueue, uploadQueueKey(id), v)
}

func ListUploadQueue(txn Txn, sessionID usenetsync.SessionID) ([]*usenetsync.UploadQueueRow, error) {
	cur, err := txn.Scan(TableUploadQueue, []byte("uq:"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.UploadQueueRow
	for cur.Next() {
		var row usenetsync.UploadQueueRow
		if err := decodeValue(cur.Value(), &row); err != nil {
			return nil, err
		}
		if sessionID == "" || row.SessionID == sessionID {
			out = append(out, &row)
		}
	}
	return out, cur.Err()
}

// ClaimNextUploadRow finds the highest-priority pending row and marks
// it inflight with workerID and a lease deadline (§4.6).
func ClaimNextUploadRow(txn Txn, workerID string, leaseUntil time.Time) (*usenetsync.UploadQueueRow, error) {
	rows, err := ListUploadQueue(txn, "")
	if err != nil {
		return nil, err
	}
	var best *usenetsync.UploadQueueRow
	for _, r := range rows {
		if r.State != usenetsync.QueuePending {
			continue
		}
		if best == nil || r.Priority < best.Priority || (r.Priority == best.Priority && r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, errors.E("store.ClaimNextUploadRow", errors.NotFoundError, errors.Str("queue empty"))
	}
	best.State = usenetsync.QueueInflight
	best.WorkerID = workerID
	best.LeaseUntil = leaseUntil
	v, err := encodeValue(best)
	if err != nil {
		return nil, err
	}
	if err := txn.Put(TableUploadQueue, uploadQueueKey(best.ID), v); err != nil {
		return nil, err
	}
	return best, nil
}

func CompleteUploadRow(txn Txn, id uint64) error {
	return txn.Delete(TableUploadQueue, uploadQueueKey(id))
}

func RescheduleUploadRow(txn Txn, row *usenetsync.UploadQueueRow) error {
	row.State = usenetsync.QueuePending
	row.RetryCount++
	row.WorkerID = ""
	v, err := encodeValue(row)
	if err != nil {
		return err
	}
	return txn.Put(TableUploadQueue, uploadQueueKey(row.ID), v)
}

// SweepExpiredUploadLeases returns inflight rows whose lease has
// expired to pending, satisfying the "sweeper" contract of §4.6 and
// invariant 6 of §8.
func SweepExpiredUploadLeases(txn Txn, now time.Time) (int, error) {
	rows, err := ListUploadQueue(txn, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if r.State == usenetsync.QueueInflight && now.After(r.LeaseUntil) {
			if err := RescheduleUploadRow(txn, r); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// --- Download sessions / queue -----------------------------------------

func downloadSessionKey(id usenetsync.SessionID) []byte { return []byte("dsess:" + string(id)) }

func PutDownloadSession(txn Txn, s *usenetsync.DownloadSession) error {
	v, err := encodeValue(s)
	if err != nil {
		return err
	}
	return txn.Put(TableDownloadSessions, downloadSessionKey(s.ID), v)
}

func GetDownloadSession(txn Txn, id usenetsync.SessionID) (*usenetsync.DownloadSession, error) {
	v, err := txn.Get(TableDownloadSessions, downloadSessionKey(id))
	if err != nil {
		return nil, errors.E("store.GetDownloadSession", errors.NotFoundError, err)
	}
	var s usenetsync.DownloadSession
	if err := decodeValue(v, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func downloadQueueKey(id uint64) []byte { return append([]byte("dq:"), encodeKey(id)...) }

func EnqueueDownload(txn Txn, row *usenetsync.DownloadQueueRow) error {
	id, err := txn.NextSequence(TableDownloadQueue)
	if err != nil {
		return err
	}
	row.ID = id
	row.State = usenetsync.QueuePending
	v, err := encodeValue(row)
	if err != nil {
		return err
	}
	return txn.Put(TableDownloadQueue, downloadQueueKey(id), v)
}

func ListDownloadQueue(txn Txn, sessionID usenetsync.SessionID) ([]*usenetsync.DownloadQueueRow, error) {
	cur, err := txn.Scan(TableDownloadQueue, []byte("dq:"))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*usenetsync.DownloadQueueRow
	for cur.Next() {
		var row usenetsync.DownloadQueueRow
		if err := decodeValue(cur.Value(), &row); err != nil {
			return nil, err
		}
		if sessionID == "" || row.SessionID == sessionID {
			out = append(out, &row)
		}
	}
	return out, cur.Err()
}

func ClaimNextDownloadRow(txn Txn, workerID string, leaseUntil time.Time) (*usenetsync.DownloadQueueRow, error) {
	rows, err := ListDownloadQueue(txn, "")
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.State != usenetsync.QueuePending {
			continue
		}
		r.State = usenetsync.QueueInflight
		r.WorkerID = workerID
		r.LeaseUntil = leaseUntil
		v, err := encodeValue(r)
		if err != nil {
			return nil, err
		}
		if err := txn.Put(TableDownloadQueue, downloadQueueKey(r.ID), v); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, errors.E("store.ClaimNextDownloadRow", errors.NotFoundError, errors.Str("queue empty"))
}

func CompleteDownloadRow(txn Txn, id uint64) error {
	return txn.Delete(TableDownloadQueue, downloadQueueKey(id))
}

func RescheduleDownloadRow(txn Txn, row *usenetsync.DownloadQueueRow) error {
	row.State = usenetsync.QueuePending
	row.RetryCount++
	row.WorkerID = ""
	v, err := encodeValue(row)
	if err != nil {
		return err
	}
	return txn.Put(TableDownloadQueue, downloadQueueKey(row.ID), v)
}

func SweepExpiredDownloadLeases(txn Txn, now time.Time) (int, error) {
	rows, err := ListDownloadQueue(txn, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if r.State == usenetsync.QueueInflight && now.After(r.LeaseUntil) {
			if err := RescheduleDownloadRow(txn, r); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// CascadeDeleteFolder removes a Folder, its FileEntries, and the
// Segments owned by those FileEntries. Packs, pack-owned Segments,
// Shares, and Commitments of the folder are not removed. Segments
// never cascade to the substrate (it is immutable).
func CascadeDeleteFolder(txn Txn, folderID usenetsync.FolderID) error {
	if err := txn.Delete(TableFolders, folderKey(folderID)); err != nil {
		return err
	}
	prefix := []byte("file:" + string(folderID) + "/")
	cur, err := txn.Scan(TableFiles, prefix)
	if err != nil {
		return err
	}
	var fileIDs []string
	for cur.Next() {
		fileIDs = append(fileIDs, strings.TrimPrefix(string(cur.Key()), "file:"))
	}
	cur.Close()
	for _, id := range fileIDs {
		if err := txn.Delete(TableFiles, fileKey(usenetsync.FileID(id))); err != nil {
			return err
		}
		segs, err := ListSegmentsForOwner(txn, usenetsync.FileID(id), "")
		if err != nil {
			return err
		}
		for _, s := range segs {
			txn.Delete(TableSegments, segmentKey(s.ID))
		}
	}
	return nil
}
