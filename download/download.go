package download

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/metrics"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/usenetsync"
	"github.com/contemptx/usenetsync/wire"
)

// leaseDuration mirrors upload.leaseDuration (§4.6's lease deadline,
// reused verbatim by §4.7).
const leaseDuration = 60 * time.Second

// maxRetriesPerSegment bounds how many times a segment's full
// redundancy sweep (0..R-1) is retried before the segment — and the
// file it belongs to — is marked failed for good.
const maxRetriesPerSegment = 8

// partialSuffix is appended to a target path while it is still being
// written, per §4.7 step 5's ".partial suffix for diagnosis" and the
// resume note's "temporary adjacent file with rename-on-success."
const partialSuffix = ".partial"

// Engine drives the download queue for one store + wire configuration.
type Engine struct {
	store  *store.Store
	kernel *crypto.Kernel
	wire   *wire.Layer

	Workers int

	mu    sync.Mutex
	files map[string]*fileHandle // destRoot-relative path -> open target
}

// New constructs an Engine. workers should be config.WorkersConfig.Download.
func New(s *store.Store, k *crypto.Kernel, w *wire.Layer, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{store: s, kernel: k, wire: w, Workers: workers, files: map[string]*fileHandle{}}
}

// fileHandle coalesces every segment write targeting one destination
// file through a single mutex, standing in for the "per-file writer
// task" of §4.7's parallelism note — segments for the same file are
// posted from different workers but serialized here.
type fileHandle struct {
	mu sync.Mutex

	path         string
	partialPath  string
	byteSize     int64
	contentHash  [32]byte
	f            *os.File
	expected     int
	completed    int
	written      int64
	failed       bool
	finalizeOnce bool
}

// EnqueueShare opens a new DownloadSession for m and enqueues one
// DownloadQueueRow per segment referenced by m's files and packs,
// writing reconstructed output under destRoot (§4.7 step 1).
func (e *Engine) EnqueueShare(ctx context.Context, m *Manifest, destRoot string) (usenetsync.SessionID, error) {
	const op = "download.EnqueueShare"
	sessionID := usenetsync.SessionID(newSessionID())

	rows, totalBytes := rowsForManifest(m)

	err := e.store.WithTxn(ctx, func(txn store.Txn) error {
		for _, row := range rows {
			row.SessionID = sessionID
			row.ShareID = m.ShareID
			if err := store.EnqueueDownload(txn, row); err != nil {
				return err
			}
		}
		return store.PutDownloadSession(txn, &usenetsync.DownloadSession{
			ID:         sessionID,
			ShareID:    m.ShareID,
			DestRoot:   destRoot,
			TotalCount: int64(len(rows)),
			TotalBytes: totalBytes,
			Status:     usenetsync.SessionRunning,
			StartedAt:  timeNow(),
		})
	})
	if err != nil {
		return "", errors.E(op, err)
	}
	return sessionID, nil
}

// rowsForManifest flattens every file and pack segment in m into
// queue rows, without a session id (filled in by the caller).
func rowsForManifest(m *Manifest) ([]*usenetsync.DownloadQueueRow, int64) {
	var rows []*usenetsync.DownloadQueueRow
	var totalBytes int64

	for _, fm := range m.Files {
		for _, seg := range fm.Segments {
			rows = append(rows, &usenetsync.DownloadQueueRow{
				SegmentIndex:    seg.Index,
				ArticleRefs:     seg.ArticleRefs,
				ContentHash:     seg.ContentHash,
				PlaintextOffset: seg.PlaintextOffset,
				PlaintextLength: seg.PlaintextLength,
				RelativePath:    fm.RelativePath,
				FileByteSize:    fm.ByteSize,
				FileContentHash: fm.ContentHash,
			})
			totalBytes += seg.PlaintextLength
		}
	}

	for _, pm := range m.Packs {
		paths := make([]string, len(pm.Members))
		offsets := make([]int64, len(pm.Members))
		lengths := make([]int64, len(pm.Members))
		for i, mem := range pm.Members {
			paths[i] = mem.RelativePath
			offsets[i] = mem.OffsetInPack
			lengths[i] = mem.Length
		}
		for _, seg := range pm.Segments {
			rows = append(rows, &usenetsync.DownloadQueueRow{
				SegmentIndex:      seg.Index,
				ArticleRefs:       seg.ArticleRefs,
				ContentHash:       seg.ContentHash,
				PlaintextOffset:   seg.PlaintextOffset,
				PlaintextLength:   seg.PlaintextLength,
				PackMemberPaths:   paths,
				PackMemberOffsets: offsets,
				PackMemberLengths: lengths,
			})
			totalBytes += seg.PlaintextLength
		}
	}

	return rows, totalBytes
}

// Run drives Workers worker goroutines against sessionID using
// contentKey to decrypt every retrieved segment, until the session's
// queue is drained, it is cancelled, or ctx is done.
func (e *Engine) Run(ctx context.Context, sessionID usenetsync.SessionID, contentKey []byte) error {
	const op = "download.Run"
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sess *usenetsync.DownloadSession
	if err := e.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		sess, err = store.GetDownloadSession(txn, sessionID)
		return err
	}); err != nil {
		return errors.E(op, err)
	}

	metrics.SessionsInFlight.WithLabelValues("download").Inc()
	defer metrics.SessionsInFlight.WithLabelValues("download").Dec()

	g, gctx := errgroup.WithContext(ctx)
	sweepCtx, stopSweep := context.WithCancel(gctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = e.sweepLoop(sweepCtx)
	}()
	for i := 0; i < e.Workers; i++ {
		workerID := workerName(i)
		g.Go(func() error { return e.workerLoop(gctx, sessionID, sess.DestRoot, contentKey, workerID) })
	}
	err := g.Wait()
	stopSweep()
	<-sweepDone
	if err != nil && !errors.Is(errors.CancelledError, err) {
		return errors.E(op, err)
	}
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = e.store.WithTxn(ctx, func(txn store.Txn) error {
				_, err := store.SweepExpiredDownloadLeases(txn, timeNow())
				return err
			})
		}
	}
}

func (e *Engine) workerLoop(ctx context.Context, sessionID usenetsync.SessionID, destRoot string, contentKey []byte, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sess, drained, err := e.sessionDrainedOrCancelled(ctx, sessionID)
		if err != nil {
			return err
		}
		if drained || sess.Cancelled {
			return nil
		}

		row, err := e.claimRow(ctx, workerID)
		if err != nil {
			if errors.Is(errors.NotFoundError, err) {
				select {
				case <-time.After(250 * time.Millisecond):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return err
		}
		if row.SessionID != sessionID {
			continue
		}

		e.process(ctx, sessionID, destRoot, contentKey, row)
	}
}

func (e *Engine) sessionDrainedOrCancelled(ctx context.Context, sessionID usenetsync.SessionID) (*usenetsync.DownloadSession, bool, error) {
	var sess *usenetsync.DownloadSession
	var remaining int
	err := e.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		sess, err = store.GetDownloadSession(txn, sessionID)
		if err != nil {
			return err
		}
		rows, err := store.ListDownloadQueue(txn, sessionID)
		if err != nil {
			return err
		}
		remaining = len(rows)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sess, remaining == 0, nil
}

func (e *Engine) claimRow(ctx context.Context, workerID string) (*usenetsync.DownloadQueueRow, error) {
	var row *usenetsync.DownloadQueueRow
	err := e.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		row, err = store.ClaimNextDownloadRow(txn, workerID, timeNow().Add(leaseDuration))
		return err
	})
	return row, err
}

// process retrieves one claimed segment, trying redundancy_index 0,
// 1, ..., R-1 in order until one copy decrypts and verifies, per §4.7
// step 3. A successful copy is written to its target file(s) (step 4)
// and the row is completed; exhausting every copy fails the segment
// without aborting the session (step 3's "do not abort... on a single
// failure").
func (e *Engine) process(ctx context.Context, sessionID usenetsync.SessionID, destRoot string, contentKey []byte, row *usenetsync.DownloadQueueRow) {
	plaintext, err := e.retrieveWithFallback(ctx, contentKey, row)
	if err != nil {
		e.finishFailed(ctx, sessionID, row, err)
		return
	}

	if err := e.writeSegment(destRoot, row, plaintext); err != nil {
		e.finishFailed(ctx, sessionID, row, err)
		return
	}
	metrics.SegmentsRetrieved.WithLabelValues(string(row.ShareID)).Inc()

	_ = e.store.WithTxn(ctx, func(txn store.Txn) error {
		if err := store.CompleteDownloadRow(txn, row.ID); err != nil {
			return err
		}
		sess, err := store.GetDownloadSession(txn, sessionID)
		if err != nil {
			return err
		}
		sess.CompletedCount++
		sess.CompletedBytes += row.PlaintextLength
		if sess.CompletedCount+sess.FailedCount >= sess.TotalCount {
			sess.Status = usenetsync.SessionCompleted
			ended := timeNow()
			sess.EndedAt = &ended
		}
		return store.PutDownloadSession(txn, sess)
	})
}

// retrieveWithFallback tries every redundancy copy in order, starting
// from row.RedundancyTried (so a resumed row does not repeat copies
// already ruled out), decrypting and content-hash-verifying each.
func (e *Engine) retrieveWithFallback(ctx context.Context, contentKey []byte, row *usenetsync.DownloadQueueRow) ([]byte, error) {
	const op = "download.retrieveWithFallback"
	var lastErr error
	for idx := row.RedundancyTried; idx < len(row.ArticleRefs); idx++ {
		ciphertext, err := e.wire.RetrieveSegment(ctx, row.ArticleRefs[idx])
		if err != nil {
			lastErr = err
			row.RedundancyTried = idx + 1
			continue
		}
		plaintext, err := e.kernel.Decrypt(contentKey, ciphertext)
		if err != nil {
			lastErr = err
			row.RedundancyTried = idx + 1
			continue
		}
		if sha256.Sum256(plaintext) != row.ContentHash {
			lastErr = errors.E(op, errors.IntegrityError, errors.Str("content hash mismatch"))
			row.RedundancyTried = idx + 1
			continue
		}
		return plaintext, nil
	}
	if lastErr == nil {
		lastErr = errors.E(op, errors.NotFoundError, errors.Str("no redundancy copies configured"))
	}
	return nil, errors.E(op, lastErr)
}

// writeSegment dispatches a verified plaintext range to its target
// file(s): a single WriteAt for a stream segment, or one WriteAt per
// pack member for a pack segment (§4.7 step 4).
func (e *Engine) writeSegment(destRoot string, row *usenetsync.DownloadQueueRow, plaintext []byte) error {
	if row.RelativePath != "" {
		fh, err := e.openFile(destRoot, row.RelativePath, row.FileByteSize, row.FileContentHash, 1)
		if err != nil {
			return err
		}
		return e.writeAndMaybeFinalize(fh, row.PlaintextOffset, plaintext)
	}

	for i, path := range row.PackMemberPaths {
		length := row.PackMemberLengths[i]
		offset := row.PackMemberOffsets[i]
		member := plaintext[offset : offset+length]
		memberHash := sha256.Sum256(member)
		fh, err := e.openFile(destRoot, path, length, memberHash, 1)
		if err != nil {
			return err
		}
		if err := e.writeAndMaybeFinalize(fh, 0, member); err != nil {
			return err
		}
	}
	return nil
}

// openFile returns the shared fileHandle for relPath, creating its
// .partial file on first use and pre-sizing it to byteSize.
func (e *Engine) openFile(destRoot, relPath string, byteSize int64, contentHash [32]byte, expectedSegments int) (*fileHandle, error) {
	const op = "download.openFile"
	e.mu.Lock()
	fh, ok := e.files[relPath]
	if !ok {
		full := filepath.Join(destRoot, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			e.mu.Unlock()
			return nil, errors.E(op, errors.IoError, err)
		}
		partial := full + partialSuffix
		f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			e.mu.Unlock()
			return nil, errors.E(op, errors.IoError, err)
		}
		if byteSize > 0 {
			if err := f.Truncate(byteSize); err != nil {
				f.Close()
				e.mu.Unlock()
				return nil, errors.E(op, errors.IoError, err)
			}
		}
		fh = &fileHandle{
			path: full, partialPath: partial, byteSize: byteSize,
			contentHash: contentHash, f: f, expected: expectedSegments,
		}
		e.files[relPath] = fh
	}
	e.mu.Unlock()
	return fh, nil
}

// writeAndMaybeFinalize writes data at offset, and once the bytes
// written for the file add up to its byte size, verifies the whole-file
// content hash and renames the .partial file into place (§4.7 step 5,
// resume note's "rename-on-success to preserve atomicity").
func (e *Engine) writeAndMaybeFinalize(fh *fileHandle, offset int64, data []byte) error {
	const op = "download.writeAndMaybeFinalize"
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if fh.failed || fh.finalizeOnce {
		return nil
	}

	if _, err := fh.f.WriteAt(data, offset); err != nil {
		fh.failed = true
		return errors.E(op, errors.IoError, err)
	}
	fh.completed++
	fh.written += int64(len(data))
	if fh.written < fh.byteSize {
		return nil
	}

	if err := fh.f.Sync(); err != nil {
		return errors.E(op, errors.IoError, err)
	}
	if _, err := fh.f.Seek(0, 0); err != nil {
		return errors.E(op, errors.IoError, err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, fh.f); err != nil {
		return errors.E(op, errors.IoError, err)
	}
	fh.f.Close()

	var got [32]byte
	copy(got[:], h.Sum(nil))
	if got != fh.contentHash {
		fh.failed = true
		return errors.E(op, errors.IntegrityError, errors.Str("file content hash mismatch: "+fh.path))
	}

	fh.finalizeOnce = true
	return os.Rename(fh.partialPath, fh.path)
}

func (e *Engine) finishFailed(ctx context.Context, sessionID usenetsync.SessionID, row *usenetsync.DownloadQueueRow, cause error) {
	if row.RetryCount < maxRetriesPerSegment && row.RedundancyTried >= len(row.ArticleRefs) {
		row.RedundancyTried = 0
	}
	if row.RetryCount < maxRetriesPerSegment {
		metrics.SegmentRetries.WithLabelValues("download").Inc()
		_ = e.store.WithTxn(ctx, func(txn store.Txn) error {
			return store.RescheduleDownloadRow(txn, row)
		})
		return
	}

	e.mu.Lock()
	path := row.RelativePath
	if path == "" && len(row.PackMemberPaths) > 0 {
		path = row.PackMemberPaths[0]
	}
	if fh, ok := e.files[path]; ok {
		fh.mu.Lock()
		fh.failed = true
		fh.mu.Unlock()
	}
	e.mu.Unlock()

	_ = e.store.WithTxn(ctx, func(txn store.Txn) error {
		if err := store.CompleteDownloadRow(txn, row.ID); err != nil {
			return err
		}
		sess, err := store.GetDownloadSession(txn, sessionID)
		if err != nil {
			return err
		}
		sess.FailedCount++
		sess.ErrorKind = errors.KindOf(cause).String()
		sess.ErrorMessage = cause.Error()
		if sess.CompletedCount+sess.FailedCount >= sess.TotalCount {
			sess.Status = usenetsync.SessionFailed
			ended := timeNow()
			sess.EndedAt = &ended
		}
		return store.PutDownloadSession(txn, sess)
	})
}

func workerName(i int) string {
	const alphabet = "0123456789"
	if i < 10 {
		return "worker-" + string(alphabet[i])
	}
	return "worker-n"
}

func newSessionID() string { return uuid.NewString() }

func timeNow() time.Time { return time.Now() }
