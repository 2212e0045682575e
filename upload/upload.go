// Package upload is the Upload Engine (C6): a persistent priority
// queue plus a bounded worker pool that posts pending Segments through
// the Wire Layer (C5), recording per-segment and per-session outcomes
// back to the Metadata Store (§4.6). Workers are grounded on
// golang.org/x/sync/errgroup the way the teacher's own cache package
// bounds concurrent background work, generalized here to a
// claim-lease-post-commit loop instead of a fixed fan-out.
package upload

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
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

// leaseDuration is how long a claimed row is protected from being
// swept back to pending, per §4.6's "lease deadline."
const leaseDuration = 60 * time.Second

// maxRetriesPerRow is the retry budget before a row's outcome becomes
// permanent (marks the Segment failed rather than rescheduling
// forever), per §7's "exceeding a budget" pattern.
const maxRetriesPerRow = 8

// Engine drives the upload queue for one store + wire configuration.
type Engine struct {
	store  *store.Store
	kernel *crypto.Kernel
	wire   *wire.Layer
	groups []string

	Workers int // default min(8, runtime set by caller)
}

// New constructs an Engine. workers should be config.WorkersConfig.Upload.
func New(s *store.Store, k *crypto.Kernel, w *wire.Layer, groups []string, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{store: s, kernel: k, wire: w, groups: groups, Workers: workers}
}

// EnqueueFolder opens a new UploadSession and enqueues every pending
// Segment belonging to folderID's files and packs, at the given
// priority, returning the session id (§4.6).
func (e *Engine) EnqueueFolder(ctx context.Context, folderID usenetsync.FolderID, priority usenetsync.Priority) (usenetsync.SessionID, error) {
	const op = "upload.EnqueueFolder"
	sessionID := usenetsync.SessionID(newSessionID())

	err := e.store.WithTxn(ctx, func(txn store.Txn) error {
		segs, err := store.ListAllSegments(txn)
		if err != nil {
			return err
		}
		folderSegs, err := segmentsForFolder(txn, folderID, segs)
		if err != nil {
			return err
		}

		var enqueuedCount int64
		var enqueuedBytes int64
		for _, seg := range folderSegs {
			if seg.State != usenetsync.SegPending {
				continue
			}
			if err := store.EnqueueUpload(txn, &usenetsync.UploadQueueRow{
				SegmentID: seg.ID,
				SessionID: sessionID,
				Priority:  priority,
				Enqueued:  timeNow(),
			}); err != nil {
				return err
			}
			enqueuedCount++
			enqueuedBytes += seg.PlaintextLength
		}

		sess := &usenetsync.UploadSession{
			ID:         sessionID,
			FolderID:   folderID,
			TotalCount: enqueuedCount,
			TotalBytes: enqueuedBytes,
			Status:     usenetsync.SessionRunning,
			StartedAt:  timeNow(),
		}
		if enqueuedCount == 0 {
			// Every segment the folder owns was already posted by a
			// prior run: nothing for a worker to claim, so this session
			// completes immediately with zero posts rather than being
			// left at SessionRunning forever (R4).
			sess.Status = usenetsync.SessionCompleted
			ended := timeNow()
			sess.EndedAt = &ended
		}
		return store.PutUploadSession(txn, sess)
	})
	if err != nil {
		return "", errors.E(op, err)
	}
	return sessionID, nil
}

// segmentsForFolder filters segs to those whose owning file or pack
// belongs to folderID.
func segmentsForFolder(txn store.Txn, folderID usenetsync.FolderID, segs []*usenetsync.Segment) ([]*usenetsync.Segment, error) {
	var out []*usenetsync.Segment
	for _, seg := range segs {
		owned, err := segmentBelongsToFolder(txn, folderID, seg)
		if err != nil {
			return nil, err
		}
		if owned {
			out = append(out, seg)
		}
	}
	return out, nil
}

func segmentBelongsToFolder(txn store.Txn, folderID usenetsync.FolderID, seg *usenetsync.Segment) (bool, error) {
	if seg.OwnerFileID != "" {
		f, err := store.GetFileEntry(txn, seg.OwnerFileID)
		if err != nil {
			return false, err
		}
		return f.FolderID == folderID, nil
	}
	p, err := store.GetPack(txn, seg.OwnerPackID)
	if err != nil {
		return false, err
	}
	return p.FolderID == folderID, nil
}

// Run drives Workers worker goroutines against sessionID until the
// queue for that session is empty, the session is cancelled, or ctx is
// done. It also runs a lease sweeper alongside the workers.
func (e *Engine) Run(ctx context.Context, sessionID usenetsync.SessionID) error {
	const op = "upload.Run"
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.SessionsInFlight.WithLabelValues("upload").Inc()
	defer metrics.SessionsInFlight.WithLabelValues("upload").Dec()

	g, gctx := errgroup.WithContext(ctx)
	sweepCtx, stopSweep := context.WithCancel(gctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = e.sweepLoop(sweepCtx)
	}()
	for i := 0; i < e.Workers; i++ {
		workerID := workerName(i)
		g.Go(func() error { return e.workerLoop(gctx, sessionID, workerID) })
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
				_, err := store.SweepExpiredUploadLeases(txn, timeNow())
				return err
			})
		}
	}
}

// workerLoop is one worker's claim-process-commit cycle. It exits
// cleanly (nil) once the session's queue is drained or cancelled.
func (e *Engine) workerLoop(ctx context.Context, sessionID usenetsync.SessionID, workerID string) error {
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
		if drained {
			return nil
		}
		if sess.Cancelled {
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
			// Belongs to a different session's run; leave it inflight
			// for its own Run loop and look for other work.
			continue
		}

		e.process(ctx, sessionID, row)
	}
}

func (e *Engine) sessionDrainedOrCancelled(ctx context.Context, sessionID usenetsync.SessionID) (*usenetsync.UploadSession, bool, error) {
	var sess *usenetsync.UploadSession
	var remaining int
	err := e.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		sess, err = store.GetUploadSession(txn, sessionID)
		if err != nil {
			return err
		}
		rows, err := store.ListUploadQueue(txn, sessionID)
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

func (e *Engine) claimRow(ctx context.Context, workerID string) (*usenetsync.UploadQueueRow, error) {
	var row *usenetsync.UploadQueueRow
	err := e.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		row, err = store.ClaimNextUploadRow(txn, workerID, timeNow().Add(leaseDuration))
		return err
	})
	return row, err
}

// process posts one claimed row and records the outcome, per §4.6's
// "post-then-record-outcome is atomic from the upload engine's
// perspective."
func (e *Engine) process(ctx context.Context, sessionID usenetsync.SessionID, row *usenetsync.UploadQueueRow) {
	var seg *usenetsync.Segment
	var folder *usenetsync.Folder
	var plaintext []byte
	loadErr := e.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		seg, err = store.GetSegment(txn, row.SegmentID)
		if err != nil {
			return err
		}
		folder, err = e.ownerFolder(txn, seg)
		return err
	})
	if loadErr == nil {
		plaintext, loadErr = reconstructPlaintext(e.store, folder, seg)
	}
	if loadErr != nil {
		e.finishFailed(ctx, sessionID, row, seg, loadErr)
		return
	}

	contentKey, kerr := e.folderContentKey(folder)
	if kerr != nil {
		e.finishFailed(ctx, sessionID, row, seg, kerr)
		return
	}
	ciphertext, eerr := e.kernel.Encrypt(contentKey, plaintext)
	if eerr != nil {
		e.finishFailed(ctx, sessionID, row, seg, eerr)
		return
	}

	articleRef, perr := e.wire.PostSegment(ctx, seg, ciphertext)
	if perr != nil {
		if errors.Is(errors.AuthError, perr) || errors.Is(errors.IntegrityError, perr) || row.RetryCount >= maxRetriesPerRow {
			e.finishFailed(ctx, sessionID, row, seg, perr)
			return
		}
		metrics.SegmentRetries.WithLabelValues("upload").Inc()
		_ = e.store.WithTxn(ctx, func(txn store.Txn) error {
			return store.RescheduleUploadRow(txn, row)
		})
		return
	}
	metrics.SegmentsPosted.WithLabelValues(string(folder.ID)).Inc()

	_ = e.store.WithTxn(ctx, func(txn store.Txn) error {
		seg.PostedArticleRef = []byte(articleRef)
		seg.State = usenetsync.SegPosted
		if err := store.PutSegment(txn, seg); err != nil {
			return err
		}
		if err := store.CompleteUploadRow(txn, row.ID); err != nil {
			return err
		}
		sess, err := store.GetUploadSession(txn, sessionID)
		if err != nil {
			return err
		}
		sess.CompletedCount++
		sess.CompletedBytes += seg.PlaintextLength
		if sess.CompletedCount+sess.FailedCount >= sess.TotalCount {
			sess.Status = usenetsync.SessionCompleted
			ended := timeNow()
			sess.EndedAt = &ended
		}
		return store.PutUploadSession(txn, sess)
	})
}

func (e *Engine) finishFailed(ctx context.Context, sessionID usenetsync.SessionID, row *usenetsync.UploadQueueRow, seg *usenetsync.Segment, cause error) {
	_ = e.store.WithTxn(ctx, func(txn store.Txn) error {
		if seg != nil {
			seg.State = usenetsync.SegFailed
			seg.RetryCount = row.RetryCount
			if err := store.PutSegment(txn, seg); err != nil {
				return err
			}
		}
		if err := store.CompleteUploadRow(txn, row.ID); err != nil {
			return err
		}
		sess, err := store.GetUploadSession(txn, sessionID)
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
		return store.PutUploadSession(txn, sess)
	})
}

func (e *Engine) ownerFolder(txn store.Txn, seg *usenetsync.Segment) (*usenetsync.Folder, error) {
	var folderID usenetsync.FolderID
	if seg.OwnerFileID != "" {
		f, err := store.GetFileEntry(txn, seg.OwnerFileID)
		if err != nil {
			return nil, err
		}
		folderID = f.FolderID
	} else {
		p, err := store.GetPack(txn, seg.OwnerPackID)
		if err != nil {
			return nil, err
		}
		folderID = p.FolderID
	}
	return store.GetFolder(txn, folderID)
}

// folderContentKey re-derives the per-(folder,version) content key by
// re-opening the folder's sealed private key, so no derived key is
// ever persisted (§4.2).
func (e *Engine) folderContentKey(folder *usenetsync.Folder) ([]byte, error) {
	kp, err := e.kernel.OpenPrivateKey(ed25519.PublicKey(folder.SigningPublicKey), folder.SealedPrivateKey)
	if err != nil {
		return nil, err
	}
	return e.kernel.ContentKeyForFolderVersion(kp, folder.ID, folder.Version)
}

// reconstructPlaintext re-reads the plaintext range a Segment covers
// directly from the filesystem, since ciphertext is never persisted
// outside the wire (§4.4 invariant 6: every redundancy copy, and by
// extension every upload attempt, is independently encrypted with a
// fresh nonce).
func reconstructPlaintext(s *store.Store, folder *usenetsync.Folder, seg *usenetsync.Segment) ([]byte, error) {
	const op = "upload.reconstructPlaintext"
	if seg.OwnerFileID != "" {
		var entry *usenetsync.FileEntry
		err := s.WithTxn(context.Background(), func(txn store.Txn) error {
			var err error
			entry, err = store.GetFileEntry(txn, seg.OwnerFileID)
			return err
		})
		if err != nil {
			return nil, errors.E(op, err)
		}
		f, err := os.Open(filepath.Join(folder.Path, filepath.FromSlash(entry.RelativePath)))
		if err != nil {
			return nil, errors.E(op, errors.IoError, err)
		}
		defer f.Close()
		buf := make([]byte, seg.PlaintextLength)
		if _, err := f.ReadAt(buf, seg.PlaintextOffset); err != nil {
			return nil, errors.E(op, errors.IoError, err)
		}
		return buf, nil
	}

	var pack *usenetsync.Pack
	err := s.WithTxn(context.Background(), func(txn store.Txn) error {
		var err error
		pack, err = store.GetPack(txn, seg.OwnerPackID)
		return err
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	var buf []byte
	err = s.WithTxn(context.Background(), func(txn store.Txn) error {
		for _, m := range pack.Members {
			entry, err := store.GetFileEntry(txn, m.FileID)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(folder.Path, filepath.FromSlash(entry.RelativePath)))
			if err != nil {
				return errors.E(op, errors.IoError, err)
			}
			buf = append(buf, data...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return buf[seg.PlaintextOffset : seg.PlaintextOffset+seg.PlaintextLength], nil
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
