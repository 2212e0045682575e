// Package orchestrator is the Orchestrator (C9): the minimal typed
// operation surface external collaborators invoke, sequencing
// Indexer→Segmenter→Upload Engine→Publisher on publish and
// Publisher→Download Engine on fetch (§4.9). It is also the single
// owner of the folder lifecycle state machine: components report
// their own completions (the Indexer advances added/syncing→indexed,
// the Segmenter advances indexed→segmented), and the Orchestrator
// advances every other transition — the in-progress states on entry
// to a long-running step, and the two states (uploaded, published) no
// component below it ever sets on its own.
//
// The shape — one struct wrapping every component, one method per
// typed operation, a per-folder mutex serializing publish_folder
// against concurrent callers — follows marmos91-dittofs's top-level
// node/daemon struct, the only example in the corpus whose top-level
// type binds one instance of every subsystem behind a single typed
// method surface.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contemptx/usenetsync/config"
	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/download"
	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/index"
	"github.com/contemptx/usenetsync/publish"
	"github.com/contemptx/usenetsync/segment"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/upload"
	"github.com/contemptx/usenetsync/usenetsync"
	"github.com/contemptx/usenetsync/wire"
)

// Progress is what PollSession reports for either an upload or a
// download session (§4.9 `poll_session`).
type Progress struct {
	Status         usenetsync.SessionStatus
	TotalCount     int64
	CompletedCount int64
	FailedCount    int64
	TotalBytes     int64
	CompletedBytes int64
	ErrorKind      string
	ErrorMessage   string
}

// Orchestrator binds one instance of every component above the
// Metadata Store and exposes §4.9's typed operations.
type Orchestrator struct {
	cfg    *config.Config
	store  *store.Store
	kernel *crypto.Kernel
	wire   *wire.Layer

	indexer    *index.Indexer
	segmenter  *segment.Segmenter
	uploader   *upload.Engine
	downloader *download.Engine
	publisher  *publish.Publisher

	// folderLocks serializes concurrent operations against the same
	// folder (most importantly PublishFolder: §4.9 requires folder
	// state transitions to be persisted transactionally, but a second
	// publish_folder call racing the first one would still read a
	// consistent-but-stale Folder row without a coarser lock here).
	folderLocks sync.Map // usenetsync.FolderID -> *sync.Mutex
}

// New constructs an Orchestrator. w may be nil in tests that only
// exercise indexing/segmentation.
func New(cfg *config.Config, s *store.Store, k *crypto.Kernel, w *wire.Layer) *Orchestrator {
	o := &Orchestrator{cfg: cfg, store: s, kernel: k, wire: w, indexer: index.New(s)}
	if w != nil {
		o.uploader = upload.New(s, k, w, cfg.Posting.Groups, cfg.Workers.Upload)
		o.downloader = download.New(s, k, w, cfg.Workers.Download)
		o.publisher = publish.New(s, k, w)
	}
	o.segmenter = segment.New(s, k)
	return o
}

func (o *Orchestrator) lockFor(folderID usenetsync.FolderID) *sync.Mutex {
	v, _ := o.folderLocks.LoadOrStore(folderID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// setStatus persists folderID's Status field alone, leaving every
// other field as last read from the store.
func (o *Orchestrator) setStatus(ctx context.Context, folderID usenetsync.FolderID, status usenetsync.FolderStatus) error {
	return o.store.WithTxn(ctx, func(txn store.Txn) error {
		folder, err := store.GetFolder(txn, folderID)
		if err != nil {
			return err
		}
		folder.Status = status
		return store.PutFolder(txn, folder)
	})
}

// InitializeUser creates the store's single User row (§3: "exactly
// one User row exists per store"). It is the one operation that is
// not idempotent: a second call fails with PolicyError rather than
// silently succeeding or overwriting the operator's identity (§4.9).
func (o *Orchestrator) InitializeUser(ctx context.Context, displayName string) (usenetsync.UserID, error) {
	const op = "orchestrator.InitializeUser"
	uid, err := o.kernel.NewUserID()
	if err != nil {
		return "", errors.E(op, err)
	}
	err = o.store.WithTxn(ctx, func(txn store.Txn) error {
		if _, err := store.GetUser(txn); err == nil {
			return errors.E(op, errors.PolicyError, errors.Str("a user has already been initialized for this store"))
		}
		return store.PutUser(txn, &usenetsync.User{
			ID:          usenetsync.UserID(uid),
			DisplayName: displayName,
			CreatedAt:   timeNow(),
		})
	})
	if err != nil {
		return "", errors.E(op, err)
	}
	return usenetsync.UserID(uid), nil
}

// AddFolder registers path as a managed folder (§3, §4.9
// `add_folder`): it mints a folder id and the folder's own long-term
// signing keypair (sealed at rest via the Crypto Kernel, per §4.2),
// and persists it at StatusAdded, version 0.
func (o *Orchestrator) AddFolder(ctx context.Context, path string) (usenetsync.FolderID, error) {
	const op = "orchestrator.AddFolder"
	folderID := usenetsync.FolderID(uuid.NewString())

	kp, err := o.kernel.NewSigningKeyPair()
	if err != nil {
		return "", errors.E(op, err)
	}
	sealed, err := o.kernel.SealPrivateKey(kp)
	if err != nil {
		return "", errors.E(op, err)
	}

	folder := &usenetsync.Folder{
		ID:               folderID,
		Path:             path,
		Status:           usenetsync.StatusAdded,
		SigningPublicKey: []byte(kp.Public),
		SealedPrivateKey: sealed,
		CreatedAt:        timeNow(),
		PostingGroups:    o.cfg.Posting.Groups,
	}
	if err := o.store.WithTxn(ctx, func(txn store.Txn) error {
		return store.CreateFolder(txn, folder)
	}); err != nil {
		return "", errors.E(op, err)
	}
	return folderID, nil
}

// IndexFolder runs the Indexer (C3) against folderID, advancing it
// through StatusIndexing first so a crash mid-scan is observable
// (§4.9's state machine; the Indexer itself advances to StatusIndexed
// or, on a no-op re-index, leaves the folder wherever it already was).
func (o *Orchestrator) IndexFolder(ctx context.Context, folderID usenetsync.FolderID) (int64, error) {
	const op = "orchestrator.IndexFolder"
	lock := o.lockFor(folderID)
	lock.Lock()
	defer lock.Unlock()

	var prior *usenetsync.Folder
	if err := o.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		prior, err = store.GetFolder(txn, folderID)
		return err
	}); err != nil {
		return 0, errors.E(op, err)
	}
	if err := o.setStatus(ctx, folderID, usenetsync.StatusIndexing); err != nil {
		return 0, errors.E(op, err)
	}
	version, err := o.indexer.IndexFolder(ctx, folderID)
	if err != nil {
		_ = o.setStatus(ctx, folderID, usenetsync.StatusError)
		return 0, errors.E(op, err)
	}
	if version == prior.Version {
		if err := o.setStatus(ctx, folderID, prior.Status); err != nil {
			return 0, errors.E(op, err)
		}
	}
	return version, nil
}

// SegmentFolder runs the Segmenter (C4) against folderID's current
// version (§4.9 `segment_folder`). kp is the folder's own signing
// keypair, re-opened by the caller via Kernel.OpenPrivateKey (the
// Orchestrator never holds a folder's unsealed private key across
// calls).
func (o *Orchestrator) SegmentFolder(ctx context.Context, folderID usenetsync.FolderID, kp *crypto.Ed25519KeyPair, params segment.Params) (int, error) {
	const op = "orchestrator.SegmentFolder"
	lock := o.lockFor(folderID)
	lock.Lock()
	defer lock.Unlock()

	var folder *usenetsync.Folder
	if err := o.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}); err != nil {
		return 0, errors.E(op, err)
	}
	if folder.Status != usenetsync.StatusIndexed && folder.Status != usenetsync.StatusSegmented {
		return 0, errors.E(op, errors.PolicyError, errors.Str("folder must be indexed before it can be segmented"))
	}

	if err := o.setStatus(ctx, folderID, usenetsync.StatusSegmenting); err != nil {
		return 0, errors.E(op, err)
	}
	count, err := o.segmenter.SegmentFolder(ctx, folderID, folder.Version, kp, params)
	if err != nil {
		_ = o.setStatus(ctx, folderID, usenetsync.StatusError)
		return 0, errors.E(op, err)
	}
	return count, nil
}

// UploadFolder enqueues and runs the Upload Engine (C6) against
// folderID's pending segments (§4.9 `upload_folder`). It blocks until
// the session drains or the context is cancelled, same as
// upload.Engine.Run; callers that want asynchronous progress should
// run it in their own goroutine and poll PollSession.
func (o *Orchestrator) UploadFolder(ctx context.Context, folderID usenetsync.FolderID, priority usenetsync.Priority) (usenetsync.SessionID, error) {
	const op = "orchestrator.UploadFolder"
	if o.uploader == nil {
		return "", errors.E(op, errors.ConfigError, errors.Str("no wire layer configured"))
	}

	if err := o.requireStatus(ctx, folderID, usenetsync.StatusSegmented, usenetsync.StatusUploading, usenetsync.StatusUploaded); err != nil {
		return "", errors.E(op, err)
	}
	if err := o.setStatus(ctx, folderID, usenetsync.StatusUploading); err != nil {
		return "", errors.E(op, err)
	}

	sessionID, err := o.uploader.EnqueueFolder(ctx, folderID, priority)
	if err != nil {
		_ = o.setStatus(ctx, folderID, usenetsync.StatusError)
		return "", errors.E(op, err)
	}
	if err := o.uploader.Run(ctx, sessionID); err != nil {
		_ = o.setStatus(ctx, folderID, usenetsync.StatusError)
		return sessionID, errors.E(op, err)
	}
	if err := o.setStatus(ctx, folderID, usenetsync.StatusUploaded); err != nil {
		return sessionID, errors.E(op, err)
	}
	return sessionID, nil
}

// requireStatus fails with PolicyError unless folderID is currently
// in one of the accepted states.
func (o *Orchestrator) requireStatus(ctx context.Context, folderID usenetsync.FolderID, accepted ...usenetsync.FolderStatus) error {
	const op = "orchestrator.requireStatus"
	var folder *usenetsync.Folder
	if err := o.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		return err
	}); err != nil {
		return errors.E(op, err)
	}
	for _, s := range accepted {
		if folder.Status == s {
			return nil
		}
	}
	return errors.E(op, errors.PolicyError, errors.Str("folder is not in an accepted state for this operation: "+string(folder.Status)))
}

// PublishFolder runs the Publisher (C8) against folderID's current
// version and tier (§4.9 `publish_folder`). Unlike indexing and
// segmentation it returns a fresh share id on every call — §6 names
// publish_folder as the one typed operation (besides initialize_user)
// that is explicitly not idempotent.
func (o *Orchestrator) PublishFolder(ctx context.Context, folderID usenetsync.FolderID, tier usenetsync.Tier, params publish.TierParams) (*publish.Result, error) {
	const op = "orchestrator.PublishFolder"
	if o.publisher == nil {
		return nil, errors.E(op, errors.ConfigError, errors.Str("no wire layer configured"))
	}
	lock := o.lockFor(folderID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.requireStatus(ctx, folderID, usenetsync.StatusUploaded, usenetsync.StatusPublishing, usenetsync.StatusPublished); err != nil {
		return nil, errors.E(op, err)
	}
	if err := o.setStatus(ctx, folderID, usenetsync.StatusPublishing); err != nil {
		return nil, errors.E(op, err)
	}

	result, err := o.publisher.PublishFolder(ctx, folderID, tier, params)
	if err != nil {
		_ = o.setStatus(ctx, folderID, usenetsync.StatusError)
		return nil, errors.E(op, err)
	}
	if err := o.setStatus(ctx, folderID, usenetsync.StatusPublished); err != nil {
		return result, errors.E(op, err)
	}
	return result, nil
}

// FetchShare resolves shareID through the Publisher and runs the
// Download Engine (C7) against the resulting manifest into
// destination (§4.9 `fetch_share`), blocking until the session drains
// or the context is cancelled.
func (o *Orchestrator) FetchShare(ctx context.Context, shareID usenetsync.ShareID, params publish.TierParams, destination string) (usenetsync.SessionID, error) {
	const op = "orchestrator.FetchShare"
	if o.publisher == nil || o.downloader == nil {
		return "", errors.E(op, errors.ConfigError, errors.Str("no wire layer configured"))
	}

	manifest, contentKey, err := o.publisher.FetchShare(ctx, shareID, params)
	if err != nil {
		return "", errors.E(op, err)
	}
	sessionID, err := o.downloader.EnqueueShare(ctx, manifest, destination)
	if err != nil {
		return "", errors.E(op, err)
	}
	if err := o.downloader.Run(ctx, sessionID, contentKey); err != nil {
		return sessionID, errors.E(op, err)
	}
	return sessionID, nil
}

// PollSession reports progress for either an upload or a download
// session id (§4.9 `poll_session`). It tries the upload table first,
// then the download table, since session ids are opaque and a caller
// need not track which engine produced one.
func (o *Orchestrator) PollSession(ctx context.Context, sessionID usenetsync.SessionID) (*Progress, error) {
	const op = "orchestrator.PollSession"
	var progress *Progress
	err := o.store.WithTxn(ctx, func(txn store.Txn) error {
		if sess, err := store.GetUploadSession(txn, sessionID); err == nil {
			progress = &Progress{
				Status: sess.Status, TotalCount: sess.TotalCount,
				CompletedCount: sess.CompletedCount, FailedCount: sess.FailedCount,
				TotalBytes: sess.TotalBytes, CompletedBytes: sess.CompletedBytes,
				ErrorKind: sess.ErrorKind, ErrorMessage: sess.ErrorMessage,
			}
			return nil
		}
		sess, err := store.GetDownloadSession(txn, sessionID)
		if err != nil {
			return err
		}
		progress = &Progress{
			Status: sess.Status, TotalCount: sess.TotalCount,
			CompletedCount: sess.CompletedCount, FailedCount: sess.FailedCount,
			TotalBytes: sess.TotalBytes, CompletedBytes: sess.CompletedBytes,
			ErrorKind: sess.ErrorKind, ErrorMessage: sess.ErrorMessage,
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.NotFoundError, err)
	}
	return progress, nil
}

// Revoke delegates to the Publisher (§4.9 `revoke`).
func (o *Orchestrator) Revoke(ctx context.Context, shareID usenetsync.ShareID, userID string) error {
	const op = "orchestrator.Revoke"
	if o.publisher == nil {
		return errors.E(op, errors.ConfigError, errors.Str("no wire layer configured"))
	}
	if err := o.publisher.Revoke(ctx, shareID, userID); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// timeNow is a seam for tests; production always calls time.Now.
func timeNow() time.Time { return time.Now() }
