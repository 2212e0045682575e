// Package usenetsync defines the data model shared by every component
// of the core engine (§3): User, Folder, FileEntry, Segment, Pack,
// Share, Commitment, and the upload/download session records. Every
// identifier in this package is an opaque string; none carry semantic
// information about the article substrate (§1 Non-goals).
//
// The shape of this file follows upspin.io/upspin/upspin.go: one
// package of plain structs and small value types, no behavior, that
// every other package imports.
package usenetsync

import "time"

// UserID is the permanent, 256-bit hex-encoded identifier minted once
// for the local operator at first run. It is never regenerated.
type UserID string

// FolderID, FileID, SegmentID, PackID, ShareID are opaque surrogate
// identifiers. They carry no semantic information about the folder
// path, file name, segment index, or tier; that information lives
// only in the corresponding row's other fields inside the Metadata
// Store (§4.1).
type (
	FolderID  string
	FileID    string
	SegmentID string
	PackID    string
	ShareID   string
	SessionID string
)

// FolderStatus is the folder lifecycle state machine of §4.3 and
// §4.9. Valid transitions are enforced by the orchestrator, not by
// this type.
type FolderStatus string

// Folder lifecycle states, forming the DAG described in §4.9:
// added -> indexing -> indexed -> segmenting -> segmented ->
// uploading -> uploaded -> publishing -> published -> (syncing loops
// back to indexing). Error is reachable from any transient state. The
// orchestrator leaves Error only through an IndexFolder run that
// advances the version (IndexFolder accepts a folder in any state);
// segment, upload, and publish reject a folder in Error.
const (
	StatusAdded       FolderStatus = "added"
	StatusIndexing    FolderStatus = "indexing"
	StatusIndexed     FolderStatus = "indexed"
	StatusSegmenting  FolderStatus = "segmenting"
	StatusSegmented   FolderStatus = "segmented"
	StatusUploading   FolderStatus = "uploading"
	StatusUploaded    FolderStatus = "uploaded"
	StatusPublishing  FolderStatus = "publishing"
	StatusPublished   FolderStatus = "published"
	StatusSyncing     FolderStatus = "syncing"
	StatusError       FolderStatus = "error"
)

// User represents the single local operator of a store. Exactly one
// User row exists per store (§3).
type User struct {
	ID          UserID
	DisplayName string
	CreatedAt   time.Time
	// PublicKey is the operator's long-term Ed25519-shaped signing
	// public key. The private half is held by the crypto kernel,
	// encrypted at rest, and never exposed through this struct.
	PublicKey []byte
}

// Folder is a managed directory tree (§3).
type Folder struct {
	ID       FolderID
	Path     string
	Version  int64
	Status   FolderStatus
	// SigningPublicKey is the folder's own Ed25519-shaped keypair,
	// generated once at creation and never rotated. The private half
	// is held encrypted at rest by the crypto kernel.
	SigningPublicKey []byte
	// SealedPrivateKey is SigningPublicKey's private half, sealed via
	// Kernel.SealPrivateKey (§4.2). Any component that needs to
	// re-derive a per-version content key or sign material re-opens
	// it with Kernel.OpenPrivateKey rather than holding it in memory
	// across restarts.
	SealedPrivateKey []byte
	CreatedAt        time.Time

	FileCount    int64
	ByteCount    int64
	SegmentCount int64

	// PostingGroups is the ordered list of newsgroups segments for
	// this folder round-robin across (§4.5).
	PostingGroups []string
}

// FileEntry is a file observed during indexing at a specific folder
// version (§3).
type FileEntry struct {
	ID       FileID
	FolderID FolderID
	// RelativePath is forward-slash normalized with no leading slash.
	RelativePath string
	ByteSize     int64
	// ContentHash is SHA-256 over the file's full plaintext bytes.
	ContentHash [32]byte
	ModifiedAt  time.Time

	VersionFirstSeen int64
	// VersionLastSeen is 0 (meaning "null"/current) while the file is
	// still present at the head version.
	VersionLastSeen int64
}

// IsCurrent reports whether the entry is present at the folder's head
// version.
func (f *FileEntry) IsCurrent() bool { return f.VersionLastSeen == 0 }

// DirEntry records an empty directory observed during indexing, so
// that empty directories round-trip per §6.
type DirEntry struct {
	FolderID         FolderID
	RelativePath     string
	VersionFirstSeen int64
	VersionLastSeen  int64
}

// UploadState is the per-segment posting state machine of §3/§4.6.
type UploadState string

const (
	SegPending UploadState = "pending"
	SegInflight UploadState = "inflight"
	SegPosted  UploadState = "posted"
	SegFailed  UploadState = "failed"
)

// Segment is a fixed-size unit of encrypted payload (§3).
//
// A Segment whose OwnerFileID is set belongs to a stream-set file;
// one whose OwnerPackID is set belongs to a Pack. Exactly one of the
// two is set.
type Segment struct {
	ID SegmentID

	OwnerFileID FileID
	OwnerPackID PackID

	// Index is the segment's position within its logical source
	// (file or pack); redundancy copies of the same logical segment
	// share Index but differ in RedundancyIndex.
	Index          int
	RedundancyIndex int

	PlaintextOffset int64
	PlaintextLength int64
	// ContentHash is over the plaintext range; shared across
	// redundancy copies of the same logical segment (§3 invariant).
	ContentHash [32]byte

	// EncryptedPayloadHash is over the ciphertext actually posted,
	// distinct per redundancy copy since each is encrypted with a
	// fresh nonce (§4.4 step 6).
	EncryptedPayloadHash [32]byte

	// PostedArticleRef is the substrate-returned article reference,
	// encrypted at rest; nil before upload.
	PostedArticleRef []byte
	// PostedSubject is the 20-character random Subject header that
	// was actually sent on the wire.
	PostedSubject string
	// InternalSubject is the deterministic, never-posted 64-hex-char
	// verification tag described in §4.2.
	InternalSubject string
	// VerificationTag is a 256-bit value used only internally to
	// confirm an article body corresponds to this segment; it is
	// never transmitted.
	VerificationTag [32]byte

	State      UploadState
	RetryCount int
}

// Pack is a logical grouping of small FileEntries sharing one
// segment-sized plaintext (§3).
type Pack struct {
	ID       PackID
	FolderID FolderID
	Members  []PackMember
}

// PackMember records one file's placement inside a Pack's
// concatenated plaintext.
type PackMember struct {
	FileID       FileID
	OffsetInPack int64
	Length       int64
}

// Tier is one of the three access-control tiers a Share can carry
// (§4.8).
type Tier string

const (
	TierPublic    Tier = "PUBLIC"
	TierPrivate   Tier = "PRIVATE"
	TierProtected Tier = "PROTECTED"
)

// Share is a publishable handle to a folder version (§3).
type Share struct {
	ID             ShareID
	FolderID       FolderID
	FolderVersion  int64
	Tier           Tier
	// EncryptedCoreIndexRef is the opaque, encrypted reference to the
	// top-level core-index article.
	EncryptedCoreIndexRef []byte
	OwnerID               UserID
	CreatedAt             time.Time
	ExpiresAt             *time.Time
	Revoked               bool

	// PublicContentKeyWrapped carries the PUBLIC tier's embedded
	// content key material (only meaningful when Tier == TierPublic).
	PublicContentKeyWrapped []byte

	// ProtectedSalt/ProtectedKDFParams carry the PROTECTED tier's KDF
	// parameters; never the password or derived key (§4.8).
	ProtectedSalt      []byte
	ProtectedKDFParams KDFParams
	// ProtectedWrappedContentKey is the content key, AEAD-sealed under
	// the password-derived wrapping key. Without the password, this
	// value alone reveals nothing about the content key.
	ProtectedWrappedContentKey []byte

	Signature []byte
}

// KDFParams pins the memory-hard KDF's tunable cost parameters (§4.2).
type KDFParams struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
}

// Commitment is a per-authorized-user record for a PRIVATE share
// (§3). No user identifier is stored in plaintext; Commitment is the
// zero-knowledge-verifiable value bound to it.
type Commitment struct {
	ShareID ShareID
	// Commitment is the Schnorr-style commitment value over the
	// authorized user's identifier.
	Commitment []byte
	// WrappedContentKey can only be unwrapped by the user matching
	// Commitment.
	WrappedContentKey []byte
}

// SessionStatus is the terminal/non-terminal status of an
// UploadSession or DownloadSession (§3, §7).
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// UploadSession is durable bookkeeping for one orchestrated upload
// run (§3).
type UploadSession struct {
	ID       SessionID
	FolderID FolderID

	TotalCount     int64
	CompletedCount int64
	FailedCount    int64
	TotalBytes     int64
	CompletedBytes int64

	Status    SessionStatus
	StartedAt time.Time
	EndedAt   *time.Time

	Cancelled bool

	ErrorKind    string
	ErrorMessage string
}

// Priority is one of the five upload priority bands of §4.6.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// QueueState is the lifecycle of one queue row (§4.6).
type QueueState string

const (
	QueuePending  QueueState = "pending"
	QueueInflight QueueState = "inflight"
)

// UploadQueueRow references exactly one Segment plus retry
// bookkeeping and the owning session id (§4.6).
type UploadQueueRow struct {
	ID         uint64
	SegmentID  SegmentID
	SessionID  SessionID
	Priority   Priority
	State      QueueState
	WorkerID   string
	LeaseUntil time.Time
	RetryCount int
	Enqueued   time.Time
}

// DownloadQueueRow references one segment reference to retrieve
// within a DownloadSession (§4.7). Unlike UploadQueueRow, a fetcher
// may hold none of the sender's own Metadata Store rows — everything
// needed to retrieve and reconstruct comes out of the share's
// decrypted core index, so the row carries that material directly
// rather than pointing back at local Segment/FileEntry/Pack rows.
type DownloadQueueRow struct {
	ID              uint64
	SessionID       SessionID
	ShareID         ShareID
	FileID          FileID
	PackID          PackID
	SegmentIndex    int
	RedundancyTried int
	State           QueueState
	WorkerID        string
	LeaseUntil      time.Time
	RetryCount      int
	Enqueued        time.Time

	// ArticleRefs holds one wire article reference per redundancy
	// copy, in RedundancyIndex order, as recorded in the core index's
	// segment pointer table (§4.8).
	ArticleRefs []string
	// ContentHash is the segment's plaintext-range hash from the
	// manifest, verified after decryption (§4.7 step 4).
	ContentHash [32]byte
	// PlaintextOffset/PlaintextLength locate this segment's range
	// within its owning file (stream segments) or within the packed
	// concatenation (pack segments).
	PlaintextOffset int64
	PlaintextLength int64

	// RelativePath/FileByteSize/FileContentHash describe the target
	// file for a stream segment (FileID set). FileContentHash is
	// checked once the whole file has been written (§4.7 step 5).
	RelativePath    string
	FileByteSize    int64
	FileContentHash [32]byte

	// PackMemberPaths/PackMemberOffsets/PackMemberLengths describe
	// each member file a pack segment (PackID set) writes into, in
	// member order (§4.7 step 4b).
	PackMemberPaths   []string
	PackMemberOffsets []int64
	PackMemberLengths []int64
}

// DownloadSession is durable bookkeeping for one orchestrated
// fetch run (§3). The share's content key is deliberately not a field
// here: resuming a session means the caller re-decrypts the share's
// core index (cheap, deterministic) and passes the key back in rather
// than this row ever holding key material at rest.
type DownloadSession struct {
	ID       SessionID
	ShareID  ShareID
	DestRoot string

	TotalCount     int64
	CompletedCount int64
	FailedCount    int64
	TotalBytes     int64
	CompletedBytes int64

	Status    SessionStatus
	StartedAt time.Time
	EndedAt   *time.Time

	Cancelled bool

	ErrorKind    string
	ErrorMessage string
}
