// Package download is the Download Engine (C7): a worker pool that
// takes a share's decrypted segment map and reconstructs files on
// disk, retrieving each segment through the Wire Layer's retrieve
// path with per-segment redundancy fallback (§4.7). Its shape mirrors
// the Upload Engine (C6) — same claim-lease-process-commit cycle over
// a durable queue, same errgroup-bounded worker pool — applied to the
// opposite direction of the pipeline.
package download

import "github.com/contemptx/usenetsync/usenetsync"

// Manifest is what a decrypted core index (§4.8) yields: enough to
// enumerate every segment needed to reconstruct a folder version
// without any access to the sender's own Metadata Store rows.
type Manifest struct {
	ShareID    usenetsync.ShareID
	ContentKey []byte
	Files      []FileManifest
	Packs      []PackManifest
}

// FileManifest describes one stream-set file to reconstruct.
type FileManifest struct {
	RelativePath string
	ByteSize     int64
	ContentHash  [32]byte
	Segments     []SegmentPointer
}

// PackManifest describes one packed segment and the small files it
// unpacks into. A Pack always covers exactly one logical segment
// (§4.4's packer never splits a pack across segment boundaries), so
// Segments holds a single entry in practice, but the field stays a
// slice to mirror FileManifest's shape.
type PackManifest struct {
	Members  []PackMemberPointer
	Segments []SegmentPointer
}

// PackMemberPointer locates one small file inside a pack segment's
// decrypted plaintext.
type PackMemberPointer struct {
	RelativePath string
	OffsetInPack int64
	Length       int64
	ContentHash  [32]byte
}

// SegmentPointer is one logical segment's redundancy-indexed article
// references plus the plaintext range it covers, taken directly from
// the core index's segment pointer table (§4.8).
type SegmentPointer struct {
	Index           int
	PlaintextOffset int64
	PlaintextLength int64
	ContentHash     [32]byte
	// ArticleRefs holds one entry per redundancy copy, in
	// RedundancyIndex order (§4.4 invariant: R independently encrypted
	// copies of the same logical segment).
	ArticleRefs []string
}
