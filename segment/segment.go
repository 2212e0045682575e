// Package segment is the Segmenter/Packer (C4): it turns staged
// FileEntries into fixed-size encrypted Segments (and Packs for small
// files), generating redundancy copies as configured (§4.4). It reads
// plaintext from the filesystem and from C1, and calls the Crypto
// Kernel (C2) for every encryption — it never touches a socket.
//
// The first-fit-decreasing bin packer is grounded on no single
// teacher file (none of the retrieved repos implement bin packing);
// it is hand-rolled stdlib per the algorithm pinned in §4.4, noted in
// DESIGN.md. Everything around it — transactional emission via
// store.Store, the Op-tagged errors, the §4.3-matching batch-oriented
// shape — follows the same idiom index.Indexer already established.
package segment

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/contemptx/usenetsync/crypto"
	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/usenetsync"
)

// Params pins the tunable cost parameters of §4.4.
type Params struct {
	// SizeBytes is the target segment size S (default 786432).
	SizeBytes int64
	// PackThresholdBytes is the packing threshold T (default 51200).
	PackThresholdBytes int64
	// Redundancy is R, the number of unique copies per logical
	// segment (default 1).
	Redundancy int
}

// DefaultParams returns §4.4's documented defaults.
func DefaultParams() Params {
	return Params{SizeBytes: 786432, PackThresholdBytes: 51200, Redundancy: 1}
}

// Segmenter turns staged files into encrypted Segments.
type Segmenter struct {
	store  *store.Store
	kernel *crypto.Kernel
}

// New constructs a Segmenter bound to s and k.
func New(s *store.Store, k *crypto.Kernel) *Segmenter {
	return &Segmenter{store: s, kernel: k}
}

// plaintextUnit is either one Pack's concatenated bytes or one range
// of a stream-set file's bytes, ready for encryption.
type plaintextUnit struct {
	bytes       []byte
	ownerFileID usenetsync.FileID
	ownerPackID usenetsync.PackID
	index       int
	offset      int64
}

// SegmentFolder segments every FileEntry staged at version (i.e. with
// VersionFirstSeen == version) for folderID, using kp to derive the
// per-(folder,version) content key and per-segment internal subjects.
// Calling it again on an already-segmented version is a no-op (R3).
func (sg *Segmenter) SegmentFolder(ctx context.Context, folderID usenetsync.FolderID, version int64, kp *crypto.Ed25519KeyPair, params Params) (int, error) {
	const op = "segment.SegmentFolder"

	var folder *usenetsync.Folder
	var staged []*usenetsync.FileEntry
	err := sg.store.WithTxn(ctx, func(txn store.Txn) error {
		var err error
		folder, err = store.GetFolder(txn, folderID)
		if err != nil {
			return err
		}
		all, err := store.ListFileEntriesAtVersion(txn, folderID, version)
		if err != nil {
			return err
		}
		for _, f := range all {
			if f.VersionFirstSeen == version {
				staged = append(staged, f)
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.E(op, err)
	}

	if folder.Status == usenetsync.StatusSegmented || folder.Status == usenetsync.StatusUploading ||
		folder.Status == usenetsync.StatusUploaded || folder.Status == usenetsync.StatusPublishing ||
		folder.Status == usenetsync.StatusPublished {
		return int(folder.SegmentCount), nil
	}

	contentKey, err := sg.kernel.ContentKeyForFolderVersion(kp, folderID, version)
	if err != nil {
		return 0, errors.E(op, err)
	}

	var packCandidates, streamSet []*usenetsync.FileEntry
	for _, f := range staged {
		// B1: a zero-byte file yields zero segments; it reconstructs
		// directly from its FileEntry with no segment references.
		if f.ByteSize == 0 {
			continue
		}
		if f.ByteSize <= params.PackThresholdBytes {
			packCandidates = append(packCandidates, f)
		} else {
			streamSet = append(streamSet, f)
		}
	}

	packs, packUnits, err := sg.buildPacks(folderID, folder.Path, packCandidates, params.SizeBytes)
	if err != nil {
		return 0, errors.E(op, err)
	}
	streamUnits, err := sg.buildStreamUnits(folder.Path, streamSet, params.SizeBytes)
	if err != nil {
		return 0, errors.E(op, err)
	}

	allUnits := append(packUnits, streamUnits...)

	redundancy := params.Redundancy
	if redundancy < 1 {
		redundancy = 1
	}

	var segments []*usenetsync.Segment
	for _, unit := range allUnits {
		contentHash := sha256.Sum256(unit.bytes)
		for r := 0; r < redundancy; r++ {
			seg, err := sg.sealUnit(kp, contentKey, folderID, version, unit, r, contentHash)
			if err != nil {
				// An encryption failure aborts the whole run:
				// nothing is written to the store, including units
				// sealed earlier in this run; the count returned
				// covers only the copies sealed before the failure.
				return len(segments), errors.E(op, err)
			}
			segments = append(segments, seg)
		}
	}

	err = sg.store.WithTxn(ctx, func(txn store.Txn) error {
		for _, p := range packs {
			if err := store.PutPack(txn, p); err != nil {
				return err
			}
		}
		for _, seg := range segments {
			if err := store.PutSegment(txn, seg); err != nil {
				return err
			}
		}
		folder.Status = usenetsync.StatusSegmented
		folder.SegmentCount = int64(len(segments))
		return store.PutFolder(txn, folder)
	})
	if err != nil {
		return 0, errors.E(op, err)
	}
	return len(segments), nil
}

func (sg *Segmenter) sealUnit(kp *crypto.Ed25519KeyPair, contentKey []byte, folderID usenetsync.FolderID, version int64, unit plaintextUnit, redundancyIndex int, contentHash [32]byte) (*usenetsync.Segment, error) {
	const op = "segment.sealUnit"
	salt, err := sg.kernel.RandomBytes(16)
	if err != nil {
		return nil, errors.E(op, err)
	}
	ciphertext, err := sg.kernel.Encrypt(contentKey, unit.bytes)
	if err != nil {
		return nil, errors.E(op, err)
	}
	postedSubject, err := sg.kernel.NewPostedSubject()
	if err != nil {
		return nil, errors.E(op, err)
	}
	internalSubject := kp.InternalSubject(folderID, version, unit.index, salt)

	var ownerSuffix string
	if unit.ownerPackID != "" {
		ownerSuffix = string(unit.ownerPackID)
	} else {
		ownerSuffix = string(unit.ownerFileID)
	}
	id := usenetsync.SegmentID(string(ownerSuffix) + "#" + strconv.Itoa(unit.index) + "#" + strconv.Itoa(redundancyIndex))

	return &usenetsync.Segment{
		ID:                   id,
		OwnerFileID:          unit.ownerFileID,
		OwnerPackID:          unit.ownerPackID,
		Index:                unit.index,
		RedundancyIndex:      redundancyIndex,
		PlaintextOffset:      unit.offset,
		PlaintextLength:      int64(len(unit.bytes)),
		ContentHash:          contentHash,
		EncryptedPayloadHash: sha256.Sum256(ciphertext),
		PostedSubject:        postedSubject,
		InternalSubject:      internalSubject,
		VerificationTag:      sha256.Sum256(append([]byte(internalSubject), salt...)),
		State:                usenetsync.SegPending,
	}, nil
}

// buildPacks implements the first-fit-decreasing bin packer of §4.4
// steps 1-3.
func (sg *Segmenter) buildPacks(folderID usenetsync.FolderID, rootPath string, candidates []*usenetsync.FileEntry, sizeBytes int64) ([]*usenetsync.Pack, []plaintextUnit, error) {
	sorted := append([]*usenetsync.FileEntry(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ByteSize > sorted[j].ByteSize })

	type bin struct {
		used    int64
		members []*usenetsync.FileEntry
	}
	var bins []*bin
	for _, f := range sorted {
		placed := false
		for _, b := range bins {
			if b.used+f.ByteSize <= sizeBytes {
				b.used += f.ByteSize
				b.members = append(b.members, f)
				placed = true
				break
			}
		}
		if !placed {
			bins = append(bins, &bin{used: f.ByteSize, members: []*usenetsync.FileEntry{f}})
		}
	}

	var packs []*usenetsync.Pack
	var units []plaintextUnit
	for i, b := range bins {
		packID := usenetsync.PackID(string(folderID) + "/pack" + strconv.Itoa(i))
		var buf []byte
		var pmembers []usenetsync.PackMember
		for _, f := range b.members {
			data, err := os.ReadFile(filepath.Join(rootPath, filepath.FromSlash(f.RelativePath)))
			if err != nil {
				return nil, nil, errors.E("segment.buildPacks", errors.IoError, err)
			}
			pmembers = append(pmembers, usenetsync.PackMember{FileID: f.ID, OffsetInPack: int64(len(buf)), Length: int64(len(data))})
			buf = append(buf, data...)
		}
		packs = append(packs, &usenetsync.Pack{ID: packID, FolderID: folderID, Members: pmembers})
		units = append(units, plaintextUnit{bytes: buf, ownerPackID: packID, index: 0, offset: 0})
	}
	return packs, units, nil
}

// buildStreamUnits implements §4.4 step 4: split each stream-set file
// into consecutive S-byte ranges, the final range possibly shorter.
func (sg *Segmenter) buildStreamUnits(rootPath string, files []*usenetsync.FileEntry, sizeBytes int64) ([]plaintextUnit, error) {
	var units []plaintextUnit
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(rootPath, filepath.FromSlash(f.RelativePath)))
		if err != nil {
			return nil, errors.E("segment.buildStreamUnits", errors.IoError, err)
		}
		idx := 0
		for off := int64(0); off < int64(len(data)); off += sizeBytes {
			end := off + sizeBytes
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			units = append(units, plaintextUnit{
				bytes:       data[off:end],
				ownerFileID: f.ID,
				index:       idx,
				offset:      off,
			})
			idx++
		}
	}
	return units, nil
}
