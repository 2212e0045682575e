package publish

import (
	"github.com/contemptx/usenetsync/download"
	"github.com/contemptx/usenetsync/store"
	"github.com/contemptx/usenetsync/usenetsync"
)

// buildCoreIndex gathers folder's segment map at its current version
// from the Metadata Store under txn (§4.8 step 1), in the same shape
// download.Manifest expects downstream.
func buildCoreIndex(txn store.Txn, folder *usenetsync.Folder) (*CoreIndex, error) {
	idx := &CoreIndex{
		FolderID:        folder.ID,
		FolderVersion:   folder.Version,
		FolderPublicKey: folder.SigningPublicKey,
		CreatedAt:       timeNow(),
		FileCount:       folder.FileCount,
		ByteCount:       folder.ByteCount,
	}

	entries, err := store.ListFileEntriesAtVersion(txn, folder.ID, folder.Version)
	if err != nil {
		return nil, err
	}
	for _, fe := range entries {
		if fe.ByteSize == 0 {
			continue
		}
		segs, err := store.ListSegmentsForOwner(txn, fe.ID, "")
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			continue // packed alongside other small files; handled below
		}
		idx.Files = append(idx.Files, download.FileManifest{
			RelativePath: fe.RelativePath,
			ByteSize:     fe.ByteSize,
			ContentHash:  fe.ContentHash,
			Segments:     segmentPointers(segs),
		})
	}

	packsSeen := map[usenetsync.PackID]bool{}
	allSegs, err := store.ListAllSegments(txn)
	if err != nil {
		return nil, err
	}
	for _, seg := range allSegs {
		if seg.OwnerPackID == "" || packsSeen[seg.OwnerPackID] {
			continue
		}
		packsSeen[seg.OwnerPackID] = true

		pack, err := store.GetPack(txn, seg.OwnerPackID)
		if err != nil {
			return nil, err
		}
		if pack.FolderID != folder.ID {
			continue
		}
		pm := download.PackManifest{}
		for _, mem := range pack.Members {
			memFile, err := store.GetFileEntry(txn, mem.FileID)
			if err != nil {
				return nil, err
			}
			pm.Members = append(pm.Members, download.PackMemberPointer{
				RelativePath: memFile.RelativePath,
				OffsetInPack: mem.OffsetInPack,
				Length:       mem.Length,
				ContentHash:  memFile.ContentHash,
			})
		}
		packSegs, err := store.ListSegmentsForOwner(txn, "", seg.OwnerPackID)
		if err != nil {
			return nil, err
		}
		pm.Segments = segmentPointers(packSegs)
		idx.Packs = append(idx.Packs, pm)
	}

	return idx, nil
}

// segmentPointers groups segs (every redundancy copy of possibly
// several logical indices) into one download.SegmentPointer per
// Index, with ArticleRefs ordered by RedundancyIndex.
func segmentPointers(segs []*usenetsync.Segment) []download.SegmentPointer {
	byIndex := map[int]*download.SegmentPointer{}
	var order []int
	for _, seg := range segs {
		sp, ok := byIndex[seg.Index]
		if !ok {
			sp = &download.SegmentPointer{
				Index:           seg.Index,
				PlaintextOffset: seg.PlaintextOffset,
				PlaintextLength: seg.PlaintextLength,
				ContentHash:     seg.ContentHash,
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
