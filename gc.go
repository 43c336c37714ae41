package flashfs

import (
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

// gcState is the phase of block cleaning.
type gcState uint8

const (
	gcMoveIndex gcState = iota
	gcFindData
	gcMoveData
	gcFinished
)

// gcCandidate is the block which might be cleaned.
type gcCandidate struct {
	block types.BlockIndex
	score int
}

// indexKey identifies index page of the object.
type indexKey struct {
	id   types.ObjectID
	span types.SpanIndex
}

// gcCleaner moves live pages out of the victim block.
type gcCleaner struct {
	fs     *FS
	victim types.BlockIndex
	state  gcState

	// entry is the position of the next slot examined by the data search.
	entry uint32

	id       types.ObjectID
	span     types.SpanIndex
	indexPix types.PageIndex
	// orphaned is set when index page of the data pages does not exist.
	orphaned bool
}

// GC runs garbage collection until there is enough space to store size bytes.
func (fs *FS) GC(size uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	return fs.record(fs.gcCheck(size))
}

// GCQuick erases the first block containing only deleted pages and at most maxFree free pages.
// No page is moved.
func (fs *FS) GCQuick(maxFree uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	return fs.record(fs.gcQuick(maxFree))
}

func (fs *FS) freePages() int64 {
	return int64(fs.geo.EntriesPerBlock())*int64(fs.geo.Blocks()-2) - int64(fs.allocated) - int64(fs.deleted)
}

// gcCheck cleans blocks if there is not enough space to store length bytes or free blocks are running out.
func (fs *FS) gcCheck(length uint32) error {
	dataPageSize := fs.geo.DataPageSize()
	return fs.gcCheckPages(int64((length + dataPageSize - 1) / dataPageSize))
}

// gcCheckPages cleans blocks until the number of pages might be allocated.
func (fs *FS) gcCheckPages(pages int64) error {
	if fs.freeBlocks > 2 && pages < fs.freePages() {
		return nil
	}
	if pages > fs.freePages()+int64(fs.deleted) {
		return errors.Wrapf(ErrFull, "%d pages requested", pages)
	}

	for run := 0; run < fs.cfg.GCMaxRuns; run++ {
		if fs.freeBlocks > 2 && pages <= fs.freePages() {
			break
		}

		candidates, err := fs.gcFindCandidates()
		if err != nil {
			return err
		}
		victim, ok, err := fs.gcSelectVictim(candidates)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		fs.log.Debug("Cleaning block",
			zap.Uint16("block", uint16(victim)),
			zap.Uint32("freeBlocks", fs.freeBlocks),
			zap.Uint32("deleted", fs.deleted))
		if err := fs.gcClean(victim); err != nil {
			return err
		}
		if err := fs.gcEraseBlock(victim); err != nil {
			return err
		}
		fs.stats.GCRuns++
	}

	if pages > fs.freePages() {
		return errors.Wrapf(ErrFull, "%d pages requested", pages)
	}
	return nil
}

// gcQuick erases the first block containing deleted pages and no used ones.
func (fs *FS) gcQuick(maxFree uint32) error {
	entries := fs.geo.EntriesPerBlock()
	for bix := types.BlockIndex(0); uint32(bix) < fs.geo.Blocks(); bix++ {
		var deleted, free uint32
		for entry := uint32(0); entry < entries; entry++ {
			id, err := fs.readSlot(bix, entry)
			if err != nil {
				return err
			}
			switch {
			case id.IsDeleted():
				deleted++
			case id.IsFree():
				free++
			}
		}
		if deleted == 0 || deleted+free != entries || free > maxFree {
			continue
		}

		fs.log.Debug("Erasing deleted block", zap.Uint16("block", uint16(bix)))
		if err := fs.gcEraseBlock(bix); err != nil {
			return err
		}
		fs.stats.GCRuns++
		return nil
	}
	return errors.WithStack(ErrNoDeletedBlocks)
}

// gcFindCandidates returns blocks containing deleted pages sorted by score.
func (fs *FS) gcFindCandidates() ([]gcCandidate, error) {
	maxCandidates := cap(fs.candidates)
	candidates := fs.candidates[:0]
	entries := fs.geo.EntriesPerBlock()
	crammed := fs.freeBlocks <= 2

	for bix := types.BlockIndex(0); uint32(bix) < fs.geo.Blocks(); bix++ {
		var deleted, used int
		for entry := uint32(0); entry < entries; entry++ {
			id, err := fs.readSlot(bix, entry)
			if err != nil {
				return nil, err
			}
			if id.IsFree() {
				break
			}
			if id.IsDeleted() {
				deleted++
			} else {
				used++
			}
		}
		if deleted == 0 {
			continue
		}

		var age int
		if !crammed {
			meta, err := fs.store.ReadBlockMeta(bix)
			if err != nil {
				return nil, err
			}
			age = int((fs.maxEraseCount - meta.EraseCount) % eraseCountLimit)
		}
		score := deleted*fs.cfg.GCWeightDeleted + used*fs.cfg.GCWeightUsed + age*fs.cfg.GCWeightEraseAge

		i := len(candidates)
		for i > 0 && candidates[i-1].score < score {
			i--
		}
		if i >= maxCandidates {
			continue
		}
		if len(candidates) < maxCandidates {
			candidates = append(candidates, gcCandidate{})
		}
		copy(candidates[i+1:], candidates[i:])
		candidates[i] = gcCandidate{block: bix, score: score}
	}
	return candidates, nil
}

// gcSelectVictim returns the best candidate whose live pages fit into free pages outside of it.
func (fs *FS) gcSelectVictim(candidates []gcCandidate) (types.BlockIndex, bool, error) {
	totalFree := int64(fs.geo.EntriesPerBlock())*int64(fs.geo.Blocks()) - int64(fs.allocated) - int64(fs.deleted)
	for _, c := range candidates {
		needed, free, err := fs.gcRequiredPages(c.block)
		if err != nil {
			return 0, false, err
		}
		if needed <= totalFree-free {
			return c.block, true, nil
		}
	}
	return 0, false, nil
}

// gcRequiredPages returns the number of pages required to clean the block and the number of its free pages.
// Each live page is moved and each index page referencing moved data pages is stored again.
func (fs *FS) gcRequiredPages(bix types.BlockIndex) (int64, int64, error) {
	var needed, free int64
	indices := fs.indexKeys[:0]
	for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
		id, err := fs.readSlot(bix, entry)
		if err != nil {
			return 0, 0, err
		}
		switch {
		case id.IsFree():
			free++
			continue
		case id.IsDeleted():
			continue
		}

		needed++
		if id.IsIndex() {
			continue
		}
		hdr, err := fs.readPageHeader(cache.KindScan, fs.geo.EntryPage(bix, entry))
		if err != nil {
			return 0, 0, err
		}
		key := indexKey{id: id, span: fs.geo.IndexSpan(hdr.Span)}
		if !slices.Contains(indices, key) {
			indices = append(indices, key)
		}
	}
	return needed + int64(len(indices)), free, nil
}

// gcEraseBlock erases the cleaned block and removes its pages from the statistics.
func (fs *FS) gcEraseBlock(bix types.BlockIndex) error {
	for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
		id, err := fs.readSlot(bix, entry)
		if err != nil {
			return err
		}
		switch {
		case id.IsFree():
		case id.IsDeleted():
			fs.deleted--
		default:
			fs.allocated--
		}
	}
	return fs.eraseBlock(bix)
}

// eraseBlock erases the block and stores its metadata.
func (fs *FS) eraseBlock(bix types.BlockIndex) error {
	if err := fs.store.EraseBlock(bix); err != nil {
		return err
	}
	if err := fs.store.WriteBlockMeta(bix, fs.maxEraseCount); err != nil {
		return err
	}
	fs.maxEraseCount = (fs.maxEraseCount + 1) % eraseCountLimit
	fs.cache.DropBlock(bix)
	fs.freeBlocks++
	fs.stats.Erases++
	return nil
}

func (fs *FS) readSlot(bix types.BlockIndex, entry uint32) (types.ObjectID, error) {
	var p [blocks.LookupSlotSize]byte
	if err := fs.cache.Read(cache.KindLookup, fs.geo.EntryAddr(bix, entry), p[:]); err != nil {
		return 0, err
	}
	return blocks.LookupSlot(p[:], 0), nil
}

// gcClean moves all the live pages out of the block. Index pages are moved first, then data pages are moved
// object by object, updating their index pages.
func (fs *FS) gcClean(bix types.BlockIndex) error {
	if fs.freeCursor.block == bix {
		fs.freeCursor = cursor{block: types.BlockIndex((uint32(bix) + 1) % fs.geo.Blocks())}
	}

	fs.cleaning = true
	fs.victim = bix
	defer func() {
		fs.cleaning = false
	}()

	c := &gcCleaner{
		fs:     fs,
		victim: bix,
		state:  gcMoveIndex,
	}
	for c.state != gcFinished {
		var err error
		switch c.state {
		case gcMoveIndex:
			err = c.moveIndex()
		case gcFindData:
			err = c.findData()
		case gcMoveData:
			err = c.moveData()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *gcCleaner) moveIndex() error {
	fs := c.fs
	for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
		id, err := fs.readSlot(c.victim, entry)
		if err != nil {
			return err
		}
		if id.IsFree() || id.IsDeleted() || !id.IsIndex() {
			continue
		}

		pix := fs.geo.EntryPage(c.victim, entry)
		hdr, err := fs.readPageHeader(cache.KindScan, pix)
		if err != nil {
			return err
		}
		if hdr.Flags.IsDeleted() {
			if err := fs.deletePage(pix); err != nil {
				return err
			}
			fs.objectEvent(eventDelete, id, hdr.Span, pix, 0)
			continue
		}

		newPix, err := fs.movePage(pix, nil, hdr)
		if err != nil {
			return err
		}
		fs.objectEvent(eventUpdate, id, hdr.Span, newPix, 0)
	}

	c.state = gcFindData
	c.entry = 0
	return nil
}

func (c *gcCleaner) findData() error {
	fs := c.fs
	for ; c.entry < fs.geo.EntriesPerBlock(); c.entry++ {
		id, err := fs.readSlot(c.victim, c.entry)
		if err != nil {
			return err
		}
		if id.IsFree() || id.IsDeleted() {
			continue
		}

		hdr, err := fs.readPageHeader(cache.KindScan, fs.geo.EntryPage(c.victim, c.entry))
		if err != nil {
			return err
		}
		c.entry++
		c.id = id.Data()
		c.span = fs.geo.IndexSpan(hdr.Span)
		c.orphaned = false

		c.indexPix, err = fs.findIDAndSpan(c.id.Index(), c.span)
		switch {
		case errors.Is(err, ErrNotFound):
			c.orphaned = true
		case err != nil:
			return err
		default:
			if err := fs.cache.Read(cache.KindIndex, fs.geo.PageAddr(c.indexPix), fs.work); err != nil {
				return err
			}
			if err := validateIndex(blocks.DecodePageHeader(fs.work), c.id, c.span); err != nil {
				return err
			}
		}
		c.state = gcMoveData
		return nil
	}

	c.state = gcFinished
	return nil
}

// moveData moves data pages of the object referenced by the loaded index page. Pages which are not referenced
// are deleted.
func (c *gcCleaner) moveData() error {
	fs := c.fs
	ix := blocks.IndexView{B: fs.work}
	changed := false
	err := func() error {
		for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
			id, err := fs.readSlot(c.victim, entry)
			if err != nil {
				return err
			}
			if id != c.id {
				continue
			}

			pix := fs.geo.EntryPage(c.victim, entry)
			hdr, err := fs.readPageHeader(cache.KindScan, pix)
			if err != nil {
				return err
			}
			if fs.geo.IndexSpan(hdr.Span) != c.span {
				continue
			}

			if c.orphaned {
				if err := fs.deletePage(pix); err != nil {
					return err
				}
				continue
			}

			ixEntry := fs.geo.IndexEntry(hdr.Span)
			referenced := ix.Entry(ixEntry) == pix
			if !referenced || !hdr.Flags.IsLive() {
				if err := fs.deletePage(pix); err != nil {
					return err
				}
				if referenced {
					ix.SetEntry(ixEntry, types.PageIndexFree)
					changed = true
				}
				continue
			}

			newPix, err := fs.movePage(pix, nil, hdr)
			if err != nil {
				return err
			}
			ix.SetEntry(ixEntry, newPix)
			changed = true
		}
		return nil
	}()

	if changed {
		var storeErr error
		if c.span == 0 {
			_, storeErr = fs.updateIndexHeader(nil, c.indexPix, fs.work, nil, 0)
		} else {
			var newPix types.PageIndex
			if newPix, storeErr = fs.movePage(c.indexPix, fs.work, blocks.PageHeader{}); storeErr == nil {
				fs.objectEvent(eventUpdate, c.id, c.span, newPix, 0)
			}
		}
		if err == nil {
			err = storeErr
		}
	}
	if err != nil {
		return err
	}

	c.state = gcFindData
	return nil
}
