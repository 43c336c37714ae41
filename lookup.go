package flashfs

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

// cursor is the position in lookup tables where the scan starts.
type cursor struct {
	block types.BlockIndex
	entry uint32
}

type visitFlags uint8

const (
	// visitCheckID restricts the scan to slots containing the requested ID.
	visitCheckID visitFlags = 1 << iota
	// visitNoWrap stops the scan at the end of the area instead of continuing from the first block.
	visitNoWrap
)

type visitResult uint8

const (
	visitContinue visitResult = iota
	// visitReload continues the scan but forces the lookup page to be read again because visitor modified flash.
	visitReload
	visitStop
)

// visitor is called for each slot matched by the scan.
type visitor func(id types.ObjectID, bix types.BlockIndex, entry uint32) (visitResult, error)

// findEntry scans lookup slots starting at the cursor. Each slot is visited at most once.
// If visitor is nil, the first matching slot is returned. ErrNotFound is returned if visitor never stops the scan.
func (fs *FS) findEntry(start cursor, flags visitFlags, id types.ObjectID, v visitor) (cursor, error) {
	nBlocks := fs.geo.Blocks()
	entries := fs.geo.EntriesPerBlock()
	slotsPerPage := fs.geo.SlotsPerPage()

	bix, entry := start.block, start.entry
	if uint32(bix) >= nBlocks {
		bix, entry = 0, 0
	}
	if entry >= entries {
		entry = 0
		bix++
		if uint32(bix) == nBlocks {
			if flags&visitNoWrap != 0 {
				return cursor{}, errors.WithStack(ErrNotFound)
			}
			bix = 0
		}
	}

	loaded := ^uint32(0)
	for remaining := nBlocks * entries; remaining > 0; remaining-- {
		luPage := entry / slotsPerPage
		if luPage != loaded {
			addr := fs.geo.BlockAddr(bix) + luPage*fs.geo.PageSize()
			if err := fs.cache.Read(cache.KindLookup, addr, fs.lu); err != nil {
				return cursor{}, err
			}
			loaded = luPage
		}

		slot := blocks.LookupSlot(fs.lu, int(entry%slotsPerPage))
		if flags&visitCheckID == 0 || slot == id {
			c := cursor{block: bix, entry: entry}
			if v == nil {
				return c, nil
			}
			res, err := v(slot, bix, entry)
			if err != nil {
				return c, err
			}
			switch res {
			case visitStop:
				return c, nil
			case visitReload:
				loaded = ^uint32(0)
			}
		}

		entry++
		if entry == entries {
			entry = 0
			loaded = ^uint32(0)
			bix++
			if uint32(bix) == nBlocks {
				if flags&visitNoWrap != 0 {
					return cursor{}, errors.WithStack(ErrNotFound)
				}
				bix = 0
			}
		}
	}
	return cursor{}, errors.WithStack(ErrNotFound)
}

// findFree returns free page and moves the free cursor to it.
// Outside garbage collection the last free block is kept for the collector.
func (fs *FS) findFree() (types.PageIndex, error) {
	if !fs.cleaning && fs.freeBlocks < 2 {
		if err := fs.gcQuick(0); err != nil && !errors.Is(err, ErrNoDeletedBlocks) {
			return 0, err
		}
		if fs.freeBlocks < 2 {
			return 0, errors.WithStack(ErrFull)
		}
	}

	c, err := fs.findEntry(fs.freeCursor, visitCheckID, types.ObjectIDFree,
		func(_ types.ObjectID, bix types.BlockIndex, _ uint32) (visitResult, error) {
			if fs.cleaning && bix == fs.victim {
				return visitContinue, nil
			}
			return visitStop, nil
		})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, errors.WithStack(ErrFull)
		}
		return 0, err
	}

	fs.freeCursor = c
	if c.entry == 0 {
		fs.freeBlocks--
	}
	return fs.geo.EntryPage(c.block, c.entry), nil
}

// findIDAndSpan returns live page of the object with the span.
func (fs *FS) findIDAndSpan(id types.ObjectID, span types.SpanIndex) (types.PageIndex, error) {
	c, err := fs.findEntry(fs.searchCursor, visitCheckID, id,
		func(_ types.ObjectID, bix types.BlockIndex, entry uint32) (visitResult, error) {
			hdr, err := fs.readPageHeader(cache.KindScan, fs.geo.EntryPage(bix, entry))
			if err != nil {
				return visitStop, err
			}
			if hdr.ObjectID == id && hdr.Span == span && hdr.Flags.IsLive() &&
				hdr.Flags&types.FlagIndexDeleted != 0 {
				return visitStop, nil
			}
			return visitContinue, nil
		})
	if err != nil {
		return 0, err
	}

	fs.searchCursor = c
	return fs.geo.EntryPage(c.block, c.entry), nil
}

// findByName returns the index header page of the object with the name.
func (fs *FS) findByName(name [blocks.NameLength]byte) (types.PageIndex, error) {
	var found types.PageIndex
	_, err := fs.findEntry(cursor{}, visitNoWrap, 0,
		func(id types.ObjectID, bix types.BlockIndex, entry uint32) (visitResult, error) {
			if id.IsFree() || id.IsDeleted() || !id.IsIndex() {
				return visitContinue, nil
			}
			pix := fs.geo.EntryPage(bix, entry)
			hdr, ok, err := fs.readLiveIndexHeader(pix)
			if err != nil {
				return visitStop, err
			}
			if ok && hdr.Name == name {
				found = pix
				return visitStop, nil
			}
			return visitContinue, nil
		})
	if err != nil {
		return 0, err
	}
	return found, nil
}

// readLiveIndexHeader reads index header of the page and reports whether it is a live header of an object.
func (fs *FS) readLiveIndexHeader(pix types.PageIndex) (blocks.IndexHeader, bool, error) {
	var p [blocks.IndexHeaderSize]byte
	if err := fs.cache.Read(cache.KindScan, fs.geo.PageAddr(pix), p[:]); err != nil {
		return blocks.IndexHeader{}, false, err
	}
	hdr := blocks.DecodeIndexHeader(p[:])
	ok := hdr.ObjectID.IsIndex() && hdr.Span == 0 && hdr.Flags.IsLive() && hdr.Flags.IsIndex() &&
		hdr.Flags&types.FlagIndexDeleted != 0
	return hdr, ok, nil
}
