package flashfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

// CheckType is the pass of the consistency check.
type CheckType uint8

// Check passes.
const (
	CheckLookup CheckType = iota
	CheckIndex
	CheckPage
)

func (t CheckType) String() string {
	switch t {
	case CheckLookup:
		return "lookup"
	case CheckIndex:
		return "index"
	case CheckPage:
		return "page"
	default:
		return "unknown"
	}
}

// CheckReport is the event reported by the consistency check.
type CheckReport uint8

// Check reports.
const (
	// ReportProgress reports the number of processed blocks in arg1 and the total number of blocks in arg2.
	ReportProgress CheckReport = iota
	// ReportError reports inconsistent page in arg1 and the error code in arg2.
	ReportError
	// ReportFixIndex reports that index entry of object arg1 has been pointed to page arg2.
	ReportFixIndex
	// ReportDeleteOrphanedIndex reports deleted index page arg2 of object arg1.
	ReportDeleteOrphanedIndex
	// ReportDeletePage reports deleted page arg2 of object arg1.
	ReportDeletePage
	// ReportDeleteBadFile reports deleted object arg1 whose index header is stored in page arg2.
	ReportDeleteBadFile
)

func (r CheckReport) String() string {
	switch r {
	case ReportProgress:
		return "progress"
	case ReportError:
		return "error"
	case ReportFixIndex:
		return "fix-index"
	case ReportDeleteOrphanedIndex:
		return "delete-orphaned-index"
	case ReportDeletePage:
		return "delete-page"
	case ReportDeleteBadFile:
		return "delete-bad-file"
	default:
		return "unknown"
	}
}

// CheckReporter receives events of the consistency check.
type CheckReporter func(typ CheckType, report CheckReport, arg1, arg2 uint32)

// Check verifies consistency of all the pages and repairs what was left by interrupted operations.
func (fs *FS) Check() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}

	var err error
	for i := range fs.fds {
		if fs.fds[i].inUse {
			err = multierr.Append(err, fs.flush(&fs.fds[i]))
		}
	}
	err = multierr.Append(err, fs.checkLookup())
	err = multierr.Append(err, fs.checkIndexPages())
	err = multierr.Append(err, fs.checkDataPages())
	fs.cache.Clear()
	return fs.record(err)
}

func (fs *FS) report(typ CheckType, report CheckReport, arg1, arg2 uint32) {
	if report != ReportProgress {
		fs.log.Warn("Filesystem check",
			zap.Stringer("pass", typ),
			zap.Stringer("report", report),
			zap.Uint32("arg1", arg1),
			zap.Uint32("arg2", arg2))
	}
	if fs.cfg.CheckReporter != nil {
		fs.cfg.CheckReporter(typ, report, arg1, arg2)
	}
}

// forEachPage calls fn for every page of the area. Slot is read again after each call.
func (fs *FS) forEachPage(
	typ CheckType,
	fn func(pix types.PageIndex, slot types.ObjectID, hdr blocks.PageHeader) error,
) error {
	nBlocks := fs.geo.Blocks()
	for bix := types.BlockIndex(0); uint32(bix) < nBlocks; bix++ {
		fs.report(typ, ReportProgress, uint32(bix), nBlocks)
		for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
			slot, err := fs.readSlot(bix, entry)
			if err != nil {
				return err
			}
			pix := fs.geo.EntryPage(bix, entry)
			hdr, err := fs.readPageHeader(cache.KindScan, pix)
			if err != nil {
				return err
			}
			if err := fn(pix, slot, hdr); err != nil {
				return err
			}
		}
	}
	fs.report(typ, ReportProgress, nBlocks, nBlocks)
	return nil
}

// checkLookup verifies that lookup slots agree with page headers.
func (fs *FS) checkLookup() error {
	return fs.forEachPage(CheckLookup, func(pix types.PageIndex, slot types.ObjectID, hdr blocks.PageHeader) error {
		switch {
		case slot.IsFree():
			if hdr.ObjectID == types.ObjectIDFree && hdr.Span == 0xffff && hdr.Flags == types.FlagsErased {
				return nil
			}
			// Page has been written but its slot has not.
			fs.report(CheckLookup, ReportError, uint32(pix), uint32(-ErrIsFree.Code))
			if err := fs.writeSlot(pix, types.ObjectIDDeleted); err != nil {
				return err
			}
			fs.deleted++
			if fs.geo.PageEntry(pix) == 0 {
				fs.freeBlocks--
			}
			if !hdr.Flags.IsDeleted() {
				if err := fs.writeFlags(pix, hdr.Flags.Clear(types.FlagDeleted)); err != nil {
					return err
				}
			}
			fs.report(CheckLookup, ReportDeletePage, uint32(hdr.ObjectID), uint32(pix))
			return nil
		case slot.IsDeleted():
			if hdr.Flags.IsDeleted() {
				return nil
			}
			// Deletion has been interrupted after tombstoning the slot.
			if err := fs.writeFlags(pix, hdr.Flags.Clear(types.FlagDeleted)); err != nil {
				return err
			}
			fs.report(CheckLookup, ReportDeletePage, uint32(hdr.ObjectID), uint32(pix))
			return nil
		case hdr.Flags.IsDeleted():
			if err := fs.writeSlot(pix, types.ObjectIDDeleted); err != nil {
				return err
			}
			fs.allocated--
			fs.deleted++
			fs.report(CheckLookup, ReportDeletePage, uint32(slot), uint32(pix))
			return nil
		case hdr.ObjectID != slot || hdr.Flags.IsIndex() != slot.IsIndex():
			fs.report(CheckLookup, ReportError, uint32(pix), uint32(-ErrIndexWrongID.Code))
		case !hdr.Flags.IsFinal():
		default:
			return nil
		}

		if err := fs.deletePage(pix); err != nil {
			return err
		}
		fs.report(CheckLookup, ReportDeletePage, uint32(slot), uint32(pix))
		return nil
	})
}

// checkIndexPages deletes index pages whose object does not exist anymore and finishes interrupted removals.
func (fs *FS) checkIndexPages() error {
	return fs.forEachPage(CheckIndex, func(pix types.PageIndex, slot types.ObjectID, hdr blocks.PageHeader) error {
		if slot.IsFree() || slot.IsDeleted() || !slot.IsIndex() || !hdr.Flags.IsLive() {
			return nil
		}

		if hdr.Span == 0 && hdr.Flags&types.FlagIndexDeleted == 0 {
			// Removal has been interrupted.
			if err := fs.deleteObjectPages(slot, pix); err != nil {
				return err
			}
			fs.report(CheckIndex, ReportDeleteBadFile, uint32(slot.Data()), uint32(pix))
			return nil
		}

		if hdr.Span != 0 {
			_, err := fs.findIDAndSpan(slot, 0)
			switch {
			case errors.Is(err, ErrNotFound):
				if err := fs.deletePage(pix); err != nil {
					return err
				}
				fs.objectEvent(eventDelete, slot, hdr.Span, pix, 0)
				fs.report(CheckIndex, ReportDeleteOrphanedIndex, uint32(slot.Data()), uint32(pix))
				return nil
			case err != nil:
				return err
			}
		}

		return fs.removeDuplicateIndex(slot, pix, hdr.Span)
	})
}

// removeDuplicateIndex deletes other copies of the index page left by interrupted move.
// The copy referencing more valid data pages is kept.
func (fs *FS) removeDuplicateIndex(id types.ObjectID, pix types.PageIndex, span types.SpanIndex) error {
	for bix := types.BlockIndex(0); uint32(bix) < fs.geo.Blocks(); bix++ {
		for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
			slot, err := fs.readSlot(bix, entry)
			if err != nil {
				return err
			}
			other := fs.geo.EntryPage(bix, entry)
			if slot != id || other == pix {
				continue
			}
			hdr, err := fs.readPageHeader(cache.KindScan, other)
			if err != nil {
				return err
			}
			if !hdr.Flags.IsLive() || hdr.Span != span {
				continue
			}

			invalid, err := fs.invalidReferences(id, pix, span)
			if err != nil {
				return err
			}
			otherInvalid, err := fs.invalidReferences(id, other, span)
			if err != nil {
				return err
			}
			victim := other
			if otherInvalid < invalid {
				victim = pix
			}
			if err := fs.deletePage(victim); err != nil {
				return err
			}
			fs.report(CheckIndex, ReportDeletePage, uint32(id), uint32(victim))
			if victim == pix {
				return nil
			}
		}
	}
	return nil
}

// invalidReferences counts entries of the index page, within the size of the object, not pointing to valid data
// page.
func (fs *FS) invalidReferences(id types.ObjectID, pix types.PageIndex, span types.SpanIndex) (int, error) {
	if err := fs.cache.Read(cache.KindScan, fs.geo.PageAddr(pix), fs.work); err != nil {
		return 0, err
	}
	ix := blocks.IndexView{B: fs.work}
	size := ix.Size()
	if span != 0 {
		headerPix, err := fs.findIDAndSpan(id.Index(), 0)
		if err != nil {
			return 0, err
		}
		hdr, _, err := fs.readLiveIndexHeader(headerPix)
		if err != nil {
			return 0, err
		}
		size = hdr.Size
	}
	size = normalizeSize(size)

	refs := make([]types.PageIndex, 0, ix.Len())
	first := fs.geo.FirstDataSpan(span)
	for i := 0; i < ix.Len(); i++ {
		if (uint32(first)+uint32(i))*fs.geo.DataPageSize() >= size {
			break
		}
		refs = append(refs, ix.Entry(i))
	}

	var invalid int
	for i, ref := range refs {
		if fs.checkData(id, ref, first+types.SpanIndex(i)) != nil {
			invalid++
		}
	}
	return invalid, nil
}

// checkDataPages verifies that every data page is referenced by its index and every reference points to valid
// data page.
func (fs *FS) checkDataPages() error {
	err := fs.forEachPage(CheckPage, func(pix types.PageIndex, slot types.ObjectID, hdr blocks.PageHeader) error {
		if slot.IsFree() || slot.IsDeleted() || slot.IsIndex() || !hdr.Flags.IsLive() {
			return nil
		}

		ref, err := fs.findDataReference(slot, hdr.Span)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case ref.pix == pix:
			return nil
		case fs.checkData(slot, ref.pix, hdr.Span) != nil:
			if err := fs.fixIndexEntry(ref, pix); err != nil {
				return err
			}
			fs.report(CheckPage, ReportFixIndex, uint32(slot), uint32(pix))
			return nil
		}

		if err := fs.deletePage(pix); err != nil {
			return err
		}
		fs.report(CheckPage, ReportDeletePage, uint32(slot), uint32(pix))
		return nil
	})
	if err != nil {
		return err
	}

	// References to missing data pages can't be repaired, such objects are deleted.
	return fs.forEachPage(CheckPage, func(pix types.PageIndex, slot types.ObjectID, hdr blocks.PageHeader) error {
		if slot.IsFree() || slot.IsDeleted() || !slot.IsIndex() || !hdr.Flags.IsLive() || hdr.Span != 0 {
			return nil
		}
		id := slot.Data()
		if err := fs.checkObject(id); err == nil {
			return nil
		} else if Code(err) == ErrIO.Code {
			return err
		}

		if err := fs.deleteObjectPages(slot, pix); err != nil {
			return err
		}
		fs.report(CheckPage, ReportDeleteBadFile, uint32(id), uint32(pix))
		return nil
	})
}

// dataReference is the location of the index entry referencing the data span.
type dataReference struct {
	id       types.ObjectID
	indexPix types.PageIndex
	span     types.SpanIndex
	entry    int
	pix      types.PageIndex
}

// findDataReference returns index entry referencing data span. If span is beyond the size of the object,
// ErrNotFound is returned.
func (fs *FS) findDataReference(id types.ObjectID, span types.SpanIndex) (dataReference, error) {
	headerPix, err := fs.findIDAndSpan(id.Index(), 0)
	if err != nil {
		return dataReference{}, err
	}
	hdr, _, err := fs.readLiveIndexHeader(headerPix)
	if err != nil {
		return dataReference{}, err
	}
	if size := normalizeSize(hdr.Size); uint32(span)*fs.geo.DataPageSize() >= size {
		return dataReference{}, errors.WithStack(ErrNotFound)
	}

	ref := dataReference{
		id:       id.Data(),
		indexPix: headerPix,
		span:     fs.geo.IndexSpan(span),
		entry:    fs.geo.IndexEntry(span),
	}
	if ref.span != 0 {
		if ref.indexPix, err = fs.findIDAndSpan(id.Index(), ref.span); err != nil {
			return dataReference{}, err
		}
	}

	var p [blocks.IndexEntrySize]byte
	addr := fs.geo.PageAddr(ref.indexPix) + uint32(blocks.EntryOffset(ref.span, ref.entry))
	if err := fs.cache.Read(cache.KindScan, addr, p[:]); err != nil {
		return dataReference{}, err
	}
	ref.pix = types.PageIndex(binary.LittleEndian.Uint16(p[:]))
	return ref, nil
}

// fixIndexEntry points index entry to the page.
func (fs *FS) fixIndexEntry(ref dataReference, pix types.PageIndex) error {
	if err := fs.cache.Read(cache.KindIndex, fs.geo.PageAddr(ref.indexPix), fs.work); err != nil {
		return err
	}
	blocks.IndexView{B: fs.work}.SetEntry(ref.entry, pix)
	if ref.span == 0 {
		_, err := fs.updateIndexHeader(nil, ref.indexPix, fs.work, nil, 0)
		return err
	}
	newPix, err := fs.movePage(ref.indexPix, fs.work, blocks.PageHeader{})
	if err != nil {
		return err
	}
	fs.objectEvent(eventUpdate, ref.id, ref.span, newPix, 0)
	return nil
}

// deleteObjectPages deletes all the pages of the object. Descriptors opened for it are closed.
func (fs *FS) deleteObjectPages(id types.ObjectID, headerPix types.PageIndex) error {
	id = id.Data()
	for bix := types.BlockIndex(0); uint32(bix) < fs.geo.Blocks(); bix++ {
		for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
			slot, err := fs.readSlot(bix, entry)
			if err != nil {
				return err
			}
			if slot.IsFree() || slot.IsDeleted() || slot.Data() != id {
				continue
			}
			if err := fs.deletePage(fs.geo.EntryPage(bix, entry)); err != nil {
				return err
			}
		}
	}
	fs.objectEvent(eventDelete, id, 0, headerPix, 0)
	return nil
}

// CheckObject verifies index pages and data pages of the object without modifying anything.
func (fs *FS) CheckObject(id types.ObjectID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	return fs.record(fs.checkObject(id))
}

func (fs *FS) checkObject(id types.ObjectID) error {
	id = id.Data()
	headerPix, err := fs.findIDAndSpan(id.Index(), 0)
	if err != nil {
		return err
	}
	hdr, _, err := fs.readLiveIndexHeader(headerPix)
	if err != nil {
		return err
	}
	if err := validateIndex(hdr.PageHeader, id, 0); err != nil {
		return err
	}
	size := normalizeSize(hdr.Size)
	if size == 0 {
		return nil
	}

	dataPageSize := fs.geo.DataPageSize()
	lastSpan := types.SpanIndex((size - 1) / dataPageSize)
	ixPix := headerPix
	ixSpan := types.SpanIndex(0)
	var p [blocks.IndexEntrySize]byte
	for span := types.SpanIndex(0); span <= lastSpan; span++ {
		if s := fs.geo.IndexSpan(span); s != ixSpan {
			ixSpan = s
			if ixPix, err = fs.findIDAndSpan(id.Index(), ixSpan); err != nil {
				return err
			}
			if err := fs.checkIndex(id, ixPix, ixSpan); err != nil {
				return err
			}
		}

		addr := fs.geo.PageAddr(ixPix) + uint32(blocks.EntryOffset(ixSpan, fs.geo.IndexEntry(span)))
		if err := fs.cache.Read(cache.KindScan, addr, p[:]); err != nil {
			return err
		}
		if err := fs.checkData(id, types.PageIndex(binary.LittleEndian.Uint16(p[:])), span); err != nil {
			return err
		}
	}
	return nil
}
