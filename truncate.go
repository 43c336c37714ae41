package flashfs

import (
	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

// truncateObject shrinks the object to newSize starting from its last data page.
// If remove is set, newSize must be 0 and the index header is deleted too.
func (fs *FS) truncateObject(f *fd, newSize uint32, remove bool) error {
	if remove {
		if err := fs.markRemoved(f); err != nil {
			return err
		}
		newSize = 0
	} else {
		if newSize >= f.size {
			return nil
		}
		if err := fs.gcCheck(2 * fs.geo.DataPageSize()); err != nil {
			return err
		}
	}

	dataPageSize := fs.geo.DataPageSize()
	ix := blocks.IndexView{B: fs.work}

	var (
		curSize  = f.size
		curSpan  types.SpanIndex
		prevSpan = noSpan
		curPix   = f.headerPix
		dataSpan types.SpanIndex
	)
	if curSize > 0 {
		dataSpan = types.SpanIndex((curSize - 1) / dataPageSize)
	}

	for curSize > newSize {
		curSpan = fs.geo.IndexSpan(dataSpan)
		if curSpan != prevSpan {
			if prevSpan != noSpan {
				// All the data pages referenced by previous index page are gone.
				if err := fs.checkIndex(f.id, curPix, prevSpan); err != nil {
					return err
				}
				if err := fs.deletePage(curPix); err != nil {
					return err
				}
				fs.objectEvent(eventDelete, f.id, prevSpan, curPix, 0)
				if !remove {
					if _, err := fs.updateIndexHeader(f, f.headerPix, nil, nil, curSize); err != nil {
						return err
					}
				}
			}

			var err error
			if curPix, err = fs.loadIndexPage(f, curSpan); err != nil {
				return err
			}
			f.cursorPix = curPix
			f.cursorSpan = curSpan
			prevSpan = curSpan
		}

		entry := fs.geo.IndexEntry(dataSpan)
		dataPix := ix.Entry(entry)
		if err := fs.checkData(f.id, dataPix, dataSpan); err != nil {
			return err
		}
		ix.SetEntry(entry, types.PageIndexFree)

		pageStart := uint32(dataSpan) * dataPageSize
		if pageStart >= newSize {
			if err := fs.deletePage(dataPix); err != nil {
				return err
			}
			curSize = pageStart
			f.size = curSize
			if dataSpan == 0 {
				break
			}
			dataSpan--
			continue
		}

		newPix, err := fs.shrinkDataPage(f.id, dataPix, dataSpan, newSize-pageStart)
		if err != nil {
			return err
		}
		ix.SetEntry(entry, newPix)
		curSize = newSize
		f.size = curSize
	}

	if prevSpan == noSpan {
		// Nothing has been loaded, object is already empty.
		if !remove {
			return nil
		}
		return fs.deleteIndexHeader(f)
	}

	if curSpan != 0 {
		if err := fs.checkIndex(f.id, curPix, curSpan); err != nil {
			return err
		}
		newPix, err := fs.movePage(curPix, fs.work, blocks.PageHeader{})
		if err != nil {
			return err
		}
		fs.objectEvent(eventUpdate, f.id, curSpan, newPix, 0)
		f.cursorPix = newPix
		_, err = fs.updateIndexHeader(f, f.headerPix, nil, nil, curSize)
		return err
	}

	switch {
	case curSize > 0:
		_, err := fs.updateIndexHeader(f, f.headerPix, fs.work, nil, curSize)
		return err
	case remove:
		return fs.deleteIndexHeader(f)
	default:
		ix.ResetEntries()
		if _, err := fs.updateIndexHeader(f, f.headerPix, fs.work, nil, types.SizeUndefined); err != nil {
			return err
		}
		f.size = 0
		return nil
	}
}

// markRemoved marks index header of the object being removed, so it is not visible anymore.
func (fs *FS) markRemoved(f *fd) error {
	if err := fs.checkIndex(f.id, f.headerPix, 0); err != nil {
		return err
	}
	hdr, err := fs.readPageHeader(cache.KindIndex, f.headerPix)
	if err != nil {
		return err
	}
	return fs.writeFlags(f.headerPix, hdr.Flags.Clear(types.FlagIndexDeleted))
}

func (fs *FS) deleteIndexHeader(f *fd) error {
	pix := f.headerPix
	if err := fs.checkIndex(f.id, pix, 0); err != nil {
		return err
	}
	if err := fs.deletePage(pix); err != nil {
		return err
	}
	f.size = 0
	fs.objectEvent(eventDelete, f.id, 0, pix, 0)
	return nil
}

// shrinkDataPage replaces data page by the new one containing only the first length bytes.
func (fs *FS) shrinkDataPage(
	id types.ObjectID,
	pix types.PageIndex,
	span types.SpanIndex,
	length uint32,
) (types.PageIndex, error) {
	hdr := blocks.PageHeader{
		ObjectID: id.Data(),
		Span:     span,
		Flags:    types.FlagsErased.Clear(types.FlagUsed),
	}
	newPix, err := fs.allocateData(hdr, nil, 0, false)
	if err != nil {
		return 0, err
	}
	if err := fs.copyRange(
		fs.geo.PageAddr(newPix)+blocks.PageHeaderSize,
		fs.geo.PageAddr(pix)+blocks.PageHeaderSize,
		length,
	); err != nil {
		return 0, err
	}
	if err := fs.deletePage(pix); err != nil {
		return 0, err
	}
	if err := fs.writeFlags(newPix, hdr.Flags.Clear(types.FlagFinal)); err != nil {
		return 0, err
	}
	return newPix, nil
}
