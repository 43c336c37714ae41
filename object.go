package flashfs

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

// noSpan is used as the span of index page which has not been loaded yet.
const noSpan = ^types.SpanIndex(0)

// indexEvent is the change of index page reported to open descriptors.
type indexEvent uint8

const (
	eventNew indexEvent = iota
	eventUpdate
	eventDelete
)

// objectEvent updates descriptors of the object after its index page has been created, moved or deleted.
// Size equal to 0 means that size has not been changed.
func (fs *FS) objectEvent(ev indexEvent, id types.ObjectID, span types.SpanIndex, pix types.PageIndex, size uint32) {
	id = id.Data()
	for i := range fs.fds {
		f := &fs.fds[i]
		if !f.inUse || f.id != id {
			continue
		}
		if span == 0 {
			if ev == eventDelete {
				fs.releaseFD(f)
				continue
			}
			f.headerPix = pix
			if size != 0 {
				f.size = normalizeSize(size)
			}
		}
		if f.cursorSpan == span {
			if ev == eventDelete {
				f.cursorPix = 0
			} else {
				f.cursorPix = pix
			}
		}
	}

	if span == 0 && fs.cfg.FileCallback != nil {
		switch ev {
		case eventNew:
			fs.cfg.FileCallback(FileCreated, id, pix)
		case eventUpdate:
			fs.cfg.FileCallback(FileUpdated, id, pix)
		case eventDelete:
			fs.cfg.FileCallback(FileDeleted, id, pix)
		}
	}
}

// createObject stores empty index header of the new object.
func (fs *FS) createObject(
	id types.ObjectID,
	name [blocks.NameLength]byte,
	objType types.ObjectType,
) (types.PageIndex, error) {
	if err := fs.gcCheck(0); err != nil {
		return 0, err
	}

	pix, err := fs.findFree()
	if err != nil {
		return 0, err
	}
	if err := fs.writeSlot(pix, id.Index()); err != nil {
		return 0, err
	}
	fs.allocated++

	var p [blocks.IndexHeaderSize]byte
	blocks.IndexHeader{
		PageHeader: blocks.PageHeader{
			ObjectID: id.Index(),
			Flags:    types.FlagsErased.Clear(types.FlagUsed | types.FlagFinal | types.FlagIndex),
		},
		Size: types.SizeUndefined,
		Type: objType,
		Name: name,
	}.Encode(p[:])
	if err := fs.cache.Write(fs.geo.PageAddr(pix), p[:]); err != nil {
		return 0, err
	}

	fs.objectEvent(eventNew, id, 0, pix, types.SizeUndefined)
	return pix, nil
}

// updateIndexHeader moves index header page to new location changing its name and size.
// If image is nil, header is loaded to the work buffer. Nil name and 0 size are left unchanged.
func (fs *FS) updateIndexHeader(
	f *fd,
	pix types.PageIndex,
	image []byte,
	name *[blocks.NameLength]byte,
	size uint32,
) (types.PageIndex, error) {
	if image == nil {
		if err := fs.cache.Read(cache.KindIndex, fs.geo.PageAddr(pix), fs.work); err != nil {
			return 0, err
		}
		image = fs.work
	}

	view := blocks.IndexView{B: image}
	hdr := view.PageHeader()
	if err := validateIndex(hdr, hdr.ObjectID, 0); err != nil {
		return 0, err
	}
	if name != nil {
		ih := view.IndexHeader()
		ih.Name = *name
		view.SetIndexHeader(ih)
	}
	if size != 0 {
		view.SetSize(size)
	}

	newPix, err := fs.movePage(pix, image, blocks.PageHeader{})
	if err != nil {
		return 0, err
	}

	fs.objectEvent(eventUpdate, hdr.ObjectID, 0, newPix, view.Size())
	if f != nil {
		f.headerPix = newPix
	}
	return newPix, nil
}

// loadIndexPage reads index page of the object to the work buffer.
func (fs *FS) loadIndexPage(f *fd, span types.SpanIndex) (types.PageIndex, error) {
	var pix types.PageIndex
	switch {
	case span == 0:
		pix = f.headerPix
	case f.cursorSpan == span && f.cursorPix != 0:
		pix = f.cursorPix
	default:
		var err error
		pix, err = fs.findIDAndSpan(f.id.Index(), span)
		if err != nil {
			return 0, err
		}
	}

	if err := fs.checkIndexRef(pix); err != nil {
		return 0, err
	}
	if err := fs.cache.Read(cache.KindIndex, fs.geo.PageAddr(pix), fs.work); err != nil {
		return 0, err
	}
	if err := validateIndex(blocks.DecodePageHeader(fs.work), f.id, span); err != nil {
		return 0, err
	}
	return pix, nil
}

// createIndexPage allocates empty index continuation page and loads it to the work buffer.
func (fs *FS) createIndexPage(f *fd, span types.SpanIndex) (types.PageIndex, error) {
	hdr := blocks.PageHeader{
		ObjectID: f.id.Index(),
		Span:     span,
		Flags:    types.FlagsErased.Clear(types.FlagUsed | types.FlagFinal | types.FlagIndex),
	}
	pix, err := fs.allocateData(hdr, nil, 0, true)
	if err != nil {
		return 0, err
	}

	for i := range fs.work {
		fs.work[i] = 0xff
	}
	hdr.Encode(fs.work)
	fs.objectEvent(eventNew, f.id, span, pix, 0)
	return pix, nil
}

// indexPageExists returns true if object of the size has index page at span.
func (fs *FS) indexPageExists(size uint32, span types.SpanIndex) bool {
	if size == 0 {
		return false
	}
	return span <= fs.geo.IndexSpan(types.SpanIndex((size-1)/fs.geo.DataPageSize()))
}

// storeIndexInPlace writes loaded index page over its current location. Only erased entries may be set.
func (fs *FS) storeIndexInPlace(f *fd, pix types.PageIndex, span types.SpanIndex) error {
	if err := fs.checkIndex(f.id, pix, span); err != nil {
		return err
	}
	return fs.cache.Write(fs.geo.PageAddr(pix), fs.work)
}

// appendData writes data at the end of the object.
func (fs *FS) appendData(f *fd, offset uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := fs.gcCheckPages(fs.appendPages(f, offset, uint32(len(data)))); err != nil {
		return err
	}

	dataPageSize := fs.geo.DataPageSize()
	ix := blocks.IndexView{B: fs.work}
	length := uint32(len(data))

	var (
		written    uint32
		curSpan    types.SpanIndex
		prevSpan   = noSpan
		curPix     = f.headerPix
		dataSpan   = types.SpanIndex(offset / dataPageSize)
		pageOffset = offset % dataPageSize
		created    bool
		err        error
	)

	for written < length {
		curSpan = fs.geo.IndexSpan(dataSpan)
		if curSpan != prevSpan {
			if written > 0 {
				if err := fs.storeAppendedIndex(f, prevSpan, curPix, offset, offset+written); err != nil {
					return err
				}
				f.size = offset + written
				f.offset = offset + written
			}

			switch {
			case curSpan == 0:
				curPix, err = fs.loadIndexPage(f, 0)
			case written > 0 || !fs.indexPageExists(f.size, curSpan):
				curPix, err = fs.createIndexPage(f, curSpan)
				created = true
			default:
				curPix, err = fs.loadIndexPage(f, curSpan)
			}
			if err != nil {
				return err
			}
			if curSpan != 0 {
				f.cursorPix = curPix
				f.cursorSpan = curSpan
			}
			prevSpan = curSpan
		}

		toWrite := min(length-written, dataPageSize-pageOffset)
		chunk := data[written : written+toWrite]
		entry := fs.geo.IndexEntry(dataSpan)
		var dataPix types.PageIndex
		if pageOffset == 0 {
			dataPix, err = fs.allocateData(blocks.PageHeader{
				ObjectID: f.id.Data(),
				Span:     dataSpan,
				Flags:    types.FlagsErased.Clear(types.FlagUsed | types.FlagFinal),
			}, chunk, 0, true)
		} else {
			dataPix = ix.Entry(entry)
			if err = fs.checkData(f.id, dataPix, dataSpan); err == nil {
				err = fs.cache.Write(fs.geo.PageAddr(dataPix)+blocks.PageHeaderSize+pageOffset, chunk)
			}
		}
		if err != nil {
			if created {
				// Index page without data pages lies beyond the end of the object.
				return multierr.Append(err, fs.dropIndexPage(f, curPix, curSpan))
			}
			break
		}

		ix.SetEntry(entry, dataPix)
		created = false
		pageOffset = 0
		dataSpan++
		written += toWrite
	}

	if written == 0 {
		return err
	}

	f.size = offset + written
	f.offset = offset + written
	if curSpan != 0 {
		f.cursorPix = curPix
		f.cursorSpan = curSpan
	}

	var storeErr error
	switch {
	case curSpan != 0:
		if storeErr = fs.storeIndexInPlace(f, curPix, curSpan); storeErr == nil {
			fs.objectEvent(eventUpdate, f.id, curSpan, curPix, 0)
			_, storeErr = fs.updateIndexHeader(f, f.headerPix, nil, nil, offset+written)
		}
	case offset == 0:
		ix.SetSize(offset + written)
		if storeErr = fs.storeIndexInPlace(f, f.headerPix, 0); storeErr == nil {
			fs.objectEvent(eventUpdate, f.id, 0, f.headerPix, offset+written)
		}
	default:
		_, storeErr = fs.updateIndexHeader(f, f.headerPix, fs.work, nil, offset+written)
	}
	if err != nil {
		return err
	}
	return storeErr
}

// appendPages returns the number of pages allocated by appending length bytes at offset.
// It covers data pages, new index pages and the moves of the index header.
func (fs *FS) appendPages(f *fd, offset, length uint32) int64 {
	dataPageSize := fs.geo.DataPageSize()
	end := offset + length
	dataPages := (end+dataPageSize-1)/dataPageSize - (offset+dataPageSize-1)/dataPageSize

	firstSpan := fs.geo.IndexSpan(types.SpanIndex(offset / dataPageSize))
	lastSpan := fs.geo.IndexSpan(types.SpanIndex((end - 1) / dataPageSize))
	indexPages := uint32(lastSpan - firstSpan)
	if firstSpan != 0 && !fs.indexPageExists(f.size, firstSpan) {
		indexPages++
	}
	return int64(dataPages) + int64(indexPages) + int64(lastSpan-firstSpan) + 1
}

// dropIndexPage deletes index page created by the append which failed before any data page was referenced.
func (fs *FS) dropIndexPage(f *fd, pix types.PageIndex, span types.SpanIndex) error {
	if err := fs.deletePage(pix); err != nil {
		return err
	}
	fs.objectEvent(eventDelete, f.id, span, pix, 0)
	f.cursorPix = f.headerPix
	f.cursorSpan = 0
	return nil
}

// storeAppendedIndex stores index page filled by append before the next one is loaded.
func (fs *FS) storeAppendedIndex(f *fd, span types.SpanIndex, pix types.PageIndex, offset, size uint32) error {
	switch {
	case span != 0:
		if err := fs.storeIndexInPlace(f, pix, span); err != nil {
			return err
		}
		fs.objectEvent(eventUpdate, f.id, span, pix, 0)
		_, err := fs.updateIndexHeader(f, f.headerPix, nil, nil, size)
		return err
	case offset == 0:
		blocks.IndexView{B: fs.work}.SetSize(size)
		if err := fs.storeIndexInPlace(f, f.headerPix, 0); err != nil {
			return err
		}
		fs.objectEvent(eventUpdate, f.id, 0, f.headerPix, size)
		return nil
	default:
		_, err := fs.updateIndexHeader(f, f.headerPix, fs.work, nil, size)
		return err
	}
}

// modifyData overwrites existing data of the object. Modified pages are written to new locations.
func (fs *FS) modifyData(f *fd, offset uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := fs.gcCheckPages(fs.modifyPages(offset, uint32(len(data)))); err != nil {
		return err
	}

	dataPageSize := fs.geo.DataPageSize()
	ix := blocks.IndexView{B: fs.work}
	length := uint32(len(data))

	var (
		written    uint32
		curSpan    types.SpanIndex
		prevSpan   = noSpan
		curPix     = f.headerPix
		dataSpan   = types.SpanIndex(offset / dataPageSize)
		pageOffset = offset % dataPageSize
		err        error
	)

	for written < length {
		curSpan = fs.geo.IndexSpan(dataSpan)
		if curSpan != prevSpan {
			if written > 0 {
				if err := fs.storeModifiedIndex(f, prevSpan, curPix); err != nil {
					return err
				}
			}
			if curPix, err = fs.loadIndexPage(f, curSpan); err != nil {
				return err
			}
			f.cursorPix = curPix
			f.cursorSpan = curSpan
			f.offset = offset + written
			prevSpan = curSpan
		}

		toWrite := min(length-written, dataPageSize-pageOffset)
		chunk := data[written : written+toWrite]
		entry := fs.geo.IndexEntry(dataSpan)
		origPix := ix.Entry(entry)
		if err = fs.checkData(f.id, origPix, dataSpan); err != nil {
			break
		}

		hdr := blocks.PageHeader{
			ObjectID: f.id.Data(),
			Span:     dataSpan,
			Flags:    types.FlagsErased.Clear(types.FlagUsed),
		}
		var dataPix types.PageIndex
		if pageOffset == 0 && toWrite == dataPageSize {
			dataPix, err = fs.allocateData(hdr, chunk, 0, true)
		} else {
			dataPix, err = fs.rewriteDataPage(hdr, origPix, pageOffset, chunk)
		}
		if err != nil {
			break
		}
		if err = fs.deletePage(origPix); err != nil {
			break
		}

		ix.SetEntry(entry, dataPix)
		pageOffset = 0
		dataSpan++
		written += toWrite
	}

	if written == 0 {
		return err
	}

	f.offset = offset + written
	f.cursorPix = curPix
	f.cursorSpan = curSpan

	storeErr := fs.storeModifiedIndex(f, curSpan, curPix)
	if err != nil {
		return err
	}
	return storeErr
}

// modifyPages returns the number of pages allocated by overwriting length bytes at offset.
// Each touched data page and each touched index page is written to new location.
func (fs *FS) modifyPages(offset, length uint32) int64 {
	dataPageSize := fs.geo.DataPageSize()
	firstSpan := types.SpanIndex(offset / dataPageSize)
	lastSpan := types.SpanIndex((offset + length - 1) / dataPageSize)
	indexPages := fs.geo.IndexSpan(lastSpan) - fs.geo.IndexSpan(firstSpan) + 1
	return int64(lastSpan-firstSpan+1) + int64(indexPages)
}

// storeModifiedIndex moves loaded index page to new location.
func (fs *FS) storeModifiedIndex(f *fd, span types.SpanIndex, pix types.PageIndex) error {
	if span == 0 {
		_, err := fs.updateIndexHeader(f, f.headerPix, fs.work, nil, 0)
		return err
	}

	if err := fs.checkIndex(f.id, pix, span); err != nil {
		return err
	}
	newPix, err := fs.movePage(pix, fs.work, blocks.PageHeader{})
	if err != nil {
		return err
	}
	fs.objectEvent(eventUpdate, f.id, span, newPix, 0)
	if f.cursorSpan == span {
		f.cursorPix = newPix
	}
	return nil
}

// rewriteDataPage allocates new data page containing unmodified bytes of the original one and the chunk
// stored at offset.
func (fs *FS) rewriteDataPage(
	hdr blocks.PageHeader,
	origPix types.PageIndex,
	offset uint32,
	chunk []byte,
) (types.PageIndex, error) {
	pix, err := fs.allocateData(hdr, nil, 0, false)
	if err != nil {
		return 0, err
	}

	dst := fs.geo.PageAddr(pix) + blocks.PageHeaderSize
	src := fs.geo.PageAddr(origPix) + blocks.PageHeaderSize
	if offset > 0 {
		if err := fs.copyRange(dst, src, offset); err != nil {
			return 0, err
		}
	}
	if end := offset + uint32(len(chunk)); end < fs.geo.DataPageSize() {
		if err := fs.copyRange(dst+end, src+end, fs.geo.DataPageSize()-end); err != nil {
			return 0, err
		}
	}
	if err := fs.cache.Write(dst+offset, chunk); err != nil {
		return 0, err
	}
	if err := fs.writeFlags(pix, hdr.Flags.Clear(types.FlagFinal)); err != nil {
		return 0, err
	}
	return pix, nil
}

// readData reads object data starting at offset. Descriptor offset is moved by the number of bytes read.
// ErrEndOfObject is returned together with the number of bytes read if range exceeds the size of the object.
func (fs *FS) readData(f *fd, offset uint32, p []byte) (int, error) {
	dataPageSize := fs.geo.DataPageSize()
	ix := blocks.IndexView{B: fs.work}

	var (
		end      = offset + uint32(len(p))
		cur      = offset
		prevSpan = noSpan
		dataSpan = types.SpanIndex(offset / dataPageSize)
	)
	for cur < end {
		curSpan := fs.geo.IndexSpan(dataSpan)
		if curSpan != prevSpan {
			pix, err := fs.loadIndexPage(f, curSpan)
			if err != nil {
				return int(cur - offset), err
			}
			f.cursorPix = pix
			f.cursorSpan = curSpan
			prevSpan = curSpan
		}

		if cur >= f.size {
			return int(cur - offset), errors.WithStack(ErrEndOfObject)
		}
		pageOffset := cur % dataPageSize
		toRead := min(end-cur, dataPageSize-pageOffset, f.size-cur)

		dataPix := ix.Entry(fs.geo.IndexEntry(dataSpan))
		if err := fs.checkData(f.id, dataPix, dataSpan); err != nil {
			return int(cur - offset), err
		}
		dst := p[cur-offset : cur-offset+toRead]
		if err := fs.cache.Read(cache.KindData, fs.geo.PageAddr(dataPix)+blocks.PageHeaderSize+pageOffset, dst); err != nil {
			return int(cur - offset), err
		}

		cur += toRead
		f.offset = cur
		dataSpan++
	}
	return int(cur - offset), nil
}
