package flashfs

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

func (fs *FS) readPageHeader(kind cache.Kind, pix types.PageIndex) (blocks.PageHeader, error) {
	var p [blocks.PageHeaderSize]byte
	if err := fs.cache.Read(kind, fs.geo.PageAddr(pix), p[:]); err != nil {
		return blocks.PageHeader{}, err
	}
	return blocks.DecodePageHeader(p[:]), nil
}

func (fs *FS) writeSlot(pix types.PageIndex, id types.ObjectID) error {
	slot := blocks.EncodeLookupSlot(id)
	return fs.cache.Write(fs.geo.EntryAddr(fs.geo.PageBlock(pix), fs.geo.PageEntry(pix)), slot[:])
}

func (fs *FS) writeFlags(pix types.PageIndex, flags types.PageFlags) error {
	return fs.cache.Write(fs.geo.PageAddr(pix)+blocks.FlagsOffset, []byte{byte(flags)})
}

// allocateData occupies free page, writes header and optionally data at offset inside the payload.
func (fs *FS) allocateData(
	hdr blocks.PageHeader,
	data []byte,
	offset uint32,
	finalize bool,
) (types.PageIndex, error) {
	pix, err := fs.findFree()
	if err != nil {
		return 0, err
	}

	if err := fs.writeSlot(pix, hdr.ObjectID); err != nil {
		return 0, err
	}
	fs.allocated++

	var h [blocks.PageHeaderSize]byte
	hdr.Encode(h[:])
	addr := fs.geo.PageAddr(pix)
	if err := fs.cache.Write(addr, h[:]); err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if err := fs.cache.Write(addr+blocks.PageHeaderSize+offset, data); err != nil {
			return 0, err
		}
	}
	if finalize && !hdr.Flags.IsFinal() {
		if err := fs.writeFlags(pix, hdr.Flags.Clear(types.FlagFinal)); err != nil {
			return 0, err
		}
	}
	return pix, nil
}

// movePage moves page to free location and deletes the source.
// If image is provided it is stored in the new page, otherwise source page is copied physically.
func (fs *FS) movePage(src types.PageIndex, image []byte, hdr blocks.PageHeader) (types.PageIndex, error) {
	dst, err := fs.findFree()
	if err != nil {
		return 0, err
	}

	if image != nil {
		hdr = blocks.DecodePageHeader(image)
	}
	if err := fs.writeSlot(dst, hdr.ObjectID); err != nil {
		return 0, err
	}
	fs.allocated++

	wasFinal := false
	if image != nil {
		wasFinal = hdr.Flags.IsFinal()
		image[blocks.FlagsOffset] |= byte(types.FlagFinal)
		if err := fs.cache.Write(fs.geo.PageAddr(dst), image); err != nil {
			return 0, err
		}
	} else if err := fs.copyPage(dst, src); err != nil {
		return 0, err
	}

	if wasFinal {
		image[blocks.FlagsOffset] &^= byte(types.FlagFinal)
		if err := fs.writeFlags(dst, types.PageFlags(image[blocks.FlagsOffset])); err != nil {
			return 0, err
		}
	}
	if err := fs.deletePage(src); err != nil {
		return 0, err
	}
	return dst, nil
}

func (fs *FS) copyPage(dst, src types.PageIndex) error {
	return fs.copyRange(fs.geo.PageAddr(dst), fs.geo.PageAddr(src), fs.geo.PageSize())
}

// copyRange copies bytes between flash locations using buffer of limited size.
func (fs *FS) copyRange(dstAddr, srcAddr, length uint32) error {
	for offset := uint32(0); offset < length; {
		chunk := fs.copyBuf
		if rest := length - offset; uint32(len(chunk)) > rest {
			chunk = chunk[:rest]
		}
		if err := fs.cache.Read(cache.KindScan, srcAddr+offset, chunk); err != nil {
			return err
		}
		if err := fs.cache.Write(dstAddr+offset, chunk); err != nil {
			return err
		}
		offset += uint32(len(chunk))
	}
	return nil
}

// deletePage tombstones lookup slot of the page and marks its header as deleted.
func (fs *FS) deletePage(pix types.PageIndex) error {
	if err := fs.writeSlot(pix, types.ObjectIDDeleted); err != nil {
		return err
	}
	fs.deleted++
	fs.allocated--

	hdr, err := fs.readPageHeader(cache.KindScan, pix)
	if err != nil {
		return err
	}
	if err := fs.writeFlags(pix, hdr.Flags.Clear(types.FlagDeleted)); err != nil {
		return err
	}
	fs.cache.Drop(pix)
	return nil
}

// checkDataRef validates page referenced by the index.
func (fs *FS) checkDataRef(pix types.PageIndex) error {
	switch {
	case pix == types.PageIndexFree:
		return errors.WithStack(ErrIndexRefFree)
	case uint32(pix) >= fs.geo.TotalPages():
		return errors.WithStack(ErrIndexRefInvalid)
	case fs.geo.IsLookupPage(pix):
		return errors.WithStack(ErrIndexRefLU)
	}
	return nil
}

// checkIndexRef validates location of the index page.
func (fs *FS) checkIndexRef(pix types.PageIndex) error {
	switch {
	case pix == types.PageIndexFree:
		return errors.WithStack(ErrIndexFree)
	case uint32(pix) >= fs.geo.TotalPages():
		return errors.WithStack(ErrIndexInvalid)
	case fs.geo.IsLookupPage(pix):
		return errors.WithStack(ErrIndexLU)
	}
	return nil
}

// checkData verifies that page is the live data page of the object at span.
func (fs *FS) checkData(id types.ObjectID, pix types.PageIndex, span types.SpanIndex) error {
	if err := fs.checkDataRef(pix); err != nil {
		return err
	}
	hdr, err := fs.readPageHeader(cache.KindData, pix)
	if err != nil {
		return err
	}
	return validateData(hdr, id, span)
}

// checkIndex verifies that page is the live index page of the object at span.
func (fs *FS) checkIndex(id types.ObjectID, pix types.PageIndex, span types.SpanIndex) error {
	if err := fs.checkIndexRef(pix); err != nil {
		return err
	}
	hdr, err := fs.readPageHeader(cache.KindIndex, pix)
	if err != nil {
		return err
	}
	return validateIndex(hdr, id, span)
}

func validateData(hdr blocks.PageHeader, id types.ObjectID, span types.SpanIndex) error {
	switch {
	case hdr.Flags.IsDeleted():
		return errors.WithStack(ErrDeleted)
	case !hdr.Flags.IsUsed():
		return errors.WithStack(ErrIsFree)
	case !hdr.Flags.IsFinal():
		return errors.WithStack(ErrNotFinalized)
	case hdr.Flags.IsIndex():
		return errors.WithStack(ErrIsIndex)
	case hdr.Span != span:
		return errors.WithStack(ErrDataSpanMismatch)
	case hdr.ObjectID.Data() != id.Data():
		return errors.WithStack(ErrDataWrongID)
	}
	return nil
}

func validateIndex(hdr blocks.PageHeader, id types.ObjectID, span types.SpanIndex) error {
	switch {
	case hdr.Flags.IsDeleted():
		return errors.WithStack(ErrDeleted)
	case !hdr.Flags.IsUsed():
		return errors.WithStack(ErrIsFree)
	case !hdr.Flags.IsFinal():
		return errors.WithStack(ErrNotFinalized)
	case !hdr.Flags.IsIndex():
		return errors.WithStack(ErrNotIndex)
	case hdr.Span != span:
		return errors.WithStack(ErrIndexSpanMismatch)
	case hdr.ObjectID.Data() != id.Data():
		return errors.WithStack(ErrIndexWrongID)
	}
	return nil
}
