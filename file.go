package flashfs

import (
	"io"

	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

// FileStat describes the file.
type FileStat struct {
	ID   types.ObjectID
	Name string
	Size uint32
	Type types.ObjectType
	Page types.PageIndex
}

// Creat creates new empty file.
func (fs *FS) Creat(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	encoded, err := encodeName(name)
	if err != nil {
		return fs.record(err)
	}
	if _, err := fs.findByName(encoded); err == nil {
		return fs.record(errors.Wrapf(ErrConflictingName, "file %q exists", name))
	} else if !errors.Is(err, ErrNotFound) {
		return fs.record(err)
	}

	id, err := fs.findFreeObjectID()
	if err != nil {
		return fs.record(err)
	}
	_, err = fs.createObject(id, encoded, types.FileType)
	return fs.record(err)
}

// Open opens the file.
func (fs *FS) Open(name string, flags OpenFlag) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return File{}, fs.record(err)
	}
	encoded, err := encodeName(name)
	if err != nil {
		return File{}, fs.record(err)
	}

	f, file, err := fs.allocateFD()
	if err != nil {
		return File{}, fs.record(err)
	}
	if err := fs.open(f, encoded, flags); err != nil {
		fs.releaseFD(f)
		return File{}, fs.record(err)
	}
	return file, nil
}

func (fs *FS) open(f *fd, name [blocks.NameLength]byte, flags OpenFlag) error {
	pix, err := fs.findByName(name)
	switch {
	case err == nil:
		if flags&(OpenCreate|OpenExcl) == OpenCreate|OpenExcl {
			return errors.Wrapf(ErrFileExists, "file %q exists", blocks.NameString(name))
		}
	case errors.Is(err, ErrNotFound) && flags&OpenCreate != 0:
		id, err := fs.findFreeObjectID()
		if err != nil {
			return err
		}
		if pix, err = fs.createObject(id, name, types.FileType); err != nil {
			return err
		}
		flags &^= OpenTrunc
	default:
		return err
	}

	if err := fs.openByPage(f, pix, flags); err != nil {
		return err
	}
	if flags&OpenTrunc != 0 {
		if err := fs.truncateObject(f, 0, false); err != nil {
			return err
		}
	}
	f.offset = 0
	return nil
}

// OpenByDirEntry opens the file returned by ReadDir.
func (fs *FS) OpenByDirEntry(e DirEntry, flags OpenFlag) (File, error) {
	return fs.OpenByPage(e.Page, flags)
}

// OpenByPage opens the file whose index header is stored in the page.
func (fs *FS) OpenByPage(pix types.PageIndex, flags OpenFlag) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return File{}, fs.record(err)
	}
	f, file, err := fs.allocateFD()
	if err != nil {
		return File{}, fs.record(err)
	}
	if err := fs.openByPage(f, pix, flags); err != nil {
		fs.releaseFD(f)
		return File{}, fs.record(err)
	}
	return file, nil
}

func (fs *FS) openByPage(f *fd, pix types.PageIndex, flags OpenFlag) error {
	if !fs.geo.IsValidPage(pix) || fs.geo.IsLookupPage(pix) {
		return errors.Wrapf(ErrNotAFile, "page %d", pix)
	}
	hdr, ok, err := fs.readLiveIndexHeader(pix)
	if err != nil {
		return err
	}
	if !ok {
		if hdr.ObjectID.IsIndex() && hdr.Span == 0 && hdr.Flags.IsIndex() && hdr.Flags.IsFinal() &&
			(hdr.Flags.IsDeleted() || hdr.Flags&types.FlagIndexDeleted == 0) {
			return errors.Wrapf(ErrFileDeleted, "page %d", pix)
		}
		return errors.Wrapf(ErrNotAFile, "page %d", pix)
	}
	id, err := fs.readSlot(fs.geo.PageBlock(pix), fs.geo.PageEntry(pix))
	if err != nil {
		return err
	}
	if id != hdr.ObjectID {
		return errors.Wrapf(ErrNotAFile, "page %d", pix)
	}

	f.setHeader(hdr.ObjectID, pix, hdr.Size)
	f.flags = flags
	return nil
}

// Read reads data from the current offset of the file.
// If there are no more data, ErrEndOfObject is returned.
func (fs *FS) Read(file File, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.read(file, p)
	return n, fs.record(err)
}

func (fs *FS) read(file File, p []byte) (int, error) {
	if err := fs.checkMounted(); err != nil {
		return 0, err
	}
	f, err := fs.getFD(file)
	if err != nil {
		return 0, err
	}
	if f.flags&OpenRead == 0 {
		return 0, errors.WithStack(ErrNotReadable)
	}
	if err := fs.flush(f); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.offset >= f.size {
		return 0, errors.WithStack(ErrEndOfObject)
	}
	if rest := f.size - f.offset; uint32(len(p)) > rest {
		p = p[:rest]
	}
	return fs.readData(f, f.offset, p)
}

// Write writes data at the current offset of the file.
// Small writes are buffered in cache until the page is flushed.
func (fs *FS) Write(file File, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.write(file, p)
	return n, fs.record(err)
}

func (fs *FS) write(file File, p []byte) (int, error) {
	if err := fs.checkMounted(); err != nil {
		return 0, err
	}
	f, err := fs.getFD(file)
	if err != nil {
		return 0, err
	}
	if f.flags&OpenWrite == 0 {
		return 0, errors.WithStack(ErrNotWritable)
	}
	if len(p) == 0 {
		return 0, nil
	}

	length := uint32(len(p))
	offset := f.offset
	cached := f.flags&OpenDirect == 0 && fs.cfg.CachePages > 0

	var wp cache.WritePage
	var buffered bool
	if cached {
		wp, buffered = fs.cache.WritePage(f.owner)
	}
	if f.flags&OpenAppend != 0 {
		offset = f.size
		if buffered {
			offset = max(offset, wp.Offset()+wp.Size())
		}
	}

	if cached && length < fs.geo.PageSize() {
		if buffered {
			o, s := wp.Offset(), wp.Size()
			if offset < o || offset > o+s || offset+length > o+fs.geo.PageSize() {
				if err := fs.flush(f); err != nil {
					return 0, err
				}
				buffered = false
			}
		}
		if !buffered {
			// If page cannot be allocated, data are written directly.
			wp, err = fs.cache.AllocateWritePage(f.owner)
			switch {
			case err == nil:
				wp.SetWindow(offset, 0)
				buffered = true
			case !errors.Is(err, cache.ErrNoPage):
				return 0, err
			}
		}
		if buffered {
			o := wp.Offset()
			copy(wp.Data()[offset-o:], p)
			wp.SetWindow(o, max(wp.Size(), offset-o+length))
			f.offset = offset + length
			return len(p), nil
		}
	} else if buffered {
		if err := fs.flush(f); err != nil {
			return 0, err
		}
	}

	if err := fs.writeAt(f, offset, p); err != nil {
		return 0, err
	}
	f.offset = offset + length
	return len(p), nil
}

// writeAt modifies existing data of the file and appends the rest.
func (fs *FS) writeAt(f *fd, offset uint32, p []byte) error {
	if offset < f.size {
		n := min(f.size-offset, uint32(len(p)))
		if err := fs.modifyData(f, offset, p[:n]); err != nil {
			return err
		}
		offset += n
		p = p[n:]
	}
	if len(p) == 0 {
		return nil
	}
	return fs.appendData(f, offset, p)
}

// flush stores data buffered in the write page of the descriptor.
func (fs *FS) flush(f *fd) error {
	if f.flags&OpenDirect != 0 || fs.cache == nil {
		return nil
	}
	wp, exists := fs.cache.WritePage(f.owner)
	if !exists {
		return nil
	}
	if wp.Size() > 0 {
		// Page is kept if data can't be stored, so it might be flushed again.
		if err := fs.writeAt(f, wp.Offset(), wp.Data()[:wp.Size()]); err != nil {
			return err
		}
	}
	wp.Release()
	return nil
}

// flushOwner is called by cache when write page is reclaimed.
func (fs *FS) flushOwner(owner int) error {
	if owner < 0 || owner >= len(fs.fds) || !fs.fds[owner].inUse {
		return nil
	}
	return fs.flush(&fs.fds[owner])
}

// Flush stores data buffered for the file.
func (fs *FS) Flush(file File) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	f, err := fs.getFD(file)
	if err != nil {
		return fs.record(err)
	}
	return fs.record(fs.flush(f))
}

// Close flushes and closes the file.
func (fs *FS) Close(file File) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	f, err := fs.getFD(file)
	if err != nil {
		return fs.record(err)
	}
	err = fs.flush(f)
	fs.releaseFD(f)
	return fs.record(err)
}

// Seek moves the offset of the file. Offset beyond the end of file is not allowed.
func (fs *FS) Seek(file File, offset int64, whence int) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pos, err := fs.seek(file, offset, whence)
	return pos, fs.record(err)
}

func (fs *FS) seek(file File, offset int64, whence int) (uint32, error) {
	if err := fs.checkMounted(); err != nil {
		return 0, err
	}
	f, err := fs.getFD(file)
	if err != nil {
		return 0, err
	}
	if err := fs.flush(f); err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += int64(f.offset)
	case io.SeekEnd:
		offset += int64(f.size)
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	if offset < 0 || offset > int64(f.size) {
		return 0, errors.Wrapf(ErrEndOfObject, "offset %d, size %d", offset, f.size)
	}

	f.offset = uint32(offset)
	if f.offset < f.size {
		span := fs.geo.IndexSpan(types.SpanIndex(f.offset / fs.geo.DataPageSize()))
		if span != f.cursorSpan {
			pix := f.headerPix
			if span != 0 {
				if pix, err = fs.findIDAndSpan(f.id.Index(), span); err != nil {
					return 0, err
				}
			}
			f.cursorPix = pix
			f.cursorSpan = span
		}
	}
	return f.offset, nil
}

// Tell returns the current offset of the file.
func (fs *FS) Tell(file File) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return 0, fs.record(err)
	}
	f, err := fs.getFD(file)
	if err != nil {
		return 0, fs.record(err)
	}
	return f.offset, nil
}

// Stat returns the description of the file.
func (fs *FS) Stat(name string) (FileStat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st, err := fs.stat(name)
	return st, fs.record(err)
}

func (fs *FS) stat(name string) (FileStat, error) {
	if err := fs.checkMounted(); err != nil {
		return FileStat{}, err
	}
	encoded, err := encodeName(name)
	if err != nil {
		return FileStat{}, err
	}
	pix, err := fs.findByName(encoded)
	if err != nil {
		return FileStat{}, err
	}
	for i := range fs.fds {
		if f := &fs.fds[i]; f.inUse && f.headerPix == pix {
			if err := fs.flush(f); err != nil {
				return FileStat{}, err
			}
		}
	}
	if pix, err = fs.findByName(encoded); err != nil {
		return FileStat{}, err
	}
	return fs.statPage(pix)
}

// Fstat returns the description of the opened file.
func (fs *FS) Fstat(file File) (FileStat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st, err := fs.fstat(file)
	return st, fs.record(err)
}

func (fs *FS) fstat(file File) (FileStat, error) {
	if err := fs.checkMounted(); err != nil {
		return FileStat{}, err
	}
	f, err := fs.getFD(file)
	if err != nil {
		return FileStat{}, err
	}
	if err := fs.flush(f); err != nil {
		return FileStat{}, err
	}
	return fs.statPage(f.headerPix)
}

func (fs *FS) statPage(pix types.PageIndex) (FileStat, error) {
	hdr, ok, err := fs.readLiveIndexHeader(pix)
	if err != nil {
		return FileStat{}, err
	}
	if !ok {
		return FileStat{}, errors.Wrapf(ErrNotAFile, "page %d", pix)
	}
	return FileStat{
		ID:   hdr.ObjectID.Data(),
		Name: hdr.NameString(),
		Size: normalizeSize(hdr.Size),
		Type: hdr.Type,
		Page: pix,
	}, nil
}

// Remove deletes the file. Descriptors opened for it are closed.
func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	encoded, err := encodeName(name)
	if err != nil {
		return fs.record(err)
	}
	pix, err := fs.findByName(encoded)
	if err != nil {
		return fs.record(err)
	}

	f := &fd{owner: -1}
	if err := fs.openByPage(f, pix, OpenReadWrite); err != nil {
		return fs.record(err)
	}
	return fs.record(fs.truncateObject(f, 0, true))
}

// Fremove deletes the opened file. Data buffered for it are discarded.
func (fs *FS) Fremove(file File) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	f, err := fs.getFD(file)
	if err != nil {
		return fs.record(err)
	}
	if f.flags&OpenWrite == 0 {
		return fs.record(errors.WithStack(ErrNotWritable))
	}
	if wp, exists := fs.cache.WritePage(f.owner); exists {
		wp.Release()
	}
	return fs.record(fs.truncateObject(f, 0, true))
}

// Rename changes the name of the file.
func (fs *FS) Rename(oldName, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	oldEncoded, err := encodeName(oldName)
	if err != nil {
		return fs.record(err)
	}
	newEncoded, err := encodeName(newName)
	if err != nil {
		return fs.record(err)
	}

	pix, err := fs.findByName(oldEncoded)
	if err != nil {
		return fs.record(err)
	}
	if _, err := fs.findByName(newEncoded); err == nil {
		return fs.record(errors.Wrapf(ErrConflictingName, "file %q exists", newName))
	} else if !errors.Is(err, ErrNotFound) {
		return fs.record(err)
	}

	f := &fd{owner: -1}
	if err := fs.openByPage(f, pix, OpenReadWrite); err != nil {
		return fs.record(err)
	}
	_, err = fs.updateIndexHeader(f, pix, nil, &newEncoded, 0)
	return fs.record(err)
}

func encodeName(name string) ([blocks.NameLength]byte, error) {
	encoded, ok := blocks.EncodeName(name)
	if !ok {
		return encoded, errors.Wrapf(ErrNameTooLong, "name %q", name)
	}
	return encoded, nil
}
