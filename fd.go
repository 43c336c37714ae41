package flashfs

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/types"
)

// OpenFlag configures how the file is opened.
type OpenFlag uint16

// Open flags.
const (
	// OpenAppend moves offset to the end of file before each write.
	OpenAppend OpenFlag = 1 << iota
	// OpenTrunc truncates existing file to zero length.
	OpenTrunc
	// OpenCreate creates the file if it does not exist.
	OpenCreate
	// OpenRead allows reading.
	OpenRead
	// OpenWrite allows writing.
	OpenWrite
	// OpenDirect disables write cache.
	OpenDirect
	// OpenExcl fails with ErrFileExists if file exists and OpenCreate is set.
	OpenExcl

	// OpenReadOnly opens file for reading.
	OpenReadOnly = OpenRead
	// OpenWriteOnly opens file for writing.
	OpenWriteOnly = OpenWrite
	// OpenReadWrite opens file for reading and writing.
	OpenReadWrite = OpenRead | OpenWrite
)

// File is the handle of opened file. Zero value is never a valid handle.
type File struct {
	slot uint16
	gen  uint16
}

// fd is the state of opened file. Descriptors used internally, outside the pool, have owner set to -1.
type fd struct {
	inUse bool
	gen   uint16
	owner int
	flags OpenFlag

	id         types.ObjectID
	headerPix  types.PageIndex
	size       uint32
	offset     uint32
	cursorPix  types.PageIndex
	cursorSpan types.SpanIndex
}

func (fs *FS) allocateFD() (*fd, File, error) {
	if len(fs.freeFDs) == 0 {
		return nil, File{}, errors.WithStack(ErrOutOfFileDescs)
	}
	i := fs.freeFDs[len(fs.freeFDs)-1]
	fs.freeFDs = fs.freeFDs[:len(fs.freeFDs)-1]

	f := &fs.fds[i]
	gen := f.gen + 1
	*f = fd{
		inUse: true,
		gen:   gen,
		owner: int(i),
	}
	return f, File{slot: i + 1, gen: gen}, nil
}

// releaseFD returns descriptor to the pool. Write page bound to it is dropped without flushing.
func (fs *FS) releaseFD(f *fd) {
	if !f.inUse {
		return
	}
	if wp, exists := fs.cache.WritePage(f.owner); exists {
		wp.Release()
	}
	f.inUse = false
	f.gen++
	fs.freeFDs = append(fs.freeFDs, uint16(f.owner))
}

func (fs *FS) getFD(file File) (*fd, error) {
	if file.slot == 0 || int(file.slot) > len(fs.fds) {
		return nil, errors.WithStack(ErrBadDescriptor)
	}
	f := &fs.fds[file.slot-1]
	if !f.inUse || f.gen != file.gen {
		return nil, errors.WithStack(ErrFileClosed)
	}
	return f, nil
}

// setHeader binds descriptor to the object whose index header is stored in the page.
func (f *fd) setHeader(id types.ObjectID, pix types.PageIndex, size uint32) {
	f.id = id.Data()
	f.headerPix = pix
	f.size = normalizeSize(size)
	f.offset = 0
	f.cursorPix = pix
	f.cursorSpan = 0
}

func normalizeSize(size uint32) uint32 {
	if size == types.SizeUndefined {
		return 0
	}
	return size
}
