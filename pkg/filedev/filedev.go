package filedev

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// FileDev uses file as flash image. Writes clear bits only, erases set them.
type FileDev struct {
	file      *os.File
	size      uint32
	eraseSize uint32
}

// New returns new filedev.
func New(file *os.File, eraseSize uint32) (*FileDev, error) {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if eraseSize == 0 || size%int64(eraseSize) != 0 {
		return nil, errors.Errorf("image size %d is not a multiple of erase size %d", size, eraseSize)
	}
	return &FileDev{
		file:      file,
		size:      uint32(size),
		eraseSize: eraseSize,
	}, nil
}

// Create creates erased image of the requested size.
func Create(path string, size, eraseSize uint32) (*FileDev, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		return nil, errors.WithStack(err)
	}
	fd, err := New(file, eraseSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := fd.Erase(0, size); err != nil {
		_ = file.Close()
		return nil, err
	}
	return fd, nil
}

// Open opens existing image.
func Open(path string, eraseSize uint32) (*FileDev, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fd, err := New(file, eraseSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return fd, nil
}

// Read reads data from the file.
func (fd *FileDev) Read(addr uint32, p []byte) error {
	if err := fd.checkRange(addr, len(p)); err != nil {
		return err
	}
	if _, err := fd.file.ReadAt(p, int64(addr)); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Write ANDs data with the content of the file.
func (fd *FileDev) Write(addr uint32, p []byte) error {
	if err := fd.checkRange(addr, len(p)); err != nil {
		return err
	}
	current := make([]byte, len(p))
	if _, err := fd.file.ReadAt(current, int64(addr)); err != nil {
		return errors.WithStack(err)
	}
	for i, b := range p {
		current[i] &= b
	}
	if _, err := fd.file.WriteAt(current, int64(addr)); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Erase fills the range with ones.
func (fd *FileDev) Erase(addr, size uint32) error {
	if addr%fd.eraseSize != 0 || size%fd.eraseSize != 0 {
		return errors.Errorf("unaligned erase at %#x, size %d, erase size %d", addr, size, fd.eraseSize)
	}
	if err := fd.checkRange(addr, int(size)); err != nil {
		return err
	}
	erased := make([]byte, fd.eraseSize)
	for i := range erased {
		erased[i] = 0xff
	}
	for offset := addr; offset < addr+size; offset += fd.eraseSize {
		if _, err := fd.file.WriteAt(erased, int64(offset)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Sync syncs data to the file.
func (fd *FileDev) Sync() error {
	if err := fd.file.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Close closes the file.
func (fd *FileDev) Close() error {
	if err := fd.file.Close(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Size returns the byte size of the image.
func (fd *FileDev) Size() uint32 {
	return fd.size
}

func (fd *FileDev) checkRange(addr uint32, n int) error {
	if n < 0 || uint64(addr)+uint64(n) > uint64(fd.size) {
		return errors.Errorf("invalid range: %#x+%d, size: %d", addr, n, fd.size)
	}
	return nil
}
