package flashfs

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/types"
)

// DirEntry describes the file returned by ReadDir.
type DirEntry struct {
	Name string
	ID   types.ObjectID
	Size uint32
	Type types.ObjectType
	Page types.PageIndex
}

// Dir is the state of directory listing.
type Dir struct {
	next cursor
	done bool
}

// OpenDir starts listing of all the files.
func (fs *FS) OpenDir() (*Dir, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return nil, fs.record(err)
	}
	return &Dir{}, nil
}

// ReadDir returns the next file. False is returned when there are no more files.
func (fs *FS) ReadDir(d *Dir) (DirEntry, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return DirEntry{}, false, fs.record(err)
	}
	if d.done {
		return DirEntry{}, false, nil
	}

	var e DirEntry
	c, err := fs.findEntry(d.next, visitNoWrap, 0,
		func(id types.ObjectID, bix types.BlockIndex, entry uint32) (visitResult, error) {
			if id.IsFree() || id.IsDeleted() || !id.IsIndex() {
				return visitContinue, nil
			}
			pix := fs.geo.EntryPage(bix, entry)
			hdr, ok, err := fs.readLiveIndexHeader(pix)
			if err != nil {
				return visitStop, err
			}
			if !ok || hdr.ObjectID != id {
				return visitContinue, nil
			}
			e = DirEntry{
				Name: hdr.NameString(),
				ID:   id.Data(),
				Size: normalizeSize(hdr.Size),
				Type: hdr.Type,
				Page: pix,
			}
			return visitStop, nil
		})
	switch {
	case errors.Is(err, ErrNotFound):
		d.done = true
		return DirEntry{}, false, nil
	case err != nil:
		return DirEntry{}, false, fs.record(err)
	}

	d.next = cursor{block: c.block, entry: c.entry + 1}
	return e, true, nil
}

// CloseDir finishes listing.
func (fs *FS) CloseDir(d *Dir) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d.done = true
	return nil
}

// Files returns all the files stored in the filesystem.
func (fs *FS) Files() ([]DirEntry, error) {
	d, err := fs.OpenDir()
	if err != nil {
		return nil, err
	}
	defer fs.CloseDir(d) //nolint:errcheck

	var entries []DirEntry
	for {
		e, ok, err := fs.ReadDir(d)
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		entries = append(entries, e)
	}
}
