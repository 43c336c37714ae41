package flashfs

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/types"
)

const visAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Vis prints one row per block. Free slots are printed as '_', deleted ones as '/', pages of objects as
// the character derived from object ID, uppercase for index pages.
func (fs *FS) Vis(w io.Writer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkMounted(); err != nil {
		return fs.record(err)
	}
	return fs.record(fs.vis(w))
}

func (fs *FS) vis(w io.Writer) error {
	row := make([]byte, fs.geo.EntriesPerBlock())
	for bix := types.BlockIndex(0); uint32(bix) < fs.geo.Blocks(); bix++ {
		for entry := range row {
			id, err := fs.readSlot(bix, uint32(entry))
			if err != nil {
				return err
			}
			row[entry] = visGlyph(id)
		}
		meta, err := fs.store.ReadBlockMeta(bix)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%4d %s era:%d\n", bix, row, meta.EraseCount); err != nil {
			return errors.WithStack(err)
		}
	}

	_, err := fmt.Fprintf(w, "max era:%d free blocks:%d allocated:%d deleted:%d total:%d\n",
		fs.maxEraseCount, fs.freeBlocks, fs.allocated, fs.deleted, fs.geo.Blocks()*fs.geo.EntriesPerBlock())
	return errors.WithStack(err)
}

func visGlyph(id types.ObjectID) byte {
	switch {
	case id.IsFree():
		return '_'
	case id.IsDeleted():
		return '/'
	}
	c := visAlphabet[int(id.Data())%len(visAlphabet)]
	if id.IsIndex() && c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	return c
}
