package flashfs

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/types"
)

// findFreeObjectID returns ID not used by any page.
// If the range of possible IDs fits into the bitmap stored in the work buffer, IDs are marked directly.
// Otherwise, the range is split into chunks, objects in each chunk are counted and the search continues in the
// least used one.
func (fs *FS) findFreeObjectID() (types.ObjectID, error) {
	bitmapBits := fs.geo.PageSize() * 8
	minID := uint32(1)
	maxID := fs.geo.MaxObjects()
	var compaction uint32

	for {
		if maxID-minID <= bitmapBits {
			return fs.findFreeObjectIDInBitmap(minID, maxID)
		}

		if compaction != 0 {
			minIndex := 0
			minCount := byte(0xff)
			for i, c := range fs.work {
				if c < minCount {
					minCount = c
					minIndex = i
					if c == 0 {
						break
					}
				}
			}
			if uint32(minCount) == compaction {
				return 0, errors.WithStack(ErrFull)
			}
			if minCount == 0 {
				return types.ObjectID(uint32(minIndex)*compaction + minID), nil
			}

			minID += uint32(minIndex) * compaction
			maxID = minID + compaction
			if maxID-minID <= bitmapBits {
				continue
			}
		}

		compaction = (maxID - minID) / fs.geo.PageSize()
		if err := fs.countObjects(minID, maxID, compaction); err != nil {
			return 0, err
		}
	}
}

func (fs *FS) findFreeObjectIDInBitmap(minID, maxID uint32) (types.ObjectID, error) {
	clear(fs.work)
	_, err := fs.findEntry(cursor{}, visitNoWrap, 0,
		func(id types.ObjectID, _ types.BlockIndex, _ uint32) (visitResult, error) {
			if id.IsFree() || id.IsDeleted() {
				return visitContinue, nil
			}
			if d := uint32(id.Data()); d >= minID {
				if i := (d - minID) / 8; i < uint32(len(fs.work)) {
					fs.work[i] |= 1 << ((d - minID) % 8)
				}
			}
			return visitContinue, nil
		})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	for i, b := range fs.work {
		if b == 0xff {
			continue
		}
		for j := uint32(0); j < 8; j++ {
			if b&(1<<j) != 0 {
				continue
			}
			id := uint32(i)*8 + j + minID
			if id > maxID {
				return 0, errors.WithStack(ErrFull)
			}
			return types.ObjectID(id), nil
		}
	}
	return 0, errors.WithStack(ErrFull)
}

// countObjects counts index headers of objects in each chunk of IDs.
func (fs *FS) countObjects(minID, maxID, compaction uint32) error {
	clear(fs.work)
	_, err := fs.findEntry(cursor{}, visitNoWrap, 0,
		func(id types.ObjectID, bix types.BlockIndex, entry uint32) (visitResult, error) {
			if id.IsFree() || id.IsDeleted() || !id.IsIndex() {
				return visitContinue, nil
			}
			hdr, ok, err := fs.readLiveIndexHeader(fs.geo.EntryPage(bix, entry))
			if err != nil {
				return visitStop, err
			}
			if !ok {
				return visitContinue, nil
			}
			d := uint32(hdr.ObjectID.Data())
			if d < minID || d > maxID {
				return visitContinue, nil
			}
			if i := (d - minID) / compaction; i < uint32(len(fs.work)) && fs.work[i] < 0xff {
				fs.work[i]++
			}
			return visitContinue, nil
		})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
