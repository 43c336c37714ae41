package persistence

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/types"
)

const probeBlocks = 3

// Flash is the interface required from the flash driver.
// Write may only clear bits, Erase sets all of them and must be aligned to the physical erase size.
type Flash interface {
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
	Erase(addr, size uint32) error
}

type sizer interface {
	Size() uint32
}

var (
	// ErrAlreadyFormatted is returned if during formatting, another filesystem is detected on the device.
	ErrAlreadyFormatted = errors.New("filesystem has been already formatted on the provided device")

	// ErrNotFormatted is returned if block magic does not match the geometry.
	ErrNotFormatted = errors.New("device does not contain filesystem")

	// ErrProbeTooFewBlocks is returned if area is too small to probe any of the block sizes.
	ErrProbeTooFewBlocks = errors.New("too few blocks to probe")

	// ErrProbeNotAFS is returned if none of the probed block sizes matches the filesystem.
	ErrProbeNotAFS = errors.New("no filesystem found while probing")
)

// Format erases all the blocks and stores magic and erase count in each of them.
func Format(dev Flash, geo geometry.Geometry, overwrite bool) error {
	if err := validateDev(dev, geo); err != nil {
		return err
	}

	s := NewStore(dev, geo)
	if !overwrite {
		meta, err := s.ReadBlockMeta(0)
		if err != nil {
			return err
		}
		if meta.Magic == s.Magic(0) {
			return errors.WithStack(ErrAlreadyFormatted)
		}
	}

	for bix := types.BlockIndex(0); uint32(bix) < geo.Blocks(); bix++ {
		if err := s.EraseBlock(bix); err != nil {
			return err
		}
		if err := s.WriteBlockMeta(bix, 0); err != nil {
			return err
		}
	}
	return nil
}

// Probe detects the block size of the filesystem stored on the device.
// Page size, erase size, address and size of the area must be provided in cfg.
func Probe(dev Flash, cfg geometry.Config, blockSizes []uint32) (geometry.Geometry, error) {
	var probed bool
	for _, blockSize := range blockSizes {
		if blockSize == 0 || cfg.PhysSize/blockSize < probeBlocks {
			continue
		}
		probed = true

		cfg.BlockSize = blockSize
		geo, err := geometry.New(cfg)
		if err != nil {
			continue
		}
		if validateDev(dev, geo) != nil {
			continue
		}

		s := NewStore(dev, geo)
		matched := true
		for bix := types.BlockIndex(0); bix < probeBlocks; bix++ {
			meta, err := s.ReadBlockMeta(bix)
			if err != nil {
				return geometry.Geometry{}, err
			}
			if meta.Magic != s.Magic(bix) {
				matched = false
				break
			}
		}
		if matched {
			return geo, nil
		}
	}
	if !probed {
		return geometry.Geometry{}, errors.Wrapf(ErrProbeTooFewBlocks, "area size: %d", cfg.PhysSize)
	}
	return geometry.Geometry{}, errors.WithStack(ErrProbeNotAFS)
}

func validateDev(dev Flash, geo geometry.Geometry) error {
	cfg := geo.Config()
	if s, ok := dev.(sizer); ok && uint64(cfg.PhysAddr)+uint64(cfg.PhysSize) > uint64(s.Size()) {
		return errors.Errorf("device is too small, required size is: %d bytes, provided: %d",
			uint64(cfg.PhysAddr)+uint64(cfg.PhysSize), s.Size())
	}
	return nil
}

// BlockMeta is the metadata stored at the end of lookup area of each block.
type BlockMeta struct {
	Magic      types.ObjectID
	EraseCount types.ObjectID
}

// Erased returns true if metadata has never been written since the last erase.
func (m BlockMeta) Erased() bool {
	return m.Magic.IsFree() && m.EraseCount.IsFree()
}

func decodeBlockMeta(p []byte) BlockMeta {
	return BlockMeta{
		EraseCount: blocks.LookupSlot(p, 0),
		Magic:      blocks.LookupSlot(p, 1),
	}
}
