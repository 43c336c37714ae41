package persistence

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/types"
)

// Flash operations reported in IOError.
const (
	OpRead  = "read"
	OpWrite = "write"
	OpErase = "erase"
)

// IOError is returned when flash driver fails.
type IOError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("flash %s at %#x failed: %s", e.Op, e.Addr, e.Err)
}

// Unwrap returns the driver error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Store represents persistent storage.
type Store struct {
	dev Flash
	geo geometry.Geometry
}

// NewStore returns store accessing filesystem area of the device.
func NewStore(dev Flash, geo geometry.Geometry) *Store {
	return &Store{
		dev: dev,
		geo: geo,
	}
}

// Geometry returns geometry of the store.
func (s *Store) Geometry() geometry.Geometry {
	return s.geo
}

// Read reads raw bytes from physical address.
func (s *Store) Read(addr uint32, p []byte) error {
	if err := s.dev.Read(addr, p); err != nil {
		return errors.WithStack(&IOError{Op: OpRead, Addr: addr, Err: err})
	}
	return nil
}

// Write programs raw bytes at physical address.
func (s *Store) Write(addr uint32, p []byte) error {
	if err := s.dev.Write(addr, p); err != nil {
		return errors.WithStack(&IOError{Op: OpWrite, Addr: addr, Err: err})
	}
	return nil
}

// EraseBlock erases logical block unit by unit.
func (s *Store) EraseBlock(bix types.BlockIndex) error {
	cfg := s.geo.Config()
	addr := s.geo.BlockAddr(bix)
	for offset := uint32(0); offset < cfg.BlockSize; offset += cfg.PhysEraseSize {
		if err := s.dev.Erase(addr+offset, cfg.PhysEraseSize); err != nil {
			return errors.WithStack(&IOError{Op: OpErase, Addr: addr + offset, Err: err})
		}
	}
	return nil
}

// Magic returns the magic expected in the block.
func (s *Store) Magic(bix types.BlockIndex) types.ObjectID {
	return blocks.Magic(s.geo.PageSize(), s.geo.BlockSize(), s.geo.Blocks(), bix)
}

// ReadBlockMeta reads magic and erase count of the block.
func (s *Store) ReadBlockMeta(bix types.BlockIndex) (BlockMeta, error) {
	var p [2 * blocks.LookupSlotSize]byte
	if err := s.Read(s.geo.EraseCountAddr(bix), p[:]); err != nil {
		return BlockMeta{}, err
	}
	return decodeBlockMeta(p[:]), nil
}

// WriteBlockMeta stores magic and erase count in erased block.
func (s *Store) WriteBlockMeta(bix types.BlockIndex, eraseCount types.ObjectID) error {
	var p [2 * blocks.LookupSlotSize]byte
	era := blocks.EncodeLookupSlot(eraseCount)
	magic := blocks.EncodeLookupSlot(s.Magic(bix))
	copy(p[:], era[:])
	copy(p[blocks.LookupSlotSize:], magic[:])
	return s.Write(s.geo.EraseCountAddr(bix), p[:])
}

// VerifyBlock checks that magic of the block matches the geometry.
func (s *Store) VerifyBlock(bix types.BlockIndex) (BlockMeta, error) {
	meta, err := s.ReadBlockMeta(bix)
	if err != nil {
		return BlockMeta{}, err
	}
	if meta.Magic != s.Magic(bix) {
		return meta, errors.Wrapf(ErrNotFormatted, "magic mismatch in block %d", bix)
	}
	return meta, nil
}
