package memdev

import (
	"github.com/pkg/errors"
)

// ErrPowerLoss is returned by writes and erases once the operation budget is exhausted.
var ErrPowerLoss = errors.New("simulated power loss")

// MemDev simulates NOR flash in memory.
// Writes are able to clear bits only, setting a bit which is 0 is reported as an error.
type MemDev struct {
	eraseSize uint32
	data      []byte
	erases    []uint32

	budget int
	reads  uint64
	writes uint64
}

// New returns new memdev. Content is erased.
func New(size, eraseSize uint32) *MemDev {
	if eraseSize == 0 || size%eraseSize != 0 {
		panic(errors.Errorf("size %d is not a multiple of erase size %d", size, eraseSize))
	}
	md := &MemDev{
		eraseSize: eraseSize,
		data:      make([]byte, size),
		erases:    make([]uint32, size/eraseSize),
		budget:    -1,
	}
	for i := range md.data {
		md.data[i] = 0xff
	}
	return md
}

// Read reads data from the memdev.
func (md *MemDev) Read(addr uint32, p []byte) error {
	if err := md.checkRange(addr, len(p)); err != nil {
		return err
	}
	copy(p, md.data[addr:])
	md.reads++
	return nil
}

// Write programs data. Bits might be only cleared.
func (md *MemDev) Write(addr uint32, p []byte) error {
	if err := md.checkRange(addr, len(p)); err != nil {
		return err
	}
	if err := md.consumeBudget(); err != nil {
		return err
	}
	dst := md.data[addr : int(addr)+len(p)]
	for i, b := range p {
		if ^dst[i]&b != 0 {
			return errors.Errorf("bit set on write at %#x: %#02x -> %#02x", int(addr)+i, dst[i], b)
		}
	}
	for i, b := range p {
		dst[i] &= b
	}
	md.writes++
	return nil
}

// Erase sets all the bits in the range. Range must be aligned to erase units.
func (md *MemDev) Erase(addr, size uint32) error {
	if addr%md.eraseSize != 0 || size%md.eraseSize != 0 {
		return errors.Errorf("unaligned erase at %#x, size %d, erase size %d", addr, size, md.eraseSize)
	}
	if err := md.checkRange(addr, int(size)); err != nil {
		return err
	}
	if err := md.consumeBudget(); err != nil {
		return err
	}
	for i := addr; i < addr+size; i++ {
		md.data[i] = 0xff
	}
	for u := addr / md.eraseSize; u < (addr+size)/md.eraseSize; u++ {
		md.erases[u]++
	}
	return nil
}

// Poke overwrites bytes ignoring flash semantics. It is used to corrupt the content in tests.
func (md *MemDev) Poke(addr uint32, p []byte) {
	copy(md.data[addr:], p)
}

// FailAfter makes all the writes and erases fail after n more succeed. Negative n disables the limit.
func (md *MemDev) FailAfter(n int) {
	md.budget = n
}

// Size returns the size of the device.
func (md *MemDev) Size() uint32 {
	return uint32(len(md.data))
}

// Erases returns how many times the erase unit containing addr has been erased.
func (md *MemDev) Erases(addr uint32) uint32 {
	return md.erases[addr/md.eraseSize]
}

// Stats returns the number of successful reads and writes.
func (md *MemDev) Stats() (reads, writes uint64) {
	return md.reads, md.writes
}

func (md *MemDev) checkRange(addr uint32, n int) error {
	if n < 0 || uint64(addr)+uint64(n) > uint64(len(md.data)) {
		return errors.Errorf("invalid range: %#x+%d, size: %d", addr, n, len(md.data))
	}
	return nil
}

func (md *MemDev) consumeBudget() error {
	if md.budget == 0 {
		return errors.WithStack(ErrPowerLoss)
	}
	if md.budget > 0 {
		md.budget--
	}
	return nil
}
