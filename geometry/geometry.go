package geometry

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/types"
)

const (
	// MinBlocks is the minimum number of logical blocks. One block is always kept free for garbage collection.
	MinBlocks = 3

	// MinPageSize is the minimum size of logical page.
	MinPageSize = 64

	// metaSlots is the number of lookup slots reserved at the end of lookup area for magic and erase count.
	metaSlots = 2
)

// ErrMagicNotPossible is returned if lookup area has no room for block metadata.
var ErrMagicNotPossible = errors.New("magic is not possible")

// Config describes the physical and logical layout of the flash area.
type Config struct {
	// PhysSize is the size of the flash area used by filesystem.
	PhysSize uint32 `yaml:"physSize"`
	// PhysAddr is the address where filesystem area starts.
	PhysAddr uint32 `yaml:"physAddr"`
	// PhysEraseSize is the size of the smallest erasable unit of the flash.
	PhysEraseSize uint32 `yaml:"physEraseSize"`
	// BlockSize is the size of logical block.
	BlockSize uint32 `yaml:"blockSize"`
	// PageSize is the size of logical page.
	PageSize uint32 `yaml:"pageSize"`
}

// Geometry translates between addresses, blocks, pages and lookup entries.
type Geometry struct {
	cfg             Config
	blocks          uint32
	pagesPerBlock   uint32
	lookupPages     uint32
	entriesPerBlock uint32
}

// New validates config and returns geometry.
func New(cfg Config) (Geometry, error) {
	switch {
	case cfg.PageSize < MinPageSize:
		return Geometry{}, errors.Errorf("page size %d is smaller than %d", cfg.PageSize, MinPageSize)
	case cfg.BlockSize < 2*cfg.PageSize || cfg.BlockSize%cfg.PageSize != 0:
		return Geometry{}, errors.Errorf("block size %d must be a multiple of page size %d holding at least 2 pages",
			cfg.BlockSize, cfg.PageSize)
	case cfg.PhysEraseSize == 0 || cfg.BlockSize%cfg.PhysEraseSize != 0:
		return Geometry{}, errors.Errorf("block size %d must be a multiple of erase size %d",
			cfg.BlockSize, cfg.PhysEraseSize)
	case cfg.PhysAddr%cfg.PhysEraseSize != 0:
		return Geometry{}, errors.Errorf("address %#x is not aligned to erase size %d", cfg.PhysAddr, cfg.PhysEraseSize)
	case cfg.PhysSize/cfg.BlockSize < MinBlocks:
		return Geometry{}, errors.Errorf("area is too small, minimum size is: %d bytes, provided: %d",
			MinBlocks*cfg.BlockSize, cfg.PhysSize)
	case cfg.PhysSize/cfg.PageSize >= uint32(types.PageIndexFree):
		return Geometry{}, errors.Errorf("too many pages: %d", cfg.PhysSize/cfg.PageSize)
	}

	g := Geometry{
		cfg:           cfg,
		blocks:        cfg.PhysSize / cfg.BlockSize,
		pagesPerBlock: cfg.BlockSize / cfg.PageSize,
	}
	g.lookupPages = g.pagesPerBlock * blocks.LookupSlotSize / cfg.PageSize
	if g.lookupPages == 0 {
		g.lookupPages = 1
	}
	entries, err := entriesPerBlock(g.pagesPerBlock-g.lookupPages, g.lookupPages*g.SlotsPerPage())
	if err != nil {
		return Geometry{}, err
	}
	g.entriesPerBlock = entries
	return g, nil
}

// entriesPerBlock returns the number of object pages in block having the provided number of pages outside
// lookup area and lookup slots. Last slots are reserved for block metadata.
func entriesPerBlock(pages, slots uint32) (uint32, error) {
	if pages < 2 {
		return 0, errors.Errorf("block holds only %d pages", pages)
	}
	if slots < metaSlots+2 {
		return 0, errors.Wrapf(ErrMagicNotPossible, "lookup area has %d slots", slots)
	}
	return min(pages, slots-metaSlots), nil
}

// Config returns the config geometry was created from.
func (g Geometry) Config() Config {
	return g.cfg
}

// Blocks returns the number of logical blocks.
func (g Geometry) Blocks() uint32 {
	return g.blocks
}

// PageSize returns the size of logical page.
func (g Geometry) PageSize() uint32 {
	return g.cfg.PageSize
}

// BlockSize returns the size of logical block.
func (g Geometry) BlockSize() uint32 {
	return g.cfg.BlockSize
}

// PagesPerBlock returns the number of pages in the block, lookup pages included.
func (g Geometry) PagesPerBlock() uint32 {
	return g.pagesPerBlock
}

// LookupPages returns the number of pages used by object lookup table in each block.
func (g Geometry) LookupPages() uint32 {
	return g.lookupPages
}

// EntriesPerBlock returns the number of pages in each block usable for objects.
func (g Geometry) EntriesPerBlock() uint32 {
	return g.entriesPerBlock
}

// SlotsPerPage returns the number of lookup slots stored in one lookup page.
func (g Geometry) SlotsPerPage() uint32 {
	return g.cfg.PageSize / blocks.LookupSlotSize
}

// TotalPages returns the number of pages in the area.
func (g Geometry) TotalPages() uint32 {
	return g.blocks * g.pagesPerBlock
}

// TotalEntries returns the number of pages usable for objects.
func (g Geometry) TotalEntries() uint32 {
	return g.blocks * g.entriesPerBlock
}

// DataPageSize returns the number of payload bytes stored in data page.
func (g Geometry) DataPageSize() uint32 {
	return g.cfg.PageSize - blocks.PageHeaderSize
}

// HeaderIndexLen returns the number of data page references stored in index header page.
func (g Geometry) HeaderIndexLen() uint32 {
	return (g.cfg.PageSize - blocks.IndexHeaderSize) / blocks.IndexEntrySize
}

// IndexLen returns the number of data page references stored in index continuation page.
func (g Geometry) IndexLen() uint32 {
	return (g.cfg.PageSize - blocks.PageHeaderSize) / blocks.IndexEntrySize
}

// BlockAddr returns physical address of the block.
func (g Geometry) BlockAddr(bix types.BlockIndex) uint32 {
	return g.cfg.PhysAddr + uint32(bix)*g.cfg.BlockSize
}

// PageAddr returns physical address of the page.
func (g Geometry) PageAddr(pix types.PageIndex) uint32 {
	return g.cfg.PhysAddr + uint32(pix)*g.cfg.PageSize
}

// AddrPage returns page containing physical address.
func (g Geometry) AddrPage(addr uint32) types.PageIndex {
	return types.PageIndex((addr - g.cfg.PhysAddr) / g.cfg.PageSize)
}

// PageBlock returns block containing the page.
func (g Geometry) PageBlock(pix types.PageIndex) types.BlockIndex {
	return types.BlockIndex(uint32(pix) / g.pagesPerBlock)
}

// BlockFirstPage returns the first page of the block.
func (g Geometry) BlockFirstPage(bix types.BlockIndex) types.PageIndex {
	return types.PageIndex(uint32(bix) * g.pagesPerBlock)
}

// EntryPage returns the page described by lookup entry of the block.
func (g Geometry) EntryPage(bix types.BlockIndex, entry uint32) types.PageIndex {
	return types.PageIndex(uint32(bix)*g.pagesPerBlock + g.lookupPages + entry)
}

// PageEntry returns lookup entry describing the page.
func (g Geometry) PageEntry(pix types.PageIndex) uint32 {
	return uint32(pix)%g.pagesPerBlock - g.lookupPages
}

// IsLookupPage returns true if page belongs to the lookup area of its block.
func (g Geometry) IsLookupPage(pix types.PageIndex) bool {
	return uint32(pix)%g.pagesPerBlock < g.lookupPages
}

// IsValidPage returns true if page exists and is not a lookup page.
func (g Geometry) IsValidPage(pix types.PageIndex) bool {
	return uint32(pix) < g.TotalPages() && !g.IsLookupPage(pix)
}

// EntryAddr returns physical address of the lookup slot.
func (g Geometry) EntryAddr(bix types.BlockIndex, entry uint32) uint32 {
	return g.BlockAddr(bix) + entry*blocks.LookupSlotSize
}

// MagicAddr returns physical address of the block magic.
func (g Geometry) MagicAddr(bix types.BlockIndex) uint32 {
	return g.BlockAddr(bix) + g.lookupPages*g.cfg.PageSize - blocks.LookupSlotSize
}

// EraseCountAddr returns physical address of the block erase counter.
func (g Geometry) EraseCountAddr(bix types.BlockIndex) uint32 {
	return g.BlockAddr(bix) + g.lookupPages*g.cfg.PageSize - 2*blocks.LookupSlotSize
}

// IndexSpan returns span of the index page holding reference to data span.
func (g Geometry) IndexSpan(dataSpan types.SpanIndex) types.SpanIndex {
	hdrLen := g.HeaderIndexLen()
	if uint32(dataSpan) < hdrLen {
		return 0
	}
	return types.SpanIndex(1 + (uint32(dataSpan)-hdrLen)/g.IndexLen())
}

// IndexEntry returns position of data span reference inside its index page.
func (g Geometry) IndexEntry(dataSpan types.SpanIndex) int {
	hdrLen := g.HeaderIndexLen()
	if uint32(dataSpan) < hdrLen {
		return int(dataSpan)
	}
	return int((uint32(dataSpan) - hdrLen) % g.IndexLen())
}

// FirstDataSpan returns the first data span referenced by index page.
func (g Geometry) FirstDataSpan(indexSpan types.SpanIndex) types.SpanIndex {
	if indexSpan == 0 {
		return 0
	}
	return types.SpanIndex(g.HeaderIndexLen() + (uint32(indexSpan)-1)*g.IndexLen())
}

// LastDataSpan returns the last data span referenced by index page.
func (g Geometry) LastDataSpan(indexSpan types.SpanIndex) types.SpanIndex {
	if indexSpan == 0 {
		return types.SpanIndex(g.HeaderIndexLen() - 1)
	}
	return types.SpanIndex(uint32(g.FirstDataSpan(indexSpan)) + g.IndexLen() - 1)
}

// MaxObjects returns the maximum number of objects which might be stored.
func (g Geometry) MaxObjects() uint32 {
	maxObjects := g.TotalPages()/2 + 1
	if maxObjects >= uint32(types.ObjectIDIndexFlag) {
		maxObjects = uint32(types.ObjectIDIndexFlag) - 1
	}
	return maxObjects
}
