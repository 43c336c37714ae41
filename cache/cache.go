package cache

import (
	"github.com/pkg/errors"

	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/persistence"
	"github.com/outofforest/flashfs/types"
)

// ErrNoPage is returned if write page can't be allocated because cache is disabled or there is no page to reclaim.
var ErrNoPage = errors.New("no cache page available")

// Flusher writes the content of the write page owned by descriptor and releases the page.
type Flusher func(owner int) error

// Cache caches pages read from and written to the store.
type Cache struct {
	store      *persistence.Store
	geo        geometry.Geometry
	pageSize   uint32
	data       []byte
	headers    []header
	lastAccess uint32
	flusher    Flusher
	stats      Stats
}

// New creates new cache holding nPages pages. Zero pages disables caching.
func New(store *persistence.Store, nPages int) *Cache {
	geo := store.Geometry()
	return &Cache{
		store:    store,
		geo:      geo,
		pageSize: geo.PageSize(),
		data:     make([]byte, nPages*int(geo.PageSize())),
		headers:  make([]header, nPages),
	}
}

// SetFlusher sets function used to flush write pages when they are reclaimed.
func (c *Cache) SetFlusher(flusher Flusher) {
	c.flusher = flusher
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Read reads bytes from physical address. Page containing the range is cached.
func (c *Cache) Read(kind Kind, addr uint32, p []byte) error {
	if kind == KindScan || len(c.headers) == 0 {
		return c.store.Read(addr, p)
	}

	pix := c.geo.AddrPage(addr)
	offset := addr - c.geo.PageAddr(pix)
	if offset+uint32(len(p)) > c.pageSize {
		return c.store.Read(addr, p)
	}

	i := c.findPage(pix)
	if i >= 0 {
		c.stats.Hits++
	} else {
		c.stats.Misses++
		i = c.allocate()
		if i < 0 {
			return c.store.Read(addr, p)
		}
		if err := c.store.Read(c.geo.PageAddr(pix), c.page(i)); err != nil {
			c.headers[i].State = FreePageState
			return err
		}
		c.headers[i] = header{
			State: ReadPageState,
			Kind:  kind,
			Page:  pix,
		}
	}
	c.touch(i)
	copy(p, c.page(i)[offset:])
	return nil
}

// Write writes bytes to the store and updates cached copy of the page.
func (c *Cache) Write(addr uint32, p []byte) error {
	if err := c.store.Write(addr, p); err != nil {
		return err
	}
	if len(c.headers) == 0 {
		return nil
	}

	pix := c.geo.AddrPage(addr)
	i := c.findPage(pix)
	if i < 0 {
		return nil
	}
	offset := addr - c.geo.PageAddr(pix)
	if offset+uint32(len(p)) > c.pageSize {
		c.headers[i].State = FreePageState
		return nil
	}
	page := c.page(i)[offset:]
	for j, b := range p {
		page[j] &= b
	}
	c.touch(i)
	return nil
}

// Drop removes page from cache.
func (c *Cache) Drop(pix types.PageIndex) {
	if i := c.findPage(pix); i >= 0 {
		c.headers[i].State = FreePageState
	}
}

// DropBlock removes all the pages of the block from cache.
func (c *Cache) DropBlock(bix types.BlockIndex) {
	first := c.geo.BlockFirstPage(bix)
	last := first + types.PageIndex(c.geo.PagesPerBlock())
	for i := range c.headers {
		h := &c.headers[i]
		if h.State == ReadPageState && h.Page >= first && h.Page < last {
			h.State = FreePageState
		}
	}
}

// Clear removes all read pages from cache. Write pages are kept.
func (c *Cache) Clear() {
	for i := range c.headers {
		if c.headers[i].State == ReadPageState {
			c.headers[i].State = FreePageState
		}
	}
}

// WritePage returns write page owned by descriptor.
func (c *Cache) WritePage(owner int) (WritePage, bool) {
	for i, h := range c.headers {
		if h.State == WritePageState && h.Owner == owner {
			return WritePage{c: c, i: i}, true
		}
	}
	return WritePage{}, false
}

// AllocateWritePage binds write page to the descriptor.
// If there is no read page to evict, write page of another descriptor is flushed.
func (c *Cache) AllocateWritePage(owner int) (WritePage, error) {
	if wp, exists := c.WritePage(owner); exists {
		return wp, nil
	}
	if len(c.headers) == 0 {
		return WritePage{}, errors.WithStack(ErrNoPage)
	}

	i := c.allocate()
	if i < 0 {
		oldest := c.oldest(WritePageState)
		if c.flusher == nil || oldest < 0 {
			return WritePage{}, errors.WithStack(ErrNoPage)
		}
		c.stats.Flushes++
		// Page stays bound to its owner if flushing fails.
		if err := c.flusher(c.headers[oldest].Owner); err != nil {
			return WritePage{}, err
		}
		c.headers[oldest].State = FreePageState
		i = oldest
	}

	c.headers[i] = header{
		State: WritePageState,
		Owner: owner,
	}
	c.touch(i)
	return WritePage{c: c, i: i}, nil
}

func (c *Cache) findPage(pix types.PageIndex) int {
	for i, h := range c.headers {
		if h.State == ReadPageState && h.Page == pix {
			return i
		}
	}
	return -1
}

// allocate returns free slot, evicting the least recently used read page if needed.
func (c *Cache) allocate() int {
	for i, h := range c.headers {
		if h.State == FreePageState {
			return i
		}
	}
	i := c.oldest(ReadPageState)
	if i < 0 {
		return -1
	}
	c.stats.Evictions++
	c.headers[i].State = FreePageState
	return i
}

func (c *Cache) oldest(state PageState) int {
	oldest := -1
	var age uint32
	for i, h := range c.headers {
		if h.State != state {
			continue
		}
		if a := c.lastAccess - h.LastAccess; oldest < 0 || a > age {
			oldest = i
			age = a
		}
	}
	return oldest
}

func (c *Cache) touch(i int) {
	c.lastAccess++
	c.headers[i].LastAccess = c.lastAccess
}

func (c *Cache) page(i int) []byte {
	offset := i * int(c.pageSize)
	return c.data[offset : offset+int(c.pageSize)]
}

// WritePage is the page buffering small writes of the descriptor.
type WritePage struct {
	c *Cache
	i int
}

// Offset returns the file offset where buffered data start.
func (wp WritePage) Offset() uint32 {
	return wp.c.headers[wp.i].Offset
}

// Size returns the number of buffered bytes.
func (wp WritePage) Size() uint32 {
	return wp.c.headers[wp.i].Size
}

// SetWindow sets the range of file buffered in the page.
func (wp WritePage) SetWindow(offset, size uint32) {
	h := &wp.c.headers[wp.i]
	h.Offset = offset
	h.Size = size
	wp.c.touch(wp.i)
}

// Data returns the buffer of the page.
func (wp WritePage) Data() []byte {
	return wp.c.page(wp.i)
}

// Release unbinds the page from the descriptor.
func (wp WritePage) Release() {
	wp.c.headers[wp.i].State = FreePageState
}
