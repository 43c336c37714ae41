package cache

import (
	"github.com/outofforest/flashfs/types"
)

// Kind is the kind of the page being accessed.
type Kind byte

// Page kinds.
const (
	// KindLookup is used for lookup pages read by the engine.
	KindLookup Kind = iota
	// KindScan is used by secondary scans and page copies. Such reads are never cached, so sweeping the whole
	// volume does not push out pages which are used frequently.
	KindScan
	// KindIndex is used for object index pages.
	KindIndex
	// KindData is used for data pages.
	KindData
)

// PageState is the enum representing the state of the cached page.
type PageState byte

// Enum of possible page states.
const (
	FreePageState PageState = iota
	ReadPageState
	WritePageState
)

// header stores the metadata of cached page.
type header struct {
	State      PageState
	Kind       Kind
	Page       types.PageIndex
	LastAccess uint32

	// Fields used by write pages.
	Owner  int
	Offset uint32
	Size   uint32
}

// Stats contains cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}
