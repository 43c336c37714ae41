package blocks

import (
	"encoding/binary"

	"github.com/outofforest/flashfs/types"
)

const (
	// PageHeaderSize is the size of the header stored at the beginning of every page.
	PageHeaderSize = 5

	// NameLength is the size of the name field in index header, including terminating zero.
	NameLength = 32

	// IndexHeaderSize is the size of index header: page header, size, type and name.
	IndexHeaderSize = PageHeaderSize + 4 + 1 + NameLength

	// IndexEntrySize is the size of the reference to the data page stored in the index.
	IndexEntrySize = 2

	// LookupSlotSize is the size of the slot in object lookup table.
	LookupSlotSize = 2

	// FlagsOffset is the offset of flags byte inside page header.
	FlagsOffset = 4
)

// PageHeader is stored at the beginning of every page.
type PageHeader struct {
	ObjectID types.ObjectID
	Span     types.SpanIndex
	Flags    types.PageFlags
}

// Encode stores header in the first PageHeaderSize bytes of p.
func (h PageHeader) Encode(p []byte) {
	binary.LittleEndian.PutUint16(p[0:], uint16(h.ObjectID))
	binary.LittleEndian.PutUint16(p[2:], uint16(h.Span))
	p[FlagsOffset] = byte(h.Flags)
}

// DecodePageHeader decodes page header from p.
func DecodePageHeader(p []byte) PageHeader {
	return PageHeader{
		ObjectID: types.ObjectID(binary.LittleEndian.Uint16(p[0:])),
		Span:     types.SpanIndex(binary.LittleEndian.Uint16(p[2:])),
		Flags:    types.PageFlags(p[FlagsOffset]),
	}
}

// IndexHeader is stored at the beginning of the first index page of the object.
type IndexHeader struct {
	PageHeader
	Size uint32
	Type types.ObjectType
	Name [NameLength]byte
}

// Encode stores index header in the first IndexHeaderSize bytes of p.
func (h IndexHeader) Encode(p []byte) {
	h.PageHeader.Encode(p)
	binary.LittleEndian.PutUint32(p[PageHeaderSize:], h.Size)
	p[PageHeaderSize+4] = byte(h.Type)
	copy(p[PageHeaderSize+5:IndexHeaderSize], h.Name[:])
}

// DecodeIndexHeader decodes index header from p.
func DecodeIndexHeader(p []byte) IndexHeader {
	h := IndexHeader{
		PageHeader: DecodePageHeader(p),
		Size:       binary.LittleEndian.Uint32(p[PageHeaderSize:]),
		Type:       types.ObjectType(p[PageHeaderSize+4]),
	}
	copy(h.Name[:], p[PageHeaderSize+5:IndexHeaderSize])
	return h
}

// NameString returns name stored in the header.
func (h IndexHeader) NameString() string {
	return NameString(h.Name)
}

// NameString converts zero-terminated name to string.
func NameString(name [NameLength]byte) string {
	for i, b := range name {
		if b == 0 {
			return string(name[:i])
		}
	}
	return string(name[:])
}

// EncodeName converts name to the zero-padded form stored on flash.
// It returns false if name does not fit, terminating zero included.
func EncodeName(name string) ([NameLength]byte, bool) {
	var n [NameLength]byte
	if len(name) >= NameLength {
		return n, false
	}
	copy(n[:], name)
	return n, true
}

// LookupSlot returns object ID stored in i-th slot of lookup table page.
func LookupSlot(p []byte, i int) types.ObjectID {
	return types.ObjectID(binary.LittleEndian.Uint16(p[i*LookupSlotSize:]))
}

// EncodeLookupSlot encodes object ID as stored in lookup slot.
func EncodeLookupSlot(id types.ObjectID) [LookupSlotSize]byte {
	var b [LookupSlotSize]byte
	binary.LittleEndian.PutUint16(b[:], uint16(id))
	return b
}
