package blocks

import (
	"encoding/binary"

	"github.com/outofforest/flashfs/types"
)

// IndexView gives typed access to the image of index page kept in memory.
// Index header page (span 0) stores entries after IndexHeader, other index pages right after PageHeader.
type IndexView struct {
	B []byte
}

// PageHeader returns page header of the index page.
func (v IndexView) PageHeader() PageHeader {
	return DecodePageHeader(v.B)
}

// SetPageHeader stores page header.
func (v IndexView) SetPageHeader(h PageHeader) {
	h.Encode(v.B)
}

// IndexHeader returns the index header. Valid only for span 0.
func (v IndexView) IndexHeader() IndexHeader {
	return DecodeIndexHeader(v.B)
}

// SetIndexHeader stores index header.
func (v IndexView) SetIndexHeader(h IndexHeader) {
	h.Encode(v.B)
}

// Size returns object size stored in index header.
func (v IndexView) Size() uint32 {
	return binary.LittleEndian.Uint32(v.B[PageHeaderSize:])
}

// SetSize sets object size in index header.
func (v IndexView) SetSize(size uint32) {
	binary.LittleEndian.PutUint32(v.B[PageHeaderSize:], size)
}

// Span returns span index of the index page.
func (v IndexView) Span() types.SpanIndex {
	return types.SpanIndex(binary.LittleEndian.Uint16(v.B[2:]))
}

// Entry returns i-th data page reference.
func (v IndexView) Entry(i int) types.PageIndex {
	return types.PageIndex(binary.LittleEndian.Uint16(v.B[v.entriesOffset()+i*IndexEntrySize:]))
}

// SetEntry sets i-th data page reference.
func (v IndexView) SetEntry(i int, pix types.PageIndex) {
	binary.LittleEndian.PutUint16(v.B[v.entriesOffset()+i*IndexEntrySize:], uint16(pix))
}

// Len returns the number of entries fitting in the page.
func (v IndexView) Len() int {
	return (len(v.B) - v.entriesOffset()) / IndexEntrySize
}

// ResetEntries marks all the entries as unused.
func (v IndexView) ResetEntries() {
	for i := v.entriesOffset(); i < len(v.B); i++ {
		v.B[i] = 0xff
	}
}

// EntryOffset returns offset of i-th entry inside the page of given span.
func EntryOffset(span types.SpanIndex, i int) int {
	if span == 0 {
		return IndexHeaderSize + i*IndexEntrySize
	}
	return PageHeaderSize + i*IndexEntrySize
}

func (v IndexView) entriesOffset() int {
	return EntryOffset(v.Span(), 0)
}
