package blocks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/types"
)

func TestPageHeaderLayout(t *testing.T) {
	assertT := assert.New(t)

	p := make([]byte, PageHeaderSize)
	PageHeader{
		ObjectID: 0x8102,
		Span:     0x0304,
		Flags:    types.FlagsErased.Clear(types.FlagFinal),
	}.Encode(p)

	assertT.Equal([]byte{0x02, 0x81, 0x04, 0x03, 0xfd}, p)
}

func TestIndexHeaderLayout(t *testing.T) {
	requireT := require.New(t)

	name, ok := EncodeName("file.txt")
	requireT.True(ok)

	p := make([]byte, 256)
	h := IndexHeader{
		PageHeader: PageHeader{ObjectID: 0x8001, Flags: types.FlagsErased},
		Size:       1234,
		Type:       types.FileType,
		Name:       name,
	}
	h.Encode(p)

	requireT.Equal(h, DecodeIndexHeader(p))
	requireT.Equal("file.txt", h.NameString())
	requireT.EqualValues(types.FileType, p[PageHeaderSize+4])
}

func TestNameTooLong(t *testing.T) {
	requireT := require.New(t)

	_, ok := EncodeName("0123456789012345678901234567890")
	requireT.True(ok)
	_, ok = EncodeName("01234567890123456789012345678901")
	requireT.False(ok)
}

func TestIndexView(t *testing.T) {
	requireT := require.New(t)

	hdr := IndexView{B: make([]byte, 256)}
	hdr.SetPageHeader(PageHeader{ObjectID: 0x8001, Span: 0, Flags: types.FlagsErased})
	hdr.ResetEntries()
	requireT.Equal((256-IndexHeaderSize)/IndexEntrySize, hdr.Len())
	requireT.Equal(types.PageIndexFree, hdr.Entry(hdr.Len()-1))
	hdr.SetEntry(3, 77)
	requireT.EqualValues(77, hdr.Entry(3))
	requireT.EqualValues(77, hdr.B[EntryOffset(0, 3)])

	ix := IndexView{B: make([]byte, 256)}
	ix.SetPageHeader(PageHeader{ObjectID: 0x8001, Span: 2, Flags: types.FlagsErased})
	ix.ResetEntries()
	requireT.Equal((256-PageHeaderSize)/IndexEntrySize, ix.Len())
	ix.SetEntry(0, 5)
	requireT.EqualValues(5, ix.B[PageHeaderSize])
}

func TestMagic(t *testing.T) {
	assertT := assert.New(t)

	m0 := Magic(256, 65536, 32, 0)
	m1 := Magic(256, 65536, 32, 1)
	assertT.NotEqual(m0, m1)
	assertT.Equal(m0, Magic(256, 65536, 32, 0))
	assertT.NotEqual(m0, Magic(256, 32768, 64, 0))
	assertT.False(m0.IsFree())
	assertT.False(m0.IsDeleted())
}
