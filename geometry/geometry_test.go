package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/types"
)

func TestGeometryLarge(t *testing.T) {
	requireT := require.New(t)

	g, err := New(Config{
		PhysSize:      2 * 1024 * 1024,
		PhysEraseSize: 65536,
		BlockSize:     65536,
		PageSize:      256,
	})
	requireT.NoError(err)

	requireT.EqualValues(32, g.Blocks())
	requireT.EqualValues(256, g.PagesPerBlock())
	requireT.EqualValues(2, g.LookupPages())
	requireT.EqualValues(254, g.EntriesPerBlock())
	requireT.EqualValues(251, g.DataPageSize())
	requireT.EqualValues(107, g.HeaderIndexLen())
	requireT.EqualValues(125, g.IndexLen())
}

func TestGeometrySmall(t *testing.T) {
	requireT := require.New(t)

	g, err := New(Config{
		PhysSize:      20 * 4096,
		PhysAddr:      4096,
		PhysEraseSize: 4096,
		BlockSize:     4096,
		PageSize:      256,
	})
	requireT.NoError(err)

	requireT.EqualValues(20, g.Blocks())
	requireT.EqualValues(16, g.PagesPerBlock())
	requireT.EqualValues(1, g.LookupPages())
	requireT.EqualValues(15, g.EntriesPerBlock())

	requireT.EqualValues(types.PageIndex(33), g.EntryPage(2, 0))
	requireT.EqualValues(0, g.PageEntry(33))
	requireT.EqualValues(2, g.PageBlock(33))
	requireT.True(g.IsLookupPage(32))
	requireT.False(g.IsValidPage(32))
	requireT.True(g.IsValidPage(33))
	requireT.False(g.IsValidPage(types.PageIndex(20 * 16)))

	requireT.EqualValues(4096+33*256, g.PageAddr(33))
	requireT.EqualValues(33, g.AddrPage(4096+33*256+17))
	requireT.EqualValues(4096+2*4096, g.BlockAddr(2))
	requireT.EqualValues(4096+2*4096+6, g.EntryAddr(2, 3))
	requireT.EqualValues(4096+2*4096+254, g.MagicAddr(2))
	requireT.EqualValues(4096+2*4096+252, g.EraseCountAddr(2))
}

func TestIndexSpans(t *testing.T) {
	assertT := assert.New(t)

	g, err := New(Config{
		PhysSize:      20 * 4096,
		PhysEraseSize: 4096,
		BlockSize:     4096,
		PageSize:      256,
	})
	require.NoError(t, err)

	assertT.EqualValues(0, g.IndexSpan(0))
	assertT.EqualValues(0, g.IndexSpan(106))
	assertT.EqualValues(106, g.IndexEntry(106))
	assertT.EqualValues(1, g.IndexSpan(107))
	assertT.EqualValues(0, g.IndexEntry(107))
	assertT.EqualValues(1, g.IndexSpan(231))
	assertT.EqualValues(124, g.IndexEntry(231))
	assertT.EqualValues(2, g.IndexSpan(232))
	assertT.EqualValues(0, g.IndexEntry(232))

	assertT.EqualValues(107, g.FirstDataSpan(1))
	assertT.EqualValues(231, g.LastDataSpan(1))
	assertT.EqualValues(106, g.LastDataSpan(0))
}

func TestInvalidConfig(t *testing.T) {
	requireT := require.New(t)

	_, err := New(Config{PhysSize: 2 * 4096, PhysEraseSize: 4096, BlockSize: 4096, PageSize: 256})
	requireT.Error(err)

	_, err = New(Config{PhysSize: 20 * 4096, PhysEraseSize: 4096, BlockSize: 4096, PageSize: 300})
	requireT.Error(err)

	_, err = New(Config{PhysSize: 20 * 4096, PhysEraseSize: 8192, BlockSize: 4096, PageSize: 256})
	requireT.Error(err)

	_, err = New(Config{PhysSize: 20 * 4096, PhysAddr: 100, PhysEraseSize: 4096, BlockSize: 4096, PageSize: 256})
	requireT.Error(err)
}

func TestEntriesPerBlock(t *testing.T) {
	requireT := require.New(t)

	entries, err := entriesPerBlock(15, 16)
	requireT.NoError(err)
	requireT.EqualValues(14, entries)

	entries, err = entriesPerBlock(10, 16)
	requireT.NoError(err)
	requireT.EqualValues(10, entries)

	_, err = entriesPerBlock(15, 3)
	requireT.ErrorIs(err, ErrMagicNotPossible)

	_, err = entriesPerBlock(1, 16)
	requireT.Error(err)
	requireT.NotErrorIs(err, ErrMagicNotPossible)
}
