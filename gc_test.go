package flashfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/types"
)

func TestGCQuick(t *testing.T) {
	requireT := require.New(t)

	fs, dev := newFS(t, 16)
	requireT.ErrorIs(fs.GCQuick(0), ErrNoDeletedBlocks)

	writeFile(t, fs, "file", randData(t, 30000), 5000)
	requireT.NoError(fs.Remove("file"))
	stats := fs.Stats()
	erases := dev.Erases(0)

	requireT.NoError(fs.GCQuick(0))
	requireT.Equal(erases+1, dev.Erases(0))

	after := fs.Stats()
	requireT.Equal(stats.FreeBlocks+1, after.FreeBlocks)
	requireT.Equal(stats.DeletedPages-fs.geo.EntriesPerBlock(), after.DeletedPages)
	requireT.Equal(stats.GCRuns+1, after.GCRuns)
	requireT.Equal(stats.Erases+1, after.Erases)
	requireT.Equal(stats.MaxEraseCount+1, after.MaxEraseCount)
}

func TestGCCollectsDeletedPages(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 16)
	data := randData(t, 1000)
	writeFile(t, fs, "keep", data, 1000)
	for i := 0; i < 3; i++ {
		writeFile(t, fs, "tmp", randData(t, 5000), 5000)
		requireT.NoError(fs.Remove("tmp"))
	}
	stats := fs.Stats()
	requireT.NotZero(stats.DeletedPages)

	// One page more than available.
	requireT.NoError(fs.GC(uint32(fs.freePages())*fs.geo.DataPageSize() + 1))
	after := fs.Stats()
	requireT.Greater(after.GCRuns, stats.GCRuns)
	requireT.Less(after.DeletedPages, stats.DeletedPages)
	requireT.Equal(stats.AllocatedPages, after.AllocatedPages)

	requireT.Equal(data, readFile(t, fs, "keep", 1000))
	checkClean(t, fs)

	requireT.ErrorIs(fs.GC(20*15*251), ErrFull)
}

func TestGCVictimSelection(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 16)
	writeFile(t, fs, "file", randData(t, 30000), 5000)
	requireT.NoError(fs.Remove("file"))

	candidates, err := fs.gcFindCandidates()
	requireT.NoError(err)
	requireT.NotEmpty(candidates)

	victim, ok, err := fs.gcSelectVictim(candidates)
	requireT.NoError(err)
	requireT.True(ok)

	// Block full of deleted pages is the best candidate.
	for entry := uint32(0); entry < fs.geo.EntriesPerBlock(); entry++ {
		id, err := fs.readSlot(victim, entry)
		requireT.NoError(err)
		requireT.Equal(types.ObjectIDDeleted, id)
	}
}

func TestEraseCountWrap(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(types.ObjectID(0), nextEraseCount(nil))
	requireT.Equal(types.ObjectID(6), nextEraseCount([]types.ObjectID{3, 5, 4}))
	requireT.Equal(types.ObjectID(3), nextEraseCount([]types.ObjectID{0x7ffe, 1, 2, 0x7fff}))
	requireT.Equal(types.ObjectID(0), nextEraseCount([]types.ObjectID{0x7fff}))
}

func TestGCScratchBuffersReused(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 16)
	for i := 0; i < 3; i++ {
		writeFile(t, fs, "tmp", randData(t, 5000), 5000)
		requireT.NoError(fs.Remove("tmp"))
	}

	candidates, err := fs.gcFindCandidates()
	requireT.NoError(err)
	requireT.NotEmpty(candidates)
	requireT.Same(&fs.candidates[:1][0], &candidates[0])

	again, err := fs.gcFindCandidates()
	requireT.NoError(err)
	requireT.Same(&candidates[0], &again[0])

	for _, c := range candidates {
		needed, _, err := fs.gcRequiredPages(c.block)
		requireT.NoError(err)
		requireT.GreaterOrEqual(needed, int64(0))
	}
	requireT.EqualValues(fs.cfg.CopyBufferSize, len(fs.copyBuf))
}
