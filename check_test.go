package flashfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/types"
)

type checkEvent struct {
	typ    CheckType
	report CheckReport
}

func runCheck(t *testing.T, fs *FS) []checkEvent {
	var events []checkEvent
	fs.cfg.CheckReporter = func(typ CheckType, report CheckReport, _, _ uint32) {
		if report != ReportProgress {
			events = append(events, checkEvent{typ: typ, report: report})
		}
	}
	defer func() {
		fs.cfg.CheckReporter = nil
	}()

	require.NoError(t, fs.Check())
	return events
}

func TestCheckProgress(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 8)
	var progress []uint32
	fs.cfg.CheckReporter = func(typ CheckType, report CheckReport, arg1, arg2 uint32) {
		requireT.Equal(ReportProgress, report)
		requireT.EqualValues(8, arg2)
		if typ == CheckLookup {
			progress = append(progress, arg1)
		}
	}
	requireT.NoError(fs.Check())
	requireT.Equal([]uint32{0, 1, 2, 3, 4, 5, 6, 7, 8}, progress)
}

func TestCheckDanglingPage(t *testing.T) {
	requireT := require.New(t)

	fs, dev := newFS(t, 8)
	writeFile(t, fs, "file", randData(t, 1000), 1000)
	deleted := fs.Stats().DeletedPages

	// Page header written without its lookup slot.

	pix := fs.geo.EntryPage(types.BlockIndex(fs.geo.Blocks()-1), fs.geo.EntriesPerBlock()-1)
	var h [blocks.PageHeaderSize]byte
	blocks.PageHeader{
		ObjectID: 5,
		Span:     0,
		Flags:    types.FlagsErased.Clear(types.FlagUsed),
	}.Encode(h[:])
	dev.Poke(fs.geo.PageAddr(pix), h[:])
	fs.cache.Clear()

	events := runCheck(t, fs)
	requireT.Equal([]checkEvent{
		{typ: CheckLookup, report: ReportError},
		{typ: CheckLookup, report: ReportDeletePage},
	}, events)
	requireT.Equal(deleted+1, fs.Stats().DeletedPages)

	requireT.Empty(runCheck(t, fs))
}

func TestCheckInterruptedRemove(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 16)
	writeFile(t, fs, "file", randData(t, 30000), 1000)
	writeFile(t, fs, "other", randData(t, 100), 100)
	st, err := fs.Stat("file")
	requireT.NoError(err)

	f := &fd{owner: -1}
	requireT.NoError(fs.openByPage(f, st.Page, OpenReadWrite))
	requireT.NoError(fs.markRemoved(f))

	// Index page of the second span might be found before the header, then it is deleted as orphaned.
	events := runCheck(t, fs)
	requireT.Contains(events, checkEvent{typ: CheckIndex, report: ReportDeleteBadFile})
	for _, e := range events {
		requireT.Equal(CheckIndex, e.typ)
		requireT.Contains([]CheckReport{ReportDeleteBadFile, ReportDeleteOrphanedIndex}, e.report)
	}

	files, err := fs.Files()
	requireT.NoError(err)
	requireT.Len(files, 1)
	requireT.Equal("other", files[0].Name)

	st, err = fs.Stat("other")
	requireT.NoError(err)
	requireT.EqualValues(2, fs.Stats().AllocatedPages)
	requireT.NoError(fs.CheckObject(st.ID))
}

func TestCheckOrphanedIndex(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 16)
	writeFile(t, fs, "file", randData(t, 30000), 5000)
	st, err := fs.Stat("file")
	requireT.NoError(err)

	// Header deleted before the rest of the object.
	requireT.NoError(fs.deletePage(st.Page))

	events := runCheck(t, fs)
	requireT.NotEmpty(events)
	requireT.Equal(checkEvent{typ: CheckIndex, report: ReportDeleteOrphanedIndex}, events[0])
	for _, e := range events[1:] {
		requireT.Equal(checkEvent{typ: CheckPage, report: ReportDeletePage}, e)
	}
	requireT.Zero(fs.Stats().AllocatedPages)
	requireT.Empty(runCheck(t, fs))
}

func TestCheckFixesIndexEntry(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 16)
	data := randData(t, 1000)
	writeFile(t, fs, "file", data, 1000)
	st, err := fs.Stat("file")
	requireT.NoError(err)

	// Data page moved without updating the index.

	requireT.NoError(fs.cache.Read(cache.KindIndex, fs.geo.PageAddr(st.Page), fs.work))
	dataPix := blocks.IndexView{B: fs.work}.Entry(1)
	hdr, err := fs.readPageHeader(cache.KindData, dataPix)
	requireT.NoError(err)
	requireT.EqualValues(1, hdr.Span)
	_, err = fs.movePage(dataPix, nil, hdr)
	requireT.NoError(err)

	requireT.ErrorIs(fs.CheckObject(st.ID), ErrDeleted)

	events := runCheck(t, fs)
	requireT.Equal([]checkEvent{{typ: CheckPage, report: ReportFixIndex}}, events)

	requireT.NoError(fs.CheckObject(st.ID))
	requireT.Equal(data, readFile(t, fs, "file", 1000))
	requireT.Empty(runCheck(t, fs))
}

func TestCheckRestoresLostReference(t *testing.T) {
	requireT := require.New(t)

	fs, dev := newFS(t, 16)
	data := randData(t, 1000)
	writeFile(t, fs, "file", data, 1000)
	st, err := fs.Stat("file")
	requireT.NoError(err)

	dev.Poke(fs.geo.PageAddr(st.Page)+uint32(blocks.EntryOffset(0, 2)), []byte{0xff, 0xff})
	fs.cache.Clear()
	requireT.ErrorIs(fs.CheckObject(st.ID), ErrIndexRefFree)

	events := runCheck(t, fs)
	requireT.Equal([]checkEvent{{typ: CheckPage, report: ReportFixIndex}}, events)
	requireT.Equal(data, readFile(t, fs, "file", 1000))
}

func TestCheckDeletesBrokenObject(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 16)
	writeFile(t, fs, "file", randData(t, 1000), 1000)
	writeFile(t, fs, "other", randData(t, 1000), 1000)
	st, err := fs.Stat("file")
	requireT.NoError(err)

	// Data page lost.

	requireT.NoError(fs.cache.Read(cache.KindIndex, fs.geo.PageAddr(st.Page), fs.work))
	requireT.NoError(fs.deletePage(blocks.IndexView{B: fs.work}.Entry(2)))

	events := runCheck(t, fs)
	requireT.Equal([]checkEvent{{typ: CheckPage, report: ReportDeleteBadFile}}, events)

	_, err = fs.Stat("file")
	requireT.ErrorIs(err, ErrNotFound)
	requireT.Equal(readFile(t, fs, "other", 1000), readFile(t, fs, "other", 7))
	requireT.EqualValues(5, fs.Stats().AllocatedPages)
}

func TestCheckStrings(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("lookup", CheckLookup.String())
	requireT.Equal("index", CheckIndex.String())
	requireT.Equal("page", CheckPage.String())
	requireT.Equal("fix-index", ReportFixIndex.String())
	requireT.Equal("delete-bad-file", ReportDeleteBadFile.String())
}
