package flashfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/blocks"
	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/persistence"
	"github.com/outofforest/flashfs/pkg/memdev"
	"github.com/outofforest/flashfs/types"
)

func TestLoadConfig(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "flashfs.yaml")
	requireT.NoError(os.WriteFile(path, []byte(`
geometry:
  physSize: 65536
  physEraseSize: 4096
  blockSize: 4096
  pageSize: 256
fileDescriptors: 4
gcWeightEraseAge: 5
`), 0o600))

	cfg, err := LoadConfig(path)
	requireT.NoError(err)
	requireT.EqualValues(65536, cfg.Geometry.PhysSize)
	requireT.EqualValues(256, cfg.Geometry.PageSize)
	requireT.Equal(4, cfg.FileDescriptors)
	requireT.Equal(5, cfg.GCWeightEraseAge)

	defaults := DefaultConfig(cfg.Geometry)
	requireT.Equal(defaults.GCMaxRuns, cfg.GCMaxRuns)
	requireT.Equal(defaults.CachePages, cfg.CachePages)
	requireT.Equal(defaults.GCWeightDeleted, cfg.GCWeightDeleted)

	_, err = New(nil, cfg)
	requireT.NoError(err)
}

func TestLoadConfigErrors(t *testing.T) {
	requireT := require.New(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	requireT.ErrorIs(err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "flashfs.yaml")
	requireT.NoError(os.WriteFile(path, []byte("fileDescriptors: [\n"), 0o600))
	_, err = LoadConfig(path)
	requireT.Error(err)
}

func TestInvalidConfig(t *testing.T) {
	requireT := require.New(t)

	cfg := testConfig(16)
	cfg.FileDescriptors = 0
	_, err := New(nil, cfg)
	requireT.ErrorIs(err, ErrNotConfigured)

	cfg = testConfig(16)
	cfg.CopyBufferSize = 0
	_, err = New(nil, cfg)
	requireT.ErrorIs(err, ErrNotConfigured)

	cfg = testConfig(16)
	cfg.Geometry.PageSize = 100
	_, err = New(nil, cfg)
	requireT.ErrorIs(err, ErrNotConfigured)
}

func TestErrorCodes(t *testing.T) {
	requireT := require.New(t)

	requireT.Zero(Code(nil))
	requireT.Equal(-10001, Code(ErrFull))
	requireT.Equal(ErrNotFound.Code, Code(errors.Wrap(ErrNotFound, "file")))
	requireT.Equal(ErrIO.Code, Code(errors.WithStack(&persistence.IOError{
		Op:  persistence.OpWrite,
		Err: errors.New("broken"),
	})))
	requireT.Equal(ErrEraseFail.Code, Code(errors.WithStack(&persistence.IOError{
		Op:  persistence.OpErase,
		Err: errors.New("broken"),
	})))
	requireT.Equal(ErrNotAFS.Code, Code(errors.WithStack(persistence.ErrNotFormatted)))
	requireT.Equal(ErrProbeNotAFS.Code, Code(errors.WithStack(persistence.ErrProbeNotAFS)))
	requireT.Equal(ErrProbeTooFewBlocks.Code, Code(errors.Wrap(persistence.ErrProbeTooFewBlocks, "area")))
	requireT.Equal(ErrMagicNotPossible.Code, Code(errors.Wrap(geometry.ErrMagicNotPossible, "slots")))
	requireT.Equal(ErrInternal.Code, Code(errors.New("unknown")))

	codes := map[int]struct{}{}
	for _, e := range allErrors {
		_, exists := codes[e.Code]
		requireT.False(exists, "duplicated code %d", e.Code)
		codes[e.Code] = struct{}{}

		found, ok := ErrorByCode(e.Code)
		requireT.True(ok)
		requireT.Same(e, found)
	}
	_, ok := ErrorByCode(1)
	requireT.False(ok)

	requireT.Equal("filesystem is full (-10001)", ErrFull.Error())
	requireT.Equal("capacity", ErrFull.Kind.String())
}

func TestLifecycle(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 8)
	requireT.True(fs.Mounted())
	requireT.ErrorIs(fs.Mount(), ErrMounted)
	requireT.ErrorIs(fs.Format(), ErrMounted)
	requireT.NoError(fs.Unmount())

	_, err := fs.Open("file", OpenCreate|OpenReadWrite)
	requireT.ErrorIs(err, ErrNotMounted)
	requireT.Equal(ErrNotMounted.Code, fs.Errno())

	requireT.NoError(fs.Mount())
	files, err := fs.Files()
	requireT.NoError(err)
	requireT.Empty(files)
}

func TestMountUnformatted(t *testing.T) {
	requireT := require.New(t)

	fs, dev := newFS(t, 8)
	requireT.NoError(fs.Unmount())

	// Magic of two blocks broken.
	breakMagic(fs, dev, 1)
	breakMagic(fs, dev, 2)
	requireT.ErrorIs(fs.Mount(), ErrNotAFS)
	requireT.Equal(ErrNotAFS.Code, fs.Errno())
}

func TestMountInterruptedErase(t *testing.T) {
	requireT := require.New(t)

	fs, dev := newFS(t, 8)
	writeFile(t, fs, "file", randData(t, 100), 100)
	requireT.NoError(fs.Unmount())

	breakMagic(fs, dev, 7)
	requireT.NoError(fs.Mount())
	// Once by format, once by mount.
	requireT.Equal(uint32(2), dev.Erases(7*blockSize))
	requireT.EqualValues(7, fs.Stats().FreeBlocks)

	st, err := fs.Stat("file")
	requireT.NoError(err)
	requireT.NoError(fs.CheckObject(st.ID))
}

func breakMagic(fs *FS, dev *memdev.MemDev, bix types.BlockIndex) {
	magic := blocks.EncodeLookupSlot(^fs.store.Magic(bix))
	dev.Poke(fs.geo.MagicAddr(bix), magic[:])
}
