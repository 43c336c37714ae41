package flashfs

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/persistence"
	"github.com/outofforest/flashfs/types"
)

const (
	// eraseCountLimit is the value at which erase counter wraps to 0.
	eraseCountLimit = types.ObjectID(0x8000)

	// eraseCountWrap is the distance between stored erase counts above which the counter is assumed to be wrapped.
	eraseCountWrap = eraseCountLimit / 2
)

// FS is the filesystem stored on flash.
type FS struct {
	mu sync.Mutex

	cfg   Config
	log   *zap.Logger
	dev   persistence.Flash
	geo   geometry.Geometry
	store *persistence.Store
	cache *cache.Cache

	mounted bool
	errno   int

	lu      []byte
	work    []byte
	copyBuf []byte

	candidates []gcCandidate
	indexKeys  []indexKey

	freeBlocks    uint32
	allocated     uint32
	deleted       uint32
	maxEraseCount types.ObjectID

	cleaning bool
	victim   types.BlockIndex

	freeCursor   cursor
	searchCursor cursor

	fds     []fd
	freeFDs []uint16

	stats Stats
}

// Stats contains the counters of the filesystem.
type Stats struct {
	FreeBlocks     uint32
	AllocatedPages uint32
	DeletedPages   uint32
	MaxEraseCount  uint16
	GCRuns         uint64
	Erases         uint64
	Cache          cache.Stats
}

// New returns filesystem stored on the device. Filesystem must be mounted before use.
func New(dev persistence.Flash, cfg Config) (*FS, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	geo, err := geometry.New(cfg.Geometry)
	switch {
	case errors.Is(err, geometry.ErrMagicNotPossible):
		return nil, errors.Wrap(ErrMagicNotPossible, err.Error())
	case err != nil:
		return nil, errors.Wrap(ErrNotConfigured, err.Error())
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &FS{
		cfg:   cfg,
		log:   log,
		dev:   dev,
		geo:   geo,
		store: persistence.NewStore(dev, geo),
	}, nil
}

// Geometry returns the geometry of the filesystem.
func (fs *FS) Geometry() geometry.Geometry {
	return fs.geo
}

// Format erases the area and stores fresh metadata in each block. Filesystem must not be mounted.
func (fs *FS) Format() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.mounted {
		return fs.record(errors.WithStack(ErrMounted))
	}
	if err := persistence.Format(fs.dev, fs.geo, true); err != nil {
		return fs.record(err)
	}
	fs.log.Debug("Filesystem formatted",
		zap.Uint32("blocks", fs.geo.Blocks()),
		zap.Uint32("pageSize", fs.geo.PageSize()),
		zap.Uint32("blockSize", fs.geo.BlockSize()))
	return nil
}

// Mount verifies the metadata of blocks and scans lookup tables to build the statistics.
func (fs *FS) Mount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.record(fs.mount())
}

func (fs *FS) mount() error {
	if fs.mounted {
		return errors.WithStack(ErrMounted)
	}

	pageSize := fs.geo.PageSize()
	fs.lu = make([]byte, pageSize)
	fs.work = make([]byte, pageSize)
	fs.copyBuf = make([]byte, min(uint32(fs.cfg.CopyBufferSize), pageSize))
	fs.candidates = make([]gcCandidate, 0, min(fs.geo.Blocks(), (pageSize-8)/6))
	fs.indexKeys = make([]indexKey, 0, fs.geo.EntriesPerBlock())
	fs.cache = cache.New(fs.store, fs.cfg.CachePages)
	fs.cache.SetFlusher(fs.flushOwner)
	fs.fds = make([]fd, fs.cfg.FileDescriptors)
	fs.freeFDs = make([]uint16, 0, fs.cfg.FileDescriptors)
	for i := len(fs.fds) - 1; i >= 0; i-- {
		fs.freeFDs = append(fs.freeFDs, uint16(i))
	}
	fs.freeCursor = cursor{}
	fs.searchCursor = cursor{}
	fs.cleaning = false

	unerased, err := fs.verifyBlocks()
	if err != nil {
		return err
	}
	if unerased != nil {
		fs.log.Warn("Erasing block left by interrupted erase", zap.Uint16("block", uint16(*unerased)))
		if err := fs.eraseBlock(*unerased); err != nil {
			return err
		}
	}

	if err := fs.scan(); err != nil {
		return err
	}

	fs.mounted = true
	fs.log.Debug("Filesystem mounted",
		zap.Uint32("freeBlocks", fs.freeBlocks),
		zap.Uint32("allocated", fs.allocated),
		zap.Uint32("deleted", fs.deleted),
		zap.Uint16("maxEraseCount", uint16(fs.maxEraseCount)))
	return nil
}

// verifyBlocks checks magic of all the blocks and computes the next erase count.
// One block with invalid magic is accepted, it is the block whose erase was interrupted.
func (fs *FS) verifyBlocks() (*types.BlockIndex, error) {
	var unerased *types.BlockIndex
	var counts []types.ObjectID
	for bix := types.BlockIndex(0); uint32(bix) < fs.geo.Blocks(); bix++ {
		meta, err := fs.store.ReadBlockMeta(bix)
		if err != nil {
			return nil, err
		}
		if meta.Magic != fs.store.Magic(bix) {
			if unerased != nil {
				return nil, errors.Wrapf(ErrNotAFS, "blocks %d and %d have invalid magic", *unerased, bix)
			}
			b := bix
			unerased = &b
			continue
		}
		if meta.EraseCount < eraseCountLimit {
			counts = append(counts, meta.EraseCount)
		}
	}
	fs.maxEraseCount = nextEraseCount(counts)
	return unerased, nil
}

func nextEraseCount(counts []types.ObjectID) types.ObjectID {
	if len(counts) == 0 {
		return 0
	}
	minCount, maxCount := counts[0], counts[0]
	for _, c := range counts[1:] {
		if c < minCount {
			minCount = c
		}
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount-minCount > eraseCountWrap {
		// Counter wrapped, the most recent erases are the low values.
		maxCount = 0
		for _, c := range counts {
			if c < eraseCountWrap && c > maxCount {
				maxCount = c
			}
		}
	}
	return (maxCount + 1) % eraseCountLimit
}

// scan counts free blocks, allocated and deleted pages.
func (fs *FS) scan() error {
	fs.freeBlocks = 0
	fs.allocated = 0
	fs.deleted = 0

	_, err := fs.findEntry(cursor{}, visitNoWrap, 0,
		func(id types.ObjectID, _ types.BlockIndex, entry uint32) (visitResult, error) {
			switch {
			case id.IsFree():
				if entry == 0 {
					fs.freeBlocks++
				}
			case id.IsDeleted():
				fs.deleted++
			default:
				fs.allocated++
			}
			return visitContinue, nil
		})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Unmount flushes and closes all the open files.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return fs.record(errors.WithStack(ErrNotMounted))
	}

	var err error
	for i := range fs.fds {
		if fs.fds[i].inUse {
			err = multierr.Append(err, fs.flush(&fs.fds[i]))
			fs.releaseFD(&fs.fds[i])
		}
	}
	fs.mounted = false
	fs.cache = nil
	return fs.record(err)
}

// Mounted returns true if filesystem is mounted.
func (fs *FS) Mounted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.mounted
}

// Info returns the number of bytes available for files and the number of bytes used.
func (fs *FS) Info() (total, used uint32, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return 0, 0, fs.record(errors.WithStack(ErrNotMounted))
	}

	// Last page of the block kept free for GC is usable too.
	dataPageSize := fs.geo.DataPageSize()
	total = ((fs.geo.Blocks()-2)*fs.geo.EntriesPerBlock() + 1) * dataPageSize
	used = fs.allocated * dataPageSize
	return total, used, nil
}

// Stats returns the counters of the filesystem.
func (fs *FS) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s := fs.stats
	s.FreeBlocks = fs.freeBlocks
	s.AllocatedPages = fs.allocated
	s.DeletedPages = fs.deleted
	s.MaxEraseCount = uint16(fs.maxEraseCount)
	if fs.cache != nil {
		s.Cache = fs.cache.Stats()
	}
	return s
}

// Errno returns the code of the last error.
func (fs *FS) Errno() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.errno
}

// ClearErr resets the last error.
func (fs *FS) ClearErr() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.errno = 0
}

func (fs *FS) record(err error) error {
	if err != nil {
		fs.errno = Code(err)
	}
	return err
}

func (fs *FS) checkMounted() error {
	if !fs.mounted {
		return errors.WithStack(ErrNotMounted)
	}
	return nil
}
