package flashfs

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/flashfs/cache"
	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/types"
)

// FileOp is the change reported to FileCallback.
type FileOp uint8

// File operations.
const (
	FileCreated FileOp = iota + 1
	FileUpdated
	FileDeleted
)

func (op FileOp) String() string {
	switch op {
	case FileCreated:
		return "created"
	case FileUpdated:
		return "updated"
	case FileDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileCallback is called whenever the index header page of the file is created, moved or deleted.
type FileCallback func(op FileOp, id types.ObjectID, pix types.PageIndex)

// Config is the configuration of the filesystem.
type Config struct {
	Geometry geometry.Config `yaml:"geometry"`

	// FileDescriptors is the number of files which might be opened at the same time.
	FileDescriptors int `yaml:"fileDescriptors"`
	// CachePages is the number of pages in cache. Zero disables caching.
	CachePages int `yaml:"cachePages"`

	// GCMaxRuns limits the number of blocks cleaned by one garbage collection.
	GCMaxRuns int `yaml:"gcMaxRuns"`
	// GCWeightDeleted is the score of each deleted page in block.
	GCWeightDeleted int `yaml:"gcWeightDeleted"`
	// GCWeightUsed is the score of each used page in block.
	GCWeightUsed int `yaml:"gcWeightUsed"`
	// GCWeightEraseAge is the score of each erase the block is behind the most recently erased one.
	GCWeightEraseAge int `yaml:"gcWeightEraseAge"`

	// CopyBufferSize is the size of the chunk used when pages are copied physically.
	CopyBufferSize int `yaml:"copyBufferSize"`

	Logger        *zap.Logger   `yaml:"-"`
	FileCallback  FileCallback  `yaml:"-"`
	CheckReporter CheckReporter `yaml:"-"`
}

// DefaultConfig returns default configuration for the provided geometry.
func DefaultConfig(geo geometry.Config) Config {
	return Config{
		Geometry:         geo,
		FileDescriptors:  16,
		CachePages:       cache.DefaultPages,
		GCMaxRuns:        3,
		GCWeightDeleted:  10,
		GCWeightUsed:     -1,
		GCWeightEraseAge: 30,
		CopyBufferSize:   64,
	}
}

// LoadConfig reads configuration from YAML file. Missing options take default values.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WithStack(err)
	}

	cfg := DefaultConfig(geometry.Config{})
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "decoding config %q failed", path)
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch {
	case cfg.FileDescriptors <= 0:
		return errors.Wrapf(ErrNotConfigured, "invalid number of file descriptors: %d", cfg.FileDescriptors)
	case cfg.CachePages < 0:
		return errors.Wrapf(ErrNotConfigured, "invalid number of cache pages: %d", cfg.CachePages)
	case cfg.GCMaxRuns <= 0:
		return errors.Wrapf(ErrNotConfigured, "invalid number of gc runs: %d", cfg.GCMaxRuns)
	case cfg.CopyBufferSize <= 0:
		return errors.Wrapf(ErrNotConfigured, "invalid copy buffer size: %d", cfg.CopyBufferSize)
	}
	return nil
}
