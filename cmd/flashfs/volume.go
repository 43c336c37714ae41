package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/flashfs"
	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/persistence"
	"github.com/outofforest/flashfs/pkg/filedev"
)

// probeBlockSizes are tried when block size is not configured.
var probeBlockSizes = []uint32{4096, 8192, 16384, 32768, 65536}

// options are the flags shared by all the commands.
type options struct {
	flags *pflag.FlagSet

	image   string
	config  string
	verbose bool
	geo     geometry.Config
}

func (o *options) addFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.image, "image", "i", "flash.img", "path to the flash image")
	flags.StringVarP(&o.config, "config", "c", "", "YAML file with filesystem configuration")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log filesystem internals")
	flags.Uint32Var(&o.geo.PhysSize, "size", 0, "size of the filesystem area, the whole image if zero")
	flags.Uint32Var(&o.geo.PhysAddr, "addr", 0, "address of the filesystem area inside the image")
	flags.Uint32Var(&o.geo.PhysEraseSize, "erase-size", 4096, "size of the erase unit")
	flags.Uint32Var(&o.geo.BlockSize, "block-size", 0, "size of the logical block, probed if zero")
	flags.Uint32Var(&o.geo.PageSize, "page-size", 256, "size of the logical page")
}

// fsConfig merges configuration file with the flags set explicitly.
func (o *options) fsConfig() (flashfs.Config, error) {
	if o.config == "" {
		return flashfs.DefaultConfig(o.geo), nil
	}

	cfg, err := flashfs.LoadConfig(o.config)
	if err != nil {
		return flashfs.Config{}, err
	}
	for name, dst := range map[string]*uint32{
		"size":       &cfg.Geometry.PhysSize,
		"addr":       &cfg.Geometry.PhysAddr,
		"erase-size": &cfg.Geometry.PhysEraseSize,
		"block-size": &cfg.Geometry.BlockSize,
		"page-size":  &cfg.Geometry.PageSize,
	} {
		if o.flags.Changed(name) {
			*dst, _ = o.flags.GetUint32(name)
		}
	}
	if cfg.Geometry.PhysEraseSize == 0 {
		cfg.Geometry.PhysEraseSize = o.geo.PhysEraseSize
	}
	if cfg.Geometry.PageSize == 0 {
		cfg.Geometry.PageSize = o.geo.PageSize
	}
	return cfg, nil
}

func (o *options) logger() (*zap.Logger, error) {
	if !o.verbose {
		return zap.NewNop(), nil
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return log, nil
}

// volume is the mounted filesystem stored in the image.
type volume struct {
	dev *filedev.FileDev
	fs  *flashfs.FS
}

func openVolume(o *options, opts ...func(cfg *flashfs.Config)) (*volume, error) {
	cfg, err := o.fsConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Logger, err = o.logger(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dev, err := filedev.Open(o.image, cfg.Geometry.PhysEraseSize)
	if err != nil {
		return nil, err
	}
	v, err := mountVolume(dev, cfg)
	if err != nil {
		return nil, multierr.Append(err, dev.Close())
	}
	return v, nil
}

func mountVolume(dev *filedev.FileDev, cfg flashfs.Config) (*volume, error) {
	if cfg.Geometry.PhysSize == 0 {
		cfg.Geometry.PhysSize = dev.Size() - cfg.Geometry.PhysAddr
	}
	if cfg.Geometry.BlockSize == 0 {
		geo, err := persistence.Probe(dev, cfg.Geometry, probeBlockSizes)
		if err != nil {
			return nil, errors.Wrapf(err, "probing block size failed")
		}
		cfg.Geometry = geo.Config()
	}

	fs, err := flashfs.New(dev, cfg)
	if err != nil {
		return nil, err
	}
	if err := fs.Mount(); err != nil {
		return nil, err
	}
	return &volume{dev: dev, fs: fs}, nil
}

// Close unmounts the filesystem and closes the image.
func (v *volume) Close() error {
	return multierr.Combine(v.fs.Unmount(), v.dev.Sync(), v.dev.Close())
}

// withVolume runs fn on the mounted volume and closes it afterwards.
func withVolume(o *options, fn func(fs *flashfs.FS) error, opts ...func(cfg *flashfs.Config)) (err error) {
	v, err := openVolume(o, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, v.Close())
	}()
	return fn(v.fs)
}
