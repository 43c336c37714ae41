package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/outofforest/flashfs"
	"github.com/outofforest/flashfs/geometry"
	"github.com/outofforest/flashfs/persistence"
	"github.com/outofforest/flashfs/pkg/filedev"
)

func expectArgs(args []string, minArgs, maxArgs int) error {
	if len(args) < minArgs || (maxArgs >= 0 && len(args) > maxArgs) {
		return errors.Errorf("invalid number of arguments: %d", len(args))
	}
	return nil
}

func mkfsCommand(flags *pflag.FlagSet) handler {
	force := flags.Bool("force", false, "format even if the image contains filesystem")
	return func(o *options, args []string, stdout io.Writer) (err error) {
		if err := expectArgs(args, 0, 0); err != nil {
			return err
		}
		cfg, err := o.fsConfig()
		if err != nil {
			return err
		}
		if cfg.Geometry.BlockSize == 0 {
			cfg.Geometry.BlockSize = cfg.Geometry.PhysEraseSize
		}

		dev, err := filedev.Open(o.image, cfg.Geometry.PhysEraseSize)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if cfg.Geometry.PhysSize == 0 {
				return errors.New("size of the new image must be set")
			}
			dev, err = filedev.Create(o.image, cfg.Geometry.PhysAddr+cfg.Geometry.PhysSize,
				cfg.Geometry.PhysEraseSize)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		}
		defer func() {
			err = multierr.Append(err, dev.Close())
		}()

		if cfg.Geometry.PhysSize == 0 {
			cfg.Geometry.PhysSize = dev.Size() - cfg.Geometry.PhysAddr
		}
		geo, err := geometry.New(cfg.Geometry)
		if err != nil {
			return err
		}
		if err := persistence.Format(dev, geo, *force); err != nil {
			if errors.Is(err, persistence.ErrAlreadyFormatted) {
				return errors.Wrap(err, "use --force to overwrite it")
			}
			return err
		}
		if err := dev.Sync(); err != nil {
			return err
		}

		_, err = fmt.Fprintf(stdout, "formatted %d blocks of %d bytes, page size: %d, object pages per block: %d\n",
			geo.Blocks(), geo.BlockSize(), geo.PageSize(), geo.EntriesPerBlock())
		return errors.WithStack(err)
	}
}

func lsCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, stdout io.Writer) error {
		if err := expectArgs(args, 0, 0); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			files, err := fs.Files()
			if err != nil {
				return err
			}
			for _, f := range files {
				if _, err := fmt.Fprintf(stdout, "%-32s %10d  id:%-5d page:%d\n", f.Name, f.Size, f.ID, f.Page); err != nil {
					return errors.WithStack(err)
				}
			}
			return nil
		})
	}
}

func putCommand(flags *pflag.FlagSet) handler {
	direct := flags.Bool("direct", false, "write directly, bypassing the cache")
	return func(o *options, args []string, _ io.Writer) error {
		if err := expectArgs(args, 1, 2); err != nil {
			return err
		}
		name := filepath.Base(args[0])
		if len(args) == 2 {
			name = args[1]
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return errors.WithStack(err)
		}

		mode := flashfs.OpenCreate | flashfs.OpenTrunc | flashfs.OpenWriteOnly
		if *direct {
			mode |= flashfs.OpenDirect
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			file, err := fs.Open(name, mode)
			if err != nil {
				return err
			}
			if _, err := fs.Write(file, data); err != nil {
				return multierr.Append(err, fs.Close(file))
			}
			return fs.Close(file)
		})
	}
}

func getCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, stdout io.Writer) error {
		if err := expectArgs(args, 1, 2); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) (err error) {
			dst := stdout
			if len(args) == 2 {
				f, createErr := os.Create(args[1])
				if createErr != nil {
					return errors.WithStack(createErr)
				}
				defer func() {
					err = multierr.Append(err, errors.WithStack(f.Close()))
				}()
				dst = f
			}
			return copyFile(fs, args[0], dst)
		})
	}
}

func rmCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, _ io.Writer) error {
		if err := expectArgs(args, 1, -1); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			for _, name := range args {
				if err := fs.Remove(name); err != nil {
					return errors.Wrapf(err, "removing %q failed", name)
				}
			}
			return nil
		})
	}
}

func mvCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, _ io.Writer) error {
		if err := expectArgs(args, 2, 2); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			return fs.Rename(args[0], args[1])
		})
	}
}

func checkCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, stdout io.Writer) error {
		if err := expectArgs(args, 0, 0); err != nil {
			return err
		}

		var repairs int
		reporter := func(typ flashfs.CheckType, report flashfs.CheckReport, arg1, arg2 uint32) {
			if report == flashfs.ReportProgress {
				return
			}
			repairs++
			fmt.Fprintf(stdout, "%s: %s %d %d\n", typ, report, arg1, arg2)
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			if err := fs.Check(); err != nil {
				return err
			}
			_, err := fmt.Fprintf(stdout, "check finished, repairs: %d\n", repairs)
			return errors.WithStack(err)
		}, func(cfg *flashfs.Config) {
			cfg.CheckReporter = reporter
		})
	}
}

func visCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, stdout io.Writer) error {
		if err := expectArgs(args, 0, 0); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			return fs.Vis(stdout)
		})
	}
}

func infoCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, stdout io.Writer) error {
		if err := expectArgs(args, 0, 0); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			total, used, err := fs.Info()
			if err != nil {
				return err
			}
			geo := fs.Geometry()
			stats := fs.Stats()
			_, err = fmt.Fprintf(stdout,
				"total: %d\nused: %d\nblocks: %d\nblock size: %d\npage size: %d\nfree blocks: %d\n"+
					"allocated pages: %d\ndeleted pages: %d\nmax erase count: %d\n",
				total, used, geo.Blocks(), geo.BlockSize(), geo.PageSize(), stats.FreeBlocks,
				stats.AllocatedPages, stats.DeletedPages, stats.MaxEraseCount)
			return errors.WithStack(err)
		})
	}
}

func sumCommand(_ *pflag.FlagSet) handler {
	return func(o *options, args []string, stdout io.Writer) error {
		if err := expectArgs(args, 1, -1); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			for _, name := range args {
				digest, err := fileDigest(fs, name)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(stdout, "%s  %s\n", hex.EncodeToString(digest), name); err != nil {
					return errors.WithStack(err)
				}
			}
			return nil
		})
	}
}

func manifestCommand(flags *pflag.FlagSet) handler {
	output := flags.StringP("output", "o", "", "file to store manifest in, stdout is used if empty")
	verify := flags.String("verify", "", "manifest file to compare the filesystem with")
	return func(o *options, args []string, stdout io.Writer) error {
		if err := expectArgs(args, 0, 0); err != nil {
			return err
		}
		return withVolume(o, func(fs *flashfs.FS) error {
			m, err := buildManifest(fs)
			if err != nil {
				return err
			}

			if *verify != "" {
				raw, err := os.ReadFile(*verify)
				if err != nil {
					return errors.WithStack(err)
				}
				expected, err := decodeManifest(raw)
				if err != nil {
					return err
				}
				diffs := expected.diff(m)
				for _, d := range diffs {
					if _, err := fmt.Fprintln(stdout, d); err != nil {
						return errors.WithStack(err)
					}
				}
				if len(diffs) > 0 {
					return errors.Errorf("filesystem does not match manifest, differences: %d", len(diffs))
				}
				return nil
			}

			raw, err := m.encode()
			if err != nil {
				return err
			}
			if *output == "" {
				_, err = stdout.Write(raw)
				return errors.WithStack(err)
			}
			return errors.WithStack(os.WriteFile(*output, raw, 0o600))
		})
	}
}

// fileReader adapts opened file to io.Reader.
type fileReader struct {
	fs   *flashfs.FS
	file flashfs.File
}

func (r fileReader) Read(p []byte) (int, error) {
	n, err := r.fs.Read(r.file, p)
	if errors.Is(err, flashfs.ErrEndOfObject) {
		return n, io.EOF
	}
	return n, err
}

func copyFile(fs *flashfs.FS, name string, dst io.Writer) error {
	file, err := fs.Open(name, flashfs.OpenReadOnly)
	if err != nil {
		return errors.Wrapf(err, "opening %q failed", name)
	}
	_, err = io.Copy(dst, fileReader{fs: fs, file: file})
	return multierr.Append(errors.WithStack(err), fs.Close(file))
}
