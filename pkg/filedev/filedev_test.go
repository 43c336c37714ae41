package filedev

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	devSize   = 8 * 1024 // 8KiB
	eraseSize = 4096
)

func TestFileDev(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "flash.img")
	dev, err := Create(path, devSize, eraseSize)
	requireT.NoError(err)
	requireT.EqualValues(devSize, dev.Size())

	p := make([]byte, 4)
	requireT.NoError(dev.Read(4090, p))
	requireT.Equal([]byte{0xff, 0xff, 0xff, 0xff}, p)

	requireT.NoError(dev.Write(4094, []byte{0x0f, 0xf0, 0x33}))
	requireT.NoError(dev.Write(4094, []byte{0xff, 0x30, 0xff}))
	requireT.NoError(dev.Read(4094, p[:3]))
	requireT.Equal([]byte{0x0f, 0x30, 0x33}, p[:3])

	requireT.Error(dev.Write(devSize-1, []byte{0, 0}))
	requireT.Error(dev.Erase(1, eraseSize))

	requireT.NoError(dev.Erase(0, eraseSize))
	requireT.NoError(dev.Read(4094, p[:3]))
	requireT.Equal([]byte{0xff, 0xff, 0x33}, p[:3])

	requireT.NoError(dev.Sync())
	requireT.NoError(dev.Close())

	dev, err = Open(path, eraseSize)
	requireT.NoError(err)
	requireT.NoError(dev.Read(4096, p[:1]))
	requireT.EqualValues(0x33, p[0])
	requireT.NoError(dev.Close())
}
