package memdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	devSize   = 4 * 1024 // 4KiB
	eraseSize = 1024
)

func TestErased(t *testing.T) {
	requireT := require.New(t)

	dev := New(devSize, eraseSize)
	p := make([]byte, 16)
	requireT.NoError(dev.Read(100, p))
	for _, b := range p {
		requireT.EqualValues(0xff, b)
	}
}

func TestReadOutOfRange(t *testing.T) {
	assertT := assert.New(t)

	dev := New(devSize, eraseSize)

	assertT.NoError(dev.Read(devSize-1, make([]byte, 1)))
	assertT.Error(dev.Read(devSize-1, make([]byte, 2)))
	assertT.Error(dev.Read(devSize, make([]byte, 1)))
	assertT.NoError(dev.Read(devSize, nil))
}

func TestWriteClearsBits(t *testing.T) {
	requireT := require.New(t)

	dev := New(devSize, eraseSize)
	requireT.NoError(dev.Write(10, []byte{0xf0, 0x0f}))
	requireT.NoError(dev.Write(10, []byte{0x70, 0x0e}))

	p := make([]byte, 2)
	requireT.NoError(dev.Read(10, p))
	requireT.Equal([]byte{0x70, 0x0e}, p)

	// setting bits is forbidden and nothing is written
	requireT.Error(dev.Write(10, []byte{0x00, 0x0f}))
	requireT.NoError(dev.Read(10, p))
	requireT.Equal([]byte{0x70, 0x0e}, p)

	_, writes := dev.Stats()
	requireT.EqualValues(2, writes)
}

func TestErase(t *testing.T) {
	requireT := require.New(t)

	dev := New(devSize, eraseSize)
	requireT.NoError(dev.Write(eraseSize+5, []byte{0x00}))

	requireT.Error(dev.Erase(eraseSize+1, eraseSize))
	requireT.Error(dev.Erase(eraseSize, eraseSize-1))
	requireT.Error(dev.Erase(3*eraseSize, 2*eraseSize))

	requireT.NoError(dev.Erase(eraseSize, eraseSize))
	requireT.EqualValues(1, dev.Erases(eraseSize+5))
	requireT.EqualValues(0, dev.Erases(0))

	p := make([]byte, 1)
	requireT.NoError(dev.Read(eraseSize+5, p))
	requireT.EqualValues(0xff, p[0])
	requireT.NoError(dev.Write(eraseSize+5, []byte{0x00}))
}

func TestPowerLoss(t *testing.T) {
	requireT := require.New(t)

	dev := New(devSize, eraseSize)
	dev.FailAfter(2)
	requireT.NoError(dev.Write(0, []byte{0x01}))
	requireT.NoError(dev.Erase(0, eraseSize))
	requireT.ErrorIs(dev.Write(1, []byte{0x01}), ErrPowerLoss)
	requireT.ErrorIs(dev.Erase(0, eraseSize), ErrPowerLoss)

	dev.FailAfter(-1)
	requireT.NoError(dev.Write(1, []byte{0x01}))
}

func TestPoke(t *testing.T) {
	requireT := require.New(t)

	dev := New(devSize, eraseSize)
	requireT.NoError(dev.Write(0, []byte{0x00}))
	dev.Poke(0, []byte{0xff})

	p := make([]byte, 1)
	requireT.NoError(dev.Read(0, p))
	requireT.EqualValues(0xff, p[0])
}
