package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/pkg/memdev"
)

func TestReadWrite(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize, eraseSize)
	s := NewStore(dev, testGeometry(t, eraseSize))

	requireT.NoError(s.Write(100, []byte{1, 2, 3}))
	p := make([]byte, 3)
	requireT.NoError(s.Read(100, p))
	requireT.Equal([]byte{1, 2, 3}, p)
}

func TestIOError(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize, eraseSize)
	s := NewStore(dev, testGeometry(t, eraseSize))

	dev.FailAfter(0)
	err := s.Write(100, []byte{1})
	var ioErr *IOError
	requireT.ErrorAs(err, &ioErr)
	requireT.Equal("write", ioErr.Op)
	requireT.EqualValues(100, ioErr.Addr)
	requireT.ErrorIs(err, memdev.ErrPowerLoss)

	requireT.ErrorIs(s.EraseBlock(1), memdev.ErrPowerLoss)
}

func TestEraseBlock(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize, eraseSize)
	geo := testGeometry(t, 4*eraseSize)
	s := NewStore(dev, geo)

	requireT.NoError(s.WriteBlockMeta(1, 7))
	meta, err := s.VerifyBlock(1)
	requireT.NoError(err)
	requireT.EqualValues(7, meta.EraseCount)

	requireT.NoError(s.EraseBlock(1))
	for i := uint32(0); i < 4; i++ {
		requireT.EqualValues(1, dev.Erases(geo.BlockAddr(1)+i*eraseSize))
	}
	requireT.EqualValues(0, dev.Erases(geo.BlockAddr(2)))

	meta, err = s.ReadBlockMeta(1)
	requireT.NoError(err)
	requireT.True(meta.Erased())
}
