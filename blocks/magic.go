package blocks

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/outofforest/flashfs/types"
)

// Magic computes the value stored in the lookup area of each formatted block.
// It depends on geometry and block index, so blocks of differently formatted volumes never match.
func Magic(pageSize, blockSize, blockCount uint32, bix types.BlockIndex) types.ObjectID {
	var b [14]byte
	binary.LittleEndian.PutUint32(b[0:], pageSize)
	binary.LittleEndian.PutUint32(b[4:], blockSize)
	binary.LittleEndian.PutUint32(b[8:], blockCount)
	binary.LittleEndian.PutUint16(b[12:], uint16(bix))

	h := xxhash.Sum64(b[:])
	m := types.ObjectID(h ^ h>>16 ^ h>>32 ^ h>>48)
	if m.IsFree() || m.IsDeleted() {
		m = 0x2014
	}
	return m
}
