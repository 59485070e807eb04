package mintquote

import (
	"encoding/binary"

	"github.com/bardlex/ehashpool/internal/cashu"
)

// KeysetIDToUint64 packs the first 8 bytes of id big-endian, zero padding on
// the right. Identifiers shorter than 8 bytes do not survive the trip back
// through KeysetIDFromUint64: the padding is indistinguishable from data.
func KeysetIDToUint64(id cashu.KeysetID) uint64 {
	var buf [8]byte
	copy(buf[:], id)
	return binary.BigEndian.Uint64(buf[:])
}

// KeysetIDFromUint64 always yields an 8-byte identifier
func KeysetIDFromUint64(v uint64) cashu.KeysetID {
	id := make(cashu.KeysetID, 8)
	binary.BigEndian.PutUint64(id, v)
	return id
}
