// Package mintquote defines the mint-quote protocol extension: the request,
// response and error messages, their build/parse helpers and the conversion of
// ecash keysets to and from their fixed-layout wire form.
package mintquote

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ShareHashSize is the length of a share hash
const ShareHashSize = 32

// ErrInvalidShareHashLength is returned when a share hash is not 32 bytes
var ErrInvalidShareHashLength = errors.New("share hash must be 32 bytes")

// ShareHash identifies a share by its header hash in display order, so the
// proof-of-work leading zeros come first. It is the correlation key between
// quote requests and responses.
type ShareHash [ShareHashSize]byte

// ShareHashFromBytes copies a 32-byte slice into a ShareHash
func ShareHashFromBytes(b []byte) (ShareHash, error) {
	var h ShareHash
	if len(b) != ShareHashSize {
		return h, fmt.Errorf("%w: got %d", ErrInvalidShareHashLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ShareHashFromBlockHash converts a btcd hash, which is stored little-endian,
// into display order.
func ShareHashFromBlockHash(hash *chainhash.Hash) ShareHash {
	var h ShareHash
	for i := 0; i < ShareHashSize; i++ {
		h[i] = hash[ShareHashSize-1-i]
	}
	return h
}

// ShareHashFromHeader hashes a block header and returns its share hash
func ShareHashFromHeader(header *wire.BlockHeader) ShareHash {
	hash := header.BlockHash()
	return ShareHashFromBlockHash(&hash)
}

// ParseShareHash decodes a 64-character hex share hash
func ParseShareHash(s string) (ShareHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ShareHash{}, fmt.Errorf("invalid share hash: %w", err)
	}
	return ShareHashFromBytes(raw)
}

// U256 returns the wire container form
func (h ShareHash) U256() [32]byte {
	return h
}

// Bytes returns a copy of the hash bytes
func (h ShareHash) Bytes() []byte {
	return bytes.Clone(h[:])
}

// String returns the hex form
func (h ShareHash) String() string {
	return hex.EncodeToString(h[:])
}

// Compare orders hashes byte by byte
func (h ShareHash) Compare(other ShareHash) int {
	return bytes.Compare(h[:], other[:])
}
