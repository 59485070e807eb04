package mintquote

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bardlex/ehashpool/internal/cashu"
)

const (
	// SigningKeySize is amount u64 + parity u8 + x-coordinate u256
	SigningKeySize = 8 + 1 + 32
	// SigningKeysBlobSize is the size of the 64-entry key list
	SigningKeysBlobSize = cashu.KeysetSize * SigningKeySize
	// KeysetBlobSize adds the keyset id in front of the key list
	KeysetBlobSize = 8 + SigningKeysBlobSize
)

var (
	// ErrInvalidKeyCount is returned when a keyset does not hold exactly 64 keys
	ErrInvalidKeyCount = errors.New("keyset must contain exactly 64 keys")
	// ErrInvalidPublicKey is returned when a key is not a valid curve point
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// SigningKey is one keyset entry in wire form. The compressed key prefix is
// carried as Parity (true for 0x03).
type SigningKey struct {
	Amount uint64
	Parity bool
	XOnly  [32]byte
}

// PublicKey rebuilds the compressed key and parses it
func (k SigningKey) PublicKey() (*btcec.PublicKey, error) {
	var compressed [btcec.PubKeyBytesLenCompressed]byte
	compressed[0] = 0x02
	if k.Parity {
		compressed[0] = 0x03
	}
	copy(compressed[1:], k.XOnly[:])

	pk, err := btcec.ParsePubKey(compressed[:])
	if err != nil {
		return nil, fmt.Errorf("%w: amount %d: %v", ErrInvalidPublicKey, k.Amount, err)
	}
	return pk, nil
}

// SigningKeyFromPublicKey splits a public key into parity and x-coordinate
func SigningKeyFromPublicKey(amount uint64, pk *btcec.PublicKey) SigningKey {
	compressed := pk.SerializeCompressed()
	k := SigningKey{Amount: amount, Parity: compressed[0] == 0x03}
	copy(k.XOnly[:], compressed[1:])
	return k
}

// WireKeyset is a keyset in wire form, keys ordered by ascending amount
type WireKeyset struct {
	ID   uint64
	Keys [cashu.KeysetSize]SigningKey
}

// KeysetToWire converts a domain keyset. The keyset must hold exactly 64 keys.
func KeysetToWire(ks *cashu.Keyset) (*WireKeyset, error) {
	if len(ks.Keys) != cashu.KeysetSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyCount, len(ks.Keys))
	}

	w := &WireKeyset{ID: KeysetIDToUint64(ks.ID)}
	for i, amount := range ks.Amounts() {
		pk := ks.Keys[amount]
		if pk == nil {
			return nil, fmt.Errorf("%w: amount %d has no key", ErrInvalidPublicKey, amount)
		}
		w.Keys[i] = SigningKeyFromPublicKey(amount, pk)
	}
	return w, nil
}

// KeysetFromWire converts a wire keyset back to its domain form. Duplicate
// amounts collapse and are reported as a key count error.
func KeysetFromWire(w *WireKeyset, unit string) (*cashu.Keyset, error) {
	keys := make(map[uint64]*btcec.PublicKey, cashu.KeysetSize)
	for _, k := range w.Keys {
		pk, err := k.PublicKey()
		if err != nil {
			return nil, err
		}
		keys[k.Amount] = pk
	}
	if len(keys) != cashu.KeysetSize {
		return nil, fmt.Errorf("%w: got %d distinct amounts", ErrInvalidKeyCount, len(keys))
	}

	return &cashu.Keyset{
		ID:   KeysetIDFromUint64(w.ID),
		Unit: unit,
		Keys: keys,
	}, nil
}

// EncodeSigningKeys serialises the 64-entry key list
func EncodeSigningKeys(keys *[cashu.KeysetSize]SigningKey) []byte {
	buf := make([]byte, 0, SigningKeysBlobSize)
	for _, k := range keys {
		buf = binary.LittleEndian.AppendUint64(buf, k.Amount)
		if k.Parity {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, k.XOnly[:]...)
	}
	return buf
}

// DecodeSigningKeys parses a key list blob, which must be exactly 64*41 bytes
func DecodeSigningKeys(b []byte) (*[cashu.KeysetSize]SigningKey, error) {
	if len(b) != SigningKeysBlobSize {
		return nil, fmt.Errorf("%w: blob is %d bytes, want %d", ErrInvalidKeyCount, len(b), SigningKeysBlobSize)
	}

	var keys [cashu.KeysetSize]SigningKey
	for i := range keys {
		entry := b[i*SigningKeySize : (i+1)*SigningKeySize]
		keys[i].Amount = binary.LittleEndian.Uint64(entry[0:8])
		keys[i].Parity = entry[8] != 0
		copy(keys[i].XOnly[:], entry[9:])
	}
	return &keys, nil
}

// EncodeKeyset serialises a wire keyset as keyset_id followed by the key list
func EncodeKeyset(w *WireKeyset) []byte {
	buf := make([]byte, 0, KeysetBlobSize)
	buf = binary.LittleEndian.AppendUint64(buf, w.ID)
	return append(buf, EncodeSigningKeys(&w.Keys)...)
}

// DecodeKeyset parses a keyset blob
func DecodeKeyset(b []byte) (*WireKeyset, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: blob is %d bytes", ErrInvalidKeyCount, len(b))
	}
	keys, err := DecodeSigningKeys(b[8:])
	if err != nil {
		return nil, err
	}
	return &WireKeyset{ID: binary.LittleEndian.Uint64(b[:8]), Keys: *keys}, nil
}
