package sv2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Primitive sizes
const (
	U256Size   = 32
	PubkeySize = 33
	MaxStr255  = 255
)

var (
	// ErrShortBuffer is returned when a payload ends before a field does
	ErrShortBuffer = errors.New("sv2: unexpected end of payload")
	// ErrStringTooLong is returned for STR0_255 values over 255 bytes
	ErrStringTooLong = errors.New("sv2: string longer than 255 bytes")
	// ErrInvalidUTF8 is returned for STR0_255 values that are not valid UTF-8
	ErrInvalidUTF8 = errors.New("sv2: string is not valid utf-8")
	// ErrInvalidOption is returned for OPTION flags other than 0 or 1
	ErrInvalidOption = errors.New("sv2: invalid option flag")
	// ErrTrailingBytes is returned when a payload has bytes after the last field
	ErrTrailingBytes = errors.New("sv2: trailing bytes after message")
)

// Encoder appends little-endian primitives to a byte slice
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with the given initial capacity
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded payload
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// U8 appends a byte
func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

// Bool appends a bool as a single byte
func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
		return
	}
	e.U8(0)
}

// U16 appends a little-endian u16
func (e *Encoder) U16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// U32 appends a little-endian u32
func (e *Encoder) U32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// U64 appends a little-endian u64
func (e *Encoder) U64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// U256 appends 32 raw bytes
func (e *Encoder) U256(v [32]byte) {
	e.buf = append(e.buf, v[:]...)
}

// Pubkey appends a 33-byte compressed public key
func (e *Encoder) Pubkey(v [PubkeySize]byte) {
	e.buf = append(e.buf, v[:]...)
}

// Str0255 appends a length-prefixed string of at most 255 bytes
func (e *Encoder) Str0255(s string) error {
	if len(s) > MaxStr255 {
		return ErrStringTooLong
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	e.U8(uint8(len(s)))
	e.buf = append(e.buf, s...)
	return nil
}

// OptionStr0255 appends an OPTION[STR0_255]
func (e *Encoder) OptionStr0255(s *string) error {
	if s == nil {
		e.U8(0)
		return nil
	}
	e.U8(1)
	return e.Str0255(*s)
}

// Decoder reads little-endian primitives from a payload
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a decoder over payload
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

// Remaining returns the number of unread bytes
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

// Finish fails if unread bytes remain
func (d *Decoder) Finish() error {
	if d.Remaining() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, d.Remaining())
	}
	return nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

// U8 reads a byte
func (d *Decoder) U8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a single-byte bool; any nonzero value is true
func (d *Decoder) Bool() (bool, error) {
	v, err := d.U8()
	return v != 0, err
}

// U16 reads a little-endian u16
func (d *Decoder) U16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian u32
func (d *Decoder) U32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian u64
func (d *Decoder) U64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// U256 reads 32 raw bytes
func (d *Decoder) U256() ([32]byte, error) {
	var v [32]byte
	b, err := d.take(U256Size)
	if err != nil {
		return v, err
	}
	copy(v[:], b)
	return v, nil
}

// Pubkey reads a 33-byte compressed public key
func (d *Decoder) Pubkey() ([PubkeySize]byte, error) {
	var v [PubkeySize]byte
	b, err := d.take(PubkeySize)
	if err != nil {
		return v, err
	}
	copy(v[:], b)
	return v, nil
}

// Str0255 reads a length-prefixed UTF-8 string
func (d *Decoder) Str0255() (string, error) {
	n, err := d.U8()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// OptionStr0255 reads an OPTION[STR0_255]
func (d *Decoder) OptionStr0255() (*string, error) {
	flag, err := d.U8()
	if err != nil {
		return nil, err
	}
	switch flag {
	case 0:
		return nil, nil
	case 1:
		s, err := d.Str0255()
		if err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOption, flag)
	}
}
