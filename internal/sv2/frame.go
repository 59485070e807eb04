// Package sv2 implements the binary framing and primitive encodings used on the
// pool to mint link, plus the setup handshake messages.
//
// Frame layout: [extension_type u16 LE][msg_type u8][msg_length u24 LE][payload].
// Bit 15 of extension_type marks a channel message.
package sv2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed frame header length
	HeaderSize = 6
	// MaxPayloadSize is the largest payload a u24 length can describe
	MaxPayloadSize = 1<<24 - 1
	// MaxSetupPayloadSize bounds frames read before SetupConnection succeeds.
	// A SetupConnection payload is at most 265 bytes.
	MaxSetupPayloadSize = 1024
	// ChannelBit marks a channel message in the extension type field
	ChannelBit uint16 = 0x8000
)

// Extension types
const (
	ExtensionTypeCore      uint16 = 0x0000
	ExtensionTypeMintQuote uint16 = 0x0002
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize
	ErrPayloadTooLarge = errors.New("sv2: payload exceeds u24 length")
	// ErrFrameTooLarge is returned when a peer declares a payload above the read limit
	ErrFrameTooLarge = errors.New("sv2: declared frame length exceeds limit")
)

// Frame is a single decoded frame
type Frame struct {
	ExtensionType uint16
	MsgType       uint8
	Payload       []byte
}

// Extension returns the extension type with the channel bit cleared
func (f Frame) Extension() uint16 {
	return f.ExtensionType &^ ChannelBit
}

// IsChannelMessage reports whether the channel bit is set
func (f Frame) IsChannelMessage() bool {
	return f.ExtensionType&ChannelBit != 0
}

// Len returns the encoded frame size
func (f Frame) Len() int {
	return HeaderSize + len(f.Payload)
}

// Header is a decoded frame header
type Header struct {
	ExtensionType uint16
	MsgType       uint8
	Length        uint32
}

// PutHeader writes a frame header into buf, which must be at least HeaderSize long
func PutHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[0:2], h.ExtensionType)
	buf[2] = h.MsgType
	buf[3] = byte(h.Length)
	buf[4] = byte(h.Length >> 8)
	buf[5] = byte(h.Length >> 16)
}

// ParseHeader decodes a frame header from buf
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("sv2: short header: %d bytes", len(buf))
	}
	return Header{
		ExtensionType: binary.LittleEndian.Uint16(buf[0:2]),
		MsgType:       buf[2],
		Length:        uint32(buf[3]) | uint32(buf[4])<<8 | uint32(buf[5])<<16,
	}, nil
}

// EncodeFrame serialises f
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	PutHeader(buf, Header{
		ExtensionType: f.ExtensionType,
		MsgType:       f.MsgType,
		Length:        uint32(len(f.Payload)),
	})
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// DecodeFrame parses exactly one frame from buf
func DecodeFrame(buf []byte) (Frame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) != len(buf)-HeaderSize {
		return Frame{}, fmt.Errorf("sv2: length field %d does not match payload of %d bytes", h.Length, len(buf)-HeaderSize)
	}
	payload := make([]byte, h.Length)
	copy(payload, buf[HeaderSize:])
	return Frame{ExtensionType: h.ExtensionType, MsgType: h.MsgType, Payload: payload}, nil
}

// ReadFrame reads one frame from r
func ReadFrame(r io.Reader) (Frame, error) {
	return ReadFrameLimit(r, MaxPayloadSize)
}

// ReadFrameLimit reads one frame from r, rejecting declared lengths above
// maxPayload before reading the payload. The payload buffer grows with the
// bytes actually received, not with the declared length.
func ReadFrameLimit(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	h, _ := ParseHeader(hdr[:])
	if h.Length > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Length, maxPayload)
	}

	payload, err := io.ReadAll(io.LimitReader(r, int64(h.Length)))
	if err != nil {
		return Frame{}, fmt.Errorf("sv2: read payload: %w", err)
	}
	if uint32(len(payload)) != h.Length {
		return Frame{}, fmt.Errorf("sv2: read payload: %w", io.ErrUnexpectedEOF)
	}
	return Frame{ExtensionType: h.ExtensionType, MsgType: h.MsgType, Payload: payload}, nil
}

// WriteFrame writes f to w in a single call
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
