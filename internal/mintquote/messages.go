package mintquote

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bardlex/ehashpool/internal/sv2"
)

// Mint-quote extension message types. They sit in the high range so they can
// never collide with the core setup messages.
const (
	MsgTypeMintQuoteRequest      uint8 = 0x80
	MsgTypeMintQuoteResponse     uint8 = 0x81
	MsgTypeMintQuoteError        uint8 = 0x82
	MsgTypeMintQuoteNotification uint8 = 0x83
)

// Error codes carried in MintQuoteError
const (
	ErrorCodeGeneric        uint32 = 0x01
	ErrorCodeInvalidRequest uint32 = 0x02
)

var (
	// ErrUnknownMessageType is returned for frames outside the mint-quote range
	ErrUnknownMessageType = errors.New("unknown mint quote message type")
	// ErrInvalidErrorMessage is returned when an error message is empty or over 255 bytes
	ErrInvalidErrorMessage = errors.New("error message must be 1-255 bytes")
)

// Message is the closed set of mint-quote messages
type Message interface {
	MsgType() uint8
	Encode() ([]byte, error)
	isMessage()
}

// IsMintQuoteMsgType reports whether t belongs to the mint-quote range
func IsMintQuoteMsgType(t uint8) bool {
	return t >= MsgTypeMintQuoteRequest && t <= MsgTypeMintQuoteNotification
}

// MintQuoteRequest asks the mint for a quote on a share
type MintQuoteRequest struct {
	Amount      uint64
	Unit        string
	HeaderHash  [32]byte
	Description *string
	LockingKey  [sv2.PubkeySize]byte
}

// MsgType implements Message
func (*MintQuoteRequest) MsgType() uint8 { return MsgTypeMintQuoteRequest }
func (*MintQuoteRequest) isMessage()     {}

// Encode implements Message
func (m *MintQuoteRequest) Encode() ([]byte, error) {
	enc := sv2.NewEncoder(8 + 1 + len(m.Unit) + 32 + 2 + sv2.PubkeySize)
	enc.U64(m.Amount)
	if err := enc.Str0255(m.Unit); err != nil {
		return nil, fmt.Errorf("unit: %w", err)
	}
	enc.U256(m.HeaderHash)
	if err := enc.OptionStr0255(m.Description); err != nil {
		return nil, fmt.Errorf("description: %w", err)
	}
	enc.Pubkey(m.LockingKey)
	return enc.Bytes(), nil
}

func decodeMintQuoteRequest(payload []byte) (*MintQuoteRequest, error) {
	d := sv2.NewDecoder(payload)
	m := &MintQuoteRequest{}
	var err error
	if m.Amount, err = d.U64(); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	if m.Unit, err = d.Str0255(); err != nil {
		return nil, fmt.Errorf("unit: %w", err)
	}
	if m.HeaderHash, err = d.U256(); err != nil {
		return nil, fmt.Errorf("header_hash: %w", err)
	}
	if m.Description, err = d.OptionStr0255(); err != nil {
		return nil, fmt.Errorf("description: %w", err)
	}
	if m.LockingKey, err = d.Pubkey(); err != nil {
		return nil, fmt.Errorf("locking_key: %w", err)
	}
	return m, d.Finish()
}

// MintQuoteResponse carries the issued quote id and echoes the header hash so
// the pool can correlate it without extra state.
type MintQuoteResponse struct {
	QuoteID    string
	HeaderHash [32]byte
}

// MsgType implements Message
func (*MintQuoteResponse) MsgType() uint8 { return MsgTypeMintQuoteResponse }
func (*MintQuoteResponse) isMessage()     {}

// Encode implements Message
func (m *MintQuoteResponse) Encode() ([]byte, error) {
	enc := sv2.NewEncoder(1 + len(m.QuoteID) + 32)
	if err := enc.Str0255(m.QuoteID); err != nil {
		return nil, fmt.Errorf("quote_id: %w", err)
	}
	enc.U256(m.HeaderHash)
	return enc.Bytes(), nil
}

// ShareHash returns the correlation key
func (m *MintQuoteResponse) ShareHash() ShareHash {
	return ShareHash(m.HeaderHash)
}

func decodeMintQuoteResponse(payload []byte) (*MintQuoteResponse, error) {
	d := sv2.NewDecoder(payload)
	m := &MintQuoteResponse{}
	var err error
	if m.QuoteID, err = d.Str0255(); err != nil {
		return nil, fmt.Errorf("quote_id: %w", err)
	}
	if m.HeaderHash, err = d.U256(); err != nil {
		return nil, fmt.Errorf("header_hash: %w", err)
	}
	return m, d.Finish()
}

// MintQuoteError reports a failed issuance
type MintQuoteError struct {
	ErrorCode    uint32
	ErrorMessage string
}

// NewMintQuoteError builds an error message from arbitrary text, truncating at
// a rune boundary to fit 255 bytes.
func NewMintQuoteError(code uint32, text string) *MintQuoteError {
	text = strings.ToValidUTF8(text, "?")
	if len(text) > sv2.MaxStr255 {
		cut := sv2.MaxStr255
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if text == "" {
		text = "unknown error"
	}
	return &MintQuoteError{ErrorCode: code, ErrorMessage: text}
}

// MsgType implements Message
func (*MintQuoteError) MsgType() uint8 { return MsgTypeMintQuoteError }
func (*MintQuoteError) isMessage()     {}

// Encode implements Message
func (m *MintQuoteError) Encode() ([]byte, error) {
	if len(m.ErrorMessage) == 0 || len(m.ErrorMessage) > sv2.MaxStr255 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidErrorMessage, len(m.ErrorMessage))
	}
	enc := sv2.NewEncoder(4 + 1 + len(m.ErrorMessage))
	enc.U32(m.ErrorCode)
	if err := enc.Str0255(m.ErrorMessage); err != nil {
		return nil, fmt.Errorf("error_message: %w", err)
	}
	return enc.Bytes(), nil
}

// Error lets a MintQuoteError travel as a Go error
func (m *MintQuoteError) Error() string {
	return fmt.Sprintf("mint quote error %d: %s", m.ErrorCode, m.ErrorMessage)
}

func decodeMintQuoteError(payload []byte) (*MintQuoteError, error) {
	d := sv2.NewDecoder(payload)
	m := &MintQuoteError{}
	var err error
	if m.ErrorCode, err = d.U32(); err != nil {
		return nil, fmt.Errorf("error_code: %w", err)
	}
	if m.ErrorMessage, err = d.Str0255(); err != nil {
		return nil, fmt.Errorf("error_message: %w", err)
	}
	if m.ErrorMessage == "" {
		return nil, ErrInvalidErrorMessage
	}
	return m, d.Finish()
}

// MintQuoteNotification tells a downstream miner that a quote is payable
type MintQuoteNotification struct {
	QuoteID string
	Amount  uint64
}

// MsgType implements Message
func (*MintQuoteNotification) MsgType() uint8 { return MsgTypeMintQuoteNotification }
func (*MintQuoteNotification) isMessage()     {}

// Encode implements Message
func (m *MintQuoteNotification) Encode() ([]byte, error) {
	enc := sv2.NewEncoder(1 + len(m.QuoteID) + 8)
	if err := enc.Str0255(m.QuoteID); err != nil {
		return nil, fmt.Errorf("quote_id: %w", err)
	}
	enc.U64(m.Amount)
	return enc.Bytes(), nil
}

func decodeMintQuoteNotification(payload []byte) (*MintQuoteNotification, error) {
	d := sv2.NewDecoder(payload)
	m := &MintQuoteNotification{}
	var err error
	if m.QuoteID, err = d.Str0255(); err != nil {
		return nil, fmt.Errorf("quote_id: %w", err)
	}
	if m.Amount, err = d.U64(); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return m, d.Finish()
}

// DecodeMessage decodes the payload of a mint-quote frame
func DecodeMessage(msgType uint8, payload []byte) (Message, error) {
	switch msgType {
	case MsgTypeMintQuoteRequest:
		return decodeMintQuoteRequest(payload)
	case MsgTypeMintQuoteResponse:
		return decodeMintQuoteResponse(payload)
	case MsgTypeMintQuoteError:
		return decodeMintQuoteError(payload)
	case MsgTypeMintQuoteNotification:
		return decodeMintQuoteNotification(payload)
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownMessageType, msgType)
	}
}

// DecodeFrame decodes a frame carrying a mint-quote message
func DecodeFrame(f sv2.Frame) (Message, error) {
	if f.Extension() != sv2.ExtensionTypeMintQuote {
		return nil, fmt.Errorf("%w: extension %#x", ErrUnknownMessageType, f.Extension())
	}
	return DecodeMessage(f.MsgType, f.Payload)
}

// EncodeFrame wraps m in a mint-quote extension frame
func EncodeFrame(m Message) (sv2.Frame, error) {
	payload, err := m.Encode()
	if err != nil {
		return sv2.Frame{}, err
	}
	return sv2.Frame{
		ExtensionType: sv2.ExtensionTypeMintQuote,
		MsgType:       m.MsgType(),
		Payload:       payload,
	}, nil
}
