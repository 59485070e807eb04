package mintquote

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bardlex/ehashpool/internal/sv2"
)

func TestMessages_FrameRoundTrip(t *testing.T) {
	desc := "channel 7 share"
	var hash [32]byte
	hash[0], hash[31] = 0x00, 0x42
	var key [sv2.PubkeySize]byte
	copy(key[:], testPrivKey(9).PubKey().SerializeCompressed())

	tests := []struct {
		name string
		msg  Message
	}{
		{"request", &MintQuoteRequest{Amount: 16, Unit: "HASH", HeaderHash: hash, Description: &desc, LockingKey: key}},
		{"request without description", &MintQuoteRequest{Amount: 1, Unit: "HASH", HeaderHash: hash, LockingKey: key}},
		{"response", &MintQuoteResponse{QuoteID: "q-123", HeaderHash: hash}},
		{"error", &MintQuoteError{ErrorCode: ErrorCodeGeneric, ErrorMessage: "mint offline"}},
		{"notification", &MintQuoteNotification{QuoteID: "q-123", Amount: 1 << 40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFrame(tt.msg)
			if err != nil {
				t.Fatalf("EncodeFrame() error = %v", err)
			}
			if frame.ExtensionType != sv2.ExtensionTypeMintQuote || frame.MsgType != tt.msg.MsgType() {
				t.Errorf("frame header ext=%#x type=%#x", frame.ExtensionType, frame.MsgType)
			}

			got, err := DecodeFrame(frame)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}

			switch want := tt.msg.(type) {
			case *MintQuoteRequest:
				g := got.(*MintQuoteRequest)
				if g.Amount != want.Amount || g.Unit != want.Unit || g.HeaderHash != want.HeaderHash || g.LockingKey != want.LockingKey {
					t.Errorf("request = %+v, want %+v", g, want)
				}
				if (g.Description == nil) != (want.Description == nil) ||
					(g.Description != nil && *g.Description != *want.Description) {
					t.Errorf("description = %v, want %v", g.Description, want.Description)
				}
			case *MintQuoteResponse:
				if *got.(*MintQuoteResponse) != *want {
					t.Errorf("response = %+v, want %+v", got, want)
				}
			case *MintQuoteError:
				if *got.(*MintQuoteError) != *want {
					t.Errorf("error = %+v, want %+v", got, want)
				}
			case *MintQuoteNotification:
				if *got.(*MintQuoteNotification) != *want {
					t.Errorf("notification = %+v, want %+v", got, want)
				}
			default:
				t.Fatalf("unexpected message %T", want)
			}
		})
	}
}

func TestMintQuoteError_MessageBounds(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{"empty", "", true},
		{"one byte", "x", false},
		{"max", strings.Repeat("x", 255), false},
		{"over max", strings.Repeat("x", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&MintQuoteError{ErrorCode: 1, ErrorMessage: tt.message}).Encode()
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidErrorMessage) {
				t.Errorf("Encode() error = %v, want ErrInvalidErrorMessage", err)
			}
		})
	}
}

func TestNewMintQuoteError_Truncates(t *testing.T) {
	long := strings.Repeat("é", 200) // 400 bytes
	m := NewMintQuoteError(ErrorCodeGeneric, long)
	if len(m.ErrorMessage) > 255 || !utf8.ValidString(m.ErrorMessage) {
		t.Errorf("truncated message is %d bytes, valid=%v", len(m.ErrorMessage), utf8.ValidString(m.ErrorMessage))
	}
	if _, err := m.Encode(); err != nil {
		t.Errorf("Encode() error = %v", err)
	}

	if NewMintQuoteError(ErrorCodeGeneric, "").ErrorMessage == "" {
		t.Error("empty text should be replaced")
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	if _, err := DecodeMessage(0x01, nil); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("DecodeMessage(0x01) = %v, want ErrUnknownMessageType", err)
	}
	if _, err := DecodeFrame(sv2.Frame{ExtensionType: sv2.ExtensionTypeCore, MsgType: MsgTypeMintQuoteRequest}); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("DecodeFrame(core extension) = %v, want ErrUnknownMessageType", err)
	}
	if _, err := DecodeMessage(MsgTypeMintQuoteRequest, []byte{1, 2, 3}); !errors.Is(err, sv2.ErrShortBuffer) {
		t.Errorf("DecodeMessage(truncated) = %v, want ErrShortBuffer", err)
	}
	if _, err := DecodeMessage(MsgTypeMintQuoteError, []byte{1, 0, 0, 0, 0}); !errors.Is(err, ErrInvalidErrorMessage) {
		t.Errorf("DecodeMessage(empty error text) = %v, want ErrInvalidErrorMessage", err)
	}
}

func TestIsMintQuoteMsgType(t *testing.T) {
	for _, mt := range []uint8{0x80, 0x81, 0x82, 0x83} {
		if !IsMintQuoteMsgType(mt) {
			t.Errorf("IsMintQuoteMsgType(%#x) = false", mt)
		}
	}
	for _, mt := range []uint8{sv2.MsgTypeSetupConnection, sv2.MsgTypeSetupConnectionSuccess, 0x7f, 0x84} {
		if IsMintQuoteMsgType(mt) {
			t.Errorf("IsMintQuoteMsgType(%#x) = true", mt)
		}
	}
}
