package messaging

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/internal/sv2"
)

// AcceptedShareMessage is published by share acceptance for every accepted share.
// HeaderHash is hex in display order (leading zero bytes first).
type AcceptedShareMessage struct {
	ChannelID      uint32    `json:"channel_id"`
	SequenceNumber uint32    `json:"sequence_number"`
	HeaderHash     string    `json:"header_hash"`
	LockingPubkey  string    `json:"locking_pubkey"`
	AcceptedAt     time.Time `json:"accepted_at"`
}

// DecodeAcceptedShare parses an accepted-share event
func DecodeAcceptedShare(data []byte) (*AcceptedShareMessage, error) {
	var msg AcceptedShareMessage
	if err := jsoniter.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode accepted share: %w", err)
	}
	return &msg, nil
}

// Bytes returns the raw header hash and locking key. Length checks are left to
// the dispatcher so bad shares are counted there.
func (m *AcceptedShareMessage) Bytes() (headerHash, lockingPubkey []byte, err error) {
	headerHash, err = hex.DecodeString(m.HeaderHash)
	if err != nil {
		return nil, nil, fmt.Errorf("header_hash: %w", err)
	}
	lockingPubkey, err = hex.DecodeString(m.LockingPubkey)
	if err != nil {
		return nil, nil, fmt.Errorf("locking_pubkey: %w", err)
	}
	return headerHash, lockingPubkey, nil
}

// QuoteNotificationMessage asks the downstream connection service to deliver a
// MintQuoteNotification to a channel. Frame is the base64 SV2 frame, ready to
// be written to the miner's connection.
type QuoteNotificationMessage struct {
	ChannelID  uint32    `json:"channel_id"`
	QuoteID    string    `json:"quote_id"`
	Amount     uint64    `json:"amount"`
	Frame      string    `json:"frame"`
	NotifiedAt time.Time `json:"notified_at"`
}

// NewQuoteNotificationMessage builds the message for n
func NewQuoteNotificationMessage(channelID uint32, n *mintquote.MintQuoteNotification, at time.Time) (*QuoteNotificationMessage, error) {
	frame, err := mintquote.EncodeFrame(n)
	if err != nil {
		return nil, err
	}
	raw, err := sv2.EncodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return &QuoteNotificationMessage{
		ChannelID:  channelID,
		QuoteID:    n.QuoteID,
		Amount:     n.Amount,
		Frame:      base64.StdEncoding.EncodeToString(raw),
		NotifiedAt: at,
	}, nil
}

// DecodeFrame returns the embedded SV2 frame
func (m *QuoteNotificationMessage) DecodeFrame() (sv2.Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Frame)
	if err != nil {
		return sv2.Frame{}, fmt.Errorf("frame: %w", err)
	}
	return sv2.DecodeFrame(raw)
}

// MeteringEvent is one valued share, published for external metering
type MeteringEvent struct {
	ChannelID      uint32
	SequenceNumber uint32
	ShareHash      mintquote.ShareHash
	LeadingZeros   uint32
	Amount         uint64
	Dispatched     bool
	Timestamp      time.Time
}

// ToProto renders the event as a protobuf Struct. Amount is a decimal string
// because Struct numbers are float64 and amounts reach 2^63.
func (e *MeteringEvent) ToProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"channel_id":      float64(e.ChannelID),
		"sequence_number": float64(e.SequenceNumber),
		"share_hash":      e.ShareHash.String(),
		"leading_zeros":   float64(e.LeadingZeros),
		"amount":          strconv.FormatUint(e.Amount, 10),
		"dispatched":      e.Dispatched,
		"timestamp":       e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// MeteringEventFromProto is the inverse of ToProto
func MeteringEventFromProto(s *structpb.Struct) (*MeteringEvent, error) {
	f := s.GetFields()

	amount, err := strconv.ParseUint(f["amount"].GetStringValue(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	hash, err := mintquote.ParseShareHash(f["share_hash"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("share_hash: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return &MeteringEvent{
		ChannelID:      uint32(f["channel_id"].GetNumberValue()),
		SequenceNumber: uint32(f["sequence_number"].GetNumberValue()),
		ShareHash:      hash,
		LeadingZeros:   uint32(f["leading_zeros"].GetNumberValue()),
		Amount:         amount,
		Dispatched:     f["dispatched"].GetBoolValue(),
		Timestamp:      ts,
	}, nil
}
