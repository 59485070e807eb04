// Package cashu holds the ecash domain types the quote pipeline exchanges with
// the mint: keysets, mining-share quote requests and mint quotes.
package cashu

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// CurrencyUnitHash is the unit every mining-share quote is denominated in
const CurrencyUnitHash = "HASH"

// KeysetSize is the number of denominations in a keyset (2^0 .. 2^63)
const KeysetSize = 64

// KeysetIDVersion00 prefixes current keyset identifiers
const KeysetIDVersion00 byte = 0x00

// KeysetID identifies a mint keyset. Current identifiers are a version byte
// followed by a 7-byte hash; legacy identifiers may be shorter.
type KeysetID []byte

// ParseKeysetID decodes a hex keyset identifier
func ParseKeysetID(s string) (KeysetID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid keyset id %q: %w", s, err)
	}
	if len(raw) == 0 || len(raw) > 8 {
		return nil, fmt.Errorf("invalid keyset id %q: length %d", s, len(raw))
	}
	return KeysetID(raw), nil
}

// String returns the hex form of the identifier
func (id KeysetID) String() string {
	return hex.EncodeToString(id)
}

// Equal reports whether two identifiers are byte-identical
func (id KeysetID) Equal(other KeysetID) bool {
	return slices.Equal(id, other)
}

// Keyset maps each denomination to the mint's public key for it
type Keyset struct {
	ID   KeysetID
	Unit string
	Keys map[uint64]*btcec.PublicKey
}

// Amounts returns the keyset denominations in ascending order
func (k *Keyset) Amounts() []uint64 {
	amounts := make([]uint64, 0, len(k.Keys))
	for amount := range k.Keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)
	return amounts
}

// MiningShareQuoteRequest asks the mint to issue a quote for a mining share
type MiningShareQuoteRequest struct {
	Amount      uint64
	Unit        string
	HeaderHash  [32]byte
	Description *string
	Pubkey      *btcec.PublicKey
}

// QuoteState is the lifecycle state of a mint quote
type QuoteState string

// Quote states reported by the mint
const (
	QuoteStateUnpaid  QuoteState = "UNPAID"
	QuoteStatePaid    QuoteState = "PAID"
	QuoteStateIssued  QuoteState = "ISSUED"
	QuoteStateUnknown QuoteState = "UNKNOWN"
)

// ParseQuoteState normalises a state string, ignoring case
func ParseQuoteState(s string) QuoteState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(QuoteStateUnpaid):
		return QuoteStateUnpaid
	case string(QuoteStatePaid):
		return QuoteStatePaid
	case string(QuoteStateIssued):
		return QuoteStateIssued
	default:
		return QuoteStateUnknown
	}
}

// MintQuote is the mint's record of an issued quote
type MintQuote struct {
	ID           string
	Amount       uint64
	AmountIssued uint64
	State        QuoteState
	Expiry       int64
}
