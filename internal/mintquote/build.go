package mintquote

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/internal/sv2"
)

// ErrInvalidUnit is returned when a request is not denominated in HASH
var ErrInvalidUnit = errors.New("invalid currency unit")

// InvalidLockingKeyLengthError reports a locking key that is not 33 bytes
type InvalidLockingKeyLengthError struct {
	ChannelID uint32
	Length    int
}

func (e *InvalidLockingKeyLengthError) Error() string {
	return fmt.Sprintf("channel %d: invalid locking key length %d, expected %d",
		e.ChannelID, e.Length, btcec.PubKeyBytesLenCompressed)
}

// LockingKeyParseError reports a 33-byte locking key that is not a curve point
type LockingKeyParseError struct {
	ChannelID uint32
	Err       error
}

func (e *LockingKeyParseError) Error() string {
	return fmt.Sprintf("channel %d: invalid locking key: %v", e.ChannelID, e.Err)
}

func (e *LockingKeyParseError) Unwrap() error {
	return e.Err
}

// ParseLockingKey validates a miner's compressed secp256k1 locking key
func ParseLockingKey(channelID uint32, key []byte) (*btcec.PublicKey, error) {
	if len(key) != btcec.PubKeyBytesLenCompressed {
		return nil, &InvalidLockingKeyLengthError{ChannelID: channelID, Length: len(key)}
	}
	pk, err := btcec.ParsePubKey(key)
	if err != nil {
		return nil, &LockingKeyParseError{ChannelID: channelID, Err: err}
	}
	return pk, nil
}

// ParsedMintQuoteRequest is a request together with its correlation key
type ParsedMintQuoteRequest struct {
	Request   *MintQuoteRequest
	ShareHash ShareHash
}

// BuildRequest assembles a HASH-denominated request for a share
func BuildRequest(amount uint64, headerHash []byte, lockingKey *btcec.PublicKey, description *string) (*ParsedMintQuoteRequest, error) {
	shareHash, err := ShareHashFromBytes(headerHash)
	if err != nil {
		return nil, fmt.Errorf("header hash: %w", err)
	}
	if lockingKey == nil {
		return nil, errors.New("locking key is required")
	}

	req := &MintQuoteRequest{
		Amount:      amount,
		Unit:        cashu.CurrencyUnitHash,
		HeaderHash:  shareHash,
		Description: description,
	}
	copy(req.LockingKey[:], lockingKey.SerializeCompressed())

	return ParseRequest(req)
}

// ParseRequest validates the string fields of a decoded request and derives
// its share hash.
func ParseRequest(req *MintQuoteRequest) (*ParsedMintQuoteRequest, error) {
	if !utf8.ValidString(req.Unit) || len(req.Unit) > sv2.MaxStr255 {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidUnit)
	}
	if req.Unit != cashu.CurrencyUnitHash {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUnit, req.Unit)
	}
	if req.Description != nil {
		if !utf8.ValidString(*req.Description) {
			return nil, fmt.Errorf("description: %w", sv2.ErrInvalidUTF8)
		}
		if len(*req.Description) > sv2.MaxStr255 {
			return nil, fmt.Errorf("description: %w", sv2.ErrStringTooLong)
		}
	}

	return &ParsedMintQuoteRequest{
		Request:   req,
		ShareHash: ShareHash(req.HeaderHash),
	}, nil
}

// ToDomain converts the request to the mint's domain type
func (p *ParsedMintQuoteRequest) ToDomain() (*cashu.MiningShareQuoteRequest, error) {
	pk, err := btcec.ParsePubKey(p.Request.LockingKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: locking key: %v", ErrInvalidPublicKey, err)
	}
	return &cashu.MiningShareQuoteRequest{
		Amount:      p.Request.Amount,
		Unit:        p.Request.Unit,
		HeaderHash:  p.ShareHash,
		Description: p.Request.Description,
		Pubkey:      pk,
	}, nil
}

// ResponseFromQuote builds the wire response for an issued quote
func ResponseFromQuote(quote *cashu.MintQuote, shareHash ShareHash) *MintQuoteResponse {
	return &MintQuoteResponse{QuoteID: quote.ID, HeaderHash: shareHash}
}
