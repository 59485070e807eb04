package mintapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/pkg/errors"
)

const keysPath = "/v1/keys"

type keysetResponse struct {
	ID   string            `json:"id"`
	Unit string            `json:"unit"`
	Keys map[string]string `json:"keys"`
}

type keysResponse struct {
	Keysets []keysetResponse `json:"keysets"`
}

// Keysets reads the mint's active keysets
func (c *Client) Keysets(ctx context.Context) ([]*cashu.Keyset, error) {
	var resp keysResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+keysPath, nil, &resp); err != nil {
		if errors.Is(err, ErrQuoteNotFound) {
			return nil, errors.New(errors.ErrorTypeMint, "keysets", "mint does not serve "+keysPath)
		}
		return nil, err
	}

	keysets := make([]*cashu.Keyset, 0, len(resp.Keysets))
	for _, r := range resp.Keysets {
		ks, err := r.toDomain()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMint, "keysets", "malformed keyset").
				WithContext("keyset_id", r.ID)
		}
		keysets = append(keysets, ks)
	}
	return keysets, nil
}

func (r *keysetResponse) toDomain() (*cashu.Keyset, error) {
	id, err := cashu.ParseKeysetID(r.ID)
	if err != nil {
		return nil, err
	}

	keys := make(map[uint64]*btcec.PublicKey, len(r.Keys))
	for amountStr, keyHex := range r.Keys {
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amountStr, err)
		}
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("amount %d: invalid key hex: %w", amount, err)
		}
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("amount %d: %w", amount, err)
		}
		keys[amount] = pk
	}

	return &cashu.Keyset{ID: id, Unit: r.Unit, Keys: keys}, nil
}
