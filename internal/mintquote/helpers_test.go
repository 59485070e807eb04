package mintquote

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bardlex/ehashpool/internal/cashu"
)

func testPrivKey(seed byte) *btcec.PrivateKey {
	var scalar [32]byte
	scalar[31] = seed
	scalar[0] = 0x01
	priv, _ := btcec.PrivKeyFromBytes(scalar[:])
	return priv
}

func testKeyset(t *testing.T) *cashu.Keyset {
	t.Helper()
	id, err := cashu.ParseKeysetID("009a1f293253e41e")
	if err != nil {
		t.Fatalf("ParseKeysetID: %v", err)
	}
	keys := make(map[uint64]*btcec.PublicKey, cashu.KeysetSize)
	for i := 0; i < cashu.KeysetSize; i++ {
		keys[uint64(1)<<i] = testPrivKey(byte(i + 1)).PubKey()
	}
	return &cashu.Keyset{ID: id, Unit: cashu.CurrencyUnitHash, Keys: keys}
}
