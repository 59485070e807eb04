package mintconn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/internal/sv2"
)

// mockIssuer issues sequential quote ids or fails with err
type mockIssuer struct {
	mu       sync.Mutex
	err      error
	requests []*cashu.MiningShareQuoteRequest
	next     int
}

func (m *mockIssuer) IssueQuote(_ context.Context, req *cashu.MiningShareQuoteRequest) (*cashu.MintQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	m.next++
	return &cashu.MintQuote{
		ID:     fmt.Sprintf("quote-%d", m.next),
		Amount: req.Amount,
		State:  cashu.QuoteStateUnpaid,
	}, nil
}

func (m *mockIssuer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// mockSender records frames
type mockSender struct {
	mu     sync.Mutex
	frames []sv2.Frame
	err    error
}

func (m *mockSender) Send(f sv2.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *mockSender) sent() []sv2.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sv2.Frame(nil), m.frames...)
}

var errMintDown = errors.New("mint database unavailable")

func testLockingKey() []byte {
	var scalar [32]byte
	scalar[31] = 7
	priv, _ := btcec.PrivKeyFromBytes(scalar[:])
	return priv.PubKey().SerializeCompressed()
}
