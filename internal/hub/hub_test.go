package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/pkg/log"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestHub(bufferSize int) (*Hub, *testClock) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	h := New(log.Nop(), bufferSize)
	h.now = clock.Now
	return h, clock
}

func testRequest(seed byte) *mintquote.ParsedMintQuoteRequest {
	var hash [32]byte
	hash[31] = seed
	req := &mintquote.MintQuoteRequest{Amount: uint64(seed), Unit: "HASH", HeaderHash: hash}
	return &mintquote.ParsedMintQuoteRequest{Request: req, ShareHash: mintquote.ShareHash(hash)}
}

func TestHub_RequestResponseCorrelation(t *testing.T) {
	h, _ := newTestHub(8)
	reqSub := h.SubscribeRequests()
	respSub := h.SubscribeResponses()
	defer reqSub.Close()
	defer respSub.Close()

	before := h.PendingCount()
	req := testRequest(1)
	qctx := PendingQuoteContext{ChannelID: 42, SequenceNumber: 7, Amount: 16}

	if err := h.SendQuoteRequest(req, qctx); err != nil {
		t.Fatalf("SendQuoteRequest() error = %v", err)
	}
	if got, err := reqSub.RecvTimeout(time.Second); err != nil || got != req {
		t.Fatalf("request subscriber got %v, %v", got, err)
	}
	if h.PendingCount() != before+1 {
		t.Fatalf("pending = %d, want %d", h.PendingCount(), before+1)
	}

	resp := &mintquote.MintQuoteResponse{QuoteID: "q1", HeaderHash: req.ShareHash}
	event, err := h.SendQuoteResponse(resp)
	if err != nil {
		t.Fatalf("SendQuoteResponse() error = %v", err)
	}
	if event.Context == nil || *event.Context != qctx {
		t.Fatalf("event context = %v, want %+v", event.Context, qctx)
	}
	if h.PendingCount() != before {
		t.Errorf("pending = %d, want %d after response", h.PendingCount(), before)
	}

	published, err := respSub.RecvTimeout(time.Second)
	if err != nil || published != event {
		t.Errorf("response subscriber got %v, %v", published, err)
	}

	// a second response for the same hash finds nothing
	again, _ := h.SendQuoteResponse(resp)
	if again.Context != nil {
		t.Error("pending entry must be consumed at most once")
	}
}

func TestHub_ResponseMiss(t *testing.T) {
	h, _ := newTestHub(8)
	sub := h.SubscribeResponses()
	defer sub.Close()

	resp := &mintquote.MintQuoteResponse{QuoteID: "orphan", HeaderHash: [32]byte{9}}
	event, err := h.SendQuoteResponse(resp)
	if err != nil {
		t.Fatalf("SendQuoteResponse() error = %v", err)
	}
	if event.Context != nil {
		t.Errorf("event context = %+v, want nil", event.Context)
	}
	if event.ShareHash != mintquote.ShareHash(resp.HeaderHash) {
		t.Errorf("event share hash = %s", event.ShareHash)
	}
}

func TestHub_LastWriteWins(t *testing.T) {
	h, _ := newTestHub(8)
	req := testRequest(3)

	_ = h.SendQuoteRequest(req, PendingQuoteContext{ChannelID: 1})
	_ = h.SendQuoteRequest(req, PendingQuoteContext{ChannelID: 2})

	if h.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", h.PendingCount())
	}
	qctx, ok := h.PendingContext(req.ShareHash)
	if !ok || qctx.ChannelID != 2 {
		t.Errorf("PendingContext() = %+v, %v; want channel 2", qctx, ok)
	}
}

func TestHub_NoReceivers(t *testing.T) {
	h, _ := newTestHub(8)

	err := h.SendQuoteRequest(testRequest(4), PendingQuoteContext{ChannelID: 1})
	if !errors.Is(err, ErrNoReceivers) {
		t.Errorf("SendQuoteRequest() = %v, want ErrNoReceivers", err)
	}
	if h.PendingCount() != 1 {
		t.Error("pending entry should survive a publish with no receivers")
	}

	if err := h.SendQuoteError(mintquote.NewMintQuoteError(1, "boom")); !errors.Is(err, ErrNoReceivers) {
		t.Errorf("SendQuoteError() = %v, want ErrNoReceivers", err)
	}

	event, err := h.SendQuoteResponse(&mintquote.MintQuoteResponse{QuoteID: "q", HeaderHash: testRequest(4).ShareHash})
	if !errors.Is(err, ErrNoReceivers) || event == nil || event.Context == nil {
		t.Errorf("SendQuoteResponse() = %+v, %v; want event with context and ErrNoReceivers", event, err)
	}
}

func TestHub_ErrorsTopic(t *testing.T) {
	h, _ := newTestHub(8)
	sub := h.SubscribeErrors()
	defer sub.Close()

	_ = h.SendQuoteRequest(testRequest(5), PendingQuoteContext{})
	if err := h.SendQuoteError(mintquote.NewMintQuoteError(mintquote.ErrorCodeGeneric, "mint offline")); err != nil {
		t.Fatalf("SendQuoteError() error = %v", err)
	}

	got, err := sub.RecvTimeout(time.Second)
	if err != nil || got.ErrorMessage != "mint offline" {
		t.Errorf("error subscriber got %v, %v", got, err)
	}
	if h.PendingCount() != 1 {
		t.Error("errors must not purge pending entries")
	}
}

func TestHub_Stats(t *testing.T) {
	h, clock := newTestHub(8)
	s1 := h.SubscribeRequests()
	s2 := h.SubscribeRequests()
	s3 := h.SubscribeResponses()
	defer s2.Close()
	defer s3.Close()

	pool := h.RegisterConnection(RolePool)
	h.RegisterConnection(RoleMint)
	h.RegisterConnection(RoleMint)

	_ = h.SendQuoteRequest(testRequest(1), PendingQuoteContext{})
	clock.Advance(1500 * time.Millisecond)
	_ = h.SendQuoteRequest(testRequest(2), PendingQuoteContext{})

	stats := h.Stats()
	if stats.RequestSubscribers != 2 || stats.ResponseSubscribers != 1 || stats.ErrorSubscribers != 0 {
		t.Errorf("subscriber counts = %d/%d/%d", stats.RequestSubscribers, stats.ResponseSubscribers, stats.ErrorSubscribers)
	}
	if stats.Connections[RolePool] != 1 || stats.Connections[RoleMint] != 2 {
		t.Errorf("connections = %v", stats.Connections)
	}
	if stats.PendingQuotes != 2 {
		t.Errorf("pending = %d, want 2", stats.PendingQuotes)
	}
	if stats.OldestPendingAgeMs != 1500 {
		t.Errorf("oldest age = %dms, want 1500", stats.OldestPendingAgeMs)
	}

	s1.Close()
	h.UnregisterConnection(pool)
	stats = h.Stats()
	if stats.RequestSubscribers != 1 || stats.Connections[RolePool] != 0 {
		t.Errorf("after close: subscribers=%d pool=%d", stats.RequestSubscribers, stats.Connections[RolePool])
	}
}

func TestHub_ReapExpired(t *testing.T) {
	h, clock := newTestHub(8)

	old := testRequest(1)
	_ = h.SendQuoteRequest(old, PendingQuoteContext{ChannelID: 11})
	clock.Advance(9 * time.Minute)
	fresh := testRequest(2)
	_ = h.SendQuoteRequest(fresh, PendingQuoteContext{ChannelID: 12})
	clock.Advance(2 * time.Minute)

	expired := h.ReapExpired(10 * time.Minute)
	if len(expired) != 1 || expired[0].ShareHash != old.ShareHash || expired[0].Context.ChannelID != 11 {
		t.Fatalf("ReapExpired() = %+v", expired)
	}
	if _, ok := h.PendingContext(fresh.ShareHash); !ok {
		t.Error("fresh entry should survive")
	}
	if h.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", h.PendingCount())
	}
}

func TestHub_RunReaperStops(t *testing.T) {
	h, _ := newTestHub(8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.RunReaper(ctx, time.Millisecond, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReaper did not return after cancel")
	}
}
