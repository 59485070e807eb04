package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/mintapi"
	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/pkg/log"
)

type mockStatusClient struct {
	mu     sync.Mutex
	states map[string]cashu.QuoteState
	errs   map[string]error
	calls  int
}

func newMockStatusClient() *mockStatusClient {
	return &mockStatusClient{
		states: make(map[string]cashu.QuoteState),
		errs:   make(map[string]error),
	}
}

func (m *mockStatusClient) set(id string, state cashu.QuoteState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state
}

func (m *mockStatusClient) QuoteStatus(_ context.Context, id string) (*cashu.MintQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err, ok := m.errs[id]; ok {
		return nil, err
	}
	state, ok := m.states[id]
	if !ok {
		return nil, mintapi.ErrQuoteNotFound
	}
	return &cashu.MintQuote{ID: id, State: state}, nil
}

type notification struct {
	channelID uint32
	msg       *mintquote.MintQuoteNotification
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (m *mockNotifier) Notify(_ context.Context, channelID uint32, n *mintquote.MintQuoteNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, notification{channelID: channelID, msg: n})
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockLedger struct {
	mu       sync.Mutex
	recorded []string
	outcomes map[string]Outcome
}

func (m *mockLedger) RecordResponse(_ context.Context, ev *hub.MintQuoteResponseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, ev.Response.QuoteID)
	return nil
}

func (m *mockLedger) UpdateStatus(_ context.Context, quoteID string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]Outcome)
	}
	m.outcomes[quoteID] = outcome
	return nil
}

type memMirror struct {
	mu     sync.Mutex
	quotes map[string]PendingQuote
}

func (m *memMirror) Save(_ context.Context, id string, q PendingQuote, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotes == nil {
		m.quotes = make(map[string]PendingQuote)
	}
	m.quotes[id] = q
	return nil
}

func (m *memMirror) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quotes, id)
	return nil
}

func (m *memMirror) Load(_ context.Context) (map[string]PendingQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PendingQuote, len(m.quotes))
	for k, v := range m.quotes {
		out[k] = v
	}
	return out, nil
}

func newTestPoller(status StatusClient, notifier Notifier, opts ...Option) *Poller {
	return New(&Config{PollInterval: 10 * time.Millisecond}, nil, status, notifier, log.Nop(), opts...)
}

func TestRegisterAndRemoveQuote(t *testing.T) {
	p := newTestPoller(newMockStatusClient(), &mockNotifier{})
	ctx := context.Background()

	p.RegisterQuote(ctx, "q1", 42, 16)

	if ch, ok := p.ChannelFor("q1"); !ok || ch != 42 {
		t.Fatalf("ChannelFor(q1) = %d, %v; want 42, true", ch, ok)
	}

	p.RemoveQuote(ctx, "q1")

	if _, ok := p.ChannelFor("q1"); ok {
		t.Error("ChannelFor(q1) should report nothing after removal")
	}
	if p.Tracked() != 0 {
		t.Errorf("Tracked() = %d, want 0", p.Tracked())
	}
}

func TestPollOnce(t *testing.T) {
	tests := []struct {
		name         string
		state        *cashu.QuoteState
		statusErr    error
		wantNotified int
		wantTracked  bool
		wantOutcome  Outcome
	}{
		{name: "paid notifies and stops tracking", state: ptr(cashu.QuoteStatePaid), wantNotified: 1, wantOutcome: OutcomePaid},
		{name: "issued stops tracking silently", state: ptr(cashu.QuoteStateIssued), wantOutcome: OutcomeIssued},
		{name: "unpaid keeps tracking", state: ptr(cashu.QuoteStateUnpaid), wantTracked: true},
		{name: "unknown to mint keeps tracking", wantTracked: true},
		{name: "status failure keeps tracking", statusErr: errors.New("mint down"), wantTracked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := newMockStatusClient()
			if tt.state != nil {
				status.set("q1", *tt.state)
			}
			if tt.statusErr != nil {
				status.errs["q1"] = tt.statusErr
			}
			notifier := &mockNotifier{}
			ledger := &mockLedger{}
			p := newTestPoller(status, notifier, WithLedger(ledger))

			p.RegisterQuote(context.Background(), "q1", 7, 32)
			p.PollOnce(context.Background())

			if got := notifier.count(); got != tt.wantNotified {
				t.Fatalf("notifications = %d, want %d", got, tt.wantNotified)
			}
			if tt.wantNotified > 0 {
				n := notifier.sent[0]
				if n.channelID != 7 || n.msg.QuoteID != "q1" || n.msg.Amount != 32 {
					t.Errorf("notification = %+v / %+v", n, n.msg)
				}
			}
			if _, ok := p.ChannelFor("q1"); ok != tt.wantTracked {
				t.Errorf("tracked = %v, want %v", ok, tt.wantTracked)
			}
			if tt.wantOutcome != "" && ledger.outcomes["q1"] != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", ledger.outcomes["q1"], tt.wantOutcome)
			}
		})
	}
}

func TestPollOnce_NotifyFailureRetries(t *testing.T) {
	status := newMockStatusClient()
	status.set("q1", cashu.QuoteStatePaid)
	notifier := &mockNotifier{err: errors.New("downstream gone")}
	p := newTestPoller(status, notifier)

	p.RegisterQuote(context.Background(), "q1", 3, 1)
	p.PollOnce(context.Background())

	if _, ok := p.ChannelFor("q1"); !ok {
		t.Fatal("quote must stay tracked after a failed notification")
	}

	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()
	p.PollOnce(context.Background())

	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
	if p.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", p.Stats().Errors)
	}
}

func TestPollOnce_TimeoutPurges(t *testing.T) {
	status := newMockStatusClient()
	status.set("q1", cashu.QuoteStatePaid)
	notifier := &mockNotifier{}
	ledger := &mockLedger{}
	mirror := &memMirror{}
	p := newTestPoller(status, notifier, WithLedger(ledger), WithMirror(mirror))

	start := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return start }
	p.RegisterQuote(context.Background(), "q1", 9, 4)

	p.now = func() time.Time { return start.Add(DefaultQuoteTimeout + time.Second) }
	p.PollOnce(context.Background())

	if notifier.count() != 0 {
		t.Error("timed out quote must not be notified even if paid")
	}
	if status.calls != 0 {
		t.Errorf("status calls = %d, want 0", status.calls)
	}
	if p.Tracked() != 0 || len(mirror.quotes) != 0 {
		t.Error("timed out quote should be purged everywhere")
	}
	if ledger.outcomes["q1"] != OutcomeExpired || p.Stats().Expired != 1 {
		t.Errorf("outcome = %q, expired = %d", ledger.outcomes["q1"], p.Stats().Expired)
	}
}

func TestHandleResponse(t *testing.T) {
	ledger := &mockLedger{}
	p := newTestPoller(newMockStatusClient(), &mockNotifier{}, WithLedger(ledger))
	ctx := context.Background()

	p.HandleResponse(ctx, &hub.MintQuoteResponseEvent{
		Response: &mintquote.MintQuoteResponse{QuoteID: "orphan"},
	})
	if p.Tracked() != 0 {
		t.Fatal("response without context must not be tracked")
	}

	p.HandleResponse(ctx, &hub.MintQuoteResponseEvent{
		Response: &mintquote.MintQuoteResponse{QuoteID: "q2"},
		Context:  &hub.PendingQuoteContext{ChannelID: 11, SequenceNumber: 5, Amount: 8},
	})
	if ch, ok := p.ChannelFor("q2"); !ok || ch != 11 {
		t.Errorf("ChannelFor(q2) = %d, %v", ch, ok)
	}
	if len(ledger.recorded) != 1 || ledger.recorded[0] != "q2" {
		t.Errorf("ledger recorded %v", ledger.recorded)
	}
}

func TestRestore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mirror := &memMirror{quotes: map[string]PendingQuote{
		"fresh": {ChannelID: 1, Amount: 2, CreatedAt: now.Add(-time.Minute)},
		"stale": {ChannelID: 1, Amount: 2, CreatedAt: now.Add(-time.Hour)},
	}}
	p := newTestPoller(newMockStatusClient(), &mockNotifier{}, WithMirror(mirror))
	p.now = func() time.Time { return now }

	n, err := p.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("restored = %d, want 1", n)
	}
	if _, ok := p.ChannelFor("fresh"); !ok {
		t.Error("fresh quote should be restored")
	}
	if _, ok := p.ChannelFor("stale"); ok {
		t.Error("stale quote should be skipped")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	h := hub.New(log.Nop(), 16)
	status := newMockStatusClient()
	notifier := &mockNotifier{}
	p := New(&Config{PollInterval: 5 * time.Millisecond}, h, status, notifier, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return h.Stats().ResponseSubscribers == 1 })

	var headerHash [32]byte
	headerHash[0] = 0xab
	parsed := &mintquote.ParsedMintQuoteRequest{
		Request:   &mintquote.MintQuoteRequest{Amount: 64, Unit: cashu.CurrencyUnitHash, HeaderHash: headerHash},
		ShareHash: mintquote.ShareHash(headerHash),
	}
	_ = h.SendQuoteRequest(parsed, hub.PendingQuoteContext{ChannelID: 42, SequenceNumber: 1, Amount: 64})
	if _, err := h.SendQuoteResponse(&mintquote.MintQuoteResponse{QuoteID: "q1", HeaderHash: headerHash}); err != nil {
		t.Fatalf("SendQuoteResponse() error = %v", err)
	}

	waitFor(t, func() bool { _, ok := p.ChannelFor("q1"); return ok })
	status.set("q1", cashu.QuoteStatePaid)
	waitFor(t, func() bool { return notifier.count() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if n := notifier.sent[0]; n.channelID != 42 || n.msg.Amount != 64 {
		t.Errorf("notification = channel %d amount %d", n.channelID, n.msg.Amount)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func ptr[T any](v T) *T { return &v }
