package database

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/bardlex/ehashpool/internal/poller"
)

// TrackedQuoteStore is the Redis surface behind TrackingMirror
type TrackedQuoteStore interface {
	SetTrackedQuote(ctx context.Context, quoteID string, data any, expiration time.Duration) error
	DeleteTrackedQuote(ctx context.Context, quoteID string) error
	ScanTrackedQuotes(ctx context.Context, fn func(quoteID string, data []byte) error) error
}

// TrackingMirror stores the poller's tracking table in Redis. Entries carry
// the quote timeout as TTL so abandoned quotes age out on their own.
type TrackingMirror struct {
	store TrackedQuoteStore
}

// NewTrackingMirror creates a mirror over store
func NewTrackingMirror(store TrackedQuoteStore) *TrackingMirror {
	return &TrackingMirror{store: store}
}

// Save implements poller.Mirror
func (t *TrackingMirror) Save(ctx context.Context, quoteID string, q poller.PendingQuote, ttl time.Duration) error {
	return t.store.SetTrackedQuote(ctx, quoteID, q, ttl)
}

// Delete implements poller.Mirror
func (t *TrackingMirror) Delete(ctx context.Context, quoteID string) error {
	return t.store.DeleteTrackedQuote(ctx, quoteID)
}

// Load implements poller.Mirror. Unreadable entries are skipped.
func (t *TrackingMirror) Load(ctx context.Context) (map[string]poller.PendingQuote, error) {
	out := make(map[string]poller.PendingQuote)
	err := t.store.ScanTrackedQuotes(ctx, func(quoteID string, data []byte) error {
		var q poller.PendingQuote
		if err := jsoniter.Unmarshal(data, &q); err != nil {
			return nil
		}
		out[quoteID] = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// maxRestoredQuotes bounds how many pending ledger rows one restore loads
const maxRestoredQuotes = 10000

// ledgerMirror restores the tracking table from pending ledger rows when Redis
// is absent. Rows are written on correlation, so Save and Delete do nothing.
type ledgerMirror struct {
	ledger       QuoteLedger
	quoteTimeout time.Duration
	now          func() time.Time
}

func newLedgerMirror(ledger QuoteLedger, quoteTimeout time.Duration, now func() time.Time) *ledgerMirror {
	return &ledgerMirror{ledger: ledger, quoteTimeout: quoteTimeout, now: now}
}

func (l *ledgerMirror) Save(context.Context, string, poller.PendingQuote, time.Duration) error {
	return nil
}

func (l *ledgerMirror) Delete(context.Context, string) error {
	return nil
}

// Load returns pending rows still inside the quote timeout
func (l *ledgerMirror) Load(ctx context.Context) (map[string]poller.PendingQuote, error) {
	rows, err := l.ledger.ListPendingQuotes(ctx, l.now().Add(-l.quoteTimeout), maxRestoredQuotes)
	if err != nil {
		return nil, err
	}
	out := make(map[string]poller.PendingQuote, len(rows))
	for _, q := range rows {
		out[q.QuoteID] = poller.PendingQuote{ChannelID: q.ChannelID, Amount: q.Amount, CreatedAt: q.CreatedAt}
	}
	return out, nil
}

type recordedQuote struct {
	channelID uint32
	amount    uint64
	at        time.Time
}

// recordedQuotes remembers channel and amount per quote until its outcome
type recordedQuotes struct {
	mu     sync.Mutex
	quotes map[string]recordedQuote
	now    func() time.Time
}

func newRecordedQuotes() *recordedQuotes {
	return &recordedQuotes{quotes: make(map[string]recordedQuote), now: time.Now}
}

func (r *recordedQuotes) put(quoteID string, channelID uint32, amount uint64) {
	r.mu.Lock()
	r.quotes[quoteID] = recordedQuote{channelID: channelID, amount: amount, at: r.now()}
	r.mu.Unlock()
}

func (r *recordedQuotes) take(quoteID string) (recordedQuote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[quoteID]
	delete(r.quotes, quoteID)
	return q, ok
}

func (r *recordedQuotes) sweep(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, q := range r.quotes {
		if q.at.Before(cutoff) {
			delete(r.quotes, id)
			removed++
		}
	}
	return removed
}

func (r *recordedQuotes) startSweeper(ctx context.Context, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(maxAge)
			}
		}
	}()
}
