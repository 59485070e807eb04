// Package poller tracks issued mint quotes and tells the originating mining
// channel once the mint reports a quote as paid.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/mintapi"
	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/pkg/log"
)

// Defaults
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultQuoteTimeout     = 5 * time.Minute
	DefaultResubscribeDelay = time.Second
)

// Outcome is the terminal status recorded for a tracked quote
type Outcome string

// Quote outcomes
const (
	OutcomePaid    Outcome = "paid"
	OutcomeIssued  Outcome = "issued"
	OutcomeExpired Outcome = "expired"
)

// PendingQuote is a quote waiting for payment
type PendingQuote struct {
	ChannelID uint32    `json:"channel_id"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusClient reads quote status from the mint
type StatusClient interface {
	QuoteStatus(ctx context.Context, quoteID string) (*cashu.MintQuote, error)
}

// Notifier delivers a notification to the downstream connection of a channel
type Notifier interface {
	Notify(ctx context.Context, channelID uint32, n *mintquote.MintQuoteNotification) error
}

// ResponseSource hands out hub response subscriptions
type ResponseSource interface {
	SubscribeResponses() *hub.Subscription[*hub.MintQuoteResponseEvent]
}

// Ledger records quotes and their outcomes
type Ledger interface {
	RecordResponse(ctx context.Context, ev *hub.MintQuoteResponseEvent) error
	UpdateStatus(ctx context.Context, quoteID string, outcome Outcome) error
}

// Mirror keeps a copy of the tracking table outside the process
type Mirror interface {
	Save(ctx context.Context, quoteID string, q PendingQuote, ttl time.Duration) error
	Delete(ctx context.Context, quoteID string) error
	Load(ctx context.Context) (map[string]PendingQuote, error)
}

// Config configures the poller
type Config struct {
	PollInterval     time.Duration
	QuoteTimeout     time.Duration
	ResubscribeDelay time.Duration
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.QuoteTimeout <= 0 {
		out.QuoteTimeout = DefaultQuoteTimeout
	}
	if out.ResubscribeDelay <= 0 {
		out.ResubscribeDelay = DefaultResubscribeDelay
	}
	return out
}

// Option configures optional collaborators
type Option func(*Poller)

// WithLedger records responses and outcomes in l
func WithLedger(l Ledger) Option {
	return func(p *Poller) { p.ledger = l }
}

// WithMirror mirrors the tracking table into m
func WithMirror(m Mirror) Option {
	return func(p *Poller) { p.mirror = m }
}

// Stats is a counter snapshot
type Stats struct {
	Tracked  int
	Notified uint64
	Issued   uint64
	Expired  uint64
	Errors   uint64
}

// Poller owns the quote tracking table
type Poller struct {
	cfg      Config
	source   ResponseSource
	status   StatusClient
	notifier Notifier
	ledger   Ledger
	mirror   Mirror
	logger   *log.Logger
	now      func() time.Time

	mu     sync.RWMutex
	quotes map[string]PendingQuote

	statsMu sync.Mutex
	stats   Stats
}

// New creates a poller. source may be nil when quotes are registered directly.
func New(cfg *Config, source ResponseSource, status StatusClient, notifier Notifier, logger *log.Logger, opts ...Option) *Poller {
	p := &Poller{
		cfg:      cfg.withDefaults(),
		source:   source,
		status:   status,
		notifier: notifier,
		logger:   logger.WithComponent("poller"),
		now:      time.Now,
		quotes:   make(map[string]PendingQuote),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterQuote starts tracking quoteID
func (p *Poller) RegisterQuote(ctx context.Context, quoteID string, channelID uint32, amount uint64) {
	q := PendingQuote{ChannelID: channelID, Amount: amount, CreatedAt: p.now()}

	p.mu.Lock()
	p.quotes[quoteID] = q
	p.mu.Unlock()

	if p.mirror != nil {
		if err := p.mirror.Save(ctx, quoteID, q, p.cfg.QuoteTimeout); err != nil {
			p.logger.WithQuote(quoteID).WithError(err).Warn("failed to mirror tracked quote")
		}
	}

	p.logger.WithQuote(quoteID).Debug("tracking quote", "channel_id", channelID, "amount", amount)
}

// RemoveQuote stops tracking quoteID
func (p *Poller) RemoveQuote(ctx context.Context, quoteID string) {
	p.mu.Lock()
	_, ok := p.quotes[quoteID]
	delete(p.quotes, quoteID)
	p.mu.Unlock()

	if ok && p.mirror != nil {
		if err := p.mirror.Delete(ctx, quoteID); err != nil {
			p.logger.WithQuote(quoteID).WithError(err).Warn("failed to remove mirrored quote")
		}
	}
}

// ChannelFor returns the channel a tracked quote belongs to
func (p *Poller) ChannelFor(quoteID string) (uint32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[quoteID]
	return q.ChannelID, ok
}

// Tracked returns the number of tracked quotes
func (p *Poller) Tracked() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.quotes)
}

// Restore loads quotes from the mirror, skipping ones already past the timeout
func (p *Poller) Restore(ctx context.Context) (int, error) {
	if p.mirror == nil {
		return 0, nil
	}
	saved, err := p.mirror.Load(ctx)
	if err != nil {
		return 0, err
	}

	now := p.now()
	restored := 0
	p.mu.Lock()
	for id, q := range saved {
		if now.Sub(q.CreatedAt) > p.cfg.QuoteTimeout {
			continue
		}
		if _, exists := p.quotes[id]; !exists {
			p.quotes[id] = q
			restored++
		}
	}
	p.mu.Unlock()

	p.logger.Info("restored tracked quotes", "count", restored)
	return restored, nil
}

// Run listens for hub responses and polls the mint until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if p.source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.listen(ctx)
		}()
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("poller started",
		"poll_interval", p.cfg.PollInterval.String(),
		"quote_timeout", p.cfg.QuoteTimeout.String(),
	)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// listen consumes response events, resubscribing after a fixed delay whenever
// the subscription closes
func (p *Poller) listen(ctx context.Context) {
	for {
		sub := p.source.SubscribeResponses()
		err := p.consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil {
			return
		}
		p.logger.WithError(err).Warn("response subscription ended, resubscribing",
			"delay", p.cfg.ResubscribeDelay.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.ResubscribeDelay):
		}
	}
}

func (p *Poller) consume(ctx context.Context, sub *hub.Subscription[*hub.MintQuoteResponseEvent]) error {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		p.HandleResponse(ctx, ev)
	}
}

// HandleResponse registers the quote of a correlated response event. Events
// without context are ignored.
func (p *Poller) HandleResponse(ctx context.Context, ev *hub.MintQuoteResponseEvent) {
	if ev == nil || ev.Response == nil {
		return
	}
	if ev.Context == nil {
		p.logger.WithQuote(ev.Response.QuoteID).Debug("response without context, not tracking")
		return
	}

	if p.ledger != nil {
		if err := p.ledger.RecordResponse(ctx, ev); err != nil {
			p.logger.WithQuote(ev.Response.QuoteID).WithError(err).Warn("failed to record quote")
		}
	}

	p.RegisterQuote(ctx, ev.Response.QuoteID, ev.Context.ChannelID, ev.Context.Amount)
}

// PollOnce checks every tracked quote once
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.RLock()
	snapshot := make(map[string]PendingQuote, len(p.quotes))
	for id, q := range p.quotes {
		snapshot[id] = q
	}
	p.mu.RUnlock()

	now := p.now()
	for id, q := range snapshot {
		if ctx.Err() != nil {
			return
		}

		if now.Sub(q.CreatedAt) > p.cfg.QuoteTimeout {
			p.logger.WithQuote(id).Warn("quote timed out, no longer tracking",
				"channel_id", q.ChannelID,
				"amount", q.Amount,
				"age", now.Sub(q.CreatedAt).String(),
			)
			p.RemoveQuote(ctx, id)
			p.finish(ctx, id, OutcomeExpired)
			continue
		}

		p.check(ctx, id, q)
	}
}

func (p *Poller) check(ctx context.Context, quoteID string, q PendingQuote) {
	logger := p.logger.WithQuote(quoteID)

	quote, err := p.status.QuoteStatus(ctx, quoteID)
	if err != nil {
		if errors.Is(err, mintapi.ErrQuoteNotFound) {
			logger.Debug("quote not yet known to the mint")
			return
		}
		p.countError()
		logger.WithError(err).Warn("quote status check failed")
		return
	}

	switch quote.State {
	case cashu.QuoteStatePaid:
		logger.LogQuoteStatus(quoteID, q.ChannelID, q.Amount, string(quote.State))
		n := &mintquote.MintQuoteNotification{QuoteID: quoteID, Amount: q.Amount}
		if err := p.notifier.Notify(ctx, q.ChannelID, n); err != nil {
			// keep tracking, the next tick retries
			p.countError()
			logger.WithError(err).Error("failed to notify downstream")
			return
		}
		p.RemoveQuote(ctx, quoteID)
		p.finish(ctx, quoteID, OutcomePaid)

	case cashu.QuoteStateIssued:
		logger.LogQuoteStatus(quoteID, q.ChannelID, q.Amount, string(quote.State))
		p.RemoveQuote(ctx, quoteID)
		p.finish(ctx, quoteID, OutcomeIssued)
	}
}

func (p *Poller) finish(ctx context.Context, quoteID string, outcome Outcome) {
	p.statsMu.Lock()
	switch outcome {
	case OutcomePaid:
		p.stats.Notified++
	case OutcomeIssued:
		p.stats.Issued++
	case OutcomeExpired:
		p.stats.Expired++
	}
	p.statsMu.Unlock()

	if p.ledger != nil {
		if err := p.ledger.UpdateStatus(ctx, quoteID, outcome); err != nil {
			p.logger.WithQuote(quoteID).WithError(err).Warn("failed to update quote status")
		}
	}
}

func (p *Poller) countError() {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()
}

// Stats returns a counter snapshot
func (p *Poller) Stats() Stats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()
	s.Tracked = p.Tracked()
	return s
}
