// Package database coordinates the pool-side stores: the PostgreSQL quote
// ledger, the Redis tracking mirror and InfluxDB metering.
package database

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bardlex/ehashpool/internal/database/influx"
	"github.com/bardlex/ehashpool/internal/database/postgres"
	"github.com/bardlex/ehashpool/internal/database/redis"
	"github.com/bardlex/ehashpool/internal/dispatch"
	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/poller"
	"github.com/bardlex/ehashpool/pkg/circuit"
	"github.com/bardlex/ehashpool/pkg/errors"
	"github.com/bardlex/ehashpool/pkg/log"
	"github.com/bardlex/ehashpool/pkg/retry"
)

// QuoteLedger is the PostgreSQL surface the manager works through
type QuoteLedger interface {
	CreateQuote(ctx context.Context, q *postgres.Quote) error
	UpdateQuoteStatus(ctx context.Context, quoteID, status string) error
	GetQuote(ctx context.Context, quoteID string) (*postgres.Quote, error)
	ListPendingQuotes(ctx context.Context, since time.Time, limit int) ([]*postgres.Quote, error)
	ExpireStaleQuotes(ctx context.Context, cutoff time.Time) (int64, error)
	ChannelTotals(ctx context.Context, since time.Time) ([]postgres.ChannelTotal, error)
}

// MetricsStore is the InfluxDB surface the manager works through
type MetricsStore interface {
	WriteQuoteMetric(channelID uint32, leadingZeros uint32, amount uint64, dispatched bool, ts time.Time)
	WriteOutcomeMetric(channelID uint32, outcome string, amount uint64)
	WriteHubMetric(pendingQuotes int, oldestPendingMs int64, lagged uint64, connections map[string]int)
	GetAmountByChannel(ctx context.Context, duration time.Duration) (map[uint32]uint64, error)
	Errors() <-chan error
	Flush()
}

// ChannelSummary combines ledger and metering totals for one channel
type ChannelSummary struct {
	ChannelID        uint32
	PaidQuotes       int64
	PaidAmount       uint64
	DispatchedAmount uint64
}

// Manager coordinates the stores. Any of them may be absent.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	quotes  QuoteLedger
	metrics MetricsStore

	// channel and amount of quotes recorded by this process, for outcome metrics
	recorded *recordedQuotes

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
	now            func() time.Time
}

// Config holds configuration for all stores. A nil entry disables that store.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every configured store
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{logger: logger.WithComponent("database")}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.failCleanup(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			return nil, m.failCleanup(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = influxClient
	}

	var ledger QuoteLedger
	if m.Postgres != nil {
		ledger = postgres.NewQuoteRepository(m.Postgres.DB())
	}
	var metrics MetricsStore
	if m.Influx != nil {
		metrics = m.Influx
	}
	m.init(ledger, metrics)

	return m, nil
}

// NewManagerWith builds a manager over already constructed stores
func NewManagerWith(ledger QuoteLedger, metrics MetricsStore, logger *log.Logger) *Manager {
	m := &Manager{logger: logger.WithComponent("database")}
	m.init(ledger, metrics)
	return m
}

func (m *Manager) init(ledger QuoteLedger, metrics MetricsStore) {
	m.quotes = ledger
	m.metrics = metrics
	m.now = time.Now
	m.recorded = newRecordedQuotes()
	m.circuitBreaker = circuit.New(&circuit.Config{
		Name:            "quote_ledger",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	})
	m.retryConfig = retry.DatabaseConfig()
}

// failCleanup closes whatever was opened before err and returns err
func (m *Manager) failCleanup(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

// Migrate applies the ledger schema
func (m *Manager) Migrate(ctx context.Context) error {
	if m.Postgres == nil {
		return nil
	}
	return m.Postgres.Migrate(ctx)
}

// Close closes all open connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	return errors.Join(errs...)
}

// Health checks every open connection
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// RecordResponse stores a correlated quote in the ledger
func (m *Manager) RecordResponse(ctx context.Context, ev *hub.MintQuoteResponseEvent) error {
	if ev.Context == nil {
		return nil
	}
	m.recorded.put(ev.Response.QuoteID, ev.Context.ChannelID, ev.Context.Amount)

	if m.quotes == nil {
		return nil
	}

	q := &postgres.Quote{
		QuoteID:        ev.Response.QuoteID,
		ShareHash:      ev.ShareHash.String(),
		ChannelID:      ev.Context.ChannelID,
		SequenceNumber: ev.Context.SequenceNumber,
		Amount:         ev.Context.Amount,
		Status:         postgres.QuoteStatusPending,
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.quotes.CreateQuote(ctx, q); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_quote",
					"failed to store quote in PostgreSQL").
					WithContext("quote_id", q.QuoteID).
					WithContext("channel_id", q.ChannelID)
			}
			return nil
		})
	})
}

// UpdateStatus records a quote outcome in the ledger and in metrics
func (m *Manager) UpdateStatus(ctx context.Context, quoteID string, outcome poller.Outcome) error {
	if rq, ok := m.recorded.take(quoteID); ok {
		if m.metrics != nil {
			m.metrics.WriteOutcomeMetric(rq.channelID, string(outcome), rq.amount)
		}
	} else if m.metrics != nil && m.quotes != nil {
		// tracked before a restart: channel and amount come from the ledger row
		m.writeOutcomeFromLedger(ctx, quoteID, outcome)
	}

	if m.quotes == nil {
		return nil
	}

	notFound := false
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			err := m.quotes.UpdateQuoteStatus(ctx, quoteID, string(outcome))
			if errors.Is(err, postgres.ErrQuoteNotFound) {
				notFound = true
				return nil
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "update_quote_status",
					"failed to update quote status").
					WithContext("quote_id", quoteID).
					WithContext("status", string(outcome))
			}
			return nil
		})
	})
	if notFound {
		// recorded by an earlier process or already final
		m.logger.WithQuote(quoteID).Debug("no pending ledger row for quote")
	}
	return err
}

func (m *Manager) writeOutcomeFromLedger(ctx context.Context, quoteID string, outcome poller.Outcome) {
	q, err := m.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		if !errors.Is(err, postgres.ErrQuoteNotFound) {
			m.logger.WithQuote(quoteID).WithError(err).Warn("failed to read ledger quote")
		}
		return
	}
	if q.Status != postgres.QuoteStatusPending {
		return
	}
	m.metrics.WriteOutcomeMetric(q.ChannelID, string(outcome), q.Amount)
}

// RecordQuoteEvent writes the metering point for a valued share. It never
// blocks; InfluxDB writes are batched in the background.
func (m *Manager) RecordQuoteEvent(ev dispatch.QuoteEvent) {
	if m.metrics == nil {
		return
	}
	m.metrics.WriteQuoteMetric(ev.ChannelID, ev.LeadingZeros, ev.Amount, ev.Dispatched, ev.Timestamp)
}

// RecordHubStats writes a hub stats snapshot
func (m *Manager) RecordHubStats(s hub.Stats) {
	if m.metrics == nil {
		return
	}
	conns := make(map[string]int, len(s.Connections))
	for role, n := range s.Connections {
		conns[string(role)] = n
	}
	m.metrics.WriteHubMetric(s.PendingQuotes, s.OldestPendingAgeMs, s.LaggedMessages, conns)
}

// StartPeriodicTasks runs ledger expiry, metric flushes and hub snapshots
// until ctx is done. statsFn may be nil.
func (m *Manager) StartPeriodicTasks(ctx context.Context, quoteTimeout time.Duration, statsFn func() hub.Stats) {
	if m.quotes != nil {
		go m.every(ctx, time.Minute, func() {
			n, err := m.quotes.ExpireStaleQuotes(ctx, time.Now().Add(-2*quoteTimeout))
			if err != nil {
				m.logger.WithError(err).Warn("failed to expire stale ledger quotes")
				return
			}
			if n > 0 {
				m.logger.Info("expired stale ledger quotes", "count", n)
			}
		})
	}

	if m.metrics != nil {
		go m.logWriteErrors(ctx)
		go m.every(ctx, 10*time.Second, m.metrics.Flush)
		if statsFn != nil {
			go m.every(ctx, 15*time.Second, func() { m.RecordHubStats(statsFn()) })
		}
	}

	m.recorded.startSweeper(ctx, 2*quoteTimeout)
}

// logWriteErrors drains asynchronous metric write failures
func (m *Manager) logWriteErrors(ctx context.Context) {
	errs := m.metrics.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			m.logger.WithError(err).Warn("failed to write metrics")
		}
	}
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// ChannelSummaries merges paid totals from the ledger with dispatched amounts
// from metering over window, ordered by channel. A failing store contributes
// nothing and its error is returned with whatever the other store produced.
func (m *Manager) ChannelSummaries(ctx context.Context, window time.Duration) ([]ChannelSummary, error) {
	byChannel := make(map[uint32]*ChannelSummary)
	summary := func(id uint32) *ChannelSummary {
		cs, ok := byChannel[id]
		if !ok {
			cs = &ChannelSummary{ChannelID: id}
			byChannel[id] = cs
		}
		return cs
	}

	var errs []error
	if m.quotes != nil {
		totals, err := m.quotes.ChannelTotals(ctx, m.now().Add(-window))
		if err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "channel_totals",
				"failed to sum ledger totals"))
		}
		for _, t := range totals {
			cs := summary(t.ChannelID)
			cs.PaidQuotes = t.Quotes
			cs.PaidAmount = t.Amount
		}
	}
	if m.metrics != nil {
		amounts, err := m.metrics.GetAmountByChannel(ctx, window)
		if err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "channel_totals",
				"failed to query dispatched amounts"))
		}
		for id, amount := range amounts {
			summary(id).DispatchedAmount = amount
		}
	}

	out := make([]ChannelSummary, 0, len(byChannel))
	for _, cs := range byChannel {
		out = append(out, *cs)
	}
	slices.SortFunc(out, func(a, b ChannelSummary) int { return cmp.Compare(a.ChannelID, b.ChannelID) })
	return out, errors.Join(errs...)
}

// TrackingMirror returns the poller mirror: Redis when configured, else the
// ledger's pending rows, else nil.
func (m *Manager) TrackingMirror(quoteTimeout time.Duration) poller.Mirror {
	if m.Redis != nil {
		return NewTrackingMirror(m.Redis)
	}
	if m.quotes != nil {
		return newLedgerMirror(m.quotes, quoteTimeout, m.now)
	}
	return nil
}
