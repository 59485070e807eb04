// Package dispatch turns accepted shares into mint quote requests on the pool
// side. Nothing in here may fail or slow down share acceptance: validation and
// valuation happen inline, everything else is queued to a worker pool and its
// failures are only logged.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ehashpool/internal/ehash"
	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/pkg/log"
)

// QuoteSender is the hub surface the dispatcher needs
type QuoteSender interface {
	SendQuoteRequest(req *mintquote.ParsedMintQuoteRequest, qctx hub.PendingQuoteContext) error
}

// QuoteEvent describes one valued share. It is emitted for every share that
// passes validation, whether or not quotes are sent to the mint.
type QuoteEvent struct {
	ChannelID      uint32
	SequenceNumber uint32
	ShareHash      mintquote.ShareHash
	LeadingZeros   uint32
	Amount         uint64
	Dispatched     bool
	Timestamp      time.Time
}

// EventCallback receives quote events for metering. It runs on the caller of
// SubmitQuote and must not block.
type EventCallback func(QuoteEvent)

// Config controls dispatching
type Config struct {
	MinLeadingZeros uint32
	Enabled         bool
	Workers         int
	QueueSize       int
}

type job struct {
	amount     uint64
	headerHash []byte
	lockingKey *btcec.PublicKey
	qctx       hub.PendingQuoteContext
}

// Stats counts dispatcher outcomes
type Stats struct {
	Submitted  uint64
	Rejected   uint64
	Dispatched uint64
	Dropped    uint64
	Failed     uint64
}

// Dispatcher values shares and hands quote requests to the hub
type Dispatcher struct {
	cfg      Config
	sender   QuoteSender
	callback EventCallback
	logger   *log.Logger

	jobs chan job
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	submitted  atomic.Uint64
	rejected   atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
}

// New creates a dispatcher. callback may be nil.
func New(cfg Config, sender QuoteSender, logger *log.Logger, callback EventCallback) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 256
	}
	return &Dispatcher{
		cfg:      cfg,
		sender:   sender,
		callback: callback,
		logger:   logger.WithComponent("dispatcher"),
		jobs:     make(chan job, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"enabled", d.cfg.Enabled,
		"min_leading_zeros", d.cfg.MinLeadingZeros,
	)
}

// Shutdown stops the workers and waits for them, or for ctx
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() { close(d.done) })

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitQuote values an accepted share and, when enabled, queues a quote
// request for it. It never returns an error and never blocks on the mint.
func (d *Dispatcher) SubmitQuote(headerHash, lockingPubkey []byte, channelID, sequenceNumber uint32) {
	d.submitted.Add(1)
	logger := d.logger.WithChannel(channelID)

	hash, err := chainhash.NewHash(headerHash)
	if err != nil {
		d.rejected.Add(1)
		logger.WithError(err).Warn("invalid share header hash", "sequence_number", sequenceNumber)
		return
	}

	// chainhash keeps the caller's byte order; valuation reads the first byte as most significant
	leadingZeros := ehash.CalculateDifficulty(*hash)
	amount := ehash.AmountForDifficulty(leadingZeros, d.cfg.MinLeadingZeros)
	shareHash := mintquote.ShareHash(*hash)

	event := QuoteEvent{
		ChannelID:      channelID,
		SequenceNumber: sequenceNumber,
		ShareHash:      shareHash,
		LeadingZeros:   leadingZeros,
		Amount:         amount,
		Timestamp:      time.Now(),
	}

	queued := d.cfg.Enabled && amount > 0 && d.enqueue(logger, lockingPubkey, hash[:], amount, channelID, sequenceNumber)
	event.Dispatched = queued

	if d.callback != nil {
		d.callback(event)
	}
}

func (d *Dispatcher) enqueue(logger *log.Logger, lockingPubkey, headerHash []byte, amount uint64, channelID, sequenceNumber uint32) bool {
	lockingKey, err := mintquote.ParseLockingKey(channelID, lockingPubkey)
	if err != nil {
		d.rejected.Add(1)
		logger.WithError(err).Warn("cannot dispatch quote", "sequence_number", sequenceNumber)
		return false
	}

	j := job{
		amount:     amount,
		headerHash: headerHash,
		lockingKey: lockingKey,
		qctx: hub.PendingQuoteContext{
			ChannelID:      channelID,
			SequenceNumber: sequenceNumber,
			Amount:         amount,
		},
	}

	select {
	case <-d.done:
		d.dropped.Add(1)
		return false
	default:
	}

	select {
	case d.jobs <- j:
		return true
	default:
		d.dropped.Add(1)
		logger.Warn("dispatch queue full, dropping quote", "sequence_number", sequenceNumber)
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context, workerID int) {
	defer d.wg.Done()
	logger := d.logger.WithFields("worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case j := <-d.jobs:
			d.dispatch(logger, j)
		}
	}
}

func (d *Dispatcher) dispatch(logger *log.Logger, j job) {
	parsed, err := mintquote.BuildRequest(j.amount, j.headerHash, j.lockingKey, nil)
	if err != nil {
		d.failed.Add(1)
		logger.WithChannel(j.qctx.ChannelID).WithError(err).Error("failed to build quote request")
		return
	}

	if err := d.sender.SendQuoteRequest(parsed, j.qctx); err != nil {
		d.failed.Add(1)
		failLog := logger.WithChannel(j.qctx.ChannelID).WithShareHash(parsed.ShareHash[:]).WithError(err)
		if errors.Is(err, hub.ErrNoReceivers) {
			failLog.Warn("no mint connection subscribed to quote requests")
		} else {
			failLog.Error("failed to send quote request")
		}
		return
	}

	d.dispatched.Add(1)
	logger.LogQuoteDispatched(j.qctx.ChannelID, j.qctx.SequenceNumber, j.amount,
		ehash.CalculateDifficulty(parsed.ShareHash))
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted:  d.submitted.Load(),
		Rejected:   d.rejected.Load(),
		Dispatched: d.dispatched.Load(),
		Dropped:    d.dropped.Load(),
		Failed:     d.failed.Load(),
	}
}
