// Package hub is the in-process broker between share acceptance and the mint
// connection. It carries quote requests, responses and errors on independent
// topics and correlates responses with the mining context of their request by
// share hash.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/pkg/log"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 1024

// PendingQuoteContext routes a response back to the mining channel
type PendingQuoteContext struct {
	ChannelID      uint32
	SequenceNumber uint32
	Amount         uint64
}

// MintQuoteResponseEvent is published for every response. Context is nil when
// no request was pending for the share hash.
type MintQuoteResponseEvent struct {
	Response  *mintquote.MintQuoteResponse
	ShareHash mintquote.ShareHash
	Context   *PendingQuoteContext
}

// ExpiredQuote is a pending request removed by the reaper
type ExpiredQuote struct {
	ShareHash mintquote.ShareHash
	Context   PendingQuoteContext
	Age       time.Duration
}

type pendingEntry struct {
	request   *mintquote.ParsedMintQuoteRequest
	context   PendingQuoteContext
	createdAt time.Time
}

// Role classifies registered connections
type Role string

// Connection roles
const (
	RolePool       Role = "pool"
	RoleMint       Role = "mint"
	RoleDownstream Role = "downstream"
)

// ConnectionID identifies a registered connection
type ConnectionID = uuid.UUID

// Hub owns the pending-correlation table and the three topics. Construct one
// at startup and share it.
type Hub struct {
	requests  *Topic[*mintquote.ParsedMintQuoteRequest]
	responses *Topic[*MintQuoteResponseEvent]
	errors    *Topic[*mintquote.MintQuoteError]

	mu      sync.RWMutex
	pending map[mintquote.ShareHash]*pendingEntry

	connMu      sync.RWMutex
	connections map[ConnectionID]Role

	logger *log.Logger
	now    func() time.Time
}

// New creates a hub
func New(logger *log.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		requests:    NewTopic[*mintquote.ParsedMintQuoteRequest](bufferSize),
		responses:   NewTopic[*MintQuoteResponseEvent](bufferSize),
		errors:      NewTopic[*mintquote.MintQuoteError](bufferSize),
		pending:     make(map[mintquote.ShareHash]*pendingEntry),
		connections: make(map[ConnectionID]Role),
		logger:      logger.WithComponent("hub"),
		now:         time.Now,
	}
}

// SendQuoteRequest records the request context under its share hash and
// publishes the request. A later request for the same hash replaces the
// earlier context. ErrNoReceivers leaves the pending entry in place.
func (h *Hub) SendQuoteRequest(req *mintquote.ParsedMintQuoteRequest, qctx PendingQuoteContext) error {
	h.mu.Lock()
	if _, exists := h.pending[req.ShareHash]; exists {
		h.logger.WithShareHash(req.ShareHash[:]).Debug("replacing pending quote context",
			"channel_id", qctx.ChannelID,
			"sequence_number", qctx.SequenceNumber,
		)
	}
	h.pending[req.ShareHash] = &pendingEntry{
		request:   req,
		context:   qctx,
		createdAt: h.now(),
	}
	h.mu.Unlock()

	_, err := h.requests.Publish(req)
	return err
}

// SendQuoteResponse consumes the pending entry for the response's share hash,
// publishes the resulting event and returns it. The event is returned even
// when publishing fails.
func (h *Hub) SendQuoteResponse(resp *mintquote.MintQuoteResponse) (*MintQuoteResponseEvent, error) {
	shareHash := resp.ShareHash()

	h.mu.Lock()
	entry, ok := h.pending[shareHash]
	if ok {
		delete(h.pending, shareHash)
	}
	h.mu.Unlock()

	event := &MintQuoteResponseEvent{Response: resp, ShareHash: shareHash}
	if ok {
		qctx := entry.context
		event.Context = &qctx
	} else {
		h.logger.WithShareHash(shareHash[:]).WithQuote(resp.QuoteID).
			Warn("no pending quote context for response")
	}

	_, err := h.responses.Publish(event)
	return event, err
}

// SendQuoteError publishes a mint error. Errors carry no share hash, so they
// leave the pending table alone.
func (h *Hub) SendQuoteError(e *mintquote.MintQuoteError) error {
	_, err := h.errors.Publish(e)
	return err
}

// SubscribeRequests subscribes to quote requests
func (h *Hub) SubscribeRequests() *Subscription[*mintquote.ParsedMintQuoteRequest] {
	return h.requests.Subscribe()
}

// SubscribeResponses subscribes to correlated responses
func (h *Hub) SubscribeResponses() *Subscription[*MintQuoteResponseEvent] {
	return h.responses.Subscribe()
}

// SubscribeErrors subscribes to mint errors
func (h *Hub) SubscribeErrors() *Subscription[*mintquote.MintQuoteError] {
	return h.errors.Subscribe()
}

// PendingContext returns the context recorded for a share hash
func (h *Hub) PendingContext(shareHash mintquote.ShareHash) (PendingQuoteContext, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.pending[shareHash]
	if !ok {
		return PendingQuoteContext{}, false
	}
	return entry.context, true
}

// PendingCount returns the size of the pending table
func (h *Hub) PendingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

// RegisterConnection records a live connection and returns its id
func (h *Hub) RegisterConnection(role Role) ConnectionID {
	id := uuid.New()

	h.connMu.Lock()
	h.connections[id] = role
	h.connMu.Unlock()

	h.logger.Debug("connection registered", "connection_id", id.String(), "role", string(role))
	return id
}

// UnregisterConnection forgets a connection
func (h *Hub) UnregisterConnection(id ConnectionID) {
	h.connMu.Lock()
	delete(h.connections, id)
	h.connMu.Unlock()
}

// Stats is a point-in-time view of the hub
type Stats struct {
	RequestSubscribers  int
	ResponseSubscribers int
	ErrorSubscribers    int
	Connections         map[Role]int
	PendingQuotes       int
	OldestPendingAgeMs  int64
	LaggedMessages      uint64
}

// Stats returns current counters. OldestPendingAgeMs is zero when nothing is pending.
func (h *Hub) Stats() Stats {
	stats := Stats{
		RequestSubscribers:  h.requests.SubscriberCount(),
		ResponseSubscribers: h.responses.SubscriberCount(),
		ErrorSubscribers:    h.errors.SubscriberCount(),
		Connections:         make(map[Role]int),
		LaggedMessages:      h.requests.Lagged() + h.responses.Lagged() + h.errors.Lagged(),
	}

	h.connMu.RLock()
	for _, role := range h.connections {
		stats.Connections[role]++
	}
	h.connMu.RUnlock()

	now := h.now()
	h.mu.RLock()
	stats.PendingQuotes = len(h.pending)
	for _, entry := range h.pending {
		if age := now.Sub(entry.createdAt).Milliseconds(); age > stats.OldestPendingAgeMs {
			stats.OldestPendingAgeMs = age
		}
	}
	h.mu.RUnlock()

	return stats
}

// ReapExpired removes pending entries older than maxAge and returns them
func (h *Hub) ReapExpired(maxAge time.Duration) []ExpiredQuote {
	now := h.now()
	var expired []ExpiredQuote

	h.mu.Lock()
	for shareHash, entry := range h.pending {
		if age := now.Sub(entry.createdAt); age > maxAge {
			delete(h.pending, shareHash)
			expired = append(expired, ExpiredQuote{ShareHash: shareHash, Context: entry.context, Age: age})
		}
	}
	h.mu.Unlock()

	for _, e := range expired {
		h.logger.WithShareHash(e.ShareHash[:]).WithChannel(e.Context.ChannelID).
			Warn("pending quote expired without response",
				"sequence_number", e.Context.SequenceNumber,
				"age", e.Age.String(),
			)
	}
	return expired
}

// RunReaper calls ReapExpired every interval until ctx is done
func (h *Hub) RunReaper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := h.ReapExpired(maxAge); len(expired) > 0 {
				h.logger.Info("reaped pending quotes", "count", len(expired))
			}
		}
	}
}
