package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoReceivers is returned by a publish that reached no subscriber. It
	// only concerns that publish call.
	ErrNoReceivers = errors.New("hub: no receivers")
	// ErrSubscribersLagged is returned when every subscriber buffer was full
	ErrSubscribersLagged = errors.New("hub: every subscriber lagged")
	// ErrSubscriptionClosed is returned when receiving from a closed subscription
	ErrSubscriptionClosed = errors.New("hub: subscription closed")
	// ErrRecvTimeout is returned by RecvTimeout when nothing arrived in time
	ErrRecvTimeout = errors.New("hub: receive timed out")
)

// Topic is a broadcast channel with any number of subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the message and has it
// counted as lagged.
type Topic[T any] struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription[T]
	nextID     uint64
	bufferSize int
	lagged     atomic.Uint64
}

// NewTopic creates a topic whose subscribers buffer bufferSize messages
func NewTopic[T any](bufferSize int) *Topic[T] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Topic[T]{
		subs:       make(map[uint64]*Subscription[T]),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription[T]{
		ch:    make(chan T, t.bufferSize),
		topic: t,
		id:    t.nextID,
	}
	t.subs[sub.id] = sub
	t.nextID++
	return sub
}

// Publish delivers msg to every subscriber with buffer room and returns how
// many received it.
func (t *Topic[T]) Publish(msg T) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.subs) == 0 {
		return 0, ErrNoReceivers
	}

	delivered := 0
	for _, sub := range t.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			sub.lagged.Add(1)
			t.lagged.Add(1)
		}
	}
	if delivered == 0 {
		return 0, ErrSubscribersLagged
	}
	return delivered, nil
}

// SubscriberCount returns the number of live subscribers
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Lagged returns the total number of dropped deliveries
func (t *Topic[T]) Lagged() uint64 {
	return t.lagged.Load()
}

func (t *Topic[T]) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(sub.ch)
	}
}

// Subscription receives messages published to a topic
type Subscription[T any] struct {
	ch     chan T
	topic  *Topic[T]
	id     uint64
	lagged atomic.Uint64
	once   sync.Once
}

// C exposes the delivery channel; it is closed when the subscription closes
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Recv waits for the next message
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return zero, ErrSubscriptionClosed
		}
		return msg, nil
	}
}

// RecvTimeout waits at most d for the next message
func (s *Subscription[T]) RecvTimeout(d time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return zero, ErrRecvTimeout
	case msg, ok := <-s.ch:
		if !ok {
			return zero, ErrSubscriptionClosed
		}
		return msg, nil
	}
}

// Lagged returns how many messages this subscriber missed
func (s *Subscription[T]) Lagged() uint64 {
	return s.lagged.Load()
}

// Close detaches the subscription and closes its channel
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.topic.unsubscribe(s.id)
	})
}
