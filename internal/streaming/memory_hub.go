package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrHubClosed is returned by a MemoryHub after Close.
var ErrHubClosed = errors.New("event hub closed")

const defaultBuffer = 64

type subscription struct {
	filter EventFilter
	events chan StreamEvent
}

// MemoryHub is an EventHub for a single process. Publish never blocks: an
// event that does not fit a subscriber's buffer is dropped for that
// subscriber only.
type MemoryHub struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool

	dropped atomic.Int64
}

// MemoryHubOption configures a MemoryHub.
type MemoryHubOption func(*MemoryHub)

// WithBuffer sets the per-subscription buffer. Values below 1 are ignored.
func WithBuffer(n int) MemoryHubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewMemoryHub(opts ...MemoryHubOption) *MemoryHub {
	h := &MemoryHub{buffer: defaultBuffer, subs: map[uint64]*subscription{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscription that lives until the returned func is
// called, ctx ends, or the hub is closed.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{filter: filter, events: make(chan StreamEvent, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			h.remove(id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		}
	}()
	return sub.events, unsubscribe, nil
}

// remove closes the subscription's channel unless Close already did.
func (h *MemoryHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.events)
	}
}

// Close ends every subscription and rejects further use.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.events)
	}
}

// Subscribers is the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the total number of events discarded across subscriptions.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }
