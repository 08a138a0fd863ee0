package status

import (
	"context"
	"sync"
)

const subscriptionBuffer = 64

// Hub fans events out to in-process subscribers, filtered by request id or
// facility id.
type Hub struct {
	mu     sync.Mutex
	subs   map[*hubSub]struct{}
	closed bool

	dropped uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*hubSub]struct{})}
}

// Subscribe implements Feed.
func (h *Hub) Subscribe(ctx context.Context, requestID string) (Subscription, error) {
	return h.subscribe(ctx, func(ev Event) bool { return ev.RequestID == requestID }), nil
}

// SubscribeFacility streams changes of every request addressed to facilityID.
func (h *Hub) SubscribeFacility(ctx context.Context, facilityID string) (Subscription, error) {
	return h.subscribe(ctx, func(ev Event) bool { return ev.FacilityID == facilityID }), nil
}

func (h *Hub) subscribe(ctx context.Context, match func(Event) bool) *hubSub {
	s := &hubSub{hub: h, match: match, ch: make(chan Event, subscriptionBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closeChannels()
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Publish delivers ev to every matching subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Dropped is the number of events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribers is the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*hubSub]struct{})
	h.closed = true
	h.mu.Unlock()

	for s := range subs {
		s.closeChannels()
	}
}

type hubSub struct {
	hub   *Hub
	match func(Event) bool
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

func (s *hubSub) Events() <-chan Event { return s.ch }

func (s *hubSub) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.closeChannels()
	return nil
}

func (s *hubSub) closeChannels() {
	s.once.Do(func() {
		// serialize with Publish
		s.hub.mu.Lock()
		close(s.ch)
		s.hub.mu.Unlock()
		close(s.done)
	})
}
