package status

import (
	"context"
	"fmt"
	"sync"
)

// Listener keeps exactly one subscription open: the one for the session's
// active request.
type Listener struct {
	feed Feed

	mu  sync.Mutex
	id  string
	sub Subscription
	wg  sync.WaitGroup
}

// NewListener returns a detached Listener over feed.
func NewListener(feed Feed) *Listener {
	return &Listener{feed: feed}
}

// Attach subscribes to requestID, closing any previous subscription first.
// deliver runs on a dedicated goroutine for each event until the
// subscription is replaced or detached.
func (l *Listener) Attach(ctx context.Context, requestID string, deliver func(Event)) error {
	l.Detach()

	sub, err := l.feed.Subscribe(ctx, requestID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", requestID, err)
	}

	l.mu.Lock()
	l.id = requestID
	l.sub = sub
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for ev := range sub.Events() {
			deliver(ev)
		}
	}()
	return nil
}

// Detach closes the current subscription, if any.
func (l *Listener) Detach() {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.id = ""
	l.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

// ActiveID is the request currently subscribed to, or "".
func (l *Listener) ActiveID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// Wait blocks until every delivery goroutine started by Attach has returned.
// Call it after Detach.
func (l *Listener) Wait() {
	l.wg.Wait()
}
