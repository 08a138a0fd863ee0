// Package natsfeed distributes transfer request changes over NATS so that
// several ermct instances share one change feed.
//
// Subjects are ermct.requests.<facility>.<request>.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/status"
)

const (
	subjectPrefix = "ermct.requests"
	bufferSize    = 64
)

// Bus is the subset of a NATS connection the feed needs.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	Timeout       time.Duration
}

// Connect dials NATS and returns the connection wrapped as a Bus.
func Connect(cfg Config) (*ConnBus, error) {
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsfeed: connect: %w", err)
	}
	return &ConnBus{nc: nc}, nil
}

// ConnBus adapts *nats.Conn to Bus.
type ConnBus struct {
	nc *nats.Conn
}

// NewConnBus wraps an existing connection.
func NewConnBus(nc *nats.Conn) *ConnBus { return &ConnBus{nc: nc} }

func (b *ConnBus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

func (b *ConnBus) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Close drains the connection.
func (b *ConnBus) Close() error {
	return b.nc.Drain()
}

// Subject is the subject a change of request id at facility is published on.
func Subject(facilityID, requestID string) string {
	return subjectPrefix + "." + token(facilityID) + "." + token(requestID)
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Store decorates a requests.Store, publishing every successful write.
type Store struct {
	requests.Store
	bus    Bus
	logger log.Logger
}

// NewStore wraps inner. Publish failures are logged and do not fail writes.
func NewStore(inner requests.Store, bus Bus, logger log.Logger) *Store {
	return &Store{Store: inner, bus: bus, logger: logger}
}

// Create stores r and publishes the new request.
func (s *Store) Create(ctx context.Context, r *requests.Request) (*requests.Request, error) {
	out, err := s.Store.Create(ctx, r)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

// UpdateStatus updates and publishes the change.
func (s *Store) UpdateStatus(ctx context.Context, id string, st status.Status, reason string) (*requests.Request, error) {
	out, err := s.Store.UpdateStatus(ctx, id, st, reason)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, out)
	return out, nil
}

func (s *Store) publish(ctx context.Context, r *requests.Request) {
	data, err := json.Marshal(r.Event())
	if err == nil {
		err = s.bus.Publish(Subject(r.FacilityID, r.ID), data)
	}
	if err != nil {
		s.logger.Error(ctx, err, "publish request change failed", "request_id", r.ID, "status", string(r.Status))
	}
}

// Feed subscribes to request changes on the bus.
type Feed struct {
	bus Bus
}

var _ requests.Feed = (*Feed)(nil)

// NewFeed returns a Feed over bus.
func NewFeed(bus Bus) *Feed { return &Feed{bus: bus} }

// Subscribe implements status.Feed.
func (f *Feed) Subscribe(ctx context.Context, requestID string) (status.Subscription, error) {
	return f.subscribe(ctx, subjectPrefix+".*."+token(requestID))
}

// SubscribeFacility streams changes of every request addressed to facilityID.
func (f *Feed) SubscribeFacility(ctx context.Context, facilityID string) (status.Subscription, error) {
	return f.subscribe(ctx, subjectPrefix+"."+token(facilityID)+".*")
}

func (f *Feed) subscribe(ctx context.Context, subject string) (status.Subscription, error) {
	s := &subscription{ch: make(chan status.Event, bufferSize), done: make(chan struct{})}
	unsub, err := f.bus.Subscribe(subject, s.deliver)
	if err != nil {
		return nil, fmt.Errorf("natsfeed: subscribe %s: %w", subject, err)
	}
	s.unsub = unsub

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type subscription struct {
	mu     sync.Mutex
	ch     chan status.Event
	done   chan struct{}
	closed bool
	unsub  func() error
}

func (s *subscription) deliver(data []byte) {
	var ev status.Event
	if err := json.Unmarshal(data, &ev); err != nil || !ev.Status.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) Events() <-chan status.Event { return s.ch }

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	unsub := s.unsub
	s.mu.Unlock()

	if unsub != nil {
		return unsub()
	}
	return nil
}
