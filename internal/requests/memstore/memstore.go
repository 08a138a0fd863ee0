// Package memstore provides an in-memory implementation of requests.Store and
// requests.Feed.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/status"
)

var (
	_ requests.Store = (*Store)(nil)
	_ requests.Feed  = (*Store)(nil)
)

// Store holds transfer requests in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*requests.Request // request ID -> request
	hub      *status.Hub
	now      func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		requests: make(map[string]*requests.Request),
		hub:      status.NewHub(),
		now:      time.Now,
	}
}

// Close ends every open subscription.
func (s *Store) Close() {
	s.hub.Close()
}

// Create stores a copy of r with a fresh ID and status waiting.
func (s *Store) Create(_ context.Context, r *requests.Request) (*requests.Request, error) {
	if r.FacilityID == "" {
		return nil, fmt.Errorf("memstore: facility id is required")
	}
	now := s.now().UTC()

	cp := *r
	cp.ID = ulid.Make().String()
	cp.Status = status.Waiting
	cp.RejectionReason = ""
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.mu.Lock()
	s.requests[cp.ID] = &cp
	s.mu.Unlock()

	s.hub.Publish(cp.Event())
	out := cp
	return &out, nil
}

// Get retrieves a request by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*requests.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// UpdateStatus moves id to st and publishes the change.
func (s *Store) UpdateStatus(_ context.Context, id string, st status.Status, reason string) (*requests.Request, error) {
	s.mu.Lock()
	r, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, requests.ErrNotFound
	}
	if !requests.CanTransition(r.Status, st) {
		from := r.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", requests.ErrInvalidTransition, from, st)
	}
	r.Status = st
	if st == status.Rejected {
		r.RejectionReason = reason
	}
	r.UpdatedAt = s.now().UTC()
	cp := *r
	s.mu.Unlock()

	s.hub.Publish(cp.Event())
	return &cp, nil
}

// ListByFacility returns copies of the facility's requests, newest first.
func (s *Store) ListByFacility(_ context.Context, facilityID string, f requests.Filter) ([]*requests.Request, error) {
	s.mu.RLock()
	var out []*requests.Request
	for _, r := range s.requests {
		if r.FacilityID != facilityID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Subscribe streams changes of one request.
func (s *Store) Subscribe(ctx context.Context, requestID string) (status.Subscription, error) {
	return s.hub.Subscribe(ctx, requestID)
}

// SubscribeFacility streams changes of every request addressed to facilityID.
func (s *Store) SubscribeFacility(ctx context.Context, facilityID string) (status.Subscription, error) {
	return s.hub.SubscribeFacility(ctx, facilityID)
}
