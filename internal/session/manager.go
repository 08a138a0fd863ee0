package session

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/ermct/internal/clock"
	"github.com/linnemanlabs/ermct/internal/geo"
	"github.com/linnemanlabs/ermct/internal/voice"
)

// DefaultIdleTTL is how long a session may go without commands before
// EvictIdle closes it.
const DefaultIdleTTL = 2 * time.Hour

// Handle is a running session together with the device-fed inputs the API
// writes into.
type Handle struct {
	*Machine
	Device   *voice.Device
	Location *geo.Reported
}

// Manager holds the running sessions keyed by id.
type Manager struct {
	ctx  context.Context
	cfg  Config
	deps Deps
	ttl  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Handle
}

// NewManager creates an empty Manager. Every session it creates gets its own
// voice.Device and geo.Reported; deps.Microphone and deps.Locator are ignored.
func NewManager(ctx context.Context, cfg Config, deps Deps, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		deps:     deps,
		ttl:      idleTTL,
		sessions: make(map[string]*Handle),
	}
}

// Create starts a session for the responder owner.
func (mg *Manager) Create(owner string) *Handle {
	id := ulid.Make().String()

	deps := mg.deps
	dev := voice.NewDevice()
	loc := geo.NewReported()
	deps.Microphone = dev
	deps.Locator = loc

	h := &Handle{
		Machine:  New(mg.ctx, id, owner, mg.cfg, deps),
		Device:   dev,
		Location: loc,
	}

	mg.mu.Lock()
	mg.sessions[id] = h
	mg.mu.Unlock()
	mg.deps.Metrics.sessionOpened()
	return h
}

// Get returns the session id.
func (mg *Manager) Get(id string) (*Handle, error) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	h, ok := mg.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Remove closes and forgets the session id.
func (mg *Manager) Remove(id string) error {
	mg.mu.Lock()
	h, ok := mg.sessions[id]
	delete(mg.sessions, id)
	mg.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	h.Close()
	mg.deps.Metrics.sessionClosed(false)
	return nil
}

// Len is the number of running sessions.
func (mg *Manager) Len() int {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return len(mg.sessions)
}

// EvictIdle closes sessions whose last command is older than the idle TTL
// at now, and returns how many it closed.
func (mg *Manager) EvictIdle(now time.Time) int {
	var idle []*Handle
	mg.mu.Lock()
	for id, h := range mg.sessions {
		if now.Sub(h.LastActive()) >= mg.ttl {
			idle = append(idle, h)
			delete(mg.sessions, id)
		}
	}
	mg.mu.Unlock()

	for _, h := range idle {
		h.Close()
		mg.deps.Metrics.sessionClosed(true)
	}
	return len(idle)
}

// Run evicts idle sessions every interval until ctx is done.
func (mg *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := mg.EvictIdle(mg.deps.Clock.Now()); n > 0 && mg.deps.Logger != nil {
				mg.deps.Logger.Info(ctx, "evicted idle sessions", "count", n)
			}
		}
	}
}

// Close closes every session.
func (mg *Manager) Close() {
	mg.mu.Lock()
	all := mg.sessions
	mg.sessions = make(map[string]*Handle)
	mg.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Close()
			mg.deps.Metrics.sessionClosed(false)
		}()
	}
	wg.Wait()
}
