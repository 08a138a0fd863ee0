package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/clock"
	"github.com/linnemanlabs/ermct/internal/geo"
	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/requests/memstore"
	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/status"
)

var errRemote = errors.New("remote unavailable")

func lv(n int) *int { return &n }

func ptr[T any](v T) *T { return &v }

// hospitals builds a ranked response without distance data.
func hospitals(level int, ids ...string) *routing.Response {
	r := &routing.Response{Case: routing.CaseEcho{KTAS: level}}
	for _, id := range ids {
		r.Hospitals = append(r.Hospitals, routing.Hospital{ID: id, Name: "병원 " + id, TotalEffectiveBeds: 2})
	}
	return r
}

type fakeRouting struct {
	mu          sync.Mutex
	base        *routing.Response
	baseErr     error
	nearest     *routing.Response
	nearestErr  error
	baseCalls   []routing.RouteRequest
	nearestReqs []routing.NearestRequest

	// baseGate, when set, holds RouteByAcuity until closed.
	baseGate chan struct{}
}

func (f *fakeRouting) RouteByAcuity(ctx context.Context, req routing.RouteRequest) (*routing.Response, error) {
	f.mu.Lock()
	f.baseCalls = append(f.baseCalls, req)
	gate := f.baseGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base, f.baseErr
}

func (f *fakeRouting) RouteNearest(_ context.Context, req routing.NearestRequest) (*routing.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nearestReqs = append(f.nearestReqs, req)
	return f.nearest, f.nearestErr
}

func (f *fakeRouting) baseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.baseCalls)
}

func (f *fakeRouting) nearestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nearestReqs)
}

type fakeInferencer struct {
	mu        sync.Mutex
	text      *routing.Response
	textErr   error
	audio     *routing.Response
	audioErr  error
	reports   []string
	audioSeen int
}

func (f *fakeInferencer) InferText(_ context.Context, report string) (*routing.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return f.text, f.textErr
}

func (f *fakeInferencer) InferAudio(_ context.Context, _ routing.Audio) (*routing.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioSeen++
	return f.audio, f.audioErr
}

func (f *fakeInferencer) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

// gatedStore wraps a memstore. Create fails while err is set and waits for
// gate when one is installed.
type gatedStore struct {
	*memstore.Store

	mu      sync.Mutex
	err     error
	gate    chan struct{}
	creates []*requests.Request
}

func (g *gatedStore) Create(ctx context.Context, r *requests.Request) (*requests.Request, error) {
	g.mu.Lock()
	g.creates = append(g.creates, r)
	err, gate := g.err, g.gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return g.Store.Create(ctx, r)
}

func (g *gatedStore) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.creates)
}

type fakeLocator struct {
	pos geo.Position
	err error
}

func (f fakeLocator) Locate(context.Context) (geo.Position, error) {
	return f.pos, f.err
}

// blockingLocator never answers; it returns once its context ends.
type blockingLocator struct{}

func (blockingLocator) Locate(ctx context.Context) (geo.Position, error) {
	<-ctx.Done()
	return geo.Position{}, ctx.Err()
}

// decidedBeforeSubscribe approves the request just before its subscription
// goes live, so the approval is never published to it.
type decidedBeforeSubscribe struct {
	*memstore.Store
}

func (d decidedBeforeSubscribe) Subscribe(ctx context.Context, id string) (status.Subscription, error) {
	if _, err := d.UpdateStatus(ctx, id, status.Approved, ""); err != nil {
		return nil, err
	}
	return d.Store.Subscribe(ctx, id)
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (n *recordingNotifier) Notify(_ context.Context, o Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
	return nil
}

func (n *recordingNotifier) statuses() []status.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []status.Status
	for _, o := range n.outcomes {
		out = append(out, o.Status)
	}
	return out
}

type harness struct {
	m      *Machine
	clk    *clock.Fake
	route  *fakeRouting
	infer  *fakeInferencer
	store  *gatedStore
	notify *recordingNotifier
}

type harnessOption func(*Config, *Deps)

func withReview() harnessOption {
	return func(c *Config, _ *Deps) { c.ReviewStep = true }
}

func withFeed(f status.Feed) harnessOption {
	return func(_ *Config, d *Deps) { d.Feed = f }
}

func withLocator(l geo.Locator) harnessOption {
	return func(_ *Config, d *Deps) { d.Locator = l }
}

func withCallTimeout(d time.Duration) harnessOption {
	return func(c *Config, _ *Deps) { c.CallTimeout = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
		route:  &fakeRouting{base: hospitals(1, "h1", "h2", "h3", "h4")},
		infer:  &fakeInferencer{textErr: errRemote, audioErr: errRemote},
		store:  &gatedStore{Store: memstore.New()},
		notify: &recordingNotifier{},
	}
	cfg := Config{}
	deps := Deps{
		Routing:    h.route,
		Inferencer: h.infer,
		Requests:   h.store,
		Feed:       h.store,
		Notifier:   h.notify,
		Clock:      h.clk,
		Logger:     log.Nop(),
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.m = New(context.Background(), "s1", "medic-1", cfg, deps)
	t.Cleanup(func() {
		h.m.Close()
		h.store.Close()
	})
	return h
}

// sync waits until every event queued before it has been applied.
func (h *harness) sync(t *testing.T) Snapshot {
	t.Helper()
	if err := h.m.call(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return h.m.Snapshot()
}

// waitFor blocks until cond holds for a published snapshot.
func (h *harness) waitFor(t *testing.T, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ch, cancel := h.m.Subscribe()
	defer cancel()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("waiting for %s: machine closed", what)
			}
			if cond(s) {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, h.m.Snapshot())
		}
	}
}

func (h *harness) must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// toList types a classifiable case and finalizes it straight to the list.
func (h *harness) toList(t *testing.T) Snapshot {
	t.Helper()
	ctx := context.Background()
	h.must(t, h.m.UpdateCase(ctx, patchSymptoms("가슴 통증")))
	h.must(t, h.m.Finalize(ctx))
	if h.m.cfg.ReviewStep {
		h.must(t, h.m.Navigate(ctx, ViewList))
	}
	return h.waitFor(t, "candidates", func(s Snapshot) bool {
		return s.View == ViewList && len(s.Candidates) > 0 && !s.Pending.Inference && !s.Loading
	})
}

func idle(s Snapshot) bool {
	return !s.Pending.Inference && !s.Pending.Routing && !s.Pending.Creating && !s.Loading
}
