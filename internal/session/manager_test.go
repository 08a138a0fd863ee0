package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/ermct/internal/clock"
	"github.com/linnemanlabs/ermct/internal/geo"
	"github.com/linnemanlabs/ermct/internal/requests/memstore"
)

func newManager(t *testing.T, clk *clock.Fake) (*Manager, *Metrics) {
	t.Helper()
	store := memstore.New()
	metrics := NewMetrics(prometheus.NewRegistry())
	near := hospitals(1, "h1")
	near.Hospitals[0].Distance = ptr(1200.0)
	mg := NewManager(context.Background(), Config{}, Deps{
		Routing:    &fakeRouting{base: hospitals(1, "h1"), nearest: near},
		Inferencer: &fakeInferencer{textErr: errRemote, audioErr: errRemote},
		Requests:   store,
		Feed:       store,
		Clock:      clk,
		Logger:     log.Nop(),
		Metrics:    metrics,
	}, time.Hour)
	t.Cleanup(func() {
		mg.Close()
		store.Close()
	})
	return mg, metrics
}

func TestManager_CreateGetRemove(t *testing.T) {
	t.Parallel()
	mg, metrics := newManager(t, clock.NewFake(time.Now()))

	a := mg.Create("medic-1")
	b := mg.Create("medic-2")
	if a.ID() == b.ID() {
		t.Fatal("duplicate session ids")
	}
	if a.Owner() != "medic-1" {
		t.Errorf("owner = %q", a.Owner())
	}
	if got := testutil.ToFloat64(metrics.SessionsActive); got != 2 {
		t.Errorf("active gauge = %v", got)
	}

	got, err := mg.Get(a.ID())
	if err != nil || got != a {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if err := mg.Remove(a.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := mg.Get(a.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove err = %v", err)
	}
	if err := mg.Remove(a.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove err = %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Error("removed session still running")
	}
	if mg.Len() != 1 {
		t.Errorf("Len = %d", mg.Len())
	}
}

func TestManager_EvictIdle(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	mg, metrics := newManager(t, clk)

	old := mg.Create("medic-1")
	clk.Advance(50 * time.Minute)
	fresh := mg.Create("medic-2")
	clk.Advance(15 * time.Minute)

	// a command refreshes activity
	if err := fresh.Back(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := mg.EvictIdle(clk.Now()); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, err := mg.Get(old.ID()); !errors.Is(err, ErrNotFound) {
		t.Error("idle session kept")
	}
	if _, err := mg.Get(fresh.ID()); err != nil {
		t.Error("active session evicted")
	}
	if got := testutil.ToFloat64(metrics.SessionsEvicted); got != 1 {
		t.Errorf("evicted counter = %v", got)
	}
}

func TestManager_DeviceLocationFeedsSession(t *testing.T) {
	t.Parallel()
	mg, _ := newManager(t, clock.NewFake(time.Now()))
	h := mg.Create("medic-1")
	ctx := context.Background()

	h.Location.Report(geo.Position{Lat: 37.56, Lon: 126.97})
	if err := h.UpdateCase(ctx, patchSymptoms("가슴 통증")); err != nil {
		t.Fatal(err)
	}
	if err := h.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	ch, cancel := h.Subscribe()
	defer cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.View == ViewList && idle(s) && len(s.Candidates) == 1 && s.Candidates[0].DistanceKM != nil {
				return
			}
		case <-deadline:
			t.Fatalf("list never settled: %+v", h.Snapshot())
		}
	}
}
