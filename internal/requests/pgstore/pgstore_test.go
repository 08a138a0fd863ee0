package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/postgres"
	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/requests/pgstore"
	"github.com/linnemanlabs/ermct/internal/status"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("ERMCT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ERMCT_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.Options{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		pool.Close()
	})
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	lv, resp, pulse := 2, 24, 110
	created, err := s.Create(ctx, &requests.Request{
		FacilityID:    "H-create",
		RequesterID:   "u1",
		Symptoms:      "가슴 통증",
		KTASLevel:     &lv,
		BloodPressure: "150/95",
		Respiration:   &resp,
		Pulse:         &pulse,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.Status != status.Waiting {
		t.Fatalf("created = %+v", created)
	}

	got, ok, err := s.Get(ctx, created.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Symptoms != "가슴 통증" || got.KTASLevel == nil || *got.KTASLevel != 2 || got.Pulse == nil || *got.Pulse != 110 {
		t.Errorf("got = %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false")
	}
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r, err := s.Create(ctx, &requests.Request{FacilityID: "H-life"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.UpdateStatus(ctx, r.ID, status.Completed, ""); !errors.Is(err, requests.ErrInvalidTransition) {
		t.Fatalf("skip err = %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "missing", status.Approved, ""); !errors.Is(err, requests.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	for _, st := range []status.Status{status.Approved, status.Transferring, status.Completed} {
		got, err := s.UpdateStatus(ctx, r.ID, st, "")
		if err != nil {
			t.Fatalf("UpdateStatus %s: %v", st, err)
		}
		if got.Status != st {
			t.Errorf("status = %s, want %s", got.Status, st)
		}
	}
}

func TestListenDeliversChanges(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(log.WithContext(context.Background(), log.Nop()))
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Listen(ctx)
	}()

	r, err := s.Create(ctx, &requests.Request{FacilityID: "H-listen"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, err := s.Subscribe(ctx, r.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// give LISTEN a moment to register before the update
	time.Sleep(200 * time.Millisecond)
	if _, err := s.UpdateStatus(ctx, r.ID, status.Rejected, "no beds"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Status != status.Rejected || ev.Reason != "no beds" || ev.FacilityID != "H-listen" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	cancel()
	<-done
}

func TestListByFacility(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	facility := "H-list-" + time.Now().Format("150405.000000")

	a, _ := s.Create(ctx, &requests.Request{FacilityID: facility})
	b, _ := s.Create(ctx, &requests.Request{FacilityID: facility})
	if _, err := s.UpdateStatus(ctx, a.ID, status.Approved, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	all, err := s.ListByFacility(ctx, facility, requests.Filter{})
	if err != nil {
		t.Fatalf("ListByFacility: %v", err)
	}
	if len(all) != 2 || all[0].ID != b.ID {
		t.Errorf("all = %d items, first %q", len(all), all[0].ID)
	}

	waiting, _ := s.ListByFacility(ctx, facility, requests.Filter{Status: status.Waiting})
	if len(waiting) != 1 || waiting[0].ID != b.ID {
		t.Errorf("waiting = %+v", waiting)
	}
}
