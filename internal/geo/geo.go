// Package geo obtains the responder's position once per session so candidate
// facilities can be re-ranked by distance.
package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/ermct/internal/clock"
	"github.com/linnemanlabs/ermct/internal/fault"
)

// DefaultTimeout bounds a single location request.
const DefaultTimeout = 15 * time.Second

var (
	// ErrUnavailable means the platform has no location capability.
	ErrUnavailable = errors.New("geo: location unavailable")

	// ErrDenied means the user refused location access.
	ErrDenied = errors.New("geo: location denied")

	// ErrTimeout means no position arrived within the timeout.
	ErrTimeout = errors.New("geo: location timed out")

	// ErrAlreadyRequested is returned by Flow.Locate after the first call.
	ErrAlreadyRequested = errors.New("geo: location already requested")
)

// Position is a WGS84 coordinate.
type Position struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Locator resolves the current position.
type Locator interface {
	Locate(ctx context.Context) (Position, error)
}

// Flow issues at most one location request and bounds it with a timeout.
type Flow struct {
	loc     Locator
	clk     clock.Clock
	timeout time.Duration

	mu        sync.Mutex
	requested bool
}

// NewFlow returns a Flow over loc. A zero timeout uses DefaultTimeout.
func NewFlow(loc Locator, clk clock.Clock, timeout time.Duration) *Flow {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Flow{loc: loc, clk: clk, timeout: timeout}
}

// Requested reports whether Locate has been called.
func (f *Flow) Requested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested
}

// Locate requests the position once. Every error means "proceed without
// location": ErrAlreadyRequested on repeat calls, a permission fault on
// denial, ErrUnavailable or ErrTimeout otherwise.
func (f *Flow) Locate(ctx context.Context) (Position, error) {
	f.mu.Lock()
	if f.requested {
		f.mu.Unlock()
		return Position{}, ErrAlreadyRequested
	}
	f.requested = true
	f.mu.Unlock()

	if f.loc == nil {
		return Position{}, ErrUnavailable
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := f.clk.AfterFunc(f.timeout, func() { cancel(ErrTimeout) })
	defer timer.Stop()

	pos, err := f.loc.Locate(ctx)
	switch {
	case err == nil:
		return pos, nil
	case errors.Is(context.Cause(ctx), ErrTimeout):
		return Position{}, ErrTimeout
	case errors.Is(err, ErrDenied):
		return Position{}, fault.PermissionError("geolocation", err)
	}
	return Position{}, err
}
