package geo

import (
	"context"
	"sync"
)

// Reported is a Locator fed by the field device. The device may report before
// or after Locate is called; the latest report wins.
type Reported struct {
	mu      sync.Mutex
	pos     *Position
	err     error
	changed chan struct{}
}

// NewReported returns a Reported locator with no report yet.
func NewReported() *Reported {
	return &Reported{changed: make(chan struct{})}
}

// Report records the device position.
func (r *Reported) Report(p Position) {
	r.update(&p, nil)
}

// Deny records that the user refused location access.
func (r *Reported) Deny() {
	r.update(nil, ErrDenied)
}

// Unavailable records that the device has no location capability.
func (r *Reported) Unavailable() {
	r.update(nil, ErrUnavailable)
}

func (r *Reported) update(p *Position, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos, r.err = p, err
	close(r.changed)
	r.changed = make(chan struct{})
}

// Locate waits for a report or ctx cancellation.
func (r *Reported) Locate(ctx context.Context) (Position, error) {
	for {
		r.mu.Lock()
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return Position{}, err
		}
		if r.pos != nil {
			p := *r.pos
			r.mu.Unlock()
			return p, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
}
