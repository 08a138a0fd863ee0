// Package status carries transfer request status changes from the store to
// the session that is waiting on them.
package status

import (
	"context"
	"time"
)

// Status is the lifecycle state of a transfer request.
type Status string

const (
	Waiting      Status = "waiting"
	Approved     Status = "approved"
	Rejected     Status = "rejected"
	Transferring Status = "transferring"
	Completed    Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Waiting, Approved, Rejected, Transferring, Completed:
		return true
	}
	return false
}

// Terminal reports whether s is sticky: approved, rejected or completed.
func (s Status) Terminal() bool {
	return s == Approved || s == Rejected || s == Completed
}

// Event is one status change of a request.
type Event struct {
	RequestID  string    `json:"request_id"`
	FacilityID string    `json:"facility_id"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Subscription is a cancellable stream of events. Events is closed after
// Close, or when the subscribing context ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Feed subscribes to the changes of a single request.
type Feed interface {
	Subscribe(ctx context.Context, requestID string) (Subscription, error)
}

// Apply folds ev into current for the session whose active request is
// activeID. It returns the new status and whether ev changed it. Events for
// other requests are discarded, terminal statuses are sticky, and only an
// approval or rejection of a waiting request is applied.
func Apply(current Status, ev Event, activeID string) (Status, bool) {
	if activeID == "" || ev.RequestID != activeID {
		return current, false
	}
	if current.Terminal() || current != Waiting {
		return current, false
	}
	switch ev.Status {
	case Approved, Rejected:
		return ev.Status, true
	}
	return current, false
}
