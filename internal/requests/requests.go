// Package requests defines transfer requests sent from a field responder to a
// receiving facility, and the store contract they are persisted through.
package requests

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/linnemanlabs/ermct/internal/status"
	"github.com/linnemanlabs/ermct/internal/triage"
)

// ErrNotFound is returned when a request id does not exist.
var ErrNotFound = errors.New("requests: not found")

// Request is one transfer request.
type Request struct {
	ID              string        `json:"id"`
	FacilityID      string        `json:"hospital_id"`
	RequesterID     string        `json:"paramedic_id"`
	Symptoms        string        `json:"symptoms"`
	KTASLevel       *int          `json:"ktas_level,omitempty"`
	BloodPressure   string        `json:"vitals_bp,omitempty"`
	Respiration     *int          `json:"vitals_resp,omitempty"`
	Pulse           *int          `json:"vitals_pulse,omitempty"`
	Status          status.Status `json:"status"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Event is the change notification for r.
func (r *Request) Event() status.Event {
	return status.Event{
		RequestID:  r.ID,
		FacilityID: r.FacilityID,
		Status:     r.Status,
		Reason:     r.RejectionReason,
		At:         r.UpdatedAt,
	}
}

// FromCase builds a waiting request for facilityID from the case data.
// Numeric vitals that do not parse to a positive value are left empty.
func FromCase(facilityID, requesterID string, c triage.Case) *Request {
	r := &Request{
		FacilityID:    facilityID,
		RequesterID:   requesterID,
		Symptoms:      strings.TrimSpace(c.Symptoms),
		BloodPressure: strings.TrimSpace(c.BloodPressure),
		Status:        status.Waiting,
	}
	if c.Level != nil {
		lv := *c.Level
		r.KTASLevel = &lv
	}
	if n := triage.ParseVital(c.Respiration); n > 0 {
		r.Respiration = &n
	}
	if n := triage.ParseVital(c.Pulse); n > 0 {
		r.Pulse = &n
	}
	return r
}

// Filter narrows ListByFacility. A zero Filter lists everything.
type Filter struct {
	Status status.Status
	Limit  int
}

// Store persists transfer requests.
type Store interface {
	// Create assigns ID, status waiting and timestamps, stores r and returns
	// the stored copy.
	Create(ctx context.Context, r *Request) (*Request, error)
	Get(ctx context.Context, id string) (*Request, bool, error)
	// UpdateStatus sets the status (and rejection reason) of id. It returns
	// ErrNotFound for unknown ids.
	UpdateStatus(ctx context.Context, id string, s status.Status, reason string) (*Request, error)
	// ListByFacility returns requests for a facility, newest first.
	ListByFacility(ctx context.Context, facilityID string, f Filter) ([]*Request, error)
}

// Feed is the change feed of a Store: by request for the responder session,
// by facility for operator tooling.
type Feed interface {
	status.Feed
	SubscribeFacility(ctx context.Context, facilityID string) (status.Subscription, error)
}

// ErrInvalidTransition is returned when a status change skips or reverses the
// request lifecycle.
var ErrInvalidTransition = errors.New("requests: invalid status transition")

// CanTransition reports whether a request may move from one status to
// another. Repeating the current status is allowed.
func CanTransition(from, to status.Status) bool {
	if from == to {
		return true
	}
	switch from {
	case status.Waiting:
		return to == status.Approved || to == status.Rejected
	case status.Approved:
		return to == status.Transferring
	case status.Transferring:
		return to == status.Completed
	}
	return false
}

// Sources returns every status that may transition to to.
func Sources(to status.Status) []status.Status {
	var out []status.Status
	for _, from := range []status.Status{status.Waiting, status.Approved, status.Rejected, status.Transferring, status.Completed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
