package session

import (
	"context"
	"time"

	"github.com/linnemanlabs/ermct/internal/status"
)

// Outcome is a request resolution worth telling someone about.
type Outcome struct {
	SessionID    string
	RequestID    string
	FacilityID   string
	FacilityName string
	Status       status.Status
	Reason       string
	Level        *int
	// Source is "listener", "fallback" or "transfer".
	Source string
	At     time.Time
}

// Notifier receives outcomes. Failures are logged by the machine.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}
