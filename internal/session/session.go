// Package session runs one field case from intake to completed transfer.
//
// A Machine is an actor: user commands, timer firings, network completions
// and status notifications are queued onto a single goroutine and applied one
// at a time. External calls run on their own goroutines and post their
// result back as another event. Results that arrive after the session moved
// on are matched against generation counters and dropped.
package session

import (
	"errors"
	"fmt"
	"time"
)

// View is the screen the responder is on.
type View string

const (
	ViewInput        View = "input"
	ViewReview       View = "review"
	ViewList         View = "list"
	ViewConfirm      View = "confirm"
	ViewTransferring View = "transferring"
	ViewCompleted    View = "completed"
)

// Valid reports whether v is a known view.
func (v View) Valid() bool {
	switch v {
	case ViewInput, ViewReview, ViewList, ViewConfirm, ViewTransferring, ViewCompleted:
		return true
	}
	return false
}

var (
	// ErrClosed is returned by commands on a closed Machine.
	ErrClosed = errors.New("session: closed")

	// ErrNotFound is returned by Manager lookups for unknown ids.
	ErrNotFound = errors.New("session: not found")

	// ErrRequestPending is returned by Select on the list while the request of
	// an abandoned selection is still being created.
	ErrRequestPending = errors.New("session: previous transfer request still pending")
)

// WrongViewError reports a command that is not allowed on the current view.
type WrongViewError struct {
	Command string
	View    View
}

func (e *WrongViewError) Error() string {
	return fmt.Sprintf("session: %s not allowed in view %s", e.Command, e.View)
}

func wrongView(cmd string, v View) error {
	return &WrongViewError{Command: cmd, View: v}
}

// Timer defaults.
const (
	DefaultFallbackDelay = 2500 * time.Millisecond
	DefaultTransferDelay = 5 * time.Second
	DefaultCallTimeout   = 30 * time.Second
)
