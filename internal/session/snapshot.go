package session

import (
	"time"

	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/status"
	"github.com/linnemanlabs/ermct/internal/triage"
)

// Transition records when a view was entered.
type Transition struct {
	View View      `json:"view"`
	At   time.Time `json:"at"`
}

// Pending lists the external calls in flight.
type Pending struct {
	Inference bool `json:"inference"`
	Routing   bool `json:"routing"`
	Locating  bool `json:"locating"`
	Refining  bool `json:"refining"`
	Creating  bool `json:"creating"`
}

// Snapshot is an immutable copy of the session state, published after every
// applied event.
type Snapshot struct {
	SessionID string `json:"session_id"`
	Version   uint64 `json:"version"`
	View      View   `json:"view"`
	// Exited is set when Back is used on the first screen.
	Exited bool `json:"exited,omitempty"`

	Case   triage.Case `json:"case"`
	Locked bool        `json:"ktas_locked"`

	// Candidates is empty while Loading.
	Candidates []routing.Candidate `json:"candidates"`
	Loading    bool                `json:"loading"`

	Selected        *routing.Candidate `json:"selected,omitempty"`
	RequestID       string             `json:"request_id,omitempty"`
	Status          status.Status      `json:"status,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`

	Voice   string  `json:"voice"`
	Pending Pending `json:"pending"`
	// Notice is a user-facing message about the last failed action.
	Notice string `json:"notice,omitempty"`

	Transitions []Transition `json:"transitions"`
}
