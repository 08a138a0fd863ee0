// Package voice captures a spoken field report from the responder's device and
// submits it for remote inference.
//
// A Pipeline runs at most one capture cycle at a time:
//
//	Idle -> Recording -> Stopped -> Processing -> Idle
//
// Recording is capped at MaxDuration; the cap forces Stop.
package voice

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/ermct/internal/routing"
)

const (
	// MaxDuration is the hard lifetime of a recording, measured from Start.
	MaxDuration = 60 * time.Second

	ContentType = "audio/webm"
	Filename    = "recording.webm"
)

var (
	// ErrPermissionDenied is returned by Microphone.Open when access is refused.
	ErrPermissionDenied = errors.New("voice: microphone permission denied")

	// ErrBusy is returned when a microphone is already streaming.
	ErrBusy = errors.New("voice: microphone already open")

	// ErrNotRecording is returned when audio is pushed with no open stream.
	ErrNotRecording = errors.New("voice: not recording")
)

// State is the pipeline phase.
type State int

const (
	Idle State = iota
	Recording
	Stopped
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	case Processing:
		return "processing"
	}
	return "unknown"
}

// Microphone grants access to an audio source.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream delivers audio chunks until closed. Chunks is closed after Close.
type Stream interface {
	Chunks() <-chan []byte
	Close() error
}

// Archiver keeps a copy of each finalized recording.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, a routing.Audio) error
}

// Result is the outcome of one processing cycle.
type Result struct {
	Response *routing.Response
	Err      error
}
