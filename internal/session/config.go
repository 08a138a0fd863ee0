package session

import (
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/clock"
	"github.com/linnemanlabs/ermct/internal/geo"
	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/status"
	"github.com/linnemanlabs/ermct/internal/voice"
)

// Config holds the behavioural knobs of a Machine. Zero durations use the
// package defaults.
type Config struct {
	// ReviewStep inserts the review screen between intake and the list.
	ReviewStep bool

	FallbackDelay time.Duration
	TransferDelay time.Duration
	LocateTimeout time.Duration
	CallTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.FallbackDelay <= 0 {
		c.FallbackDelay = DefaultFallbackDelay
	}
	if c.TransferDelay <= 0 {
		c.TransferDelay = DefaultTransferDelay
	}
	if c.LocateTimeout <= 0 {
		c.LocateTimeout = geo.DefaultTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Deps are the collaborators of a Machine. Routing, Inferencer and Requests
// are required; everything else may be nil.
type Deps struct {
	Routing    routing.Service
	Inferencer routing.Inferencer
	Requests   requests.Store
	Feed       status.Feed

	Microphone voice.Microphone
	Archiver   voice.Archiver
	Locator    geo.Locator

	Notifier Notifier
	Metrics  *Metrics
	Clock    clock.Clock
	Logger   log.Logger
}
