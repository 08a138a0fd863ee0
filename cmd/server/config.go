package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"

	ec "github.com/linnemanlabs/ermct/internal/cfg"
)

const envPrefix = "ERMCT_"

// settings groups the flag-backed configuration of every package the server
// wires together.
type settings struct {
	app     ec.Config
	http    httpserver.Config
	httpmw  httpmw.Config
	log     log.Config
	ops     opshttp.Config
	prof    prof.Config
	tracing otelx.Config

	showVersion bool
}

func (s *settings) register(fs *flag.FlagSet) {
	s.app.RegisterFlags(fs)
	s.http.RegisterFlags(fs)
	s.httpmw.RegisterFlags(fs)
	s.log.RegisterFlags(fs)
	s.ops.RegisterFlags(fs)
	s.prof.RegisterFlags(fs)
	s.tracing.RegisterFlags(fs)
	fs.BoolVar(&s.showVersion, "V", false, "Print version+build information and exit")
}

func (s *settings) validate() error {
	if err := errors.Join(
		s.app.Validate(),
		s.http.Validate(),
		s.httpmw.Validate(),
		s.log.Validate(),
		s.ops.Validate(),
		s.prof.Validate(),
		s.tracing.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if s.app.APIPort == s.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", s.app.APIPort)
	}
	return nil
}

// loadSettings parses args into fs, then fills every flag not given on the
// command line from its ERMCT_ environment variable. Validation is skipped
// when only the version was requested.
func loadSettings(fs *flag.FlagSet, args []string, warn io.Writer) (*settings, error) {
	s := &settings{}
	s.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if s.showVersion {
		return s, nil
	}
	cfg.FillFromEnv(fs, envPrefix, func(format string, a ...any) {
		_, _ = fmt.Fprintf(warn, format+"\n", a...)
	})
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}
