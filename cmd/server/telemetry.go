package main

import (
	"context"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"go.opentelemetry.io/otel"
)

// telemetry holds the process-wide profiler and tracer handles.
// Start failures of the profiler or tracer are logged and leave the
// corresponding stop func nil; the server runs without them.
type telemetry struct {
	stopProf    func()
	stopTracing func(context.Context) error
	profilingOn bool
}

func startTelemetry(ctx context.Context, L log.Logger, s *settings) *telemetry {
	t := &telemetry{}
	vi := v.Get()

	popts := s.prof.ToOptions()
	popts.AppName = v.AppName
	popts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stop, err := prof.Start(ctx, popts)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", s.prof.PyroServer)
	}
	t.stopProf = stop
	t.profilingOn = err == nil && s.prof.EnablePyroscope

	topts := s.tracing.ToOptions()
	topts.Service = v.AppName
	topts.Component = v.Component
	topts.Version = v.Version
	shutdown, err := otelx.Init(ctx, topts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	t.stopTracing = shutdown

	// span ids are attached to profile samples so a slow routing call opens as a flame graph
	if t.profilingOn && s.tracing.EnableTracing {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}
	return t
}

func (t *telemetry) close() {
	if t.stopTracing != nil {
		_ = t.stopTracing(context.Background())
	}
	if t.stopProf != nil {
		t.stopProf()
	}
}
