// Ermct is the field triage and emergency transfer coordination server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/ermct/internal/identity"
	idmem "github.com/linnemanlabs/ermct/internal/identity/memstore"
	"github.com/linnemanlabs/ermct/internal/session"
	"github.com/linnemanlabs/ermct/internal/sessionapi"
)

const (
	appName   = "ermct"
	component = "server"
)

// evictInterval is how often idle responder sessions are swept.
const evictInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	s, err := loadSettings(flag.CommandLine, os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}
	if s.showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	appCfg := s.app

	lg, err := log.New(s.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting ermct",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", s.ops.Port,
		"routing_base_url", appCfg.RoutingBaseURL,
		"text_inference", textInferenceName(appCfg),
		"store", storeName(appCfg),
		"nats", appCfg.NATSURL != "",
		"archive", appCfg.ArchiveEndpoint != "",
		"review_step", appCfg.ReviewStep,
		"fallback_delay", appCfg.FallbackDelay.String(),
		"transfer_delay", appCfg.TransferDelay.String(),
		"session_idle", appCfg.SessionIdleTTL().String(),
		"enable_pprof", s.ops.EnablePprof,
		"enable_pyroscope", s.prof.EnablePyroscope,
		"enable_tracing", s.tracing.EnableTracing,
		"trace_sample", s.tracing.TraceSample,
		"otlp_endpoint", s.tracing.OTLPEndpoint,
		"trusted_proxy_hops", s.httpmw.TrustedProxyHops,
	)

	tel := startTelemetry(ctx, L, s)
	defer tel.close()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(tel.profilingOn)
	sessionMetrics := session.NewMetrics(m.Registry())

	be, err := openBackend(ctx, L, appCfg, sessionMetrics)
	if err != nil {
		return err
	}
	defer be.close()

	deps, err := sessionDeps(ctx, L, appCfg, be, sessionMetrics)
	if err != nil {
		return err
	}
	sessions := session.NewManager(ctx, session.Config{
		ReviewStep:    appCfg.ReviewStep,
		FallbackDelay: appCfg.FallbackDelay,
		TransferDelay: appCfg.TransferDelay,
		CallTimeout:   appCfg.CallTimeout,
	}, deps, appCfg.SessionIdleTTL())
	go sessions.Run(ctx, evictInterval)

	// accounts and tokens are process-local whichever request store is configured
	ids := identity.NewService(idmem.New(), L)

	// readiness fails once shutdown starts so the load balancer drains us first
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := s.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "ops listener failed to start")
		return err
	}

	api := sessionapi.New(L, ids, sessions, be.store, sessionapi.Options{
		AuthRequestsPerMinute: appCfg.AuthRatePerMinute,
	})
	router := newRouter(api, health.HealthzHandler(liveness), health.ReadyzHandler(readiness))
	h := wrapHandler(router, L, m.Middleware, httpmw.ClientIPOptions{
		TrustedHops: s.httpmw.TrustedProxyHops,
	})

	apiOpts, err := s.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		_ = stopOps(context.Background())
		return err
	}
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "api listener failed to start")
		_ = stopOps(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "systemd readiness notification skipped", "error", err)
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received, closing readiness gate")
	gate.Set("draining")

	drain(bg, L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// sessions go first so open snapshot streams end with a close frame
	steps := []shutdownStep{
		{"sessions", func(context.Context) error { sessions.Close(); return nil }},
		{"api http server", stopAPI},
		{"ops http server", stopOps},
	}
	if tel.stopTracing != nil {
		steps = append(steps, shutdownStep{"otel", tel.stopTracing})
		tel.stopTracing = nil
	}
	shutdown(bg, L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, steps)

	L.Info(bg, "shutdown complete")
	return nil
}

// drain waits out the drain period, returning early on a second signal.
func drain(ctx context.Context, L log.Logger, d time.Duration) {
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	L.Info(ctx, "draining", "drain_seconds", int(d.Seconds()))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// shutdown runs steps in order, each bounded by an equal slice of budget.
func shutdown(ctx context.Context, L log.Logger, budget time.Duration, steps []shutdownStep) {
	if len(steps) == 0 {
		return
	}
	per := budget / time.Duration(len(steps))
	total, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, st := range steps {
		sctx, scancel := context.WithTimeout(total, per)
		if err := st.fn(sctx); err != nil {
			L.Error(ctx, err, st.name+" shutdown")
		}
		scancel()
	}
}

func notifySystemd() error {
	// NOTIFY_SOCKET is only set when running as a systemd Type=notify unit
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
