package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	ec "github.com/linnemanlabs/ermct/internal/cfg"
	"github.com/linnemanlabs/ermct/internal/notify/slack"
	"github.com/linnemanlabs/ermct/internal/postgres"
	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/requests/memstore"
	"github.com/linnemanlabs/ermct/internal/requests/natsfeed"
	"github.com/linnemanlabs/ermct/internal/requests/pgstore"
	"github.com/linnemanlabs/ermct/internal/routing"
	"github.com/linnemanlabs/ermct/internal/routing/claude"
	"github.com/linnemanlabs/ermct/internal/routing/ermctapi"
	"github.com/linnemanlabs/ermct/internal/session"
	"github.com/linnemanlabs/ermct/internal/voice/archive"
)

// backend is the transfer request store with its change feed, plus the
// release funcs of whatever connections were opened for it, in open order.
type backend struct {
	store   requests.Store
	feed    requests.Feed
	closers []func()
}

// close releases connections newest first.
func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// openBackend picks postgres when a database URL is configured and an
// in-process store otherwise. A NATS URL layers the shared change bus on top
// of either, so every replica observes every status change.
func openBackend(ctx context.Context, L log.Logger, c ec.Config, observer postgres.QueryObserver) (*backend, error) {
	b := &backend{}

	if c.DatabaseURL == "" {
		ms := memstore.New()
		b.store, b.feed = ms, ms
		b.closers = append(b.closers, ms.Close)
		L.Info(ctx, "using in-memory store (no database-url configured)")
	} else {
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.Options{
			MaxConns:  int32(c.DatabaseMaxConns), //nolint:gosec // bounded to 0..1000 by Validate
			SlowQuery: c.SlowQueryThreshold,
			Observer:  observer,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		b.closers = append(b.closers, pool.Close)

		ps, err := pgstore.New(ctx, pool)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		b.closers = append(b.closers, ps.Close)
		go func() {
			if err := ps.Listen(ctx); err != nil {
				L.Error(ctx, err, "request change listener stopped")
			}
		}()
		b.store, b.feed = ps, ps
		L.Info(ctx, "using postgres store", "max_conns", c.DatabaseMaxConns)
	}

	if c.NATSURL != "" {
		bus, err := natsfeed.Connect(natsfeed.Config{
			URL:           c.NATSURL,
			Name:          appName + "-" + component,
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
			Timeout:       5 * time.Second,
		})
		if err != nil {
			b.close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		b.closers = append(b.closers, func() { _ = bus.Close() })
		b.store = natsfeed.NewStore(b.store, bus, L)
		b.feed = natsfeed.NewFeed(bus)
		L.Info(ctx, "using nats change feed", "url", c.NATSURL)
	}
	return b, nil
}

// sessionDeps assembles the collaborators shared by every responder session.
// Optional integrations stay nil when unconfigured.
func sessionDeps(ctx context.Context, L log.Logger, c ec.Config, b *backend, m *session.Metrics) (session.Deps, error) {
	rc := ermctapi.New(c.RoutingBaseURL)

	var inf routing.Inferencer = rc
	if c.ClaudeAPIKey != "" {
		inf = claude.New(c.ClaudeAPIKey, c.ClaudeModel, rc, rc)
		L.Info(ctx, "text inference via claude", "model", c.ClaudeModel)
	}

	deps := session.Deps{
		Routing:    rc,
		Inferencer: inf,
		Requests:   b.store,
		Feed:       b.feed,
		Metrics:    m,
		Logger:     L,
	}

	if c.ArchiveEndpoint != "" {
		arc, err := archive.New(archive.Config{
			Endpoint:  c.ArchiveEndpoint,
			AccessKey: c.ArchiveAccessKey,
			SecretKey: c.ArchiveSecretKey,
			Bucket:    c.ArchiveBucket,
			UseSSL:    c.ArchiveUseSSL,
		})
		if err != nil {
			return session.Deps{}, fmt.Errorf("recording archive: %w", err)
		}
		deps.Archiver = arc
		L.Info(ctx, "recording archive enabled", "endpoint", c.ArchiveEndpoint, "bucket", c.ArchiveBucket)
	}

	if c.SlackWebhookURL != "" {
		deps.Notifier = slack.New(c.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	return deps, nil
}

func storeName(c ec.Config) string {
	if c.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}

func textInferenceName(c ec.Config) string {
	if c.ClaudeAPIKey != "" {
		return "claude"
	}
	return "routing-service"
}
