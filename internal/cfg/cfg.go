package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config holds the application-level settings of the ermct server. It
// implements the common cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	// RoutingBaseURL is the remote triage and routing service.
	RoutingBaseURL string
	// ClaudeAPIKey switches text inference to Claude when set.
	ClaudeAPIKey string
	ClaudeModel  string

	DatabaseURL        string
	DatabaseMaxConns   int
	SlowQueryThreshold time.Duration
	NATSURL            string

	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveUseSSL    bool

	SlackWebhookURL string

	ReviewStep         bool
	FallbackDelay      time.Duration
	TransferDelay      time.Duration
	CallTimeout        time.Duration
	SessionIdleMinutes int
	AuthRatePerMinute  int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.RoutingBaseURL, "routing-base-url", "", "base URL of the KTAS triage and routing service")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "Anthropic API key; enables Claude text inference when set")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for text inference")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DatabaseMaxConns, "database-max-conns", 0, "PostgreSQL pool size (0 = pgx default, max 1000)")
	fs.DurationVar(&c.SlowQueryThreshold, "slow-query-threshold", 200*time.Millisecond, "log successful queries slower than this")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for the request change feed (empty = store feed)")

	fs.StringVar(&c.ArchiveEndpoint, "archive-endpoint", "", "S3-compatible endpoint for voice recordings (empty = no archive)")
	fs.StringVar(&c.ArchiveAccessKey, "archive-access-key", "", "access key for the recording archive")
	fs.StringVar(&c.ArchiveSecretKey, "archive-secret-key", "", "secret key for the recording archive")
	fs.StringVar(&c.ArchiveBucket, "archive-bucket", "ermct-recordings", "bucket for voice recordings")
	fs.BoolVar(&c.ArchiveUseSSL, "archive-use-ssl", true, "use TLS for the recording archive")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for transfer outcome notifications")

	fs.BoolVar(&c.ReviewStep, "review-step", false, "show the review screen between intake and the facility list")
	fs.DurationVar(&c.FallbackDelay, "fallback-delay", 2500*time.Millisecond, "approve a transfer request automatically after this delay when no status feed is available")
	fs.DurationVar(&c.TransferDelay, "transfer-delay", 5*time.Second, "time from transfer start to completion")
	fs.DurationVar(&c.CallTimeout, "call-timeout", 30*time.Second, "timeout of a single routing, inference or store call")
	fs.IntVar(&c.SessionIdleMinutes, "session-idle-minutes", 120, "close responder sessions idle for this many minutes (1..1440)")
	fs.IntVar(&c.AuthRatePerMinute, "auth-rate-per-minute", 20, "sign-up and sign-in requests allowed per client IP per minute (1..10000)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Routing service is required for facility ranking and audio inference
	if c.RoutingBaseURL == "" {
		errs = append(errs, errors.New("ROUTING_BASE_URL is required"))
	} else if err := httpURL(c.RoutingBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid ROUTING_BASE_URL: %w", err))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.DatabaseMaxConns < 0 || c.DatabaseMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DATABASE_MAX_CONNS %d (must be 0..1000)", c.DatabaseMaxConns))
	}
	if c.SlowQueryThreshold < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY_THRESHOLD %s (must not be negative)", c.SlowQueryThreshold))
	}

	// Archive credentials are all-or-nothing once an endpoint is configured
	if c.ArchiveEndpoint != "" {
		if c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "" {
			errs = append(errs, errors.New("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_ENDPOINT is set"))
		}
		if c.ArchiveBucket == "" {
			errs = append(errs, errors.New("ARCHIVE_BUCKET is required when ARCHIVE_ENDPOINT is set"))
		}
	}

	if c.SlackWebhookURL != "" {
		if err := httpURL(c.SlackWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"FALLBACK_DELAY", c.FallbackDelay},
		{"TRANSFER_DELAY", c.TransferDelay},
		{"CALL_TIMEOUT", c.CallTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %s (must be positive)", d.name, d.v))
		}
	}

	if c.SessionIdleMinutes <= 0 || c.SessionIdleMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid SESSION_IDLE_MINUTES %d (must be 1..1440)", c.SessionIdleMinutes))
	}
	if c.AuthRatePerMinute <= 0 || c.AuthRatePerMinute > 10000 {
		errs = append(errs, fmt.Errorf("invalid AUTH_RATE_PER_MINUTE %d (must be 1..10000)", c.AuthRatePerMinute))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SessionIdleTTL is SessionIdleMinutes as a duration.
func (c *Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func httpURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
