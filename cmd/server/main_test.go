package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	ec "github.com/linnemanlabs/ermct/internal/cfg"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestUnlessUpgrade(t *testing.T) {
	t.Parallel()

	tag := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Wrapped", "1")
			next.ServeHTTP(w, r)
		})
	}
	h := unlessUpgrade(tag)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name    string
		headers map[string]string
		wrapped bool
	}{
		{"plain request", nil, true},
		{"websocket upgrade", map[string]string{"Connection": "Upgrade", "Upgrade": "websocket"}, false},
		{"upgrade to something else", map[string]string{"Connection": "Upgrade", "Upgrade": "h2c"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x/stream", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("X-Wrapped") == "1"; got != tt.wrapped {
				t.Errorf("wrapped = %v, want %v", got, tt.wrapped)
			}
		})
	}
}

func TestStartupNames(t *testing.T) {
	t.Parallel()

	if got := storeName(ec.Config{}); got != "memory" {
		t.Errorf("storeName(empty) = %q", got)
	}
	if got := storeName(ec.Config{DatabaseURL: "postgres://localhost/ermct"}); got != "postgres" {
		t.Errorf("storeName(db) = %q", got)
	}
	if got := textInferenceName(ec.Config{}); got != "routing-service" {
		t.Errorf("textInferenceName(empty) = %q", got)
	}
	if got := textInferenceName(ec.Config{ClaudeAPIKey: "sk-test"}); got != "claude" {
		t.Errorf("textInferenceName(key) = %q", got)
	}
}

func TestLoadSettings_MissingRoutingURL(t *testing.T) {
	t.Setenv("ERMCT_ROUTING_BASE_URL", "")

	fs := flag.NewFlagSet("ermct", flag.ContinueOnError)
	_, err := loadSettings(fs, nil, io.Discard)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "ROUTING_BASE_URL is required") {
		t.Errorf("error = %q", err)
	}
}

func TestLoadSettings_ReadsEnv(t *testing.T) {
	t.Setenv("ERMCT_ROUTING_BASE_URL", "ftp://routing.internal")

	fs := flag.NewFlagSet("ermct", flag.ContinueOnError)
	_, err := loadSettings(fs, nil, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "invalid ROUTING_BASE_URL") {
		t.Fatalf("err = %v, want the env value to be validated", err)
	}
}

func TestLoadSettings_VersionSkipsValidation(t *testing.T) {
	fs := flag.NewFlagSet("ermct", flag.ContinueOnError)
	s, err := loadSettings(fs, []string{"-V"}, io.Discard)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if !s.showVersion {
		t.Error("showVersion should be set")
	}
}

func TestLoadSettings_BadFlag(t *testing.T) {
	fs := flag.NewFlagSet("ermct", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := loadSettings(fs, []string{"-no-such-flag"}, io.Discard); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOpenBackend_InMemory(t *testing.T) {
	t.Parallel()

	b, err := openBackend(context.Background(), log.Nop(), ec.Config{}, nil)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.close()

	if b.store == nil || b.feed == nil {
		t.Fatal("store and feed must be set")
	}
	if len(b.closers) != 1 {
		t.Errorf("closers = %d, want 1", len(b.closers))
	}
}

func TestBackendClose_NewestFirst(t *testing.T) {
	t.Parallel()

	var order []string
	b := &backend{closers: []func(){
		func() { order = append(order, "pool") },
		func() { order = append(order, "store") },
		func() { order = append(order, "bus") },
	}}
	b.close()
	b.close()

	if got := strings.Join(order, ","); got != "bus,store,pool" {
		t.Errorf("close order = %s", got)
	}
}

func TestSessionDeps_OptionalIntegrations(t *testing.T) {
	t.Parallel()

	b, err := openBackend(context.Background(), log.Nop(), ec.Config{}, nil)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.close()

	base := ec.Config{RoutingBaseURL: "http://routing.internal"}
	deps, err := sessionDeps(context.Background(), log.Nop(), base, b, nil)
	if err != nil {
		t.Fatalf("sessionDeps: %v", err)
	}
	if deps.Notifier != nil || deps.Archiver != nil {
		t.Error("unconfigured integrations should stay nil")
	}
	if deps.Routing == nil || deps.Inferencer == nil {
		t.Error("routing and inference are always wired")
	}

	withSlack := base
	withSlack.SlackWebhookURL = "http://hooks.example/ermct"
	deps, err = sessionDeps(context.Background(), log.Nop(), withSlack, b, nil)
	if err != nil {
		t.Fatalf("sessionDeps: %v", err)
	}
	if deps.Notifier == nil {
		t.Error("slack notifier should be wired when a webhook is set")
	}
}

func TestShutdown_RunsStepsInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	step := func(name string, err error) shutdownStep {
		return shutdownStep{name, func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: step context has no deadline", name)
			}
			order = append(order, name)
			return err
		}}
	}
	shutdown(context.Background(), log.Nop(), time.Second, []shutdownStep{
		step("sessions", nil),
		step("api", errors.New("boom")),
		step("ops", nil),
	})

	if got := strings.Join(order, ","); got != "sessions,api,ops" {
		t.Errorf("order = %s", got)
	}
}

type fakeAPI struct{}

func (fakeAPI) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func TestNewRouter_ProbesAndAPI(t *testing.T) {
	t.Parallel()

	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	down := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }
	r := newRouter(fakeAPI{}, ok, down)

	tests := []struct {
		path string
		want int
	}{
		{"/-/healthy", http.StatusOK},
		{"/-/ready", http.StatusServiceUnavailable},
		{"/api/v1/ping", http.StatusOK},
		{"/api/v1/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestIsProbePath(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/-/healthy":       true,
		"/-/ready":         true,
		"/api/v1/me":       false,
		"/-/healthy/extra": false,
	} {
		if got := isProbePath(path); got != want {
			t.Errorf("isProbePath(%q) = %v, want %v", path, got, want)
		}
	}
}
