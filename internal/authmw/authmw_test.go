package authmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/identity"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(p.UserID))
})

type fakeResolver map[string]*identity.Principal

func (f fakeResolver) Resolve(_ context.Context, token string) (*identity.Principal, error) {
	switch token {
	case "broken":
		return nil, errors.New("store down")
	case "orphan":
		return nil, fault.DataIntegrityError("resolve", errors.New("profile missing"))
	}
	p, ok := f[token]
	if !ok {
		return nil, identity.ErrNoSession
	}
	return p, nil
}

var resolver = fakeResolver{
	"medic-token":    {UserID: "u1", Role: identity.RoleParamedic, Name: "kim"},
	"hospital-token": {UserID: "u2", Role: identity.RoleHospital, Name: "lee"},
}

func TestSession_ValidToken(t *testing.T) {
	t.Parallel()

	h := Session(resolver, nil)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer medic-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "u1" {
		t.Errorf("principal = %q, want %q", got, "u1")
	}
}

func TestSession_Rejections(t *testing.T) {
	t.Parallel()

	h := Session(resolver, nil)(okHandler)

	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"empty", "", http.StatusUnauthorized},
		{"Basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase bearer", "bearer medic-token", http.StatusUnauthorized},
		{"no prefix", "medic-token", http.StatusUnauthorized},
		{"bearer only", "Bearer ", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"missing profile", "Bearer orphan", http.StatusUnauthorized},
		{"store failure", "Bearer broken", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.value != "" {
				req.Header.Set("Authorization", tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSession_WebsocketQueryToken(t *testing.T) {
	t.Parallel()

	h := Session(resolver, nil)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/stream?access_token=hospital-token", http.NoBody)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upgrade with query token: status = %d, want %d", rec.Code, http.StatusOK)
	}

	// plain requests never read the query parameter
	req = httptest.NewRequest(http.MethodGet, "/stream?access_token=hospital-token", http.NoBody)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("plain request with query token: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	h := Session(resolver, nil)(RequireRole(identity.RoleHospital)(okHandler))

	tests := []struct {
		token string
		want  int
	}{
		{"hospital-token", http.StatusOK},
		{"medic-token", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+tt.token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.token, rec.Code, tt.want)
		}
	}
}

func TestRequireRole_NoPrincipal(t *testing.T) {
	t.Parallel()

	h := RequireRole(identity.RoleParamedic)(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSession_AnnotatesSpan(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("authmw-test").Start(context.Background(), "GET /api/v1/me")
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer hospital-token")
	rec := httptest.NewRecorder()
	Session(resolver, nil)(okHandler).ServeHTTP(rec, req)
	span.End()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	want := map[attribute.Key]string{
		"ermct.user_id": "u2",
		"ermct.role":    string(identity.RoleHospital),
	}
	for _, kv := range spans[0].Attributes {
		if w, ok := want[kv.Key]; ok {
			if got := kv.Value.AsString(); got != w {
				t.Errorf("%s = %q, want %q", kv.Key, got, w)
			}
			delete(want, kv.Key)
		}
	}
	for k := range want {
		t.Errorf("missing span attribute %s", k)
	}
}
