// Package authmw provides HTTP middleware for bearer session authentication.
package authmw

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/identity"
)

// Resolver maps a bearer token to the signed-in principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*identity.Principal, error)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by Session.
func PrincipalFrom(ctx context.Context) (*identity.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*identity.Principal)
	return p, ok && p != nil
}

// Token extracts the bearer token from r. Websocket upgrades may pass it as
// the access_token query parameter since browsers cannot set headers there.
func Token(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		tok := auth[len("Bearer "):]
		return tok, tok != ""
	}
	if auth == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		tok := r.URL.Query().Get("access_token")
		return tok, tok != ""
	}
	return "", false
}

// Session returns middleware that resolves the bearer token through res and
// stores the principal in the request context.
func Session(res Resolver, logger log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := Token(r)
			if !ok {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			p, err := res.Resolve(r.Context(), tok)
			switch {
			case err == nil:
			case errors.Is(err, identity.ErrNoSession):
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			case fault.IsKind(err, fault.DataIntegrity):
				logger.Warn(r.Context(), "session without profile", "error", err)
				http.Error(w, `{"error":"profile missing, sign in again"}`, http.StatusUnauthorized)
				return
			default:
				logger.Error(r.Context(), err, "session lookup failed")
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String("ermct.user_id", p.UserID),
				attribute.String("ermct.role", string(p.Role)),
			)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects requests whose principal has none of roles. It must be
// mounted below Session.
func RequireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			if !slices.Contains(roles, p.Role) {
				http.Error(w, `{"error":"forbidden for role `+string(p.Role)+`"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
