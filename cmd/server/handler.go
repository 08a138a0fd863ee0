package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxRequestBody fits the largest voice chunk with headroom.
const maxRequestBody = 512 << 10

// routeRegistrar is implemented by the API packages mounted on the router.
type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

func newRouter(api routeRegistrar, healthz, readyz http.HandlerFunc) chi.Router {
	r := chi.NewRouter()

	// JSON only; a snapshot stream is a hijacked connection and skips both
	// compression and the access log, it logs its own lifetime
	r.Use(unlessUpgrade(middleware.Compress(5, "application/json")))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(unlessUpgrade(httpmw.AccessLog()))
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get("/-/healthy", healthz)
	r.Get("/-/ready", readyz)

	api.RegisterRoutes(r)
	return r
}

// wrapHandler applies the listener-wide middleware. Each line wraps the
// previous result, so the last one applied sees the raw request first.
func wrapHandler(h http.Handler, L log.Logger, metricsMW func(http.Handler) http.Handler, clientIP httpmw.ClientIPOptions) http.Handler {
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !isProbePath(r.URL.Path)
		}),
		// renamed to the chi route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	// stream lifetimes are not request latencies
	h = unlessUpgrade(metricsMW)(h)
	h = httpmw.ClientIPWithOptions(clientIP)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

func isProbePath(p string) bool {
	return p == "/-/healthy" || p == "/-/ready"
}

// unlessUpgrade applies mw to every request except websocket upgrades, which
// need the raw, hijackable ResponseWriter.
func unlessUpgrade(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}
