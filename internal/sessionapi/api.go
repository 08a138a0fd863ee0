// Package sessionapi exposes responder sessions, authentication and the
// facility decision endpoint over HTTP, and streams session snapshots over a
// websocket.
package sessionapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/ermct/internal/authmw"
	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/identity"
	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/session"
	"github.com/linnemanlabs/ermct/internal/voice"
)

// Identity is the authentication surface the API needs.
type Identity interface {
	authmw.Resolver
	SignUp(ctx context.Context, email, password string, role identity.Role) (*identity.Session, *identity.Principal, error)
	SignIn(ctx context.Context, email, password string, role identity.Role) (*identity.Session, *identity.Principal, error)
	SignOut(ctx context.Context, token string) error
}

// Sessions holds running responder sessions.
type Sessions interface {
	Create(owner string) *session.Handle
	Get(id string) (*session.Handle, error)
	Remove(id string) error
}

// Options tunes the API. Zero values use the defaults.
type Options struct {
	// AuthRequestsPerMinute limits sign-up and sign-in per client IP.
	AuthRequestsPerMinute int
	// PingInterval is how often idle snapshot streams are pinged.
	PingInterval time.Duration
}

const (
	defaultAuthRequestsPerMinute = 20
	defaultPingInterval          = 30 * time.Second
)

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	ids      Identity
	sessions Sessions
	store    requests.Store
	board    *board
	validate *validator.Validate
	opts     Options
}

// New creates a new API handler.
func New(logger log.Logger, ids Identity, sessions Sessions, store requests.Store, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if ids == nil {
		panic(xerrors.New("identity service is required"))
	}
	if sessions == nil {
		panic(xerrors.New("session manager is required"))
	}
	if store == nil {
		panic(xerrors.New("request store is required"))
	}
	if opts.AuthRequestsPerMinute <= 0 {
		opts.AuthRequestsPerMinute = defaultAuthRequestsPerMinute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &API{
		logger:   logger,
		ids:      ids,
		sessions: sessions,
		store:    store,
		board:    newBoard(),
		validate: v,
		opts:     opts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.opts.AuthRequestsPerMinute, time.Minute))
			r.Post("/auth/signup", a.handleSignUp)
			r.Post("/auth/signin", a.handleSignIn)
		})

		r.Group(func(r chi.Router) {
			r.Use(authmw.Session(a.ids, a.logger))

			r.Post("/auth/signout", a.handleSignOut)
			r.Get("/me", a.handleMe)

			r.Route("/sessions", func(r chi.Router) {
				r.Use(authmw.RequireRole(identity.RoleParamedic))
				r.Post("/", a.handleCreateSession)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.handleGetSession)
					r.Delete("/", a.handleDeleteSession)
					r.Get("/stream", a.handleStream)
					r.Patch("/case", a.handleUpdateCase)
					r.Post("/finalize", a.command("finalize", (*session.Machine).Finalize))
					r.Post("/navigate", a.handleNavigate)
					r.Post("/select", a.handleSelect)
					r.Post("/return", a.command("return_to_list", (*session.Machine).ReturnToList))
					r.Post("/transfer", a.command("start_transfer", (*session.Machine).StartTransfer))
					r.Post("/back", a.command("back", (*session.Machine).Back))
					r.Post("/reset", a.command("reset", (*session.Machine).Reset))
					r.Post("/voice/start", a.command("start_voice", (*session.Machine).StartVoice))
					r.Post("/voice/stop", a.command("stop_voice", (*session.Machine).StopVoice))
					r.Post("/voice/chunks", a.handleVoiceChunk)
					r.Put("/voice/permission", a.handleVoicePermission)
					r.Post("/location", a.handleLocation)
				})
			})

			r.Route("/facilities/{id}/requests", func(r chi.Router) {
				r.Use(authmw.RequireRole(identity.RoleHospital))
				r.Get("/", a.handleListRequests)
				r.Post("/{rid}/decision", a.handleDecision)
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeError maps err onto a status code and error body. Unclassified errors
// are logged and answered with a generic 500.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var wrong *session.WrongViewError
	var verrs validator.ValidationErrors
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeErrorMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case errors.As(err, &verrs):
		writeErrorMessage(w, http.StatusBadRequest, formatValidation(verrs))
	case errors.As(err, &wrong):
		writeErrorMessage(w, http.StatusConflict, wrong.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, requests.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, session.ErrClosed):
		writeErrorMessage(w, http.StatusGone, "session closed")
	case errors.Is(err, requests.ErrInvalidTransition),
		errors.Is(err, session.ErrRequestPending),
		errors.Is(err, voice.ErrBusy),
		errors.Is(err, voice.ErrNotRecording):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrNoSession):
		writeErrorMessage(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrEmailTaken):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case fault.IsKind(err, fault.Validation):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case fault.IsKind(err, fault.Permission):
		writeErrorMessage(w, http.StatusForbidden, err.Error())
	case fault.IsKind(err, fault.Network):
		a.logger.Error(r.Context(), err, "upstream call failed")
		writeErrorMessage(w, http.StatusBadGateway, "upstream unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeErrorMessage(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.logger.Error(r.Context(), err, "request failed")
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into dst and validates it.
// maxJSONBytes bounds a JSON request body.
const maxJSONBytes = 16 << 10

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return tooLarge
		}
		return fault.ValidationError("decode", "invalid payload")
	}
	return a.validate.Struct(dst)
}

func formatValidation(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch {
		case fe.Tag() == "required":
			msgs = append(msgs, fe.Field()+" is required")
		case fe.Param() != "":
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, ", ")
}
