package sessionapi

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ermct/internal/authmw"
	"github.com/linnemanlabs/ermct/internal/identity"
)

type signUpRequest struct {
	Email    string        `json:"email" validate:"required,email,max=254"`
	Password string        `json:"password" validate:"required,min=6,max=72"`
	Role     identity.Role `json:"role" validate:"required,oneof=paramedic hospital"`
}

type signInRequest struct {
	Email    string        `json:"email" validate:"required,max=254"`
	Password string        `json:"password" validate:"required,max=72"`
	Role     identity.Role `json:"role" validate:"omitempty,oneof=paramedic hospital"`
}

type authResponse struct {
	Token     string              `json:"token"`
	ExpiresAt time.Time           `json:"expires_at"`
	User      *identity.Principal `json:"user"`
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body signUpRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	sess, p, err := a.ids.SignUp(r.Context(), body.Email, body.Password, body.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info(r.Context(), "user signed up", "user_id", p.UserID, "role", p.Role)
	writeJSON(w, http.StatusCreated, authResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: p})
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body signInRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	sess, p, err := a.ids.SignIn(r.Context(), body.Email, body.Password, body.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ermct.user_id", p.UserID))
	writeJSON(w, http.StatusOK, authResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: p})
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	tok, _ := authmw.Token(r)
	if err := a.ids.SignOut(r.Context(), tok); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := authmw.PrincipalFrom(r.Context())
	writeJSON(w, http.StatusOK, p)
}
