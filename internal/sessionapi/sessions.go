package sessionapi

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ermct/internal/authmw"
	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/geo"
	"github.com/linnemanlabs/ermct/internal/session"
	"github.com/linnemanlabs/ermct/internal/triage"
)

// maxChunkBytes bounds one pushed audio chunk.
const maxChunkBytes = 256 << 10

// session looks up the {id} session and checks the caller owns it. Sessions of
// other responders are reported as not found.
func (a *API) session(r *http.Request) (*session.Handle, error) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ermct.session_id", id))

	h, err := a.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	p, ok := authmw.PrincipalFrom(r.Context())
	if !ok || p.UserID != h.Owner() {
		return nil, session.ErrNotFound
	}
	return h, nil
}

func (a *API) writeSnapshot(w http.ResponseWriter, code int, s session.Snapshot) {
	writeJSON(w, code, s)
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p, _ := authmw.PrincipalFrom(r.Context())
	h := a.sessions.Create(p.UserID)

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ermct.session_id", h.ID()))
	a.logger.Info(r.Context(), "session created", "session_id", h.ID(), "owner", p.UserID)

	a.writeSnapshot(w, http.StatusCreated, h.Snapshot())
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeSnapshot(w, http.StatusOK, h.Snapshot())
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.sessions.Remove(h.ID()); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// command adapts a body-less Machine command to a handler that answers with
// the snapshot published by the command.
func (a *API) command(name string, fn func(*session.Machine, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := a.session(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ermct.command", name))
		if err := fn(h.Machine, r.Context()); err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeSnapshot(w, http.StatusOK, h.Snapshot())
	}
}

func (a *API) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var p triage.Patch
	if err := a.decode(w, r, &p); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := h.UpdateCase(r.Context(), p); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeSnapshot(w, http.StatusOK, h.Snapshot())
}

type navigateRequest struct {
	View session.View `json:"view" validate:"required,oneof=input review list"`
}

func (a *API) handleNavigate(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body navigateRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := h.Navigate(r.Context(), body.View); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeSnapshot(w, http.StatusOK, h.Snapshot())
}

type selectRequest struct {
	CandidateID string `json:"candidate_id" validate:"required,max=64"`
}

func (a *API) handleSelect(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body selectRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ermct.facility_id", body.CandidateID))
	if err := h.Select(r.Context(), body.CandidateID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeSnapshot(w, http.StatusOK, h.Snapshot())
}

func (a *API) handleVoiceChunk(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBytes+1))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(chunk) > maxChunkBytes {
		writeErrorMessage(w, http.StatusRequestEntityTooLarge, "chunk too large")
		return
	}
	if len(chunk) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.Device.Push(r.Context(), chunk); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	Granted *bool `json:"granted" validate:"required"`
}

func (a *API) handleVoicePermission(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body permissionRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	h.Device.SetPermission(*body.Granted)
	w.WriteHeader(http.StatusNoContent)
}

// Location report states.
const (
	locationGranted     = "granted"
	locationDenied      = "denied"
	locationUnavailable = "unavailable"
)

type locationRequest struct {
	Status string   `json:"status" validate:"required,oneof=granted denied unavailable"`
	Lat    *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon    *float64 `json:"lon" validate:"omitempty,gte=-180,lte=180"`
}

func (a *API) handleLocation(w http.ResponseWriter, r *http.Request) {
	h, err := a.session(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body locationRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}

	switch body.Status {
	case locationGranted:
		if body.Lat == nil || body.Lon == nil {
			a.writeError(w, r, fault.ValidationError("location", "lat and lon are required when status is granted"))
			return
		}
		h.Location.Report(geo.Position{Lat: *body.Lat, Lon: *body.Lon})
	case locationDenied:
		h.Location.Deny()
	case locationUnavailable:
		h.Location.Unavailable()
	}
	w.WriteHeader(http.StatusNoContent)
}
