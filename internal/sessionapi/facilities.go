package sessionapi

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ermct/internal/requests"
	"github.com/linnemanlabs/ermct/internal/status"
)

const maxListLimit = 200

// board is the server-side pending list shared by operator clients. A
// request with a decision in flight is hidden from listings until the
// decision is persisted or rolled back.
type board struct {
	mu       sync.Mutex
	deciding map[string]int
}

func newBoard() *board {
	return &board{deciding: make(map[string]int)}
}

func (b *board) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deciding[id]++
}

func (b *board) Restore(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deciding[id] <= 1 {
		delete(b.deciding, id)
		return
	}
	b.deciding[id]--
}

// settle forgets id once its decision is stored.
func (b *board) settle(id string) { b.Restore(id) }

func (b *board) hidden(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deciding[id] > 0
}

func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ermct.facility_id", facilityID))

	var f requests.Filter
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = status.Status(s)
		if !f.Status.Valid() {
			writeErrorMessage(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		f.Limit = n
	}

	list, err := a.store.ListByFacility(r.Context(), facilityID, f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]*requests.Request, 0, len(list))
	for _, req := range list {
		if req.Status == status.Waiting && a.board.hidden(req.ID) {
			continue
		}
		out = append(out, req)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

type decisionRequest struct {
	Status status.Status `json:"status" validate:"required,oneof=approved rejected"`
	Reason string        `json:"reason" validate:"max=500"`
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "id")
	id := chi.URLParam(r, "rid")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("ermct.facility_id", facilityID), attribute.String("ermct.request_id", id))

	var body decisionRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}

	existing, ok, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !ok || existing.FacilityID != facilityID {
		writeErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	if existing.Status != status.Waiting && existing.Status != body.Status {
		a.writeError(w, r, fmt.Errorf("request is already %s: %w", existing.Status, requests.ErrInvalidTransition))
		return
	}

	updated, err := requests.Decide(r.Context(), a.store, a.board, id, body.Status, body.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.board.settle(id)

	span.SetAttributes(attribute.String("ermct.status", string(updated.Status)))
	a.logger.Info(r.Context(), "transfer request decided", "request_id", id, "facility_id", facilityID, "status", updated.Status)
	writeJSON(w, http.StatusOK, updated)
}
