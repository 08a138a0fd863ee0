package routing

import (
	"context"
	"strings"
	"sync"

	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/triage"
)

// Consumer holds the routing result of one case. Every successful call
// replaces the held result wholesale; results are never merged.
type Consumer struct {
	svc Service

	mu     sync.Mutex
	result *Response
}

// NewConsumer returns a Consumer with no held result.
func NewConsumer(svc Service) *Consumer {
	return &Consumer{svc: svc}
}

// Result returns the held result, or nil.
func (c *Consumer) Result() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Candidates returns the displayed prefix of the held result.
func (c *Consumer) Candidates() []Candidate {
	return Candidates(c.Result())
}

// Apply replaces the held result, e.g. with an inference response.
func (c *Consumer) Apply(r *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = r
}

// Clear drops the held result.
func (c *Consumer) Clear() {
	c.Apply(nil)
}

// RequestBase fetches the base routing result for cs and holds it. A case
// without an acuity level or symptom text clears the held result and returns a
// validation fault without calling the service. A failed call also clears the
// held result.
func (c *Consumer) RequestBase(ctx context.Context, cs triage.Case) (*Response, error) {
	resp, err := c.FetchBase(ctx, cs)
	c.Apply(resp)
	return resp, err
}

// FetchBase is RequestBase without touching the held result. Callers that
// own the result's lifecycle apply the response themselves.
func (c *Consumer) FetchBase(ctx context.Context, cs triage.Case) (*Response, error) {
	if cs.Level == nil || strings.TrimSpace(cs.Symptoms) == "" {
		return nil, fault.ValidationError("route_by_acuity", "acuity level and symptoms are required")
	}

	req := RouteRequest{
		KTASLevel:      *cs.Level,
		ChiefComplaint: ChiefComplaint(cs.Symptoms),
	}
	if f := strings.TrimSpace(cs.FollowUp); f != "" {
		req.HospitalFollowUp = &f
	}

	resp, err := c.svc.RouteByAcuity(ctx, req)
	if err != nil {
		return nil, fault.NetworkError("route_by_acuity", err)
	}
	return resp, nil
}

// Refine re-ranks the held result by distance from (lat, lon). It is a no-op
// when nothing is held or the held result already has distances. On failure
// the prior result is kept. The refined result only replaces the one it was
// derived from; if the held result changed meanwhile, the refinement is dropped.
func (c *Consumer) Refine(ctx context.Context, lat, lon float64) (*Response, error) {
	base := c.Result()
	if base == nil || base.HasDistance() {
		return base, nil
	}

	resp, err := c.svc.RouteNearest(ctx, NearestRequest{Response: *base, UserLat: lat, UserLon: lon})
	if err != nil {
		return base, fault.NetworkError("route_nearest", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != base {
		return c.result, nil
	}
	c.result = resp
	return resp, nil
}
