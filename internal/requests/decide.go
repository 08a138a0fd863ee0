package requests

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/ermct/internal/fault"
	"github.com/linnemanlabs/ermct/internal/status"
)

// View is the operator's local list of pending requests. Remove hides a
// request tentatively; Restore undoes it.
type View interface {
	Remove(id string)
	Restore(id string)
}

// Decide accepts or rejects a waiting request on the facility side. The
// request is removed from view first, then the decision is persisted. If
// persistence fails the removal is undone and the error returned.
func Decide(ctx context.Context, store Store, view View, id string, decision status.Status, reason string) (*Request, error) {
	if decision != status.Approved && decision != status.Rejected {
		return nil, fault.ValidationError("decide", fmt.Sprintf("decision must be approved or rejected, got %q", decision))
	}
	if decision == status.Approved {
		reason = ""
	}

	view.Remove(id)

	r, err := store.UpdateStatus(ctx, id, decision, reason)
	if err != nil {
		view.Restore(id)
		return nil, fmt.Errorf("decide %s: %w", id, err)
	}
	return r, nil
}

// NopView is a View with no local state, for callers that only persist.
type NopView struct{}

func (NopView) Remove(string)  {}
func (NopView) Restore(string) {}
