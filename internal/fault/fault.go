// Package fault defines the error taxonomy shared by the session components.
// None of these are fatal: each marks a degraded path the caller is expected
// to recover from.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the session reacts to it.
type Kind string

const (
	// Permission means the user or platform denied a device capability (microphone, location).
	Permission Kind = "permission"

	// Network means a remote call failed or timed out.
	Network Kind = "network"

	// Validation means required inputs were missing so the call was skipped.
	Validation Kind = "validation"

	// DataIntegrity means an expected record was missing after a successful lookup.
	DataIntegrity Kind = "data_integrity"
)

// Error is a classified failure of one operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so errors.Is(err, &Error{Kind: Network}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New wraps err as a failure of kind k during op.
func New(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// PermissionError wraps a denied capability.
func PermissionError(op string, err error) error { return New(Permission, op, err) }

// NetworkError wraps a failed remote call.
func NetworkError(op string, err error) error { return New(Network, op, err) }

// ValidationError reports a skipped call with the missing input named in msg.
func ValidationError(op, msg string) error { return New(Validation, op, errors.New(msg)) }

// DataIntegrityError wraps a missing or inconsistent record.
func DataIntegrityError(op string, err error) error { return New(DataIntegrity, op, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries a fault of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
