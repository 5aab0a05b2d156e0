// Package apierrors defines the error kinds the cluster adapter and
// lifecycle engine classify failures into, per the workflow API design.
package apierrors

import (
	"errors"
	"fmt"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
)

// Kind is one of the cluster-operation failure classes.
type Kind string

const (
	KindNotFound         Kind = "NotFound"
	KindAlreadyExists    Kind = "AlreadyExists"
	KindPermissionDenied Kind = "PermissionDenied"
	KindTransportError   Kind = "TransportError"
	KindInvalid          Kind = "Invalid"
)

// Error wraps a cluster-adapter failure with its classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Classify maps a raw Kubernetes API error into a Kind-tagged Error for
// the given operation. Non-API errors are classified as TransportError.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case k8serrors.IsNotFound(err):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case k8serrors.IsAlreadyExists(err):
		return &Error{Kind: KindAlreadyExists, Op: op, Err: err}
	case k8serrors.IsForbidden(err), k8serrors.IsUnauthorized(err):
		return &Error{Kind: KindPermissionDenied, Op: op, Err: err}
	case k8serrors.IsInvalid(err), k8serrors.IsBadRequest(err):
		return &Error{Kind: KindInvalid, Op: op, Err: err}
	default:
		return &Error{Kind: KindTransportError, Op: op, Err: err}
	}
}

// IgnoreNotFound returns nil if err classifies as NotFound, else err
// unchanged. Used by cleanup/delete paths that must tolerate absence.
func IgnoreNotFound(err error) error {
	if Is(err, KindNotFound) {
		return nil
	}
	return err
}

// NotFound constructs a NotFound Error for a lookup that has no
// underlying Kubernetes API error to classify, e.g. an unknown
// workflow id in the registry.
func NotFound(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: errors.New(message)}
}

// FatalWorkloadError records an unrecoverable condition observed during
// monitoring (e.g. an image pull failure) that the monitor cannot
// resolve on its own; the caller must inspect and decide to stop.
type FatalWorkloadError struct {
	Reason  string
	Message string
}

func (e *FatalWorkloadError) Error() string {
	return fmt.Sprintf("fatal workload error: %s: %s", e.Reason, e.Message)
}

// StoreError records a side-car store-result failure. It is always
// logged and swallowed by the caller; cleanup proceeds regardless.
type StoreError struct {
	StatusCode int
	Err        error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store request failed: status=%d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("store request failed: status=%d", e.StatusCode)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError surfaces as an HTTP 400 with no cluster-side effect:
// unknown service, unknown resource, unknown workflow id, missing input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// AuthError surfaces as an HTTP 403 and short-circuits routing.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// InvariantViolation represents a programming bug: an impossible state
// was reached (e.g. an unknown storage type). It should abort with a
// clear message rather than be handled as a recoverable error.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string { return "invariant violation: " + e.Message }
