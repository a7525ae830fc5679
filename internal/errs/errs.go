// Package errs defines the tagged error-kind surface used across the
// exchange (spec §7), replacing ad-hoc string errors with a variant that
// carries the offending identifier.
package errs

import "fmt"

// Kind is one of the exchange's error kinds, exactly as enumerated in spec §7.
type Kind string

const (
	BadRequest          Kind = "BadRequest"
	InvalidSignature    Kind = "InvalidSignature"
	Expired             Kind = "Expired"
	StaleNonce          Kind = "StaleNonce"
	Duplicate           Kind = "Duplicate"
	SelfMatch           Kind = "SelfMatch"
	InsufficientBalance Kind = "InsufficientBalance"
	RateLimited         Kind = "RateLimited"
	SizeExceeded        Kind = "SizeExceeded"
	ExposureExceeded    Kind = "ExposureExceeded"
	MarketPaused        Kind = "MarketPaused"
	NotInTree           Kind = "NotInTree"
	RpcTimeout          Kind = "RpcTimeout"
	RpcFailure          Kind = "RpcFailure"
	ReorgDetected       Kind = "ReorgDetected"
	DiscrepancyCritical Kind = "DiscrepancyCritical"
)

// E is the exchange's error type: a kind, the offending identifier (order
// hash, address, epoch id, ...), and an optional wrapped cause.
type E struct {
	Kind    Kind
	Subject string
	Cause   error
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Cause)
	}
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
	}
	return string(e.Kind)
}

func (e *E) Unwrap() error { return e.Cause }

// New builds a new tagged error.
func New(kind Kind, subject string) *E {
	return &E{Kind: kind, Subject: subject}
}

// Wrap builds a new tagged error around a cause.
func Wrap(kind Kind, subject string, cause error) *E {
	return &E{Kind: kind, Subject: subject, Cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*E)
	return ok && e.Kind == kind
}

// KindOf extracts the kind from err, or "" if err is not an *E.
func KindOf(err error) Kind {
	if e, ok := err.(*E); ok {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a kind is worth retrying with backoff (spec §7:
// RPC failures get bounded retries; validation failures never do).
func Retryable(kind Kind) bool {
	switch kind {
	case RpcTimeout, RpcFailure:
		return true
	default:
		return false
	}
}
