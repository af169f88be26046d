// errors.go defines the typed error model shared by every adapter.
//
// Each adapter maps every failure — HTTP transport errors, venue error codes,
// malformed bodies — to exactly one Kind. Callers branch on the kind, never
// on venue-specific strings:
//
//	UpstreamTemporary → skip this tick, retry on the next one
//	UpstreamPermanent → mark the rung not-placed, don't retry until reinit
//	Protocol          → log, do not mutate local state for that record
//	Auth              → stop trading loops, keep the dispatcher alive
package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter failure. See the package comment for the
// policy attached to each kind.
type Kind int

const (
	KindValidation Kind = iota // bad input, rejected before any venue call
	KindUnsupported            // venue lacks the capability
	KindUpstreamTemporary      // 429, 5xx, nonce skew, timeout — retryable
	KindUpstreamPermanent      // insufficient balance, below minimum — not retryable
	KindProtocol               // malformed response, missing field
	KindAuth                   // bad API key, expired signature
	KindInconsistency          // local/venue state disagreement
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnsupported:
		return "unsupported"
	case KindUpstreamTemporary:
		return "upstream-temporary"
	case KindUpstreamPermanent:
		return "upstream-permanent"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindInconsistency:
		return "inconsistency"
	default:
		return "unknown"
	}
}

// Error is the uniform adapter error. Code carries the venue's own error
// code when one exists; Message is the venue's or the adapter's diagnostic.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an adapter error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an adapter error wrapping an underlying cause.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or KindProtocol if err is not an
// adapter error (an unclassified failure must never look retryable).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindProtocol
}

// IsTemporary reports whether err should be retried on the next tick.
func IsTemporary(err error) bool { return KindOf(err) == KindUpstreamTemporary }

// IsAuth reports whether err means credentials are no longer usable.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsUnsupported reports whether err means the venue lacks the capability.
func IsUnsupported(err error) bool { return KindOf(err) == KindUnsupported }
