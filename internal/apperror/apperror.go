// Package apperror defines the closed set of error kinds this service
// raises and their HTTP-status mapping, keeping the public (client-facing)
// message separate from the detailed internal one — the same
// never-leak-internals discipline the rest of this codebase applies in
// its HTTP error sanitizer, minus its regex-based string scrubbing, which
// has no analogue here since these errors are constructed with an
// explicit public message rather than derived from arbitrary internal
// error text.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error kinds this service raises.
type Kind int

const (
	KindInputInvalid Kind = iota
	KindNotFound
	KindStateConflict
	KindUpstreamRetryable
	KindUpstreamTerminal
	KindChunkProducedNoText
	KindPartialAssembly
	KindCorrectionFailed
	KindCancelled
	KindStreamTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInputInvalid:
		return "InputInvalid"
	case KindNotFound:
		return "NotFound"
	case KindStateConflict:
		return "StateConflict"
	case KindUpstreamRetryable:
		return "UpstreamRetryable"
	case KindUpstreamTerminal:
		return "UpstreamTerminal"
	case KindChunkProducedNoText:
		return "ChunkProducedNoText"
	case KindPartialAssembly:
		return "PartialAssembly"
	case KindCorrectionFailed:
		return "CorrectionFailed"
	case KindCancelled:
		return "Cancelled"
	case KindStreamTimeout:
		return "StreamTimeout"
	default:
		return "Internal"
	}
}

// HTTPStatus maps a Kind to the status code clients should see for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInputInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is an application error carrying a closed Kind, a client-safe
// public message, and an optional wrapped cause that is logged but never
// serialized to the client.
type Error struct {
	Kind    Kind
	Public  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Public, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Public)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no wrapped cause.
func New(kind Kind, public string) *Error {
	return &Error{Kind: kind, Public: public}
}

// Wrap constructs an Error that wraps an internal cause not shown to
// clients.
func Wrap(kind Kind, public string, cause error) *Error {
	return &Error{Kind: kind, Public: public, Cause: cause}
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
