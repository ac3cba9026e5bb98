// Package retry implements C2, the Retry Envelope: a failure classifier
// (Retryable vs Terminal) and an exponential-backoff-with-
// full-jitter retry loop built on github.com/cenkalti/backoff/v4. Failure
// classification follows the typed-state discipline of this codebase's
// circuit breaker (pkg/resilience/circuit_breaker.go), scaled down to a
// two-valued Classification instead of a breaker's open/half-open/closed
// machine; no attempt counters are kept beyond the backoff's retry limit.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Classification is the outcome of inspecting one failure.
type Classification int

const (
	Retryable Classification = iota
	Terminal
)

// TerminalError marks an error as definitively non-retryable so Classify
// doesn't need to re-derive it from a status code (e.g. malformed body,
// explicit unsupported-format response).
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// NewTerminal wraps err so Classify always returns Terminal for it.
func NewTerminal(err error) error { return &TerminalError{Err: err} }

// StatusError carries the HTTP status code of a failed upstream call.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// NewStatusError wraps err with the HTTP status observed.
func NewStatusError(status int, err error) error {
	return &StatusError{Status: status, Err: err}
}

// Classify applies the retryable/terminal split: 408, 429, 500, 502,
// 503, 504, and network/timeout errors are Retryable; any other 4xx,
// malformed bodies, and auth failures are Terminal.
func Classify(err error) Classification {
	if err == nil {
		return Terminal
	}

	var term *TerminalError
	if errors.As(err, &term) {
		return Terminal
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return Retryable
		default:
			return Terminal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	// Unclassified transport errors are treated conservatively as
	// retryable network failures rather than silently terminal.
	return Retryable
}

// Policy configures one retry envelope instance (transcription and
// correction each get different base/cap/max-retry figures).
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// TranscriptionPolicy is the transcription retry policy.
var TranscriptionPolicy = Policy{Base: time.Second, Cap: 15 * time.Second, MaxRetries: 5}

// CorrectionPolicy is the per-chunk correction retry policy.
var CorrectionPolicy = Policy{Base: time.Second, Cap: 5 * time.Second, MaxRetries: 3}

func (p Policy) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	// With RandomizationFactor 1 the library draws each wait uniformly from
	// [0, 2×current], so current runs at half of Base and Cap: each wait is
	// then uniform over [0, min(Base·2^n, Cap)] (full jitter).
	b.InitialInterval = p.Base / 2
	b.MaxInterval = p.Cap / 2
	b.Multiplier = 2
	b.RandomizationFactor = 1
	b.MaxElapsedTime = 0      // bounded by MaxRetries via backoff.WithMaxRetries, not elapsed time
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// Do runs fn, retrying on Retryable failures per policy with exponential
// backoff and full jitter. A Terminal failure aborts the loop immediately
// and is returned to the caller.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if Classify(err) == Terminal {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(policy.backoff(), ctx))
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
