package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"coursecal/internal/model"
)

// Kind classifies a remote failure by how the executor must react to it.
type Kind int

const (
	// KindTransient covers network errors and 5xx; retried with backoff.
	KindTransient Kind = iota
	// KindRateLimited is a quota or 429 response; retried with backoff,
	// honoring RetryAfter when present.
	KindRateLimited
	// KindFatal aborts the whole run (expired auth, permission, missing calendar).
	KindFatal
	// KindNotFound means the addressed event does not exist (anymore).
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	case KindNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the matching model sentinel and the cause.
func (e *Error) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindFatal:
		sentinel = model.ErrRemoteFatal
	case KindNotFound:
		sentinel = model.ErrNotFound
	default:
		sentinel = model.ErrRemoteTransient
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Retryable reports whether the failure may succeed when retried.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// Classify maps an HTTP status onto a Kind. reason is the provider's error
// reason string, used to tell quota 403s from permission 403s.
func Classify(status int, reason string) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusForbidden && (reason == "rateLimitExceeded" || reason == "userRateLimitExceeded"):
		return KindRateLimited
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindFatal
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// AsError extracts a classified remote error. Unclassified errors report ok=false.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsNotFound reports whether err is a remote not-found.
func IsNotFound(err error) bool {
	re, ok := AsError(err)
	return ok && re.Kind == KindNotFound
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	re, ok := AsError(err)
	return ok && re.Kind == KindFatal
}
