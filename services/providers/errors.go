package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FailureKind types a routing failure for the caller
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailureRejected    FailureKind = "rejected"
)

// ErrNoProvider is returned when no registered provider serves a model
var ErrNoProvider = errors.New("no provider available for model")

// RoutingError is returned by the router when no provider produced a
// response. It never describes a policy decision.
type RoutingError struct {
	Kind     FailureKind
	Model    string
	Provider string   // last provider tried, empty when none was
	Attempts []string // providers tried, in order
	Err      error
}

func (e *RoutingError) Error() string {
	tried := "none"
	if len(e.Attempts) > 0 {
		tried = strings.Join(e.Attempts, ",")
	}
	return fmt.Sprintf("routing %s for model %q (tried %s): %v", e.Kind, e.Model, tried, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// AsRoutingError extracts a RoutingError from err
func AsRoutingError(err error) (*RoutingError, bool) {
	var re *RoutingError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ClassifyError maps a provider error onto a failure kind
func ClassifyError(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		switch {
		case provErr.StatusCode == http.StatusRequestTimeout || provErr.StatusCode == http.StatusGatewayTimeout:
			return FailureTimeout
		case provErr.StatusCode == http.StatusTooManyRequests || provErr.StatusCode >= 500:
			return FailureUnavailable
		case provErr.StatusCode >= 400:
			return FailureRejected
		case !provErr.Retryable:
			return FailureRejected
		}
	}
	return FailureUnavailable
}

// retryable reports whether a failure of this kind may succeed elsewhere
func (k FailureKind) retryable() bool {
	return k == FailureTimeout || k == FailureUnavailable
}
