// Package gatewayerr defines the tagged error type shared by every provider
// adapter, the router, and the orchestrator. Heterogeneous upstream failures
// (HTTP status codes, SSE framing errors, SDK-specific error types) are all
// normalised into one Error value so callers never need a type switch per
// provider.
package gatewayerr

import (
	"fmt"
	"time"
)

// Kind enumerates the error variants a provider or the orchestrator can raise.
type Kind string

const (
	Authentication    Kind = "authentication"
	RateLimit         Kind = "rate_limit"
	Quota             Kind = "quota"
	Network           Kind = "network"
	Timeout           Kind = "timeout"
	ModelNotAvailable Kind = "model_not_available"
	CircuitOpen       Kind = "circuit_open"
	InvalidRequest    Kind = "invalid_request"
	Generic           Kind = "generic"
)

// Error is the single tagged error value used across the gateway.
//
// Every variant carries Provider, Code, and Retryable; variant-specific
// context lives in ResetAt / TimeoutMs / ModelID, which are only meaningful
// for the matching Kind.
type Error struct {
	Kind      Kind
	Provider  string
	Code      string
	Retryable bool
	Cause     error

	// ResetAt is set for RateLimit — the time after which the provider is
	// expected to accept requests again.
	ResetAt time.Time
	// TimeoutMs is set for Timeout.
	TimeoutMs int64
	// ModelID is set for ModelNotAvailable.
	ModelID string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (provider=%s, code=%s): %v", e.Kind, e.message(), e.Provider, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s (provider=%s, code=%s)", e.Kind, e.message(), e.Provider, e.Code)
}

func (e *Error) message() string {
	switch e.Kind {
	case RateLimit:
		return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
	case Timeout:
		return fmt.Sprintf("timed out after %dms", e.TimeoutMs)
	case ModelNotAvailable:
		return fmt.Sprintf("model %q not available", e.ModelID)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus implements the StatusCoder contract used to map errors onto
// gateway HTTP responses.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case Authentication:
		return 401
	case RateLimit:
		return 429
	case Quota:
		return 429
	case Network:
		return 502
	case Timeout:
		return 504
	case ModelNotAvailable:
		return 404
	case CircuitOpen:
		return 503
	case InvalidRequest:
		return 400
	default:
		return 502
	}
}

// New builds a Generic error. Use the dedicated constructors below for the
// other variants — they fill in the variant-specific fields consistently.
func New(provider, code string, retryable bool, cause error) *Error {
	return &Error{Kind: Generic, Provider: provider, Code: code, Retryable: retryable, Cause: cause}
}

func NewAuthentication(provider string, cause error) *Error {
	return &Error{Kind: Authentication, Provider: provider, Code: "authentication_failed", Retryable: false, Cause: cause}
}

func NewRateLimit(provider string, resetAt time.Time, cause error) *Error {
	return &Error{Kind: RateLimit, Provider: provider, Code: "rate_limited", Retryable: true, ResetAt: resetAt, Cause: cause}
}

func NewQuota(provider string, cause error) *Error {
	return &Error{Kind: Quota, Provider: provider, Code: "quota_exceeded", Retryable: false, Cause: cause}
}

func NewNetwork(provider string, cause error) *Error {
	return &Error{Kind: Network, Provider: provider, Code: "network_error", Retryable: true, Cause: cause}
}

func NewTimeout(provider string, timeoutMs int64, cause error) *Error {
	return &Error{Kind: Timeout, Provider: provider, Code: "timeout", Retryable: true, TimeoutMs: timeoutMs, Cause: cause}
}

func NewModelNotAvailable(provider, modelID string) *Error {
	return &Error{Kind: ModelNotAvailable, Provider: provider, Code: "model_not_available", Retryable: false, ModelID: modelID}
}

func NewCircuitOpen(provider string) *Error {
	return &Error{Kind: CircuitOpen, Provider: provider, Code: "circuit_open", Retryable: false}
}

func NewInvalidRequest(provider, reason string) *Error {
	return &Error{Kind: InvalidRequest, Provider: provider, Code: "invalid_request", Retryable: false, Cause: fmt.Errorf("%s", reason)}
}

// Is reports whether err is a *Error of the given Kind. Mirrors the
// errors.Is contract but avoids pulling every caller into errors.As
// boilerplate for the common "what kind was this" check.
func Is(err error, kind Kind) bool {
	ge, ok := err.(*Error)
	return ok && ge.Kind == kind
}

// AsError extracts *Error from err, unwrapping one level if necessary.
func AsError(err error) (*Error, bool) {
	if ge, ok := err.(*Error); ok {
		return ge, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if ge, ok := u.Unwrap().(*Error); ok {
			return ge, true
		}
	}
	return nil, false
}
