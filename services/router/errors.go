package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a router error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork is a connection-level failure.
	KindNetwork
	// KindProviderAPI is a non-2xx provider response.
	KindProviderAPI
	// KindAuth means the provider credential is invalid or expired.
	KindAuth
	// KindRateLimited is an explicit soft-throttle signal with a retry-after.
	KindRateLimited
	// KindInvalidResponse is a malformed provider payload.
	KindInvalidResponse
	// KindNotConfigured means no provider is registered for a required capability.
	KindNotConfigured
	// KindCapabilityUnsupported means the request needs a capability the
	// provider does not declare (e.g. streaming).
	KindCapabilityUnsupported
	// KindBudgetExceeded means admission was denied by the budget enforcer.
	KindBudgetExceeded
	// KindNoProvidersAvailable means no eligible candidate existed.
	KindNoProvidersAvailable
	// KindTimeout is a request or chunk deadline expiry.
	KindTimeout
	// KindStreamCanceled means the caller canceled the request or stream.
	KindStreamCanceled
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProviderAPI:
		return "provider_api"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidResponse:
		return "invalid_response"
	case KindNotConfigured:
		return "not_configured"
	case KindCapabilityUnsupported:
		return "capability_unsupported"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindNoProvidersAvailable:
		return "no_providers_available"
	case KindTimeout:
		return "timeout"
	case KindStreamCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the kind name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a kind name. Unrecognized names map to KindUnknown.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	*k = parseKind(name)
	return nil
}

func parseKind(name string) Kind {
	for k := KindUnknown; k <= KindStreamCanceled; k++ {
		if k.String() == name {
			return k
		}
	}
	return KindUnknown
}

// Error is the router's error type. Terminal errors returned from Route and
// RouteStream carry the RouteDecision describing every candidate attempted.
type Error struct {
	Kind       Kind
	Provider   string
	Status     int           // HTTP status for KindProviderAPI
	RetryAfter time.Duration // set for KindRateLimited
	Message    string
	Decision   *RouteDecision
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Kind == KindProviderAPI && e.Provider != "":
		return fmt.Sprintf("%s: provider API error (status %d): %s", e.Provider, e.Status, msg)
	case e.Kind == KindRateLimited && e.Provider != "":
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Provider, e.RetryAfter)
	case e.Provider != "":
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind, so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	var re *Error
	if errors.As(target, &re) {
		return re.Kind == e.Kind
	}
	return false
}

// Transient reports whether the error is failover-eligible: network errors,
// 5xx provider responses, soft throttles, and timeouts.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindRateLimited, KindTimeout:
		return true
	case KindProviderAPI:
		return e.Status >= 500
	default:
		return false
	}
}

// hardFailure reports whether the error counts toward the provider's
// consecutive-failure breaker counter.
func (e *Error) hardFailure() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindInvalidResponse:
		return true
	case KindProviderAPI:
		return e.Status >= 500
	default:
		return false
	}
}

// newError builds an Error for a provider with a formatted message.
func newError(kind Kind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// ErrorKind extracts the Kind from any error, returning KindUnknown for
// errors the router did not produce.
func ErrorKind(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// classify normalizes an arbitrary provider error into a *Error. Provider
// adapters return *Error directly; anything else is treated as a network
// failure, and context expiry as a timeout.
func classify(providerID string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		if re.Provider == "" {
			re.Provider = providerID
		}
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: providerID, Message: "request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindStreamCanceled, Provider: providerID, Message: "request canceled", Err: err}
	}
	return &Error{Kind: KindNetwork, Provider: providerID, Err: err}
}
