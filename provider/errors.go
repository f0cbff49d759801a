package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an upstream failure. Classification happens once, at
// the provider boundary; everything downstream branches on the kind instead
// of re-parsing error text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindInvalidResponse
	KindAuthentication
	KindNetwork
	KindContentFiltered
)

// String returns the kind's wire/log name.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidResponse:
		return "invalid_response"
	case KindAuthentication:
		return "authentication"
	case KindNetwork:
		return "network"
	case KindContentFiltered:
		return "content_filtered"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind should be retried with
// backoff. Only upstream throttling qualifies; everything else surfaces to
// the caller immediately.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited
}

// Sentinel errors for upstream failures.
var (
	// ErrRateLimited indicates the provider signaled throttling.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrInvalidResponse indicates malformed or unparseable model output.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrAuthentication indicates rejected credentials.
	ErrAuthentication = errors.New("provider authentication failed")

	// ErrNetwork indicates a transport-level failure.
	ErrNetwork = errors.New("provider network error")

	// ErrContentFiltered indicates the provider refused the content.
	ErrContentFiltered = errors.New("provider filtered content")
)

// sentinelFor maps a kind back to its sentinel so errors.Is works across the
// wrapper.
func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindRateLimited:
		return ErrRateLimited
	case KindInvalidResponse:
		return ErrInvalidResponse
	case KindAuthentication:
		return ErrAuthentication
	case KindNetwork:
		return ErrNetwork
	case KindContentFiltered:
		return ErrContentFiltered
	default:
		return nil
	}
}

// Error wraps an upstream failure with the call context and its classified
// kind.
type Error struct {
	Op    string // operation that failed, e.g. "execute"
	Model string
	Kind  ErrorKind
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Model, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind's sentinel in addition to the wrapped chain, so
// errors.Is(err, ErrRateLimited) holds for any classified throttling error.
func (e *Error) Is(target error) bool {
	return target != nil && target == sentinelFor(e.Kind)
}

// NewError builds a classified wrapper around an upstream error.
func NewError(op, model string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Model: model, Kind: kind, Err: err}
}

// Classify determines the kind of an upstream error. Structured information
// (a previous *Error or a sentinel) wins; otherwise this falls back to
// matching the error text. The upstream callable exposes no structured
// codes, so text matching can misclassify.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrContentFiltered):
		return KindContentFiltered
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "rate-limit", "ratelimit", "429", "too many requests", "resource exhausted", "resource_exhausted", "quota exceeded", "quota_exceeded"):
		return KindRateLimited
	case containsAny(msg, "api key", "unauthorized", "unauthenticated", "401", "403", "permission denied", "invalid credential"):
		return KindAuthentication
	case containsAny(msg, "safety", "content filter", "blocked", "prohibited content"):
		return KindContentFiltered
	case containsAny(msg, "unmarshal", "invalid json", "parse error", "malformed", "unexpected end of", "schema"):
		return KindInvalidResponse
	case containsAny(msg, "connection", "network", "timeout", "timed out", "dial tcp", "no such host", "eof", "broken pipe", "reset by peer", "503", "502", "unavailable"):
		return KindNetwork
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
