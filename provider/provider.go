// Package provider defines the boundary with the upstream inference service.
// The service itself is opaque to this module: callers supply an Invoker and
// the rest of the core only sees Request/Result values and classified errors.
package provider

import (
	"context"
)

// Request is a normalized inference request. The wire protocol behind it is
// the caller's concern.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	// Options carries provider-specific settings the core does not interpret.
	Options map[string]any
}

// Usage reports token consumption for a completed call. Providers do not
// always return usage metadata, so Result carries it as an optional pointer
// rather than zero-valued fields.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Result is a normalized provider response.
type Result struct {
	// Text is the raw model output.
	Text string

	// Model is the model that actually served the call.
	Model string

	// Usage is nil when the provider response carried no usage metadata.
	Usage *Usage
}

// Tokens returns the total token count, or 0 when usage is unknown.
func (r *Result) Tokens() int {
	if r == nil || r.Usage == nil {
		return 0
	}
	return r.Usage.Total()
}

// Invoker performs one inference invocation against the upstream service.
// Implementations are supplied by the surrounding application and must be
// safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, model string, req Request) (*Result, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, model string, req Request) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, model string, req Request) (*Result, error) {
	return f(ctx, model, req)
}
