package llm

import "context"

// Provider is the abstract contract a language model backend must satisfy.
// Complete blocks until the model returns a full response; failures are
// surfaced as typed errors from this package (Classify is applied by the
// adapters) so the retry engine can decide what to do with them.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete sends the conversation and returns the model's reply,
	// which may carry structured tool calls.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Closer is implemented by providers that hold releasable resources.
type Closer interface {
	Close() error
}
