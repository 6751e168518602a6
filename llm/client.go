package llm

import (
	"context"
	"fmt"
	"sync"
)

// Middleware wraps a provider call. It receives the request and a next
// function that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client routes requests to registered Provider adapters and applies
// middleware in registration order.
type Client struct {
	providers       map[string]Provider
	defaultProvider string
	middleware      []Middleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, p Provider) ClientOption {
	return func(c *Client) {
		c.providers[name] = p
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]Provider)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = p
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// resolveProvider determines which provider adapter serves a request.
func (c *Client) resolveProvider(req Request) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{BaseError: BaseError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	p, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{BaseError: BaseError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return p, nil
}

// Complete sends a request through the middleware chain to the resolved
// provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	p, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = p.Name()
	}

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return p.Complete(ctx, r)
	}

	// Apply middleware in reverse order so first registered runs first.
	c.mu.RLock()
	mws := c.middleware
	c.mu.RUnlock()
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Close releases resources held by registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, p := range c.providers {
		if closer, ok := p.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RateLimitMiddleware gates every call through the limiter and records the
// actual usage reported by the provider afterwards. Requests without a
// caller-supplied estimate are estimated at four characters per token.
func RateLimitMiddleware(limiter *RateLimiter) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		est := req.EstimatedInputTokens
		if est <= 0 {
			for _, msg := range req.Messages {
				est += len(msg.TextContent()) / 4
			}
		}
		if err := limiter.CheckRateLimit(ctx, est, req.RequestID); err != nil {
			return nil, &AbortError{BaseError: BaseError{Message: "cancelled while rate limited", Cause: err}}
		}

		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}

		actual := resp.Usage.TotalTokens
		if actual <= 0 {
			actual = est
		}
		limiter.RecordUsage(actual, req.RequestID)
		return resp, nil
	}
}

// RetryMiddleware retries the downstream call per the policy.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		result := WithRetry(ctx, policy, req.Model, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
		return result.Value, result.Err
	}
}
