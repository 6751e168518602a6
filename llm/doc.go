// Package llm is the provider layer of the helmsman agent core.
//
// It presents a provider-agnostic interface for language model completion
// calls and bundles the two resource-management engines every call passes
// through: a sliding-window rate limiter and an exponential-backoff retry
// engine that honors provider retry-after hints.
//
// The Client routes requests to registered Provider adapters and applies
// middleware; RateLimitMiddleware and RetryMiddleware package the two
// engines so hosts get gated, retried calls without wiring anything by
// hand. A gollm-backed adapter is included for OpenAI- and
// Anthropic-compatible endpoints.
//
// Model capabilities (context window size, compaction thresholds, tool
// support) are looked up in the catalog by model identifier rather than
// branched on inline.
package llm
