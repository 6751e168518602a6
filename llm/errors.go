package llm

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// BaseError is the root error type for the provider layer.
type BaseError struct {
	Message string
	Cause   error
}

func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BaseError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	BaseError
	Provider   string
	StatusCode int
	Retryable  bool
	// RetryAfter, when set, is an explicit provider-supplied wait before
	// the next attempt. The retry engine honors it exactly, capped at the
	// policy's MaxDelay.
	RetryAfter *time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ BaseError }
type NetworkError struct{ BaseError }
type AbortError struct{ BaseError }
type ConfigurationError struct{ BaseError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *time.Duration) error {
	pe := ProviderError{
		BaseError:  BaseError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{BaseError: BaseError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown status codes default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *AuthenticationError, *AccessDeniedError, *InvalidRequestError,
		*ContextLengthError, *ConfigurationError, *AbortError:
		return false
	case *RateLimitError, *ServerError, *NetworkError, *RequestTimeoutError:
		return true
	case *ProviderError:
		return e.Retryable
	default:
		// Unknown errors default to retryable.
		return true
	}
}

// RetryAfterHint extracts an explicit retry-after duration from the error,
// if the provider supplied one.
func RetryAfterHint(err error) (time.Duration, bool) {
	switch e := err.(type) {
	case *RateLimitError:
		if e.RetryAfter != nil {
			return *e.RetryAfter, true
		}
	case *ServerError:
		if e.RetryAfter != nil {
			return *e.RetryAfter, true
		}
	case *ProviderError:
		if e.RetryAfter != nil {
			return *e.RetryAfter, true
		}
	}
	return 0, false
}

// Message patterns used to classify errors that arrive as plain text
// rather than typed values. Fatal patterns win over transient ones.
var (
	transientPatterns = []string{
		"rate limit", "rate_limit", "429", "timeout", "timed out",
		"connection reset", "connection refused", "network", "temporarily",
		"overloaded", "capacity", "500", "502", "503", "504",
		"internal server", "bad gateway", "service unavailable",
	}
	fatalPatterns = []string{
		"401", "403", "400", "unauthorized", "forbidden",
		"invalid api key", "invalid_api_key", "authentication",
		"permission denied", "invalid request",
	}
)

// Classify maps an arbitrary error onto the typed hierarchy using message
// pattern matching. Errors that are already typed pass through unchanged.
// Unknown errors default to a retryable ProviderError.
func Classify(err error, provider string) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *ProviderError, *AuthenticationError, *AccessDeniedError,
		*InvalidRequestError, *RateLimitError, *ServerError,
		*ContextLengthError, *RequestTimeoutError, *NetworkError,
		*AbortError, *ConfigurationError:
		return err
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	base := BaseError{Message: msg, Cause: err}

	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			switch {
			case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden") || strings.Contains(lower, "permission denied"):
				return &AccessDeniedError{ProviderError: ProviderError{BaseError: base, Provider: provider, StatusCode: 403}}
			case strings.Contains(lower, "400") || strings.Contains(lower, "invalid request"):
				return &InvalidRequestError{ProviderError: ProviderError{BaseError: base, Provider: provider, StatusCode: 400}}
			default:
				return &AuthenticationError{ProviderError: ProviderError{BaseError: base, Provider: provider, StatusCode: 401}}
			}
		}
	}

	if strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens") || strings.Contains(lower, "maximum context") {
		return &ContextLengthError{ProviderError: ProviderError{BaseError: base, Provider: provider, StatusCode: 413}}
	}

	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			switch {
			case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "429"):
				rl := &RateLimitError{ProviderError: ProviderError{BaseError: base, Provider: provider, StatusCode: 429, Retryable: true}}
				if d, ok := ParseRetryAfter(msg); ok {
					rl.RetryAfter = &d
				}
				return rl
			case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
				return &RequestTimeoutError{BaseError: base}
			case strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
				return &NetworkError{BaseError: base}
			default:
				return &ServerError{ProviderError: ProviderError{BaseError: base, Provider: provider, StatusCode: 500, Retryable: true}}
			}
		}
	}

	return &ProviderError{BaseError: base, Provider: provider, Retryable: true}
}

var retryAfterRe = regexp.MustCompile(`(?i)retry[- _]after[:\s=]+([^,;\n]+)`)

// ParseRetryAfter extracts a retry-after duration from header-style or
// free-text values. Both delta-seconds ("12", "12.5") and absolute
// HTTP-date forms are supported; absolute times in the past yield zero.
func ParseRetryAfter(value string) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if m := retryAfterRe.FindStringSubmatch(v); m != nil {
		v = strings.TrimSpace(m[1])
	}
	v = strings.TrimSuffix(v, "s")
	v = strings.TrimSpace(v)

	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}

	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}
