package unifiedllm

import (
	"errors"
	"fmt"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError is an error reported by a model provider, usually a non-2xx
// HTTP response.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Provider error kinds. Each embeds ProviderError so callers can use
// errors.As with either the specific or the general type.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// MalformedResponseError reports a provider reply that could not be turned
// into a Response (no choices, undecodable tool arguments).
type MalformedResponseError struct {
	SDKError
	Provider string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("[%s] malformed response: %s", e.Provider, e.SDKError.Error())
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = statusCode >= 500
		return &pe
	}
}

// IsRetryable reports whether err is transient. The agent loop never
// retries; callers wrapping the client may.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		rl  *RateLimitError
		se  *ServerError
		ne  *NetworkError
		rt  *RequestTimeoutError
		cfg *ConfigurationError
		mr  *MalformedResponseError
	)
	switch {
	case errors.As(err, &rl), errors.As(err, &se), errors.As(err, &ne), errors.As(err, &rt):
		return true
	case errors.As(err, &cfg), errors.As(err, &mr):
		return false
	}
	if pe := providerErrorOf(err); pe != nil {
		return pe.Retryable
	}
	return false
}

// providerErrorOf extracts the embedded ProviderError from any provider
// error kind.
func providerErrorOf(err error) *ProviderError {
	var (
		pe  *ProviderError
		ae  *AuthenticationError
		ad  *AccessDeniedError
		nf  *NotFoundError
		ir  *InvalidRequestError
		rl  *RateLimitError
		se  *ServerError
		cle *ContextLengthError
	)
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.As(err, &ae):
		return &ae.ProviderError
	case errors.As(err, &ad):
		return &ad.ProviderError
	case errors.As(err, &nf):
		return &nf.ProviderError
	case errors.As(err, &ir):
		return &ir.ProviderError
	case errors.As(err, &rl):
		return &rl.ProviderError
	case errors.As(err, &se):
		return &se.ProviderError
	case errors.As(err, &cle):
		return &cle.ProviderError
	}
	return nil
}

// StatusCode returns the HTTP status carried by a provider error, or 0.
func StatusCode(err error) int {
	if pe := providerErrorOf(err); pe != nil {
		return pe.StatusCode
	}
	return 0
}
