package unifiedllm

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		check     func(error) bool
		retryable bool
	}{
		{400, func(e error) bool { var x *InvalidRequestError; return errors.As(e, &x) }, false},
		{401, func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }, false},
		{403, func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }, false},
		{404, func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }, false},
		{408, func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }, true},
		{413, func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }, false},
		{422, func(e error) bool { var x *InvalidRequestError; return errors.As(e, &x) }, false},
		{429, func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }, true},
		{500, func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{502, func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{503, func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{504, func(e error) bool { var x *ServerError; return errors.As(e, &x) }, true},
		{418, func(e error) bool { var x *ProviderError; return errors.As(e, &x) }, false},
		{599, func(e error) bool { var x *ProviderError; return errors.As(e, &x) }, true},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", "")
		if !tt.check(err) {
			t.Errorf("status %d: unexpected error type %T", tt.status, err)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"access denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"config error", &ConfigurationError{}, false},
		{"malformed response", &MalformedResponseError{}, false},
		{"rate limit", &RateLimitError{ProviderError: ProviderError{Retryable: true}}, true},
		{"server error", &ServerError{ProviderError: ProviderError{Retryable: true}}, true},
		{"network error", &NetworkError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"wrapped rate limit", fmt.Errorf("call: %w", &RateLimitError{}), true},
		{"unknown error", errors.New("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryable(tt.err)
			if got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	err := fmt.Errorf("model call: %w", ErrorFromStatusCode(401, "bad key", "openai", "invalid_api_key"))
	if got := StatusCode(err); got != 401 {
		t.Errorf("StatusCode = %d, want 401", got)
	}
	if got := StatusCode(errors.New("plain")); got != 0 {
		t.Errorf("StatusCode(plain) = %d, want 0", got)
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected SDKError to unwrap to its cause")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}

func TestMalformedResponseErrorMessage(t *testing.T) {
	err := &MalformedResponseError{SDKError: SDKError{Message: "no choices"}, Provider: "moonshot"}
	if got := err.Error(); got != "[moonshot] malformed response: no choices" {
		t.Errorf("unexpected message %q", got)
	}
}
