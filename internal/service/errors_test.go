package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"500", 500, "", true},
		{"502", 502, "", true},
		{"429", 429, "", true},
		{"529 overloaded", 529, "", true},
		{"400 plain", 400, `{"error":{"type":"invalid_request_error"}}`, false},
		{"400 wrapped internal error", 400, `{"error":{"message":"Internal Server Error"}}`, true},
		{"400 overloaded marker", 400, `{"error":{"type":"overloaded_error"}}`, true},
		{"400 upstream connect error", 400, "upstream connect error or disconnect", true},
		{"401", 401, "", false},
		{"403", 403, "", false},
		{"404", 404, "", false},
		{"200", 200, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRetryableStatus(tt.status, []byte(tt.body)))
		})
	}
}

func TestShouldFailover(t *testing.T) {
	require.False(t, ShouldFailover(nil))
	require.False(t, ShouldFailover(context.Canceled))
	require.False(t, ShouldFailover(fmt.Errorf("wrapped: %w", context.Canceled)))

	require.True(t, ShouldFailover(ErrAccountConcurrencyExceeded))
	require.True(t, ShouldFailover(&ProxyError{AccountID: "a1", Err: errors.New("tunnel refused")}))
	require.True(t, ShouldFailover(&StreamTimeoutError{Reason: "idle", AccountID: "a1"}))
	require.True(t, ShouldFailover(&UpstreamFailoverError{StatusCode: 502}))
	require.True(t, ShouldFailover(errors.New("connection reset by peer")))

	// 401/403 账号已被降级，换号重试；其余不可重试的 4xx 原样透传。
	require.True(t, ShouldFailover(&UpstreamFailoverError{StatusCode: 401}))
	require.True(t, ShouldFailover(&UpstreamFailoverError{StatusCode: 403}))
	require.True(t, ShouldFailover(&UpstreamFailoverError{StatusCode: 429}))
	require.False(t, ShouldFailover(&UpstreamFailoverError{StatusCode: 404}))
	require.False(t, ShouldFailover(&UpstreamFailoverError{
		StatusCode:   400,
		ResponseBody: []byte(`{"error":{"type":"invalid_request_error"}}`),
	}))
	require.True(t, ShouldFailover(&UpstreamFailoverError{
		StatusCode:   400,
		ResponseBody: []byte(`{"error":{"type":"overloaded_error"}}`),
	}))
	require.True(t, ShouldFailover(fmt.Errorf("attempt: %w", &UpstreamFailoverError{StatusCode: 529})))
}

func TestIsProxyError_Unwraps(t *testing.T) {
	inner := errors.New("dial failed")
	wrapped := fmt.Errorf("request: %w", &ProxyError{AccountID: "a1", Err: inner})
	pe, ok := IsProxyError(wrapped)
	require.True(t, ok)
	require.Equal(t, "a1", pe.AccountID)
	require.True(t, errors.Is(wrapped, inner))
}

func TestIsStreamTimeout(t *testing.T) {
	wrapped := fmt.Errorf("stream: %w", &StreamTimeoutError{Reason: "total", ElapsedMs: 180000})
	ste, ok := IsStreamTimeout(wrapped)
	require.True(t, ok)
	require.Equal(t, "total", ste.Reason)

	_, ok = IsStreamTimeout(errors.New("plain"))
	require.False(t, ok)
}

func TestSanitizeErrorMessage(t *testing.T) {
	permitted := []string{"anthropic.com"}

	msg := "dial https://internal-proxy.corp:8443/path failed"
	require.Equal(t, "dial [redacted-url] failed", SanitizeErrorMessage(msg, permitted))

	msg = "upstream https://api.anthropic.com/v1/messages returned 500"
	require.Equal(t, msg, SanitizeErrorMessage(msg, permitted))

	msg = "auth failed: Bearer abcdefgh12345678 rejected"
	cleaned := SanitizeErrorMessage(msg, permitted)
	require.NotContains(t, cleaned, "abcdefgh12345678")
	require.Contains(t, cleaned, "[redacted]")

	msg = "key sk-ant-abcdef123456789 invalid"
	require.NotContains(t, SanitizeErrorMessage(msg, permitted), "sk-ant-abcdef123456789")
}
