package service

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestClaudeRewriter_ForceStreamForMainModels(t *testing.T) {
	r := NewClaudeRewriter()
	account := &Account{AccessToken: "tok"}

	body := []byte(`{"model":"claude-sonnet-4-5","messages":[]}`)
	result, err := r.Rewrite(body, account, http.Header{})
	require.NoError(t, err)
	require.True(t, result.ForceStream)
	require.True(t, gjson.GetBytes(result.Body, "stream").Bool())

	// 客户端已是流式请求：不再标记 forceStream。
	streamed := []byte(`{"model":"claude-sonnet-4-5","stream":true,"messages":[]}`)
	result, err = r.Rewrite(streamed, account, http.Header{})
	require.NoError(t, err)
	require.False(t, result.ForceStream)

	// 非主力模型的非流式请求保持原样。
	other := []byte(`{"model":"custom-model","messages":[]}`)
	result, err = r.Rewrite(other, account, http.Header{})
	require.NoError(t, err)
	require.False(t, result.ForceStream)
	require.False(t, gjson.GetBytes(result.Body, "stream").Exists())
}

func TestClaudeRewriter_Headers(t *testing.T) {
	r := NewClaudeRewriter()
	client := http.Header{}
	client.Set("User-Agent", "claude-cli/1.0")
	client.Set("x-app", "cli")
	client.Set("X-Forwarded-For", "1.2.3.4") // 不在透传白名单

	oauth := &Account{AccessToken: "tok"}
	result, err := r.Rewrite([]byte(`{"model":"claude-sonnet-4-5"}`), oauth, client)
	require.NoError(t, err)

	h := result.Headers
	require.Equal(t, "application/json", h.Get("Content-Type"))
	require.Equal(t, "2023-06-01", h.Get("anthropic-version"))
	require.Equal(t, "Bearer tok", h.Get("Authorization"))
	require.Empty(t, h.Get("x-api-key"))
	require.Equal(t, "claude-cli/1.0", h.Get("User-Agent"))
	require.Equal(t, "cli", h.Get("x-app"))
	require.Empty(t, h.Get("X-Forwarded-For"))

	static := &Account{APIKey: "sk-key"}
	result, err = r.Rewrite([]byte(`{"model":"claude-sonnet-4-5"}`), static, http.Header{})
	require.NoError(t, err)
	require.Equal(t, "sk-key", result.Headers.Get("x-api-key"))
	require.Empty(t, result.Headers.Get("Authorization"))
}

func TestClaudeRewriter_DeriveBetaHeader(t *testing.T) {
	r := NewClaudeRewriter()
	require.Equal(t, "oauth-2025-04-20,interleaved-thinking-2025-05-14", r.DeriveBetaHeader("claude-opus-4-1"))
	require.Equal(t, "oauth-2025-04-20,interleaved-thinking-2025-05-14", r.DeriveBetaHeader("claude-sonnet-4-5"))
	require.Equal(t, "oauth-2025-04-20", r.DeriveBetaHeader("claude-haiku-4-5"))
	require.Empty(t, r.DeriveBetaHeader("custom-model"))
}
