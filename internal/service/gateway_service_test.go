package service

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRelayRequest(t *testing.T) {
	key := &APIKey{ID: "k1"}

	body := []byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)
	req, err := ParseRelayRequest(key, body, http.Header{})
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4-5", req.Model)
	require.False(t, req.Stream)
	require.NotEmpty(t, req.SessionFingerprint)
	require.NotEmpty(t, req.ResponseFingerprint, "non-stream requests get a cache fingerprint")

	streamed := []byte(`{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	req, err = ParseRelayRequest(key, streamed, http.Header{})
	require.NoError(t, err)
	require.True(t, req.Stream)
	require.Empty(t, req.ResponseFingerprint, "stream responses are never cached")
}

func TestParseRelayRequest_Invalid(t *testing.T) {
	key := &APIKey{ID: "k1"}

	_, err := ParseRelayRequest(key, []byte(`{"messages":[]}`), http.Header{})
	require.Error(t, err)

	_, err = ParseRelayRequest(key, []byte(`{"model":"m",`), http.Header{})
	require.Error(t, err)
}

func TestSSEPayload(t *testing.T) {
	payload, ok := ssePayload([]byte(`data: {"type":"ping"}`))
	require.True(t, ok)
	require.Equal(t, `{"type":"ping"}`, string(payload))

	payload, ok = ssePayload([]byte(`data:{"compact":true}`))
	require.True(t, ok)
	require.Equal(t, `{"compact":true}`, string(payload))

	_, ok = ssePayload([]byte(`event: message_start`))
	require.False(t, ok)
	_, ok = ssePayload([]byte(``))
	require.False(t, ok)
}

func TestUsageFromResponseBody(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":30,"cache_creation_input_tokens":40}}`)
	require.Equal(t, Usage{InputTokens: 10, OutputTokens: 20, CacheRead: 30, CacheWrite: 40}, usageFromResponseBody(body))
	require.True(t, usageFromResponseBody([]byte(`{}`)).IsZero())
}

func TestCopyResponseHeaders_Allowlist(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("anthropic-ratelimit-unified-reset", "1700000000")
	src.Set("request-id", "req_01")
	src.Set("x-internal-routing", "leak")

	dst := http.Header{}
	copyResponseHeaders(dst, src)
	require.Equal(t, "application/json", dst.Get("Content-Type"))
	require.Equal(t, "1700000000", dst.Get("anthropic-ratelimit-unified-reset"))
	require.Equal(t, "req_01", dst.Get("request-id"))
	require.Empty(t, dst.Get("x-internal-routing"))
}

func TestWriteCachedResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCachedResponse(rec, &CachedResponse{
		StatusCode: 200,
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
		Body:       []byte(`{"id":"msg_01"}`),
	})

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "hit", rec.Header().Get("x-relay-cache"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"id":"msg_01"}`, rec.Body.String())
}

func TestWriteSSEHeaders_DoesNotOverride(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSEHeaders(rec)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	rec2 := httptest.NewRecorder()
	rec2.Header().Set("Content-Type", "application/json")
	writeSSEHeaders(rec2)
	require.Equal(t, "application/json", rec2.Header().Get("Content-Type"))
}
