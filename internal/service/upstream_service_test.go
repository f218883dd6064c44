package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

func TestStreamTimeoutMonitor_DisabledReturnsNil(t *testing.T) {
	m := NewStreamTimeoutMonitor(config.StreamTimeoutConfig{Enabled: false}, "acc1", func() {})
	require.Nil(t, m)

	// nil monitor 的全部方法必须安全。
	m.Touch()
	m.Stop()
	require.Nil(t, m.Err())
}

func TestStreamTimeoutMonitor_StopIsIdempotent(t *testing.T) {
	m := NewStreamTimeoutMonitor(config.StreamTimeoutConfig{Enabled: true, Total: 180, Idle: 30}, "acc1", func() {})
	require.NotNil(t, m)
	require.Nil(t, m.Err())

	m.Touch()
	m.Stop()
	m.Stop()
}

func TestUpstreamService_Endpoint(t *testing.T) {
	cfg := &config.Config{}
	svc := NewUpstreamService(cfg)

	require.Equal(t, defaultUpstreamBaseURL+"/v1/messages", svc.endpoint(&Account{}, "/v1/messages"))
	require.Equal(t, "https://relay.example.com/v1/messages",
		svc.endpoint(&Account{BaseURL: "https://relay.example.com"}, "/v1/messages"))
	require.Equal(t, "https://relay.example.com/v1/messages",
		svc.endpoint(&Account{BaseURL: "https://relay.example.com/"}, "/v1/messages"))
}

func TestClientFor_BadProxyIsProxyError(t *testing.T) {
	cfg := &config.Config{}
	svc := NewUpstreamService(cfg)
	account := &Account{ID: "acc1", Proxy: &Proxy{Host: "", Port: 0}}

	_, err := svc.clientFor(account, 0)
	pe, ok := IsProxyError(err)
	require.True(t, ok, "invalid proxy must surface as ProxyError, never direct fallback")
	require.Equal(t, "acc1", pe.AccountID)
}
