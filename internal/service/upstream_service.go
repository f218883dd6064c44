package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Wei-Shaw/claude-relay/internal/config"
	"github.com/Wei-Shaw/claude-relay/internal/domain"
	"github.com/Wei-Shaw/claude-relay/internal/pkg/httpclient"
	"github.com/Wei-Shaw/claude-relay/internal/pkg/tlsfingerprint"
)

const defaultUpstreamBaseURL = "https://api.anthropic.com"

// UpstreamResponse 非流式上游响应。
type UpstreamResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// UpstreamService 上游 HTTP 客户端封装。
//
// 代理规则是硬约束：账号配了代理但代理构建失败时返回 ProxyError，
// 绝不回退直连。
type UpstreamService struct {
	cfg *config.Config
}

func NewUpstreamService(cfg *config.Config) *UpstreamService {
	return &UpstreamService{cfg: cfg}
}

func (s *UpstreamService) endpoint(account *Account, path string) string {
	base := strings.TrimRight(account.BaseURL, "/")
	if base == "" {
		base = defaultUpstreamBaseURL
	}
	return base + path
}

// clientFor 按账号构建（或复用）HTTP 客户端。
func (s *UpstreamService) clientFor(account *Account, timeout time.Duration) (*http.Client, error) {
	var proxyURL *url.URL
	if account.Proxy != nil {
		parsed, err := account.Proxy.URL()
		if err != nil {
			return nil, &ProxyError{AccountID: account.ID, Err: err}
		}
		proxyURL = parsed
	}

	opts := httpclient.Options{
		Timeout:               timeout,
		ResponseHeaderTimeout: time.Duration(s.cfg.Gateway.ResponseHeaderTimeout) * time.Millisecond,
		MaxIdleConns:          s.cfg.Gateway.MaxIdleConns,
		MaxIdleConnsPerHost:   s.cfg.Gateway.MaxIdleConnsPerHost,
		IdleConnTimeout:       time.Duration(s.cfg.Gateway.IdleConnTimeoutSeconds) * time.Second,
	}
	if proxyURL != nil {
		opts.ProxyURL = proxyURL.String()
	}

	// 官方 OAuth 账号做 TLS 指纹伪装，拨号器自行承担代理链路。
	if s.cfg.Gateway.TLSFingerprint.Enabled && account.Platform == domain.PlatformOfficial {
		dialTLS, err := tlsfingerprint.ForProxy(tlsfingerprint.DefaultClaudeCLIProfile(), proxyURL)
		if err != nil {
			return nil, &ProxyError{AccountID: account.ID, Err: err}
		}
		opts.DialTLSContext = dialTLS
	}

	client, err := httpclient.GetClient(opts)
	if err != nil {
		if account.Proxy != nil {
			return nil, &ProxyError{AccountID: account.ID, Err: err}
		}
		return nil, err
	}
	return client, nil
}

// Do 非流式请求。响应体读取受 UpstreamResponseReadMaxBytes 上限保护。
func (s *UpstreamService) Do(ctx context.Context, account *Account, path string, headers http.Header, body []byte, timeout time.Duration) (*UpstreamResponse, error) {
	client, err := s.clientFor(account, timeout)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(account, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	maxBytes := s.cfg.Gateway.UpstreamResponseReadMaxBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if int64(len(respBody)) > maxBytes {
		return nil, fmt.Errorf("upstream response exceeds %d bytes", maxBytes)
	}

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// OpenStream 打开流式请求，返回原始响应。调用方负责读取与关闭 Body。
// 流式客户端不设总超时，由 StreamTimeoutMonitor 接管。
func (s *UpstreamService) OpenStream(ctx context.Context, account *Account, path string, headers http.Header, body []byte) (*http.Response, error) {
	client, err := s.clientFor(account, 0)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(account, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = headers.Clone()
	req.Header.Set("Accept", "text/event-stream")

	return client.Do(req)
}

// StreamTimeoutMonitor 流式响应双阈值看门狗。
//
// 总时长或空闲间隔任一超限即取消上游读取，Err() 给出类型化超时错误。
// 每收到一个 chunk 调 Touch 重置空闲时钟。
type StreamTimeoutMonitor struct {
	totalTimeout time.Duration
	idleTimeout  time.Duration
	accountID    string
	cancel       context.CancelFunc

	mu        sync.Mutex
	startedAt time.Time
	lastChunk time.Time
	fired     *StreamTimeoutError

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStreamTimeoutMonitor 启动监控。cfg 未启用时返回 nil，
// nil monitor 的所有方法都安全。
func NewStreamTimeoutMonitor(cfg config.StreamTimeoutConfig, accountID string, cancel context.CancelFunc) *StreamTimeoutMonitor {
	if !cfg.Enabled {
		return nil
	}
	total := time.Duration(cfg.Total) * time.Second
	if total <= 0 {
		total = 180 * time.Second
	}
	idle := time.Duration(cfg.Idle) * time.Second
	if idle <= 0 {
		idle = 30 * time.Second
	}

	now := time.Now()
	m := &StreamTimeoutMonitor{
		totalTimeout: total,
		idleTimeout:  idle,
		accountID:    accountID,
		cancel:       cancel,
		startedAt:    now,
		lastChunk:    now,
		stopCh:       make(chan struct{}),
	}
	go m.watch()
	return m
}

func (m *StreamTimeoutMonitor) watch() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			var reason string
			if now.Sub(m.startedAt) > m.totalTimeout {
				reason = domain.TimeoutReasonTotal
			} else if now.Sub(m.lastChunk) > m.idleTimeout {
				reason = domain.TimeoutReasonIdle
			}
			if reason != "" && m.fired == nil {
				m.fired = &StreamTimeoutError{
					Reason:    reason,
					AccountID: m.accountID,
					ElapsedMs: now.Sub(m.startedAt).Milliseconds(),
				}
			}
			fired := m.fired != nil
			m.mu.Unlock()
			if fired {
				m.cancel()
				return
			}
		}
	}
}

// Touch 收到 chunk 时重置空闲时钟。
func (m *StreamTimeoutMonitor) Touch() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lastChunk = time.Now()
	m.mu.Unlock()
}

// Stop 停止监控。幂等。
func (m *StreamTimeoutMonitor) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Err 返回触发的超时错误；未触发为 nil。
func (m *StreamTimeoutMonitor) Err() *StreamTimeoutError {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}
