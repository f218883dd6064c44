// Package httpclient 提供共享上游 HTTP 客户端池。
//
// 相同配置复用同一 http.Client 实例，复用 Transport 连接池，减少 TCP/TLS
// 握手开销。支持 HTTP/HTTPS/SOCKS5/SOCKS5H 代理。代理配置失败时直接返回
// 错误，绝不回退到直连（避免出口 IP 关联风险）。
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Transport 连接池默认配置
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Options 定义共享 HTTP 客户端的构建参数
type Options struct {
	ProxyURL              string        // 代理 URL（支持 http/https/socks5/socks5h）
	Timeout               time.Duration // 请求总超时时间（0 表示不限制，流式必须为 0）
	ResponseHeaderTimeout time.Duration // 等待响应头超时时间

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// DialTLSContext 可选：自定义 TLS 拨号（TLS 指纹伪装）。
	// 设置后 Transport 的代理配置由拨号器自身承担。
	DialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// sharedClients 按配置参数缓存 http.Client 实例
var sharedClients sync.Map

// GetClient 返回共享的 HTTP 客户端实例。
// 代理配置失败时直接返回错误，不会回退到直连。
func GetClient(opts Options) (*http.Client, error) {
	key := buildClientKey(opts)
	if opts.DialTLSContext == nil {
		if cached, ok := sharedClients.Load(key); ok {
			if client, ok := cached.(*http.Client); ok {
				return client, nil
			}
		}
	}

	client, err := buildClient(opts)
	if err != nil {
		return nil, err
	}
	if opts.DialTLSContext != nil {
		// 自定义拨号器携带闭包状态，不参与共享缓存。
		return client, nil
	}

	actual, _ := sharedClients.LoadOrStore(key, client)
	if c, ok := actual.(*http.Client); ok {
		return c, nil
	}
	return client, nil
}

func buildClient(opts Options) (*http.Client, error) {
	transport, err := buildTransport(opts)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}, nil
}

func buildTransport(opts Options) (*http.Transport, error) {
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := opts.MaxIdleConnsPerHost
	if maxIdleConnsPerHost <= 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	idleConnTimeout := opts.IdleConnTimeout
	if idleConnTimeout <= 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}

	if opts.DialTLSContext != nil {
		transport.DialTLSContext = opts.DialTLSContext
		// 指纹拨号器自行处理代理链路。
		return transport, nil
	}

	proxyURL := strings.TrimSpace(opts.ProxyURL)
	if proxyURL == "" {
		return transport, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if err := configureTransportProxy(transport, parsed); err != nil {
		return nil, err
	}
	return transport, nil
}

// configureTransportProxy 按协议类型配置 Transport 的代理。
func configureTransportProxy(transport *http.Transport, proxyURL *url.URL) error {
	switch strings.ToLower(proxyURL.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
		return nil
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		addr := proxyURL.Host
		if proxyURL.Port() == "" {
			addr = net.JoinHostPort(proxyURL.Hostname(), "1080")
		}
		dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("create socks5 dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("socks5 dialer does not support context")
		}
		transport.DialContext = contextDialer.DialContext
		return nil
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}
}

func buildClientKey(opts Options) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d",
		strings.TrimSpace(opts.ProxyURL),
		opts.Timeout.String(),
		opts.ResponseHeaderTimeout.String(),
		opts.MaxIdleConns,
		opts.MaxIdleConnsPerHost,
	)
}
