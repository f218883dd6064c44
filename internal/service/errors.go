package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// 调度与网关层的哨兵错误。
var (
	ErrNoAvailableAccount         = errors.New("no available account")
	ErrAccountConcurrencyExceeded = errors.New("account concurrency limit exceeded")
	ErrAPIKeyConcurrencyExceeded  = errors.New("api key concurrency limit exceeded")
	ErrCostLimitExceeded          = errors.New("cost limit exceeded")
	ErrRateLimitExceeded          = errors.New("rate limit exceeded")
	ErrModelNotSupported          = errors.New("model not supported by account")
	ErrResponseTooLarge           = errors.New("upstream response exceeds cache limit")
)

// UpstreamFailoverError 上游返回了应触发换号重试的错误。
type UpstreamFailoverError struct {
	StatusCode      int
	ResponseBody    []byte // 用于错误透传规则匹配
	ResponseHeaders http.Header
}

func (e *UpstreamFailoverError) Error() string {
	return fmt.Sprintf("upstream error: %d (failover)", e.StatusCode)
}

// ProxyError 代理链路故障（代理构建失败 / 代理拒绝 / 隧道中断）。
// 与上游自身的错误区分开：代理错误不应计入账号的 5xx 台账。
type ProxyError struct {
	AccountID string
	Err       error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy error (account %s): %v", e.AccountID, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// StreamTimeoutError 流式响应超时（总时长或空闲间隔超限）。
// Reason 取 domain.TimeoutReasonTotal / domain.TimeoutReasonIdle。
type StreamTimeoutError struct {
	Reason    string
	AccountID string
	ElapsedMs int64
}

func (e *StreamTimeoutError) Error() string {
	return fmt.Sprintf("stream timeout: %s after %dms (account %s)", e.Reason, e.ElapsedMs, e.AccountID)
}

// IsStreamTimeout 判断错误链中是否存在流式超时。
func IsStreamTimeout(err error) (*StreamTimeoutError, bool) {
	var ste *StreamTimeoutError
	if errors.As(err, &ste) {
		return ste, true
	}
	return nil, false
}

// IsProxyError 判断错误链中是否存在代理错误。
func IsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// retryable400Markers 特定 400 响应体标记。上游偶发地把可重试的内部
// 故障包装成 400 返回，命中这些标记时按可重试处理。
var retryable400Markers = []string{
	"internal server error",
	"overloaded_error",
	"upstream connect error",
}

// IsRetryableStatus 判断上游状态码（配合响应体）是否应触发换号重试。
// 5xx、429、529 以及命中标记的 400 可重试；其余 4xx 不可重试。
func IsRetryableStatus(statusCode int, body []byte) bool {
	switch {
	case statusCode >= 500:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode == 529: // overloaded
		return true
	case statusCode == http.StatusBadRequest:
		lower := strings.ToLower(string(body))
		for _, marker := range retryable400Markers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ShouldFailover 判断错误是否应切换账号继续重试。
// 网络错误、代理错误、并发满、流式超时、可重试的上游错误都切换；
// 401/403 账号已被状态机降级，也换号继续；其余 4xx 原样透传终止循环；
// 上下文取消（客户端主动断开）不切换。
func ShouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrAccountConcurrencyExceeded) {
		return true
	}
	if _, ok := IsProxyError(err); ok {
		return true
	}
	if _, ok := IsStreamTimeout(err); ok {
		return true
	}
	var failover *UpstreamFailoverError
	if errors.As(err, &failover) {
		switch failover.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
		return IsRetryableStatus(failover.StatusCode, failover.ResponseBody)
	}
	// 剩下的按网络层错误处理（拨号失败、连接重置、EOF 等）。
	return true
}

var (
	urlRegex   = regexp.MustCompile(`https?://[^\s"']+`)
	tokenRegex = regexp.MustCompile(`(?i)(bearer\s+|sk-ant-|cr_)[a-zA-Z0-9\-_]{8,}`)
)

// SanitizeErrorMessage 清洗准备透传给调用方的错误文案：
// 去掉非许可域名的 URL 和任何疑似凭证片段，避免泄漏上游拓扑。
func SanitizeErrorMessage(msg string, permittedDomains []string) string {
	cleaned := urlRegex.ReplaceAllStringFunc(msg, func(raw string) string {
		for _, domain := range permittedDomains {
			if strings.Contains(raw, domain) {
				return raw
			}
		}
		return "[redacted-url]"
	})
	return tokenRegex.ReplaceAllString(cleaned, "[redacted]")
}
