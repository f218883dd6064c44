package service

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RewriteResult 改写后的上游请求要素。
type RewriteResult struct {
	Body    []byte
	Headers http.Header
	// ForceStream 非流式客户端请求转为流式上行，响应由聚合器还原。
	ForceStream bool
}

// RequestRewriter 把客户端请求改写为具体账号的上游请求。
// 核心流程不关心提示词内容，所有体改写都收在这里。
type RequestRewriter interface {
	Rewrite(body []byte, account *Account, clientHeaders http.Header) (*RewriteResult, error)
	DeriveBetaHeader(model string) string
}

// ClaudeRewriter Claude Messages 协议的默认改写器。
type ClaudeRewriter struct{}

func NewClaudeRewriter() *ClaudeRewriter {
	return &ClaudeRewriter{}
}

func (r *ClaudeRewriter) Rewrite(body []byte, account *Account, clientHeaders http.Header) (*RewriteResult, error) {
	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("anthropic-version", "2023-06-01")
	if beta := r.DeriveBetaHeader(model); beta != "" {
		headers.Set("anthropic-beta", beta)
	}
	// 透传少量客户端标识头，其余一律丢弃。
	for _, h := range []string{"user-agent", "x-app", "anthropic-dangerous-direct-browser-access"} {
		if v := clientHeaders.Get(h); v != "" {
			headers.Set(h, v)
		}
	}

	switch {
	case account.AccessToken != "":
		headers.Set("Authorization", "Bearer "+account.AccessToken)
	case account.APIKey != "":
		headers.Set("x-api-key", account.APIKey)
	}

	out := body
	forceStream := false
	// 大模型非流式请求强制走流式上行，降低上游整段超时的概率。
	if !stream && isMainModel(model) {
		rewritten, err := sjson.SetBytes(out, "stream", true)
		if err != nil {
			return nil, err
		}
		out = rewritten
		forceStream = true
	}

	return &RewriteResult{Body: out, Headers: headers, ForceStream: forceStream}, nil
}

// DeriveBetaHeader 按模型推导 anthropic-beta 头。
func (r *ClaudeRewriter) DeriveBetaHeader(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"), strings.Contains(m, "sonnet"):
		return "oauth-2025-04-20,interleaved-thinking-2025-05-14"
	case strings.Contains(m, "haiku"):
		return "oauth-2025-04-20"
	default:
		return ""
	}
}
