package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

const messagesPath = "/v1/messages"

// RelayRequest 一次中继请求的输入。
type RelayRequest struct {
	Key           *APIKey
	Body          []byte
	ClientHeaders http.Header
	Stream        bool // 客户端是否请求流式
	Model         string

	// SessionFingerprint 粘性会话指纹，可为空。
	SessionFingerprint string
	// ResponseFingerprint 响应缓存指纹，可为空（流式请求不缓存）。
	ResponseFingerprint string
}

// GatewayService 中继核心：重试引擎 + 流式/非流式转发编排。
type GatewayService struct {
	cfg           *config.Config
	scheduler     *SchedulerService
	concurrency   *ConcurrencyService
	rateLimit     *RateLimitService
	upstream      *UpstreamService
	rewriter      RequestRewriter
	usage         *UsageService
	responseCache *ResponseCacheService
}

func NewGatewayService(
	cfg *config.Config,
	scheduler *SchedulerService,
	concurrency *ConcurrencyService,
	rateLimit *RateLimitService,
	upstream *UpstreamService,
	rewriter RequestRewriter,
	usage *UsageService,
	responseCache *ResponseCacheService,
) *GatewayService {
	return &GatewayService{
		cfg:           cfg,
		scheduler:     scheduler,
		concurrency:   concurrency,
		rateLimit:     rateLimit,
		upstream:      upstream,
		rewriter:      rewriter,
		usage:         usage,
		responseCache: responseCache,
	}
}

func (s *GatewayService) maxAccounts() int {
	if s.cfg.Retry.MaxAccounts <= 0 {
		return 3
	}
	return s.cfg.Retry.MaxAccounts
}

// Relay 处理一次 /v1/messages 请求。错误已写入 w，调用方无需再处理。
func (s *GatewayService) Relay(w http.ResponseWriter, r *http.Request, req *RelayRequest) {
	if req.Stream {
		s.relayStream(w, r, req)
		return
	}
	s.relayNonStream(w, r, req)
}

// ---------------------------------------------------------------------------
// 非流式路径

func (s *GatewayService) relayNonStream(w http.ResponseWriter, r *http.Request, req *RelayRequest) {
	// 断连补偿：同一请求重发时直接命中上次暂存的成功响应。
	if cached := s.responseCache.Lookup(r.Context(), req.ResponseFingerprint); cached != nil {
		writeCachedResponse(w, cached)
		return
	}

	excluded := map[string]struct{}{}
	resp, account, err := s.runNonStreamLoop(r, req, excluded)
	if err != nil {
		s.writeJSONError(w, r, err)
		return
	}

	s.finishNonStream(w, r, req, resp, account)
}

// runNonStreamLoop 非流式重试循环。成功返回 2xx 响应；重试耗尽返回错误。
func (s *GatewayService) runNonStreamLoop(r *http.Request, req *RelayRequest, excluded map[string]struct{}) (*UpstreamResponse, *Account, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAccounts(); attempt++ {
		account, err := s.scheduler.SelectAccount(r.Context(), req.Key, req.SessionFingerprint, req.Model, excluded, req.Body)
		if err != nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, err
		}

		resp, err := s.attemptNonStream(r, req, account)
		if err == nil && resp.StatusCode < 300 {
			s.scheduler.RecordSessionID(r.Context(), account, req.Body)
			return resp, account, nil
		}

		// 504 且客户端已断开：中间代理伪影，不动台账不降级，仅结束本次尝试。
		if err == nil && resp.StatusCode == http.StatusGatewayTimeout && r.Context().Err() != nil {
			slog.Warn("upstream_504_after_client_disconnect", "account_id", account.ID)
			return nil, nil, &UpstreamFailoverError{StatusCode: resp.StatusCode, ResponseBody: resp.Body}
		}

		lastErr = s.handleAttemptFailure(r.Context(), req, account, resp, err, excluded)
		if lastErr != nil && !ShouldFailover(lastErr) {
			return nil, nil, lastErr
		}
	}
	if lastErr == nil {
		lastErr = ErrNoAvailableAccount
	}
	return nil, nil, lastErr
}

// attemptNonStream 单账号单次非流式尝试。
// forceStream 改写生效时实际走流式上行，完整聚合后还原为 JSON。
func (s *GatewayService) attemptNonStream(r *http.Request, req *RelayRequest, account *Account) (*UpstreamResponse, error) {
	requestID := uuid.NewString()
	lease, err := s.concurrency.AcquireAccountSlot(r.Context(), account, requestID, false)
	if err != nil {
		return nil, err
	}
	releaseCtx := context.WithoutCancel(r.Context())
	defer lease.Release(releaseCtx)

	rewritten, err := s.rewriter.Rewrite(req.Body, account, req.ClientHeaders)
	if err != nil {
		return nil, fmt.Errorf("rewrite request: %w", err)
	}

	// 上游生命周期与客户端连接解耦：客户端断开后继续读上游一段时间，
	// 成功结果进补偿缓存。
	upstreamCtx, cancel := s.detachedContext(r.Context(), false)
	defer cancel()

	if rewritten.ForceStream {
		return s.collectForcedStream(upstreamCtx, account, rewritten)
	}
	return s.upstream.Do(upstreamCtx, account, messagesPath, rewritten.Headers, rewritten.Body, s.cfg.Gateway.RequestTimeoutDuration())
}

// collectForcedStream 流式上行、完整聚合、还原非流式响应。
func (s *GatewayService) collectForcedStream(ctx context.Context, account *Account, rewritten *RewriteResult) (*UpstreamResponse, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := s.upstream.OpenStream(streamCtx, account, messagesPath, rewritten.Headers, rewritten.Body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := readLimited(resp.Body, 64<<10)
		return &UpstreamResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
	}

	monitor := NewStreamTimeoutMonitor(s.cfg.Gateway.StreamTimeout, account.ID, cancel)
	defer monitor.Stop()

	aggregator := NewStreamResponseAggregator()
	if err := s.consumeStream(resp.Body, monitor, func(data []byte) error {
		aggregator.Feed(data)
		return nil
	}); err != nil {
		if timeout := monitor.Err(); timeout != nil {
			return nil, timeout
		}
		return nil, err
	}
	if timeout := monitor.Err(); timeout != nil {
		return nil, timeout
	}
	if errType, errMsg := aggregator.Err(); errType != "" {
		return nil, &UpstreamFailoverError{
			StatusCode:   http.StatusBadGateway,
			ResponseBody: []byte(fmt.Sprintf(`{"error":{"type":%q,"message":%q}}`, errType, errMsg)),
		}
	}

	body, err := aggregator.BuildFinalResponse()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return &UpstreamResponse{StatusCode: http.StatusOK, Headers: headers, Body: body}, nil
}

// finishNonStream 记账并把响应送回客户端；客户端已断开时走补偿缓存。
func (s *GatewayService) finishNonStream(w http.ResponseWriter, r *http.Request, req *RelayRequest, resp *UpstreamResponse, account *Account) {
	usage := usageFromResponseBody(resp.Body)
	model := gjson.GetBytes(resp.Body, "model").String()
	if model == "" {
		model = req.Model
	}
	bgCtx := context.WithoutCancel(r.Context())
	s.usage.RecordUsage(bgCtx, req.Key, account, model, usage, false)
	s.rateLimit.HandleSuccess(bgCtx, account)

	if r.Context().Err() != nil {
		s.responseCache.StoreDelayedSuccess(bgCtx, req.ResponseFingerprint, &CachedResponse{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
			Body:       resp.Body,
			Model:      model,
			AccountID:  account.ID,
		})
		return
	}

	copyResponseHeaders(w.Header(), resp.Headers)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// ---------------------------------------------------------------------------
// 流式路径

func (s *GatewayService) relayStream(w http.ResponseWriter, r *http.Request, req *RelayRequest) {
	excluded := map[string]struct{}{}
	var lastErr error

	for attempt := 0; attempt < s.maxAccounts(); attempt++ {
		account, err := s.scheduler.SelectAccount(r.Context(), req.Key, req.SessionFingerprint, req.Model, excluded, req.Body)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		done, err := s.attemptStream(w, r, req, account)
		if done {
			return
		}
		lastErr = s.handleAttemptFailure(r.Context(), req, account, nil, err, excluded)
		if lastErr != nil && !ShouldFailover(lastErr) {
			break
		}
	}

	// 流式重试耗尽：带同一排除集走非流式兜底，成功则回放为合成 SSE。
	if r.Context().Err() == nil {
		if resp, account, err := s.runNonStreamLoop(r, req, excluded); err == nil {
			usage := usageFromResponseBody(resp.Body)
			model := gjson.GetBytes(resp.Body, "model").String()
			if model == "" {
				model = req.Model
			}
			bgCtx := context.WithoutCancel(r.Context())
			s.usage.RecordUsage(bgCtx, req.Key, account, model, usage, true)
			s.rateLimit.HandleSuccess(bgCtx, account)

			writeSSEHeaders(w)
			if err := ConvertJSONToSSEStream(resp.Body, w); err != nil {
				slog.Warn("synthetic_sse_replay_failed", "error", err.Error())
			}
			return
		}
	}

	s.writeSSEError(w, r, lastErr)
}

// attemptStream 单账号流式尝试。
// done=true 表示请求已终结（成功，或已向客户端写过字节无法换号）。
func (s *GatewayService) attemptStream(w http.ResponseWriter, r *http.Request, req *RelayRequest, account *Account) (bool, error) {
	requestID := uuid.NewString()
	lease, err := s.concurrency.AcquireAccountSlot(r.Context(), account, requestID, true)
	if err != nil {
		return false, err
	}
	releaseCtx := context.WithoutCancel(r.Context())
	defer lease.Release(releaseCtx)

	rewritten, err := s.rewriter.Rewrite(req.Body, account, req.ClientHeaders)
	if err != nil {
		return false, fmt.Errorf("rewrite request: %w", err)
	}

	upstreamCtx, cancelUpstream := s.detachedContext(r.Context(), true)
	defer cancelUpstream()

	resp, err := s.upstream.OpenStream(upstreamCtx, account, messagesPath, rewritten.Headers, rewritten.Body)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := readLimited(resp.Body, 64<<10)
		return false, &UpstreamFailoverError{StatusCode: resp.StatusCode, ResponseBody: body, ResponseHeaders: resp.Header}
	}

	monitor := NewStreamTimeoutMonitor(s.cfg.Gateway.StreamTimeout, account.ID, cancelUpstream)
	defer monitor.Stop()

	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)

	aggregator := NewStreamResponseAggregator()
	clientGone := false
	bytesSent := false

	streamErr := s.consumeStreamRaw(resp.Body, monitor, func(line []byte) {
		if data, ok := ssePayload(line); ok {
			aggregator.Feed(data)
		}
		if clientGone {
			return
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			clientGone = true
			slog.Info("client_disconnected_mid_stream", "account_id", account.ID)
			return
		}
		bytesSent = true
		if flusher != nil {
			flusher.Flush()
		}
	})

	bgCtx := context.WithoutCancel(r.Context())
	if streamErr != nil {
		if timeout := monitor.Err(); timeout != nil {
			s.rateLimit.HandleStreamTimeout(bgCtx, account, timeout.Reason)
			if bytesSent {
				s.emitInlineSSEError(w, flusher, "timeout")
				s.recordStreamUsage(bgCtx, req, account, aggregator)
				return true, nil
			}
			return false, timeout
		}
		if !bytesSent {
			return false, streamErr
		}
		// 已经给客户端写过数据，换号只会产生串流，就地收尾。
		slog.Warn("stream_interrupted_after_first_byte",
			"account_id", account.ID,
			"error", streamErr.Error())
		s.emitInlineSSEError(w, flusher, "upstream interrupted")
		s.recordStreamUsage(bgCtx, req, account, aggregator)
		return true, nil
	}

	if errType, errMsg := aggregator.Err(); errType != "" && !bytesSent {
		return false, &UpstreamFailoverError{
			StatusCode:   http.StatusBadGateway,
			ResponseBody: []byte(fmt.Sprintf(`{"error":{"type":%q,"message":%q}}`, errType, errMsg)),
		}
	}

	s.scheduler.RecordSessionID(bgCtx, account, req.Body)
	s.recordStreamUsage(bgCtx, req, account, aggregator)
	s.rateLimit.HandleSuccess(bgCtx, account)
	return true, nil
}

func (s *GatewayService) recordStreamUsage(ctx context.Context, req *RelayRequest, account *Account, aggregator *StreamResponseAggregator) {
	model := aggregator.Model()
	if model == "" {
		model = req.Model
	}
	s.usage.RecordUsage(ctx, req.Key, account, model, aggregator.Usage(), true)
}

// ---------------------------------------------------------------------------
// 失败分类与公共辅助

// handleAttemptFailure 统一处理一次失败尝试：驱动状态机、维护排除集、
// 解除粘性。返回最终对外错误（可能与入参不同）。
func (s *GatewayService) handleAttemptFailure(ctx context.Context, req *RelayRequest, account *Account, resp *UpstreamResponse, err error, excluded map[string]struct{}) error {
	bgCtx := context.WithoutCancel(ctx)

	if err == nil && resp != nil {
		err = &UpstreamFailoverError{StatusCode: resp.StatusCode, ResponseBody: resp.Body, ResponseHeaders: resp.Headers}
	}
	if err == nil {
		return nil
	}

	var failover *UpstreamFailoverError
	switch {
	case errors.As(err, &failover):
		s.rateLimit.HandleUpstreamError(bgCtx, account, failover.StatusCode, failover.ResponseBody, failover.ResponseHeaders)
		if !ShouldFailover(err) {
			// 不可重试的 4xx 直接透传，不排除账号，循环就此终止。
			// 401/403 不走这里：账号已降级，排除后换号继续。
			return err
		}

	case errors.Is(err, ErrAccountConcurrencyExceeded):
		slog.Info("account_concurrency_full", "account_id", account.ID)

	default:
		if pe, ok := IsProxyError(err); ok {
			slog.Warn("proxy_error", "account_id", account.ID, "error", pe.Error())
		} else if ste, ok := IsStreamTimeout(err); ok {
			slog.Warn("stream_timeout", "account_id", account.ID, "reason", ste.Reason)
		} else if errors.Is(err, context.Canceled) {
			return err
		} else {
			slog.Warn("upstream_network_error", "account_id", account.ID, "error", err.Error())
		}
	}

	excluded[account.ID] = struct{}{}
	s.scheduler.UnbindSession(bgCtx, req.SessionFingerprint)
	slog.Info("account_excluded_for_retry",
		"account_id", account.ID,
		"excluded_count", len(excluded),
		"error", err.Error())
	return err
}

// detachedContext 返回与客户端连接解耦的上游 context。
// 客户端断开后再等一个配置窗口才取消上游（延迟成功缓存路径）。
func (s *GatewayService) detachedContext(reqCtx context.Context, stream bool) (context.Context, context.CancelFunc) {
	wait := s.cfg.Gateway.UpstreamWaitAfterClientDisconnect
	if !wait.Enabled {
		return context.WithCancel(reqCtx)
	}

	grace := time.Duration(wait.NonStream) * time.Second
	if stream {
		grace = time.Duration(wait.Stream) * time.Second
	}
	if grace <= 0 {
		grace = 180 * time.Second
	}

	detached, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	stop := context.AfterFunc(reqCtx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-detached.Done():
		case <-timer.C:
			cancel()
		}
	})
	return detached, func() {
		stop()
		cancel()
	}
}

// consumeStream 逐个 SSE data 负载回调。
func (s *GatewayService) consumeStream(body io.Reader, monitor *StreamTimeoutMonitor, onData func([]byte) error) error {
	return s.consumeStreamRaw(body, monitor, func(line []byte) {
		if data, ok := ssePayload(line); ok {
			_ = onData(data)
		}
	})
}

// consumeStreamRaw 逐行读取 SSE 流。每行触发 Touch 和回调。
func (s *GatewayService) consumeStreamRaw(body io.Reader, monitor *StreamTimeoutMonitor, onLine func([]byte)) error {
	maxLine := s.cfg.Gateway.MaxLineSize
	if maxLine <= 0 {
		maxLine = 64 << 10
	}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), maxLine)
	for scanner.Scan() {
		monitor.Touch()
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		onLine(line)
	}
	return scanner.Err()
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, max))
}

func ssePayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(line[len("data:"):]), true
}

func usageFromResponseBody(body []byte) Usage {
	usage := gjson.GetBytes(body, "usage")
	return Usage{
		InputTokens:  usage.Get("input_tokens").Int(),
		OutputTokens: usage.Get("output_tokens").Int(),
		CacheRead:    usage.Get("cache_read_input_tokens").Int(),
		CacheWrite:   usage.Get("cache_creation_input_tokens").Int(),
	}
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for _, h := range []string{"Content-Type", "anthropic-ratelimit-unified-reset", "request-id"} {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
}

func writeCachedResponse(w http.ResponseWriter, cached *CachedResponse) {
	copyResponseHeaders(w.Header(), http.Header(cached.Headers))
	w.Header().Set("x-relay-cache", "hit")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	if h.Get("Content-Type") != "" {
		return
	}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeJSONError 非流式错误出口。上游错误体经脱敏后透传。
func (s *GatewayService) writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	status, payload := s.buildErrorPayload(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// writeSSEError 流式错误出口：以 SSE error 事件收尾。
func (s *GatewayService) writeSSEError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	writeSSEHeaders(w)
	_, payload := s.buildErrorPayload(err)
	_ = WriteSSEEvent(w, "error", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *GatewayService) emitInlineSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload := fmt.Sprintf(`{"type":"error","error":{"type":"api_error","message":%q}}`, message)
	_ = WriteSSEEvent(w, "error", []byte(payload))
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *GatewayService) buildErrorPayload(err error) (int, []byte) {
	status := http.StatusBadGateway
	errType := "api_error"
	message := "upstream request failed"

	var failover *UpstreamFailoverError
	switch {
	case err == nil:

	case errors.As(err, &failover):
		status = failover.StatusCode
		if t := gjson.GetBytes(failover.ResponseBody, "error.type").String(); t != "" {
			errType = t
		}
		if m := gjson.GetBytes(failover.ResponseBody, "error.message").String(); m != "" {
			message = m
		}

	case errors.Is(err, ErrNoAvailableAccount):
		status = http.StatusServiceUnavailable
		errType = "overloaded_error"
		message = "no available upstream account"

	case errors.Is(err, ErrAccountConcurrencyExceeded):
		status = http.StatusTooManyRequests
		errType = "rate_limit_error"
		message = "all accounts at concurrency limit"

	case errors.Is(err, ErrModelNotSupported):
		status = http.StatusBadRequest
		errType = "invalid_request_error"
		message = "requested model is not supported"

	default:
		if _, ok := IsStreamTimeout(err); ok {
			status = http.StatusGatewayTimeout
			errType = "timeout_error"
			message = "upstream stream timed out"
		}
	}

	message = SanitizeErrorMessage(message, s.cfg.Security.PermittedDomains)
	body := fmt.Sprintf(`{"error":{"type":%q,"message":%q}}`, errType, message)
	return status, []byte(body)
}

// ParseRelayRequest 从原始请求体构造 RelayRequest。
func ParseRelayRequest(key *APIKey, body []byte, headers http.Header) (*RelayRequest, error) {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return nil, fmt.Errorf("missing model")
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json body")
	}

	req := &RelayRequest{
		Key:                key,
		Body:               body,
		ClientHeaders:      headers,
		Stream:             gjson.GetBytes(body, "stream").Bool(),
		Model:              model,
		SessionFingerprint: DeriveSessionFingerprint(key.ID, body),
	}
	if !req.Stream {
		fp, err := DeriveResponseFingerprint(key.ID, body)
		if err != nil {
			return nil, err
		}
		req.ResponseFingerprint = fp
	}
	return req, nil
}
