package service

import (
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StreamResponseAggregator 边转发边聚合 SSE 事件。
//
// 两个用途：流式请求结束后取 usage 记账；forceStream 上行时把完整
// 流还原成非流式 JSON 响应。
type StreamResponseAggregator struct {
	messageID  string
	model      string
	role       string
	stopReason string
	text       strings.Builder
	usage      Usage
	errType    string
	errMessage string
}

func NewStreamResponseAggregator() *StreamResponseAggregator {
	return &StreamResponseAggregator{role: "assistant"}
}

// Feed 处理一个 SSE data 负载（data: 后面的 JSON）。
func (a *StreamResponseAggregator) Feed(data []byte) {
	eventType := gjson.GetBytes(data, "type").String()
	switch eventType {
	case "message_start":
		msg := gjson.GetBytes(data, "message")
		a.messageID = msg.Get("id").String()
		a.model = msg.Get("model").String()
		if role := msg.Get("role").String(); role != "" {
			a.role = role
		}
		a.mergeUsage(msg.Get("usage"))
	case "content_block_delta":
		delta := gjson.GetBytes(data, "delta")
		if delta.Get("type").String() == "text_delta" {
			a.text.WriteString(delta.Get("text").String())
		}
	case "message_delta":
		if stop := gjson.GetBytes(data, "delta.stop_reason").String(); stop != "" {
			a.stopReason = stop
		}
		a.mergeUsage(gjson.GetBytes(data, "usage"))
	case "error":
		a.errType = gjson.GetBytes(data, "error.type").String()
		a.errMessage = gjson.GetBytes(data, "error.message").String()
	}
}

func (a *StreamResponseAggregator) mergeUsage(usage gjson.Result) {
	if !usage.Exists() {
		return
	}
	if v := usage.Get("input_tokens"); v.Exists() {
		a.usage.InputTokens = v.Int()
	}
	if v := usage.Get("output_tokens"); v.Exists() {
		a.usage.OutputTokens = v.Int()
	}
	if v := usage.Get("cache_read_input_tokens"); v.Exists() {
		a.usage.CacheRead = v.Int()
	}
	if v := usage.Get("cache_creation_input_tokens"); v.Exists() {
		a.usage.CacheWrite = v.Int()
	}
}

// Usage 返回聚合到的 token 消耗。
func (a *StreamResponseAggregator) Usage() Usage { return a.usage }

// Model 返回上游报告的模型名。
func (a *StreamResponseAggregator) Model() string { return a.model }

// Err 返回上游流中出现的 error 事件；没有则为空串。
func (a *StreamResponseAggregator) Err() (errType, errMessage string) {
	return a.errType, a.errMessage
}

// BuildFinalResponse 把聚合结果还原成非流式 Messages 响应 JSON。
func (a *StreamResponseAggregator) BuildFinalResponse() ([]byte, error) {
	if a.errType != "" {
		return nil, fmt.Errorf("upstream stream error: %s: %s", a.errType, a.errMessage)
	}
	stopReason := a.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	out := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"id", a.messageID},
		{"type", "message"},
		{"role", a.role},
		{"model", a.model},
		{"content.0.type", "text"},
		{"content.0.text", a.text.String()},
		{"stop_reason", stopReason},
		{"usage.input_tokens", a.usage.InputTokens},
		{"usage.output_tokens", a.usage.OutputTokens},
		{"usage.cache_read_input_tokens", a.usage.CacheRead},
		{"usage.cache_creation_input_tokens", a.usage.CacheWrite},
	} {
		out, err = sjson.SetBytes(out, kv.path, kv.value)
		if err != nil {
			return nil, fmt.Errorf("build final response: %w", err)
		}
	}
	return out, nil
}

// sseChunkSize 合成流的文本切片长度（按 rune 切，避免切断多字节字符）。
const sseChunkSize = 50

// WriteSSEEvent 输出一个 event/data 帧。
func WriteSSEEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// ConvertJSONToSSEStream 把非流式响应 JSON 回放为合成 SSE 流。
// 用于流式重试耗尽后非流式兜底成功的场景，客户端感知不到差异。
func ConvertJSONToSSEStream(jsonBody []byte, w io.Writer) error {
	flush := func() {
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
	}

	messageID := gjson.GetBytes(jsonBody, "id").String()
	model := gjson.GetBytes(jsonBody, "model").String()
	text := gjson.GetBytes(jsonBody, "content.0.text").String()
	stopReason := gjson.GetBytes(jsonBody, "stop_reason").String()
	if stopReason == "" {
		stopReason = "end_turn"
	}
	usage := gjson.GetBytes(jsonBody, "usage")

	start := fmt.Sprintf(`{"type":"message_start","message":{"id":%q,"type":"message","role":"assistant","model":%q,"content":[],"usage":{"input_tokens":%d,"output_tokens":0,"cache_read_input_tokens":%d,"cache_creation_input_tokens":%d}}}`,
		messageID, model,
		usage.Get("input_tokens").Int(),
		usage.Get("cache_read_input_tokens").Int(),
		usage.Get("cache_creation_input_tokens").Int())
	if err := WriteSSEEvent(w, "message_start", []byte(start)); err != nil {
		return err
	}
	if err := WriteSSEEvent(w, "content_block_start",
		[]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)); err != nil {
		return err
	}
	flush()

	runes := []rune(text)
	for i := 0; i < len(runes); i += sseChunkSize {
		end := i + sseChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		delta := []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`)
		delta, err := sjson.SetBytes(delta, "delta.text", string(runes[i:end]))
		if err != nil {
			return err
		}
		if err := WriteSSEEvent(w, "content_block_delta", delta); err != nil {
			return err
		}
		flush()
	}

	if err := WriteSSEEvent(w, "content_block_stop",
		[]byte(`{"type":"content_block_stop","index":0}`)); err != nil {
		return err
	}
	msgDelta := fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":%q,"stop_sequence":null},"usage":{"output_tokens":%d}}`,
		stopReason, usage.Get("output_tokens").Int())
	if err := WriteSSEEvent(w, "message_delta", []byte(msgDelta)); err != nil {
		return err
	}
	if err := WriteSSEEvent(w, "message_stop", []byte(`{"type":"message_stop"}`)); err != nil {
		return err
	}
	flush()
	return nil
}
