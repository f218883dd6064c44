package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

var sessionUserIDRegex = regexp.MustCompile(`_account__session_([0-9a-fA-F-]{36})`)

// DeriveSessionFingerprint 从请求体推导粘性会话指纹。
//
// apiKeyID 必须参与哈希：相同请求体在不同 key 下必须得到不同指纹，
// 否则粘性映射和响应缓存都会跨租户串台。推导链按确定性从高到低：
// metadata.user_id 里的 session uuid、ephemeral cache_control 文本、
// system 文本、首条用户消息。都取不到就放弃粘性。
func DeriveSessionFingerprint(apiKeyID string, body []byte) string {
	if apiKeyID == "" || len(body) == 0 {
		return ""
	}

	if m := sessionUserIDRegex.FindStringSubmatch(gjson.GetBytes(body, "metadata.user_id").String()); m != nil {
		return foldFingerprint(apiKeyID, m[1])
	}

	if texts := collectEphemeralTexts(body); texts != "" {
		return foldFingerprint(apiKeyID, texts)
	}

	if system := extractSystemText(body); system != "" {
		return foldFingerprint(apiKeyID, system)
	}

	if first := firstUserMessageText(body); first != "" {
		return foldFingerprint(apiKeyID, first)
	}
	return ""
}

// ExtractSessionID 提取请求携带的会话 ID（用于账号会话数量限制）。
func ExtractSessionID(body []byte) string {
	if m := sessionUserIDRegex.FindStringSubmatch(gjson.GetBytes(body, "metadata.user_id").String()); m != nil {
		return m[1]
	}
	return ""
}

func foldFingerprint(apiKeyID, material string) string {
	sum := sha256.Sum256([]byte(apiKeyID + material))
	return hex.EncodeToString(sum[:])[:32]
}

// collectEphemeralTexts 汇总 system/messages 中带
// cache_control: {type: "ephemeral"} 的文本块。
func collectEphemeralTexts(body []byte) string {
	var collected string
	appendEphemeral := func(block gjson.Result) {
		if block.Get("cache_control.type").String() == "ephemeral" {
			collected += block.Get("text").String()
		}
	}

	system := gjson.GetBytes(body, "system")
	if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			appendEphemeral(block)
			return true
		})
	}
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				appendEphemeral(block)
				return true
			})
		}
		return true
	})
	return collected
}

func extractSystemText(body []byte) string {
	system := gjson.GetBytes(body, "system")
	if system.Type == gjson.String {
		return system.String()
	}
	if system.IsArray() {
		var text string
		system.ForEach(func(_, block gjson.Result) bool {
			text += block.Get("text").String()
			return true
		})
		return text
	}
	return ""
}

func firstUserMessageText(body []byte) string {
	var text string
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		content := msg.Get("content")
		if content.Type == gjson.String {
			text = content.String()
		} else if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				text += block.Get("text").String()
				return true
			})
		}
		return false
	})
	return text
}

// SessionService 粘性会话映射管理。
type SessionService struct {
	cache SessionCache
	cfg   *config.Config
}

func NewSessionService(cfg *config.Config, cache SessionCache) *SessionService {
	return &SessionService{cache: cache, cfg: cfg}
}

func (s *SessionService) stickyTTL() time.Duration {
	hours := s.cfg.Session.StickyTTLHours
	if hours <= 0 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

func (s *SessionService) renewalThreshold() time.Duration {
	minutes := s.cfg.Session.RenewalThresholdMinutes
	if minutes <= 0 {
		minutes = 10
	}
	return time.Duration(minutes) * time.Minute
}

// GetAccountID 返回指纹绑定的账号；未绑定返回空串。
// 命中且剩余 TTL 低于续期阈值时顺手续期。
func (s *SessionService) GetAccountID(ctx context.Context, fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	mapping, err := s.cache.GetMapping(ctx, fingerprint)
	if err != nil {
		slog.Warn("session_mapping_read_failed", "fingerprint", fingerprint, "error", err.Error())
		return ""
	}
	if mapping == nil {
		return ""
	}

	if ttl, err := s.cache.TTL(ctx, fingerprint); err == nil && ttl > 0 && ttl < s.renewalThreshold() {
		if err := s.cache.Renew(ctx, fingerprint, s.stickyTTL()); err != nil {
			slog.Warn("session_mapping_renew_failed", "fingerprint", fingerprint, "error", err.Error())
		}
	}
	return mapping.AccountID
}

// Bind 建立或覆盖指纹到账号的映射。
func (s *SessionService) Bind(ctx context.Context, fingerprint, accountID string) {
	if fingerprint == "" || accountID == "" {
		return
	}
	mapping := &SessionMapping{AccountID: accountID, CreatedAt: time.Now()}
	if err := s.cache.SetMapping(ctx, fingerprint, mapping, s.stickyTTL()); err != nil {
		slog.Warn("session_mapping_write_failed", "fingerprint", fingerprint, "account_id", accountID, "error", err.Error())
	}
}

// Unbind 删除映射（账号不可用或粘性等待超时后调用）。
func (s *SessionService) Unbind(ctx context.Context, fingerprint string) {
	if fingerprint == "" {
		return
	}
	if err := s.cache.DeleteMapping(ctx, fingerprint); err != nil {
		slog.Warn("session_mapping_delete_failed", "fingerprint", fingerprint, "error", err.Error())
	}
}
