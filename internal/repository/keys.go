package repository

import (
	"fmt"
	"strings"
	"time"
)

// Redis key 布局。所有组件共享同一实例，前缀即命名空间。
const (
	accountKeyPrefix        = "account:"
	apiKeyKeyPrefix         = "api_key:"
	apiKeyHashPrefix        = "api_key_hash:"
	costTotalPrefix         = "usage:cost:total:"
	costDailyPrefix         = "usage:cost:daily:"
	costModelPrefix         = "usage:cost:model:"
	transactionLogPrefix    = "transaction_log:"
	accountConcurrencyPref  = "concurrency:console_account:"
	keyConcurrencyPrefix    = "concurrency:"
	rateWindowPrefix        = "ratelimit:"
	sessionMappingPrefix    = "unified_claude_session_mapping:"
	responseCachePrefix     = "response_cache:"
)

// 账号 hash 的辅助台账后缀。listAccounts 扫描时必须把它们过滤掉，
// 把台账 key 当账号 hash 读是已知的故障模式。
var accountAuxSuffixes = []string{
	":5xx_errors",
	":stream_timeouts",
	":session_ids",
	":slow_responses",
}

func accountKey(platform, id string) string {
	return fmt.Sprintf("%s%s:%s", accountKeyPrefix, platform, id)
}

func isAccountAuxKey(key string) bool {
	for _, suffix := range accountAuxSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func accountServerErrorKey(platform, id string) string {
	return accountKey(platform, id) + ":5xx_errors"
}

func accountStreamTimeoutKey(platform, id string) string {
	return accountKey(platform, id) + ":stream_timeouts"
}

func accountSessionIDKey(platform, id string) string {
	return accountKey(platform, id) + ":session_ids"
}

func accountSlowResponseKey(platform, id string) string {
	return accountKey(platform, id) + ":slow_responses"
}

func apiKeyKey(id string) string { return apiKeyKeyPrefix + id }

func apiKeyHashKey(hash string) string { return apiKeyHashPrefix + hash }

func costTotalKey(apiKeyID string) string { return costTotalPrefix + apiKeyID }

func costDailyKey(apiKeyID string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", costDailyPrefix, apiKeyID, day.Format("20060102"))
}

func costModelKey(apiKeyID, model string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", costModelPrefix, apiKeyID, model, day.Format("20060102"))
}

func transactionLogKey(apiKeyID string) string { return transactionLogPrefix + apiKeyID }

func accountConcurrencyKey(accountID string) string { return accountConcurrencyPref + accountID }

func keyConcurrencyKey(apiKeyID string) string { return keyConcurrencyPrefix + apiKeyID }

func rateWindowKey(apiKeyID string) string { return rateWindowPrefix + apiKeyID }

func sessionMappingKey(fingerprint string) string { return sessionMappingPrefix + fingerprint }

func responseCacheKey(fingerprint string) string { return responseCachePrefix + fingerprint }
