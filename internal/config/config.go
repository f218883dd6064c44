// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Session   SessionConfig   `mapstructure:"session"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     ResponseCacheConfig `mapstructure:"response_cache"`
	Security  SecurityConfig  `mapstructure:"security"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	AuthCache AuthCacheConfig `mapstructure:"api_key_auth_cache"`
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // debug/release
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"`
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Caller   bool              `mapstructure:"caller"`
	Output   LogOutputConfig   `mapstructure:"output"`
	Rotation LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	Password            string `mapstructure:"password"`
	DB                  int    `mapstructure:"db"`
	DialTimeoutSeconds  int    `mapstructure:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	PoolSize            int    `mapstructure:"pool_size"`
	MinIdleConns        int    `mapstructure:"min_idle_conns"`
}

func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`
	ExpireHour int    `mapstructure:"expire_hour"`
}

// GatewayConfig 请求中继相关配置
type GatewayConfig struct {
	// RequestTimeout 非流式请求总超时（毫秒），默认 600000（10 分钟）
	RequestTimeout int `mapstructure:"request_timeout"`

	// 客户端断开后继续等待上游的时间（延迟成功缓存路径）
	UpstreamWaitAfterClientDisconnect UpstreamWaitConfig `mapstructure:"upstream_wait_after_client_disconnect"`

	// 流超时监控
	StreamTimeout StreamTimeoutConfig `mapstructure:"stream_timeout"`

	// 并发租约
	ConcurrencyLeaseMinutes   int `mapstructure:"concurrency_lease_minutes"`
	ConcurrencyRefreshMinutes int `mapstructure:"concurrency_refresh_minutes"`
	// SlotCleanupIntervalSeconds 过期槽位清理周期（秒），0 禁用
	SlotCleanupIntervalSeconds int `mapstructure:"slot_cleanup_interval_seconds"`
	// StaleSlotWarnMinutes 槽位存活告警阈值（分钟）
	StaleSlotWarnMinutes int `mapstructure:"stale_slot_warn_minutes"`

	// 非流式上游响应体读取上限（字节），防止无界读取
	UpstreamResponseReadMaxBytes int64 `mapstructure:"upstream_response_read_max_bytes"`
	// 上游 SSE 单行最大字节数（0 使用默认 64K）
	MaxLineSize int `mapstructure:"max_line_size"`

	// TLSFingerprint 上游 TLS 指纹伪装
	TLSFingerprint TLSFingerprintConfig `mapstructure:"tls_fingerprint"`

	// 连接池
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost    int `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeoutSeconds int `mapstructure:"idle_conn_timeout_seconds"`
	ResponseHeaderTimeout  int `mapstructure:"response_header_timeout"`
}

type UpstreamWaitConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	NonStream int  `mapstructure:"non_stream"` // 秒
	Stream    int  `mapstructure:"stream"`     // 秒
}

type StreamTimeoutConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Total   int  `mapstructure:"total"` // 秒
	Idle    int  `mapstructure:"idle"`  // 秒
}

type TLSFingerprintConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SessionConfig 粘性会话配置
type SessionConfig struct {
	StickyTTLHours          int `mapstructure:"sticky_ttl_hours"`
	RenewalThresholdMinutes int `mapstructure:"renewal_threshold_minutes"`

	StickyConcurrency StickyConcurrencyConfig `mapstructure:"sticky_concurrency"`
}

// StickyConcurrencyConfig 粘性账号并发已满时的有界等待
type StickyConcurrencyConfig struct {
	WaitEnabled    bool `mapstructure:"wait_enabled"`
	MaxWaitMs      int  `mapstructure:"max_wait_ms"`
	PollIntervalMs int  `mapstructure:"poll_interval_ms"`
}

// RetryConfig 重试引擎配置
type RetryConfig struct {
	// MaxAccounts 单次请求最多尝试的账号数（流式与非流式各自适用）
	MaxAccounts int `mapstructure:"max_accounts"`
	// ServerErrorThreshold 5xx 账号降级阈值（5 分钟窗口内次数）
	ServerErrorThreshold int `mapstructure:"server_error_threshold"`
	// ServerErrorWindowMinutes 5xx 统计窗口（分钟）
	ServerErrorWindowMinutes int `mapstructure:"server_error_window_minutes"`
	// TempErrorRecoverMinutes temp_error 自动恢复时间（分钟）
	TempErrorRecoverMinutes int `mapstructure:"temp_error_recover_minutes"`
	// OverloadedRecoverMinutes overloaded 自动恢复时间（分钟）
	OverloadedRecoverMinutes int `mapstructure:"overloaded_recover_minutes"`
	// StreamTimeoutThreshold 流超时降级阈值（1 小时窗口内次数）
	StreamTimeoutThreshold int `mapstructure:"stream_timeout_threshold"`
}

// ResponseCacheConfig 延迟成功响应缓存
type ResponseCacheConfig struct {
	Enabled    bool  `mapstructure:"enabled"`
	TTLSeconds int   `mapstructure:"ttl_seconds"`
	MaxBytes   int64 `mapstructure:"max_bytes"`
}

type SecurityConfig struct {
	// PermittedDomains 错误消息脱敏时保留的域名（上游自身域名）
	PermittedDomains []string `mapstructure:"permitted_domains"`
}

// PricingConfig 模型价格覆盖（USD / MTok）
type PricingConfig struct {
	// Overrides: model -> {input, output, cache_create, cache_read}
	Overrides map[string]ModelPrice `mapstructure:"overrides"`
}

type ModelPrice struct {
	Input       float64 `mapstructure:"input" json:"input"`
	Output      float64 `mapstructure:"output" json:"output"`
	CacheCreate float64 `mapstructure:"cache_create" json:"cache_create"`
	CacheRead   float64 `mapstructure:"cache_read" json:"cache_read"`
}

// AuthCacheConfig API Key 认证缓存配置
type AuthCacheConfig struct {
	L1Size       int  `mapstructure:"l1_size"`
	L1TTLSeconds int  `mapstructure:"l1_ttl_seconds"`
	Singleflight bool `mapstructure:"singleflight"`
}

// RequestTimeoutDuration 返回非流式请求总超时。
func (g *GatewayConfig) RequestTimeoutDuration() time.Duration {
	if g.RequestTimeout <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(g.RequestTimeout) * time.Millisecond
}

func (s *StickyConcurrencyConfig) MaxWait() time.Duration {
	if s.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(s.MaxWaitMs) * time.Millisecond
}

func (s *StickyConcurrencyConfig) PollInterval() time.Duration {
	if s.PollIntervalMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// Load 读取并校验完整配置。
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	viper.AddConfigPath("/app/data")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/claude-relay")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.JWT.Secret = strings.TrimSpace(cfg.JWT.Secret)
	cfg.Security.PermittedDomains = normalizeStringSlice(cfg.Security.PermittedDomains)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	if cfg.JWT.Secret != "" && len(cfg.JWT.Secret) < 32 {
		slog.Warn("JWT secret appears weak; use a 32+ character random secret in production.")
	}

	return &cfg, nil
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)
	viper.SetDefault("server.max_request_body_size", int64(20<<20))

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 5)
	viper.SetDefault("log.rotation.max_age_days", 7)

	// Redis
	viper.SetDefault("redis.host", "127.0.0.1")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout_seconds", 5)
	viper.SetDefault("redis.read_timeout_seconds", 3)
	viper.SetDefault("redis.write_timeout_seconds", 3)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.min_idle_conns", 10)

	// JWT
	viper.SetDefault("jwt.expire_hour", 24)

	// Gateway
	viper.SetDefault("gateway.request_timeout", 600000)
	viper.SetDefault("gateway.upstream_wait_after_client_disconnect.enabled", true)
	viper.SetDefault("gateway.upstream_wait_after_client_disconnect.non_stream", 180)
	viper.SetDefault("gateway.upstream_wait_after_client_disconnect.stream", 60)
	viper.SetDefault("gateway.stream_timeout.enabled", true)
	viper.SetDefault("gateway.stream_timeout.total", 180)
	viper.SetDefault("gateway.stream_timeout.idle", 30)
	viper.SetDefault("gateway.concurrency_lease_minutes", 10)
	viper.SetDefault("gateway.concurrency_refresh_minutes", 5)
	viper.SetDefault("gateway.slot_cleanup_interval_seconds", 60)
	viper.SetDefault("gateway.stale_slot_warn_minutes", 5)
	viper.SetDefault("gateway.upstream_response_read_max_bytes", int64(10<<20))
	viper.SetDefault("gateway.max_idle_conns", 100)
	viper.SetDefault("gateway.max_idle_conns_per_host", 10)
	viper.SetDefault("gateway.idle_conn_timeout_seconds", 90)
	viper.SetDefault("gateway.response_header_timeout", 60)
	viper.SetDefault("gateway.tls_fingerprint.enabled", false)

	// Session
	viper.SetDefault("session.sticky_ttl_hours", 1)
	viper.SetDefault("session.renewal_threshold_minutes", 10)
	viper.SetDefault("session.sticky_concurrency.wait_enabled", true)
	viper.SetDefault("session.sticky_concurrency.max_wait_ms", 1200)
	viper.SetDefault("session.sticky_concurrency.poll_interval_ms", 200)

	// Retry
	viper.SetDefault("retry.max_accounts", 3)
	viper.SetDefault("retry.server_error_threshold", 3)
	viper.SetDefault("retry.server_error_window_minutes", 5)
	viper.SetDefault("retry.temp_error_recover_minutes", 6)
	viper.SetDefault("retry.overloaded_recover_minutes", 10)
	viper.SetDefault("retry.stream_timeout_threshold", 2)

	// Response cache
	viper.SetDefault("response_cache.enabled", true)
	viper.SetDefault("response_cache.ttl_seconds", 180)
	viper.SetDefault("response_cache.max_bytes", int64(5<<20))

	// Security
	viper.SetDefault("security.permitted_domains", []string{"anthropic.com", "claude.ai"})

	// Auth cache
	viper.SetDefault("api_key_auth_cache.l1_size", 4096)
	viper.SetDefault("api_key_auth_cache.l1_ttl_seconds", 5)
	viper.SetDefault("api_key_auth_cache.singleflight", true)
}

// Validate 校验关键配置项。
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Retry.MaxAccounts <= 0 {
		return fmt.Errorf("retry.max_accounts must be positive")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("response_cache.max_bytes must be positive")
	}
	if c.Gateway.ConcurrencyLeaseMinutes <= c.Gateway.ConcurrencyRefreshMinutes {
		return fmt.Errorf("gateway.concurrency_lease_minutes must exceed refresh interval")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	return nil
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, strings.ToLower(v))
		}
	}
	return out
}
