package types

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// SourceAuth 是代理源的认证信息。Token 以 Bearer 方式发送。
type SourceAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// SourceProfile 定义了一个代理源的完整配置，对应 configs/sources.json 中的一项。
type SourceProfile struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Type    string            `json:"type"`   // "api" or "list"; informational
	Method  string            `json:"method"` // GET (default) or POST
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"` // sent as JSON on POST

	Parser   string `json:"parser"`   // json | text | html | scrape
	Protocol string `json:"protocol"` // default protocol for entries that carry none

	FetchInterval int `json:"fetch_interval"` // seconds
	MaxProxies    int `json:"max_proxies"`
	Timeout       int `json:"timeout"` // seconds

	Auth *SourceAuth `json:"auth,omitempty"`

	// --- html / scrape 专属参数 ---
	Selector   string   `json:"selector,omitempty"` // row selector, e.g. "table tbody tr"
	IPColumn   int      `json:"ip_column,omitempty"`
	PortColumn int      `json:"port_column,omitempty"`
	Pages      []string `json:"pages,omitempty"` // extra pages crawled by the scrape parser

	Active bool `json:"active"`
}

// FetchEvery returns the fetch interval as a duration.
func (p SourceProfile) FetchEvery() time.Duration {
	return time.Duration(p.FetchInterval) * time.Second
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level      string `ini:"level"`
	File       string `ini:"file"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxBackups int    `ini:"max_backups"`
	MaxAgeDays int    `ini:"max_age_days"`
}

// ValidationConf 控制验证器的探测行为。
type ValidationConf struct {
	TestURLs       []string      `ini:"test_urls" delim:","`
	CapabilityURLs []string      `ini:"capability_urls" delim:","`
	CheckAnonymity bool          `ini:"check_anonymity"`
	OwnIPURL       string        `ini:"own_ip_url"`
	Timeout        time.Duration `ini:"timeout"`
	CacheTTL       time.Duration `ini:"cache_ttl"`
	CacheSize      int           `ini:"cache_size"`
	Concurrency    int           `ini:"concurrency"`
	MinSuccessRate float64       `ini:"min_success_rate"`
}

// PoolConf 包含代理池的容量与调度配置。
type PoolConf struct {
	MinSize               int           `ini:"min_size"`
	MaxSize               int           `ini:"max_size"`
	RefreshInterval       time.Duration `ini:"refresh_interval"`
	HealthCheckInterval   time.Duration `ini:"health_check_interval"`
	RevalidationBatchSize int           `ini:"revalidation_batch_size"`
	MaxConcurrentPerRelay int           `ini:"max_concurrent_per_relay"`
	WindowSize            int           `ini:"window_size"`
	RotationWindow        time.Duration `ini:"rotation_window"`
	WarmStartSamples      int           `ini:"warm_start_samples"`
	DefaultLoadLevel      string        `ini:"default_load_level"`
}

// BanConf 定义封禁阈值。
type BanConf struct {
	MaxConsecutiveFailures int           `ini:"max_consecutive_failures"`
	BanDuration            time.Duration `ini:"ban_duration"`
	MinRateSamples         int           `ini:"min_rate_samples"`
	MinWindowSuccessRate   float64       `ini:"min_window_success_rate"`
	MinLatencySamples      int           `ini:"min_latency_samples"`
	MaxAvgResponseTime     time.Duration `ini:"max_avg_response_time"`
}

type CircuitBreakerConf struct {
	Enabled    bool          `ini:"enabled"`
	Threshold  float64       `ini:"threshold"`
	ResetTime  time.Duration `ini:"reset_time"`
	MinSamples int           `ini:"min_samples"`
	WindowSize int           `ini:"window_size"`
}

// LoadLevelConf 是单个负载等级的准入门槛。
type LoadLevelConf struct {
	MinHealthScore        float64 `ini:"min_health_score"`
	MaxConcurrentRequests int     `ini:"max_concurrent_requests"`
}

// StoreConf 选择评分缓存的持久化后端。
type StoreConf struct {
	Kind          string `ini:"kind"` // none | file | redis
	Path          string `ini:"path"`
	RedisAddr     string `ini:"redis_addr"`
	RedisPassword string `ini:"redis_password"`
	RedisDB       int    `ini:"redis_db"`
	KeyPrefix     string `ini:"key_prefix"`
}

type SourcesConf struct {
	File            string        `ini:"file"`
	CleanupInterval time.Duration `ini:"cleanup_interval"`
}

// WebConf 包含状态服务器的配置
type WebConf struct {
	Port              int           `ini:"port"`
	User              string        `ini:"user"`
	Password          string        `ini:"password"`
	BroadcastInterval time.Duration `ini:"broadcast_interval"`
}

// Load level names.
const (
	LoadLight  = "light"
	LoadMedium = "medium"
	LoadHeavy  = "heavy"
)

// LoadLevels lists the load levels from most to least selective.
var LoadLevels = []string{LoadLight, LoadMedium, LoadHeavy}

// Config 是 relaypool 的统一行为配置，对应 configs/relaypool.ini。
type Config struct {
	LogConf            `ini:"log"`
	ValidationConf     `ini:"validation"`
	PoolConf           `ini:"pool"`
	BanConf            `ini:"ban"`
	CircuitBreakerConf `ini:"circuit_breaker"`
	Light              LoadLevelConf `ini:"load.light"`
	Medium             LoadLevelConf `ini:"load.medium"`
	Heavy              LoadLevelConf `ini:"load.heavy"`
	StoreConf          `ini:"store"`
	SourcesConf        `ini:"sources"`
	WebConf            `ini:"web"`
}

// DefaultConfig returns the built-in defaults. LoadIni maps the file over it.
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 7},
		ValidationConf: ValidationConf{
			TestURLs:       []string{"http://httpbin.org/ip", "https://api.ipify.org?format=json"},
			OwnIPURL:       "https://api.ipify.org?format=json",
			Timeout:        5 * time.Second,
			CacheTTL:       300 * time.Second,
			CacheSize:      4096,
			Concurrency:    10,
			MinSuccessRate: 0.8,
		},
		PoolConf: PoolConf{
			MinSize:               30,
			MaxSize:               150,
			RefreshInterval:       900 * time.Second,
			HealthCheckInterval:   300 * time.Second,
			RevalidationBatchSize: 20,
			MaxConcurrentPerRelay: 5,
			WindowSize:            100,
			RotationWindow:        300 * time.Second,
			WarmStartSamples:      10,
			DefaultLoadLevel:      LoadMedium,
		},
		BanConf: BanConf{
			MaxConsecutiveFailures: 5,
			BanDuration:            1800 * time.Second,
			MinRateSamples:         20,
			MinWindowSuccessRate:   0.1,
			MinLatencySamples:      10,
			MaxAvgResponseTime:     8 * time.Second,
		},
		CircuitBreakerConf: CircuitBreakerConf{
			Threshold:  0.5,
			ResetTime:  60 * time.Second,
			MinSamples: 20,
			WindowSize: 100,
		},
		Light:       LoadLevelConf{MinHealthScore: 0.8, MaxConcurrentRequests: 50},
		Medium:      LoadLevelConf{MinHealthScore: 0.7, MaxConcurrentRequests: 100},
		Heavy:       LoadLevelConf{MinHealthScore: 0.6, MaxConcurrentRequests: 200},
		StoreConf:   StoreConf{Kind: "file", Path: "data/scores.db", KeyPrefix: "relaypool:"},
		SourcesConf: SourcesConf{File: "sources.json", CleanupInterval: time.Hour},
		WebConf:     WebConf{Port: 9090, BroadcastInterval: 2 * time.Second},
	}
}

// LoadLevel returns the thresholds for a load level name.
func (c *Config) LoadLevel(name string) (LoadLevelConf, bool) {
	switch strings.ToLower(name) {
	case LoadLight:
		return c.Light, true
	case LoadMedium:
		return c.Medium, true
	case LoadHeavy:
		return c.Heavy, true
	}
	return LoadLevelConf{}, false
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(len(c.TestURLs) > 0, "validation.test_urls must not be empty")
	check(c.ValidationConf.Timeout > 0, "validation.timeout must be positive")
	check(c.CacheTTL > 0, "validation.cache_ttl must be positive")
	check(c.CacheSize > 0, "validation.cache_size must be positive")
	check(c.Concurrency > 0, "validation.concurrency must be positive")
	check(c.MinSuccessRate >= 0 && c.MinSuccessRate <= 1, "validation.min_success_rate must be within [0,1], got %v", c.MinSuccessRate)
	if c.CheckAnonymity {
		check(c.OwnIPURL != "", "validation.own_ip_url is required when check_anonymity is set")
	}

	check(c.MinSize >= 0, "pool.min_size must not be negative")
	check(c.MaxSize > 0, "pool.max_size must be positive")
	check(c.MinSize <= c.MaxSize, "pool.min_size (%d) exceeds pool.max_size (%d)", c.MinSize, c.MaxSize)
	check(c.RefreshInterval > 0, "pool.refresh_interval must be positive")
	check(c.HealthCheckInterval > 0, "pool.health_check_interval must be positive")
	check(c.RevalidationBatchSize > 0, "pool.revalidation_batch_size must be positive")
	check(c.MaxConcurrentPerRelay > 0, "pool.max_concurrent_per_relay must be positive")
	check(c.PoolConf.WindowSize > 0, "pool.window_size must be positive")
	check(c.RotationWindow > 0, "pool.rotation_window must be positive")
	check(c.WarmStartSamples >= 0, "pool.warm_start_samples must not be negative")
	_, ok := c.LoadLevel(c.DefaultLoadLevel)
	check(ok, "pool.default_load_level %q is not one of %v", c.DefaultLoadLevel, LoadLevels)

	check(c.MaxConsecutiveFailures > 0, "ban.max_consecutive_failures must be positive")
	check(c.BanDuration > 0, "ban.ban_duration must be positive")
	check(c.MinWindowSuccessRate >= 0 && c.MinWindowSuccessRate <= 1, "ban.min_window_success_rate must be within [0,1]")
	check(c.MaxAvgResponseTime > 0, "ban.max_avg_response_time must be positive")

	if c.CircuitBreakerConf.Enabled {
		check(c.Threshold > 0 && c.Threshold <= 1, "circuit_breaker.threshold must be within (0,1]")
		check(c.ResetTime > 0, "circuit_breaker.reset_time must be positive")
		check(c.CircuitBreakerConf.WindowSize > 0, "circuit_breaker.window_size must be positive")
		check(c.MinSamples > 0 && c.MinSamples <= c.CircuitBreakerConf.WindowSize,
			"circuit_breaker.min_samples must be within [1, window_size]")
	}

	levels := []LoadLevelConf{c.Light, c.Medium, c.Heavy}
	for i, lv := range levels {
		name := LoadLevels[i]
		check(lv.MinHealthScore >= 0 && lv.MinHealthScore <= 1, "load.%s.min_health_score must be within [0,1]", name)
		check(lv.MaxConcurrentRequests > 0, "load.%s.max_concurrent_requests must be positive", name)
		if i > 0 {
			prev := levels[i-1]
			check(lv.MinHealthScore <= prev.MinHealthScore,
				"load.%s.min_health_score must not exceed load.%s", name, LoadLevels[i-1])
			check(lv.MaxConcurrentRequests >= prev.MaxConcurrentRequests,
				"load.%s.max_concurrent_requests must not be below load.%s", name, LoadLevels[i-1])
		}
	}

	switch c.Kind {
	case "", "none":
	case "file":
		check(c.Path != "", "store.path is required for the file store")
	case "redis":
		check(c.RedisAddr != "", "store.redis_addr is required for the redis store")
	default:
		check(false, "store.kind %q is not one of none, file, redis", c.Kind)
	}

	check(c.Port > 0 && c.Port < 65536, "web.port %d is out of range", c.Port)
	check(c.BroadcastInterval > 0, "web.broadcast_interval must be positive")
	return err
}
