package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen            string   `yaml:"listen"`
	ReadTimeoutMs     int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int      `yaml:"write_timeout_ms"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type StoreCfg struct {
	Backend   string `yaml:"backend"` // memory | redis
	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_password"`
	RedisDB   int    `yaml:"redis_db"`
	PoolSize  int    `yaml:"pool_size"`
}

// EscalationRule pairs a counter threshold with the action taken once the
// count crosses it. Rules run in the order configured and do not
// short-circuit each other.
type EscalationRule struct {
	Threshold int64  `yaml:"threshold"`
	Action    string `yaml:"action"` // block | challenge | alert
}

// RateLimitPolicy is one named fixed-window policy. Read-only after Load.
type RateLimitPolicy struct {
	WindowMs    int              `yaml:"window_ms"`
	MaxRequests int64            `yaml:"max_requests"`
	BlockSec    int              `yaml:"block_sec"`
	Escalations []EscalationRule `yaml:"escalations"`
}

func (p RateLimitPolicy) Window() time.Duration        { return time.Duration(p.WindowMs) * time.Millisecond }
func (p RateLimitPolicy) BlockDuration() time.Duration { return time.Duration(p.BlockSec) * time.Second }

type RateLimitCfg struct {
	Policies map[string]RateLimitPolicy `yaml:"policies"`
}

type BruteForceCfg struct {
	Threshold int64 `yaml:"threshold"`
	WindowSec int   `yaml:"window_sec"`
	BlockSec  int   `yaml:"block_sec"`
}

func (c BruteForceCfg) Window() time.Duration        { return time.Duration(c.WindowSec) * time.Second }
func (c BruteForceCfg) BlockDuration() time.Duration { return time.Duration(c.BlockSec) * time.Second }

type AnomalyCfg struct {
	WindowSec        int              `yaml:"window_sec"`
	ActionThresholds map[string]int64 `yaml:"action_thresholds"`
	DefaultThreshold int64            `yaml:"default_threshold"`
}

func (c AnomalyCfg) Window() time.Duration { return time.Duration(c.WindowSec) * time.Second }

type ReputationCfg struct {
	AbuseDBEndpoint   string   `yaml:"abusedb_endpoint"`
	AbuseDBKey        string   `yaml:"abusedb_key"`
	AbuseDBTimeoutMs  int      `yaml:"abusedb_timeout_ms"`
	DNSBLZone         string   `yaml:"dnsbl_zone"`
	DNSBLTimeoutMs    int      `yaml:"dnsbl_timeout_ms"`
	HighRiskCountries []string `yaml:"high_risk_countries"`
	HighRiskASNs      []int    `yaml:"high_risk_asns"`
}

type IntelCfg struct {
	Enabled        bool   `yaml:"enabled"`
	FeedURL        string `yaml:"feed_url"`
	RefreshSec     int    `yaml:"refresh_sec"`
	CacheCapacity  int    `yaml:"cache_capacity"`
	FetchTimeoutMs int    `yaml:"fetch_timeout_ms"`
}

type AlertingCfg struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type AccountCfg struct {
	SuspendEndpoint string `yaml:"suspend_endpoint"`
	TimeoutMs       int    `yaml:"timeout_ms"`
}

type AuditCfg struct {
	Buffer    int    `yaml:"buffer"`
	HashIPKey string `yaml:"hash_ip_key"` // HMAC key for anonymized addresses in audit records
}

type Config struct {
	Server     ServerCfg     `yaml:"server"`
	Logging    LoggingCfg    `yaml:"logging"`
	Store      StoreCfg      `yaml:"store"`
	RateLimit  RateLimitCfg  `yaml:"rate_limit"`
	BruteForce BruteForceCfg `yaml:"brute_force"`
	Anomaly    AnomalyCfg    `yaml:"anomaly"`
	Reputation ReputationCfg `yaml:"reputation"`
	Intel      IntelCfg      `yaml:"intel"`
	Alerting   AlertingCfg   `yaml:"alerting"`
	Account    AccountCfg    `yaml:"account"`
	Audit      AuditCfg      `yaml:"audit"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	// defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 10000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.Store.PoolSize == 0 {
		cfg.Store.PoolSize = 10
	}
	if cfg.BruteForce.Threshold == 0 {
		cfg.BruteForce.Threshold = 5
	}
	if cfg.BruteForce.WindowSec == 0 {
		cfg.BruteForce.WindowSec = 3600
	}
	if cfg.BruteForce.BlockSec == 0 {
		cfg.BruteForce.BlockSec = 3600
	}
	if cfg.Anomaly.WindowSec == 0 {
		cfg.Anomaly.WindowSec = 300
	}
	if cfg.Anomaly.DefaultThreshold == 0 {
		cfg.Anomaly.DefaultThreshold = 50
	}
	if cfg.Anomaly.ActionThresholds == nil {
		cfg.Anomaly.ActionThresholds = map[string]int64{
			"login":               5,
			"api_call":            100,
			"sensitive_operation": 10,
			"sensitive_read":      20,
		}
	}
	if cfg.Reputation.AbuseDBTimeoutMs == 0 {
		cfg.Reputation.AbuseDBTimeoutMs = 2000
	}
	if cfg.Reputation.DNSBLTimeoutMs == 0 {
		cfg.Reputation.DNSBLTimeoutMs = 1500
	}
	if cfg.Intel.RefreshSec == 0 {
		cfg.Intel.RefreshSec = 3600
	}
	if cfg.Intel.CacheCapacity == 0 {
		cfg.Intel.CacheCapacity = 50000
	}
	if cfg.Intel.FetchTimeoutMs == 0 {
		cfg.Intel.FetchTimeoutMs = 30000
	}
	if cfg.Alerting.TimeoutMs == 0 {
		cfg.Alerting.TimeoutMs = 2000
	}
	if cfg.Account.TimeoutMs == 0 {
		cfg.Account.TimeoutMs = 2000
	}
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = 1024
	}
	return &cfg, nil
}

// Validate rejects malformed configuration at startup. A bad rate-limit
// policy is fatal here, never a per-request error.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be 'memory' or 'redis', got %q", c.Store.Backend)
	}
	switch c.Logging.Level {
	case "info", "debug":
	default:
		return fmt.Errorf("logging.level must be 'info' or 'debug', got %q", c.Logging.Level)
	}
	if len(c.RateLimit.Policies) == 0 {
		return errors.New("rate_limit.policies must define at least one policy")
	}
	for name, p := range c.RateLimit.Policies {
		if p.WindowMs <= 0 {
			return fmt.Errorf("rate_limit.policies.%s.window_ms must be > 0", name)
		}
		if p.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.policies.%s.max_requests must be > 0", name)
		}
		if p.BlockSec <= 0 {
			return fmt.Errorf("rate_limit.policies.%s.block_sec must be > 0", name)
		}
		for i, esc := range p.Escalations {
			if esc.Threshold <= 0 {
				return fmt.Errorf("rate_limit.policies.%s.escalations[%d].threshold must be > 0", name, i)
			}
			switch esc.Action {
			case "block", "challenge", "alert":
			default:
				return fmt.Errorf("rate_limit.policies.%s.escalations[%d].action must be block, challenge, or alert", name, i)
			}
		}
	}
	if c.BruteForce.Threshold <= 0 {
		return errors.New("brute_force.threshold must be > 0")
	}
	if c.Anomaly.WindowSec <= 0 || c.Anomaly.DefaultThreshold <= 0 {
		return errors.New("anomaly.window_sec and anomaly.default_threshold must be > 0")
	}
	if c.Intel.Enabled && c.Intel.FeedURL == "" {
		return errors.New("intel.feed_url required when intel.enabled")
	}
	return nil
}
