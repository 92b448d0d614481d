package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Queue     QueueConfig               `yaml:"queue"`
	Webhooks  WebhookConfig             `yaml:"webhooks"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
}

type ServerConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
	AdminAllowedCIDRs []string `yaml:"admin_allowed_cidrs"`
	EnableAdminHealth bool     `yaml:"enable_admin_health"`
	EnablePprof       bool     `yaml:"enable_pprof"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type QueueConfig struct {
	Workers            int    `yaml:"workers"`
	MaxAttempts        int    `yaml:"max_attempts"`
	DefaultPriority    int    `yaml:"default_priority"`
	PollInterval       string `yaml:"poll_interval"` // e.g. "1s"
	StuckTimeout       string `yaml:"stuck_timeout"`
	SweepInterval      string `yaml:"sweep_interval"`
	HoldPartialBatches bool   `yaml:"hold_partial_batches"`
	BreakerFailures    int    `yaml:"breaker_failures"`
	BreakerTimeout     string `yaml:"breaker_timeout"`
	MaxRateWait        string `yaml:"max_rate_wait"`
}

type WebhookConfig struct {
	// Secrets maps a platform name to its signing secret.
	Secrets      map[string]string `yaml:"secrets"`
	Workers      int               `yaml:"workers"`
	MaxAttempts  int               `yaml:"max_attempts"`
	PollInterval string            `yaml:"poll_interval"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
	// FreshFor is how old a cached asset may be before a webhook for it
	// enqueues a refresh.
	FreshFor string `yaml:"fresh_for"`
}

// PlatformConfig overrides the built-in batch profile of one platform. Zero
// fields keep the built-in value. ClientURL points the platform's queued
// requests at an HTTP gateway; without it the platform's requests stay queued.
type PlatformConfig struct {
	MaxBatchSize    int    `yaml:"max_batch_size"`
	BatchType       string `yaml:"batch_type"`
	FlushInterval   string `yaml:"flush_interval"`
	RequestsPerHour int    `yaml:"requests_per_hour"`
	Burst           int    `yaml:"burst"`
	ClientURL       string `yaml:"client_url"`
	ClientToken     string `yaml:"client_token"`
	ClientTimeout   string `yaml:"client_timeout"`
}

// knownPlatforms lists the platforms that can be configured from the
// environment: ASSETSYNC_WEBHOOK_SECRET_<PLATFORM>,
// ASSETSYNC_PLATFORM_CLIENT_URL_<PLATFORM> and
// ASSETSYNC_PLATFORM_CLIENT_TOKEN_<PLATFORM>.
var knownPlatforms = []string{"meta", "google", "linkedin", "snapchat", "tiktok", "twitter", "pinterest", "whatsapp"}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres (got %q)", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", c.Server.Port)
	}
	durations := map[string]string{
		"queue.poll_interval":    c.Queue.PollInterval,
		"queue.stuck_timeout":    c.Queue.StuckTimeout,
		"queue.sweep_interval":   c.Queue.SweepInterval,
		"queue.breaker_timeout":  c.Queue.BreakerTimeout,
		"queue.max_rate_wait":    c.Queue.MaxRateWait,
		"webhooks.poll_interval": c.Webhooks.PollInterval,
		"webhooks.fresh_for":     c.Webhooks.FreshFor,
	}
	for name, p := range c.Platforms {
		durations["platforms."+name+".flush_interval"] = p.FlushInterval
		durations["platforms."+name+".client_timeout"] = p.ClientTimeout
		if raw := strings.TrimSpace(p.ClientURL); raw != "" {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("platforms.%s.client_url must be a valid HTTP or HTTPS URL", name)
			}
		}
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "assetsync.db",
		},
		Queue: QueueConfig{
			Workers:         2,
			MaxAttempts:     3,
			DefaultPriority: 5,
			PollInterval:    "1s",
			StuckTimeout:    "15m",
			SweepInterval:   "1m",
			BreakerFailures: 5,
			BreakerTimeout:  "30s",
			MaxRateWait:     "2s",
		},
		Webhooks: WebhookConfig{
			Workers:      2,
			MaxAttempts:  3,
			PollInterval: "1s",
			MaxBodyBytes: 1 << 20,
			FreshFor:     "1h",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ASSETSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ASSETSYNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("ASSETSYNC_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = parseCSV(v)
	}
	if v := os.Getenv("ASSETSYNC_ADMIN_ALLOWED_CIDRS"); v != "" {
		cfg.Server.AdminAllowedCIDRs = parseCSV(v)
	}
	if v := os.Getenv("ASSETSYNC_ENABLE_ADMIN_HEALTH"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Server.EnableAdminHealth = enabled
		}
	}
	if v := os.Getenv("ASSETSYNC_ENABLE_PPROF"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Server.EnablePprof = enabled
		}
	}
	if v := os.Getenv("ASSETSYNC_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ASSETSYNC_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ASSETSYNC_QUEUE_WORKERS"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.Queue.Workers = value
		}
	}
	if v := os.Getenv("ASSETSYNC_QUEUE_MAX_ATTEMPTS"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.Queue.MaxAttempts = value
		}
	}
	if v := os.Getenv("ASSETSYNC_QUEUE_POLL_INTERVAL"); v != "" {
		cfg.Queue.PollInterval = strings.TrimSpace(v)
	}
	if v := os.Getenv("ASSETSYNC_QUEUE_STUCK_TIMEOUT"); v != "" {
		cfg.Queue.StuckTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("ASSETSYNC_HOLD_PARTIAL_BATCHES"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Queue.HoldPartialBatches = enabled
		}
	}
	if v := os.Getenv("ASSETSYNC_WEBHOOK_WORKERS"); v != "" {
		if value, err := strconv.Atoi(v); err == nil && value > 0 {
			cfg.Webhooks.Workers = value
		}
	}
	if v := os.Getenv("ASSETSYNC_WEBHOOK_MAX_BODY_BYTES"); v != "" {
		if value, err := strconv.ParseInt(v, 10, 64); err == nil && value > 0 {
			cfg.Webhooks.MaxBodyBytes = value
		}
	}
	for _, platform := range knownPlatforms {
		suffix := strings.ToUpper(platform)
		if v := os.Getenv("ASSETSYNC_WEBHOOK_SECRET_" + suffix); v != "" {
			if cfg.Webhooks.Secrets == nil {
				cfg.Webhooks.Secrets = make(map[string]string)
			}
			cfg.Webhooks.Secrets[platform] = v
		}
		clientURL := strings.TrimSpace(os.Getenv("ASSETSYNC_PLATFORM_CLIENT_URL_" + suffix))
		clientToken := os.Getenv("ASSETSYNC_PLATFORM_CLIENT_TOKEN_" + suffix)
		if clientURL == "" && clientToken == "" {
			continue
		}
		if cfg.Platforms == nil {
			cfg.Platforms = make(map[string]PlatformConfig)
		}
		p := cfg.Platforms[platform]
		if clientURL != "" {
			p.ClientURL = clientURL
		}
		if clientToken != "" {
			p.ClientToken = clientToken
		}
		cfg.Platforms[platform] = p
	}
}

// Duration parses raw, returning fallback when it is empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
