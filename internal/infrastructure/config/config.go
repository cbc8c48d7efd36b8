package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Chrome  ChromeConfig
	Render  RenderConfig
	Cache   CacheConfig
	Breaker BreakerConfig
	Logging LogConfig
	Rate    RateConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"8000"`
}

// ChromeConfig holds the headless browser endpoint.
type ChromeConfig struct {
	Host string `envconfig:"CHROME_HOST" default:"localhost"`
	Port int    `envconfig:"CHROME_PORT" default:"9222"`
}

// RenderConfig holds rendering behavior configuration.
type RenderConfig struct {
	Timeout        time.Duration `envconfig:"PRERENDER_TIMEOUT" default:"30s"`
	CheckInterval  time.Duration `envconfig:"PAGE_DONE_CHECK_INTERVAL" default:"200ms"`
	SettleWindow   time.Duration `envconfig:"NETWORK_SETTLE_WINDOW" default:"500ms"`
	Concurrency    int           `envconfig:"CONCURRENCY" default:"0"`
	MaxIterations  int           `envconfig:"MAX_ITERATIONS" default:"200"`
	UserAgent      string        `envconfig:"USER_AGENT" default:""`
	BlockFonts     bool          `envconfig:"BLOCK_FONTS" default:"true"`
	AllowedDomains []string      `envconfig:"ALLOWED_DOMAINS" default:""`
	StripScripts   bool          `envconfig:"STRIP_SCRIPT_TAGS" default:"true"`
}

// CacheConfig holds artifact cache configuration.
type CacheConfig struct {
	Backend   string        `envconfig:"CACHE_BACKEND" default:"none"`
	TTL       time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	Root      string        `envconfig:"CACHE_ROOT" default:"/tmp/prerender"`
	Endpoint  string        `envconfig:"OBJECT_STORE_ENDPOINT" default:""`
	Bucket    string        `envconfig:"OBJECT_STORE_BUCKET" default:"prerender"`
	AccessKey string        `envconfig:"OBJECT_STORE_ACCESS_KEY" default:""`
	SecretKey string        `envconfig:"OBJECT_STORE_SECRET_KEY" default:""`
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	Enabled      bool          `envconfig:"BREAKER_ENABLED" default:"true"`
	FailMax      int           `envconfig:"BREAKER_FAIL_MAX" default:"5"`
	ResetTimeout time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"60s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateConfig holds rate limiting configuration.
type RateConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: "8000"},
		Chrome: ChromeConfig{Host: "localhost", Port: 9222},
		Render: RenderConfig{
			Timeout:       30 * time.Second,
			CheckInterval: 200 * time.Millisecond,
			SettleWindow:  500 * time.Millisecond,
			MaxIterations: 200,
			BlockFonts:    true,
			StripScripts:  true,
		},
		Cache: CacheConfig{
			Backend: "none",
			TTL:     time.Hour,
			Root:    "/tmp/prerender",
			Bucket:  "prerender",
		},
		Breaker: BreakerConfig{
			Enabled:      true,
			FailMax:      5,
			ResetTimeout: 60 * time.Second,
		},
		Logging: LogConfig{Level: "info"},
		Rate:    RateConfig{RequestsPerSecond: 100, Burst: 200},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Render.Concurrency <= 0 {
		c.Render.Concurrency = runtime.NumCPU() * 2
	}
	// envconfig parses an empty ALLOWED_DOMAINS into [""]
	domains := c.Render.AllowedDomains[:0]
	for _, d := range c.Render.AllowedDomains {
		if d != "" {
			domains = append(domains, d)
		}
	}
	c.Render.AllowedDomains = domains
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "none", "disk", "object":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "object" && c.Cache.Endpoint == "" {
		return fmt.Errorf("object cache backend requires OBJECT_STORE_ENDPOINT")
	}
	if c.Render.Timeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}
	return nil
}

// Endpoint returns the browser debugging endpoint as host:port.
func (c *ChromeConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
