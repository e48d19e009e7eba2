package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dynode/internal/logging"
	"dynode/internal/types"
)

// Default values applied by Parse when a setting is missing.
const (
	DefaultListen              = ":8080"
	DefaultMetricsListen       = ":9090"
	DefaultRequestTimeout      = "10s"
	DefaultRateLimitBackoff    = "1m"
	DefaultCacheSweepInterval  = "30s"
	DefaultPollIntervalSeconds = 30
	DefaultMaxMemoryMB         = 256
	DefaultMaxBodyBytes        = 10 << 20
	DefaultPollConcurrency     = 32
	DefaultHealthMethod        = "eth_blockNumber"
)

// Config holds all configuration settings loaded from the YAML file.
type Config struct {
	Listen                string                     `yaml:"listen"`
	MetricsListen         string                     `yaml:"metricsListen"`
	RequestTimeoutStr     string                     `yaml:"requestTimeout"`
	RateLimitBackoffStr   string                     `yaml:"rateLimitBackoff"`
	CacheSweepIntervalStr string                     `yaml:"cacheSweepInterval"`
	MaxBodyBytes          int64                      `yaml:"maxBodyBytes"`
	PollConcurrency       int                        `yaml:"pollConcurrency"`
	Log                   logging.Config             `yaml:"log"`
	NodeMonitoring        types.NodeMonitoringConfig `yaml:"nodeMonitoring"`
	Cache                 types.CacheConfig          `yaml:"cache"`
	Domains               []types.Domain             `yaml:"domains"`

	// Parsed values - marked with `yaml:"-"` to be ignored by the parser.
	RequestTimeout     time.Duration `yaml:"-"`
	RateLimitBackoff   time.Duration `yaml:"-"`
	CacheSweepInterval time.Duration `yaml:"-"`
}

// LoadConfig reads the configuration from the specified YAML file,
// parses it, and sets default values if necessary.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}
	return cfg, nil
}

// Parse unmarshals YAML data, fills in defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Log: logging.DefaultConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.setDefaults()

	var err error
	cfg.RequestTimeout, err = time.ParseDuration(cfg.RequestTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("invalid requestTimeout duration '%s': %w", cfg.RequestTimeoutStr, err)
	}

	cfg.RateLimitBackoff, err = time.ParseDuration(cfg.RateLimitBackoffStr)
	if err != nil {
		return nil, fmt.Errorf("invalid rateLimitBackoff duration '%s': %w", cfg.RateLimitBackoffStr, err)
	}

	cfg.CacheSweepInterval, err = time.ParseDuration(cfg.CacheSweepIntervalStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cacheSweepInterval duration '%s': %w", cfg.CacheSweepIntervalStr, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
	if c.RequestTimeoutStr == "" {
		c.RequestTimeoutStr = DefaultRequestTimeout
	}
	if c.RateLimitBackoffStr == "" {
		c.RateLimitBackoffStr = DefaultRateLimitBackoff
	}
	if c.CacheSweepIntervalStr == "" {
		c.CacheSweepIntervalStr = DefaultCacheSweepInterval
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = DefaultPollConcurrency
	}
	if c.NodeMonitoring.PollIntervalSeconds == 0 {
		c.NodeMonitoring.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if c.Cache.MaxMemoryMB == 0 {
		c.Cache.MaxMemoryMB = DefaultMaxMemoryMB
	}
	for i := range c.Domains {
		d := &c.Domains[i]
		d.Name = strings.ToLower(d.Name)
		if d.HealthMethod == "" {
			d.HealthMethod = DefaultHealthMethod
		}
	}
}

func (c *Config) validate() error {
	if c.RequestTimeout <= 0 {
		return errors.New("requestTimeout must be positive")
	}
	if c.CacheSweepInterval <= 0 {
		return errors.New("cacheSweepInterval must be positive")
	}
	if len(c.Domains) == 0 {
		return errors.New("no domains found in config")
	}

	seen := make(map[string]struct{}, len(c.Domains))
	for _, d := range c.Domains {
		if d.Name == "" {
			return errors.New("domain without name")
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate domain %s", d.Name)
		}
		seen[d.Name] = struct{}{}

		if d.Chain == "" {
			return fmt.Errorf("domain %s: chain is required", d.Name)
		}
		if d.PollIntervalSeconds != nil && *d.PollIntervalSeconds == 0 {
			return fmt.Errorf("domain %s: pollIntervalSeconds must be positive", d.Name)
		}
		if len(d.URLs) == 0 {
			return fmt.Errorf("domain %s: no urls", d.Name)
		}
		for _, u := range d.URLs {
			if err := validateURL(u.URL); err != nil {
				return fmt.Errorf("domain %s: %w", d.Name, err)
			}
		}
		for _, o := range d.Overrides {
			if err := validateURL(o.URL); err != nil {
				return fmt.Errorf("domain %s override: %w", d.Name, err)
			}
		}
	}

	for chain, rules := range c.Cache.Rules {
		for i, r := range rules {
			if r.RpcMethod == "" && (r.Path == "" || r.Method == "") {
				return fmt.Errorf("cache rule %d for chain %s: needs rpcMethod or both path and method", i, chain)
			}
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url '%s': %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url '%s': scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url '%s': missing host", raw)
	}
	return nil
}
