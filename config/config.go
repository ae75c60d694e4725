// Package config holds the crawl configuration and its loading rules:
// defaults, an optional config file, then SCRAPER_-prefixed environment
// variables, in increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL     string   `mapstructure:"base_url"`
	ListingPath string   `mapstructure:"listing_path"`
	Categories  []string `mapstructure:"categories"`
	PageSize    int      `mapstructure:"page_size"`

	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
	DelayMin        time.Duration `mapstructure:"delay_min"`
	DelayMax        time.Duration `mapstructure:"delay_max"`

	UserAgent        string `mapstructure:"user_agent"`
	InsecureTLS      bool   `mapstructure:"insecure_tls"`
	RespectRobotsTxt bool   `mapstructure:"respect_robots_txt"`

	OutputFile      string `mapstructure:"output_file"`
	OutputFormat    string `mapstructure:"output_format"` // csv, json, or dual
	CheckpointFile  string `mapstructure:"checkpoint_file"`
	DetailCacheSize int    `mapstructure:"detail_cache_size"`

	RowLimit    int    `mapstructure:"row_limit"`
	Restart     bool   `mapstructure:"restart"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	Verbose     bool   `mapstructure:"verbose"`
}

// DefaultConfig returns the defaults tuned for the experience-report target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://www.erowid.org",
		ListingPath:      "/experiences/exp.cgi",
		Categories:       []string{"39", "2", "8"},
		PageSize:         100,
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     300 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		DelayMin:         1 * time.Second,
		DelayMax:         3 * time.Second,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		InsecureTLS:      true,
		RespectRobotsTxt: false,
		OutputFile:       "output/erowid_experiences.csv",
		OutputFormat:     "csv",
		CheckpointFile:   "output/checkpoint.json",
		DetailCacheSize:  256,
		RowLimit:         0,
		Restart:          false,
		MetricsAddr:      "",
		Verbose:          false,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("base_url", defaults.BaseURL)
	v.SetDefault("listing_path", defaults.ListingPath)
	v.SetDefault("categories", defaults.Categories)
	v.SetDefault("page_size", defaults.PageSize)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("retry_backoff", defaults.RetryBackoff)
	v.SetDefault("retry_backoff_max", defaults.RetryBackoffMax)
	v.SetDefault("delay_min", defaults.DelayMin)
	v.SetDefault("delay_max", defaults.DelayMax)
	v.SetDefault("user_agent", defaults.UserAgent)
	v.SetDefault("insecure_tls", defaults.InsecureTLS)
	v.SetDefault("respect_robots_txt", defaults.RespectRobotsTxt)
	v.SetDefault("output_file", defaults.OutputFile)
	v.SetDefault("output_format", defaults.OutputFormat)
	v.SetDefault("checkpoint_file", defaults.CheckpointFile)
	v.SetDefault("detail_cache_size", defaults.DetailCacheSize)
	v.SetDefault("row_limit", defaults.RowLimit)
	v.SetDefault("restart", defaults.Restart)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)
	v.SetDefault("verbose", defaults.Verbose)

	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if !strings.HasPrefix(c.ListingPath, "/") {
		return fmt.Errorf("listing path must start with /")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	for _, category := range c.Categories {
		if strings.TrimSpace(category) == "" {
			return fmt.Errorf("categories cannot be blank")
		}
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.DelayMin < 0 {
		return fmt.Errorf("delay min cannot be negative")
	}
	if c.DelayMax < c.DelayMin {
		return fmt.Errorf("delay max (%s) cannot be below delay min (%s)", c.DelayMax, c.DelayMin)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.CheckpointFile == "" {
		return fmt.Errorf("checkpoint file cannot be empty")
	}
	if c.DetailCacheSize <= 0 {
		return fmt.Errorf("detail cache size must be positive")
	}
	if c.RowLimit < 0 {
		return fmt.Errorf("row limit cannot be negative")
	}

	return nil
}
