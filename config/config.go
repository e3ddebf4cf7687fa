package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"
)

// Config holds harvester configuration.
type Config struct {
	Domain         string
	BatchSize      int
	ArchiveBaseURL string
	Timeout        time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	OutputDir      string
	UserAgent      string
	MemoSize       int
	ProgressEvery  int
	MetricsAddr    string
	Verbose        bool
}

// DefaultConfig returns the defaults used against the public Wayback Machine.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		ArchiveBaseURL: "http://web.archive.org",
		Timeout:        10 * time.Second,
		MaxAttempts:    5,
		RetryDelay:     10 * time.Second,
		OutputDir:      ".",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		MemoSize:       256,
		ProgressEvery:  10,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if strings.ContainsAny(c.Domain, "/ ") {
		return fmt.Errorf("domain must be a bare host, got %q", c.Domain)
	}

	if c.ArchiveBaseURL == "" {
		return fmt.Errorf("archive base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.ArchiveBaseURL)
	if err != nil {
		return fmt.Errorf("invalid archive base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("archive base URL must include a host")
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.MemoSize <= 0 {
		return fmt.Errorf("memo size must be positive")
	}
	if c.ProgressEvery <= 0 {
		return fmt.Errorf("progress interval must be positive")
	}

	return nil
}

// NormalizeDomain reduces user input such as "https://Example.com/" to the
// bare lower-case host the archive is queried with.
func NormalizeDomain(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("domain cannot be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	flags := purell.FlagLowercaseScheme |
		purell.FlagLowercaseHost |
		purell.FlagRemoveDefaultPort |
		purell.FlagRemoveTrailingSlash
	normalized, err := purell.NormalizeURLString(raw, flags)
	if err != nil {
		return "", fmt.Errorf("normalize domain %q: %w", raw, err)
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("parse domain %q: %w", raw, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("domain %q has no host", raw)
	}
	return parsed.Host, nil
}
