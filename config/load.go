package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const envPrefix = "ROBOTS_HISTORY_"

type fileConfig struct {
	Domain         *string `toml:"domain"`
	BatchSize      *int    `toml:"batch_size"`
	ArchiveBaseURL *string `toml:"archive_base_url"`
	Timeout        *string `toml:"timeout"`
	MaxAttempts    *int    `toml:"max_attempts"`
	RetryDelay     *string `toml:"retry_delay"`
	OutputDir      *string `toml:"output_dir"`
	UserAgent      *string `toml:"user_agent"`
	MemoSize       *int    `toml:"memo_size"`
	ProgressEvery  *int    `toml:"progress_every"`
	MetricsAddr    *string `toml:"metrics_addr"`
	Verbose        *bool   `toml:"verbose"`
}

// LoadFile overlays the TOML document at path onto cfg. Keys absent from the
// file leave cfg untouched; durations are written as Go duration strings.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	setString(&cfg.Domain, fc.Domain)
	setInt(&cfg.BatchSize, fc.BatchSize)
	setString(&cfg.ArchiveBaseURL, fc.ArchiveBaseURL)
	setInt(&cfg.MaxAttempts, fc.MaxAttempts)
	setString(&cfg.OutputDir, fc.OutputDir)
	setString(&cfg.UserAgent, fc.UserAgent)
	setInt(&cfg.MemoSize, fc.MemoSize)
	setInt(&cfg.ProgressEvery, fc.ProgressEvery)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	if fc.Verbose != nil {
		cfg.Verbose = *fc.Verbose
	}

	if fc.Timeout != nil {
		d, err := time.ParseDuration(*fc.Timeout)
		if err != nil {
			return fmt.Errorf("config file timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if fc.RetryDelay != nil {
		d, err := time.ParseDuration(*fc.RetryDelay)
		if err != nil {
			return fmt.Errorf("config file retry_delay: %w", err)
		}
		cfg.RetryDelay = d
	}
	return nil
}

// ApplyEnv overrides cfg with ROBOTS_HISTORY_* environment variables.
func ApplyEnv(cfg *Config) error {
	ints := map[string]*int{
		"BATCH_SIZE":     &cfg.BatchSize,
		"MAX_ATTEMPTS":   &cfg.MaxAttempts,
		"MEMO_SIZE":      &cfg.MemoSize,
		"PROGRESS_EVERY": &cfg.ProgressEvery,
	}
	for name, dst := range ints {
		value, ok, err := EnvInt(envPrefix + name)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"TIMEOUT":     &cfg.Timeout,
		"RETRY_DELAY": &cfg.RetryDelay,
	}
	for name, dst := range durations {
		value, ok, err := EnvDuration(envPrefix + name)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	if value, ok := EnvString(envPrefix + "ARCHIVE_URL"); ok {
		cfg.ArchiveBaseURL = value
	}
	if value, ok := EnvString(envPrefix + "OUTPUT_DIR"); ok {
		cfg.OutputDir = value
	}
	if value, ok := EnvString(envPrefix + "USER_AGENT"); ok {
		cfg.UserAgent = value
	}
	if value, ok := EnvString(envPrefix + "METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when present.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key as a Go duration when present.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
