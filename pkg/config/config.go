// Package config loads service configuration from the environment with an
// optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds everything both screening processes need.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	ServiceName string `yaml:"service_name"`

	QueueThreshold                  int `yaml:"queue_threshold"`
	WorkerPollIntervalSeconds       int `yaml:"worker_poll_interval_seconds"`
	WorkerCleanupEveryNLoops        int `yaml:"worker_cleanup_every_n_loops"`
	JobsRetentionDays               int `yaml:"jobs_retention_days"`
	ScreenedEntitiesRetentionMonths int `yaml:"screened_entities_retention_months"`

	SnapshotPath       string   `yaml:"snapshot_path"`
	SanctionsFeedURL   string   `yaml:"sanctions_feed_url"`
	PEPsFeedURL        string   `yaml:"peps_feed_url"`
	SanctionsAllowlist []string `yaml:"watchlist_sanctions_allowlist"`
	FeedTimeoutSeconds int      `yaml:"feed_timeout_seconds"`

	StoreTimeoutSeconds int    `yaml:"store_timeout_seconds"`
	OTLPEndpoint        string `yaml:"otlp_endpoint"`
}

// Load reads configuration from environment variables, then overlays the
// YAML file named by SCREENING_CONFIG_FILE when set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                            envOr("PORT", "8080"),
		LogLevel:                        envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:                     envOr("DATABASE_URL", "postgres://screening@localhost:5432/screening?sslmode=disable"),
		ServiceName:                     envOr("SERVICE_NAME", "screening-api"),
		QueueThreshold:                  envInt("SCREENING_QUEUE_THRESHOLD", 5),
		WorkerPollIntervalSeconds:       envInt("SCREENING_WORKER_POLL_SECONDS", 5),
		WorkerCleanupEveryNLoops:        envInt("SCREENING_CLEANUP_EVERY_N_LOOPS", 50),
		JobsRetentionDays:               envInt("SCREENING_JOBS_RETENTION_DAYS", 7),
		ScreenedEntitiesRetentionMonths: envInt("SCREENED_ENTITIES_RETENTION_MONTHS", 0),
		SnapshotPath:                    envOr("WATCHLIST_SNAPSHOT_PATH", "data/watchlist.db"),
		SanctionsFeedURL:                envOr("WATCHLIST_SANCTIONS_FEED_URL", "https://data.opensanctions.org/datasets/latest/sanctions/targets.simple.csv"),
		PEPsFeedURL:                     envOr("WATCHLIST_PEPS_FEED_URL", "https://data.opensanctions.org/datasets/latest/peps/targets.simple.csv"),
		FeedTimeoutSeconds:              envInt("WATCHLIST_FEED_TIMEOUT_SECONDS", 120),
		StoreTimeoutSeconds:             envInt("STORE_TIMEOUT_SECONDS", 30),
		OTLPEndpoint:                    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if raw := os.Getenv("WATCHLIST_SANCTIONS_ALLOWLIST"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				cfg.SanctionsAllowlist = append(cfg.SanctionsAllowlist, tok)
			}
		}
	}

	if path := os.Getenv("SCREENING_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.QueueThreshold < 0 {
		return nil, fmt.Errorf("queue_threshold must be >= 0, got %d", cfg.QueueThreshold)
	}
	if cfg.WorkerPollIntervalSeconds < 2 {
		cfg.WorkerPollIntervalSeconds = 2
	}
	return cfg, nil
}

// overlayFile merges the YAML file at path over the current values. Absent
// keys keep their environment values.
func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
