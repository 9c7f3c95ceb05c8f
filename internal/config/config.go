// Package config loads Nexus's server configuration from
// $NEXUS_HOME/config.toml, the persistent layout spec §6 names,
// overlaid with a handful of environment variables for the settings
// an operator needs to flip without editing a file on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/catalystcommunity/app-utils-go/env"
)

// Config is the server's resolved runtime configuration.
type Config struct {
	// RefreshRate is the scheduler's tick interval (spec §4.5, default 3s).
	RefreshRate time.Duration `toml:"-"`
	RefreshRateSeconds float64 `toml:"refresh_rate_seconds"`

	// GPUCacheTTL is the GPU Probe's cache TTL (spec §4.2, default 1s).
	GPUCacheTTL        time.Duration `toml:"-"`
	GPUCacheTTLSeconds float64       `toml:"gpu_cache_ttl_seconds"`

	// ExternalCallTimeout bounds notifier/tracker/subprocess calls (spec §5, default 10s).
	ExternalCallTimeout        time.Duration `toml:"-"`
	ExternalCallTimeoutSeconds float64       `toml:"external_call_timeout_seconds"`

	// WandbSearchMaxAge caps how long the tracker-URL discovery task
	// keeps polling a running job before giving up (spec §4.5 task 3).
	WandbSearchMaxAge        time.Duration `toml:"-"`
	WandbSearchMaxAgeSeconds float64       `toml:"wandb_search_max_age_seconds"`

	// SchedulerConcurrency bounds the workerpool used to fan out the
	// "advance running jobs" and "discover tracker URLs" tasks over
	// the current running-job set within a single tick (spec §4.5).
	SchedulerConcurrency int `toml:"scheduler_concurrency"`

	// HTTPPort is the HTTP Surface's listen port.
	HTTPPort int `toml:"http_port"`

	// DiscordWebhookURL, if set, is the fire-and-forget notifier's
	// destination for the `discord` notification channel.
	DiscordWebhookURL string `toml:"discord_webhook_url"`

	// NodeName identifies this server in job records and /server/status.
	NodeName string `toml:"node_name"`

	// Runner selects the Session Runner backend: "native" (default),
	// "docker", or "kubernetes".
	Runner string `toml:"-"`

	// HomeDir is $NEXUS_HOME: the root of jobs.db, per-job working
	// directories, config.toml, api_token, and logs.
	HomeDir string `toml:"-"`
}

// Default returns the configuration that applies when no
// config.toml is present, before environment overrides.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "nexus"
	}
	return Config{
		RefreshRateSeconds:         3,
		GPUCacheTTLSeconds:         1,
		ExternalCallTimeoutSeconds: 10,
		WandbSearchMaxAgeSeconds:   3600,
		SchedulerConcurrency:       4,
		HTTPPort:                   8080,
		NodeName:                   host,
	}
}

// Load resolves NEXUS_HOME, reads config.toml from it if present, and
// overlays the environment variables spec §6 names.
func Load() (Config, error) {
	cfg := Default()

	cfg.HomeDir = env.GetEnvOrDefault("NEXUS_HOME", defaultHomeDir())
	if err := os.MkdirAll(cfg.HomeDir, 0700); err != nil {
		return cfg, fmt.Errorf("config: create NEXUS_HOME %s: %w", cfg.HomeDir, err)
	}

	tomlPath := filepath.Join(cfg.HomeDir, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		if _, err := toml.DecodeFile(tomlPath, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", tomlPath, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: stat %s: %w", tomlPath, err)
	}

	cfg.Runner = env.GetEnvOrDefault("NEXUS_RUNNER", "native")
	if n := env.GetEnvAsIntOrDefault("NEXUS_SCHEDULER_CONCURRENCY", "0"); n > 0 {
		cfg.SchedulerConcurrency = n
	}

	cfg.RefreshRate = durationFromSeconds(cfg.RefreshRateSeconds, 3*time.Second)
	cfg.GPUCacheTTL = durationFromSeconds(cfg.GPUCacheTTLSeconds, time.Second)
	cfg.ExternalCallTimeout = durationFromSeconds(cfg.ExternalCallTimeoutSeconds, 10*time.Second)
	cfg.WandbSearchMaxAge = durationFromSeconds(cfg.WandbSearchMaxAgeSeconds, time.Hour)

	return cfg, nil
}

// Save persists cfg's TOML-tagged fields back to config.toml under
// HomeDir, so a CLI command that updates one setting (e.g. the
// Discord webhook secret) doesn't need to hand-edit the file.
func (c Config) Save() error {
	f, err := os.OpenFile(filepath.Join(c.HomeDir, "config.toml"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("config: open config.toml for write: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode config.toml: %w", err)
	}
	return nil
}

func durationFromSeconds(s float64, fallback time.Duration) time.Duration {
	if s <= 0 {
		return fallback
	}
	return time.Duration(s * float64(time.Second))
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nexus"
	}
	return filepath.Join(home, ".nexus")
}

// JobsDBPath returns the path to the embedded database file.
func (c Config) JobsDBPath() string {
	return filepath.Join(c.HomeDir, "jobs.db")
}

// TokenPath returns the path to the persisted bearer token.
func (c Config) TokenPath() string {
	return filepath.Join(c.HomeDir, "api_token")
}

// AuthorizedKeysPath returns the path to the SSH authorized_keys file
// the Auth Gate appends validated public keys to.
func (c Config) AuthorizedKeysPath() string {
	return filepath.Join(c.HomeDir, "authorized_keys")
}
