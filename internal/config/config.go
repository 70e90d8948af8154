package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RetryConfig tunes the per-operation retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Factor      float64       `mapstructure:"factor"`
	Jitter      float64       `mapstructure:"jitter"`
}

// Config holds the application configuration, loaded from an optional
// config file and environment variables.
type Config struct {
	ListenAddr          string        `mapstructure:"listen_addr"`
	StorageFile         string        `mapstructure:"storage_file"`
	EncryptionKey       string        `mapstructure:"encryption_key"`
	RepoCacheDir        string        `mapstructure:"repo_cache_dir"`
	KubeconfigPath      string        `mapstructure:"kubeconfig_path"`
	PollIntervalSeconds int           `mapstructure:"poll_interval_seconds"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout"`
	MaxSyncAttempts     int           `mapstructure:"max_sync_attempts"`
	WebhookSecret       string        `mapstructure:"webhook_secret"`
	// Rank orders sync operations: "declaration" keeps manifest order,
	// "kind" applies namespaces and definitions before workloads.
	Rank  string      `mapstructure:"rank"`
	Retry RetryConfig `mapstructure:"retry"`
}

// Operation orderings accepted by the rank key.
const (
	RankDeclaration = "declaration"
	RankKind        = "kind"
)

var defaults = map[string]interface{}{
	"listen_addr":           ":8080",
	"storage_file":          "applications.json.age",
	"encryption_key":        "",
	"repo_cache_dir":        "/tmp/go-argo-reconciler-repos",
	"kubeconfig_path":       "",
	"poll_interval_seconds": 60,
	"operation_timeout":     30 * time.Second,
	"max_sync_attempts":     3,
	"webhook_secret":        "",
	"rank":                  RankDeclaration,
	"retry.max_attempts":    5,
	"retry.base_delay":      500 * time.Millisecond,
	"retry.max_delay":       30 * time.Second,
	"retry.factor":          2.0,
	"retry.jitter":          0.1,
}

// New returns a viper instance carrying the defaults and reading
// environment variables named after the keys, e.g. POLL_INTERVAL_SECONDS or
// RETRY_BASE_DELAY.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile, if given, and unmarshals v into a validated Config.
// Environment variables and bound flags take precedence over the file.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the reconciler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, errors.New("poll_interval_seconds must be positive"))
	}
	if c.OperationTimeout < 0 {
		errs = append(errs, errors.New("operation_timeout must not be negative"))
	}
	if c.MaxSyncAttempts < 1 {
		errs = append(errs, errors.New("max_sync_attempts must be at least 1"))
	}
	if c.Rank != RankDeclaration && c.Rank != RankKind {
		errs = append(errs, fmt.Errorf("rank must be %q or %q, got %q", RankDeclaration, RankKind, c.Rank))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry.base_delay must be positive"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.base_delay"))
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, errors.New("retry.factor must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// PollInterval returns the default poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
