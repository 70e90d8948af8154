package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Environment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9090")
	t.Setenv("POLL_INTERVAL_SECONDS", "120")
	t.Setenv("KUBECONFIG_PATH", "/tmp/test-kubeconfig")
	t.Setenv("OPERATION_TIMEOUT", "45s")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("RANK", "kind")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("expected ListenAddr 127.0.0.1:9090, got %s", cfg.ListenAddr)
	}
	if cfg.PollIntervalSeconds != 120 {
		t.Errorf("expected PollIntervalSeconds 120, got %d", cfg.PollIntervalSeconds)
	}
	if cfg.PollInterval() != 2*time.Minute {
		t.Errorf("expected PollInterval 2m, got %s", cfg.PollInterval())
	}
	if cfg.KubeconfigPath != "/tmp/test-kubeconfig" {
		t.Errorf("expected KubeconfigPath /tmp/test-kubeconfig, got %s", cfg.KubeconfigPath)
	}
	if cfg.OperationTimeout != 45*time.Second {
		t.Errorf("expected OperationTimeout 45s, got %s", cfg.OperationTimeout)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("expected Retry.BaseDelay 250ms, got %s", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("expected Retry.MaxAttempts 7, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.WebhookSecret != "s3cret" {
		t.Errorf("expected WebhookSecret s3cret, got %q", cfg.WebhookSecret)
	}
	if cfg.Rank != RankKind {
		t.Errorf("expected Rank kind, got %q", cfg.Rank)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}

	if cfg.PollIntervalSeconds != 60 {
		t.Errorf("expected default PollIntervalSeconds 60, got %d", cfg.PollIntervalSeconds)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default ListenAddr ':8080', got '%s'", cfg.ListenAddr)
	}
	if cfg.StorageFile != "applications.json.age" {
		t.Errorf("expected default StorageFile, got '%s'", cfg.StorageFile)
	}
	if cfg.Rank != RankDeclaration {
		t.Errorf("expected default Rank declaration, got %q", cfg.Rank)
	}
	if cfg.MaxSyncAttempts != 3 {
		t.Errorf("expected default MaxSyncAttempts 3, got %d", cfg.MaxSyncAttempts)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond || cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("unexpected default retry policy: %+v", cfg.Retry)
	}
	if cfg.Retry.Factor != 2 || cfg.Retry.Jitter != 0.1 {
		t.Errorf("unexpected default retry factor or jitter: %+v", cfg.Retry)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":7070"
poll_interval_seconds: 30
repo_cache_dir: /var/cache/repos
retry:
  max_delay: 10s
  jitter: 0.2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// environment wins over the file
	t.Setenv("POLL_INTERVAL_SECONDS", "15")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("expected ListenAddr :7070, got %s", cfg.ListenAddr)
	}
	if cfg.PollIntervalSeconds != 15 {
		t.Errorf("expected PollIntervalSeconds from env 15, got %d", cfg.PollIntervalSeconds)
	}
	if cfg.RepoCacheDir != "/var/cache/repos" {
		t.Errorf("expected RepoCacheDir /var/cache/repos, got %s", cfg.RepoCacheDir)
	}
	if cfg.Retry.MaxDelay != 10*time.Second || cfg.Retry.Jitter != 0.2 {
		t.Errorf("unexpected retry settings: %+v", cfg.Retry)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected unset retry.max_attempts to keep its default, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() was expected to fail for a missing config file")
	}
}

func TestLoad_InvalidPollInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL_SECONDS", "not-an-integer")

	cfg, err := Load(New(), "")
	if err == nil {
		t.Fatalf("Load() was expected to return an error for invalid POLL_INTERVAL_SECONDS, but it didn't. Config: %+v", cfg)
	}
	if !strings.Contains(err.Error(), "poll_interval_seconds") {
		t.Errorf("expected error to name poll_interval_seconds, got '%s'", err.Error())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero poll interval", func(c *Config) { c.PollIntervalSeconds = 0 }, "poll_interval_seconds"},
		{"no sync attempts", func(c *Config) { c.MaxSyncAttempts = 0 }, "max_sync_attempts"},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.max_delay"},
		{"shrinking factor", func(c *Config) { c.Retry.Factor = 0.5 }, "retry.factor"},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }, "retry.jitter"},
		{"negative timeout", func(c *Config) { c.OperationTimeout = -time.Second }, "operation_timeout"},
		{"unknown rank", func(c *Config) { c.Rank = "alphabetical" }, "rank"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected an error mentioning %s", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error to mention %s, got '%s'", tc.want, err.Error())
			}
		})
	}
}
