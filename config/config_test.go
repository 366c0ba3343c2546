package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary config file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `seqfeed:
  name: "TestApp"
  version: "1.0"
source:
  address: "127.0.0.1:4000"
  idle_timeout: 2s
recovery:
  max_workers: 2
  retry:
    max_attempts: 4
    base_delay: 10ms
    max_delay: 1s
storage:
  json:
    path: "out.json"
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("SEQFEED_ADDRESS", "")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Seqfeed.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Seqfeed.Name)
	}
	if cfg.Source.Address != "127.0.0.1:4000" {
		t.Errorf("unexpected address: %s", cfg.Source.Address)
	}
	if cfg.Source.IdleTimeout != 2*time.Second {
		t.Errorf("unexpected idle timeout: %v", cfg.Source.IdleTimeout)
	}
	if cfg.Recovery.MaxWorkers != 2 {
		t.Errorf("unexpected max workers: %d", cfg.Recovery.MaxWorkers)
	}
	if cfg.Recovery.Retry.MaxAttempts != 4 || cfg.Recovery.Retry.BaseDelay != 10*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.Recovery.Retry)
	}
	// defaults survive partial files
	if cfg.Source.Transport != "tcp" || cfg.Source.FrameMode != "narrow" {
		t.Errorf("defaults not applied: %+v", cfg.Source)
	}
	if !cfg.Storage.JSON.Enabled || cfg.Storage.JSON.Path != "out.json" || cfg.Storage.JSON.Indent != 4 {
		t.Errorf("unexpected json storage: %+v", cfg.Storage.JSON)
	}
}

func TestLoadConfigAddressOverride(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("SEQFEED_ADDRESS", "10.0.0.1:3000")
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Address != "10.0.0.1:3000" {
		t.Errorf("override not applied: %s", cfg.Source.Address)
	}
}

func TestLoadConfigKafkaBrokersFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	content := minimalConfig + `  kafka:
    enabled: true
    topic: trades
`
	cfg, err := LoadConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Storage.Kafka.Brokers) != 2 || cfg.Storage.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Storage.Kafka.Brokers)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Seqfeed.Name = "" }},
		{"bad transport", func(c *Config) { c.Source.Transport = "udp" }},
		{"ws without url", func(c *Config) { c.Source.Transport = "ws"; c.Source.URL = "http://x" }},
		{"bad frame mode", func(c *Config) { c.Source.FrameMode = "medium" }},
		{"no workers", func(c *Config) { c.Recovery.MaxWorkers = 0 }},
		{"no gap budget", func(c *Config) { c.Recovery.MaxGaps = 0 }},
		{"single attempt", func(c *Config) { c.Recovery.Retry.MaxAttempts = 1 }},
		{"inverted delays", func(c *Config) { c.Recovery.Retry.MaxDelay = time.Millisecond; c.Recovery.Retry.BaseDelay = time.Second }},
		{"no sinks", func(c *Config) { c.Storage.JSON.Enabled = false }},
		{"s3 without bucket", func(c *Config) { c.Storage.S3.Enabled = true; c.Storage.S3.Region = "eu-west-1" }},
		{"kafka without topic", func(c *Config) { c.Storage.Kafka.Enabled = true; c.Storage.Kafka.Brokers = []string{"a:1"} }},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		if err := validateConfig(&cfg); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}

	cfg := Default()
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestProductionRequiresIdleTimeout(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	cfg := Default()
	cfg.Source.IdleTimeout = 0
	if err := validateConfig(&cfg); err == nil {
		t.Fatalf("expected idle timeout to be required in production")
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yml")
	staging := filepath.Join(dir, "config.staging.yml")
	if err := os.WriteFile(staging, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "stage")
	if got := ResolvePath(base); got != staging {
		t.Errorf("expected %s, got %s", staging, got)
	}
	t.Setenv("APP_ENV", "production")
	if got := ResolvePath(base); got != base {
		t.Errorf("expected fallback %s, got %s", base, got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
