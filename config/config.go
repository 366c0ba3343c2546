package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Seqfeed  SeqfeedConfig  `yaml:"seqfeed"`
	Source   SourceConfig   `yaml:"source"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SeqfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	// Transport is "tcp" or "ws".
	Transport   string        `yaml:"transport"`
	Address     string        `yaml:"address"`
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// IdleTimeout bounds the wait for each record of the bulk stream. Zero
	// disables the deadline.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	FrameMode   string        `yaml:"frame_mode"`
}

type RecoveryConfig struct {
	MaxWorkers      int             `yaml:"max_workers"`
	ExchangeTimeout time.Duration   `yaml:"exchange_timeout"`
	FailFast        bool            `yaml:"fail_fast"`
	// MaxGaps caps how many sequences a run may try to recover. A corrupt
	// sequence far above the rest would otherwise imply billions of exchanges.
	MaxGaps         int             `yaml:"max_gaps"`
	Retry           RetryConfig     `yaml:"retry"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type StorageConfig struct {
	JSON    JSONConfig    `yaml:"json"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type JSONConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Indent  int    `yaml:"indent"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when a file leaves a value unset.
// The source endpoint matches the feed's well-known local port.
func Default() Config {
	return Config{
		Seqfeed: SeqfeedConfig{Name: "seqfeed", Version: "dev"},
		Source: SourceConfig{
			Transport:   "tcp",
			Address:     "127.0.0.1:3000",
			DialTimeout: 5 * time.Second,
			IdleTimeout: 30 * time.Second,
			FrameMode:   "narrow",
		},
		Recovery: RecoveryConfig{
			MaxWorkers:      4,
			ExchangeTimeout: 5 * time.Second,
			FailFast:        true,
			MaxGaps:         100000,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         100 * time.Millisecond,
				MaxDelay:          2 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Storage: StorageConfig{
			JSON:    JSONConfig{Enabled: true, Path: "output.json", Indent: 4},
			Parquet: ParquetConfig{Path: "output.parquet", Compression: "snappy"},
			Kafka:   KafkaConfig{BatchSize: 100, WriteTimeout: 10 * time.Second},
		},
		Metrics: MetricsConfig{Prometheus: PrometheusConfig{Listen: ":2112"}},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			CloudWatch: CloudWatchConfig{Namespace: "Seqfeed"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SEQFEED_ADDRESS"); v != "" {
		config.Source.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("SEQFEED_URL"); v != "" {
		config.Source.URL = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := make([]string, 0)
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Storage.Kafka.Brokers = brokers
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Seqfeed.Name == "" {
		return fmt.Errorf("seqfeed.name is required")
	}
	if cfg.Seqfeed.Version == "" {
		return fmt.Errorf("seqfeed.version is required")
	}

	switch cfg.Source.Transport {
	case "tcp":
		if cfg.Source.Address == "" {
			return fmt.Errorf("source.address is required for tcp transport")
		}
	case "ws":
		if !strings.HasPrefix(cfg.Source.URL, "ws://") && !strings.HasPrefix(cfg.Source.URL, "wss://") {
			return fmt.Errorf("source.url must be a ws:// or wss:// url for ws transport")
		}
	default:
		return fmt.Errorf("source.transport '%s' is invalid", cfg.Source.Transport)
	}
	if cfg.Source.DialTimeout <= 0 {
		return fmt.Errorf("source.dial_timeout must be greater than 0")
	}
	if cfg.Source.IdleTimeout < 0 {
		return fmt.Errorf("source.idle_timeout must not be negative")
	}
	if IsProductionLike(AppEnvironment()) && cfg.Source.IdleTimeout == 0 {
		return fmt.Errorf("source.idle_timeout must be set in %s", AppEnvironment())
	}
	switch strings.ToLower(cfg.Source.FrameMode) {
	case "narrow", "wide":
	default:
		return fmt.Errorf("source.frame_mode '%s' is invalid", cfg.Source.FrameMode)
	}

	if cfg.Recovery.MaxWorkers <= 0 {
		return fmt.Errorf("recovery.max_workers must be greater than 0")
	}
	if cfg.Recovery.MaxGaps <= 0 {
		return fmt.Errorf("recovery.max_gaps must be greater than 0")
	}
	if cfg.Recovery.ExchangeTimeout <= 0 {
		return fmt.Errorf("recovery.exchange_timeout must be greater than 0")
	}
	if cfg.Recovery.Retry.MaxAttempts < 2 {
		return fmt.Errorf("recovery.retry.max_attempts must be at least 2")
	}
	if cfg.Recovery.Retry.BaseDelay < 0 || cfg.Recovery.Retry.MaxDelay < cfg.Recovery.Retry.BaseDelay {
		return fmt.Errorf("recovery.retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	if cfg.Recovery.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("recovery.retry.backoff_multiplier must be at least 1")
	}
	if cfg.Recovery.RateLimit.RequestsPerSecond < 0 || cfg.Recovery.RateLimit.BurstSize < 0 {
		return fmt.Errorf("recovery.rate_limit values must not be negative")
	}

	st := cfg.Storage
	if !st.JSON.Enabled && !st.Parquet.Enabled && !st.S3.Enabled && !st.Kafka.Enabled {
		return fmt.Errorf("at least one storage sink must be enabled")
	}
	if st.JSON.Enabled && st.JSON.Path == "" {
		return fmt.Errorf("storage.json.path is required when json output is enabled")
	}
	if st.Parquet.Enabled && st.Parquet.Path == "" {
		return fmt.Errorf("storage.parquet.path is required when parquet output is enabled")
	}

	if st.S3.Enabled {
		if st.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if st.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if st.S3.AccessKeyID == "" || st.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(st.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", st.S3.Bucket)
		}
	}

	if st.Kafka.Enabled {
		if len(st.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if st.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Metrics.Prometheus.Enabled && cfg.Metrics.Prometheus.Listen == "" {
		return fmt.Errorf("metrics.prometheus.listen is required when prometheus is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
