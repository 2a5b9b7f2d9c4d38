package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values like "10s" parse from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Probe    ProbeConfig    `yaml:"probe"`
	Venue    VenueConfig    `yaml:"venue"`
	Order    OrderConfig    `yaml:"order"`
	Baseline BaselineConfig `yaml:"baseline"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Storage  StorageConfig  `yaml:"storage"`
	Report   ReportConfig   `yaml:"report"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProbeConfig struct {
	Name             string   `yaml:"name"`
	Version          string   `yaml:"version"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	SubscribeTimeout Duration `yaml:"subscribe_timeout"`
}

type VenueConfig struct {
	APIURL       string `yaml:"api_url"`
	AccountIndex int64  `yaml:"account_index"`
	APIKeyIndex  uint8  `yaml:"api_key_index"`
	PrivateKey   string `yaml:"private_key"`
	MarketID     int64  `yaml:"market_id"`
	// PriceScale is the venue's integer price multiplier (100 on Lighter).
	PriceScale int64 `yaml:"price_scale"`
}

// WSURL derives the websocket stream endpoint from the REST base URL.
func (v VenueConfig) WSURL() string {
	url := strings.Replace(v.APIURL, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/stream"
}

type OrderConfig struct {
	TestSize        int64    `yaml:"test_size"`
	FallbackSize    int64    `yaml:"fallback_size"`
	Slippage        float64  `yaml:"slippage"`
	AckTimeout      Duration `yaml:"ack_timeout"`
	FillTimeout     Duration `yaml:"fill_timeout"`
	SellAttempts    int      `yaml:"sell_attempts"`
	SellBackoff     Duration `yaml:"sell_backoff"`
	RatePerSecond   int      `yaml:"rate_per_second"`
	RateBurst       int      `yaml:"rate_burst"`
	MinBalanceUSDC  float64  `yaml:"min_balance_usdc"`
	EmergencyCancel Duration `yaml:"emergency_cancel_timeout"`
}

type BaselineConfig struct {
	Enabled bool     `yaml:"enabled"`
	WSURL   string   `yaml:"ws_url"`
	RestURL string   `yaml:"rest_url"`
	Symbol  string   `yaml:"symbol"`
	Samples int      `yaml:"samples"`
	Timeout Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	KeyPrefix       string `yaml:"key_prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ReportConfig struct {
	Label   string `yaml:"label"`
	OutFile string `yaml:"out_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Probe: ProbeConfig{
			HandshakeTimeout: Duration(10 * time.Second),
			SubscribeTimeout: Duration(10 * time.Second),
		},
		Venue: VenueConfig{
			PriceScale: 100,
		},
		Order: OrderConfig{
			TestSize:        10,
			FallbackSize:    100,
			Slippage:        0.005,
			AckTimeout:      Duration(10 * time.Second),
			FillTimeout:     Duration(10 * time.Second),
			SellAttempts:    3,
			SellBackoff:     Duration(time.Second),
			RatePerSecond:   5,
			RateBurst:       5,
			MinBalanceUSDC:  5.0,
			EmergencyCancel: Duration(5 * time.Second),
		},
		Baseline: BaselineConfig{
			Samples: 20,
			Timeout: Duration(30 * time.Second),
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets always win from the environment when present
	if v := os.Getenv("LIGHTER_PRIVATE_KEY"); v != "" {
		config.Venue.PrivateKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PROBE_LABEL"); v != "" {
		config.Report.Label = strings.TrimSpace(v)
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

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Probe.Name == "" {
		return fmt.Errorf("probe.name is required")
	}

	if cfg.Probe.Version == "" {
		return fmt.Errorf("probe.version is required")
	}

	if cfg.Venue.APIURL == "" {
		return fmt.Errorf("venue.api_url is required")
	}
	if !strings.HasPrefix(cfg.Venue.APIURL, "https://") && !strings.HasPrefix(cfg.Venue.APIURL, "http://") {
		return fmt.Errorf("venue.api_url must start with http:// or https://")
	}
	if cfg.Venue.AccountIndex < 0 {
		return fmt.Errorf("venue.account_index must not be negative")
	}
	if cfg.Venue.MarketID < 0 {
		return fmt.Errorf("venue.market_id must not be negative")
	}
	if cfg.Venue.PriceScale <= 0 {
		return fmt.Errorf("venue.price_scale must be greater than 0")
	}

	if cfg.Order.TestSize <= 0 {
		return fmt.Errorf("order.test_size must be greater than 0")
	}
	if cfg.Order.FallbackSize < cfg.Order.TestSize {
		return fmt.Errorf("order.fallback_size must not be smaller than order.test_size")
	}
	if cfg.Order.Slippage <= 0 || cfg.Order.Slippage >= 1 {
		return fmt.Errorf("order.slippage must be within (0, 1)")
	}
	if cfg.Order.SellAttempts <= 0 {
		return fmt.Errorf("order.sell_attempts must be greater than 0")
	}
	if cfg.Order.RatePerSecond <= 0 || cfg.Order.RateBurst <= 0 {
		return fmt.Errorf("order.rate_per_second and order.rate_burst must be greater than 0")
	}

	if cfg.Baseline.Enabled {
		if cfg.Baseline.WSURL == "" {
			return fmt.Errorf("baseline.ws_url is required when baseline is enabled")
		}
		if cfg.Baseline.Symbol == "" {
			return fmt.Errorf("baseline.symbol is required when baseline is enabled")
		}
		if cfg.Baseline.Samples <= 0 {
			return fmt.Errorf("baseline.samples must be greater than 0")
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
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
