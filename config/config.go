package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	EnvDatabaseDSN = "FARMTRADE_DATABASE_DSN"
	EnvJWTSecret   = "FARMTRADE_JWT_SECRET"
	EnvEnvironment = "FARMTRADE_ENV"
)

// Duration wraps time.Duration so configuration files can use human readable
// values such as "90s" or "24h" in both YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for dealsd.
type Config struct {
	Environment string          `yaml:"environment" toml:"environment"`
	Listen      string          `yaml:"listen" toml:"listen"`
	Database    DatabaseConfig  `yaml:"database" toml:"database"`
	Deals       DealsConfig     `yaml:"deals" toml:"deals"`
	Sweeper     SweeperConfig   `yaml:"sweeper" toml:"sweeper"`
	Pricing     PricingConfig   `yaml:"pricing" toml:"pricing"`
	Kafka       KafkaConfig     `yaml:"kafka" toml:"kafka"`
	Auth        AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit   RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Display     DisplayConfig   `yaml:"display" toml:"display"`
	Logging     LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML. An empty path yields the defaults. Environment
// overrides are applied before validation.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
		return nil
	default:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvDatabaseDSN)); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvJWTSecret)); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(getenv(EnvEnvironment)); v != "" {
		cfg.Environment = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8085"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "farmtrade.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxIdle.Duration == 0 {
		cfg.Database.ConnMaxIdle.Duration = 5 * time.Minute
	}
	if cfg.Deals.SignatureTimeoutHours == 0 {
		cfg.Deals.SignatureTimeoutHours = 24
	}
	if cfg.Deals.PlatformFeeRate == 0 {
		cfg.Deals.PlatformFeeRate = 0.03
	}
	if cfg.Deals.PayoutStallThreshold.Duration == 0 {
		cfg.Deals.PayoutStallThreshold.Duration = 72 * time.Hour
	}
	if cfg.Deals.MaxConflictRetries == 0 {
		cfg.Deals.MaxConflictRetries = 3
	}
	if cfg.Sweeper.Interval.Duration == 0 {
		cfg.Sweeper.Interval.Duration = time.Minute
	}
	if cfg.Pricing.RatePerKm == 0 {
		cfg.Pricing.RatePerKm = 1500
	}
	if cfg.Pricing.Timeout.Duration == 0 {
		cfg.Pricing.Timeout.Duration = 5 * time.Second
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "farmtrade.deal-events"
	}
	if cfg.Kafka.QueueSize == 0 {
		cfg.Kafka.QueueSize = 1024
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "farmtrade"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Display.Currency == "" {
		cfg.Display.Currency = "USD"
	}
	if cfg.Display.Rate == 0 {
		cfg.Display.Rate = 1.0 / 3700.0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 7
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

// IsPostgres reports whether the DSN selects the PostgreSQL driver.
func (d DatabaseConfig) IsPostgres() bool {
	dsn := strings.ToLower(strings.TrimSpace(d.DSN))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Production reports whether the environment name denotes a production deployment.
func (c Config) Production() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "prod", "production":
		return true
	default:
		return false
	}
}
