package config

// DatabaseConfig selects the persistence backend. A DSN starting with
// postgres:// or postgresql:// opens PostgreSQL; anything else is treated as a
// SQLite file path.
type DatabaseConfig struct {
	DSN          string   `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxIdle  Duration `yaml:"conn_max_idle" toml:"conn_max_idle"`
}

// DealsConfig holds the lifecycle knobs applied by the coordinator.
type DealsConfig struct {
	SignatureTimeoutHours int      `yaml:"signature_timeout_hours" toml:"signature_timeout_hours"`
	PlatformFeeRate       float64  `yaml:"platform_fee_rate" toml:"platform_fee_rate"`
	PayoutStallThreshold  Duration `yaml:"payout_stall_threshold" toml:"payout_stall_threshold"`
	MaxConflictRetries    int      `yaml:"max_conflict_retries" toml:"max_conflict_retries"`
}

// SweeperConfig controls the periodic timeout sweep.
type SweeperConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// PricingConfig configures the freight quote oracle.
type PricingConfig struct {
	Endpoint  string   `yaml:"endpoint" toml:"endpoint"`
	APIKey    string   `yaml:"api_key" toml:"api_key"`
	RatePerKm float64  `yaml:"rate_per_km" toml:"rate_per_km"`
	BaseFee   float64  `yaml:"base_fee" toml:"base_fee"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// KafkaConfig configures lifecycle notifications.
type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Brokers   []string `yaml:"brokers" toml:"brokers"`
	Topic     string   `yaml:"topic" toml:"topic"`
	QueueSize int      `yaml:"queue_size" toml:"queue_size"`
}

// AuthConfig configures how the acting party identity is established.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	// DevHeader accepts X-Party-Identity without a token. Never enable outside
	// local development.
	DevHeader bool `yaml:"dev_header" toml:"dev_header"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// DisplayConfig is the pass-through display currency.
type DisplayConfig struct {
	Currency string  `yaml:"currency" toml:"currency"`
	Rate     float64 `yaml:"rate" toml:"rate"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}
