package config

import (
	"errors"
	"fmt"
	"strings"
)

// MaxSignatureTimeoutHours bounds the per-deal signature window.
const MaxSignatureTimeoutHours = 24 * 90

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, fmt.Errorf("listen: address required"))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, fmt.Errorf("database: dsn required"))
	}
	if h := c.Deals.SignatureTimeoutHours; h <= 0 || h > MaxSignatureTimeoutHours {
		errs = append(errs, fmt.Errorf("deals: signature_timeout_hours must be within 1..%d", MaxSignatureTimeoutHours))
	}
	if r := c.Deals.PlatformFeeRate; r < 0 || r >= 1 {
		errs = append(errs, fmt.Errorf("deals: platform_fee_rate must be within [0,1)"))
	}
	if c.Deals.MaxConflictRetries < 0 {
		errs = append(errs, fmt.Errorf("deals: max_conflict_retries must not be negative"))
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("sweeper: interval must be positive"))
	}
	if c.Pricing.RatePerKm < 0 || c.Pricing.BaseFee < 0 {
		errs = append(errs, fmt.Errorf("pricing: rate_per_km and base_fee must not be negative"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka: brokers required when enabled"))
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			errs = append(errs, fmt.Errorf("kafka: topic required when enabled"))
		}
	}
	if !c.Auth.DevHeader && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("auth: jwt_secret required unless dev_header is enabled"))
	}
	if c.Auth.DevHeader && c.Production() {
		errs = append(errs, fmt.Errorf("auth: dev_header must not be enabled in production"))
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("ratelimit: values must not be negative"))
	}
	if c.Display.Rate <= 0 {
		errs = append(errs, fmt.Errorf("display: rate must be positive"))
	}
	return errors.Join(errs...)
}
