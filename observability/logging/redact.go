package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces escrow references and other values that must not
// reach the log sink.
const RedactedValue = "[REDACTED]"

// plainKeys may be logged verbatim. Anything else passed through MaskField is
// replaced with RedactedValue.
var plainKeys = map[string]bool{
	"deal_id":   true,
	"batch_id":  true,
	"role":      true,
	"status":    true,
	"operation": true,
	"component": true,
	"reason":    true,
	"error":     true,
}

// MaskField builds an attribute for key, hiding value unless key is one of the
// plain deal keys. Empty values are kept so missing data stays visible.
func MaskField(key, value string) slog.Attr {
	if value == "" || strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if plainKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// ShortIdentity abbreviates a wallet address to its prefix and last four hex
// digits.
func ShortIdentity(identity string) string {
	identity = strings.TrimSpace(identity)
	if len(identity) <= 12 {
		return identity
	}
	return identity[:6] + "…" + identity[len(identity)-4:]
}
