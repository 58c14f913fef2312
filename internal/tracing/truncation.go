package tracing

import (
	"strings"
)

const (
	// DefaultMaxLength is the default attribute length cap.
	DefaultMaxLength = 200

	// MaxSQLLength caps recorded SQL statements.
	MaxSQLLength = 500

	// MaxRedisLength caps recorded Redis keys/values.
	MaxRedisLength = 100

	// MaxSnapshotLength caps recorded ranking snapshot content.
	MaxSnapshotLength = 150
)

// maskPIILookup marks attribute keys whose values must be masked. Ranking
// snapshots and candidate records carry applicant PII.
var maskPIILookup = map[string]bool{
	"email":      true,
	"phone":      true,
	"name":       true,
	"first_name": true,
	"last_name":  true,
	"address":    true,
	"birth_date": true,
	"password":   true,
	"secret":     true,
}

// Truncate shortens s to max runes, appending an ellipsis marker when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxLength
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// MaskSensitive replaces the value when the attribute key refers to PII.
func MaskSensitive(key, value string) string {
	if maskPIILookup[strings.ToLower(key)] {
		return "***"
	}
	return value
}

// SafeAttribute truncates then masks a value for span attribute use.
func SafeAttribute(key, value string, max int) string {
	return MaskSensitive(key, Truncate(value, max))
}
