package types

import "log/slog"

const redacted = "***REDACTED***"

// SecretString holds a credential (a database URL with a password, a
// signed endpoint) that must not reach logs or JSON output. Use Unmask
// where the raw value is required.
type SecretString string

// String returns a redacted placeholder.
func (s SecretString) String() string { return redacted }

// LogValue redacts the secret in slog records.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Unmask returns the raw value.
func (s SecretString) Unmask() string { return string(s) }

// IsSet reports whether a value was configured.
func (s SecretString) IsSet() bool { return s != "" }
