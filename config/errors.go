package config

import "fmt"

// ConfigError reports a configuration value that could not be accepted.
// It is fatal to the Configure call only; the previous configuration stays
// in effect.
type ConfigError struct {
	Field string // dotted key, e.g. "http.timeout"
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config: %s=%v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func fieldError(field string, value any, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: fmt.Errorf(format, args...)}
}
