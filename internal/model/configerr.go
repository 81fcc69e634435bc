package model

import (
	"errors"
	"log/slog"
)

// Error codes carried by ConfigError.
const (
	CodeMissingRequired = "missing_required"
	CodeTypeMismatch    = "type_mismatch"
	CodeInvalidEnum     = "invalid_enum"
	CodeNotAFile        = "not_a_file"
)

// ConfigError describes one invalid configuration key.
type ConfigError struct {
	Key     string // DRONE_PORT
	Code    string // missing_required | type_mismatch | invalid_enum | not_a_file
	Message string
}

func (e *ConfigError) Error() string {
	return e.Key + ": " + e.Message
}

func (e *ConfigError) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", e.Code),
		slog.String("key", e.Key),
		slog.String("message", e.Message),
	)
}

// ConfigErrors flattens an error returned by ParseConfig into the individual
// key problems, in the order they were detected.
func ConfigErrors(err error) []*ConfigError {
	if err == nil {
		return nil
	}
	var out []*ConfigError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, ConfigErrors(e)...)
		}
		return out
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		out = append(out, ce)
	}
	return out
}
