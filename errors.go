package dbmcp

import "fmt"

// ConfigError reports a configuration value that cannot be used. It is
// returned by LoadPolicy, New and LoadServerConfig and is fatal to startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// ValidationError is a request rejected before any database call: a
// forbidden verb, a dangerous pattern, a table that is not permitted or an
// unsafe identifier.
type ValidationError struct {
	Reason string
	// Tag is a short machine-readable cause used for metrics.
	Tag string
}

func (e *ValidationError) Error() string { return e.Reason }

func rejected(tag, format string, args ...any) *ValidationError {
	return &ValidationError{Tag: tag, Reason: fmt.Sprintf(format, args...)}
}

// DatabaseError wraps a collaborator failure. Message has already been
// redacted; Err keeps the original for errors.Is and errors.As.
type DatabaseError struct {
	Operation string
	Message   string
	Err       error
}

func (e *DatabaseError) Error() string { return e.Message }

func (e *DatabaseError) Unwrap() error { return e.Err }
