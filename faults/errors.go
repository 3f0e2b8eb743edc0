package faults

import (
	"errors"
	"fmt"
)

// ErrShutdown marks failures raised while the process is terminating.
// Errors wrapping it always classify as critical.
var ErrShutdown = errors.New("shutting down")

// Typed error kinds carried across pipeline boundaries. Wrapping one of
// these decides the category directly; anything else falls through the
// generic classification in Categorize.

// ProtocolError indicates a malformed or unsupported protocol interaction.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string { return prefixed("protocol", e.Msg, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// SecurityError indicates an authentication or authorization failure.
type SecurityError struct {
	Msg string
	Err error
}

func (e *SecurityError) Error() string { return prefixed("security", e.Msg, e.Err) }
func (e *SecurityError) Unwrap() error { return e.Err }

// ModelError indicates an AI model loading or inference failure.
type ModelError struct {
	Msg string
	Err error
}

func (e *ModelError) Error() string { return prefixed("ai model", e.Msg, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// NetworkError indicates a connection or transfer failure.
type NetworkError struct {
	Msg string
	Err error
}

func (e *NetworkError) Error() string { return prefixed("network", e.Msg, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ConfigError indicates bad or missing configuration.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string { return prefixed("configuration", e.Msg, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// ResourceError indicates memory or OS-level resource exhaustion.
type ResourceError struct {
	Msg string
	Err error
}

func (e *ResourceError) Error() string { return prefixed("resource", e.Msg, e.Err) }
func (e *ResourceError) Unwrap() error { return e.Err }

// ValidationError indicates bad caller-supplied arguments.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string { return prefixed("invalid input", e.Msg, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

func prefixed(kind, msg string, err error) string {
	if err != nil {
		if msg != "" {
			return fmt.Sprintf("%s: %s: %v", kind, msg, err)
		}
		return fmt.Sprintf("%s: %v", kind, err)
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}
