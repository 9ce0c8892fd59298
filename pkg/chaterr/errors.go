// Package chaterr defines the error taxonomy shared by the chat core.
package chaterr

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError.
func Configf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a user-supplied value that was rejected and
// replaced. It is informational: callers turn it into a notice.
type ValidationError struct {
	Field     string
	Value     string
	Corrected string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q, using %q", e.Field, e.Value, e.Corrected)
}

type GatewayKind string

const (
	KindTimeout     GatewayKind = "timeout"
	KindAuthFailure GatewayKind = "auth_failure"
	KindRateLimited GatewayKind = "rate_limited"
	KindUnknown     GatewayKind = "unknown"
)

// GatewayError is a failed completion call. Message is always sanitized.
type GatewayError struct {
	Kind     GatewayKind
	Provider string
	Message  string
	cause    error
}

func NewGatewayError(kind GatewayKind, provider, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Provider: provider, Message: Sanitize(message), cause: cause}
}

func (e *GatewayError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway %s (%s): %s", e.Kind, e.Provider, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// Retryable reports whether a later attempt may succeed.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindRateLimited
}

// GatewayKindOf returns the kind of a GatewayError anywhere in err's chain,
// or "" when err is not a gateway failure.
func GatewayKindOf(err error) GatewayKind {
	var gw *GatewayError
	if errors.As(err, &gw) {
		return gw.Kind
	}
	return ""
}

// StorageError wraps a persistence failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError. A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// UserMessage is the text shown to an end user for err. It never includes
// internal detail.
func UserMessage(err error) string {
	switch GatewayKindOf(err) {
	case KindTimeout:
		return "The model took too long to respond. Please try again."
	case KindRateLimited:
		return "The model is busy right now. Please try again in a moment."
	case KindAuthFailure, KindUnknown:
		return "Sorry, I couldn't get a response from the model. Please try again later."
	}
	if IsStorage(err) {
		return "Sorry, something went wrong saving your conversation. Please try again."
	}
	return "Sorry, something went wrong. Please try again."
}

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
