package sports

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthExpired means the platform rejected the session cookie/token.
	// Callers should re-login, not retry the same request.
	ErrAuthExpired = errors.New("session expired")

	// ErrRateLimited is the platform's request-frequency signal. Callers
	// rotate to another account instead of retrying locally.
	ErrRateLimited = errors.New("rate limited")

	// ErrSlotGone means the sign was rejected or the slot was consumed.
	// Callers re-poll for a fresh slot; retrying the same sign is useless.
	ErrSlotGone = errors.New("slot gone")

	// ErrCaptchaRequired surfaces after the captcha solver exhausted its
	// retry budget.
	ErrCaptchaRequired = errors.New("captcha required")
)

// TransportError wraps network-level failures so callers can tell them apart
// from platform-level rejections.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ConfigError is fatal for a job: missing or invalid static configuration
// (public key, malformed target). Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration: " + e.Reason }

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ParseError is raised when an upstream slot record is missing fields the
// booking flow depends on. The parse boundary fails closed rather than
// defaulting.
type ParseError struct {
	Context string
	Missing []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: missing %s", e.Context, strings.Join(e.Missing, ", "))
}
