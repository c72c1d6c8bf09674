// Package errors provides domain-specific error types for oobchan.
//
// The channel client returns every failure to its caller instead of
// swallowing it.  These types carry enough structure (channel name,
// failure kind, retryability) for the caller to decide whether to
// retry, switch channels, or report the problem.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrNotConnected       = errors.New("not connected")
	ErrEmptyChannel       = errors.New("channel name must not be empty")
	ErrSessionClosed      = errors.New("session is closed")
	ErrReadTerminated     = errors.New("reader terminated")
	ErrWriteIO            = errors.New("write failed")
	ErrInvalidDescriptor  = errors.New("invalid file descriptor")
	ErrTunnelClosed       = errors.New("tunnel is closed")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
)

// ── Channel errors ───────────────────────────────────────────────────

// ServiceError reports a failed lookup of the data-proxy service.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ConnectErrorKind tells apart the two ways a connect request fails.
type ConnectErrorKind int

const (
	// ConnectTransport means the transaction itself failed.
	ConnectTransport ConnectErrorKind = iota
	// ConnectInvalidDescriptor means the transaction succeeded but the
	// returned descriptor is unusable.
	ConnectInvalidDescriptor
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTransport:
		return "transport"
	case ConnectInvalidDescriptor:
		return "invalid descriptor"
	default:
		return "unknown"
	}
}

// ConnectError is returned when a channel cannot be connected.
type ConnectError struct {
	Channel string
	Kind    ConnectErrorKind
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect channel %q (%s): %v", e.Channel, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInvalidDescriptor) match descriptor failures
// even when Err carries more detail.
func (e *ConnectError) Is(target error) bool {
	return target == ErrInvalidDescriptor && e.Kind == ConnectInvalidDescriptor
}

// WriteError reports a failed write to the active channel.
type WriteError struct {
	Channel string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("write: %v", e.Err)
	}
	return fmt.Sprintf("write channel %q: %v", e.Channel, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is matches ErrWriteIO.
func (e *WriteError) Is(target error) bool { return target == ErrWriteIO }

// ── Network errors ───────────────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Unavailable returns the error a locator reports for a missing service.
func Unavailable(service string) *ServiceError {
	return &ServiceError{Service: service, Err: ErrServiceUnavailable}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.  Service lookups
// and connect failures are always retryable: the proxy may come up or
// allocate a transport later.  Caller mistakes are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrEmptyChannel), errors.Is(err, ErrSessionClosed):
		return false
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrCircuitOpen):
		return true
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use oobchan/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
