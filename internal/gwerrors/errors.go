// Package gwerrors defines the gateway's error taxonomy (spec §7): typed
// errors for transport failures, timeouts, cancellation, upstream-reported
// JSON-RPC errors, protocol violations, and not-found conditions, each
// classifiable with errors.As the way internal/api/errors.go classifies
// NotFoundError in the teacher repo.
package gwerrors

import (
	"errors"
	"fmt"
	"time"
)

// TransportNotRunningError is returned when an operation is attempted
// against a transport that has not been started or has been stopped.
type TransportNotRunningError struct {
	Upstream string
}

func (e *TransportNotRunningError) Error() string {
	return fmt.Sprintf("upstream %s: transport not running", e.Upstream)
}

// TimeoutError is returned when an upstream call exceeds its deadline.
type TimeoutError struct {
	Upstream string
	ToolName string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream %s: tool %q timed out after %s", e.Upstream, e.ToolName, e.Timeout)
}

// UpstreamError wraps a JSON-RPC error returned by an upstream server,
// preserving its code and message for verbatim forwarding.
type UpstreamError struct {
	Upstream string
	Code     int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: error %d: %s", e.Upstream, e.Code, e.Message)
}

// ProtocolError is returned for malformed JSON or JSON-RPC on either the
// upstream or downstream side.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// CancelledError is returned when an in-flight call is cancelled, either by
// upstream shutdown or caller context cancellation.
type CancelledError struct {
	Upstream string
	ToolName string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("upstream %s: tool %q cancelled", e.Upstream, e.ToolName)
}

// ConfigError is returned for invalid configuration: malformed JSON, a
// config with neither command nor url, a bad name, or an unknown transport.
type ConfigError struct {
	Upstream string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Upstream != "" {
		return fmt.Sprintf("config error for %s: %s", e.Upstream, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// NotFoundError covers unknown tool names, resource URIs, upstreams, or
// sessions.
type NotFoundError struct {
	Kind string // "tool", "resource", "upstream", "session"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// UpstreamUnavailableError is returned when a tool/resource resolves to an
// upstream that is not currently Connected.
type UpstreamUnavailableError struct {
	Upstream string
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream %s is not connected", e.Upstream)
}

// InternalError wraps any other unexpected condition.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal error: %v", e.Cause) }
func (e *InternalError) Unwrap() error { return e.Cause }

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var c *CancelledError
	return errors.As(err, &c)
}

// IsUpstreamUnavailable reports whether err is (or wraps) an UpstreamUnavailableError.
func IsUpstreamUnavailable(err error) bool {
	var u *UpstreamUnavailableError
	return errors.As(err, &u)
}

// JSONRPCCode maps an error to the JSON-RPC error code the downstream
// client should see, per spec §7.
func JSONRPCCode(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Code
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return -32601
	}
	return -32603
}
