// Package apperr defines the error taxonomy surfaced by the session engine.
//
// Every failure that reaches the host carries a stable Code so the UI can
// pick actionable messaging ("reconnect" vs "grant microphone permission")
// without parsing error strings.
package apperr

import (
	"errors"
	"fmt"
	"net"
)

// Code is a stable, host-visible error classification.
type Code string

const (
	CodeAuth               Code = "auth_error"
	CodeNetwork            Code = "network_error"
	CodeConnection         Code = "connection_error"
	CodeProtocol           Code = "protocol_error"
	CodeDevice             Code = "device_error"
	CodeTimeout            Code = "timeout"
	CodeServer             Code = "server_error"
	CodeReconnectExhausted Code = "reconnect_exhausted"
	CodeInternal           Code = "internal_error"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrSessionActive    = errors.New("a session is already active")
	ErrSessionEnded     = errors.New("session has ended")
	ErrNotActive        = errors.New("no active session")
	ErrAudioDropped     = errors.New("audio chunk dropped")
	ErrChannelClosed    = errors.New("channel is closed")
	ErrHeartbeatTimeout = errors.New("no pong within heartbeat timeout")
	ErrEmptyText        = errors.New("text must not be empty")
)

// Error is a classified failure.
type Error struct {
	Code      Code
	Op        string // operation: "dial", "read", "write", "open", "decode", ...
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// New creates a classified error. Network and connection errors are
// retryable unless the caller says otherwise via the returned value.
func New(code Code, op string, err error) *Error {
	return &Error{
		Code:      code,
		Op:        op,
		Err:       err,
		Retryable: code == CodeNetwork || code == CodeConnection || code == CodeTimeout,
	}
}

func Auth(op string, err error) *Error     { return New(CodeAuth, op, err) }
func Network(op string, err error) *Error  { return New(CodeNetwork, op, err) }
func Protocol(op string, err error) *Error { return New(CodeProtocol, op, err) }
func Device(op string, err error) *Error   { return New(CodeDevice, op, err) }
func Timeout(op string, err error) *Error  { return New(CodeTimeout, op, err) }

// Connection wraps a start-up failure; auth failures keep their own code
// because they must never be presented as "try again".
func Connection(op string, err error) *Error {
	if CodeOf(err) == CodeAuth {
		return Auth(op, err)
	}
	return New(CodeConnection, op, err)
}

// Server represents an `error` envelope sent by the remote endpoint.
func Server(code, message string) *Error {
	c := CodeServer
	if code == string(CodeAuth) {
		c = CodeAuth
	}
	return &Error{Code: c, Op: "remote", Err: fmt.Errorf("%s: %s", code, message)}
}

// ReconnectExhausted carries the explicit loss notice: how many queued
// outbound envelopes were discarded when the retry budget ran out.
func ReconnectExhausted(discarded int, err error) *Error {
	return &Error{
		Code: CodeReconnectExhausted,
		Op:   "reconnect",
		Err:  fmt.Errorf("gave up, %d unsent envelope(s) discarded: %w", discarded, err),
	}
}

// ── Classification helpers ───────────────────────────────────────────

// CodeOf returns the outermost classification of err, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeNetwork
	}
	return CodeInternal
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsFatal reports whether err must end the session without recovery.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeAuth, CodeDevice, CodeReconnectExhausted:
		return true
	}
	return false
}
