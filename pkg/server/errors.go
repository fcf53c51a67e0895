package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds the server reports.
var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// server's current state.
	ErrInvalidState = errors.New("server: invalid state")

	// ErrBind is returned when the listening socket cannot be bound.
	ErrBind = errors.New("server: bind failed")

	// ErrTLSEngine is returned when the TLS configuration cannot be built.
	ErrTLSEngine = errors.New("server: tls engine failure")

	// ErrProtocolViolation is returned when a peer breaks a protocol precondition.
	ErrProtocolViolation = errors.New("server: protocol violation")

	// ErrHandshake is returned when a WebSocket handshake is rejected.
	ErrHandshake = errors.New("server: websocket handshake failed")

	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrNotConnected is returned when writing to a WebSocket before it is accepted.
	ErrNotConnected = errors.New("server: websocket not connected")
)

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	Op    string
	State State
	Msg   string
}

// Error returns the error message.
func (e *StateError) Error() string {
	return fmt.Sprintf("server: %s: %s (state %s)", e.Op, e.Msg, e.State)
}

// Unwrap returns ErrInvalidState.
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

func newStateError(op string, state State, msg string) *StateError {
	return &StateError{Op: op, State: state, Msg: msg}
}

// BindError wraps a listen failure with the endpoint it was for.
type BindError struct {
	ID  ServerID
	Err error
}

// Error returns the error message.
func (e *BindError) Error() string {
	return fmt.Sprintf("server: bind %s: %v", e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *BindError) Unwrap() error {
	return e.Err
}

// Is matches ErrBind.
func (e *BindError) Is(target error) bool {
	return target == ErrBind
}

// ProtocolError describes a request the server answered with an error status.
type ProtocolError struct {
	Status  int
	Message string
}

// Error returns the error message.
func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server: protocol violation: status %d", e.Status)
	}
	return fmt.Sprintf("server: protocol violation: status %d: %s", e.Status, e.Message)
}

// Unwrap returns ErrProtocolViolation.
func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// HandshakeError wraps a WebSocket handshake failure.
type HandshakeError struct {
	URI string
	Err error
}

// Error returns the error message.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("server: websocket handshake %s: %v", e.URI, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Is matches ErrHandshake.
func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshake
}

// ConnectionError wraps an unhandled failure on one connection.
type ConnectionError struct {
	Remote string
	Op     string
	Err    error
}

// Error returns the error message.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server: connection %s: %s: %v", e.Remote, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
