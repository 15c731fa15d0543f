package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned before any I/O when the connection is not up.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrTimeout is returned when no acknowledgment arrives in time.
	ErrTimeout = errors.New("realtime: acknowledgment timeout")
	// ErrConnectionLost is returned when the connection drops while a call is pending.
	ErrConnectionLost = errors.New("realtime: connection lost")
	// ErrServerRejected matches every *ServerRejectedError.
	ErrServerRejected = errors.New("realtime: rejected by server")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: manager closed")
	// ErrReconnectExhausted marks the terminal Disconnected transition.
	ErrReconnectExhausted = errors.New("realtime: reconnection attempts exhausted")
)

// ServerRejectedError carries the reason from a failed acknowledgment verbatim.
type ServerRejectedError struct {
	Reason string
}

func (e *ServerRejectedError) Error() string { return e.Reason }

func (e *ServerRejectedError) Is(target error) bool { return target == ErrServerRejected }

// ConnectionError describes a failed dial/handshake or a dropped connection.
// It is only ever reported through events, never returned from Connect.
type ConnectionError struct {
	Attempt   int
	Transport string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Transport == "" {
		return fmt.Sprintf("realtime: connection attempt %d: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("realtime: connection attempt %d via %s: %v", e.Attempt, e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
