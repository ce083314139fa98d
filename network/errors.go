package network

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pool errors so callers can branch without string
// matching.
type ErrorCode int

const (
	// CodeShutdownInProgress means the pool (or the whole root) is being
	// torn down.
	CodeShutdownInProgress ErrorCode = iota + 1

	// CodePooledConnectionsDropped means an administrative drop invalidated
	// the pool's connections.
	CodePooledConnectionsDropped

	// CodeExceededTimeLimit means a request did not receive a connection
	// within its deadline, or an internal setup/refresh ran past
	// RefreshTimeout.
	CodeExceededTimeLimit

	// CodeConnectionFailed means the transport reported a hard failure.
	CodeConnectionFailed
)

func (c ErrorCode) String() string {
	switch c {
	case CodeShutdownInProgress:
		return "ShutdownInProgress"
	case CodePooledConnectionsDropped:
		return "PooledConnectionsDropped"
	case CodeExceededTimeLimit:
		return "ExceededTimeLimit"
	case CodeConnectionFailed:
		return "ConnectionFailed"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// PoolError is the error type surfaced by pool operations.
type PoolError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *PoolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection pool error during %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("connection pool error during %s: %s", e.Op, e.Code)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

// IsPoolError checks if an error is a pool error.
func IsPoolError(err error) bool {
	var target *PoolError
	return errors.As(err, &target)
}

// CodeOf extracts the ErrorCode from err, or 0 if err is not a PoolError.
func CodeOf(err error) ErrorCode {
	var target *PoolError
	if errors.As(err, &target) {
		return target.Code
	}
	return 0
}

var (
	// ErrPoolShutdown fails pending requests when the pool is torn down.
	ErrPoolShutdown = errors.New("shutting down the connection pool")

	// ErrConnectionsDropped fails pending requests on an administrative drop.
	ErrConnectionsDropped = errors.New("pooled connections dropped")

	// ErrExceededTimeLimit fails a request whose deadline passed before a
	// connection became available.
	ErrExceededTimeLimit = errors.New("couldn't get a connection within the time limit")

	// ErrHostIdleTimeout shuts a pool down after the whole club has been
	// idle for longer than the host timeout.
	ErrHostIdleTimeout = errors.New("connection pool has been idle for longer than the host timeout")

	// errStateUnknown marks a connection's status slot while it is checked
	// out and the user has not yet indicated success or failure.
	errStateUnknown = errors.New("connection is in an unknown state")
)
