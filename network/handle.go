package network

import (
	"sync/atomic"
)

// managedConn pairs a transport connection with the pool-side slots the user
// manipulates between checkout and release. Ownership of a managedConn moves
// between a pool's containers; the status and lastUsed fields are only
// touched by whoever currently owns it, so they need no lock of their own.
type managedConn struct {
	conn ConnectionInterface

	// status is nil after IndicateSuccess, errStateUnknown while checked
	// out, or the user-supplied failure.
	status error

	// lastUsed is stamped when the connection is handed to a user and on
	// IndicateUsed.
	lastUsed int64 // factory clock, UnixNano
}

func (mc *managedConn) statusOK() bool {
	return mc.status == nil
}

// ConnResult is the resolution of a Get request: exactly one of Conn or Err
// is set.
type ConnResult struct {
	Conn *ConnectionHandle
	Err  error
}

// ConnectionHandle is a borrowed connection. The user reports the outcome of
// their command via the Indicate methods and must call Release exactly once;
// Release schedules the return on the pool executor, the Go binding of the
// move-only deleter in the original design.
type ConnectionHandle struct {
	pool     *specificPool
	mc       *managedConn
	released atomic.Bool
}

// Connection exposes the underlying transport connection.
func (h *ConnectionHandle) Connection() ConnectionInterface {
	return h.mc.conn
}

// IndicateSuccess records that the last command on this connection
// succeeded, making it eligible to rejoin the ready pool on release.
func (h *ConnectionHandle) IndicateSuccess() {
	if h.released.Load() {
		return
	}
	h.mc.status = nil
}

// IndicateFailure records a command failure; the connection is discarded on
// release.
func (h *ConnectionHandle) IndicateFailure(err error) {
	if h.released.Load() {
		return
	}
	h.mc.status = err
}

// IndicateUsed refreshes the connection's lastUsed stamp, deferring its next
// refresh. Illegal after IndicateFailure.
func (h *ConnectionHandle) IndicateUsed() {
	if h.released.Load() {
		return
	}
	if h.mc.status != nil && h.mc.status != errStateUnknown {
		panic("network: IndicateUsed after IndicateFailure")
	}
	h.mc.lastUsed = h.pool.parent.factory.Now().UnixNano()
}

// Release returns the connection to its pool. Safe to call more than once;
// only the first call has an effect.
func (h *ConnectionHandle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	p, mc := h.pool, h.mc
	p.parent.executor.Schedule(p.guard(func() {
		p.returnConnection(mc)
	}))
}
