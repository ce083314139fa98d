package network

import (
	"container/list"
	"time"

	"github.com/ferritedb/egresspool/logger"
)

// poolState tracks the lifecycle of a specificPool.
//
// The pool begins running. It moves to idle when no requests are pending and
// no connections are checked out, to hostTimedOut once the host timeout
// passes, and to inShutdown when the whole club has timed out or the root
// pool is torn down. Any new request moves the pool back to running and
// restarts all timers.
type poolState int

const (
	statePoolRunning poolState = iota
	statePoolIdle
	statePoolHostTimedOut
	statePoolInShutdown
)

func (s poolState) String() string {
	switch s {
	case statePoolRunning:
		return "running"
	case statePoolIdle:
		return "idle"
	case statePoolHostTimedOut:
		return "hostTimedOut"
	case statePoolInShutdown:
		return "inShutdown"
	}
	return "unknown"
}

// specificPool holds all state for one (host, ssl mode) pair. Pools come
// into existence the first time a host is requested or named in a config,
// and go out of existence once every pool in their club has sat idle past
// hostTimeout, or when the root pool shuts down.
//
// Every field is protected by the parent ConnectionPool's mutex. Methods
// documented as "unlock methods" release and reacquire that mutex around
// transport calls and promise fulfilment.
type specificPool struct {
	parent *ConnectionPool

	hostAndPort string
	sslMode     SSLMode
	controller  *poolClub

	// ready holds idle validated connections, most recently used at the
	// front. readyIndex maps a connection to its list element for O(1)
	// removal when its refresh timer fires.
	ready      *list.List // of *managedConn
	readyIndex map[ConnectionInterface]*list.Element

	processing        map[ConnectionInterface]*managedConn
	droppedProcessing map[ConnectionInterface]*managedConn
	checkedOut        map[ConnectionInterface]*managedConn

	requests requestQueue

	requestTimer           TimerInterface
	requestTimerExpiration time.Time // zero when unarmed

	activeClients int
	generation    uint64
	created       uint64

	tags TagMask

	state poolState
}

func newSpecificPool(parent *ConnectionPool, hostAndPort string) *specificPool {
	return &specificPool{
		parent:            parent,
		hostAndPort:       hostAndPort,
		ready:             list.New(),
		readyIndex:        make(map[ConnectionInterface]*list.Element),
		processing:        make(map[ConnectionInterface]*managedConn),
		droppedProcessing: make(map[ConnectionInterface]*managedConn),
		checkedOut:        make(map[ConnectionInterface]*managedConn),
		requestTimer:      parent.factory.MakeTimer(),
		tags:              TagPending,
		state:             statePoolRunning,
	}
}

// guard wraps a function that re-enters the pool from the executor or a
// timer. The wrapper takes the parent lock and brackets activeClients across
// the body; the presence of a pending guard keeps the pool from delisting
// out from under the callback. State is re-checked when the bracket closes
// so a draining pool delists as soon as its last callback finishes.
func (p *specificPool) guard(fn func()) func() {
	return func() {
		p.parent.mu.Lock()
		p.activeClients++
		defer func() {
			p.activeClients--
			p.updateStateInLock()
			p.parent.mu.Unlock()
		}()

		fn()
	}
}

// guardCallback is guard for transport completion callbacks.
func (p *specificPool) guardCallback(fn func(ConnectionInterface, error)) ConnectionCallback {
	return func(conn ConnectionInterface, err error) {
		p.guard(func() { fn(conn, err) })()
	}
}

func (p *specificPool) inUseConnections() int      { return len(p.checkedOut) }
func (p *specificPool) availableConnections() int  { return p.ready.Len() }
func (p *specificPool) refreshingConnections() int { return len(p.processing) }
func (p *specificPool) createdConnections() int    { return int(p.created) }

func (p *specificPool) openConnections() int {
	return len(p.checkedOut) + p.ready.Len() + len(p.processing)
}

func (p *specificPool) matchesTags(tags TagMask) bool {
	return p.tags&tags != 0
}

func (p *specificPool) mutateTags(fn func(TagMask) TagMask) {
	p.tags = fn(p.tags)
}

// assertSSLMode panics when the desired mode differs from the pinned one.
// Mixing ssl modes for a single host is not supported.
func (p *specificPool) assertSSLMode(desired SSLMode) {
	if desired != p.sslMode {
		logger.Error("mixing ssl modes for a single host is not supported",
			"host", p.hostAndPort, "pinned", p.sslMode, "requested", desired)
		panic("network: mixing ssl modes for a single host is not supported")
	}
}

// setOrCheckSSLMode pins the mode on first use and asserts it afterwards.
func (p *specificPool) setOrCheckSSLMode(desired SSLMode) {
	if p.created == 0 {
		p.sslMode = desired
		return
	}
	p.assertSSLMode(desired)
}

// getConnection hands out a ready connection immediately when one is
// available; otherwise it queues a request and kicks off spawning. Unlock
// method.
func (p *specificPool) getConnection(timeout time.Duration) <-chan ConnResult {
	if p.state == statePoolInShutdown {
		panic("network: Get on a pool that is shutting down")
	}

	result := make(chan ConnResult, 1)

	if h := p.tryGetInternal(); h != nil {
		// Re-run the state update so an idle pool serving from ready moves
		// back to running and disarms its host timer.
		p.updateStateInLock()
		result <- ConnResult{Conn: h}
		return result
	}

	// No connection ready: queue the request, then get some connections
	// spawning while the caller waits on the future.
	refreshTimeout := p.parent.opts.RefreshTimeout()
	if timeout < 0 || timeout > refreshTimeout {
		timeout = refreshTimeout
	}
	expiration := p.parent.factory.Now().Add(timeout)

	req := p.requests.push(expiration)

	p.updateStateInLock()

	p.parent.mu.Unlock()
	p.parent.executor.Schedule(p.guard(p.spawnConnections))
	p.parent.mu.Lock()

	return req.result
}

// tryGetConnection returns a ready connection only when no requests are
// queued, preserving deadline fairness for the waiters.
func (p *specificPool) tryGetConnection() *ConnectionHandle {
	if p.state == statePoolInShutdown {
		panic("network: TryGet on a pool that is shutting down")
	}

	if p.requests.Len() > 0 {
		return nil
	}

	h := p.tryGetInternal()
	p.updateStateInLock()
	return h
}

// tryGetInternal scans the ready pool most-recently-used first, discarding
// unhealthy connections, and checks out the first healthy one.
func (p *specificPool) tryGetInternal() *ConnectionHandle {
	for p.ready.Len() > 0 {
		front := p.ready.Front()
		mc := front.Value.(*managedConn)
		p.ready.Remove(front)
		delete(p.readyIndex, mc.conn)
		mc.conn.CancelTimeout()

		if !mc.conn.IsHealthy() {
			logger.Info("dropping unhealthy pooled connection",
				"host", p.hostAndPort, "conn", mc.conn.ID())
			p.dropConn(mc)
			continue
		}

		p.checkedOut[mc.conn] = mc
		mc.status = errStateUnknown
		mc.lastUsed = p.parent.factory.Now().UnixNano()
		return &ConnectionHandle{pool: p, mc: mc}
	}

	return nil
}

// dropConn discards a connection the pool owns no container slot for.
func (p *specificPool) dropConn(mc *managedConn) {
	mc.conn.CancelTimeout()
	if err := mc.conn.Close(); err != nil {
		logger.Debug("error closing pooled connection",
			"host", p.hostAndPort, "conn", mc.conn.ID(), "error", err)
	}
}

// returnConnection is invoked from the executor when a handle is released,
// and internally when a ready connection's refresh timer fires. Unlock
// method.
func (p *specificPool) returnConnection(mc *managedConn) {
	needsRefreshAt := time.Unix(0, mc.lastUsed).Add(p.parent.opts.RefreshRequirement())

	if _, ok := p.checkedOut[mc.conn]; !ok {
		panic("network: connection returned that was never checked out")
	}
	delete(p.checkedOut, mc.conn)

	p.updateStateInLock()

	if mc.conn.Generation() != p.generation {
		// The connection is from an older generation: just drop it.
		p.dropConn(mc)
		return
	}

	if !mc.statusOK() {
		logger.Info("ending connection due to bad connection status",
			"host", p.hostAndPort, "conn", mc.conn.ID(),
			"status", mc.status, "open", p.openConnections())
		p.dropConn(mc)
		return
	}

	now := p.parent.factory.Now()
	if !needsRefreshAt.After(now) {
		// The connection sat unused past the refresh requirement.

		if p.openConnections() >= p.controller.minConns {
			// The pool meets constraints without it; let it lapse.
			logger.Info("ending idle connection because the pool meets constraints",
				"host", p.hostAndPort, "conn", mc.conn.ID(), "open", p.openConnections())
			p.dropConn(mc)
			return
		}

		p.processing[mc.conn] = mc

		// Unlock in case refresh can complete immediately.
		p.parent.mu.Unlock()
		mc.conn.Refresh(p.parent.opts.RefreshTimeout(), p.guardCallback(p.finishRefresh))
		p.parent.mu.Lock()
	} else {
		p.addToReady(mc)
	}

	p.updateStateInLock()
}

// addToReady inserts a live connection as the most recently used entry and
// arms its refresh-due timer. When the timer fires the connection is checked
// out internally and pushed straight back through returnConnection, which
// forces the refresh branch exactly once. Unlock method (via
// fulfillRequests).
func (p *specificPool) addToReady(mc *managedConn) {
	conn := mc.conn
	p.readyIndex[conn] = p.ready.PushFront(mc)

	conn.SetTimeout(p.parent.opts.RefreshRequirement(), p.guard(func() {
		elem, ok := p.readyIndex[conn]
		if !ok {
			// Already checked out; no refresh needed.
			return
		}
		if p.state == statePoolInShutdown {
			return
		}

		p.ready.Remove(elem)
		delete(p.readyIndex, conn)

		p.checkedOut[conn] = mc
		mc.status = nil

		p.returnConnection(mc)
	}))

	p.fulfillRequests()
}

// triggerShutdown marks the pool for teardown and tanks existing connections
// and requests. The pool delists once processing drains and the last guarded
// callback finishes. Unlock method.
func (p *specificPool) triggerShutdown(cause error) {
	p.state = statePoolInShutdown
	for conn, mc := range p.droppedProcessing {
		p.dropConn(mc)
		delete(p.droppedProcessing, conn)
	}
	p.processFailure(cause)
}

// processFailure cascades a failure across existing connections and pending
// requests: the generation is bumped so checked-out connections drop on
// return, pooled connections are discarded, and every pending request is
// failed with cause. Unlock method.
func (p *specificPool) processFailure(cause error) {
	// Bump the generation so we don't reuse any pending or checked out
	// connections.
	p.generation++

	if p.ready.Len() > 0 || len(p.processing) > 0 {
		logger.Info("dropping all pooled connections",
			"host", p.hostAndPort, "cause", cause)
	}

	for e := p.ready.Front(); e != nil; e = e.Next() {
		p.dropConn(e.Value.(*managedConn))
	}
	p.ready.Init()
	clear(p.readyIndex)

	// Keep in-flight setup/refresh callbacks reachable unless we're
	// shutting down for good.
	for conn, mc := range p.processing {
		if p.state != statePoolInShutdown {
			p.droppedProcessing[conn] = mc
		} else {
			p.dropConn(mc)
		}
		delete(p.processing, conn)
	}

	// Detach the requests so they aren't visible to other callers while
	// the lock is dropped.
	toFail := p.requests.takeAll()

	p.updateStateInLock()

	p.parent.mu.Unlock()
	for _, req := range toFail {
		req.result <- ConnResult{Err: cause}
	}
	p.parent.mu.Lock()
}

// fulfillRequests pairs ready connections with pending requests in
// earliest-deadline order, then lets the whole club react to the new
// checkout counts. Unlock method.
func (p *specificPool) fulfillRequests() {
	for p.requests.Len() > 0 {
		h := p.tryGetInternal()
		if h == nil {
			break
		}

		req := p.requests.pop()

		p.parent.mu.Unlock()
		req.result <- ConnResult{Conn: h}
		p.parent.mu.Lock()

		p.updateStateInLock()
	}

	// One pool's checkouts can raise the whole club's minimum; make sure
	// every sibling gets a chance to spawn toward the new target.
	p.updateController()

	for _, pool := range p.controller.members() {
		pool.spawnConnections()
	}
}

// finishRefresh completes a setup or refresh. Unlock method (via addToReady
// and processFailure).
func (p *specificPool) finishRefresh(conn ConnectionInterface, cause error) {
	mc := p.takeFromProcessing(conn)

	// If we're in shutdown, we don't need refreshed connections.
	if p.state == statePoolInShutdown {
		if mc != nil {
			p.dropConn(mc)
		}
		return
	}
	if mc == nil {
		return
	}

	respawn := true
	defer func() {
		if respawn {
			p.spawnConnections()
		}
	}()

	if cause == nil {
		// If the host and port were dropped mid-operation, let this
		// connection lapse.
		if mc.conn.Generation() != p.generation {
			p.dropConn(mc)
			return
		}

		respawn = false
		p.addToReady(mc)
		return
	}

	p.dropConn(mc)

	// A setup or refresh that ran past its time limit starts a new connect
	// rather than failing all operations: the callers have their own
	// deadlines, unrelated to our internal one.
	if CodeOf(cause) == CodeExceededTimeLimit {
		logger.Info("pending connection did not complete within the timeout, retrying",
			"host", p.hostAndPort, "conn", conn.ID(), "open", p.openConnections())
		return
	}

	respawn = false
	p.processFailure(cause)
}

// spawnConnections creates enough connections to satisfy open requests and
// the club minimum, honoring maxConnections and maxConnecting. Unlock
// method.
func (p *specificPool) spawnConnections() {
	target := func() int {
		demand := p.requests.Len() + len(p.checkedOut)
		if maxConns := p.parent.opts.MaxConnections(); demand > maxConns {
			demand = maxConns
		}
		if minConns := p.controller.minConns; demand < minConns {
			demand = minConns
		}
		return demand
	}

	for p.state != statePoolInShutdown &&
		p.openConnections() < target() &&
		len(p.processing) < p.parent.opts.MaxConnecting() {

		if p.ready.Len() == 0 && len(p.processing) == 0 {
			logger.Info("connecting", "host", p.hostAndPort, "sslMode", p.sslMode)
		}

		conn, err := p.parent.factory.MakeConnection(p.hostAndPort, p.sslMode, p.generation)
		if err != nil {
			logger.Error("failed to construct a new connection object",
				"host", p.hostAndPort, "error", err)
			panic("network: failed to construct a new connection object: " + err.Error())
		}

		mc := &managedConn{
			conn:     conn,
			lastUsed: p.parent.factory.Now().UnixNano(),
		}
		p.processing[conn] = mc
		p.created++

		// Run the setup outside the lock; the refresh timeout bounds setup
		// as well.
		generation := p.generation
		p.parent.mu.Unlock()
		conn.Setup(p.parent.opts.RefreshTimeout(), p.guardCallback(p.finishRefresh))
		p.parent.mu.Lock()

		// A failure cascade ran while the lock was dropped (a setup that
		// failed synchronously, or a drop); stop instead of redialing in a
		// tight loop. The next request spawns again.
		if p.generation != generation {
			return
		}
	}
}

// checkShutdown tears the whole club down once every member has sat idle
// past the host timeout. A single quiet pool is never destroyed while a
// sibling still serves traffic that might route to it next.
func (p *specificPool) checkShutdown() {
	members := p.controller.members()
	for _, pool := range members {
		if pool.state != statePoolHostTimedOut {
			return
		}
	}

	for _, pool := range members {
		pool.triggerShutdown(&PoolError{
			Code: CodeExceededTimeLimit,
			Op:   "hostTimeout",
			Err:  ErrHostIdleTimeout,
		})
	}
}

// takeFromProcessing locates a connection in processing or, when the pool
// was invalidated mid-operation, in droppedProcessing.
func (p *specificPool) takeFromProcessing(conn ConnectionInterface) *managedConn {
	if mc, ok := p.processing[conn]; ok {
		delete(p.processing, conn)
		return mc
	}
	if mc, ok := p.droppedProcessing[conn]; ok {
		delete(p.droppedProcessing, conn)
		return mc
	}
	return nil
}

// updateStateInLock reconciles the pool state with its queues and manages
// the single request timer, which is armed for the earliest request
// deadline while requests are pending, disarmed while connections are
// checked out, and armed for the host timeout when the pool goes idle.
func (p *specificPool) updateStateInLock() {
	if p.state == statePoolInShutdown {
		// Nothing to update; our clients are all gone. Delist once the
		// last in-flight callback drains.
		if len(p.processing) == 0 && p.activeClients == 0 {
			if _, listed := p.parent.pools[p.hostAndPort]; listed {
				logger.Debug("delisting connection pool", "host", p.hostAndPort)
				p.requestTimer.CancelTimeout()
				p.controller.remove(p)
				delete(p.parent.pools, p.hostAndPort)
			}
		}
		return
	}

	if next := p.requests.peek(); next != nil {
		// Outstanding requests: we're live.

		if p.state == statePoolRunning && p.requestTimerExpiration.Equal(next.expiration) {
			return
		}

		p.state = statePoolRunning
		p.requestTimer.CancelTimeout()
		p.requestTimerExpiration = next.expiration

		timeout := next.expiration.Sub(p.parent.factory.Now())

		// Arm for the earliest deadline; on fire, fail every request whose
		// deadline has passed, then recompute.
		p.requestTimer.SetTimeout(timeout, p.guard(func() {
			now := p.parent.factory.Now()

			for {
				head := p.requests.peek()
				if head == nil || head.expiration.After(now) {
					break
				}
				req := p.requests.pop()

				p.parent.mu.Unlock()
				req.result <- ConnResult{Err: &PoolError{
					Code: CodeExceededTimeLimit,
					Op:   "get",
					Err:  ErrExceededTimeLimit,
				}}
				p.parent.mu.Lock()
			}

			p.updateStateInLock()
		}))
		return
	}

	if len(p.checkedOut) > 0 {
		// No requests, but someone is using a connection; hang around
		// until the next request or a return.
		p.requestTimer.CancelTimeout()
		p.state = statePoolRunning
		p.requestTimerExpiration = time.Time{}
		return
	}

	// No live requests and nothing checked out.
	if p.state == statePoolIdle {
		return
	}

	p.state = statePoolIdle
	p.requestTimer.CancelTimeout()

	hostTimeout := p.parent.opts.HostTimeout()
	p.requestTimerExpiration = p.parent.factory.Now().Add(hostTimeout)

	// The shutdown timer; any request resets it.
	p.requestTimer.SetTimeout(hostTimeout, func() {
		p.parent.mu.Lock()
		defer p.parent.mu.Unlock()

		if p.state != statePoolIdle {
			return
		}

		p.state = statePoolHostTimedOut
		p.checkShutdown()
	})
}
