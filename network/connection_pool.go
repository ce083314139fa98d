// Package network implements the egress connection pool: a bounded set of
// persistent connections per remote host, multiplexed across concurrent
// command requests, with per-host resource limits, failure isolation, and
// replica-set-wide sharing of minimum-connection budgets.
package network

import (
	"sync"
	"time"

	"github.com/ferritedb/egresspool/connstring"
	"github.com/ferritedb/egresspool/logger"
)

// ConnectionPool owns the map of per-host pools and the replica-set clubs
// that federate them. A single mutex protects the map and all child pool
// state; helpers documented as unlock methods release it across transport
// calls and promise fulfilment, and callers never hold it across
// user-visible work.
type ConnectionPool struct {
	name     string
	opts     *poolOptions
	factory  ConnectionFactory
	executor Executor
	manager  *EgressTagCloserManager

	ownedExecutor *serialExecutor

	mu        sync.Mutex
	pools     map[string]*specificPool
	poolClubs map[string]*poolClub
	shutdown  bool
}

var _ EgressTagCloser = (*ConnectionPool)(nil)

// NewConnectionPool builds the root pool. Options.Name and Options.Factory
// are required.
func NewConnectionPool(opts Options) *ConnectionPool {
	if opts.Name == "" {
		panic("network: connection pool requires a name")
	}
	if opts.Factory == nil {
		panic("network: connection pool requires a connection factory")
	}

	p := &ConnectionPool{
		name:      opts.Name,
		opts:      newPoolOptions(opts),
		factory:   opts.Factory,
		executor:  opts.Executor,
		manager:   opts.Manager,
		pools:     make(map[string]*specificPool),
		poolClubs: make(map[string]*poolClub),
	}

	if p.executor == nil {
		owned := newSerialExecutor()
		p.ownedExecutor = owned
		p.executor = owned
	}

	if p.manager != nil {
		p.manager.Add(p)
	}

	return p
}

// Name identifies this pool in stats.
func (p *ConnectionPool) Name() string { return p.name }

// Get locates or creates the per-host pool and requests a connection from
// it. The result channel resolves exactly once, with a handle or an error;
// a negative timeout, or one above RefreshTimeout, is replaced by
// RefreshTimeout. Calling Get after Shutdown is illegal.
func (p *ConnectionPool) Get(hostAndPort string, mode SSLMode, timeout time.Duration) <-chan ConnResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		panic("network: Get on a connection pool that has been shut down")
	}

	pool := p.getPoolLocked(hostAndPort)
	pool.setOrCheckSSLMode(mode)
	return pool.getConnection(timeout)
}

// TryGet returns a handle synchronously if and only if the host pool exists,
// has a ready connection, and no requests are queued ahead of the caller.
func (p *ConnectionPool) TryGet(hostAndPort string, mode SSLMode) (*ConnectionHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[hostAndPort]
	if !ok {
		return nil, false
	}

	pool.assertSSLMode(mode)
	h := pool.tryGetConnection()
	if h == nil {
		return nil, false
	}
	return h, true
}

// DropConnections administratively drops every connection to hostAndPort:
// pending requests fail, pooled connections close, and checked-out
// connections are discarded on return.
func (p *ConnectionPool) DropConnections(hostAndPort string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[hostAndPort]
	if !ok {
		return
	}

	pool.processFailure(&PoolError{
		Code: CodePooledConnectionsDropped,
		Op:   "dropConnections",
		Err:  ErrConnectionsDropped,
	})
}

// DropConnectionsMatching drops connections in every pool whose tags match
// the mask.
func (p *ConnectionPool) DropConnectionsMatching(tags TagMask) {
	pools := p.snapshotPools()

	for _, pool := range pools {
		p.mu.Lock()
		if !pool.matchesTags(tags) {
			p.mu.Unlock()
			continue
		}
		pool.processFailure(&PoolError{
			Code: CodePooledConnectionsDropped,
			Op:   "dropConnectionsMatching",
			Err:  ErrConnectionsDropped,
		})
		p.mu.Unlock()
	}
}

// MutateTags atomically transforms the host pool's tag mask.
func (p *ConnectionPool) MutateTags(hostAndPort string, fn func(TagMask) TagMask) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[hostAndPort]
	if !ok {
		return
	}
	pool.mutateTags(fn)
}

// HandleConfig rewires the replica set's club to the member list carried by
// cs: named hosts attach to one shared club, dropped members are detached to
// solitary clubs, and the club minimum is recomputed. Idempotent for a fixed
// connection string.
func (p *ConnectionPool) HandleConfig(cs connstring.ConnectionString) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cs.SetName() == "" {
		// Standalone hosts: each gets its own solitary club so the
		// controller update stays well-defined.
		for _, host := range cs.Servers() {
			p.getPoolLocked(host).resetController()
		}
		return
	}

	club := p.getPoolClubLocked(cs.SetName())

	// Save what used to be the club for later; the majority of the new
	// config is probably the same.
	oldPools := club.pools
	club.pools = make(map[*specificPool]struct{})

	for _, host := range cs.Servers() {
		pool := p.getPoolLocked(host)
		pool.setController(club)
		delete(oldPools, pool)
	}

	// Anything left was removed from the set; detach it.
	for pool := range oldPools {
		pool.resetController()
	}

	club.minConns = club.defaultMinConns
	for _, pool := range club.members() {
		pool.updateController()
	}
}

// HandlePrimary records the set's new primary and re-runs the controller
// update on the primary's pool.
func (p *ConnectionPool) HandlePrimary(setName, hostAndPort string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	club := p.getPoolClubLocked(setName)
	if club.primary == hostAndPort {
		return
	}
	club.primary = hostAndPort

	if pool, ok := p.pools[hostAndPort]; ok {
		pool.updateController()
	}
}

// AppendConnectionStats folds every host pool's counters into stats.
func (p *ConnectionPool) AppendConnectionStats(stats *ConnectionPoolStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for host, pool := range p.pools {
		stats.UpdateStatsForHost(p.name, host, ConnectionStatsPer{
			InUse:      pool.inUseConnections(),
			Available:  pool.availableConnections(),
			Created:    pool.createdConnections(),
			Refreshing: pool.refreshingConnections(),
		})
	}
}

// GetNumConnectionsPerHost returns the number of open connections to
// hostAndPort.
func (p *ConnectionPool) GetNumConnectionsPerHost(hostAndPort string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pool, ok := p.pools[hostAndPort]; ok {
		return pool.openConnections()
	}
	return 0
}

// Shutdown tears down the transport factory and every host pool. Pending
// requests fail with a shutdown error; pools delist as their in-flight
// callbacks drain. Safe to call more than once.
func (p *ConnectionPool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	if p.manager != nil {
		p.manager.Remove(p)
	}

	p.factory.Shutdown()

	pools := p.snapshotPools()

	p.mu.Lock()
	for _, pool := range pools {
		pool.triggerShutdown(&PoolError{
			Code: CodeShutdownInProgress,
			Op:   "shutdown",
			Err:  ErrPoolShutdown,
		})
	}
	p.mu.Unlock()

	if p.ownedExecutor != nil {
		p.ownedExecutor.Stop()
	}

	logger.Info("connection pool shut down", "pool", p.name)
}

// SetMinConnections adjusts the live minimum-connection tunable. Clubs
// created afterwards seed their default from the new value.
func (p *ConnectionPool) SetMinConnections(n int) {
	p.opts.minConnections.Store(int64(orDefault(n, DefaultMinConnections)))
}

// SetMaxConnections adjusts the live maximum-connection tunable.
func (p *ConnectionPool) SetMaxConnections(n int) {
	p.opts.maxConnections.Store(int64(orDefault(n, DefaultMaxConnections)))
}

// SetMaxConnecting adjusts the live setup/refresh concurrency cap.
func (p *ConnectionPool) SetMaxConnecting(n int) {
	p.opts.maxConnecting.Store(int64(orDefault(n, DefaultMaxConnecting)))
}

// SetRefreshTimeout adjusts the live setup/refresh deadline.
func (p *ConnectionPool) SetRefreshTimeout(d time.Duration) {
	p.opts.refreshTimeout.Store(int64(orDefaultDur(d, DefaultRefreshTimeout)))
}

// SetRefreshRequirement adjusts the live idle-revalidation interval.
func (p *ConnectionPool) SetRefreshRequirement(d time.Duration) {
	p.opts.refreshRequirement.Store(int64(orDefaultDur(d, DefaultRefreshRequirement)))
}

// SetHostTimeout adjusts the live pool-idle shutdown interval.
func (p *ConnectionPool) SetHostTimeout(d time.Duration) {
	p.opts.hostTimeout.Store(int64(orDefaultDur(d, DefaultHostTimeout)))
}

func (p *ConnectionPool) snapshotPools() []*specificPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*specificPool, 0, len(p.pools))
	for _, pool := range p.pools {
		out = append(out, pool)
	}
	return out
}

func (p *ConnectionPool) getPoolLocked(hostAndPort string) *specificPool {
	if pool, ok := p.pools[hostAndPort]; ok {
		return pool
	}

	pool := newSpecificPool(p, hostAndPort)
	pool.resetController()
	p.pools[hostAndPort] = pool

	// Start the idle clock right away so a pool that is configured but
	// never used still ages into host timeout.
	pool.updateStateInLock()
	return pool
}

func (p *ConnectionPool) getPoolClubLocked(setName string) *poolClub {
	club, ok := p.poolClubs[setName]
	if !ok {
		club = newPoolClub(p.opts.MinConnections())
		p.poolClubs[setName] = club
	}
	return club
}
