package network

// poolClub federates the per-host pools of one replica set so they share a
// minimum-connection budget. Member pools hold the club strongly; the club
// only tracks its members, and both sides are rewired together under the
// root lock. Standalone hosts each get a solitary club so the controller
// update is always well-defined.
type poolClub struct {
	minConns        int
	defaultMinConns int

	primary string

	pools map[*specificPool]struct{}
}

func newPoolClub(defaultMinConns int) *poolClub {
	return &poolClub{
		minConns:        defaultMinConns,
		defaultMinConns: defaultMinConns,
		pools:           make(map[*specificPool]struct{}),
	}
}

func (c *poolClub) add(p *specificPool) {
	c.pools[p] = struct{}{}
}

func (c *poolClub) remove(p *specificPool) {
	delete(c.pools, p)
}

// members returns a stable snapshot so callers can run unlock methods on
// each pool while the set is mutated underneath.
func (c *poolClub) members() []*specificPool {
	out := make([]*specificPool, 0, len(c.pools))
	for p := range c.pools {
		out = append(out, p)
	}
	return out
}

// setController attaches p to club, detaching nothing; callers rewire the
// old club themselves.
func (p *specificPool) setController(club *poolClub) {
	p.controller = club
	club.add(p)
}

// resetController gives p a fresh, solitary club seeded from the current
// default minimum.
func (p *specificPool) resetController() {
	p.setController(newPoolClub(p.parent.opts.MinConnections()))
}

// updateController recomputes the club minimum from the member pools'
// checkout counts. Traffic on one node of a replica set warms connections on
// its siblings, keeping them ready for failover.
func (p *specificPool) updateController() {
	club := p.controller

	if p.parent.opts.primaryWeightedMinConns {
		// The primary-weighted form: only the primary's load raises the
		// club minimum.
		if club.primary == p.hostAndPort {
			club.minConns = max(club.defaultMinConns, p.inUseConnections())
		}
		return
	}

	club.minConns = club.defaultMinConns
	for pool := range club.pools {
		club.minConns = max(club.minConns, pool.inUseConnections())
	}
}
