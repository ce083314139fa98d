package network

// ConnectionStatsPer reports one host's pool counters.
type ConnectionStatsPer struct {
	InUse      int `json:"inUse"`
	Available  int `json:"available"`
	Created    int `json:"created"`
	Refreshing int `json:"refreshing"`
}

func (s ConnectionStatsPer) add(other ConnectionStatsPer) ConnectionStatsPer {
	s.InUse += other.InUse
	s.Available += other.Available
	s.Created += other.Created
	s.Refreshing += other.Refreshing
	return s
}

// ConnectionPoolStats aggregates counters across pools and hosts. A process
// may run several root pools (one per task executor); stats are reported per
// pool name and rolled up per host and in total.
type ConnectionPoolStats struct {
	TotalInUse      int `json:"totalInUse"`
	TotalAvailable  int `json:"totalAvailable"`
	TotalCreated    int `json:"totalCreated"`
	TotalRefreshing int `json:"totalRefreshing"`

	Hosts map[string]ConnectionStatsPer            `json:"hosts"`
	Pools map[string]map[string]ConnectionStatsPer `json:"pools"`
}

// NewConnectionPoolStats returns an empty stats accumulator.
func NewConnectionPoolStats() *ConnectionPoolStats {
	return &ConnectionPoolStats{
		Hosts: make(map[string]ConnectionStatsPer),
		Pools: make(map[string]map[string]ConnectionStatsPer),
	}
}

// UpdateStatsForHost folds one host's counters into the accumulator.
func (s *ConnectionPoolStats) UpdateStatsForHost(poolName, host string, stats ConnectionStatsPer) {
	s.TotalInUse += stats.InUse
	s.TotalAvailable += stats.Available
	s.TotalCreated += stats.Created
	s.TotalRefreshing += stats.Refreshing

	s.Hosts[host] = s.Hosts[host].add(stats)

	perPool := s.Pools[poolName]
	if perPool == nil {
		perPool = make(map[string]ConnectionStatsPer)
		s.Pools[poolName] = perPool
	}
	perPool[host] = perPool[host].add(stats)
}
