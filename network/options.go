package network

import (
	"math"
	"sync/atomic"
	"time"
)

// Defaults for the pool tunables.
const (
	DefaultMinConnections     = 1
	DefaultMaxConnections     = math.MaxInt32
	DefaultMaxConnecting      = math.MaxInt32
	DefaultRefreshTimeout     = 20 * time.Second
	DefaultRefreshRequirement = 60 * time.Second
	DefaultHostTimeout        = 5 * time.Minute
)

// ShardingMaxConnecting caps concurrent setups under the sharding profile,
// where a burst of fresh router nodes dialing every shard at once would
// otherwise overwhelm cluster members.
const ShardingMaxConnecting = 2

// Options configures a ConnectionPool at construction. The six tunables are
// copied into atomic storage and re-read on every decision, so they may be
// adjusted while the pool runs via the Set* methods on ConnectionPool.
type Options struct {
	// Name identifies the pool in stats and logs. Required.
	Name string

	MinConnections     int
	MaxConnections     int
	MaxConnecting      int
	RefreshTimeout     time.Duration
	RefreshRequirement time.Duration
	HostTimeout        time.Duration

	// PrimaryWeightedMinConns switches the club controller to the
	// primary-weighted formula: only the primary's checkout count raises
	// the club minimum. Off by default; the symmetric max-over-siblings
	// rule is the supported configuration.
	PrimaryWeightedMinConns bool

	// Factory supplies connections, timers and the clock. Required.
	Factory ConnectionFactory

	// Executor runs deferred pool work. Optional; a serial executor is
	// started when nil.
	Executor Executor

	// Manager, when set, receives this pool for tag-based broadcast
	// closure.
	Manager *EgressTagCloserManager
}

// DefaultOptions returns Options with all tunables at their defaults.
func DefaultOptions(name string, factory ConnectionFactory) Options {
	return Options{
		Name:               name,
		Factory:            factory,
		MinConnections:     DefaultMinConnections,
		MaxConnections:     DefaultMaxConnections,
		MaxConnecting:      DefaultMaxConnecting,
		RefreshTimeout:     DefaultRefreshTimeout,
		RefreshRequirement: DefaultRefreshRequirement,
		HostTimeout:        DefaultHostTimeout,
	}
}

// ShardingDefaults returns DefaultOptions with the sharding profile applied.
func ShardingDefaults(name string, factory ConnectionFactory) Options {
	opts := DefaultOptions(name, factory)
	opts.MaxConnecting = ShardingMaxConnecting
	return opts
}

// poolOptions is the runtime, atomically readable form of Options.
type poolOptions struct {
	minConnections     atomic.Int64
	maxConnections     atomic.Int64
	maxConnecting      atomic.Int64
	refreshTimeout     atomic.Int64 // nanoseconds
	refreshRequirement atomic.Int64 // nanoseconds
	hostTimeout        atomic.Int64 // nanoseconds

	primaryWeightedMinConns bool
}

func newPoolOptions(o Options) *poolOptions {
	po := &poolOptions{primaryWeightedMinConns: o.PrimaryWeightedMinConns}

	po.minConnections.Store(int64(orDefault(o.MinConnections, DefaultMinConnections)))
	po.maxConnections.Store(int64(orDefault(o.MaxConnections, DefaultMaxConnections)))
	po.maxConnecting.Store(int64(orDefault(o.MaxConnecting, DefaultMaxConnecting)))
	po.refreshTimeout.Store(int64(orDefaultDur(o.RefreshTimeout, DefaultRefreshTimeout)))
	po.refreshRequirement.Store(int64(orDefaultDur(o.RefreshRequirement, DefaultRefreshRequirement)))
	po.hostTimeout.Store(int64(orDefaultDur(o.HostTimeout, DefaultHostTimeout)))
	return po
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (po *poolOptions) MinConnections() int { return int(po.minConnections.Load()) }
func (po *poolOptions) MaxConnections() int { return int(po.maxConnections.Load()) }
func (po *poolOptions) MaxConnecting() int  { return int(po.maxConnecting.Load()) }

func (po *poolOptions) RefreshTimeout() time.Duration {
	return time.Duration(po.refreshTimeout.Load())
}

func (po *poolOptions) RefreshRequirement() time.Duration {
	return time.Duration(po.refreshRequirement.Load())
}

func (po *poolOptions) HostTimeout() time.Duration {
	return time.Duration(po.hostTimeout.Load())
}
