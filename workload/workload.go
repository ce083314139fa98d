// Package workload drives synthetic checkout traffic against an egress pool
// so its behavior under load can be measured without a real cluster of
// callers.
package workload

import (
	"context"
	"sync"
	"time"

	"github.com/ferritedb/egresspool/logger"
	"github.com/ferritedb/egresspool/network"
)

// Config parameterizes a workload run.
type Config struct {
	// Hosts receive operations round-robin.
	Hosts []string

	// TotalOperations across all workers.
	TotalOperations int

	// Concurrency is the number of workers issuing operations.
	Concurrency int

	// HoldTime is how long a worker keeps a connection checked out,
	// simulating command execution.
	HoldTime time.Duration

	// GetTimeout bounds each acquisition.
	GetTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TotalOperations <= 0 {
		c.TotalOperations = 1024
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.GetTimeout <= 0 {
		c.GetTimeout = 20 * time.Second
	}
}

// Report summarizes a run.
type Report struct {
	Completed int
	TimedOut  int
	Failed    int

	Elapsed    time.Duration
	TotalWait  time.Duration
	MaxWait    time.Duration
	MeanWait   time.Duration
	Operations int
}

// Generator issues checkout/hold/release cycles against a pool.
type Generator struct {
	pool   *network.ConnectionPool
	config Config
}

// NewGenerator builds a generator over pool.
func NewGenerator(pool *network.ConnectionPool, config Config) *Generator {
	config.applyDefaults()
	return &Generator{pool: pool, config: config}
}

// Run performs the configured number of operations and reports aggregate
// acquisition behavior. It stops early when ctx is canceled.
func (g *Generator) Run(ctx context.Context) Report {
	if len(g.config.Hosts) == 0 {
		return Report{}
	}

	var (
		mu     sync.Mutex
		report Report
	)

	work := make(chan int, g.config.TotalOperations)
	for i := 0; i < g.config.TotalOperations; i++ {
		work <- i
	}
	close(work)

	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < g.config.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range work {
				if ctx.Err() != nil {
					return
				}
				host := g.config.Hosts[op%len(g.config.Hosts)]
				wait, err := g.runOne(host)

				mu.Lock()
				report.Operations++
				report.TotalWait += wait
				if wait > report.MaxWait {
					report.MaxWait = wait
				}
				switch {
				case err == nil:
					report.Completed++
				case network.CodeOf(err) == network.CodeExceededTimeLimit:
					report.TimedOut++
				default:
					report.Failed++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	report.Elapsed = time.Since(start)
	if report.Operations > 0 {
		report.MeanWait = report.TotalWait / time.Duration(report.Operations)
	}

	logger.Info("workload run finished",
		"operations", report.Operations,
		"completed", report.Completed,
		"timedOut", report.TimedOut,
		"failed", report.Failed,
		"elapsed", report.Elapsed,
		"meanWait", report.MeanWait)

	return report
}

func (g *Generator) runOne(host string) (time.Duration, error) {
	start := time.Now()
	res := <-g.pool.Get(host, network.SSLModeGlobal, g.config.GetTimeout)
	wait := time.Since(start)

	if res.Err != nil {
		return wait, res.Err
	}

	if g.config.HoldTime > 0 {
		time.Sleep(g.config.HoldTime)
	}

	res.Conn.IndicateUsed()
	res.Conn.IndicateSuccess()
	res.Conn.Release()
	return wait, nil
}
