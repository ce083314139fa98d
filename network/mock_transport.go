package network

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockConnectionFactory is a deterministic factory for tests: its clock only
// moves when Advance is called, and timers fire during Advance, in deadline
// order, without any factory lock held. Setup and refresh behavior is
// scripted through the On* hooks; when a hook is nil the operation completes
// immediately with success.
type MockConnectionFactory struct {
	// OnSetup, when set, takes over Setup calls. Hooks typically complete
	// via a factory timer so the outcome lands on a later Advance.
	OnSetup func(c *MockConnection, timeout time.Duration, done ConnectionCallback)

	// OnRefresh mirrors OnSetup for Refresh calls.
	OnRefresh func(c *MockConnection, timeout time.Duration, done ConnectionCallback)

	mu       sync.Mutex
	now      time.Time
	timers   map[*MockTimer]struct{}
	timerSeq uint64
	conns    []*MockConnection
	shutdown bool
}

// NewMockConnectionFactory starts the mock clock at an arbitrary fixed
// epoch.
func NewMockConnectionFactory() *MockConnectionFactory {
	return &MockConnectionFactory{
		now:    time.Unix(1700000000, 0),
		timers: make(map[*MockTimer]struct{}),
	}
}

// MakeConnection constructs a mock connection.
func (f *MockConnectionFactory) MakeConnection(hostAndPort string, mode SSLMode, generation uint64) (ConnectionInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return nil, errors.New("network: connection factory is shut down")
	}

	c := &MockConnection{
		factory:     f,
		hostAndPort: hostAndPort,
		id:          uuid.NewString(),
		generation:  generation,
		timer:       f.newTimerLocked(),
		healthy:     true,
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// MakeTimer returns a timer bound to the mock clock.
func (f *MockConnectionFactory) MakeTimer() TimerInterface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newTimerLocked()
}

func (f *MockConnectionFactory) newTimerLocked() *MockTimer {
	t := &MockTimer{factory: f}
	f.timers[t] = struct{}{}
	return t
}

// Now returns the mock clock reading.
func (f *MockConnectionFactory) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Shutdown refuses further connections.
func (f *MockConnectionFactory) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

// Advance moves the clock by d and fires every timer whose deadline has
// passed, earliest first. Callbacks run without the factory lock and may arm
// new timers; Advance loops until nothing further is due. Advance(0) fires
// timers armed with a non-positive delay.
func (f *MockConnectionFactory) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var due []*MockTimer
		for t := range f.timers {
			if t.armed && !t.deadline.After(f.now) {
				due = append(due, t)
			}
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].deadline.Equal(due[j].deadline) {
				return due[i].armSeq < due[j].armSeq
			}
			return due[i].deadline.Before(due[j].deadline)
		})
		cbs := make([]func(), 0, len(due))
		for _, t := range due {
			t.armed = false
			cbs = append(cbs, t.cb)
			t.cb = nil
		}
		f.mu.Unlock()

		if len(cbs) == 0 {
			return
		}
		for _, cb := range cbs {
			cb()
		}
	}
}

// Connections returns every connection the factory ever manufactured, in
// creation order.
func (f *MockConnectionFactory) Connections() []*MockConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockConnection(nil), f.conns...)
}

// CreatedCount returns how many connections were manufactured.
func (f *MockConnectionFactory) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// MockTimer is a one-shot timer driven by the mock clock.
type MockTimer struct {
	factory *MockConnectionFactory

	// guarded by factory.mu
	armed    bool
	deadline time.Time
	armSeq   uint64
	cb       func()
}

func (t *MockTimer) SetTimeout(d time.Duration, cb func()) {
	t.factory.mu.Lock()
	defer t.factory.mu.Unlock()
	if d < 0 {
		d = 0
	}
	t.armed = true
	t.deadline = t.factory.now.Add(d)
	t.factory.timerSeq++
	t.armSeq = t.factory.timerSeq
	t.cb = cb
}

func (t *MockTimer) CancelTimeout() {
	t.factory.mu.Lock()
	defer t.factory.mu.Unlock()
	t.armed = false
	t.cb = nil
}

// MockConnection is a scriptable connection for tests.
type MockConnection struct {
	factory     *MockConnectionFactory
	hostAndPort string
	id          string
	generation  uint64
	timer       *MockTimer

	mu        sync.Mutex
	healthy   bool
	closed    bool
	setups    int
	refreshes int
}

func (c *MockConnection) HostAndPort() string { return c.hostAndPort }
func (c *MockConnection) ID() string          { return c.id }
func (c *MockConnection) Generation() uint64  { return c.generation }

func (c *MockConnection) SetTimeout(d time.Duration, cb func()) {
	c.timer.SetTimeout(d, cb)
}

func (c *MockConnection) CancelTimeout() {
	c.timer.CancelTimeout()
}

func (c *MockConnection) Setup(timeout time.Duration, done ConnectionCallback) {
	c.mu.Lock()
	c.setups++
	c.mu.Unlock()

	if hook := c.factory.OnSetup; hook != nil {
		hook(c, timeout, done)
		return
	}
	done(c, nil)
}

func (c *MockConnection) Refresh(timeout time.Duration, done ConnectionCallback) {
	c.mu.Lock()
	c.refreshes++
	c.mu.Unlock()

	if hook := c.factory.OnRefresh; hook != nil {
		hook(c, timeout, done)
		return
	}
	done(c, nil)
}

func (c *MockConnection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && !c.closed
}

// SetHealthy scripts the liveness probe.
func (c *MockConnection) SetHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

func (c *MockConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether the pool discarded this connection.
func (c *MockConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Setups returns how many times Setup ran.
func (c *MockConnection) Setups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setups
}

// Refreshes returns how many times Refresh ran.
func (c *MockConnection) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}
