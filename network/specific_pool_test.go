package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHost = "db1.example.com:27017"

func newTestPool(t *testing.T, tweak func(*Options)) (*ConnectionPool, *MockConnectionFactory) {
	t.Helper()

	factory := NewMockConnectionFactory()
	opts := DefaultOptions("egress-test", factory)
	opts.Executor = InlineExecutor{}
	if tweak != nil {
		tweak(&opts)
	}
	return NewConnectionPool(opts), factory
}

// tryResult polls a Get future without blocking.
func tryResult(ch <-chan ConnResult) (ConnResult, bool) {
	select {
	case r := <-ch:
		return r, true
	default:
		return ConnResult{}, false
	}
}

func mustGet(t *testing.T, pool *ConnectionPool, host string) *ConnectionHandle {
	t.Helper()

	res, ok := tryResult(pool.Get(host, SSLModeGlobal, time.Second))
	require.True(t, ok, "expected Get to resolve synchronously")
	require.NoError(t, res.Err)
	require.NotNil(t, res.Conn)
	return res.Conn
}

// holdSetups scripts the factory to park every setup until the test
// completes it by hand.
func holdSetups(factory *MockConnectionFactory) *[]ConnectionCallback {
	var held []ConnectionCallback
	factory.OnSetup = func(c *MockConnection, _ time.Duration, done ConnectionCallback) {
		held = append(held, done)
	}
	return &held
}

// delaySetups scripts setups to succeed d after the current mock time.
func delaySetups(factory *MockConnectionFactory, d time.Duration) {
	factory.OnSetup = func(c *MockConnection, _ time.Duration, done ConnectionCallback) {
		timer := factory.MakeTimer()
		timer.SetTimeout(d, func() { done(c, nil) })
	}
}

func TestWarmReuse(t *testing.T) {
	pool, factory := newTestPool(t, func(o *Options) {
		o.MinConnections = 1
		o.MaxConnections = 4
	})

	h := mustGet(t, pool, testHost)
	assert.Equal(t, 1, factory.CreatedCount())
	assert.Equal(t, 1, pool.GetNumConnectionsPerHost(testHost))

	h.IndicateSuccess()
	h.Release()

	stats := NewConnectionPoolStats()
	pool.AppendConnectionStats(stats)
	assert.Equal(t, 1, stats.Hosts[testHost].Available, "released connection should be ready")

	h2 := mustGet(t, pool, testHost)
	assert.Equal(t, 1, factory.CreatedCount(), "second get must reuse the warm connection")
	h2.IndicateSuccess()
	h2.Release()
}

func TestBackpressure(t *testing.T) {
	pool, factory := newTestPool(t, func(o *Options) {
		o.MaxConnections = 2
		o.MaxConnecting = 2
	})
	delaySetups(factory, 50*time.Millisecond)

	var futures []<-chan ConnResult
	for i := 0; i < 5; i++ {
		futures = append(futures, pool.Get(testHost, SSLModeGlobal, 100*time.Millisecond))
	}

	// Only maxConnecting setups may be in flight, and maxConnections bounds
	// the total.
	assert.Equal(t, 2, factory.CreatedCount())
	stats := NewConnectionPoolStats()
	pool.AppendConnectionStats(stats)
	assert.Equal(t, 2, stats.Hosts[testHost].Refreshing)

	for _, f := range futures {
		_, ok := tryResult(f)
		assert.False(t, ok, "no request should resolve before setup completes")
	}

	factory.Advance(50 * time.Millisecond)

	var handles []*ConnectionHandle
	resolved := 0
	for _, f := range futures {
		if res, ok := tryResult(f); ok {
			require.NoError(t, res.Err)
			handles = append(handles, res.Conn)
			resolved++
		}
	}
	assert.Equal(t, 2, resolved, "two requests succeed once setups finish")

	// Returning the two connections serves the next two waiters.
	for _, h := range handles {
		h.IndicateSuccess()
		h.Release()
	}
	handles = handles[:0]
	for _, f := range futures {
		if res, ok := tryResult(f); ok {
			require.NoError(t, res.Err)
			handles = append(handles, res.Conn)
		}
	}
	assert.Len(t, handles, 2)

	// The fifth request runs out of time while both connections stay
	// checked out.
	factory.Advance(50 * time.Millisecond)
	var last ConnResult
	var ok bool
	for _, f := range futures {
		if res, got := tryResult(f); got {
			last, ok = res, true
		}
	}
	require.True(t, ok, "final request should have resolved")
	require.Error(t, last.Err)
	assert.Equal(t, CodeExceededTimeLimit, CodeOf(last.Err))

	for _, h := range handles {
		h.IndicateSuccess()
		h.Release()
	}

	assert.Equal(t, 2, factory.CreatedCount(), "maxConnections caps total creation")
}

func TestGenerationInvalidation(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	h := mustGet(t, pool, testHost)
	pool.DropConnections(testHost)

	h.IndicateSuccess()
	h.Release()

	conn := factory.Connections()[0]
	assert.True(t, conn.Closed(), "stale-generation connection must be destroyed on return")

	stats := NewConnectionPoolStats()
	pool.AppendConnectionStats(stats)
	assert.Equal(t, 0, stats.Hosts[testHost].Available)
}

func TestRefreshAfterIdle(t *testing.T) {
	pool, factory := newTestPool(t, func(o *Options) {
		o.RefreshRequirement = 50 * time.Millisecond
	})

	h := mustGet(t, pool, testHost)
	h.IndicateSuccess()
	h.Release()

	conn := factory.Connections()[0]
	assert.Equal(t, 0, conn.Refreshes())

	factory.Advance(60 * time.Millisecond)

	assert.Equal(t, 1, conn.Refreshes(), "idle connection refreshes exactly once")
	assert.False(t, conn.Closed())

	// The same connection comes back out.
	h2 := mustGet(t, pool, testHost)
	assert.Same(t, conn, h2.Connection().(*MockConnection))
	assert.Equal(t, 1, factory.CreatedCount())
	h2.IndicateSuccess()
	h2.Release()
}

func TestUnhealthyReadyConnectionDiscarded(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	h := mustGet(t, pool, testHost)
	h.IndicateSuccess()
	h.Release()

	conn := factory.Connections()[0]
	conn.SetHealthy(false)

	h2 := mustGet(t, pool, testHost)
	assert.True(t, conn.Closed(), "unhealthy ready connection is dropped at take")
	assert.Equal(t, 2, factory.CreatedCount(), "a fresh connection replaces it")
	assert.NotSame(t, conn, h2.Connection().(*MockConnection))
	h2.IndicateSuccess()
	h2.Release()
}

func TestReturnWithFailureDropsConnection(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	h := mustGet(t, pool, testHost)
	h.IndicateFailure(errors.New("server hiccup"))
	h.Release()

	assert.True(t, factory.Connections()[0].Closed())
	stats := NewConnectionPoolStats()
	pool.AppendConnectionStats(stats)
	assert.Equal(t, 0, stats.Hosts[testHost].Available)
}

func TestReturnWithoutIndicationDropsConnection(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	// A handle released in the unknown state must not rejoin the ready
	// pool.
	h := mustGet(t, pool, testHost)
	h.Release()

	assert.True(t, factory.Connections()[0].Closed())
}

func TestRequestDeadlineOrdering(t *testing.T) {
	pool, factory := newTestPool(t, nil)
	holdSetups(factory)

	late := pool.Get(testHost, SSLModeGlobal, 200*time.Millisecond)
	early := pool.Get(testHost, SSLModeGlobal, 100*time.Millisecond)

	factory.Advance(100 * time.Millisecond)

	res, ok := tryResult(early)
	require.True(t, ok, "earlier deadline must resolve first")
	assert.Equal(t, CodeExceededTimeLimit, CodeOf(res.Err))

	_, ok = tryResult(late)
	assert.False(t, ok, "later deadline is still pending")

	factory.Advance(100 * time.Millisecond)
	res, ok = tryResult(late)
	require.True(t, ok)
	assert.Equal(t, CodeExceededTimeLimit, CodeOf(res.Err))
}

func TestSetupTimeoutRespawns(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	// First setup times out internally; the pool must retry with a fresh
	// connection rather than failing the caller.
	first := true
	factory.OnSetup = func(c *MockConnection, _ time.Duration, done ConnectionCallback) {
		if first {
			first = false
			done(c, &PoolError{Code: CodeExceededTimeLimit, Op: "setup", Err: ErrExceededTimeLimit})
			return
		}
		done(c, nil)
	}

	res, ok := tryResult(pool.Get(testHost, SSLModeGlobal, time.Second))
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, factory.CreatedCount())
	res.Conn.IndicateSuccess()
	res.Conn.Release()
}

func TestSetupFailureFailsPendingRequests(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	dialErr := errors.New("connection refused")
	factory.OnSetup = func(c *MockConnection, _ time.Duration, done ConnectionCallback) {
		done(c, &PoolError{Code: CodeConnectionFailed, Op: "setup", Err: dialErr})
	}

	res, ok := tryResult(pool.Get(testHost, SSLModeGlobal, time.Second))
	require.True(t, ok)
	require.Error(t, res.Err)
	assert.Equal(t, CodeConnectionFailed, CodeOf(res.Err))
	assert.ErrorIs(t, res.Err, dialErr)

	// The failure bumped the generation; a later get starts clean.
	factory.OnSetup = nil
	h := mustGet(t, pool, testHost)
	h.IndicateSuccess()
	h.Release()
}

func TestTryGet(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	_, ok := pool.TryGet(testHost, SSLModeGlobal)
	assert.False(t, ok, "tryGet must not create a pool")
	assert.Equal(t, 0, factory.CreatedCount())

	h := mustGet(t, pool, testHost)
	h.IndicateSuccess()
	h.Release()

	h2, ok := pool.TryGet(testHost, SSLModeGlobal)
	require.True(t, ok)
	assert.Equal(t, 1, factory.CreatedCount())
	h2.IndicateSuccess()
	h2.Release()
}

func TestSSLModePinning(t *testing.T) {
	pool, _ := newTestPool(t, nil)

	h := mustGet(t, pool, testHost)
	h.IndicateSuccess()
	h.Release()

	assert.Panics(t, func() {
		pool.Get(testHost, SSLModeRequired, time.Second)
	})
}

func TestIndicateUsedDefersRefresh(t *testing.T) {
	pool, factory := newTestPool(t, func(o *Options) {
		o.RefreshRequirement = 100 * time.Millisecond
	})

	h := mustGet(t, pool, testHost)
	factory.Advance(80 * time.Millisecond)
	h.IndicateUsed()
	factory.Advance(40 * time.Millisecond)
	h.IndicateSuccess()
	h.Release()

	conn := factory.Connections()[0]

	// 120ms have passed since checkout but only 40ms since IndicateUsed, so
	// the return must not trigger a refresh.
	assert.Equal(t, 0, conn.Refreshes())

	stats := NewConnectionPoolStats()
	pool.AppendConnectionStats(stats)
	assert.Equal(t, 1, stats.Hosts[testHost].Available)
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool, factory := newTestPool(t, nil)

	h := mustGet(t, pool, testHost)
	h.IndicateSuccess()
	h.Release()
	h.Release()

	stats := NewConnectionPoolStats()
	pool.AppendConnectionStats(stats)
	assert.Equal(t, 1, stats.Hosts[testHost].Available)
	assert.Equal(t, 1, factory.CreatedCount())
}
