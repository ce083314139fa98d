package network

import (
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Hold the connection open; the pool only probes liveness.
			go func(c net.Conn) {
				buf := make([]byte, 1)
				for {
					if _, err := c.Read(buf); err != nil {
						_ = c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func setupSync(t *testing.T, conn ConnectionInterface, timeout time.Duration) error {
	t.Helper()

	done := make(chan error, 1)
	conn.Setup(timeout, func(_ ConnectionInterface, err error) {
		done <- err
	})
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("setup did not complete")
		return nil
	}
}

func TestTCPSetupAndHealth(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ln := startListener(t)
	factory := NewTCPConnectionFactory(time.Second, nil)
	defer factory.Shutdown()

	ci, err := factory.MakeConnection(ln.Addr().String(), SSLModeDisabled, 0)
	require.NoError(t, err)

	require.NoError(t, setupSync(t, ci, 2*time.Second))
	assert.True(t, ci.IsHealthy())

	refreshed := make(chan error, 1)
	ci.Refresh(2*time.Second, func(_ ConnectionInterface, err error) {
		refreshed <- err
	})
	require.NoError(t, <-refreshed)

	require.NoError(t, ci.Close())
	assert.False(t, ci.IsHealthy())
}

func TestTCPSetupFailure(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	// A listener that is immediately closed gives a port nothing listens
	// on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	factory := NewTCPConnectionFactory(time.Second, nil)
	defer factory.Shutdown()

	ci, err := factory.MakeConnection(addr, SSLModeDisabled, 0)
	require.NoError(t, err)

	setupErr := setupSync(t, ci, 2*time.Second)
	require.Error(t, setupErr)
	assert.Equal(t, CodeConnectionFailed, CodeOf(setupErr))
}

func TestTCPFactoryShutdownSeversConnections(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ln := startListener(t)
	factory := NewTCPConnectionFactory(time.Second, nil)

	ci, err := factory.MakeConnection(ln.Addr().String(), SSLModeDisabled, 0)
	require.NoError(t, err)
	require.NoError(t, setupSync(t, ci, 2*time.Second))

	factory.Shutdown()
	assert.False(t, ci.IsHealthy())

	_, err = factory.MakeConnection(ln.Addr().String(), SSLModeDisabled, 0)
	assert.Error(t, err)
}

func TestPoolOverTCPTransport(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ln := startListener(t)
	factory := NewTCPConnectionFactory(time.Second, nil)

	opts := DefaultOptions("egress-tcp", factory)
	pool := NewConnectionPool(opts)

	res := <-pool.Get(ln.Addr().String(), SSLModeDisabled, 5*time.Second)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Conn)

	res.Conn.IndicateSuccess()
	res.Conn.Release()

	// The warmed connection serves the next request.
	res2 := <-pool.Get(ln.Addr().String(), SSLModeDisabled, 5*time.Second)
	require.NoError(t, res2.Err)
	res2.Conn.IndicateSuccess()
	res2.Conn.Release()

	pool.Shutdown()
}
