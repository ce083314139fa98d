package network

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferritedb/egresspool/logger"
)

// TCPConnectionFactory manufactures plain TCP (optionally TLS) connections
// for the pool. It tracks every live connection so Shutdown can sever them
// all at once.
type TCPConnectionFactory struct {
	dialTimeout time.Duration
	tlsConfig   *tls.Config

	mu       sync.Mutex
	conns    map[*tcpConnection]struct{}
	shutdown bool
}

// NewTCPConnectionFactory creates a TCP factory. tlsConfig is used for
// SSLModeRequired (and SSLModeGlobal when non-nil).
func NewTCPConnectionFactory(dialTimeout time.Duration, tlsConfig *tls.Config) *TCPConnectionFactory {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &TCPConnectionFactory{
		dialTimeout: dialTimeout,
		tlsConfig:   tlsConfig,
		conns:       make(map[*tcpConnection]struct{}),
	}
}

// MakeConnection constructs (but does not dial) a connection object.
func (f *TCPConnectionFactory) MakeConnection(hostAndPort string, mode SSLMode, generation uint64) (ConnectionInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return nil, errors.New("network: connection factory is shut down")
	}

	c := &tcpConnection{
		factory:     f,
		hostAndPort: hostAndPort,
		id:          uuid.NewString(),
		mode:        mode,
		generation:  generation,
		timer:       newRealTimer(),
	}
	f.conns[c] = struct{}{}
	return c, nil
}

// MakeTimer returns a one-shot timer.
func (f *TCPConnectionFactory) MakeTimer() TimerInterface {
	return newRealTimer()
}

// Now returns the wall clock; Go's time package carries the monotonic
// reading alongside it.
func (f *TCPConnectionFactory) Now() time.Time {
	return time.Now()
}

// Shutdown severs every live connection.
func (f *TCPConnectionFactory) Shutdown() {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return
	}
	f.shutdown = true
	conns := make([]*tcpConnection, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *TCPConnectionFactory) forget(c *tcpConnection) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}

// tcpConnection is one physical TCP connection. The embedded timer doubles
// as the pool's refresh-due timer and the transport's setup/refresh
// deadline, never both at once.
type tcpConnection struct {
	factory     *TCPConnectionFactory
	hostAndPort string
	id          string
	mode        SSLMode
	generation  uint64
	timer       *realTimer

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (c *tcpConnection) HostAndPort() string { return c.hostAndPort }
func (c *tcpConnection) ID() string          { return c.id }
func (c *tcpConnection) Generation() uint64  { return c.generation }

func (c *tcpConnection) SetTimeout(d time.Duration, cb func()) {
	c.timer.SetTimeout(d, cb)
}

func (c *tcpConnection) CancelTimeout() {
	c.timer.CancelTimeout()
}

// Setup dials the remote host. done fires exactly once: with the dial
// result, or with an ExceededTimeLimit error if the deadline passes first.
func (c *tcpConnection) Setup(timeout time.Duration, done ConnectionCallback) {
	finish := c.finishOnce(done)

	c.timer.SetTimeout(timeout, func() {
		finish(&PoolError{Code: CodeExceededTimeLimit, Op: "setup", Err: ErrExceededTimeLimit})
	})

	go func() {
		conn, err := net.DialTimeout("tcp", c.hostAndPort, c.factory.dialTimeout)
		if err != nil {
			finish(&PoolError{Code: CodeConnectionFailed, Op: "setup", Err: err})
			return
		}

		if c.useTLS() {
			tlsConn := tls.Client(conn, c.factory.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				_ = conn.Close()
				finish(&PoolError{Code: CodeConnectionFailed, Op: "setup", Err: err})
				return
			}
			conn = tlsConn
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			finish(&PoolError{Code: CodeConnectionFailed, Op: "setup", Err: net.ErrClosed})
			return
		}
		c.conn = conn
		c.mu.Unlock()

		finish(nil)
	}()
}

// Refresh revalidates an idle connection with a liveness probe.
func (c *tcpConnection) Refresh(timeout time.Duration, done ConnectionCallback) {
	finish := c.finishOnce(done)

	c.timer.SetTimeout(timeout, func() {
		finish(&PoolError{Code: CodeExceededTimeLimit, Op: "refresh", Err: ErrExceededTimeLimit})
	})

	go func() {
		if !c.IsHealthy() {
			finish(&PoolError{Code: CodeConnectionFailed, Op: "refresh", Err: net.ErrClosed})
			return
		}
		finish(nil)
	}()
}

// finishOnce wraps done so whichever of the deadline timer and the worker
// goroutine finishes first wins, and the timer is disarmed either way.
func (c *tcpConnection) finishOnce(done ConnectionCallback) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			c.timer.CancelTimeout()
			done(c, err)
		})
	}
}

// IsHealthy probes the socket with a tiny deadline read. A timeout means the
// peer is quiet but alive; EOF or a closed-network error means the
// connection is dead.
func (c *tcpConnection) IsHealthy() bool {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed || conn == nil {
		return false
	}

	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	var buf [1]byte
	_, err := conn.Read(buf[:])
	_ = conn.SetReadDeadline(time.Time{})

	if err == nil {
		// Unexpected unsolicited data; treat the connection as usable.
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func (c *tcpConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.timer.CancelTimeout()
	c.factory.forget(c)

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Debug("error closing tcp connection", "host", c.hostAndPort, "error", err)
			return err
		}
	}
	return nil
}

func (c *tcpConnection) useTLS() bool {
	switch c.mode {
	case SSLModeRequired:
		return true
	case SSLModeGlobal:
		return c.factory.tlsConfig != nil
	}
	return false
}
