package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ferritedb/egresspool/logger"
)

// PostgresConnectionFactory manufactures connections to cluster members
// that speak the PostgreSQL wire protocol, via pgconn. The host portion of
// the connection string is filled in per pool.
type PostgresConnectionFactory struct {
	user     string
	password string
	database string

	mu       sync.Mutex
	conns    map[*postgresConnection]struct{}
	shutdown bool
}

// NewPostgresConnectionFactory creates a factory authenticating as
// user/password against database on every member.
func NewPostgresConnectionFactory(user, password, database string) *PostgresConnectionFactory {
	return &PostgresConnectionFactory{
		user:     user,
		password: password,
		database: database,
		conns:    make(map[*postgresConnection]struct{}),
	}
}

// MakeConnection constructs (but does not connect) a connection object.
func (f *PostgresConnectionFactory) MakeConnection(hostAndPort string, mode SSLMode, generation uint64) (ConnectionInterface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return nil, errors.New("network: connection factory is shut down")
	}

	c := &postgresConnection{
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
func (f *PostgresConnectionFactory) MakeTimer() TimerInterface {
	return newRealTimer()
}

// Now returns the wall clock.
func (f *PostgresConnectionFactory) Now() time.Time {
	return time.Now()
}

// Shutdown severs every live connection.
func (f *PostgresConnectionFactory) Shutdown() {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return
	}
	f.shutdown = true
	conns := make([]*postgresConnection, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *PostgresConnectionFactory) forget(c *postgresConnection) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}

func (f *PostgresConnectionFactory) connString(hostAndPort string, mode SSLMode) string {
	sslmode := "prefer"
	switch mode {
	case SSLModeDisabled:
		sslmode = "disable"
	case SSLModeRequired:
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		f.user, f.password, hostAndPort, f.database, sslmode)
}

// postgresConnection is one wire-protocol connection to a cluster member.
type postgresConnection struct {
	factory     *PostgresConnectionFactory
	hostAndPort string
	id          string
	mode        SSLMode
	generation  uint64
	timer       *realTimer

	mu     sync.Mutex
	pg     *pgconn.PgConn
	cancel context.CancelFunc
	closed bool
}

func (c *postgresConnection) HostAndPort() string { return c.hostAndPort }
func (c *postgresConnection) ID() string          { return c.id }
func (c *postgresConnection) Generation() uint64  { return c.generation }

func (c *postgresConnection) SetTimeout(d time.Duration, cb func()) {
	c.timer.SetTimeout(d, cb)
}

func (c *postgresConnection) CancelTimeout() {
	c.timer.CancelTimeout()
}

// Setup connects and authenticates. The timeout is enforced through the
// dial context; hitting it surfaces as ExceededTimeLimit so the pool retries
// with a fresh connection instead of failing its callers.
func (c *postgresConnection) Setup(timeout time.Duration, done ConnectionCallback) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()

		pg, err := pgconn.Connect(ctx, c.factory.connString(c.hostAndPort, c.mode))
		if err != nil {
			done(c, c.classify("setup", ctx, err))
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = pg.Close(context.Background())
			done(c, &PoolError{Code: CodeConnectionFailed, Op: "setup", Err: errors.New("connection closed during setup")})
			return
		}
		c.pg = pg
		c.cancel = nil
		c.mu.Unlock()

		done(c, nil)
	}()
}

// Refresh pings the member.
func (c *postgresConnection) Refresh(timeout time.Duration, done ConnectionCallback) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		defer cancel()

		c.mu.Lock()
		pg := c.pg
		c.mu.Unlock()

		if pg == nil {
			done(c, &PoolError{Code: CodeConnectionFailed, Op: "refresh", Err: errors.New("connection was never set up")})
			return
		}

		if err := pg.Ping(ctx); err != nil {
			done(c, c.classify("refresh", ctx, err))
			return
		}
		done(c, nil)
	}()
}

func (c *postgresConnection) classify(op string, ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &PoolError{Code: CodeExceededTimeLimit, Op: op, Err: ErrExceededTimeLimit}
	}
	return &PoolError{Code: CodeConnectionFailed, Op: op, Err: err}
}

func (c *postgresConnection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.pg != nil && !c.pg.IsClosed()
}

func (c *postgresConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pg := c.pg
	c.pg = nil
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	c.timer.CancelTimeout()
	c.factory.forget(c)

	if cancel != nil {
		cancel()
	}

	if pg != nil {
		ctx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelClose()
		if err := pg.Close(ctx); err != nil {
			logger.Debug("error closing postgres connection", "host", c.hostAndPort, "error", err)
			return err
		}
	}
	return nil
}
