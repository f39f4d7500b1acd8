package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/barryq93/promPSQL/internal/types"
	"github.com/barryq93/promPSQL/internal/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
)

const (
	appName = "psql-query-exporter"

	// queryGrace is added to the statement timeout for the client-side
	// deadline so the server-side timeout normally fires first.
	queryGrace   = 5 * time.Second
	closeTimeout = 5 * time.Second
)

var errNoSession = errors.New("no active database session")

// QueryError is a failure reported by the server with an SQLSTATE code.
// Such errors are never retried.
type QueryError struct {
	Query string
	Code  string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed '%s': %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ServerErrorCode returns the SQLSTATE carried by err, or "" for transport
// level failures such as resets, TLS errors or client-side timeouts.
func ServerErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Connection owns the single live session of one target and replaces it
// wholesale whenever the transport fails.
type Connection struct {
	target      types.DatabaseTarget
	dial        Dialer
	session     Session
	log         *logrus.Entry
	certChanges <-chan struct{}
	onReconnect func()
}

type Option func(*Connection)

func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dial = d }
}

func WithLogger(l *logrus.Entry) Option {
	return func(c *Connection) { c.log = l }
}

// WithCertChanges makes the connection reconnect before the next query
// whenever ch fires.
func WithCertChanges(ch <-chan struct{}) Option {
	return func(c *Connection) { c.certChanges = ch }
}

func WithReconnectHook(f func()) Option {
	return func(c *Connection) { c.onReconnect = f }
}

// Connect establishes the first session, retrying with backoff until it
// succeeds or ctx is cancelled, in which case utils.ErrShutdown is returned.
// Unreadable TLS material is reported immediately.
func Connect(ctx context.Context, target types.DatabaseTarget, opts ...Option) (*Connection, error) {
	c := &Connection{
		target: target,
		dial:   PgxDialer,
		log:    logrus.WithField("target", target.Name),
	}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := c.connConfig(); err != nil {
		return nil, err
	}

	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.session = session
	return c, nil
}

// ConnString renders the keyword/value connection string for target.
func ConnString(target types.DatabaseTarget) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s application_name=%s",
		quote(target.Host), target.Port, quote(target.DBName), quote(target.User), quote(target.Password),
		pgxSSLMode(target.SSLMode), quote(appName+"-v"+version.Version))
}

func quote(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

func (c *Connection) connConfig() (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(ConnString(c.target))
	if err != nil {
		return nil, fmt.Errorf("invalid connection parameters for %s: %w", c.target, err)
	}
	tlsCfg, err := BuildTLSConfig(c.target.SSLMode, c.target.TLS, c.target.Host)
	if err != nil {
		return nil, err
	}
	applyTLS(&cfg.Config, tlsCfg)
	cfg.ConnectTimeout = c.target.ConnectTimeout
	return cfg, nil
}

func (c *Connection) connect(ctx context.Context) (Session, error) {
	backoff := c.target.BackoffInterval
	for {
		c.log.WithField("sslmode", c.target.SSLMode).Debug("connecting to database")

		session, err := c.dialOnce(ctx)
		if err == nil {
			c.log.Info("connected to database")
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, utils.ErrShutdown
		}

		c.log.WithError(err).WithField("retry_in", backoff).Error("unable to connect to database")
		if err := utils.Sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff = nextBackoff(backoff, c.target.BackoffInterval, c.target.MaxBackoffInterval)
	}
}

func (c *Connection) dialOnce(ctx context.Context) (Session, error) {
	// Certificates are re-read on every attempt so rotated files are used.
	cfg, err := c.connConfig()
	if err != nil {
		return nil, err
	}
	if c.target.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.target.ConnectTimeout)
		defer cancel()
	}
	return c.dial(ctx, cfg)
}

// reconnect discards the current session and replaces it.
func (c *Connection) reconnect(ctx context.Context) error {
	c.log.Warn("reconnecting to database")
	if c.onReconnect != nil {
		c.onReconnect()
	}
	if c.session != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = c.session.Close(closeCtx)
		cancel()
		c.session = nil
	}

	session, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.session = session
	return nil
}

// Query sets the session statement timeout and runs query. Transport
// failures trigger a reconnect and a retry after the backoff interval;
// failures carrying a server error code are returned as *QueryError.
// An in-flight statement is not interrupted by ctx cancellation; it is
// bounded by the statement timeout instead.
func (c *Connection) Query(ctx context.Context, query string, timeout time.Duration) (*Result, error) {
	select {
	case <-c.certChanges:
		c.log.Info("certificate files changed")
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
	default:
	}

	setTimeout := statementTimeout(timeout)
	backoff := c.target.BackoffInterval
	for {
		res, stmt, err := c.execute(ctx, setTimeout, query, timeout)
		if err == nil {
			return res, nil
		}
		if code := ServerErrorCode(err); code != "" {
			return nil, &QueryError{Query: stmt, Code: code, Err: err}
		}

		c.log.WithError(err).Warn("transport failure during query")
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
		if err := utils.Sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff = nextBackoff(backoff, c.target.BackoffInterval, c.target.MaxBackoffInterval)
	}
}

// statementTimeout rounds timeout up to whole milliseconds; a zero
// statement_timeout would disable the server-side limit.
func statementTimeout(timeout time.Duration) string {
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("set statement_timeout=%d", ms)
}

func (c *Connection) execute(ctx context.Context, setTimeout, query string, timeout time.Duration) (*Result, string, error) {
	if c.session == nil {
		return nil, query, errNoSession
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout+queryGrace)
	defer cancel()

	if err := c.session.Exec(qctx, setTimeout); err != nil {
		return nil, setTimeout, err
	}
	res, err := c.session.Query(qctx, query)
	return res, query, err
}

// Close terminates the current session.
func (c *Connection) Close(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close(ctx)
	c.session = nil
	return err
}

func nextBackoff(current, step, max time.Duration) time.Duration {
	next := current + step
	if next > max {
		return max
	}
	return next
}
