package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	_ "github.com/jackc/pgx/v5/stdlib"                   // pgx database/sql driver

	"github.com/coursekit/bookingcore/backoff"
	"github.com/coursekit/bookingcore/circuitbreaker"
	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/log"
)

const (
	defaultMinConnections     = 2
	defaultMaxConnections     = 10
	defaultAcquireTimeout     = 5 * time.Second
	defaultQueryTimeout       = 5 * time.Second
	defaultSlowQueryThreshold = time.Second
	defaultConnMaxLifetime    = 30 * time.Minute
	defaultConnMaxIdleTime    = 5 * time.Minute
	defaultConnectAttempts    = 5
	connectBackoffBase        = 250 * time.Millisecond
	healthCheckTimeout        = 2 * time.Second
)

// Pool lifecycle errors.
var (
	ErrPoolClosed         = errors.New("postgres: pool is shut down")
	ErrConnectionRequired = errors.New("postgres: connection string is required")
	ErrBreakerRequired    = errors.New("postgres: datastore circuit breaker is required")
)

// Injection seams for unit tests.
var (
	dbOpenFn = sql.Open

	runMigrationsFn = runMigrations
)

var (
	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config holds pool construction parameters.
type Config struct {
	// ConnectionString is a pgx-compatible DSN or URL.
	ConnectionString string
	// MinConnections is kept idle and ready; MaxConnections bounds the pool.
	MinConnections int
	MaxConnections int
	// AcquireTimeout bounds how long a caller blocks waiting for a free
	// connection when the pool is exhausted.
	AcquireTimeout time.Duration
	// QueryTimeout is the default per-query bound, overridable per call.
	QueryTimeout time.Duration
	// SlowQueryThreshold flags queries worth a warning log.
	SlowQueryThreshold time.Duration
	// MigrationsPath, when set, runs golang-migrate file migrations at
	// connect time (e.g. "file://migrations").
	MigrationsPath string
	// ConnectAttempts bounds connection establishment retries.
	ConnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.MinConnections <= 0 {
		c.MinConnections = defaultMinConnections
	}

	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}

	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}

	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}

	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = defaultSlowQueryThreshold
	}

	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = defaultConnectAttempts
	}

	return c
}

// RowsFunc consumes a result set. The pool closes the rows and releases the
// connection when it returns, so implementations must fully materialize
// anything they need.
type RowsFunc func(rows *sql.Rows) error

// QueryOption adjusts a single query execution.
type QueryOption func(*queryOptions)

type queryOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the pool's default per-query timeout for one call.
func WithTimeout(d time.Duration) QueryOption {
	return func(o *queryOptions) {
		o.timeout = d
	}
}

// Statement is one entry of a batch.
type Statement struct {
	SQL  string
	Args []any
}

// Pool is a bounded pool of transactional datastore connections. Construct
// it with New; the owner controls the lifecycle via Shutdown.
type Pool struct {
	config  Config
	logger  log.Logger
	breaker *circuitbreaker.Breaker

	db    *sql.DB
	stats queryStats

	waiting atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// New opens the pool, retrying with jittered exponential backoff, runs
// migrations when configured, and verifies connectivity with a ping.
func New(ctx context.Context, config Config, breaker *circuitbreaker.Breaker, logger log.Logger) (*Pool, error) {
	if config.ConnectionString == "" {
		return nil, ErrConnectionRequired
	}

	if breaker == nil {
		return nil, ErrBreakerRequired
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	config = config.withDefaults()

	p := &Pool{
		config:  config,
		logger:  logger,
		breaker: breaker,
	}

	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Pool) connect(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt < p.config.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialWithJitter(connectBackoffBase, attempt)
			p.logger.Warnf("retrying datastore connection in %s (attempt %d/%d)",
				delay, attempt+1, p.config.ConnectAttempts)

			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return err
			}
		}

		db, err := p.open(ctx)
		if err == nil {
			p.db = db
			p.logger.Infof("connected to postgres (max %d connections)", p.config.MaxConnections)

			return nil
		}

		lastErr = err
	}

	return fmt.Errorf("failed to connect to postgres after %d attempts: %w",
		p.config.ConnectAttempts, lastErr)
}

func (p *Pool) open(ctx context.Context) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", p.config.ConnectionString)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		p.logger.Errorf("failed to open datastore: %s", sanitized)

		return nil, fmt.Errorf("failed to open datastore: %s", sanitized)
	}

	// Ensure the handle is cleaned up if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			db.Close()
		}
	}()

	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MinConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		sanitized := sanitizeSensitiveError(err)
		p.logger.Errorf("failed to ping datastore: %s", sanitized)

		return nil, fmt.Errorf("failed to ping datastore: %s", sanitized)
	}

	if p.config.MigrationsPath != "" {
		if err := runMigrationsFn(db, p.config.MigrationsPath, p.logger); err != nil {
			return nil, err
		}
	}

	success = true

	return db, nil
}

// Query acquires a connection, executes the statement through the datastore
// circuit breaker, streams the result set into fn, and releases the
// connection on every exit path. Latency is recorded into the rolling window
// and slow queries are flagged.
func (p *Pool) Query(ctx context.Context, query string, args []any, fn RowsFunc, opts ...QueryOption) error {
	options := p.options(opts)

	_, err := p.execute(ctx, func(execCtx context.Context, conn *sql.Conn) (any, error) {
		rows, err := conn.QueryContext(execCtx, query, args...)
		if err != nil {
			return nil, err
		}

		defer rows.Close()

		if err := fn(rows); err != nil {
			return nil, err
		}

		return nil, rows.Err()
	}, query, options)

	return err
}

// Exec acquires a connection and executes a statement that returns no rows.
// It reports the number of affected rows.
func (p *Pool) Exec(ctx context.Context, query string, args []any, opts ...QueryOption) (int64, error) {
	options := p.options(opts)

	result, err := p.execute(ctx, func(execCtx context.Context, conn *sql.Conn) (any, error) {
		res, err := conn.ExecContext(execCtx, query, args...)
		if err != nil {
			return nil, err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}

		return affected, nil
	}, query, options)
	if err != nil {
		return 0, err
	}

	affected, _ := result.(int64)

	return affected, nil
}

// Transaction acquires one connection, begins a transaction, invokes fn, and
// commits on success or rolls back on error or panic. All statements issued
// through the *sql.Tx ride the same underlying connection, so the
// transaction's reads and writes are serialized against a single session.
func (p *Pool) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	_, err := p.execute(ctx, func(execCtx context.Context, conn *sql.Conn) (any, error) {
		tx, err := conn.BeginTx(execCtx, nil)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransaction, "begin failed", err)
		}

		var done bool

		defer func() {
			if !done {
				// Reached on panic inside fn; release before re-panicking.
				_ = tx.Rollback()
			}
		}()

		if err := fn(tx); err != nil {
			done = true

			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.logger.Errorf("rollback failed: %v", rbErr)
			}

			return nil, err
		}

		done = true

		if err := tx.Commit(); err != nil {
			return nil, faults.Wrap(faults.KindTransaction, "commit failed", err)
		}

		return nil, nil
	}, "transaction", p.options(nil))

	return err
}

// Begin starts a caller-owned transaction. The caller must Commit or
// Rollback it; the underlying connection is returned to the pool when the
// transaction ends. Begin itself and every statement issued through the
// returned Tx route through the datastore breaker.
func (p *Pool) Begin(ctx context.Context) (*Tx, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	result, err := p.breaker.Execute(ctx, func() (any, error) {
		return p.db.BeginTx(ctx, nil)
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindTransaction, "begin failed", err)
	}

	tx, _ := result.(*sql.Tx)

	return &Tx{pool: p, tx: tx}, nil
}

// BatchQuery executes all statements inside a single transaction for
// all-or-nothing application.
func (p *Pool) BatchQuery(ctx context.Context, stmts []Statement) error {
	return p.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
				return fmt.Errorf("batch statement failed: %w", err)
			}
		}

		return nil
	})
}

// HealthCheck issues a trivial round-trip query with a short timeout. It
// reports health as a boolean and never propagates the failure.
func (p *Pool) HealthCheck(ctx context.Context) bool {
	if p.isClosed() {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var one int

	err := p.Query(checkCtx, "SELECT 1", nil, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&one)
		}

		return nil
	}, WithTimeout(healthCheckTimeout))
	if err != nil {
		p.logger.Warnf("datastore health check failed: %v", err)

		return false
	}

	return one == 1
}

// Metrics returns a read-only snapshot computed from the rolling window and
// the pool's connection accounting.
func (p *Pool) Metrics() Metrics {
	var dbStats sql.DBStats
	if p.db != nil {
		dbStats = p.db.Stats()
	}

	return Metrics{
		TotalConnections: dbStats.OpenConnections,
		IdleConnections:  dbStats.Idle,
		WaitingRequests:  int(p.waiting.Load()),
		TotalQueries:     p.stats.totalQueries.Load(),
		AverageQueryTime: p.stats.averageLatency(),
		SlowQueries:      p.stats.slowQueries.Load(),
		ErrorRate:        p.stats.errorRate(),
	}
}

// ResetMetrics clears the latency window and counters.
func (p *Pool) ResetMetrics() {
	p.stats.reset()
}

// Shutdown drains and closes all connections. No new acquisitions are
// accepted afterwards.
func (p *Pool) Shutdown(_ context.Context) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return nil
	}

	p.closed = true
	p.mu.Unlock()

	p.logger.Info("shutting down postgres pool")

	return p.db.Close()
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.closed
}

func (p *Pool) options(opts []QueryOption) queryOptions {
	options := queryOptions{timeout: p.config.QueryTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	return options
}

// execute funnels a unit of work through acquisition, the datastore breaker,
// timing, and release.
func (p *Pool) execute(ctx context.Context, work func(context.Context, *sql.Conn) (any, error), label string, options queryOptions) (any, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, sql.ErrConnDone) {
			p.logger.Warnf("connection release failed: %v", cerr)
		}
	}()

	start := time.Now()

	result, err := p.breaker.Execute(ctx, func() (any, error) {
		execCtx, cancel := context.WithTimeout(ctx, options.timeout)
		defer cancel()

		return work(execCtx, conn)
	})

	elapsed := time.Since(start)

	p.stats.totalQueries.Add(1)
	p.stats.recordLatency(elapsed)

	if elapsed > p.config.SlowQueryThreshold {
		p.stats.slowQueries.Add(1)
		p.logger.Warnf("slow query (%s): %s", elapsed, truncateQuery(label))
	}

	if err != nil {
		p.stats.errorCount.Add(1)
	}

	return result, err
}

// acquire blocks for a pooled connection up to the acquisition timeout.
func (p *Pool) acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Newf(faults.KindTimeout,
				"connection acquisition exceeded %s", p.config.AcquireTimeout)
		}

		return nil, fmt.Errorf("connection acquisition failed: %w", err)
	}

	return conn, nil
}

const maxLoggedQueryLen = 120

func truncateQuery(query string) string {
	if len(query) > maxLoggedQueryLen {
		return query[:maxLoggedQueryLen] + "..."
	}

	return query
}

func runMigrations(db *sql.DB, migrationsPath string, logger log.Logger) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("datastore migrations applied")

	return nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}
