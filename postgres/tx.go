package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Tx is a caller-owned transaction started with Begin. Statements issued
// through it run on the transaction's pinned connection but still route
// through the datastore circuit breaker and the pool's metrics, exactly like
// pool-level queries, so transactional writes cannot bypass the breaker's
// failure accounting.
type Tx struct {
	pool *Pool
	tx   *sql.Tx
}

// QueryRow executes a single-row query inside the transaction and scans the
// result into dest. sql.ErrNoRows is returned to the caller but is not
// counted against the circuit breaker: a missing row is an application
// outcome, not a datastore fault.
func (t *Tx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	var noRows bool

	err := t.run(ctx, query, func(execCtx context.Context) error {
		err := t.tx.QueryRowContext(execCtx, query, args...).Scan(dest...)
		if errors.Is(err, sql.ErrNoRows) {
			noRows = true

			return nil
		}

		return err
	})
	if err != nil {
		return err
	}

	if noRows {
		return sql.ErrNoRows
	}

	return nil
}

// Exec executes a statement inside the transaction and reports the number of
// affected rows.
func (t *Tx) Exec(ctx context.Context, query string, args []any) (int64, error) {
	var affected int64

	err := t.run(ctx, query, func(execCtx context.Context) error {
		result, err := t.tx.ExecContext(execCtx, query, args...)
		if err != nil {
			return err
		}

		affected, err = result.RowsAffected()

		return err
	})
	if err != nil {
		return 0, err
	}

	return affected, nil
}

// Commit commits the transaction through the breaker, so a connection lost
// at commit time counts against the datastore like any failed statement.
func (t *Tx) Commit() error {
	_, err := t.pool.breaker.Execute(context.Background(), func() (any, error) {
		return nil, t.tx.Commit()
	})

	return err
}

// Rollback aborts the transaction and returns its connection to the pool.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// run funnels one in-transaction statement through the breaker, timing, and
// the pool's counters.
func (t *Tx) run(ctx context.Context, label string, work func(context.Context) error) error {
	p := t.pool

	start := time.Now()

	_, err := p.breaker.Execute(ctx, func() (any, error) {
		execCtx, cancel := context.WithTimeout(ctx, p.config.QueryTimeout)
		defer cancel()

		return nil, work(execCtx)
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

	return err
}
