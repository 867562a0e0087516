package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/coursekit/bookingcore/faults"
	"github.com/coursekit/bookingcore/postgres"
)

// countableStatuses are the reservation statuses that occupy capacity.
const countableStatuses = "'PENDING', 'CONFIRMED'"

// PostgresStore implements Store against the relational datastore through
// the connection pool. Statements inside a transaction run on the
// transaction's pinned connection; both they and standalone reads go through
// the pool's datastore circuit breaker and metrics.
type PostgresStore struct {
	pool *postgres.Pool
}

// NewPostgresStore wires the store to the pool.
func NewPostgresStore(pool *postgres.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Begin starts a caller-owned datastore transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	return s.pool.Begin(ctx)
}

func concreteTx(tx Tx) (*postgres.Tx, error) {
	pt, ok := tx.(*postgres.Tx)
	if !ok {
		return nil, fmt.Errorf("ledger: foreign transaction type %T", tx)
	}

	return pt, nil
}

// SessionForUpdate reads the session row with FOR UPDATE so concurrent
// mutations of the same session serialize behind this transaction.
func (s *PostgresStore) SessionForUpdate(ctx context.Context, tx Tx, id string) (*Session, error) {
	pt, err := concreteTx(tx)
	if err != nil {
		return nil, err
	}

	var sess Session

	err = pt.QueryRow(ctx, `
		SELECT id, title, course_type, location, starts_at,
		       max_participants, current_participants, status
		FROM sessions
		WHERE id = $1
		FOR UPDATE`, []any{id}, sessionFields(&sess)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.Newf(faults.KindNotFound, "session %s not found", id)
		}

		return nil, err
	}

	return &sess, nil
}

// CountActiveReservations counts countable reservations inside tx.
func (s *PostgresStore) CountActiveReservations(ctx context.Context, tx Tx, sessionID string) (int, error) {
	pt, err := concreteTx(tx)
	if err != nil {
		return 0, err
	}

	var count int

	err = pt.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM reservations
		WHERE session_id = $1 AND status IN (`+countableStatuses+`)`, []any{sessionID}, &count)
	if err != nil {
		return 0, fmt.Errorf("counting reservations for session %s: %w", sessionID, err)
	}

	return count, nil
}

// SetParticipantCount updates the denormalized counter inside tx.
func (s *PostgresStore) SetParticipantCount(ctx context.Context, tx Tx, sessionID string, count int) error {
	pt, err := concreteTx(tx)
	if err != nil {
		return err
	}

	affected, err := pt.Exec(ctx, `
		UPDATE sessions
		SET current_participants = $2, updated_at = now()
		WHERE id = $1`, []any{sessionID, count})
	if err != nil {
		return fmt.Errorf("updating participant count for session %s: %w", sessionID, err)
	}

	if affected == 0 {
		return faults.Newf(faults.KindNotFound, "session %s not found", sessionID)
	}

	return nil
}

// Session reads a session without a transaction.
func (s *PostgresStore) Session(ctx context.Context, id string) (*Session, error) {
	var (
		sess  *Session
		found bool
	)

	err := s.pool.Query(ctx, `
		SELECT id, title, course_type, location, starts_at,
		       max_participants, current_participants, status
		FROM sessions
		WHERE id = $1`, []any{id}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}

		found = true

		var err error
		sess, err = scanSessionRows(rows)

		return err
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, faults.Newf(faults.KindNotFound, "session %s not found", id)
	}

	return sess, nil
}

// ActiveReservationCount counts countable reservations without a transaction.
func (s *PostgresStore) ActiveReservationCount(ctx context.Context, sessionID string) (int, error) {
	var count int

	err := s.pool.Query(ctx, `
		SELECT COUNT(*)
		FROM reservations
		WHERE session_id = $1 AND status IN (`+countableStatuses+`)`, []any{sessionID},
		func(rows *sql.Rows) error {
			if rows.Next() {
				return rows.Scan(&count)
			}

			return nil
		})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Sessions lists candidate sessions, applying the relational filters and
// ordering by date. OnlyAvailable is applied by the ledger after live
// counting.
func (s *PostgresStore) Sessions(ctx context.Context, filters Filters) ([]Session, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, title, course_type, location, starts_at,
		       max_participants, current_participants, status
		FROM sessions
		WHERE 1=1`)

	var args []any

	if !filters.From.IsZero() {
		args = append(args, filters.From)
		fmt.Fprintf(&query, " AND starts_at >= $%d", len(args))
	}

	if !filters.To.IsZero() {
		args = append(args, filters.To)
		fmt.Fprintf(&query, " AND starts_at <= $%d", len(args))
	}

	if filters.CourseType != "" {
		args = append(args, filters.CourseType)
		fmt.Fprintf(&query, " AND course_type = $%d", len(args))
	}

	if filters.Location != "" {
		args = append(args, filters.Location)
		fmt.Fprintf(&query, " AND location = $%d", len(args))
	}

	query.WriteString(" ORDER BY starts_at ASC")

	var sessions []Session

	err := s.pool.Query(ctx, query.String(), args, func(rows *sql.Rows) error {
		for rows.Next() {
			sess, err := scanSessionRows(rows)
			if err != nil {
				return err
			}

			sessions = append(sessions, *sess)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

// sessionFields lists the scan destinations in column order.
func sessionFields(sess *Session) []any {
	return []any{
		&sess.ID,
		&sess.Title,
		&sess.CourseType,
		&sess.Location,
		&sess.StartsAt,
		&sess.MaxParticipants,
		&sess.CurrentParticipants,
		&sess.Status,
	}
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	var sess Session

	if err := rows.Scan(sessionFields(&sess)...); err != nil {
		return nil, err
	}

	return &sess, nil
}
