package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// InvalidationChannel is the LISTEN/NOTIFY channel carrying the IDs of users
// whose effective rules changed
const InvalidationChannel = "ability_invalidated"

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func isPQError(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// notifyInvalidated queues one notification per user; delivery happens on commit
func notifyInvalidated(ctx context.Context, tx *sql.Tx, userIDs []string) error {
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", InvalidationChannel, id); err != nil {
			return fmt.Errorf("failed to notify invalidation for user %s: %w", id, err)
		}
	}
	return nil
}

// queryStrings runs a single-column query and collects the values
func queryStrings(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
