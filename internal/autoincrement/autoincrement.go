// Package autoincrement is the C6 allocator: a race-condition-safe pattern
// for computing "next position in this group" columns (line item position,
// coloring/svg version number) without serializing every writer behind a
// single lock. Grounded on
// original_source/models/utils/auto_increment.py's AutoIncrementOnConflict —
// reworked from an async-with/async-for protocol to a callback plus
// SAVEPOINT, since Go has neither.
package autoincrement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Params configures one allocation attempt loop.
type Params struct {
	// NextValueQuery must return a single int64: the next candidate value for
	// the group (typically `SELECT COALESCE(MAX(col), 0) + 1 FROM t WHERE ...`).
	NextValueQuery string
	QueryArgs      []any
	// Constraint is the named unique constraint whose violation means another
	// writer raced this one to the same value — must be non-empty.
	Constraint string
	MaxRetries int
	Logger     *slog.Logger
}

// Attempt is run once per retry with the allocated candidate value, inside a
// SAVEPOINT that Retry commits on success and rolls back on conflict. attempt
// should perform exactly the insert that depends on value.
type Attempt func(ctx context.Context, tx *sqlx.Tx, value int64) error

// Retry implements the savepoint-based retry loop: compute the next value,
// try the attempt inside a savepoint, and on a named-constraint conflict roll
// back and recompute. Any other error aborts immediately without retrying.
func Retry(ctx context.Context, tx *sqlx.Tx, p Params, attempt Attempt) (int64, error) {
	if p.Constraint == "" {
		return 0, fmt.Errorf("autoincrement: constraint name is required for conflict detection")
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	for i := 1; i <= maxRetries; i++ {
		var value int64
		if err := tx.GetContext(ctx, &value, p.NextValueQuery, p.QueryArgs...); err != nil {
			return 0, fmt.Errorf("autoincrement: compute next value: %w", err)
		}

		savepoint := fmt.Sprintf("autoincrement_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return 0, fmt.Errorf("autoincrement: create savepoint: %w", err)
		}

		err := attempt(ctx, tx, value)
		if err == nil {
			if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); relErr != nil {
				return 0, fmt.Errorf("autoincrement: release savepoint: %w", relErr)
			}
			return value, nil
		}

		if !isNamedConstraintViolation(err, p.Constraint) {
			return 0, err
		}

		p.Logger.Warn("autoincrement: unique constraint conflict, retrying",
			"attempt", i, "max_retries", maxRetries, "constraint", p.Constraint, "error", err)

		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return 0, fmt.Errorf("autoincrement: rollback to savepoint: %w", rbErr)
		}
	}

	return 0, fmt.Errorf("autoincrement: failed to allocate unique value after %d retries (constraint: %s)", maxRetries, p.Constraint)
}

// isNamedConstraintViolation reports whether err is a Postgres unique
// violation (SQLSTATE 23505) naming constraint specifically — the Go
// rendition of the source's `f'"{constraint.name}"' in error_str` check.
func isNamedConstraintViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return pqErr.Constraint == constraint || strings.Contains(pqErr.Message, `"`+constraint+`"`)
}
