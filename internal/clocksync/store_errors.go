package clocksync

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
)

// classifyStoreError maps driver errors onto the package error taxonomy.
func classifyStoreError(op string, rec Record, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	code := ""
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	var liteErr sqlite3.Error
	switch {
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	case errors.As(err, &pgErr):
		code = pgErr.Code
	case errors.As(err, &liteErr):
		switch {
		case liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked:
			code = pgLockNotAvailable
		case liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || liteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			code = pgUniqueViolation
		case liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			code = pgForeignKeyViolation
		}
	}

	switch code {
	case pgDeadlockDetected, pgLockNotAvailable, pgSerializationFailure:
		return &TransientError{Op: op, Err: err}
	case pgUniqueViolation:
		if rec != nil {
			return &IdentityConflictError{Kind: rec.Kind(), Key: rec.Key(), Err: err}
		}
	case pgForeignKeyViolation:
		if rec != nil {
			return &ForeignKeyError{Kind: rec.Kind(), Parent: "parent row", Err: err}
		}
		return &ForeignKeyError{Parent: "dependent row", Err: err}
	}
	if IsTransient(err) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}
