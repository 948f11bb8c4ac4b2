// Package postgres holds the database/sql plumbing shared by Postgres-backed
// stores: opening the pool through the pgx stdlib driver and classifying
// driver errors into sentinel errors.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"tally/pkg/platform/sentinel"
)

const (
	codeUniqueViolation = "23505"
	codeOutOfRange      = "22003" // numeric_value_out_of_range
	// Class 08 covers connection exceptions; 57P01-57P03 are admin shutdown,
	// crash shutdown, and cannot-connect-now.
	classConnection = "08"
)

var unavailableCodes = map[string]bool{
	"57P01": true,
	"57P02": true,
	"57P03": true,
	"53300": true, // too_many_connections
}

// Classify maps err onto sentinel errors, keeping the original reachable.
// Query-level faults (syntax, constraint other than unique) are returned
// wrapped but unclassified, except numeric overflow which maps to
// ErrOutOfRange.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrConflict, err)
		case pgErr.Code == codeOutOfRange:
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrOutOfRange, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == classConnection, unavailableCodes[pgErr.Code]:
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if isTransport(err) {
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransport(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
