package pgx

import (
	"errors"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes the graph store reacts to.
// See https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
	CodeTooManyConnections   = "53300"
	CodeAdminShutdown        = "57P01"

	CodeForeignKeyViolation = "23503"
	CodeUniqueViolation     = "23505"
)

// transientClasses are SQLSTATE classes (first two characters) whose errors
// may succeed when retried.
var transientClasses = []string{"08"} // connection exception

// fatalClasses are SQLSTATE classes whose errors never succeed on retry.
var fatalClasses = []string{
	"22", // data exception
	"23", // integrity constraint violation
	"28", // invalid authorization
	"42", // syntax error or access rule violation
}

// Classify maps a pgx error onto the store error classes. Unknown errors are
// returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable,
			CodeQueryCanceled, CodeTooManyConnections, CodeAdminShutdown:
			return common.Transient(err)
		}
		if hasClass(pgErr.Code, transientClasses) {
			return common.Transient(err)
		}
		if hasClass(pgErr.Code, fatalClasses) {
			return common.Fatal(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return common.Transient(err)
	}
	return err
}

func hasClass(code string, classes []string) bool {
	for _, c := range classes {
		if strings.HasPrefix(code, c) {
			return true
		}
	}
	return false
}

// ErrorCode returns the SQLSTATE of err, or "" if err is not a PostgreSQL error.
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
