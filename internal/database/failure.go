package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// FailureKind classifies a failed statement.
type FailureKind int

// Failure kinds. NotFound is a repository concern and never produced here.
const (
	KindDatabaseError FailureKind = iota
	KindConstraintViolation
)

func (k FailureKind) String() string {
	switch k {
	case KindConstraintViolation:
		return "constraint_violation"
	default:
		return "database_error"
	}
}

// Postgres SQLSTATE codes the callers care about.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	integrityClass          = "23"
)

// Failure is the only error type returned by Executor. Message, Constraint,
// Code and Where mirror the server's diagnostic fields when available.
type Failure struct {
	Kind       FailureKind
	Pool       PoolName
	Statement  string
	Message    string
	Constraint string
	Code       string
	Where      string
	Err        error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s pool", f.Kind, f.Pool)
	if f.Statement != "" {
		fmt.Fprintf(&b, " (%s)", f.Statement)
	}
	b.WriteString(": ")
	b.WriteString(f.Message)
	if f.Constraint != "" {
		fmt.Fprintf(&b, " [constraint %s]", f.Constraint)
	}
	if f.Code != "" {
		fmt.Fprintf(&b, " [code %s]", f.Code)
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// IsConstraintViolation reports whether err carries an integrity violation.
func IsConstraintViolation(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == KindConstraintViolation
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Code == CodeUniqueViolation
}

func newFailure(pool PoolName, stmt Statement, err error) *Failure {
	f := &Failure{
		Kind:      KindDatabaseError,
		Pool:      pool,
		Statement: stmt.Name,
		Message:   err.Error(),
		Err:       err,
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		f.Message = pgErr.Message
		f.Code = pgErr.Code
		f.Constraint = pgErr.ConstraintName
		f.Where = pgErr.Where
		if strings.HasPrefix(pgErr.Code, integrityClass) {
			f.Kind = KindConstraintViolation
		}
	}
	return f
}
