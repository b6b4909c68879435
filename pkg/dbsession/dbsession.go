// Package dbsession defines the narrow database driver surface the rest of
// this module consumes. The slot manager, poller, and reactive query runner
// never talk to pgx directly; they talk to Pool and Session so that a fake
// driver can stand in for tests without a live Postgres instance.
package dbsession

import "context"

// Row is the single-row result of QueryRow, mirroring pgx.Row.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row result set, mirroring pgx.Rows closely enough that a
// pgx-backed implementation needs no translation beyond error wrapping.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Session is a single held database connection. A tailer acquires exactly
// one Session for its lifetime and shares it only with its own Slot
// Manager and poller.
type Session interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Release()
}

// Pool hands out Sessions and also supports direct queries for operations
// (like listing slots) that don't need the dedicated session.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// DriverError is the error shape the slot manager's error-code matching
// is written against. A driver adapter is expected to translate its native
// error type into one of these wherever a SQLSTATE code is available.
type DriverError struct {
	Code    string
	Message string
	cause   error
}

func (e *DriverError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.Code
}

func (e *DriverError) Unwrap() error { return e.cause }

// NewDriverError wraps cause with a SQLSTATE-style code.
func NewDriverError(code, message string, cause error) *DriverError {
	return &DriverError{Code: code, Message: message, cause: cause}
}

// SQLSTATE codes the slot manager gives special treatment.
const (
	CodeDecoderPluginMissing = "58P01"
	CodeSlotMissing          = "42704"
)
