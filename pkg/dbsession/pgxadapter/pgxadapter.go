// Package pgxadapter implements dbsession.Pool and dbsession.Session on top
// of jackc/pgx/v5's pgxpool, translating *pgconn.PgError into
// dbsession.DriverError so the rest of the module never imports pgx
// directly (mirrors the role pkg/conn plays in the wider codebase).
package pgxadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lxsystems/pgreactive/pkg/dbsession"
)

// Pool wraps a *pgxpool.Pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool parses connString and opens a pgxpool, retrying the initial
// connectivity check with exponential backoff since the database is
// frequently still starting up when this runs in a container alongside it.
func NewPool(ctx context.Context, connString string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	pingErr := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(bo, ctx))
	if pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", pingErr)
	}

	return &Pool{pool: pool}, nil
}

// NewPoolFromPgxPool wraps an already-constructed pgxpool.Pool, for callers
// (such as tests) that want full control over pgxpool.Config.
func NewPoolFromPgxPool(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool}
}

// Underlying returns the wrapped *pgxpool.Pool for callers that need pgx
// features this narrow interface doesn't expose (e.g. the user's own query
// builder).
func (p *Pool) Underlying() *pgxpool.Pool { return p.pool }

func (p *Pool) Close() { p.pool.Close() }

func (p *Pool) Acquire(ctx context.Context) (dbsession.Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return &Session{conn: conn}, nil
}

func (p *Pool) Query(ctx context.Context, sql string, args ...any) (dbsession.Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	return &rowsAdapter{rows: rows}, nil
}

// Session wraps a held *pgxpool.Conn.
type Session struct {
	conn *pgxpool.Conn
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (dbsession.Rows, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	return &rowsAdapter{rows: rows}, nil
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) dbsession.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *Session) Release() { s.conn.Release() }

type rowsAdapter struct {
	rows pgx.Rows
}

func (r *rowsAdapter) Next() bool             { return r.rows.Next() }
func (r *rowsAdapter) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *rowsAdapter) Err() error             { return translateErr(r.rows.Err()) }
func (r *rowsAdapter) Close()                 { r.rows.Close() }

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return dbsession.NewDriverError(pgErr.Code, pgErr.Message, err)
	}
	return err
}
