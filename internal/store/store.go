// Package store provides the data access layer for the processing pipeline.
// All queries are written against pgx directly. Lease operations on the two
// queue tables (webhook_jobs, media_assets) share one generic implementation
// in lease.go; domain writes made by job handlers live next to their tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned by lookups whose target row does not exist.
var ErrNotFound = errors.New("not found")

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// psql builds squirrel queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB

	webhookJobs *Lease[WebhookJob]
	mediaAssets *Lease[MediaAsset]
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		db:          stdlib.OpenDBFromPool(pool),
		webhookJobs: NewLease[WebhookJob](pool, webhookJobsLease),
		mediaAssets: NewLease[MediaAsset](pool, mediaAssetsLease),
	}
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns a database/sql handle over the same pool. Tests use it for
// direct row assertions.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
