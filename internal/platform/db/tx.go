package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const txKey contextKey = "db_tx"

// WithTx runs fn inside a transaction. The transaction is placed on the
// context so repositories route their statements through it; it commits when
// fn returns nil and rolls back otherwise, which is what keeps a failed
// mutation from leaving partial writes behind.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Transactor groups repository writes so that either all of them persist
// or none do. Services hold one of these instead of a pool; the memory
// repositories ship their own implementations for tests and development.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// NewPoolTransactor binds WithTx to a pool.
func NewPoolTransactor(pool *pgxpool.Pool) Transactor {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return WithTx(ctx, pool, fn)
	}
}

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}
