package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager executes fn within a database transaction, passing the
// underlying transaction handle as tx.
//
// USAGE
//
//	tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx Tx) error {
//		// call repositories with the same ctx and tx
//		return repo.AppendMessages(ctx, tx, id, msgs, n)
//	})
//
// The concrete type of tx is infra-defined (pgx.Tx for Postgres, *sql.Tx for
// SQLite). Repositories MUST accept a nil tx (non-transactional path).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
