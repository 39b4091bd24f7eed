package internal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lychee-technology/searchdb"
)

// DBConn is the subset of pgxpool.Pool the gateway needs. pgxmock
// satisfies it too, which keeps the whole layer testable without a
// live server.
type DBConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// execer is satisfied by both *Gateway and pgx.Tx, so catalog updates can
// run standalone or join a caller's transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Gateway routes every statement of the table layer through one place,
// timing each one and logging the slow ones.
type Gateway struct {
	conn      DBConn
	slowAfter time.Duration
	nowFunc   func() time.Time
}

func NewGateway(conn DBConn, cfg searchdb.LoggingConfig) *Gateway {
	slowAfter := cfg.SlowQueryThreshold
	if slowAfter <= 0 {
		slowAfter = time.Second
	}
	return &Gateway{conn: conn, slowAfter: slowAfter, nowFunc: time.Now}
}

func (g *Gateway) observe(sql string, started time.Time) {
	elapsed := g.nowFunc().Sub(started)
	if elapsed >= g.slowAfter {
		zap.S().Warnw("slow statement",
			"statement_id", uuid.NewString(),
			"elapsed", elapsed,
			"sql", sql)
	} else {
		zap.S().Debugw("statement", "elapsed", elapsed, "sql", sql)
	}
}

func (g *Gateway) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	started := g.nowFunc()
	rows, err := g.conn.Query(ctx, sql, args...)
	g.observe(sql, started)
	if err != nil {
		return nil, searchdb.NewEngineError("query failed", err)
	}
	return rows, nil
}

func (g *Gateway) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	started := g.nowFunc()
	row := g.conn.QueryRow(ctx, sql, args...)
	g.observe(sql, started)
	return row
}

func (g *Gateway) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	started := g.nowFunc()
	tag, err := g.conn.Exec(ctx, sql, args...)
	g.observe(sql, started)
	if err != nil {
		return tag, searchdb.NewEngineError("exec failed", err)
	}
	return tag, nil
}

// Begin opens a transaction. Statements issued on the returned tx are
// not individually timed; callers hold transactions briefly.
func (g *Gateway) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := g.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, searchdb.NewTransactionError("begin transaction", err)
	}
	return tx, nil
}

// InTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (g *Gateway) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := g.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // no-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return searchdb.NewTransactionError("commit transaction", err)
	}
	return nil
}
