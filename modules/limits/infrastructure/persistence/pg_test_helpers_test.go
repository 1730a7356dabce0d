package persistence

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type beginnerFunc func(ctx context.Context) (pgx.Tx, error)

func (f beginnerFunc) Begin(ctx context.Context) (pgx.Tx, error) { return f(ctx) }

type stubRow struct {
	err  error
	scan func(dest ...any) error
}

func (r *stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan != nil {
		return r.scan(dest...)
	}
	return nil
}

// stubTx hands back queued Exec results and QueryRow rows in call order.
type stubTx struct {
	execTags  []pgconn.CommandTag
	execErrs  []error
	execN     int
	rows      []pgx.Row
	rowN      int
	queryErr  error
	commitErr error
}

func (t *stubTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *stubTx) Commit(context.Context) error              { return t.commitErr }
func (t *stubTx) Rollback(context.Context) error            { return nil }
func (t *stubTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *stubTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *stubTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *stubTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *stubTx) Conn() *pgx.Conn { return nil }

func (t *stubTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	i := t.execN
	t.execN++
	var err error
	if i < len(t.execErrs) {
		err = t.execErrs[i]
	}
	var tag pgconn.CommandTag
	if i < len(t.execTags) {
		tag = t.execTags[i]
	}
	return tag, err
}

func (t *stubTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, t.queryErr
}

func (t *stubTx) QueryRow(context.Context, string, ...any) pgx.Row {
	i := t.rowN
	t.rowN++
	if i < len(t.rows) {
		return t.rows[i]
	}
	return &stubRow{}
}

func beginWith(tx pgx.Tx) beginnerFunc {
	return func(context.Context) (pgx.Tx, error) { return tx, nil }
}
