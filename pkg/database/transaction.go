package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const txKey txContextKey = "tx"

type Tx interface {
	BindNamed(query string, arg any) (string, []any, error)
	DriverName() string
	Exec(query string, args ...any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Get(dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	MustExec(query string, args ...any) sql.Result
	MustExecContext(ctx context.Context, query string, args ...any) sql.Result
	NamedExec(query string, arg any) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	NamedQuery(query string, arg any) (*sqlx.Rows, error)
	Prepare(query string) (*sql.Stmt, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	PrepareNamed(query string) (*sqlx.NamedStmt, error)
	PrepareNamedContext(ctx context.Context, query string) (*sqlx.NamedStmt, error)
	Preparex(query string) (*sqlx.Stmt, error)
	PreparexContext(ctx context.Context, query string) (*sqlx.Stmt, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryRowx(query string, args ...any) *sqlx.Row
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	Queryx(query string, args ...any) (*sqlx.Rows, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Rebind(query string) string
	Select(dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Unsafe() *sqlx.Tx
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type txState struct {
	mu     sync.Mutex
	closed bool
}

func (s *txState) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *txState) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Transaction wraps a sqlx transaction. The handle returned by GetTx owns the
// transaction; the handle stored in the context is a participant whose Commit
// and Rollback are no-ops, so nested calls that join an existing transaction
// cannot end it out from under the caller that opened it.
type Transaction struct {
	*sqlx.Tx
	logger ectologger.Logger
	state  *txState
	owner  bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) Tx {
	return &Transaction{
		Tx:     tx,
		logger: logger,
		state:  &txState{},
		owner:  true,
	}
}

func (t *Transaction) participant() *Transaction {
	return &Transaction{
		Tx:     t.Tx,
		logger: t.logger,
		state:  t.state,
		owner:  false,
	}
}

func (t *Transaction) IsOpen() bool {
	return t.state.isOpen()
}

func (t *Transaction) Commit(ctx context.Context) error {
	if !t.owner {
		return nil
	}
	if !t.state.close() {
		return nil
	}
	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("Failed to commit transaction")
		return err
	}
	return nil
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if !t.owner {
		return nil
	}
	if !t.state.close() {
		return nil
	}
	if err := t.Tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.WithContext(ctx).WithError(err).Error("Failed to rollback transaction")
		return err
	}
	return nil
}

// GetTx returns the transaction stored in the context, or begins a new one and
// stores a participant handle in the returned context. The caller that receives
// a fresh transaction is responsible for Commit and Rollback.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(*Transaction); ok && existing.IsOpen() {
		return ctx, existing, nil
	}

	sqlxTx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Failed to begin transaction")
		return ctx, nil, err
	}

	owner := &Transaction{
		Tx:     sqlxTx,
		logger: logger,
		state:  &txState{},
		owner:  true,
	}
	ctx = context.WithValue(ctx, txKey, owner.participant())
	return ctx, owner, nil
}
