package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gearhouse-backend/internal/repository"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store bundles every repository over one database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
	repository.AssetRepository
	repository.KitRepository
	repository.PolicyRepository
	repository.TransactionRepository
	repository.VerificationRepository
	repository.IncidentRepository
	repository.SettlementRepository
	repository.ExtensionRepository
	repository.OutboxRepository
}

func NewStore(db *sql.DB, dialect Dialect) *Store {
	c := &conn{db: db, dialect: dialect}
	return &Store{
		db:                     db,
		dialect:                dialect,
		AssetRepository:        NewAssetRepository(c),
		KitRepository:          NewKitRepository(c),
		PolicyRepository:       NewPolicyRepository(c),
		TransactionRepository:  NewTransactionRepository(c),
		VerificationRepository: NewVerificationRepository(c),
		IncidentRepository:     NewIncidentRepository(c),
		SettlementRepository:   NewSettlementRepository(c),
		ExtensionRepository:    NewExtensionRepository(c),
		OutboxRepository:       NewOutboxRepository(c),
	}
}

// Open connects to a postgres URL or a sqlite file path.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case Postgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	case SQLite:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// One connection serializes writers, which is what makes the
		// check-then-insert in Reserve atomic on sqlite.
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported dialect %v", dialect)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn is shared by the repositories of one Store.
type conn struct {
	db      *sql.DB
	dialect Dialect
}

func (c *conn) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

func (c *conn) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, c.dialect.Rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

// withTx runs fn in a database transaction, committing on nil.
func (c *conn) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onZero
	}
	return nil
}
