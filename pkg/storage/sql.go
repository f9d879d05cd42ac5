package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrUnavailable marks a failure of the durable store itself, as opposed to
// an error from work a caller ran inside one of its transactions.
var ErrUnavailable = errors.New("durable store unavailable")

// Unavailable marks err as a durable store failure. nil stays nil.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// DB wraps the durable store shared by the version authority, the fallback
// lock table and the persisted circuit state.
// sqlite serialises writers with BEGIN IMMEDIATE; postgres uses row locks.
type DB struct {
	*sql.DB
	driver string

	lockTimeout      time.Duration
	statementTimeout time.Duration
}

type Config struct {
	Driver string
	// sqlite file path or postgres DSN
	DSN             string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// bounds how long a transaction waits on a contended row
	LockTimeout time.Duration
	// bounds a single statement; transactions inherit it as their deadline
	StatementTimeout time.Duration
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
		if cfg.Driver == DriverSQLite {
			// one writer at a time anyway; queue in the pool, not the busy handler
			cfg.MaxOpenConns = 1
		}
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 500 * time.Millisecond
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 2 * time.Second
	}

	var dsn string
	switch cfg.Driver {
	case DriverSQLite:
		// immediate transactions take the write lock up front so the version
		// row check and the write it guards cannot interleave with another writer
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_txlock=immediate",
			cfg.DSN,
			int(cfg.BusyTimeout.Milliseconds()),
		)
	case DriverPostgres:
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	wdb := &DB{
		DB:               db,
		driver:           cfg.Driver,
		lockTimeout:      cfg.LockTimeout,
		statementTimeout: cfg.StatementTimeout,
	}

	if err := wdb.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return wdb, nil
}

func (d *DB) Driver() string { return d.driver }

// Rebind rewrites '?' placeholders for the active driver. Every '?' is
// rewritten, including one inside a string literal, so queries must not
// carry a literal question mark.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// row lock suffix for a SELECT; sqlite already holds the database write lock
func (d *DB) ForUpdate() string {
	if d.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

type TxOptions struct {
	// zero means the configured defaults
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// InTx runs fn in a short transaction. fn's error rolls back; nil commits.
func (d *DB) InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx *sql.Tx) error) error {
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = d.lockTimeout
	}
	stmtTimeout := opts.StatementTimeout
	if stmtTimeout <= 0 {
		stmtTimeout = d.statementTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, lockTimeout+stmtTimeout)
	defer cancel()

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if d.driver == DriverPostgres {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", stmtTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// reports whether err is contention or a timeout that a retry may clear
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", // lock_not_available
			"57014", // query_canceled (statement_timeout)
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}
	return false
}

// millisecond timestamps are what every table stores
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
