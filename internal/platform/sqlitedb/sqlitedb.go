// Package sqlitedb opens the single-node SQLite store and carries its
// transactions through context, the same way the Postgres stores do.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ehr/ldtgate/internal/platform/db"
)

// Querier is what repositories need from SQLite. Both *sql.DB and *sql.Tx
// satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type ctxKey struct{}

var txKey = ctxKey{}

// TxFromContext returns the SQLite transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey).(*sql.Tx)
	return tx
}

// DB is a SQLite database with serialized write transactions.
type DB struct {
	*sql.DB
	mu   sync.Mutex
	path string
}

// Open opens (creating if needed) the database at path and applies the
// migrations in fsys. A nil fsys skips migrations.
func Open(ctx context.Context, path string, fsys fs.FS) (*DB, error) {
	if path == "" {
		path = "ldtgate.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; a single connection also keeps :memory: databases shared
	sqlDB.SetMaxOpenConns(1)

	d := &DB{DB: sqlDB, path: path}
	if err := d.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if fsys != nil {
		if _, err := d.Migrate(ctx, fsys); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return d, nil
}

// Path returns the configured database path.
func (d *DB) Path() string { return d.path }

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error { return d.PingContext(ctx) }

// Conn returns the transaction carried by ctx, falling back to the database.
func (d *DB) Conn(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return d.DB
}

// WithTx runs fn inside a write transaction. Nested calls join the outer
// transaction. Transactions are serialized within the process.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) (retErr error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Migrate applies pending migrations from fsys and returns how many ran.
func (d *DB) Migrate(ctx context.Context, fsys fs.FS) (int, error) {
	if _, err := d.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("create _migrations table: %w", err)
	}

	migrations, err := db.LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	applied, err := d.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		err := d.WithTx(ctx, func(ctx context.Context) error {
			conn := d.Conn(ctx)
			if _, err := conn.ExecContext(ctx, mig.SQL); err != nil {
				return fmt.Errorf("execute SQL: %w", err)
			}
			_, err := conn.ExecContext(ctx,
				`INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				mig.Version, mig.Name, UnixMicro(time.Now()))
			return err
		})
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// Status reports every migration in fsys with whether it has been applied.
func (d *DB) Status(ctx context.Context, fsys fs.FS) ([]db.MigrationStatus, error) {
	migrations, err := db.LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	applied, err := d.applied(ctx)
	if err != nil {
		return nil, err
	}
	return db.BuildStatus(migrations, applied), nil
}

func (d *DB) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := d.QueryContext(ctx, `SELECT version, applied_at FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at int64
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		out[v] = FromUnixMicro(at)
	}
	return out, rows.Err()
}

// UnixMicro encodes a timestamp for storage.
func UnixMicro(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// FromUnixMicro decodes a stored timestamp.
func FromUnixMicro(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// NullUnixMicro encodes an optional timestamp.
func NullUnixMicro(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: UnixMicro(*t), Valid: true}
}

// FromNullUnixMicro decodes an optional timestamp.
func FromNullUnixMicro(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromUnixMicro(v.Int64)
	return &t
}
