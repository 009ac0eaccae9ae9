package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	enginerr "github.com/fusedb/fusedb/internal/errors"
)

// MemoryPath opens a transient in-memory database.
const MemoryPath = ":memory:"

const stmtCacheSize = 128

// DB is the typed adapter over the embedded SQL engine. It owns a
// single connection: SQLite serializes all statements through it, which
// is the single-writer discipline the engine requires.
type DB struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	lock   *flock.Flock
	stmts  *lru.Cache[string, *sql.Stmt]
	closed bool

	busyTimeout time.Duration
	retry       enginerr.RetryConfig
}

// OpenDB opens (or creates) the database file and configures the
// connection. Pass MemoryPath for a transient store. File-backed stores
// take an exclusive cross-process lock next to the database file.
func OpenDB(path string, busyTimeout time.Duration) (*DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	d := &DB{
		path:        path,
		busyTimeout: busyTimeout,
		retry:       enginerr.DefaultRetryConfig(),
	}

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, enginerr.Wrap(enginerr.ErrCodeQuota, fmt.Errorf("create directory %s: %w", dir, err))
		}

		d.lock = flock.New(path + ".lock")
		locked, err := d.lock.TryLock()
		if err != nil {
			return nil, enginerr.Wrap(enginerr.ErrCodeDatabase, fmt.Errorf("acquire store lock: %w", err))
		}
		if !locked {
			return nil, enginerr.Newf(enginerr.ErrCodeBusy, "store %s is owned by another process", path).
				WithSuggestion("stop the other worker or point this one at a different database file")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		d.releaseLock()
		return nil, enginerr.Wrap(enginerr.ErrCodeDatabase, fmt.Errorf("open database: %w", err))
	}

	// One connection: all reads and writes go through it serially, and
	// in-memory databases keep their contents.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			d.releaseLock()
			return nil, enginerr.Database(pragma, 0, err)
		}
	}

	stmts, err := lru.NewWithEvict[string, *sql.Stmt](stmtCacheSize, func(_ string, stmt *sql.Stmt) {
		_ = stmt.Close()
	})
	if err != nil {
		_ = db.Close()
		d.releaseLock()
		return nil, enginerr.Wrap(enginerr.ErrCodeInternal, err)
	}

	d.db = db
	d.stmts = stmts
	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Connected reports whether the database handle is usable.
func (d *DB) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db != nil && !d.closed
}

// Exec runs a statement that yields no rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) error {
	return enginerr.Retry(ctx, d.retry, func() error {
		stmt, err := d.prepare(ctx, query, len(args))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return d.wrapSQL(query, len(args), err)
		}
		return nil
	})
}

// Select runs a query and fully materializes the result rows.
func (d *DB) Select(ctx context.Context, query string, args ...any) ([]Row, error) {
	var out []Row
	err := enginerr.Retry(ctx, d.retry, func() error {
		stmt, err := d.prepare(ctx, query, len(args))
		if err != nil {
			return err
		}
		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			return d.wrapSQL(query, len(args), err)
		}
		defer rows.Close()

		out, err = materialize(rows)
		if err != nil {
			return d.wrapSQL(query, len(args), err)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tx is an open write transaction.
type Tx struct {
	tx *sql.Tx
	d  *DB
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return t.d.wrapSQL(query, len(args), err)
	}
	return nil
}

// Select runs a query inside the transaction and materializes the rows.
func (t *Tx) Select(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.d.wrapSQL(query, len(args), err)
	}
	defer rows.Close()

	out, err := materialize(rows)
	if err != nil {
		return nil, t.d.wrapSQL(query, len(args), err)
	}
	return out, rows.Err()
}

// ScanInt runs a single-value query inside the transaction.
func (t *Tx) ScanInt(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, t.d.wrapSQL(query, len(args), err)
	}
	return n, nil
}

// Transaction runs fn inside a write transaction, committing on nil and
// rolling back on any error. SQLITE_BUSY contention is retried with
// backoff, re-running fn from scratch.
func (d *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return enginerr.Retry(ctx, d.retry, func() error {
		sqlTx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return d.wrapSQL("BEGIN", 0, err)
		}
		tx := &Tx{tx: sqlTx, d: d}

		if err := fn(tx); err != nil {
			_ = sqlTx.Rollback()
			return err
		}

		if err := sqlTx.Commit(); err != nil {
			_ = sqlTx.Rollback()
			return d.wrapSQL("COMMIT", 0, err)
		}
		return nil
	})
}

// Serialize produces a whole-database snapshot as bytes.
func (d *DB) Serialize(ctx context.Context) ([]byte, error) {
	tmp, err := os.CreateTemp("", "fusedb-export-*.db")
	if err != nil {
		return nil, enginerr.Wrap(enginerr.ErrCodeQuota, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	_ = os.Remove(tmpPath)
	defer func() { _ = os.Remove(tmpPath) }()

	query := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(tmpPath, "'", "''"))
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return nil, d.wrapSQL("VACUUM INTO ?", 1, err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.ErrCodeDatabase, err)
	}
	return data, nil
}

// Close finalizes cached statements, closes the handle, and releases
// the cross-process lock.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.stmts != nil {
		d.stmts.Purge()
	}

	var err error
	if d.db != nil {
		err = d.db.Close()
		d.db = nil
	}
	d.releaseLock()
	return err
}

func (d *DB) releaseLock() {
	if d.lock != nil {
		_ = d.lock.Unlock()
		d.lock = nil
	}
}

// prepare returns a cached prepared statement for the query text.
func (d *DB) prepare(ctx context.Context, query string, paramCount int) (*sql.Stmt, error) {
	d.mu.Lock()
	if d.closed || d.db == nil {
		d.mu.Unlock()
		return nil, enginerr.New(enginerr.ErrCodeNotOpen, "store is not open", nil)
	}
	if stmt, ok := d.stmts.Get(query); ok {
		d.mu.Unlock()
		return stmt, nil
	}
	db := d.db
	d.mu.Unlock()

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, d.wrapSQL(query, paramCount, err)
	}

	d.mu.Lock()
	d.stmts.Add(query, stmt)
	d.mu.Unlock()
	return stmt, nil
}

// wrapSQL turns a driver error into a typed engine error carrying the
// SQL snippet and the bound parameter count, never values.
func (d *DB) wrapSQL(query string, paramCount int, err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return enginerr.Wrap(enginerr.ErrCodeBusy, err).
			WithDetail("sql", query).
			WithDetail("param_count", fmt.Sprintf("%d", paramCount))
	}
	return enginerr.Database(query, paramCount, err)
}

// isBusy detects SQLITE_BUSY / SQLITE_LOCKED contention.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// materialize reads all rows into maps keyed by column name.
func materialize(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			// Copy byte slices: the driver may reuse the buffer.
			if b, ok := v.([]byte); ok {
				cp := make([]byte, len(b))
				copy(cp, b)
				v = cp
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
