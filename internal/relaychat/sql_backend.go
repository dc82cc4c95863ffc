package relaychat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlStateTableName     = "relaychat_state"
	sqlStateKey           = "default"
	sqlOperationTimeout   = 5 * time.Second
	sqliteBusyTimeoutMsec = 5000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect carries the statements that differ between database drivers.
type sqlDialect struct {
	driver string
	create string
	load   string
	save   string
	setup  func(db *sql.DB)
}

func postgresDialect(table string) sqlDialect {
	table = quoteIdentifier(table)
	return sqlDialect{
		driver: "postgres",
		create: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		load: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", table),
		save: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, table),
	}
}

func sqliteDialect(table string) sqlDialect {
	table = quoteIdentifier(table)
	return sqlDialect{
		driver: "sqlite",
		create: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, table),
		load: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", table),
		save: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, table),
		setup: func(db *sql.DB) {
			// One writer; pragmas are best effort.
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
			_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMsec))
			_, _ = db.Exec("PRAGMA journal_mode = WAL")
			_, _ = db.Exec("PRAGMA synchronous = NORMAL")
		},
	}
}

// SQLStateBackend stores the snapshot as one JSON row keyed by state_key.
// The connection is opened lazily on first use.
type SQLStateBackend struct {
	dsn      string
	stateKey string
	dialect  sqlDialect
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStateBackend{
		dsn:      dsn,
		stateKey: sqlStateKey,
		dialect:  postgresDialect(sqlStateTableName),
		openDB:   sql.Open,
	}, nil
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStateBackend{
		dsn:      path,
		stateKey: sqlStateKey,
		dialect:  sqliteDialect(sqlStateTableName),
		openDB: func(driverName, dsn string) (*sql.DB, error) {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, err
				}
			}
			return sql.Open(driverName, dsn)
		},
	}, nil
}

func (b *SQLStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.dialect.load, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeState([]byte(payload))
}

func (b *SQLStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := encodeState(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	_, err = b.db.ExecContext(ctx, b.dialect.save, b.stateKey, string(payload))
	return err
}

func (b *SQLStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.setup != nil {
			b.dialect.setup(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, b.dialect.create); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
