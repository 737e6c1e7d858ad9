package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	runLogTableName     = "relaynote_run_log"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	insert      string
	list        string
	setup       []string
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			block_id TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			output TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
	insert: `
		INSERT INTO %s (id, session_id, block_id, command, output, error, status, ts, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
	list: `
		SELECT id, session_id, block_id, command, output, error, status, ts, duration_ms
		FROM %s WHERE session_id = $1 ORDER BY ts ASC, id ASC`,
}

var sqliteDialect = sqlDialect{
	driver: "sqlite3",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			block_id TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			output TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
	insert: `
		INSERT OR IGNORE INTO %s (id, session_id, block_id, command, output, error, status, ts, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	list: `
		SELECT id, session_id, block_id, command, output, error, status, ts, duration_ms
		FROM %s WHERE session_id = ? ORDER BY ts ASC, id ASC`,
	setup: []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	},
}

// SQLBackend persists entries in one table. The table is created lazily on
// first use.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: runLogTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       path,
		tableName: runLogTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Append(ctx context.Context, entry Entry) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(b.dialect.insert, quoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.BlockID,
		entry.Command,
		entry.Output,
		entry.Error,
		entry.Status,
		entry.Timestamp.UTC(),
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", entry.ID, err)
	}
	return nil
}

func (b *SQLBackend) List(ctx context.Context, sessionID string) ([]Entry, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(b.dialect.list, quoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.BlockID, &e.Command, &e.Output, &e.Error, &e.Status, &e.Timestamp, &durationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.driver == sqliteDialect.driver {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range b.dialect.setup {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("execute %q: %w", stmt, err)
				return
			}
		}
		query := fmt.Sprintf(b.dialect.createTable, quoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
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
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
