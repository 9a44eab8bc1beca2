package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/sanonone/imagesdb/pkg/core/distance"
)

// SQLiteFileName is the database file name inside the data directory.
const SQLiteFileName = "records.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id        INTEGER PRIMARY KEY,
	key       TEXT NOT NULL,
	precision TEXT NOT NULL,
	embedding BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SQLiteBackend keeps records in a SQLite database through the pure Go driver.
type SQLiteBackend struct {
	db        *sql.DB
	path      string
	precision distance.PrecisionType
}

// NewSQLiteBackend opens (or creates) the database in dir.
func NewSQLiteBackend(dir string, precision distance.PrecisionType) (*SQLiteBackend, error) {
	if precision == "" {
		precision = distance.Float32
	}
	path := filepath.Join(dir, SQLiteFileName)

	// WAL mode lets readers run while a write is in progress.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteBackend{db: db, path: path, precision: precision}, nil
}

func (b *SQLiteBackend) Name() string { return BackendSQLite }

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

func (b *SQLiteBackend) Load(ctx context.Context, fn func(Record) error) (uint64, error) {
	next := uint64(1)

	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'next_id'`).Scan(&raw)
	switch {
	case err == nil:
		if n, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			next = n
		}
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("reading next id: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT id, key, precision, embedding FROM records ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			key  string
			prec string
			blob []byte
		)
		if err := rows.Scan(&id, &key, &prec, &blob); err != nil {
			return 0, fmt.Errorf("scanning record: %w", err)
		}
		emb, err := DecodeVector(blob, distance.PrecisionType(prec))
		if err != nil {
			return 0, err
		}
		rec := Record{ID: uint64(id), Key: key, Embedding: emb}
		if rec.ID >= next {
			next = rec.ID + 1
		}
		if err := fn(rec); err != nil {
			return 0, err
		}
	}
	return next, rows.Err()
}

// Save inserts the record and advances the id counter in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, rec Record) error {
	blob, err := EncodeVector(rec.Embedding, b.precision)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (id, key, precision, embedding) VALUES (?, ?, ?, ?)`,
		int64(rec.ID), rec.Key, string(b.precision), blob); err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (name, value) VALUES ('next_id', ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value
		 WHERE CAST(excluded.value AS INTEGER) > CAST(meta.value AS INTEGER)`,
		strconv.FormatUint(rec.ID+1, 10)); err != nil {
		return fmt.Errorf("updating next id: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Delete(ctx context.Context, id uint64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
