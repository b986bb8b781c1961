package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"lsmkv/pkg/store"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	);`

// Scanner is the read side of a store.
type Scanner interface {
	Scan(start, end []byte) (*store.Iterator, error)
}

// Writer is the write side of a store.
type Writer interface {
	Put(key, value []byte) error
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init table: %w", err)
	}
	return db, nil
}

// ToSQLite copies every live pair of src into table kv of the SQLite file
// at path, in one transaction. Existing rows with the same key are
// replaced. Returns the number of rows written.
func ToSQLite(ctx context.Context, src Scanner, path string) (_ int, err error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			slog.Warn("failed to close SQLite", "path", path, "error", cerr)
		}
	}()

	it, err := src.Scan(nil, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to scan store: %w", err)
	}
	defer func() {
		err = errors.Join(err, it.Close())
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for ; it.Valid(); it.Next() {
		value := it.Value()
		if value == nil {
			value = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, it.Key(), value); err != nil {
			return n, fmt.Errorf("failed to insert key %q: %w", it.Key(), err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return n, err
	}

	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

// FromSQLite writes every row of table kv in the SQLite file at path into
// dst. Returns the number of pairs written.
func FromSQLite(ctx context.Context, dst Writer, path string) (int, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			slog.Warn("failed to close SQLite", "path", path, "error", cerr)
		}
	}()

	rows, err := db.QueryContext(ctx, "SELECT key, value FROM kv ORDER BY key")
	if err != nil {
		return 0, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return n, fmt.Errorf("failed to read row: %w", err)
		}
		if err := dst.Put(key, value); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("failed to read rows: %w", err)
	}
	return n, nil
}
