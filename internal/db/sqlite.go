package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    name TEXT PRIMARY KEY,
    body BLOB NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

// Database stores docstore documents as rows of a single table. Every write
// is one statement, so SQLite's own transactions give the atomic-replace
// guarantee.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// Collections are already serialized above us; one connection keeps
	// SQLite from reporting SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (db *Database) Read(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := db.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return body, err
}

func (db *Database) Write(ctx context.Context, name string, data []byte) error {
	query := `
        INSERT INTO documents (name, body, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(name) DO UPDATE SET
            body = excluded.body,
            updated_at = CURRENT_TIMESTAMP`

	_, err := db.db.ExecContext(ctx, query, name, data)
	return err
}

func (db *Database) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := db.db.ExecContext(ctx,
		`DELETE FROM documents WHERE name = ? OR name LIKE ? ESCAPE '\'`,
		prefix, escapeLike(prefix)+"/%")
	return err
}

func (db *Database) Close() error {
	return db.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
