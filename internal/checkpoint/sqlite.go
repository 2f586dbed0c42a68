package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is RFC 3339 with a fixed-width 9-digit fraction so stored
// values compare chronologically as strings; the monotonic guard in
// Advance relies on that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is a durable checkpoint store. SQLite serializes writes, so
// all methods are safe for concurrent use.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the checkpoint database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_checkpoint (
		account    TEXT NOT NULL PRIMARY KEY,
		last_check TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Last implements Store.
func (s *SQLite) Last(account string) (time.Time, bool, error) {
	var stored string
	err := s.db.QueryRow(
		`SELECT last_check FROM sync_checkpoint WHERE account = ?`,
		account,
	).Scan(&stored)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get checkpoint %s: %w", account, err)
	}

	t, err := time.Parse(timeLayout, stored)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint %s value %q: %w", account, stored, err)
	}
	return t, true, nil
}

// Advance implements Store. The monotonic guard lives in the upsert's
// WHERE clause so concurrent advances cannot interleave a rewind.
func (s *SQLite) Advance(account string, t time.Time) error {
	value := t.UTC().Format(timeLayout)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.Exec(
		`INSERT INTO sync_checkpoint (account, last_check, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (account) DO UPDATE
		 SET last_check = excluded.last_check, updated_at = excluded.updated_at
		 WHERE excluded.last_check > sync_checkpoint.last_check`,
		account, value, now,
	)
	if err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", account, err)
	}
	return nil
}

// All implements Store.
func (s *SQLite) All() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT account, last_check FROM sync_checkpoint ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var account, stored string
		if err := rows.Scan(&account, &stored); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		t, err := time.Parse(timeLayout, stored)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint %s value %q: %w", account, stored, err)
		}
		out[account] = t
	}
	return out, rows.Err()
}
