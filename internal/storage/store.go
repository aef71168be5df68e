package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for watcher cursors.
type Store struct {
	db *sql.DB
}

// Cursor is the position of the last occurrence a watcher handed to its handler.
type Cursor struct {
	Block     uint64
	LogIndex  uint
	TxHash    string
	UpdatedAt time.Time
}

// WatcherCursor pairs a cursor with the watcher that owns it.
type WatcherCursor struct {
	WatcherID string
	Cursor
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  watcher_id  TEXT PRIMARY KEY,
  block       INTEGER NOT NULL,
  log_index   INTEGER NOT NULL,
  tx_hash     TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertCursor records the latest delivered position for a watcher.
func (s *Store) UpsertCursor(ctx context.Context, watcherID string, c Cursor) error {
	if watcherID == "" {
		return errors.New("watcherID required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (watcher_id, block, log_index, tx_hash, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(watcher_id) DO UPDATE SET
  block=excluded.block,
  log_index=excluded.log_index,
  tx_hash=excluded.tx_hash,
  updated_at=CURRENT_TIMESTAMP;
`, watcherID, c.Block, c.LogIndex, c.TxHash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a watcher.
func (s *Store) GetCursor(ctx context.Context, watcherID string) (c Cursor, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT block, log_index, tx_hash, updated_at FROM cursors WHERE watcher_id = ?;
`, watcherID)
	switch err = row.Scan(&c.Block, &c.LogIndex, &c.TxHash, &c.UpdatedAt); err {
	case nil:
		return c, true, nil
	case sql.ErrNoRows:
		return Cursor{}, false, nil
	default:
		return Cursor{}, false, fmt.Errorf("get cursor: %w", err)
	}
}

// ListCursors returns every stored cursor ordered by watcher id.
func (s *Store) ListCursors(ctx context.Context) ([]WatcherCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT watcher_id, block, log_index, tx_hash, updated_at FROM cursors ORDER BY watcher_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []WatcherCursor
	for rows.Next() {
		var wc WatcherCursor
		if err := rows.Scan(&wc.WatcherID, &wc.Block, &wc.LogIndex, &wc.TxHash, &wc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, wc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return out, nil
}

// DeleteCursor forgets a watcher's position so the next run starts from its
// configured start block.
func (s *Store) DeleteCursor(ctx context.Context, watcherID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE watcher_id = ?;`, watcherID); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}
