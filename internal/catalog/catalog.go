// Package catalog is the durable store of source files, archives, and queue
// entries. It serializes all writes behind a single connection, matching the
// single-writer sqlite pattern used for the rest of the daemon's on-disk state.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Queue status values. Started/Queued are reserved; the rest mirror the
// worker's encoding result enum so a queue row can be set directly from it.
const (
	StatusQueued         int8 = 0
	StatusStarted        int8 = 1
	StatusOK             int8 = 5
	StatusRetriableError int8 = -1
	StatusServerIOError  int8 = -9
	StatusUnknownError   int8 = -50
	StatusPermanentError int8 = -100
)

// MaxRetries caps how many Started transitions a retriable-failing source may
// accumulate before reserve_next stops offering it.
const MaxRetries = 3

// ErrEmptyDatabase is returned by Init when the schema is absent and create
// was false.
var ErrEmptyDatabase = errors.New("catalog: database not initialized")

// Catalog is the durable sources/archives/queue store.
type Catalog struct {
	db *sql.DB
}

// Filter narrows reserve_next by max source size. EncoderType is carried
// along with the request but is not used to select a source.
type Filter struct {
	EncoderType string
	MaxFileSize int64 // 0 means unbounded
}

// Reservation is the result of a successful ReserveNext.
type Reservation struct {
	SourceID int64
	Path     string
	Size     int64
}

// EncodedFile is the outcome of a finished worker session, keyed by source.
type EncodedFile struct {
	SourceID int64
	Path     string
	Status   int8
	Length   int64
	Error    string
}

// Open opens (or creates) the sqlite-backed catalog at dbPath.
func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Init creates the sources/archives/queue tables in a single transaction if
// they don't already exist. If create is false and the schema is missing,
// ErrEmptyDatabase is returned instead.
func (c *Catalog) Init(ctx context.Context, create bool) error {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('sources','archives','queue')`,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("catalog: check schema: %w", err)
	}
	if n == 3 {
		return nil
	}
	if !create {
		return ErrEmptyDatabase
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin init: %w", err)
	}
	defer tx.Rollback()

	const schema = `
CREATE TABLE IF NOT EXISTS sources (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  path TEXT NOT NULL UNIQUE,
  size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archives (
  source_id INTEGER PRIMARY KEY,
  path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queue (
  source_id INTEGER PRIMARY KEY,
  status INTEGER NOT NULL,
  count INTEGER NOT NULL DEFAULT 0,
  start_ts INTEGER NOT NULL,
  comment TEXT
);
`
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("catalog: create schema: %w", err)
	}
	return tx.Commit()
}

func nowUnix() int64 { return time.Now().Unix() }
