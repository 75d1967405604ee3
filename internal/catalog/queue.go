package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// ReserveNext atomically selects one source matching filter and transitions
// its queue entry to Started, per the three-way union selection policy:
// queued sources, sources with no queue entry at all, and sources whose last
// attempt was a retriable error with fewer than MaxRetries attempts so far.
func (c *Catalog) ReserveNext(ctx context.Context, filter Filter) (*Reservation, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: begin reserve: %w", err)
	}
	defer tx.Rollback()

	maxSize := filter.MaxFileSize
	var row *sql.Row
	if maxSize > 0 {
		row = tx.QueryRowContext(ctx, `
SELECT sources.id, sources.path, sources.size FROM sources
  JOIN queue ON queue.source_id = sources.id
  WHERE sources.size <= ? AND queue.status = ?
UNION
SELECT sources.id, sources.path, sources.size FROM sources
  WHERE sources.size <= ? AND sources.id NOT IN (SELECT source_id FROM queue)
UNION
SELECT sources.id, sources.path, sources.size FROM sources
  JOIN queue ON queue.source_id = sources.id
  WHERE sources.size <= ? AND queue.status BETWEEN -99 AND -1 AND queue.count < ?
LIMIT 1`, maxSize, StatusQueued, maxSize, maxSize, MaxRetries)
	} else {
		row = tx.QueryRowContext(ctx, `
SELECT sources.id, sources.path, sources.size FROM sources
  JOIN queue ON queue.source_id = sources.id
  WHERE queue.status = ?
UNION
SELECT sources.id, sources.path, sources.size FROM sources
  WHERE sources.id NOT IN (SELECT source_id FROM queue)
UNION
SELECT sources.id, sources.path, sources.size FROM sources
  JOIN queue ON queue.source_id = sources.id
  WHERE queue.status BETWEEN -99 AND -1 AND queue.count < ?
LIMIT 1`, StatusQueued, MaxRetries)
	}

	var res Reservation
	if err := row.Scan(&res.SourceID, &res.Path, &res.Size); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: reserve select: %w", err)
	}

	var exists bool
	var dummy int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM queue WHERE source_id = ?`, res.SourceID).Scan(&dummy); err == nil {
		exists = true
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("catalog: reserve check: %w", err)
	}

	if exists {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue SET status = ?, count = count + 1, start_ts = ? WHERE source_id = ?`,
			StatusStarted, nowUnix(), res.SourceID); err != nil {
			return nil, fmt.Errorf("catalog: reserve update: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue (source_id, status, count, start_ts) VALUES (?, ?, 1, ?)`,
			res.SourceID, StatusStarted, nowUnix()); err != nil {
			return nil, fmt.Errorf("catalog: reserve insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: reserve commit: %w", err)
	}
	return &res, nil
}

// BasicFile describes one side of AddFile: a path plus its size.
type BasicFile struct {
	Path string
	Size int64
}

// AddFile is an idempotent upsert. If src is given it ensures the source
// exists; if enqueue is set or dst is given, it ensures a queue entry exists
// (Queued with no dst, OK when dst is already known). If dst is given it
// ensures an archives row, a no-op if it already links to the same source.
// Returns the source id.
func (c *Catalog) AddFile(ctx context.Context, src, dst *BasicFile, enqueue bool) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin addFile: %w", err)
	}
	defer tx.Rollback()

	var srcID int64
	var inQueue bool

	if src != nil && src.Path != "" {
		err := tx.QueryRowContext(ctx, `SELECT id FROM sources WHERE path = ?`, src.Path).Scan(&srcID)
		switch {
		case err == sql.ErrNoRows:
			res, err := tx.ExecContext(ctx, `INSERT INTO sources (path, size) VALUES (?, ?)`, src.Path, src.Size)
			if err != nil {
				return 0, fmt.Errorf("catalog: insert source: %w", err)
			}
			srcID, err = res.LastInsertId()
			if err != nil {
				return 0, fmt.Errorf("catalog: last insert id: %w", err)
			}
		case err != nil:
			return 0, fmt.Errorf("catalog: lookup source: %w", err)
		}

		var dummy int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM queue WHERE source_id = ?`, srcID).Scan(&dummy)
		inQueue = err == nil
		if err != nil && err != sql.ErrNoRows {
			return 0, fmt.Errorf("catalog: queue lookup: %w", err)
		}

		hasDst := dst != nil && dst.Path != ""
		switch {
		case !inQueue && (enqueue || hasDst):
			status := StatusQueued
			if hasDst {
				status = StatusOK
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO queue (source_id, status, count, start_ts) VALUES (?, ?, 0, ?)`,
				srcID, status, nowUnix()); err != nil {
				return 0, fmt.Errorf("catalog: insert queue: %w", err)
			}
		case inQueue && hasDst:
			// An archive counterpart surfaced for a source that already has a
			// queue row from a previous run (e.g. still Queued) — promote it
			// to OK rather than leaving it eligible for reserve_next.
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue SET status = ?, comment = NULL WHERE source_id = ?`,
				StatusOK, srcID); err != nil {
				return 0, fmt.Errorf("catalog: promote queue to OK: %w", err)
			}
		}
	}

	if dst != nil && dst.Path != "" {
		var archivePath string
		err := tx.QueryRowContext(ctx, `SELECT source_id, path FROM archives WHERE source_id = ?`, srcID).Scan(&srcID, &archivePath)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, `INSERT INTO archives (source_id, path) VALUES (?, ?)`, srcID, dst.Path); err != nil {
				return 0, fmt.Errorf("catalog: insert archive: %w", err)
			}
		case err != nil:
			return 0, fmt.Errorf("catalog: archive lookup: %w", err)
		default:
			if archivePath == dst.Path {
				if err := tx.Commit(); err != nil {
					return 0, fmt.Errorf("catalog: addFile commit: %w", err)
				}
				return srcID, nil
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: addFile commit: %w", err)
	}
	return srcID, nil
}

// AddEncoded records a finished (or failed) worker session: sets the queue
// row's status/comment and, on OK, installs the archives row.
func (c *Catalog) AddEncoded(ctx context.Context, f EncodedFile) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin addEncoded: %w", err)
	}
	defer tx.Rollback()

	var comment sql.NullString
	if f.Error != "" {
		comment = sql.NullString{String: f.Error, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue SET status = ?, start_ts = ?, comment = ? WHERE source_id = ?`,
		f.Status, nowUnix(), comment, f.SourceID); err != nil {
		return fmt.Errorf("catalog: addEncoded update: %w", err)
	}

	if f.Status == StatusOK {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archives (source_id, path) VALUES (?, ?)
			 ON CONFLICT(source_id) DO UPDATE SET path = excluded.path`,
			f.SourceID, f.Path); err != nil {
			return fmt.Errorf("catalog: addEncoded archive: %w", err)
		}
	}

	return tx.Commit()
}

// Reset sets the queue row back to Queued with no comment; used when a
// worker aborts mid-session. count is left unchanged: the prior Started
// transition's attempt still counts.
func (c *Catalog) Reset(ctx context.Context, sourceID int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, comment = NULL WHERE source_id = ?`,
		StatusQueued, sourceID)
	if err != nil {
		return fmt.Errorf("catalog: reset: %w", err)
	}
	return nil
}
