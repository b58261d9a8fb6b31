// Package store persists fetched visual comparisons in SQLite, keyed by
// (job_id, change_id). Payloads are opaque JSON.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/epubviz/dbopen"
)

// Schema creates the comparison cache table.
const Schema = `
CREATE TABLE IF NOT EXISTS visual_comparisons (
	job_id       TEXT    NOT NULL,
	change_id    TEXT    NOT NULL,
	payload      BLOB    NOT NULL,
	content_hash TEXT    NOT NULL,
	fetched_at   INTEGER NOT NULL,
	expires_at   INTEGER,
	PRIMARY KEY (job_id, change_id)
);
CREATE INDEX IF NOT EXISTS idx_visual_comparisons_expires
	ON visual_comparisons(expires_at) WHERE expires_at IS NOT NULL;
`

// Store is the cache database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path and applies Schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Entry is one cached comparison.
type Entry struct {
	JobID       string
	ChangeID    string
	Payload     []byte
	ContentHash string
	FetchedAt   int64
	ExpiresAt   *int64
}

// Expired reports whether e is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && *e.ExpiresAt < now.UnixMilli()
}

// Put inserts or replaces an entry.
func (s *Store) Put(ctx context.Context, e *Entry) error {
	if e.FetchedAt == 0 {
		e.FetchedAt = time.Now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO visual_comparisons
			(job_id, change_id, payload, content_hash, fetched_at, expires_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(job_id, change_id) DO UPDATE SET
			payload      = excluded.payload,
			content_hash = excluded.content_hash,
			fetched_at   = excluded.fetched_at,
			expires_at   = excluded.expires_at`,
		e.JobID, e.ChangeID, e.Payload, e.ContentHash, e.FetchedAt, e.ExpiresAt,
	)
	return err
}

// Get returns the entry for (jobID, changeID), or nil when absent.
func (s *Store) Get(ctx context.Context, jobID, changeID string) (*Entry, error) {
	e := &Entry{}
	var expiresAt sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT job_id, change_id, payload, content_hash, fetched_at, expires_at
		FROM visual_comparisons WHERE job_id = ? AND change_id = ?`, jobID, changeID).Scan(
		&e.JobID, &e.ChangeID, &e.Payload, &e.ContentHash, &e.FetchedAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Int64
	}
	return e, nil
}

// Delete removes the entry for (jobID, changeID).
func (s *Store) Delete(ctx context.Context, jobID, changeID string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`DELETE FROM visual_comparisons WHERE job_id = ? AND change_id = ?`, jobID, changeID)
	return err
}

// DeleteJob removes every entry of a job.
func (s *Store) DeleteJob(ctx context.Context, jobID string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM visual_comparisons WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes entries whose expiry is before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `
		DELETE FROM visual_comparisons WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM visual_comparisons`).Scan(&n)
	return n, err
}
