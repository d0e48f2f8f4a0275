package sqlite

import (
	"context"
	"database/sql"

	"github.com/ternarybob/arbor"
)

// StreamStorage implements interfaces.StreamStore against the stream table
// (§3, §4.6).
type StreamStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewStreamStorage constructs a StreamStorage.
func NewStreamStorage(db *SQLiteDB, logger arbor.ILogger) *StreamStorage {
	return &StreamStorage{db: db, logger: logger}
}

// UpsertStream inserts a stream row or, on re-observation, refreshes
// last_seen and clears deprecated (same timestamp semantics as §4.3).
func (s *StreamStorage) UpsertStream(ctx context.Context, tx *sql.Tx, url, resolution string, t0 int64) (int64, error) {
	row := tx.QueryRowContext(ctx, `SELECT key FROM stream WHERE url = ? AND resolution = ?`, url, resolution)
	var key int64
	err := row.Scan(&key)
	if err == nil {
		_, uerr := tx.ExecContext(ctx, `UPDATE stream SET last_seen = ?, deprecated = 0 WHERE key = ?`, t0, key)
		return key, uerr
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO stream (url, resolution, found, last_seen, deprecated) VALUES (?, ?, ?, ?, 0)`,
		url, resolution, t0, t0)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeprecateNotSeenSince marks streams not re-confirmed this epoch
// (last_seen < t0). Episode links are not checked here or by its caller.
func (s *StreamStorage) DeprecateNotSeenSince(ctx context.Context, tx *sql.Tx, t0 int64) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stream SET deprecated = 1 WHERE deprecated = 0 AND last_seen < ?`, t0)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
