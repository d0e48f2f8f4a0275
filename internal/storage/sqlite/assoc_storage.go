package sqlite

import (
	"context"
	"database/sql"

	"github.com/ternarybob/arbor"
)

// AssocStorage implements interfaces.AssocStore against the two association
// tables (§3). Links are idempotent: a duplicate insert is a store conflict
// ignored per §7.
type AssocStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewAssocStorage constructs an AssocStorage.
func NewAssocStorage(db *SQLiteDB, logger arbor.ILogger) *AssocStorage {
	return &AssocStorage{db: db, logger: logger}
}

// LinkMetadataEpisode links a Metadata row to an Episodes row (§4.6 step 2).
// No link may reference a `final` record (§3 I3); callers resolve the
// group's live non-final key before calling this.
func (a *AssocStorage) LinkMetadataEpisode(ctx context.Context, tx *sql.Tx, metadataKey, episodeKey int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO metadata_episode_assoc (metadata_key, episode_key) VALUES (?, ?)`,
		metadataKey, episodeKey)
	return err
}

// LinkEpisodeStream links an Episodes row to a Stream row (§4.6 step 3).
func (a *AssocStorage) LinkEpisodeStream(ctx context.Context, tx *sql.Tx, episodeKey, streamKey int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO episode_stream_assoc (episode_key, stream_key) VALUES (?, ?)`,
		episodeKey, streamKey)
	return err
}

// EpisodeHasLiveMetadataLink reports whether episodeKey is linked from any
// non-deprecated Metadata row. The Deprecator does not call it; episodes
// are deprecated by last_seen alone.
func (a *AssocStorage) EpisodeHasLiveMetadataLink(ctx context.Context, tx *sql.Tx, episodeKey int64) (bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM metadata_episode_assoc a
			JOIN metadata m ON m.key = a.metadata_key
			WHERE a.episode_key = ? AND m.deprecated = 0
		)`, episodeKey)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists != 0, nil
}

// StreamHasLiveEpisodeLink reports whether streamKey is linked from any
// non-deprecated Episodes row (§4.9: "a stream is kept non-deprecated iff
// at least one non-deprecated episode links to it").
func (a *AssocStorage) StreamHasLiveEpisodeLink(ctx context.Context, tx *sql.Tx, streamKey int64) (bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM episode_stream_assoc a
			JOIN episodes e ON e.key = a.episode_key
			WHERE a.stream_key = ? AND e.deprecated = 0
		)`, streamKey)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists != 0, nil
}
