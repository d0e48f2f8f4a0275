package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// SiteStorage implements interfaces.SiteStore against the site table (§3).
type SiteStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewSiteStorage constructs a SiteStorage.
func NewSiteStorage(db *SQLiteDB, logger arbor.ILogger) *SiteStorage {
	return &SiteStorage{db: db, logger: logger}
}

// InsertSite records first observation of url; found and last_seen are both
// T0 per §3 "Lifecycle".
func (s *SiteStorage) InsertSite(ctx context.Context, tx *sql.Tx, url string, isVideo bool, parentKey int64, t0 int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO site (parent_key, url, is_video, found, last_seen) VALUES (?, ?, ?, ?, ?)`,
		parentKey, url, boolToInt(isVideo), t0, t0)
	if err != nil {
		// Unique constraint violation: the link is already present (§7
		// "Store conflict"). Look the row up instead of failing the stage.
		existing, found, lookupErr := s.FindByURL(ctx, tx, url, isVideo)
		if lookupErr == nil && found {
			return existing.Key, nil
		}
		return 0, fmt.Errorf("insert site %s: %w", url, err)
	}
	return res.LastInsertId()
}

// FindByURL looks up a site row by its (url, is_video) unique key.
func (s *SiteStorage) FindByURL(ctx context.Context, tx *sql.Tx, url string, isVideo bool) (*models.Site, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT key, parent_key, url, is_video, found, last_seen FROM site WHERE url = ? AND is_video = ?`,
		url, boolToInt(isVideo))
	var site models.Site
	var isVideoInt int
	if err := row.Scan(&site.Key, &site.ParentKey, &site.URL, &isVideoInt, &site.Found, &site.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	site.IsVideo = isVideoInt != 0
	return &site, true, nil
}

// TouchLastSeen refreshes last_seen for a site still linked from a container
// this epoch (§3 "found is set on first observation and never changed").
func (s *SiteStorage) TouchLastSeen(ctx context.Context, tx *sql.Tx, key int64, t0 int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE site SET last_seen = ? WHERE key = ?`, t0, key)
	return err
}

// SetParent assigns parentKey during the second-pass parentage derivation
// (§4.5).
func (s *SiteStorage) SetParent(ctx context.Context, tx *sql.Tx, key int64, parentKey int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE site SET parent_key = ? WHERE key = ?`, parentKey, key)
	return err
}

// ListWithNullParent returns sites awaiting second-pass parentage
// derivation. The walk inserts rows with a sentinel -2 ("unknown") parent
// until the second pass resolves them; -1 is reserved for the synthetic
// root (§3).
func (s *SiteStorage) ListWithNullParent(ctx context.Context, tx *sql.Tx) ([]models.Site, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT key, parent_key, url, is_video, found, last_seen FROM site WHERE parent_key = -2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSites(rows)
}

// ListVideosSeenAt returns every is_video=1 site whose last_seen is at least
// t0, the seed set for the Metadata Loader (§4.6).
func (s *SiteStorage) ListVideosSeenAt(ctx context.Context, tx *sql.Tx, t0 int64) ([]models.Site, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT key, parent_key, url, is_video, found, last_seen FROM site WHERE is_video = 1 AND last_seen >= ?`, t0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSites(rows)
}

func scanSites(rows *sql.Rows) ([]models.Site, error) {
	var out []models.Site
	for rows.Next() {
		var site models.Site
		var isVideoInt int
		if err := rows.Scan(&site.Key, &site.ParentKey, &site.URL, &isVideoInt, &site.Found, &site.LastSeen); err != nil {
			return nil, err
		}
		site.IsVideo = isVideoInt != 0
		out = append(out, site)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
