package interfaces

import (
	"context"
	"database/sql"

	"github.com/ternarybob/lecturecrawl/internal/models"
)

// SiteStore is the Site table's operations (§3, §4.5).
type SiteStore interface {
	InsertSite(ctx context.Context, tx *sql.Tx, url string, isVideo bool, parentKey int64, t0 int64) (int64, error)
	FindByURL(ctx context.Context, tx *sql.Tx, url string, isVideo bool) (*models.Site, bool, error)
	TouchLastSeen(ctx context.Context, tx *sql.Tx, key int64, t0 int64) error
	SetParent(ctx context.Context, tx *sql.Tx, key int64, parentKey int64) error
	ListWithNullParent(ctx context.Context, tx *sql.Tx) ([]models.Site, error)
	ListVideosSeenAt(ctx context.Context, tx *sql.Tx, t0 int64) ([]models.Site, error)
}

// RecordStore is the shared shape of the Metadata and Episodes
// VersionedRecord tables (§3, §4.3, §4.8).
type RecordStore interface {
	// UpsertRecord implements the decision tree of §4.3 for one group.
	UpsertRecord(ctx context.Context, tx *sql.Tx, group models.GroupKey, body, hash string, t0 int64) error
	// InsertNonJSON records a payload that failed JSON parsing as
	// record_type = non_json (§3, §4.3 step 5, §7 "Decoding").
	InsertNonJSON(ctx context.Context, tx *sql.Tx, group models.GroupKey, body, hash string, t0 int64) error
	ListCandidates(ctx context.Context, tx *sql.Tx) ([]models.Record, error)
	ListGroup(ctx context.Context, tx *sql.Tx, group models.GroupKey) ([]models.Record, error)
	PromoteCandidateToDiff(ctx context.Context, tx *sql.Tx, key int64, diffJSON, hash string) error
	UpsertFinal(ctx context.Context, tx *sql.Tx, group models.GroupKey, finalJSON, hash string, t0 int64) (int64, error)
	DeprecateGroupsNotSeenSince(ctx context.Context, tx *sql.Tx, t0 int64) (int, error)
	ListNonDeprecatedLive(ctx context.Context, tx *sql.Tx) ([]models.Record, error)
}

// StreamStore is the Stream table's operations (§3, §4.6).
type StreamStore interface {
	UpsertStream(ctx context.Context, tx *sql.Tx, url, resolution string, t0 int64) (int64, error)
	DeprecateNotSeenSince(ctx context.Context, tx *sql.Tx, t0 int64) (int, error)
}

// AssocStore is the many-to-many linking operations for both association
// tables (§3, §4.6, §4.9).
type AssocStore interface {
	LinkMetadataEpisode(ctx context.Context, tx *sql.Tx, metadataKey, episodeKey int64) error
	LinkEpisodeStream(ctx context.Context, tx *sql.Tx, episodeKey, streamKey int64) error
	EpisodeHasLiveMetadataLink(ctx context.Context, tx *sql.Tx, episodeKey int64) (bool, error)
	StreamHasLiveEpisodeLink(ctx context.Context, tx *sql.Tx, streamKey int64) (bool, error)
}

// StorageManager composes every storage concern behind the embedded
// relational store (§3 "a single embedded relational database file").
type StorageManager interface {
	Site() SiteStore
	Metadata() RecordStore
	Episodes() RecordStore
	Streams() StreamStore
	Assoc() AssocStore
	DB() *sql.DB
	BeginTx(ctx context.Context) (*sql.Tx, error)
	Close() error
}
