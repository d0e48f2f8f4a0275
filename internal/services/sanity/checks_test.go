package sanity

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE site (
	key INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_key INTEGER NOT NULL,
	url TEXT NOT NULL,
	is_video INTEGER NOT NULL DEFAULT 0,
	found INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);
CREATE TABLE metadata (
	key INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	parent_key INTEGER NOT NULL,
	json_text TEXT NOT NULL,
	json_hash TEXT NOT NULL,
	found INTEGER,
	last_seen INTEGER NOT NULL,
	deprecated INTEGER NOT NULL DEFAULT 0,
	record_type INTEGER
);
CREATE TABLE episodes (
	key INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	json_text TEXT NOT NULL,
	json_hash TEXT NOT NULL,
	found INTEGER,
	last_seen INTEGER NOT NULL,
	deprecated INTEGER NOT NULL DEFAULT 0,
	record_type INTEGER
);
CREATE TABLE metadata_episode_assoc (
	metadata_key INTEGER NOT NULL,
	episode_key INTEGER NOT NULL,
	PRIMARY KEY (metadata_key, episode_key)
);
CREATE TABLE episode_stream_assoc (
	episode_key INTEGER NOT NULL,
	stream_key INTEGER NOT NULL,
	PRIMARY KEY (episode_key, stream_key)
);
`

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestChecker_CleanStorePasses(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO metadata (url, parent_key, json_text, json_hash, found, last_seen, deprecated, record_type)
		VALUES ('https://portal/x.series-metadata.json', -1, '{}', 'h1', 1000, 1000, 0, 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO site (parent_key, url, is_video, found, last_seen) VALUES (-1, 'https://portal/x.html', 0, 1000, 1000)`)
	require.NoError(t, err)

	checker := New(db, arbor.NewLogger())
	report := checker.Run(context.Background())

	assert.True(t, report.Passed(), "expected no violations, got: %+v", report.Violations)
}

func TestChecker_DetectsMultipleInitials(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO metadata (url, parent_key, json_text, json_hash, found, last_seen, deprecated, record_type)
		VALUES ('https://portal/x.series-metadata.json', -1, '{}', 'h1', 1000, 1000, 0, 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO metadata (url, parent_key, json_text, json_hash, found, last_seen, deprecated, record_type)
		VALUES ('https://portal/x.series-metadata.json', -1, '{}', 'h2', 1000, 1000, 0, 0)`)
	require.NoError(t, err)

	checker := New(db, arbor.NewLogger())
	report := checker.Run(context.Background())

	require.False(t, report.Passed())
	found := false
	for _, v := range report.Violations {
		if v.Property == "P1" {
			found = true
		}
	}
	assert.True(t, found, "expected a P1 violation for the duplicate initial")
}

func TestChecker_DetectsFinalWithNonNullFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO metadata (url, parent_key, json_text, json_hash, found, last_seen, deprecated, record_type)
		VALUES ('https://portal/x.series-metadata.json', -1, '{}', 'h1', 1000, 1000, 0, 2)`)
	require.NoError(t, err)

	checker := New(db, arbor.NewLogger())
	report := checker.Run(context.Background())

	require.False(t, report.Passed())
	found := false
	for _, v := range report.Violations {
		if v.Property == "P3" {
			found = true
		}
	}
	assert.True(t, found, "expected a P3 violation for the final row with non-NULL found")
}

func TestChecker_DetectsAssocReferencingFinal(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO metadata (key, url, parent_key, json_text, json_hash, found, last_seen, deprecated, record_type)
		VALUES (1, 'https://portal/x.series-metadata.json', -1, '{}', 'h1', NULL, 1000, 0, 2)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO episodes (key, url, json_text, json_hash, found, last_seen, deprecated, record_type)
		VALUES (1, 'https://portal/x/e1.series-metadata.json', '{}', 'h1', 1000, 1000, 0, 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO metadata_episode_assoc (metadata_key, episode_key) VALUES (1, 1)`)
	require.NoError(t, err)

	checker := New(db, arbor.NewLogger())
	report := checker.Run(context.Background())

	require.False(t, report.Passed())
	found := false
	for _, v := range report.Violations {
		if v.Property == "P5" {
			found = true
		}
	}
	assert.True(t, found, "expected a P5 violation for the assoc referencing a final record")
}

func TestChecker_DetectsUnresolvedParentageSentinel(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO site (parent_key, url, is_video, found, last_seen) VALUES (-2, 'https://portal/orphan.html', 0, 1000, 1000)`)
	require.NoError(t, err)

	checker := New(db, arbor.NewLogger())
	report := checker.Run(context.Background())

	require.False(t, report.Passed())
	found := false
	for _, v := range report.Violations {
		if v.Property == "P8" {
			found = true
		}
	}
	assert.True(t, found, "expected a P8 violation for the unresolved-parentage sentinel")
}

func TestChecker_DetectsVideoSiteWithChildren(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Exec(`INSERT INTO site (key, parent_key, url, is_video, found, last_seen) VALUES (1, -1, 'https://portal/video.html', 1, 1000, 1000)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO site (parent_key, url, is_video, found, last_seen) VALUES (1, 'https://portal/video/child.html', 0, 1000, 1000)`)
	require.NoError(t, err)

	checker := New(db, arbor.NewLogger())
	report := checker.Run(context.Background())

	require.False(t, report.Passed())
	found := false
	for _, v := range report.Violations {
		if v.Property == "P7" {
			found = true
		}
	}
	assert.True(t, found, "expected a P7 violation for the video-leaf site with a child")
}
