package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/models"
	"github.com/ternarybob/lecturecrawl/internal/storage/sqlite"
)

func newTestManager(t *testing.T) *sqlite.Manager {
	t.Helper()
	logger := arbor.NewLogger()
	config := &common.StorageConfig{DBPath: ":memory:", CacheSizeMB: 8, BusyTimeoutMS: 1000}
	manager, err := sqlite.NewManager(logger, config, "development")
	require.NoError(t, err)
	m, ok := manager.(*sqlite.Manager)
	require.True(t, ok)
	return m
}

// TestMetadataLoader_UpsertsFetchedMetadata covers §4.6's happy path: every
// is_video Site row seen at t0 gets its .series-metadata.json sibling
// fetched and folded into the Metadata table.
func TestMetadataLoader_UpsertsFetchedMetadata(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	siteKey, err := m.Site().InsertSite(ctx, tx, "https://portal/lectures/x.html", true, -1, 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	metaURL := common.MetadataURL("https://portal/lectures/x.html")
	pool := newFakePool(jsonBody(`{"episodes":[]}`))

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	loader := NewMetadataLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Upserted)
	assert.Empty(t, report.FailedURLs)

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	group := models.GroupKey{URL: metaURL, ParentKey: siteKey, HasParent: true}
	rows, err := m.Metadata().ListGroup(ctx, tx, group)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, rows, 1)
	assert.Equal(t, models.RecordTypeInitial, rows[0].RecordType)
	assert.Equal(t, `{"episodes":[]}`, rows[0].JSONText)
}

// TestMetadataLoader_NonJSONBodyStoredAsNonJSON covers §4.3 step 5 / §7
// "Decoding": a response that fails JSON parsing is stored as
// record_type = non_json, never as a bogus `initial`.
func TestMetadataLoader_NonJSONBodyStoredAsNonJSON(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	siteKey, err := m.Site().InsertSite(ctx, tx, "https://portal/lectures/broken.html", true, -1, 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	metaURL := common.MetadataURL("https://portal/lectures/broken.html")
	pool := newFakePool(htmlBody("<html><body>error</body></html>"))

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	loader := NewMetadataLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Upserted)
	require.Len(t, report.NonJSONURLs, 1)
	assert.Equal(t, metaURL, report.NonJSONURLs[0])

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	group := models.GroupKey{URL: metaURL, ParentKey: siteKey, HasParent: true}
	rows, err := m.Metadata().ListGroup(ctx, tx, group)
	require.NoError(t, err)
	candidates, err := m.Metadata().ListCandidates(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, rows, 1)
	assert.Equal(t, models.RecordTypeNonJSON, rows[0].RecordType)
	assert.Empty(t, candidates, "a non_json observation must never leave a pending candidate for the Delta Builder")
}

// TestMetadataLoader_FailedFetchRecordedWithoutUpsert covers the -1 status
// path: a failed metadata fetch is reported, not silently dropped, and no
// row is written for it.
func TestMetadataLoader_FailedFetchRecordedWithoutUpsert(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	_, err = m.Site().InsertSite(ctx, tx, "https://portal/lectures/y.html", true, -1, 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	pool := newFakePool(notFound)

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	loader := NewMetadataLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 0, report.Upserted)
	require.Len(t, report.FailedURLs, 1)
	assert.Equal(t, common.MetadataURL("https://portal/lectures/y.html"), report.FailedURLs[0])
}

// TestMetadataLoader_NoVideoSitesIsNoop covers the empty-seed case: with no
// is_video rows seen at t0, the loader neither starts the pool nor errors.
func TestMetadataLoader_NoVideoSitesIsNoop(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	pool := newFakePool(notFound)
	loader := NewMetadataLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 0, report.Fetched)
	assert.Equal(t, 0, report.Upserted)
}
