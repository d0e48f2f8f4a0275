package loader

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// TestEpisodeLoader_LinksEpisodesAndStreams covers §4.7's happy path: a
// live Metadata record's episodes[] is dereferenced, each episode fetched
// and upserted, linked to its series, and its presentations recorded as
// linked Streams.
func TestEpisodeLoader_LinksEpisodesAndStreams(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	seriesURL := "https://portal/x.series-metadata.json"
	metaGroup := models.GroupKey{URL: seriesURL, ParentKey: models.RootParentKey, HasParent: true}

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Metadata().UpsertRecord(ctx, tx, metaGroup, `{"episodes":[{"id":"e1"}]}`, "h1", 1000))
	require.NoError(t, tx.Commit())

	episodeURL := common.EpisodeURL(seriesURL, "e1")
	episodeBody := fmt.Sprintf(`{"selectedEpisode":{"media":{"presentations":[{"url":"https://cdn/e1-hd.mp4","width":%d,"height":%d}]}}}`, 1280, 720)

	pool := newFakePool(byURLFetch(map[string]string{episodeURL: episodeBody}))

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	loader := NewEpisodeLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 2000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.EpisodesLinked)
	assert.Equal(t, 1, report.StreamsLinked)
	assert.Empty(t, report.FailedURLs)

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	episodeGroup := models.GroupKey{URL: episodeURL, HasParent: false}
	episodeRows, err := m.Episodes().ListGroup(ctx, tx, episodeGroup)
	require.NoError(t, err)
	require.Len(t, episodeRows, 1)

	live, err := m.Assoc().EpisodeHasLiveMetadataLink(ctx, tx, episodeRows[0].Key)
	require.NoError(t, err)
	assert.True(t, live)
	require.NoError(t, tx.Commit())
}

// TestEpisodeLoader_MalformedSeriesJSONSkipped covers the defensive parse
// path: a Metadata record whose body is not the expected shape yields no
// episode fetches rather than erroring the whole stage.
func TestEpisodeLoader_MalformedSeriesJSONSkipped(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	metaGroup := models.GroupKey{URL: "https://portal/x.series-metadata.json", ParentKey: models.RootParentKey, HasParent: true}

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Metadata().UpsertRecord(ctx, tx, metaGroup, `not valid json`, "h1", 1000))
	require.NoError(t, tx.Commit())

	pool := newFakePool(notFound)

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	loader := NewEpisodeLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 2000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 0, report.Fetched)
	assert.Equal(t, 0, report.EpisodesLinked)
}

// TestEpisodeLoader_NonJSONBodyStoredAsNonJSON covers §4.3 step 5 / §7
// "Decoding" on the episode side: a response that fails JSON parsing is
// stored as record_type = non_json, still linked to its series, but never
// drilled into for stream presentations.
func TestEpisodeLoader_NonJSONBodyStoredAsNonJSON(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	seriesURL := "https://portal/x.series-metadata.json"
	metaGroup := models.GroupKey{URL: seriesURL, ParentKey: models.RootParentKey, HasParent: true}

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Metadata().UpsertRecord(ctx, tx, metaGroup, `{"episodes":[{"id":"e1"}]}`, "h1", 1000))
	require.NoError(t, tx.Commit())

	episodeURL := common.EpisodeURL(seriesURL, "e1")
	pool := newFakePool(byURLFetch(map[string]string{episodeURL: "<html><body>error</body></html>"}))

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	loader := NewEpisodeLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 2000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.EpisodesLinked)
	assert.Equal(t, 0, report.StreamsLinked)
	assert.Empty(t, report.FailedURLs)

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	episodeGroup := models.GroupKey{URL: episodeURL, HasParent: false}
	episodeRows, err := m.Episodes().ListGroup(ctx, tx, episodeGroup)
	require.NoError(t, err)
	candidates, err := m.Episodes().ListCandidates(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, episodeRows, 1)
	assert.Equal(t, models.RecordTypeNonJSON, episodeRows[0].RecordType)
	assert.Empty(t, candidates, "a non_json observation must never leave a pending candidate for the Delta Builder")
}

// TestEpisodeLoader_FailedEpisodeFetchRecorded covers the -1 status path
// for an episode fetch: it's reported as failed and neither upserted nor
// linked.
func TestEpisodeLoader_FailedEpisodeFetchRecorded(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	seriesURL := "https://portal/x.series-metadata.json"
	metaGroup := models.GroupKey{URL: seriesURL, ParentKey: models.RootParentKey, HasParent: true}

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Metadata().UpsertRecord(ctx, tx, metaGroup, `{"episodes":[{"id":"e1"}]}`, "h1", 1000))
	require.NoError(t, tx.Commit())

	pool := newFakePool(notFound)

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	loader := NewEpisodeLoader(pool, m, 2, logger)
	report, err := loader.Run(ctx, tx, 2000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 0, report.EpisodesLinked)
	require.Len(t, report.FailedURLs, 1)
	assert.Equal(t, common.EpisodeURL(seriesURL, "e1"), report.FailedURLs[0])
}
