package deprecator

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

func TestDeprecator_MarksStaleMetadataRows(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	group := models.GroupKey{URL: "https://portal/stale.series-metadata.json", ParentKey: models.RootParentKey, HasParent: true}

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Metadata().UpsertRecord(ctx, tx, group, `{"a":1}`, "h1", 1000))
	require.NoError(t, tx.Commit())

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	dep := New(m.Metadata(), logger)
	report, err := dep.Run(ctx, tx, 5000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Deprecated)
}

func TestStreamDeprecator_MarksStaleStreamRows(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	_, err = m.Streams().UpsertStream(ctx, tx, "https://portal/x/stream.mp4", "720p", 1000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	dep := NewStreamDeprecator(m.Streams(), logger)
	report, err := dep.Run(ctx, tx, 5000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Deprecated)
}

func TestDeprecator_DoesNotTouchFreshlySeenRows(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()
	ctx := context.Background()
	logger := arbor.NewLogger()

	group := models.GroupKey{URL: "https://portal/fresh.series-metadata.json", ParentKey: models.RootParentKey, HasParent: true}

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Metadata().UpsertRecord(ctx, tx, group, `{"a":1}`, "h1", 5000))
	require.NoError(t, tx.Commit())

	tx, err = m.BeginTx(ctx)
	require.NoError(t, err)
	dep := New(m.Metadata(), logger)
	report, err := dep.Run(ctx, tx, 5000)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 0, report.Deprecated)
}
