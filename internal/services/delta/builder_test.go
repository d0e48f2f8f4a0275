package delta

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

// TestBuilder_PromotesCandidateToFinalAndDiff covers §4.8: a changed group
// gets a `final` row holding the new state and its pending candidate is
// overwritten in place with the computed delta and record_type = diff.
func TestBuilder_PromotesCandidateToFinalAndDiff(t *testing.T) {
	logger := arbor.NewLogger()
	config := &common.StorageConfig{DBPath: ":memory:", CacheSizeMB: 8, BusyTimeoutMS: 1000}
	manager, err := sqlite.NewManager(logger, config, "development")
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	group := models.GroupKey{URL: "https://portal/x.series-metadata.json", ParentKey: models.RootParentKey, HasParent: true}

	tx, err := manager.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.Metadata().UpsertRecord(ctx, tx, group, `{"title":"old"}`, "h1", 1000))
	require.NoError(t, tx.Commit())

	tx, err = manager.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.Metadata().UpsertRecord(ctx, tx, group, `{"title":"new"}`, "h2", 2000))
	require.NoError(t, tx.Commit())

	tx, err = manager.BeginTx(ctx)
	require.NoError(t, err)
	builder := New(manager.Metadata(), logger)
	report, err := builder.Run(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 0, report.Errors)

	tx, err = manager.BeginTx(ctx)
	require.NoError(t, err)
	rows, err := manager.Metadata().ListGroup(ctx, tx, group)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, rows, 3)
	var sawInitial, sawDiff, sawFinal bool
	for _, r := range rows {
		switch r.RecordType {
		case models.RecordTypeInitial:
			sawInitial = true
			assert.Equal(t, `{"title":"old"}`, r.JSONText)
		case models.RecordTypeDiff:
			sawDiff = true
			assert.NotEmpty(t, r.JSONText)
		case models.RecordTypeFinal:
			sawFinal = true
			assert.Equal(t, `{"title":"new"}`, r.JSONText)
		}
	}
	assert.True(t, sawInitial)
	assert.True(t, sawDiff)
	assert.True(t, sawFinal)
}

// TestBuilder_SecondChangeRefreshesFinalAndAddsAnotherDiff covers the
// repeated-change case: a third observation produces a second diff row
// while the final is refreshed in place rather than duplicated.
func TestBuilder_SecondChangeRefreshesFinalAndAddsAnotherDiff(t *testing.T) {
	logger := arbor.NewLogger()
	config := &common.StorageConfig{DBPath: ":memory:", CacheSizeMB: 8, BusyTimeoutMS: 1000}
	manager, err := sqlite.NewManager(logger, config, "development")
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	group := models.GroupKey{URL: "https://portal/x.series-metadata.json", ParentKey: models.RootParentKey, HasParent: true}
	builder := New(manager.Metadata(), logger)

	tx, _ := manager.BeginTx(ctx)
	require.NoError(t, manager.Metadata().UpsertRecord(ctx, tx, group, `{"title":"v1"}`, "h1", 1000))
	require.NoError(t, tx.Commit())

	tx, _ = manager.BeginTx(ctx)
	require.NoError(t, manager.Metadata().UpsertRecord(ctx, tx, group, `{"title":"v2"}`, "h2", 2000))
	_, err = builder.Run(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, _ = manager.BeginTx(ctx)
	require.NoError(t, manager.Metadata().UpsertRecord(ctx, tx, group, `{"title":"v3"}`, "h3", 3000))
	report, err := builder.Run(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, report.Promoted)

	tx, _ = manager.BeginTx(ctx)
	rows, err := manager.Metadata().ListGroup(ctx, tx, group)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var finals, diffs int
	for _, r := range rows {
		if r.RecordType == models.RecordTypeFinal {
			finals++
			assert.Equal(t, `{"title":"v3"}`, r.JSONText)
		}
		if r.RecordType == models.RecordTypeDiff {
			diffs++
		}
	}
	assert.Equal(t, 1, finals, "exactly one final row per group (I5)")
	assert.Equal(t, 2, diffs)
}
