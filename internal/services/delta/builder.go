package delta

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// Report summarizes one Delta Builder stage run (§4.8).
type Report struct {
	Candidates int
	Promoted   int
	Errors     int
}

// Builder turns every pending candidate (record_type = NULL) in a table
// into a diff against the group's prior final/initial, creating or
// refreshing the group's final row.
type Builder struct {
	store  interfaces.RecordStore
	logger arbor.ILogger
}

// New constructs a Builder bound to one VersionedRecord table (Metadata or
// Episodes).
func New(store interfaces.RecordStore, logger arbor.ILogger) *Builder {
	return &Builder{store: store, logger: logger}
}

// Run processes every candidate, largest body first to concentrate the
// expensive diff work up front (§4.8).
func (b *Builder) Run(ctx context.Context, tx *sql.Tx) (*Report, error) {
	report := &Report{}

	candidates, err := b.store.ListCandidates(ctx, tx)
	if err != nil {
		return nil, err
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		return report, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].JSONText) > len(candidates[j].JSONText)
	})

	for _, candidate := range candidates {
		if err := b.processCandidate(ctx, tx, candidate); err != nil {
			report.Errors++
			b.logger.Error().Str("url", candidate.URL).Err(err).Msg("Delta builder failed to process candidate")
			continue
		}
		report.Promoted++
	}

	return report, nil
}

func (b *Builder) processCandidate(ctx context.Context, tx *sql.Tx, candidate models.Record) error {
	group := models.GroupKey{URL: candidate.URL, ParentKey: candidate.ParentKey, HasParent: candidate.HasParentKey}

	live, found, err := b.latestNonDiff(ctx, tx, group, candidate.Key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("invariant violation: no initial/final record in group for candidate key %d", candidate.Key)
	}

	var oldVal, newVal any
	if err := json.Unmarshal([]byte(live.JSONText), &oldVal); err != nil {
		return fmt.Errorf("parse prior state: %w", err)
	}
	if err := json.Unmarshal([]byte(candidate.JSONText), &newVal); err != nil {
		return fmt.Errorf("parse candidate state: %w", err)
	}

	ops := Diff(oldVal, newVal)
	diffJSON, err := canonicalOps(ops)
	if err != nil {
		return fmt.Errorf("canonicalize diff: %w", err)
	}
	diffHash := common.JSONHash(diffJSON)

	switch live.RecordType {
	case models.RecordTypeInitial:
		if _, err := b.store.UpsertFinal(ctx, tx, group, candidate.JSONText, candidate.JSONHash, candidate.LastSeen); err != nil {
			return fmt.Errorf("insert final: %w", err)
		}
	case models.RecordTypeFinal:
		if _, err := b.store.UpsertFinal(ctx, tx, group, candidate.JSONText, candidate.JSONHash, candidate.LastSeen); err != nil {
			return fmt.Errorf("refresh final: %w", err)
		}
	default:
		return fmt.Errorf("invariant violation: latest non-diff record has unexpected type %s", live.RecordType)
	}

	return b.store.PromoteCandidateToDiff(ctx, tx, candidate.Key, diffJSON, diffHash)
}

// latestNonDiff re-derives the group's live initial/final row by scanning
// ListGroup, excluding the candidate itself (§4.8 step 1).
func (b *Builder) latestNonDiff(ctx context.Context, tx *sql.Tx, group models.GroupKey, candidateKey int64) (models.Record, bool, error) {
	records, err := b.store.ListGroup(ctx, tx, group)
	if err != nil {
		return models.Record{}, false, err
	}

	var best models.Record
	haveBest := false
	for _, r := range records {
		if r.Key == candidateKey {
			continue
		}
		if !r.HasRecordType || (r.RecordType != models.RecordTypeInitial && r.RecordType != models.RecordTypeFinal) {
			continue
		}
		if !haveBest || r.Key > best.Key {
			best = r
			haveBest = true
		}
	}
	return best, haveBest, nil
}

func canonicalOps(ops []Op) (string, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return "", err
	}
	canonical, ok := common.CanonicalizeJSON(string(raw))
	if !ok {
		return "", fmt.Errorf("diff ops did not canonicalize as JSON")
	}
	return canonical, nil
}
