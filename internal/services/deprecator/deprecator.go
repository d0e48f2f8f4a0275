// Package deprecator implements the Deprecator (C9): marks rows not seen
// this epoch as deprecated (§4.9), by last_seen alone.
package deprecator

import (
	"context"
	"database/sql"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
)

// Report summarizes one Deprecator stage run (§4.9).
type Report struct {
	Deprecated int
}

// Deprecator marks stale rows of one VersionedRecord table.
type Deprecator struct {
	store  interfaces.RecordStore
	logger arbor.ILogger
}

// New constructs a Deprecator bound to one table (Metadata or Episodes).
func New(store interfaces.RecordStore, logger arbor.ILogger) *Deprecator {
	return &Deprecator{store: store, logger: logger}
}

// Run sets deprecated := 1 on every row whose last_seen < t0 (§4.9).
func (d *Deprecator) Run(ctx context.Context, tx *sql.Tx, t0 int64) (*Report, error) {
	n, err := d.store.DeprecateGroupsNotSeenSince(ctx, tx, t0)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Int("count", n).Msg("Deprecated stale records")
	return &Report{Deprecated: n}, nil
}

// StreamDeprecator applies the Stream table's timestamp rule, the same
// last_seen rule as every VersionedRecord table. Episode links are not
// consulted: a stream seen this epoch stays live even if no live episode
// links to it (AssocStore's StreamHasLiveEpisodeLink is not called).
type StreamDeprecator struct {
	streams interfaces.StreamStore
	logger  arbor.ILogger
}

// NewStreamDeprecator constructs a StreamDeprecator.
func NewStreamDeprecator(streams interfaces.StreamStore, logger arbor.ILogger) *StreamDeprecator {
	return &StreamDeprecator{streams: streams, logger: logger}
}

// Run deprecates every stream not seen this epoch (last_seen < t0), the
// rule shared with every VersionedRecord table; no episode-link check is
// made (§4.9).
func (d *StreamDeprecator) Run(ctx context.Context, tx *sql.Tx, t0 int64) (*Report, error) {
	n, err := d.streams.DeprecateNotSeenSince(ctx, tx, t0)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Int("count", n).Msg("Deprecated stale streams")
	return &Report{Deprecated: n}, nil
}
