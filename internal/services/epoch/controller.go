// Package epoch implements the Epoch Controller (C10): it sequences the
// Site Indexer, Metadata Loader, Episode/Stream Loader, Delta Builder, and
// Deprecator across one crawl epoch, opening and committing one store
// transaction per stage (§4.10).
package epoch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/httpclient"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
	"github.com/ternarybob/lecturecrawl/internal/services/delta"
	"github.com/ternarybob/lecturecrawl/internal/services/deprecator"
	"github.com/ternarybob/lecturecrawl/internal/services/fetch"
	"github.com/ternarybob/lecturecrawl/internal/services/indexer"
	"github.com/ternarybob/lecturecrawl/internal/services/loader"
	"github.com/ternarybob/lecturecrawl/internal/services/pool"
	"github.com/ternarybob/lecturecrawl/internal/services/sanity"
)

// Result summarizes one epoch run for the CLI entrypoint (§6 "exit code 0
// if all sanity checks pass, 1 if any fail").
type Result struct {
	EpochID          string
	T0               int64
	Indexer          *indexer.Report
	Metadata         *loader.MetadataReport
	Episodes         *loader.EpisodeReport
	MetaDeltaA       *delta.Report // pre-loader no-op pass (replays any crashed-epoch candidates)
	MetaDeltaB       *delta.Report
	EpDeltaA         *delta.Report
	EpDeltaB         *delta.Report
	MetaDeprecated   int
	EpDeprecated     int
	StreamDeprecated int
	Sanity           *sanity.Report
}

// Controller owns the per-epoch orchestration. It does not own the store
// connection's lifetime (the caller opens/closes StorageManager), matching
// §9 "the Epoch Controller exclusively owns the store connection" at the
// process level while leaving construction to main().
type Controller struct {
	storage     interfaces.StorageManager
	credentials interfaces.CredentialResolver
	cfg         *common.Config
	logger      arbor.ILogger
}

// New constructs a Controller.
func New(storage interfaces.StorageManager, credResolver interfaces.CredentialResolver, cfg *common.Config, logger arbor.ILogger) *Controller {
	return &Controller{storage: storage, credentials: credResolver, cfg: cfg, logger: logger}
}

// Run executes the full sequence of §4.10: T0 snapshot, C5, delta(Metadata),
// C6, delta(Metadata), deprecate(Metadata), delta(Episodes), C7,
// delta(Episodes), deprecate(Episodes), deprecate(Streams), sanity checks.
func (c *Controller) Run(ctx context.Context, t0 time.Time) (*Result, error) {
	epochID := uuid.New().String()
	logger := c.logger.WithContextWriter(epochID)
	t0Unix := t0.Unix()

	result := &Result{EpochID: epochID, T0: t0Unix}

	logger.Info().Str("epoch_id", epochID).Str("t0", t0.UTC().Format(time.RFC3339)).Msg("Epoch started")

	httpClient := newHTTPClient(c.cfg)
	fetcher := fetch.New(httpClient, c.credentials, c.cfg.Crawler.UserAgent, c.cfg.Crawler.PerHostRPS, logger)

	// Stage 1: Site Indexer (§4.5).
	if err := c.runIndexer(ctx, fetcher, logger, t0Unix, result); err != nil {
		return result, fmt.Errorf("indexer stage: %w", err)
	}

	// Stage 2: Delta Builder over Metadata, idempotent no-op unless a prior
	// crashed epoch left candidates behind (§4.10 step 4, §5 "candidates ...
	// must either be replayed by the Delta Builder or pruned at stage start").
	if err := c.runMetadataDelta(ctx, logger, &result.MetaDeltaA); err != nil {
		return result, fmt.Errorf("metadata delta (pre) stage: %w", err)
	}

	// Stage 3: Metadata Loader, then Delta Builder over Metadata again, then
	// deprecate Metadata (§4.10 step 5).
	if err := c.runMetadataStage(ctx, fetcher, logger, t0Unix, result); err != nil {
		return result, fmt.Errorf("metadata stage: %w", err)
	}

	// Stage 4: Delta Builder over Episodes, no-op (§4.10 step 6).
	if err := c.runEpisodesDelta(ctx, logger, &result.EpDeltaA); err != nil {
		return result, fmt.Errorf("episodes delta (pre) stage: %w", err)
	}

	// Stage 5: Episode/Stream Loader, then Delta Builder over Episodes, then
	// deprecate Episodes and Streams (§4.10 step 7).
	if err := c.runEpisodeStage(ctx, fetcher, logger, t0Unix, result); err != nil {
		return result, fmt.Errorf("episode stage: %w", err)
	}

	// Stage 6: sanity checks, report-only (§4.10 step 8, §7).
	sanityChecker := sanity.New(c.storage.DB(), logger)
	result.Sanity = sanityChecker.Run(ctx)

	logger.Info().
		Bool("sanity_passed", result.Sanity.Passed()).
		Int("sanity_violations", len(result.Sanity.Violations)).
		Msg("Epoch complete")

	return result, nil
}

func (c *Controller) runIndexer(ctx context.Context, fetcher interfaces.Fetcher, logger arbor.ILogger, t0 int64, result *Result) error {
	tx, err := c.storage.BeginTx(ctx)
	if err != nil {
		return err
	}

	p := pool.New(fetcher, logger, c.cfg.Crawler.Workers, c.cfg.Queue.TaskCapacity, c.cfg.Queue.ResultCapacity, c.cfg.Queue.IdleMax)
	ix := indexer.New(p, c.storage, c.cfg.Indexer.RootURL, c.cfg.Indexer.AllowedPrefixes, c.cfg.Crawler.Workers, logger)

	report, err := ix.Run(ctx, tx, t0)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.Indexer = report

	logger.Info().
		Int("fetched", report.Fetched).
		Int("fetch_errors", report.FetchErrors).
		Int("inserted", report.Inserted).
		Int("touched", report.Touched).
		Msg("Site indexer stage committed")

	return tx.Commit()
}

func (c *Controller) runMetadataDelta(ctx context.Context, logger arbor.ILogger, out **delta.Report) error {
	tx, err := c.storage.BeginTx(ctx)
	if err != nil {
		return err
	}
	builder := delta.New(c.storage.Metadata(), logger)
	report, err := builder.Run(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	*out = report
	return tx.Commit()
}

func (c *Controller) runEpisodesDelta(ctx context.Context, logger arbor.ILogger, out **delta.Report) error {
	tx, err := c.storage.BeginTx(ctx)
	if err != nil {
		return err
	}
	builder := delta.New(c.storage.Episodes(), logger)
	report, err := builder.Run(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	*out = report
	return tx.Commit()
}

func (c *Controller) runMetadataStage(ctx context.Context, fetcher interfaces.Fetcher, logger arbor.ILogger, t0 int64, result *Result) error {
	tx, err := c.storage.BeginTx(ctx)
	if err != nil {
		return err
	}

	p := pool.New(fetcher, logger, c.cfg.Crawler.Workers, c.cfg.Queue.TaskCapacity, c.cfg.Queue.ResultCapacity, c.cfg.Queue.IdleMax)
	metaLoader := loader.NewMetadataLoader(p, c.storage, c.cfg.Crawler.Workers, logger)

	report, err := metaLoader.Run(ctx, tx, t0)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.Metadata = report

	builder := delta.New(c.storage.Metadata(), logger)
	deltaReport, err := builder.Run(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.MetaDeltaB = deltaReport

	dep := deprecator.New(c.storage.Metadata(), logger)
	depReport, err := dep.Run(ctx, tx, t0)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.MetaDeprecated = depReport.Deprecated

	logger.Info().
		Int("fetched", report.Fetched).
		Int("upserted", report.Upserted).
		Int("failed", len(report.FailedURLs)).
		Int("non_json", len(report.NonJSONURLs)).
		Int("diffs_promoted", deltaReport.Promoted).
		Int("deprecated", depReport.Deprecated).
		Msg("Metadata stage committed")

	return tx.Commit()
}

func (c *Controller) runEpisodeStage(ctx context.Context, fetcher interfaces.Fetcher, logger arbor.ILogger, t0 int64, result *Result) error {
	tx, err := c.storage.BeginTx(ctx)
	if err != nil {
		return err
	}

	p := pool.New(fetcher, logger, c.cfg.Crawler.Workers, c.cfg.Queue.TaskCapacity, c.cfg.Queue.ResultCapacity, c.cfg.Queue.IdleMax)
	epLoader := loader.NewEpisodeLoader(p, c.storage, c.cfg.Crawler.Workers, logger)

	report, err := epLoader.Run(ctx, tx, t0)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.Episodes = report

	builder := delta.New(c.storage.Episodes(), logger)
	deltaReport, err := builder.Run(ctx, tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.EpDeltaB = deltaReport

	epDep := deprecator.New(c.storage.Episodes(), logger)
	epDepReport, err := epDep.Run(ctx, tx, t0)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.EpDeprecated = epDepReport.Deprecated

	streamDep := deprecator.NewStreamDeprecator(c.storage.Streams(), logger)
	streamDepReport, err := streamDep.Run(ctx, tx, t0)
	if err != nil {
		tx.Rollback()
		return err
	}
	result.StreamDeprecated = streamDepReport.Deprecated

	logger.Info().
		Int("fetched", report.Fetched).
		Int("episodes_linked", report.EpisodesLinked).
		Int("streams_linked", report.StreamsLinked).
		Int("failed", len(report.FailedURLs)).
		Int("diffs_promoted", deltaReport.Promoted).
		Int("episodes_deprecated", epDepReport.Deprecated).
		Int("streams_deprecated", streamDepReport.Deprecated).
		Msg("Episode/stream stage committed")

	return tx.Commit()
}

func newHTTPClient(cfg *common.Config) *http.Client {
	return httpclient.NewDefaultHTTPClient(cfg.Crawler.RequestTimeout)
}
