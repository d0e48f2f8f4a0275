package loader

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// EpisodeReport summarizes one Episode/Stream Loader stage run (§4.7).
type EpisodeReport struct {
	Fetched        int
	EpisodesLinked int
	StreamsLinked  int
	FailedURLs     []string
}

// seriesJSON is the subset of a series' metadata JSON the loader
// dereferences (§9 "the portal JSON is treated as opaque").
type seriesJSON struct {
	Episodes []struct {
		ID string `json:"id"`
	} `json:"episodes"`
}

// episodeJSON is the subset of an episode's metadata JSON the loader
// dereferences (§4.7, §9).
type episodeJSON struct {
	SelectedEpisode struct {
		Media struct {
			Presentations []struct {
				URL    string `json:"url"`
				Width  *int   `json:"width"`
				Height *int   `json:"height"`
			} `json:"presentations"`
		} `json:"media"`
	} `json:"selectedEpisode"`
}

// EpisodeLoader walks non-deprecated, non-diff Metadata records, fetches
// each referenced episode, and records its stream presentations. Credential
// resolution (§4.4) happens inside the shared Fetcher, not here.
type EpisodeLoader struct {
	pool    interfaces.WorkerPool
	storage interfaces.StorageManager
	workers int
	logger  arbor.ILogger
}

// NewEpisodeLoader constructs an EpisodeLoader; Run starts pool itself.
func NewEpisodeLoader(pool interfaces.WorkerPool, storage interfaces.StorageManager, workers int, logger arbor.ILogger) *EpisodeLoader {
	return &EpisodeLoader{pool: pool, storage: storage, workers: workers, logger: logger}
}

// episodeTask carries the fields the result consumer needs to finish
// processing a fetched episode, since FetchTask is value-passed through
// the pool (§9 "task payloads are value-passed").
type episodeTask struct {
	metadataKey int64
}

// Run parses every live Metadata record's episodes[], fetches each episode
// URL, upserts it into Episodes, links it to its series, and drills into
// its presentations to record Streams (§4.7).
func (l *EpisodeLoader) Run(ctx context.Context, tx *sql.Tx, t0 int64) (*EpisodeReport, error) {
	report := &EpisodeReport{}

	live, err := l.storage.Metadata().ListNonDeprecatedLive(ctx, tx)
	if err != nil {
		return nil, err
	}

	byURL := make(map[string]episodeTask)
	l.pool.Start(ctx)
	pending := 0

	for _, record := range live {
		if !record.HasRecordType || (record.RecordType != models.RecordTypeInitial && record.RecordType != models.RecordTypeFinal) {
			continue
		}
		var series seriesJSON
		if err := json.Unmarshal([]byte(record.JSONText), &series); err != nil {
			l.logger.Warn().Str("url", record.URL).Err(err).Msg("Malformed series JSON, skipping episode extraction")
			continue
		}

		for _, ep := range series.Episodes {
			if ep.ID == "" {
				continue
			}
			episodeURL := common.EpisodeURL(record.URL, ep.ID)
			byURL[episodeURL] = episodeTask{metadataKey: record.Key}
			pending++
			if !l.pool.Submit(models.FetchTask{URL: episodeURL, ExpectJSON: true, IsEpisode: true}) {
				pending--
			}
		}
	}

	for pending > 0 {
		result := <-l.pool.Results()
		pending--
		report.Fetched++

		task, ok := byURL[result.URL]
		if !ok {
			continue
		}

		if result.Status == -1 {
			report.FailedURLs = append(report.FailedURLs, result.URL)
			l.logger.Warn().Str("url", result.URL).Msg("Episode fetch failed")
			continue
		}

		canonical, isJSON := common.CanonicalizeJSON(result.Body)
		body := result.Body
		if isJSON {
			body = canonical
		}
		hash := common.JSONHash(body)

		group := models.GroupKey{URL: result.URL, HasParent: false}
		var upsertErr error
		if isJSON {
			upsertErr = l.storage.Episodes().UpsertRecord(ctx, tx, group, body, hash, t0)
		} else {
			upsertErr = l.storage.Episodes().InsertNonJSON(ctx, tx, group, body, hash, t0)
		}
		if upsertErr != nil {
			l.logger.Warn().Str("url", result.URL).Err(upsertErr).Msg("Failed to upsert episode record")
			continue
		}

		episodeRecords, err := l.storage.Episodes().ListGroup(ctx, tx, group)
		if err != nil || len(episodeRecords) == 0 {
			continue
		}
		episodeKey := liveKey(episodeRecords)

		if err := l.storage.Assoc().LinkMetadataEpisode(ctx, tx, task.metadataKey, episodeKey); err != nil {
			l.logger.Warn().Str("url", result.URL).Err(err).Msg("Failed to link metadata to episode")
		} else {
			report.EpisodesLinked++
		}

		if !isJSON {
			continue
		}
		l.recordStreams(ctx, tx, body, episodeKey, t0, report)
	}

	l.pool.Stop(l.workers)
	l.pool.Wait()
	return report, nil
}

// recordStreams drills into selectedEpisode.media.presentations[*], upserts
// each as a Stream, and links it to episodeKey (§4.7 step 3).
func (l *EpisodeLoader) recordStreams(ctx context.Context, tx *sql.Tx, body string, episodeKey int64, t0 int64, report *EpisodeReport) {
	var episode episodeJSON
	if err := json.Unmarshal([]byte(body), &episode); err != nil {
		l.logger.Warn().Int64("episode_key", episodeKey).Err(err).Msg("Malformed episode JSON, skipping stream extraction")
		return
	}

	for _, p := range episode.SelectedEpisode.Media.Presentations {
		if p.URL == "" {
			l.logger.Warn().Int64("episode_key", episodeKey).Msg("Presentation without URL skipped")
			continue
		}
		width, height := -1, -1
		if p.Width != nil {
			width = *p.Width
		}
		if p.Height != nil {
			height = *p.Height
		}
		resolution := models.Resolution(width, height)

		streamKey, err := l.storage.Streams().UpsertStream(ctx, tx, p.URL, resolution, t0)
		if err != nil {
			l.logger.Warn().Str("stream_url", p.URL).Err(err).Msg("Failed to upsert stream")
			continue
		}
		if err := l.storage.Assoc().LinkEpisodeStream(ctx, tx, episodeKey, streamKey); err != nil {
			l.logger.Warn().Str("stream_url", p.URL).Err(err).Msg("Failed to link episode to stream")
			continue
		}
		report.StreamsLinked++
	}
}

// liveKey returns the key of the group's non-deprecated, non-final row:
// the freshest candidate/diff/initial. Associations must never reference a
// `final` record (§3 I3), so a final row is never selected even though it
// may be the group's other non-deprecated member (§3 I5).
func liveKey(records []models.Record) int64 {
	var best models.Record
	haveBest := false
	for _, r := range records {
		if r.Deprecated {
			continue
		}
		if r.HasRecordType && r.RecordType == models.RecordTypeFinal {
			continue
		}
		if !haveBest || r.Key > best.Key {
			best = r
			haveBest = true
		}
	}
	if !haveBest {
		return records[len(records)-1].Key
	}
	return best.Key
}
