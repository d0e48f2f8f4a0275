// Package loader implements the Metadata Loader (C6) and Episode/Stream
// Loader (C7): fetch series/episode JSON and fold it into the Snapshot
// Store (§4.6, §4.7).
package loader

import (
	"context"
	"database/sql"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// MetadataReport summarizes one Metadata Loader stage run (§4.6).
type MetadataReport struct {
	Fetched     int
	Upserted    int
	FailedURLs  []string
	NonJSONURLs []string
}

// MetadataLoader fetches the series JSON sibling of every video-leaf Site
// row seen this epoch and upserts it into the Metadata table.
type MetadataLoader struct {
	pool    interfaces.WorkerPool
	storage interfaces.StorageManager
	workers int
	logger  arbor.ILogger
}

// NewMetadataLoader constructs a MetadataLoader; Run starts pool itself.
func NewMetadataLoader(pool interfaces.WorkerPool, storage interfaces.StorageManager, workers int, logger arbor.ILogger) *MetadataLoader {
	return &MetadataLoader{pool: pool, storage: storage, workers: workers, logger: logger}
}

// Run fetches every is_video site seen at t0 and upserts its metadata
// JSON, keyed by (metadata URL, site key) (§4.6).
func (l *MetadataLoader) Run(ctx context.Context, tx *sql.Tx, t0 int64) (*MetadataReport, error) {
	report := &MetadataReport{}

	sites, err := l.storage.Site().ListVideosSeenAt(ctx, tx, t0)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return report, nil
	}

	l.pool.Start(ctx)

	byURL := make(map[string]models.Site, len(sites))
	pending := 0
	for _, site := range sites {
		metaURL := common.MetadataURL(site.URL)
		byURL[metaURL] = site
		pending++
		if !l.pool.Submit(models.FetchTask{URL: metaURL, ExpectJSON: true}) {
			pending--
		}
	}

	for pending > 0 {
		result := <-l.pool.Results()
		pending--
		report.Fetched++

		site := byURL[result.URL]
		group := models.GroupKey{URL: result.URL, ParentKey: site.Key, HasParent: true}

		if result.Status == -1 {
			report.FailedURLs = append(report.FailedURLs, result.URL)
			l.logger.Warn().Str("url", result.URL).Msg("Metadata fetch failed")
			continue
		}

		canonical, ok := common.CanonicalizeJSON(result.Body)
		body := result.Body
		if ok {
			body = canonical
		} else {
			report.NonJSONURLs = append(report.NonJSONURLs, result.URL)
		}
		hash := common.JSONHash(body)

		var upsertErr error
		if ok {
			upsertErr = l.storage.Metadata().UpsertRecord(ctx, tx, group, body, hash, t0)
		} else {
			upsertErr = l.storage.Metadata().InsertNonJSON(ctx, tx, group, body, hash, t0)
		}
		if upsertErr != nil {
			l.logger.Warn().Str("url", result.URL).Err(upsertErr).Msg("Failed to upsert metadata record")
			continue
		}
		report.Upserted++
	}

	l.pool.Stop(l.workers)
	l.pool.Wait()
	return report, nil
}
