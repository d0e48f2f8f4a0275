// Package indexer implements the Site Indexer (C5): a breadth-first walk
// of the portal tree that classifies every page as container or video-leaf
// and records it in the Site table (§4.5).
package indexer

import (
	"context"
	"database/sql"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// unknownParentKey marks a site row awaiting second-pass parentage
// derivation; distinct from models.RootParentKey (-1), the synthetic root.
const unknownParentKey int64 = -2

// videoMarkerSelector is present on an episode page's HTML and absent on a
// container page (§4.5 "episode-page HTML marker").
const videoMarkerSelector = "[data-episode-player], .episode-player"

// childLinkSelector scopes child-link extraction on a container page to the
// portal's results list box, as opposed to navigation chrome (§4.5 "a
// specific list-box selector").
const childLinkSelector = "#results-listbox a[href], .results-list a[href]"

// Report summarizes one Site Indexer run (§4.10 stage reporting).
type Report struct {
	Fetched     int
	FetchErrors int
	Inserted    int
	Touched     int
}

// Indexer walks the portal tree via the shared Worker Pool.
type Indexer struct {
	pool            interfaces.WorkerPool
	storage         interfaces.StorageManager
	rootURL         string
	allowedPrefixes []string
	workers         int
	logger          arbor.ILogger
}

// New constructs an Indexer. Run starts pool itself and sends it the STOP
// sentinels once the walk ends.
func New(pool interfaces.WorkerPool, storage interfaces.StorageManager, rootURL string, allowedPrefixes []string, workers int, logger arbor.ILogger) *Indexer {
	return &Indexer{
		pool:            pool,
		storage:         storage,
		rootURL:         rootURL,
		allowedPrefixes: allowedPrefixes,
		workers:         workers,
		logger:          logger,
	}
}

// Run walks the tree within tx, inserting/touching Site rows, then derives
// parentage in a memoized second pass (§4.5).
func (ix *Indexer) Run(ctx context.Context, tx *sql.Tx, t0 int64) (*Report, error) {
	report := &Report{}
	seen := make(map[string]bool)
	pending := 0

	ix.pool.Start(ctx)

	submit := func(url string) {
		if seen[url] {
			return
		}
		seen[url] = true

		if existing, found, err := ix.lookupExisting(ctx, tx, url); err == nil && found {
			if err := ix.storage.Site().TouchLastSeen(ctx, tx, existing.Key, t0); err != nil {
				ix.logger.Warn().Str("url", url).Err(err).Msg("Failed to touch last_seen for known site")
			}
			report.Touched++
			return
		}

		pending++
		if !ix.pool.Submit(models.FetchTask{URL: url, ExpectJSON: false}) {
			pending--
			ix.logger.Warn().Str("url", url).Msg("Site indexer could not submit task, pool context cancelled")
		}
	}

	submit(ix.rootURL)

	for pending > 0 {
		result := <-ix.pool.Results()
		pending--
		report.Fetched++

		if result.Status == -1 {
			report.FetchErrors++
			ix.logger.Warn().Str("url", result.URL).Int("status", result.Status).Msg("Site indexer fetch failed")
			continue
		}

		isVideo, childLinks := classify(result.Body, result.URL, ix.allowedPrefixes)

		if _, err := ix.storage.Site().InsertSite(ctx, tx, result.URL, isVideo, unknownParentKey, t0); err != nil {
			ix.logger.Warn().Str("url", result.URL).Err(err).Msg("Failed to insert site row")
			continue
		}
		report.Inserted++

		if !isVideo {
			for _, link := range childLinks {
				submit(link)
			}
		}
	}

	ix.pool.Stop(ix.workers)
	ix.pool.Wait()

	if err := ix.deriveParentage(ctx, tx); err != nil {
		return report, err
	}
	return report, nil
}

// lookupExisting checks both is_video values since the unique key pairs
// (url, is_video) and the indexer does not know a child's classification
// before fetching it.
func (ix *Indexer) lookupExisting(ctx context.Context, tx *sql.Tx, url string) (*models.Site, bool, error) {
	if site, found, err := ix.storage.Site().FindByURL(ctx, tx, url, true); err == nil && found {
		return site, true, nil
	}
	return ix.storage.Site().FindByURL(ctx, tx, url, false)
}

// deriveParentage resolves every site row left with the unknown-parent
// sentinel by removing the last path segment and reattaching .html,
// memoizing parent URL -> key lookups to avoid repeated queries (§4.5).
func (ix *Indexer) deriveParentage(ctx context.Context, tx *sql.Tx) error {
	pending, err := ix.storage.Site().ListWithNullParent(ctx, tx)
	if err != nil {
		return err
	}

	memo := make(map[string]int64)
	for _, site := range pending {
		parentURL, ok := common.ParentPageURL(site.URL)
		if !ok {
			if err := ix.storage.Site().SetParent(ctx, tx, site.Key, models.RootParentKey); err != nil {
				return err
			}
			continue
		}

		parentKey, ok := memo[parentURL]
		if !ok {
			parent, found, err := ix.storage.Site().FindByURL(ctx, tx, parentURL, false)
			if err != nil {
				return err
			}
			if found {
				parentKey = parent.Key
			} else {
				parentKey = models.RootParentKey
			}
			memo[parentURL] = parentKey
		}

		if err := ix.storage.Site().SetParent(ctx, tx, site.Key, parentKey); err != nil {
			return err
		}
	}
	return nil
}

// classify parses a fetched page and reports whether it is a video leaf,
// plus (for containers) the further child links drawn from the results
// list box that share an allowed prefix and differ from pageURL (§4.5).
func classify(body, pageURL string, allowedPrefixes []string) (isVideo bool, childLinks []string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		// malformed HTML: treated as a container with zero children (§4.5)
		return false, nil
	}

	if doc.Find(videoMarkerSelector).Length() > 0 {
		return true, nil
	}

	seen := make(map[string]bool)
	doc.Find(childLinkSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		absolute := resolveLink(pageURL, href)
		if absolute == pageURL || seen[absolute] {
			return
		}
		if !matchesAllowList(absolute, allowedPrefixes) {
			return
		}
		seen[absolute] = true
		childLinks = append(childLinks, absolute)
	})

	return false, childLinks
}

// resolveLink joins a relative href against the page it was found on.
func resolveLink(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// matchesAllowList reports whether url ends with .html and contains one of
// the allow-listed prefixes (after a "/" or at its start); the number of
// path segments is not checked.
func matchesAllowList(url string, allowedPrefixes []string) bool {
	if !strings.HasSuffix(url, ".html") {
		return false
	}
	for _, prefix := range allowedPrefixes {
		if strings.Contains(url, "/"+prefix) || strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
