// Package fetch implements the HTTP Fetcher (C1): resolves one FetchTask to
// a FetchResult, canonicalizing JSON bodies and turning transport failures
// into a status code rather than an error (§4.1, §7).
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
	"github.com/ternarybob/lecturecrawl/internal/models"
	"golang.org/x/time/rate"
)

// Fetcher resolves FetchTasks over HTTP, rate limiting per host and
// resolving credentials through a CredentialResolver (§4.1, §4.4).
type Fetcher struct {
	client      *http.Client
	credentials interfaces.CredentialResolver
	userAgent   string
	logger      arbor.ILogger

	perHostRPS float64
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a Fetcher. credentials may be nil when the portal requires
// no login (§4.4's resolver is optional per-task).
func New(client *http.Client, credentials interfaces.CredentialResolver, userAgent string, perHostRPS float64, logger arbor.ILogger) *Fetcher {
	return &Fetcher{
		client:      client,
		credentials: credentials,
		userAgent:   userAgent,
		perHostRPS:  perHostRPS,
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Fetch performs one request. Non-2xx responses and transport errors are
// both reported as Status == -1 so the result consumer can persist the
// failure without the pool treating it as a fatal error (§4.1, §7).
func (f *Fetcher) Fetch(ctx context.Context, task models.FetchTask) models.FetchResult {
	result := models.FetchResult{Task: task, URL: task.URL}

	if err := f.waitHostLimit(ctx, task.URL); err != nil {
		result.Status = -1
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		f.logger.Warn().Str("url", task.URL).Err(err).Msg("Failed to build fetch request")
		result.Status = -1
		return result
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}

	if f.credentials != nil {
		headers, err := f.credentials.Resolve(ctx, task.URL)
		if err != nil {
			f.logger.Warn().Str("url", task.URL).Err(err).Msg("Credential resolution failed, continuing unauthenticated")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn().Str("url", task.URL).Err(err).Msg("Fetch request failed")
		result.Status = -1
		return result
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Warn().Str("url", task.URL).Err(err).Msg("Failed reading fetch response body")
		result.Status = -1
		return result
	}

	result.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Status = -1
		return result
	}

	text := decodeUTF8(body)

	if task.ExpectJSON {
		canonical, ok := common.CanonicalizeJSON(text)
		if ok {
			result.Body = canonical
			return result
		}
		// not valid JSON: stored as-is, the Loader classifies it non_json (§7)
	}

	result.Body = text
	return result
}

// waitHostLimit blocks until the per-host token bucket admits one request
// (§4.1 "polite crawling", CrawlerConfig.PerHostRPS).
func (f *Fetcher) waitHostLimit(ctx context.Context, rawURL string) error {
	if f.perHostRPS <= 0 {
		return nil
	}
	host := hostOf(rawURL)
	limiter := f.limiterFor(host)
	return limiter.Wait(ctx)
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.perHostRPS), 1)
		f.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// decodeUTF8 returns body as a UTF-8 string. The portal serves only UTF-8
// content in practice (§4.1); this only strips a BOM if present.
func decodeUTF8(body []byte) string {
	text := string(body)
	return strings.TrimPrefix(text, "﻿")
}
