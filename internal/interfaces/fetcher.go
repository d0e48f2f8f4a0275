package interfaces

import (
	"context"

	"github.com/ternarybob/lecturecrawl/internal/models"
)

// Fetcher is the HTTP Fetcher (C1): §4.1.
type Fetcher interface {
	Fetch(ctx context.Context, task models.FetchTask) models.FetchResult
}

// CredentialResolver is the Credential Resolver (C4): §4.4.
type CredentialResolver interface {
	// Resolve returns the headers/cookie header value to attach to a
	// request for seriesURL, layering a per-path login over the global one
	// per §4.4 (no per-episode layer).
	Resolve(ctx context.Context, seriesURL string) (map[string]string, error)
}

// WorkerPool is the bounded producer/consumer pool of §4.2.
type WorkerPool interface {
	Start(ctx context.Context)
	Submit(task models.FetchTask) bool
	Stop(n int)
	Results() <-chan models.FetchResult
	Wait()
}
