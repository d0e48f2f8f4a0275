package loader

import (
	"context"

	"github.com/ternarybob/lecturecrawl/internal/models"
)

// fakePool is a synchronous stand-in for the real Worker Pool (§4.2):
// Submit resolves the task immediately against fetchFunc and buffers the
// result for Results() rather than dispatching across goroutines, which
// keeps the loader tests deterministic.
type fakePool struct {
	fetchFunc func(models.FetchTask) models.FetchResult
	results   chan models.FetchResult
}

func newFakePool(fetchFunc func(models.FetchTask) models.FetchResult) *fakePool {
	return &fakePool{fetchFunc: fetchFunc, results: make(chan models.FetchResult, 64)}
}

func (p *fakePool) Start(ctx context.Context) {}

func (p *fakePool) Submit(task models.FetchTask) bool {
	p.results <- p.fetchFunc(task)
	return true
}

func (p *fakePool) Stop(n int) {}

func (p *fakePool) Results() <-chan models.FetchResult {
	return p.results
}

func (p *fakePool) Wait() {}

func notFound(task models.FetchTask) models.FetchResult {
	return models.FetchResult{URL: task.URL, Status: -1}
}

func jsonBody(body string) func(models.FetchTask) models.FetchResult {
	return func(task models.FetchTask) models.FetchResult {
		return models.FetchResult{URL: task.URL, Status: 200, Body: body}
	}
}

// htmlBody simulates a non-JSON response (e.g. an error page served where
// JSON was expected), exercising the §4.3 step 5 / §7 "Decoding" path.
func htmlBody(body string) func(models.FetchTask) models.FetchResult {
	return func(task models.FetchTask) models.FetchResult {
		return models.FetchResult{URL: task.URL, Status: 200, Body: body}
	}
}

func byURLFetch(bodies map[string]string) func(models.FetchTask) models.FetchResult {
	return func(task models.FetchTask) models.FetchResult {
		body, ok := bodies[task.URL]
		if !ok {
			return models.FetchResult{URL: task.URL, Status: -1}
		}
		return models.FetchResult{URL: task.URL, Status: 200, Body: body}
	}
}
