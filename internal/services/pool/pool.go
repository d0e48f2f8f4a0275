package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lecturecrawl/internal/common"
	"github.com/ternarybob/lecturecrawl/internal/interfaces"
	"github.com/ternarybob/lecturecrawl/internal/models"
)

// envelope carries either a real task or a STOP sentinel through the same
// bounded task channel (§4.2: "N STOP sentinels must be sent by the
// producer when enumeration completes").
type envelope struct {
	task models.FetchTask
	stop bool
}

// Pool is the bounded producer/consumer Worker Pool of §4.2: a bounded task
// queue, a bounded result queue, and N concurrent workers, each polling
// non-blockingly and self-terminating after IdleMax idle or on STOP.
type Pool struct {
	tasks   chan envelope
	results chan models.FetchResult

	fetcher interfaces.Fetcher
	logger  arbor.ILogger
	workers int
	idleMax time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeResultsOnce sync.Once
}

// New constructs a Pool. taskCapacity/resultCapacity bound Q_task/Q_res;
// workers is N; idleMax is the per-worker self-termination threshold
// (default 20s per §4.2).
func New(fetcher interfaces.Fetcher, logger arbor.ILogger, workers, taskCapacity, resultCapacity int, idleMax time.Duration) *Pool {
	return &Pool{
		tasks:   make(chan envelope, taskCapacity),
		results: make(chan models.FetchResult, resultCapacity),
		fetcher: fetcher,
		logger:  logger,
		workers: workers,
		idleMax: idleMax,
	}
}

// Start launches the N workers. Each runs under the crash-recovery wrapper
// so a single worker's panic does not take down the epoch (§7 "Worker
// crash").
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		workerID := i
		common.SafeGoWithContext(p.ctx, p.logger, fmt.Sprintf("pool-worker-%d", workerID), func() {
			defer p.wg.Done()
			p.runWorker(p.ctx, workerID)
		})
	}
}

// Submit enqueues a task. Blocks if Q_task is at capacity (bounded
// backpressure); returns false if the pool's context has already been
// cancelled.
func (p *Pool) Submit(task models.FetchTask) bool {
	select {
	case p.tasks <- envelope{task: task}:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Stop sends n STOP sentinels, one per worker, as the producer does once
// enumeration completes (§4.2).
func (p *Pool) Stop(n int) {
	for i := 0; i < n; i++ {
		select {
		case p.tasks <- envelope{stop: true}:
		case <-p.ctx.Done():
			return
		}
	}
}

// Results returns the channel the single-threaded result consumer reads
// from (§4.2 "results may arrive out of order").
func (p *Pool) Results() <-chan models.FetchResult {
	return p.results
}

// Wait blocks until every worker has exited (drained or idle-terminated),
// then closes the results channel so the consumer's range loop ends.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.closeResults()
}

// Shutdown waits up to timeout for the workers to exit, then cancels any
// still alive. The Epoch Controller and its stages do not call it: they
// end each pool with Stop and Wait, so no stage-wide drain timeout is
// applied and QueueConfig.DrainTimeout is not read.
func (p *Pool) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn().Dur("timeout", timeout).Msg("Worker pool drain timeout exceeded, cancelling remaining workers")
		p.cancel()
		<-done
	}
	p.closeResults()
}

// closeResults closes the results channel exactly once, so a caller that
// invokes both Wait and Shutdown (or either more than once) never double
// closes it.
func (p *Pool) closeResults() {
	p.closeResultsOnce.Do(func() {
		close(p.results)
	})
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	idleSeconds := 0
	maxIdleSeconds := int(p.idleMax.Seconds())
	if maxIdleSeconds <= 0 {
		maxIdleSeconds = 20
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-p.tasks:
			if !ok || env.stop {
				return
			}
			idleSeconds = 0
			result := p.fetcher.Fetch(ctx, env.task)
			select {
			case p.results <- result:
			case <-ctx.Done():
				return
			}
		default:
			time.Sleep(time.Second)
			idleSeconds++
			if idleSeconds >= maxIdleSeconds {
				return
			}
		}
	}
}
