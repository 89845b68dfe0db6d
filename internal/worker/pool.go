// Package worker runs mining jobs on a bounded pool of goroutines,
// enforcing that a store has at most one running job at a time and
// that job completion is a single crash-consistent transaction. It
// uses an atomic-counter-guarded background-goroutine idiom for
// progress tracking, generalized from one fixed scan loop to a
// bounded pool draining an arbitrary number of submitted jobs.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/hui-federation/internal/apierr"
	"github.com/rawblock/hui-federation/internal/mining"
	"github.com/rawblock/hui-federation/internal/store"
	"github.com/rawblock/hui-federation/pkg/models"
)

// Broadcaster pushes a stream event to every connected dashboard
// client. Satisfied by *api.Hub without importing internal/api, which
// already imports this package to wire the pool into its router.
type Broadcaster interface {
	Broadcast([]byte)
}

// Pool runs mining jobs with bounded concurrency. Per-store
// serialization is enforced with a sync.Map of mutexes — one entry per
// store that has ever submitted a job — since the corpus has no
// library offering a named-lock primitive and sync.Map is the
// stdlib's own concurrent-map idiom for this exact shape (keys
// unknown ahead of time, read-heavy after warm-up).
type Pool struct {
	st         store.Store
	sizes      mining.CacheSizes
	staleAfter time.Duration
	hub        Broadcaster

	sem       chan struct{}
	storeLock sync.Map // store ID -> *sync.Mutex

	running atomic.Int64
	wg      sync.WaitGroup
}

// New constructs a Pool with the given worker concurrency. hub may be
// nil, in which case job completions are not broadcast anywhere.
func New(st store.Store, poolSize int, staleAfter time.Duration, sizes mining.CacheSizes, hub Broadcaster) *Pool {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Pool{
		st:         st,
		sizes:      sizes,
		staleAfter: staleAfter,
		hub:        hub,
		sem:        make(chan struct{}, poolSize),
	}
}

func (p *Pool) storeMutex(storeID string) *sync.Mutex {
	actual, _ := p.storeLock.LoadOrStore(storeID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Submit creates a pending job row and launches its execution in the
// background. It returns as soon as the job is persisted so the HTTP
// handler can respond immediately — /api/mining/start is fire-and-poll,
// not synchronous.
func (p *Pool) Submit(ctx context.Context, storeID string, params models.MiningParams) (models.MiningJob, error) {
	job := models.MiningJob{
		ID:        uuid.NewString(),
		StoreID:   storeID,
		Params:    params,
		Status:    models.JobPending,
		CreatedAt: time.Now(),
	}
	if err := p.st.CreateMiningJob(ctx, job); err != nil {
		return models.MiningJob{}, apierr.Transient("job_create_failed", "failed to persist mining job", err)
	}

	p.wg.Add(1)
	go p.run(job)

	return job, nil
}

// Wait blocks until every in-flight job has finished. Intended for
// graceful shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// RunningCount reports how many jobs are currently executing.
func (p *Pool) RunningCount() int64 {
	return p.running.Load()
}

func (p *Pool) run(job models.MiningJob) {
	defer p.wg.Done()

	mu := p.storeMutex(job.StoreID)
	mu.Lock()
	defer mu.Unlock()

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	p.running.Add(1)
	defer p.running.Add(-1)

	ctx := context.Background()

	ok, err := p.st.TransitionJobStatus(ctx, job.ID, models.JobPending, models.JobRunning, func(j *models.MiningJob) {
		now := time.Now()
		j.StartedAt = &now
	})
	if err != nil {
		log.Printf("[worker] job %s: failed to transition to running: %v", job.ID, err)
		return
	}
	if !ok {
		log.Printf("[worker] job %s: not in pending state, skipping (cancelled before start?)", job.ID)
		return
	}

	start := time.Now()
	txs, err := p.st.ListTransactions(ctx, job.StoreID, 0)
	if err != nil {
		p.fail(ctx, job.ID, fmt.Sprintf("loading transactions: %v", err))
		return
	}

	results, err := mining.Mine(ctx, txs, job.Params, p.sizes)
	if err != nil {
		p.fail(ctx, job.ID, fmt.Sprintf("mining run failed: %v", err))
		return
	}

	elapsed := time.Since(start)

	patterns := make([]models.LocalPattern, 0, len(results))
	for _, r := range results {
		patterns = append(patterns, models.LocalPattern{
			JobID:     job.ID,
			StoreID:   job.StoreID,
			Items:     r.Items,
			Utility:   r.Utility,
			Support:   r.Support,
			CreatedAt: time.Now(),
		})
	}

	completed := job
	completed.Status = models.JobCompleted
	now := time.Now()
	completed.CompletedAt = &now
	completed.PatternsFound = len(patterns)
	completed.ExecutionTimeSeconds = elapsed.Seconds()

	if err := p.st.CompleteJobWithPatterns(ctx, completed, patterns); err != nil {
		log.Printf("[worker] job %s: failed to commit completion: %v", job.ID, err)
		return
	}
	log.Printf("[worker] job %s completed: %d patterns in %s", job.ID, len(patterns), elapsed)

	if p.hub != nil {
		p.hub.Broadcast([]byte(`{"type":"job_completed","job_id":"` + completed.ID + `","store_id":"` + completed.StoreID + `"}`))
	}
}

func (p *Pool) fail(ctx context.Context, jobID, message string) {
	if err := p.st.FailJob(ctx, jobID, message); err != nil {
		log.Printf("[worker] job %s: failed to record failure (%q): %v", jobID, message, err)
	}
}

// ReapStale transitions every running job whose StartedAt predates the
// configured staleness window to failed — recovery for jobs orphaned
// by a worker crash. Called both at startup and on a recurring cadence.
func (p *Pool) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.staleAfter)
	stale, err := p.st.ListStaleRunningJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale running jobs: %w", err)
	}
	for _, job := range stale {
		if err := p.st.FailJob(ctx, job.ID, "reaped: exceeded stale job timeout"); err != nil {
			log.Printf("[worker] failed to reap job %s: %v", job.ID, err)
			continue
		}
		log.Printf("[worker] reaped stale job %s (store %s)", job.ID, job.StoreID)
	}
	return len(stale), nil
}
