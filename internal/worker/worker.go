// Package worker is the background task runtime: named tasks with queue
// affinity, per-task rate limits, retry with exponential backoff, and a
// periodic schedule. It is a single-process scheduler over a fixed pool;
// task state lives in the catalog so submission is idempotent and
// cancellation survives restarts.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/tileserr"
)

// Queue names, in dispatch-priority order.
const (
	QueueHigh        = "high_priority"
	QueueStandard    = "standard"
	QueueLow         = "low_priority"
	QueueMaintenance = "maintenance"
)

// ErrCancelled is returned by a handler that observed its job was
// cancelled and stopped cleanly. The runner does not count it as a
// failure and does not retry.
var ErrCancelled = eris.New("worker: job cancelled")

// Handler executes one job. Long handlers should call tc.Cancelled
// between units of work and return ErrCancelled when it reports true.
type Handler func(ctx context.Context, tc *TaskContext) error

// Task declares a named background task.
type Task struct {
	Name       string
	Queue      string
	MaxRetries int
	RetryBase  time.Duration
	RatePerMin int // 0 means unlimited; config rate_limits overrides
	Handler    Handler
}

// TaskContext gives a running handler access to its job record.
type TaskContext struct {
	Job     *catalog.Job
	Attempt int

	store catalog.Store
}

// Cancelled re-reads the job and reports whether it was cancelled. Errors
// reading the record are treated as not-cancelled; the next check retries.
func (tc *TaskContext) Cancelled(ctx context.Context) bool {
	job, err := tc.store.GetJob(ctx, tc.Job.ID)
	if err != nil {
		return false
	}
	return job.Status == catalog.JobCancelled
}

// Progress records fractional completion on the job.
func (tc *TaskContext) Progress(ctx context.Context, fraction float64) {
	if err := tc.store.SetJobProgress(ctx, tc.Job.ID, fraction); err != nil {
		zap.L().Warn("worker: set progress failed",
			zap.String("job_id", tc.Job.ID), zap.Error(err))
	}
}

// Artifact attaches a produced artifact name to the job.
func (tc *TaskContext) Artifact(ctx context.Context, name string) {
	if err := tc.store.AppendJobArtifact(ctx, tc.Job.ID, name); err != nil {
		zap.L().Warn("worker: append artifact failed",
			zap.String("job_id", tc.Job.ID), zap.Error(err))
	}
}

type item struct {
	task    Task
	jobID   string
	attempt int
}

// Runner dispatches jobs to a fixed pool of workers. Four queues are
// drained in strict priority order; within a queue, FIFO.
type Runner struct {
	store       catalog.Store
	log         *zap.Logger
	concurrency int

	mu       sync.RWMutex
	tasks    map[string]Task
	limiters map[string]*rate.Limiter

	queues map[string]chan item

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

const queueDepth = 4096

// NewRunner creates a Runner over the given catalog store. Rate limits
// from cfg override per-task declarations.
func NewRunner(store catalog.Store, cfg config.WorkerConfig, log *zap.Logger) *Runner {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 8
	}
	r := &Runner{
		store:       store,
		log:         log,
		concurrency: concurrency,
		tasks:       make(map[string]Task),
		limiters:    make(map[string]*rate.Limiter),
		queues: map[string]chan item{
			QueueHigh:        make(chan item, queueDepth),
			QueueStandard:    make(chan item, queueDepth),
			QueueLow:         make(chan item, queueDepth),
			QueueMaintenance: make(chan item, queueDepth),
		},
	}
	for name, perMin := range cfg.RateLimits {
		r.limiters[name] = newLimiter(perMin)
	}
	return r
}

func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMin / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perMin)/60, burst)
}

// Register adds a task declaration. Registering twice replaces the
// earlier declaration; a config rate limit for the name still wins.
func (r *Runner) Register(t Task) error {
	if t.Name == "" || t.Handler == nil {
		return eris.New("worker: task needs a name and a handler")
	}
	if _, ok := r.queues[t.Queue]; !ok {
		return eris.Errorf("worker: task %s: unknown queue %q", t.Name, t.Queue)
	}
	if t.RetryBase <= 0 {
		t.RetryBase = 5 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name] = t
	if _, fromConfig := r.limiters[t.Name]; !fromConfig {
		r.limiters[t.Name] = newLimiter(t.RatePerMin)
	}
	return nil
}

// Submit records a job for the named task and enqueues it. Submission is
// idempotent: the same task name and config converge on one job, and a
// job already past pending is not enqueued again.
func (r *Runner) Submit(ctx context.Context, taskName string, cfg json.RawMessage) (*catalog.Job, error) {
	r.mu.RLock()
	task, ok := r.tasks[taskName]
	r.mu.RUnlock()
	if !ok {
		return nil, tileserr.NotFoundf("worker: unknown task %s", taskName)
	}

	job, created, err := r.store.UpsertJob(ctx, taskName, cfg)
	if err != nil {
		return nil, err
	}
	if !created && job.Status != catalog.JobPending {
		return job, nil
	}

	select {
	case r.queues[task.Queue] <- item{task: task, jobID: job.ID}:
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "worker: submit")
	}
	return job, nil
}

// Recover re-enqueues pending jobs found in the store. A fresh worker
// process calls this before Start so that jobs submitted by the API (or
// left behind by a crashed worker) are not stranded. Jobs for tasks this
// runner does not know are skipped. Returns the number enqueued.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	jobs, err := r.store.ListJobs(ctx, catalog.JobFilter{Status: catalog.JobPending})
	if err != nil {
		return 0, eris.Wrap(err, "worker: recover")
	}
	recovered := 0
	for _, job := range jobs {
		r.mu.RLock()
		task, ok := r.tasks[job.Kind]
		r.mu.RUnlock()
		if !ok {
			r.log.Warn("worker: pending job for unknown task, skipping",
				zap.String("job", job.ID), zap.String("task", job.Kind))
			continue
		}
		select {
		case r.queues[task.Queue] <- item{task: task, jobID: job.ID}:
			recovered++
		case <-ctx.Done():
			return recovered, eris.Wrap(ctx.Err(), "worker: recover")
		}
	}
	if recovered > 0 {
		r.log.Info("worker: recovered pending jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Start launches the worker pool. It returns immediately; call Stop to
// drain.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.loop(ctx)
	}
	r.log.Info("worker: pool started",
		zap.Int("concurrency", r.concurrency),
		zap.Int("tasks", len(r.tasks)))
}

// Stop cancels the pool and waits for in-flight handlers to return.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		it, ok := r.next(ctx)
		if !ok {
			return
		}
		r.run(ctx, it)
	}
}

// next drains the queues in strict priority order, blocking across all
// four only when every higher lane is empty.
func (r *Runner) next(ctx context.Context) (item, bool) {
	for _, q := range []string{QueueHigh, QueueStandard, QueueLow, QueueMaintenance} {
		select {
		case it := <-r.queues[q]:
			return it, true
		default:
		}
	}
	select {
	case it := <-r.queues[QueueHigh]:
		return it, true
	case it := <-r.queues[QueueStandard]:
		return it, true
	case it := <-r.queues[QueueLow]:
		return it, true
	case it := <-r.queues[QueueMaintenance]:
		return it, true
	case <-ctx.Done():
		return item{}, false
	}
}

func (r *Runner) run(ctx context.Context, it item) {
	log := r.log.With(
		zap.String("task", it.task.Name),
		zap.String("job_id", it.jobID),
		zap.Int("attempt", it.attempt))

	r.mu.RLock()
	limiter := r.limiters[it.task.Name]
	r.mu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	job, err := r.store.GetJob(ctx, it.jobID)
	if err != nil {
		log.Error("worker: load job", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		log.Debug("worker: job already terminal", zap.String("status", string(job.Status)))
		return
	}
	if err := r.store.SetJobStatus(ctx, job.ID, catalog.JobRunning, ""); err != nil {
		log.Error("worker: mark running", zap.Error(err))
		return
	}

	start := time.Now()
	runErr := it.task.Handler(ctx, &TaskContext{Job: job, Attempt: it.attempt, store: r.store})
	elapsed := time.Since(start)

	switch {
	case runErr == nil:
		if err := r.store.SetJobStatus(ctx, job.ID, catalog.JobCompleted, ""); err != nil {
			log.Error("worker: mark completed", zap.Error(err))
		}
		log.Info("worker: job completed", zap.Duration("elapsed", elapsed))

	case eris.Is(runErr, ErrCancelled):
		log.Info("worker: job cancelled", zap.Duration("elapsed", elapsed))

	case tileserr.Retryable(runErr) && it.attempt < it.task.MaxRetries:
		countdown := it.task.RetryBase << it.attempt
		log.Warn("worker: job failed, retrying",
			zap.Error(runErr), zap.Duration("countdown", countdown))
		if err := r.store.SetJobStatus(ctx, job.ID, catalog.JobPending, runErr.Error()); err != nil {
			log.Error("worker: requeue status", zap.Error(err))
			return
		}
		r.requeue(ctx, it, countdown)

	default:
		if err := r.store.SetJobStatus(ctx, job.ID, catalog.JobFailed, runErr.Error()); err != nil {
			log.Error("worker: mark failed", zap.Error(err))
		}
		log.Error("worker: job failed", zap.Error(runErr), zap.Duration("elapsed", elapsed))
	}
}

// requeue re-enqueues after the backoff countdown without holding a pool
// slot for the wait.
func (r *Runner) requeue(ctx context.Context, it item, countdown time.Duration) {
	it.attempt++
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(countdown):
		case <-ctx.Done():
			return
		}
		select {
		case r.queues[it.task.Queue] <- it:
		case <-ctx.Done():
		}
	}()
}
