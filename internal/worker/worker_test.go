package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/tileserr"
)

func newTestRunner(t *testing.T, cfg config.WorkerConfig) (*Runner, catalog.Store) {
	t.Helper()
	store, err := catalog.NewSQLite(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	return NewRunner(store, cfg, zap.NewNop()), store
}

func waitForStatus(t *testing.T, store catalog.Store, jobID string, want catalog.JobStatus) *catalog.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func TestRunner_SubmitRunsTask(t *testing.T) {
	r, store := newTestRunner(t, config.WorkerConfig{})

	var runs atomic.Int32
	require.NoError(t, r.Register(Task{
		Name:  "echo",
		Queue: QueueStandard,
		Handler: func(ctx context.Context, tc *TaskContext) error {
			runs.Add(1)
			tc.Progress(ctx, 1)
			return nil
		},
	}))

	r.Start(context.Background())
	defer r.Stop()

	job, err := r.Submit(context.Background(), "echo", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, catalog.JobCompleted)
	assert.InDelta(t, 1.0, done.Progress, 1e-9)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunner_DuplicateSubmitCollapses(t *testing.T) {
	r, store := newTestRunner(t, config.WorkerConfig{})

	var runs atomic.Int32
	block := make(chan struct{})
	require.NoError(t, r.Register(Task{
		Name:  "slow",
		Queue: QueueStandard,
		Handler: func(ctx context.Context, tc *TaskContext) error {
			runs.Add(1)
			<-block
			return nil
		},
	}))

	r.Start(context.Background())
	defer r.Stop()

	first, err := r.Submit(context.Background(), "slow", json.RawMessage(`{"point_id":"p-1"}`))
	require.NoError(t, err)
	waitForStatus(t, store, first.ID, catalog.JobRunning)

	// Same config while running: same job, no second execution.
	second, err := r.Submit(context.Background(), "slow", json.RawMessage(`{"point_id":"p-1"}`))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	close(block)
	waitForStatus(t, store, first.ID, catalog.JobCompleted)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunner_RecoverEnqueuesPending(t *testing.T) {
	r, store := newTestRunner(t, config.WorkerConfig{})

	var runs atomic.Int32
	require.NoError(t, r.Register(Task{
		Name:  "echo",
		Queue: QueueStandard,
		Handler: func(ctx context.Context, tc *TaskContext) error {
			runs.Add(1)
			return nil
		},
	}))

	// Pending jobs written straight to the store, as another process
	// would leave them. One belongs to a task this runner has no
	// handler for.
	job, _, err := store.UpsertJob(context.Background(), "echo", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, _, err = store.UpsertJob(context.Background(), "stranger", json.RawMessage(`{}`))
	require.NoError(t, err)

	n, err := r.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.Start(context.Background())
	defer r.Stop()

	waitForStatus(t, store, job.ID, catalog.JobCompleted)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunner_RetryWithBackoff(t *testing.T) {
	r, store := newTestRunner(t, config.WorkerConfig{})

	var runs atomic.Int32
	require.NoError(t, r.Register(Task{
		Name:       "flaky",
		Queue:      QueueStandard,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		Handler: func(ctx context.Context, tc *TaskContext) error {
			if runs.Add(1) < 3 {
				return tileserr.New(tileserr.KindTransient, "blip")
			}
			return nil
		},
	}))

	r.Start(context.Background())
	defer r.Stop()

	job, err := r.Submit(context.Background(), "flaky", json.RawMessage(`{}`))
	require.NoError(t, err)

	waitForStatus(t, store, job.ID, catalog.JobCompleted)
	assert.Equal(t, int32(3), runs.Load())
}

func TestRunner_InvalidRequestNotRetried(t *testing.T) {
	r, store := newTestRunner(t, config.WorkerConfig{})

	var runs atomic.Int32
	require.NoError(t, r.Register(Task{
		Name:       "bad",
		Queue:      QueueStandard,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		Handler: func(ctx context.Context, tc *TaskContext) error {
			runs.Add(1)
			return tileserr.InvalidRequestf("zoom out of range")
		},
	}))

	r.Start(context.Background())
	defer r.Stop()

	job, err := r.Submit(context.Background(), "bad", json.RawMessage(`{}`))
	require.NoError(t, err)

	failed := waitForStatus(t, store, job.ID, catalog.JobFailed)
	assert.Contains(t, failed.Error, "zoom out of range")
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunner_CancellationObserved(t *testing.T) {
	r, store := newTestRunner(t, config.WorkerConfig{})

	started := make(chan struct{})
	require.NoError(t, r.Register(Task{
		Name:  "looper",
		Queue: QueueStandard,
		Handler: func(ctx context.Context, tc *TaskContext) error {
			close(started)
			for i := 0; i < 1000; i++ {
				if tc.Cancelled(ctx) {
					return ErrCancelled
				}
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		},
	}))

	r.Start(context.Background())
	defer r.Stop()

	job, err := r.Submit(context.Background(), "looper", json.RawMessage(`{}`))
	require.NoError(t, err)

	<-started
	require.NoError(t, store.SetJobStatus(context.Background(), job.ID, catalog.JobCancelled, "operator request"))

	got := waitForStatus(t, store, job.ID, catalog.JobCancelled)
	assert.Equal(t, "operator request", got.Error)
}

func TestRunner_PriorityOrder(t *testing.T) {
	r, _ := newTestRunner(t, config.WorkerConfig{Concurrency: 1})

	noop := func(ctx context.Context, tc *TaskContext) error { return nil }
	for _, q := range []string{QueueHigh, QueueStandard, QueueLow, QueueMaintenance} {
		require.NoError(t, r.Register(Task{Name: "t-" + q, Queue: q, Handler: noop}))
	}

	// Fill lower lanes first; next must still drain high before the rest.
	r.queues[QueueMaintenance] <- item{task: r.tasks["t-"+QueueMaintenance]}
	r.queues[QueueLow] <- item{task: r.tasks["t-"+QueueLow]}
	r.queues[QueueHigh] <- item{task: r.tasks["t-"+QueueHigh]}

	it, ok := r.next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "t-"+QueueHigh, it.task.Name)

	it, ok = r.next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "t-"+QueueLow, it.task.Name)

	it, ok = r.next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "t-"+QueueMaintenance, it.task.Name)
}

func TestRunner_RateLimitFromConfig(t *testing.T) {
	r, _ := newTestRunner(t, config.WorkerConfig{
		RateLimits: map[string]int{"cache-point": 500},
	})
	require.NoError(t, r.Register(Task{
		Name:       "cache-point",
		Queue:      QueueHigh,
		RatePerMin: 60, // config wins over the declaration
		Handler:    func(ctx context.Context, tc *TaskContext) error { return nil },
	}))

	limiter := r.limiters["cache-point"]
	require.NotNil(t, limiter)
	assert.InDelta(t, 500.0/60.0, float64(limiter.Limit()), 1e-9)
}

func TestDefaultSchedule_SpecsParse(t *testing.T) {
	entries := DefaultSchedule()
	require.Len(t, entries, 6)

	names := make(map[string]string, len(entries))
	for _, e := range entries {
		_, err := cron.ParseStandard(e.Spec)
		require.NoError(t, err, "entry %s", e.Task)
		names[e.Task] = e.Spec
	}
	assert.Equal(t, "0 2 * * *", names["warm-popular-regions"])
	assert.Equal(t, "*/5 * * * *", names["health-check"])
	assert.Equal(t, "0 4 * * 0", names["cleanup-orphaned"])
}
