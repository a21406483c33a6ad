package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ScheduleEntry binds a task name to a cron expression.
type ScheduleEntry struct {
	Task string
	Spec string
}

// DefaultSchedule is the periodic plan for a worker process. All times
// are UTC.
func DefaultSchedule() []ScheduleEntry {
	return []ScheduleEntry{
		{Task: "warm-popular-regions", Spec: "0 2 * * *"},
		{Task: "analyze-usage-patterns", Spec: "0 3 * * 1"},
		{Task: "cleanup-expired", Spec: "0 3 * * *"},
		{Task: "cleanup-orphaned", Spec: "0 4 * * 0"},
		{Task: "health-check", Spec: "*/5 * * * *"},
		{Task: "collect-metrics", Spec: "0 * * * *"},
	}
}

// StartSchedule registers the entries with a UTC cron and starts it.
// Each firing submits a job whose config carries the fire time, so
// successive firings get distinct job IDs while accidental double
// submission within one firing still collapses.
func (r *Runner) StartSchedule(ctx context.Context, entries []ScheduleEntry) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	for _, e := range entries {
		r.mu.RLock()
		_, known := r.tasks[e.Task]
		r.mu.RUnlock()
		if !known {
			return nil, eris.Errorf("worker: schedule references unknown task %s", e.Task)
		}

		entry := e
		_, err := c.AddFunc(entry.Spec, func() {
			cfg, _ := json.Marshal(map[string]string{
				"scheduled_for": time.Now().UTC().Format(time.RFC3339),
			})
			if _, err := r.Submit(ctx, entry.Task, cfg); err != nil {
				r.log.Error("worker: scheduled submit failed",
					zap.String("task", entry.Task), zap.Error(err))
			}
		})
		if err != nil {
			return nil, eris.Wrapf(err, "worker: schedule %s", entry.Task)
		}
	}
	c.Start()
	r.log.Info("worker: schedule started", zap.Int("entries", len(entries)))
	return c, nil
}
