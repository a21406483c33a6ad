package cleanup

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/worker"
)

// Task names the cleanup package registers.
const (
	TaskCleanupExpired  = "cleanup-expired"
	TaskCleanupOrphaned = "cleanup-orphaned"
	TaskAnalyzeUsage    = "analyze-usage-patterns"
)

// resolvedErrorRetention is how long resolved tile_errors rows are kept.
const resolvedErrorRetention = 30 * 24 * time.Hour

// Tasks binds the janitor to the worker runtime.
type Tasks struct {
	janitor *Janitor
	store   catalog.Store
	log     *zap.Logger
}

// RegisterTasks declares the maintenance tasks on the runner.
func RegisterTasks(r *worker.Runner, j *Janitor, store catalog.Store) (*Tasks, error) {
	t := &Tasks{
		janitor: j,
		store:   store,
		log:     zap.L().With(zap.String("component", "cleanup-tasks")),
	}
	decls := []worker.Task{
		{Name: TaskCleanupExpired, Queue: worker.QueueMaintenance, MaxRetries: 2,
			RetryBase: time.Minute, Handler: t.cleanupExpired},
		{Name: TaskCleanupOrphaned, Queue: worker.QueueMaintenance, MaxRetries: 2,
			RetryBase: time.Minute, Handler: t.cleanupOrphaned},
		{Name: TaskAnalyzeUsage, Queue: worker.QueueMaintenance, MaxRetries: 1,
			RetryBase: time.Minute, Handler: t.analyzeUsage},
	}
	for _, d := range decls {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

type expiredConfig struct {
	DryRun   bool `json:"dry_run,omitempty"`
	MaxItems int  `json:"max_items,omitempty"`
}

type orphanedConfig struct {
	Prefix     string `json:"prefix,omitempty"`
	MaxObjects int    `json:"max_objects,omitempty"`
}

type usageConfig struct {
	Sample int `json:"sample,omitempty"`
}

func (t *Tasks) cleanupExpired(ctx context.Context, tc *worker.TaskContext) error {
	var cfg expiredConfig
	if err := json.Unmarshal(tc.Job.Config, &cfg); err != nil {
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, "cleanup: expired config")
	}

	report, err := t.janitor.CleanupExpired(ctx, cfg.DryRun, cfg.MaxItems)
	if err != nil {
		return err
	}
	t.attachReport(ctx, tc, report)

	// Piggyback catalog hygiene on the same cadence.
	purged, err := t.store.DeleteResolvedTileErrors(ctx, resolvedErrorRetention)
	if err != nil {
		t.log.Warn("tile error purge failed", zap.Error(err))
	} else if purged > 0 {
		t.log.Info("resolved tile errors purged", zap.Int("purged", purged))
	}
	return nil
}

func (t *Tasks) cleanupOrphaned(ctx context.Context, tc *worker.TaskContext) error {
	var cfg orphanedConfig
	if err := json.Unmarshal(tc.Job.Config, &cfg); err != nil {
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, "cleanup: orphaned config")
	}

	report, err := t.janitor.CleanupOrphaned(ctx, cfg.Prefix, cfg.MaxObjects)
	if err != nil {
		return err
	}
	t.attachReport(ctx, tc, report)
	return nil
}

func (t *Tasks) analyzeUsage(ctx context.Context, tc *worker.TaskContext) error {
	var cfg usageConfig
	if err := json.Unmarshal(tc.Job.Config, &cfg); err != nil {
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, "cleanup: usage config")
	}

	report, err := t.janitor.AnalyzeUsage(ctx, cfg.Sample)
	if err != nil {
		return err
	}
	t.log.Info("usage analysis", zap.String("report", report.String()))
	t.attachReport(ctx, tc, report)
	return nil
}

func (t *Tasks) attachReport(ctx context.Context, tc *worker.TaskContext, report any) {
	raw, err := json.Marshal(report)
	if err != nil {
		t.log.Warn("report marshal failed", zap.Error(err))
		return
	}
	tc.Artifact(ctx, string(raw))
}
