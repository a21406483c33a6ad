package warming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/worker"
)

// Task names the warming package registers.
const (
	TaskCachePoint      = "cache-point"
	TaskCachePointBatch = "cache-point-batch"
	TaskCacheCampaign   = "cache-campaign"
	TaskWarmRegions     = "warm-popular-regions"
)

// Tasks wires the warmer into the worker runtime.
type Tasks struct {
	warmer *Warmer
	store  catalog.Store
	runner *worker.Runner
	log    *zap.Logger

	pollInterval time.Duration
}

// RegisterTasks declares the warming tasks on the runner.
func RegisterTasks(r *worker.Runner, w *Warmer) (*Tasks, error) {
	t := &Tasks{
		warmer:       w,
		store:        w.store,
		runner:       r,
		log:          zap.L().With(zap.String("component", "warming-tasks")),
		pollInterval: 500 * time.Millisecond,
	}

	decls := []worker.Task{
		{Name: TaskCachePoint, Queue: worker.QueueHigh, MaxRetries: 3,
			RetryBase: 10 * time.Second, RatePerMin: 500, Handler: t.cachePoint},
		{Name: TaskCachePointBatch, Queue: worker.QueueStandard, MaxRetries: 2,
			RetryBase: 30 * time.Second, RatePerMin: 600, Handler: t.cachePointBatch},
		// Campaigns wait on their batches, so they sit in a lower lane
		// than the batches they spawn; the pool drains batches first.
		{Name: TaskCacheCampaign, Queue: worker.QueueLow, MaxRetries: 1,
			RetryBase: time.Minute, Handler: t.cacheCampaign},
		{Name: TaskWarmRegions, Queue: worker.QueueLow, MaxRetries: 1,
			RetryBase: time.Minute, Handler: t.warmRegions},
	}
	for _, d := range decls {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

type pointConfig struct {
	PointID string `json:"point_id"`
}

type batchConfig struct {
	PointIDs []string `json:"point_ids"`
}

type campaignConfig struct {
	CampaignID   string `json:"campaign_id"`
	BatchSize    int    `json:"batch_size"`
	PriorityMode bool   `json:"priority_mode"`
}

type regionsConfig struct {
	Layer  string `json:"layer,omitempty"`
	Vis    string `json:"vis,omitempty"`
	Year   int    `json:"year,omitempty"`
	Period string `json:"period,omitempty"`
}

func (t *Tasks) cachePoint(ctx context.Context, tc *worker.TaskContext) error {
	var cfg pointConfig
	if err := json.Unmarshal(tc.Job.Config, &cfg); err != nil {
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, "warming: cache-point config")
	}
	return t.warmOnePoint(ctx, tc, cfg.PointID)
}

func (t *Tasks) warmOnePoint(ctx context.Context, tc *worker.TaskContext, pointID string) error {
	point, err := t.store.GetPoint(ctx, pointID)
	if err != nil {
		return err
	}
	camp, err := t.store.GetCampaign(ctx, point.CampaignID)
	if err != nil {
		return err
	}

	stats, err := t.warmer.WarmPoint(ctx, point, camp, TaskCachePoint,
		func() bool { return tc.Cancelled(ctx) })
	if eris.Is(err, ErrInterrupted) {
		return worker.ErrCancelled
	}
	if err != nil {
		return err
	}
	return t.store.MarkPointCached(ctx, point.ID, stats)
}

func (t *Tasks) cachePointBatch(ctx context.Context, tc *worker.TaskContext) error {
	var cfg batchConfig
	if err := json.Unmarshal(tc.Job.Config, &cfg); err != nil {
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, "warming: batch config")
	}

	for i, id := range cfg.PointIDs {
		if tc.Cancelled(ctx) {
			return worker.ErrCancelled
		}
		if err := t.warmOnePoint(ctx, tc, id); err != nil {
			if eris.Is(err, worker.ErrCancelled) {
				return err
			}
			// One bad point must not sink the batch.
			t.log.Warn("batch point failed",
				zap.String("point_id", id), zap.Error(err))
		}
		tc.Progress(ctx, float64(i+1)/float64(len(cfg.PointIDs)))
	}
	return nil
}

func (t *Tasks) cacheCampaign(ctx context.Context, tc *worker.TaskContext) error {
	var cfg campaignConfig
	if err := json.Unmarshal(tc.Job.Config, &cfg); err != nil {
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, "warming: campaign config")
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 5
	}

	camp, err := t.store.GetCampaign(ctx, cfg.CampaignID)
	if err != nil {
		return err
	}
	if err := t.store.SetCampaignStatus(ctx, camp.ID, catalog.CampaignInProgress); err != nil {
		return err
	}

	alreadyCached, err := t.store.CountCachedPoints(ctx, camp.ID)
	if err != nil {
		return err
	}
	points, err := t.store.ListPoints(ctx, catalog.PointFilter{
		CampaignID: camp.ID, OnlyUncached: true, Limit: 100000,
	})
	if err != nil {
		return err
	}
	if cfg.PriorityMode {
		filtered := points[:0]
		for _, p := range points {
			if p.Enhance {
				filtered = append(filtered, p)
			}
		}
		points = filtered
	}

	// Fan out fixed-size batches, then wait for all of them.
	var batchJobs []string
	for start := 0; start < len(points); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(points) {
			end = len(points)
		}
		ids := make([]string, 0, end-start)
		for _, p := range points[start:end] {
			ids = append(ids, p.ID)
		}
		raw, err := json.Marshal(batchConfig{PointIDs: ids})
		if err != nil {
			return eris.Wrap(err, "warming: marshal batch config")
		}
		job, err := t.runner.Submit(ctx, TaskCachePointBatch, raw)
		if err != nil {
			return err
		}
		batchJobs = append(batchJobs, job.ID)
	}

	if err := t.waitForJobs(ctx, tc, batchJobs); err != nil {
		if eris.Is(err, worker.ErrCancelled) {
			return err
		}
		_ = t.store.SetCampaignStatus(ctx, camp.ID, catalog.CampaignFailed)
		return err
	}

	// Finalizer: recompute from the catalog, never trust in-flight counts.
	cached, err := t.store.CountCachedPoints(ctx, camp.ID)
	if err != nil {
		return err
	}
	total := alreadyCached + len(points)
	if err := t.store.UpdateCampaignStats(ctx, camp.ID, catalog.CampaignStats{
		TotalPoints: total, CachedPoints: cached,
	}); err != nil {
		return err
	}
	return t.store.SetCampaignStatus(ctx, camp.ID, catalog.CampaignCompleted)
}

// waitForJobs polls the batch jobs until every one is terminal.
func (t *Tasks) waitForJobs(ctx context.Context, tc *worker.TaskContext, ids []string) error {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	var failed int
	for len(pending) > 0 {
		if tc.Cancelled(ctx) {
			return worker.ErrCancelled
		}
		for id := range pending {
			job, err := t.store.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				if job.Status != catalog.JobCompleted {
					failed++
				}
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-time.After(t.pollInterval):
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "warming: wait for batches")
		}
	}
	if failed > 0 {
		return tileserr.New(tileserr.KindTransient,
			"warming: some point batches did not complete")
	}
	return nil
}

func (t *Tasks) warmRegions(ctx context.Context, tc *worker.TaskContext) error {
	var cfg regionsConfig
	if err := json.Unmarshal(tc.Job.Config, &cfg); err != nil {
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, "warming: regions config")
	}
	rend := t.regionRendering(cfg)

	regions := t.warmer.cfg.PopularRegions
	for i, region := range regions {
		report, err := t.warmer.WarmRegion(ctx, region, rend, TaskWarmRegions,
			func() bool { return tc.Cancelled(ctx) })
		if eris.Is(err, ErrInterrupted) {
			return worker.ErrCancelled
		}
		if err != nil {
			return err
		}
		t.log.Info("region warmed",
			zap.String("region", region.Name),
			zap.Int("fetched", report.Fetched),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
		tc.Progress(ctx, float64(i+1)/float64(len(regions)))
	}
	return nil
}

// regionRendering fills scheduler-firing defaults: the most recent
// complete dry season of the landsat layer, first configured vis.
func (t *Tasks) regionRendering(cfg regionsConfig) Rendering {
	rend := Rendering{
		Layer:  cfg.Layer,
		Vis:    cfg.Vis,
		Year:   cfg.Year,
		Period: cfg.Period,
	}
	if rend.Layer == "" {
		rend.Layer = "landsat"
	}
	if rend.Period == "" {
		rend.Period = "DRY"
	}
	if rend.Year == 0 {
		rend.Year = time.Now().UTC().Year() - 1
	}
	if rend.Vis == "" {
		if names := t.warmer.reg.Names(rend.Layer); len(names) > 0 {
			rend.Vis = names[0]
		}
	}
	return rend
}
