package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/worker"
)

// Task names the monitoring package registers. Both run on the cron
// schedule: health-check every five minutes, collect-metrics hourly.
const (
	TaskHealthCheck    = "health-check"
	TaskCollectMetrics = "collect-metrics"
)

// Tasks binds the checker, collector, and alerter to the worker runtime.
type Tasks struct {
	checker   *Checker
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	log       *zap.Logger
}

// RegisterTasks declares the monitoring tasks on the runner. metrics
// may be nil when the process does not expose a scrape endpoint.
func RegisterTasks(r *worker.Runner, checker *Checker, collector *Collector, m *Metrics, cfg config.MonitoringConfig) (*Tasks, error) {
	t := &Tasks{
		checker:   checker,
		collector: collector,
		alerter:   NewAlerter(cfg),
		metrics:   m,
		log:       zap.L().With(zap.String("component", "monitoring-tasks")),
	}
	decls := []worker.Task{
		{Name: TaskHealthCheck, Queue: worker.QueueMaintenance, MaxRetries: 0,
			Handler: t.healthCheck},
		{Name: TaskCollectMetrics, Queue: worker.QueueLow, MaxRetries: 1,
			RetryBase: time.Minute, Handler: t.collectMetrics},
	}
	for _, d := range decls {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tasks) healthCheck(ctx context.Context, tc *worker.TaskContext) error {
	report := t.checker.Run(ctx)
	t.attach(ctx, tc, report)

	if report.Status == StatusHealthy {
		return nil
	}
	alerts := t.alerter.EvaluateHealth(report)
	sent := t.alerter.SendAlerts(ctx, alerts)
	t.log.Warn("health check degraded",
		zap.String("status", string(report.Status)),
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	if report.Status == StatusUnhealthy {
		return tileserr.New(tileserr.KindTransient, "monitoring: health check reported unhealthy")
	}
	return nil
}

func (t *Tasks) collectMetrics(ctx context.Context, tc *worker.TaskContext) error {
	snap, err := t.collector.Collect(ctx)
	if err != nil {
		if snap == nil {
			return tileserr.Wrap(tileserr.KindTransient, err, "monitoring: collect")
		}
		// Partial snapshot: cache stats were unavailable but the
		// error-log figures are still worth evaluating.
		t.log.Warn("metrics collection partial", zap.Error(err))
	}
	t.attach(ctx, tc, snap)

	if t.metrics != nil {
		t.metrics.ObserveSnapshot(snap)
	}

	alerts := t.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return nil
	}
	sent := t.alerter.SendAlerts(ctx, alerts)
	t.log.Info("metric alerts evaluated",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return nil
}

func (t *Tasks) attach(ctx context.Context, tc *worker.TaskContext, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		t.log.Warn("report marshal failed", zap.Error(err))
		return
	}
	tc.Artifact(ctx, string(raw))
}
