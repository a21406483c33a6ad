package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTileErrorSurge     AlertType = "tile_error_surge"
	AlertLowHitRate         AlertType = "low_hit_rate"
	AlertComponentUnhealthy AlertType = "component_unhealthy"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// hitRateMinTraffic is the smallest L1 sample the hit-rate alert will
// speak for; below it the ratio is noise.
const hitRateMinTraffic = 100

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check tile error volume.
	if a.cfg.TileErrorThreshold > 0 && snap.TileErrors >= a.cfg.TileErrorThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertTileErrorSurge,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d unresolved tile errors in last %dh exceeds threshold %d (%d with circuit open)",
				snap.TileErrors, snap.LookbackHours,
				a.cfg.TileErrorThreshold, snap.BreakerOpenErrors,
			),
			Details: map[string]any{
				"tile_errors":         snap.TileErrors,
				"threshold":           a.cfg.TileErrorThreshold,
				"breaker_open_errors": snap.BreakerOpenErrors,
			},
			Timestamp: now,
		})
	}

	// Check L1 hit rate.
	traffic := snap.L1Hits + snap.L1Misses
	if a.cfg.HitRateFloor > 0 && traffic >= hitRateMinTraffic && snap.L1HitRate < a.cfg.HitRateFloor {
		alerts = append(alerts, Alert{
			Type:     AlertLowHitRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"L1 hit rate %.1f%% below floor %.1f%% (%d hits / %d lookups)",
				snap.L1HitRate*100, a.cfg.HitRateFloor*100,
				snap.L1Hits, traffic,
			),
			Details: map[string]any{
				"hit_rate": snap.L1HitRate,
				"floor":    a.cfg.HitRateFloor,
				"hits":     snap.L1Hits,
				"lookups":  traffic,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateHealth turns a failed health report into alerts, one per
// degraded or unhealthy component.
func (a *Alerter) EvaluateHealth(report Report) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, comp := range report.Components {
		if comp.Status == StatusHealthy {
			continue
		}
		severity := "medium"
		if comp.Status == StatusUnhealthy {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertComponentUnhealthy,
			Severity: severity,
			Message: fmt.Sprintf("component %s is %s: %s",
				comp.Name, comp.Status, comp.Error),
			Details: map[string]any{
				"component":  comp.Name,
				"status":     string(comp.Status),
				"latency_ms": comp.LatencyMS,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
