package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/config"
)

// Snapshot holds a point-in-time view of serving health, fed to the
// alerter and attached to collect-metrics job artifacts.
type Snapshot struct {
	// Tile-error log (within lookback window).
	TileErrors        int `json:"tile_errors"`
	BreakerOpenErrors int `json:"breaker_open_errors"`

	// Cache tiers.
	L1Hits            int64   `json:"l1_hits"`
	L1Misses          int64   `json:"l1_misses"`
	L1HitRate         float64 `json:"l1_hit_rate"`
	L2Keys            int64   `json:"l2_keys"`
	L2UsedMemoryBytes int64   `json:"l2_used_memory_bytes"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// tileErrorScanLimit bounds the unresolved-error scan; beyond it the
// count is already far past any sane alert threshold.
const tileErrorScanLimit = 10000

// Collector gathers metrics from the catalog's tile-error log and the
// cache tiers.
type Collector struct {
	store    catalog.Store
	cache    *cache.Hybrid
	lookback time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(st catalog.Store, c *cache.Hybrid, cfg config.MonitoringConfig) *Collector {
	hours := cfg.LookbackWindowHours
	if hours <= 0 {
		hours = 24
	}
	return &Collector{store: st, cache: c, lookback: time.Duration(hours) * time.Hour}
}

// Collect gathers a snapshot of serving health over the lookback
// window. A degraded cache returns the partial snapshot alongside the
// error; the error-log figures still matter when redis is down.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		LookbackHours: int(c.lookback.Hours()),
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-c.lookback)

	errs, err := c.store.ListTileErrors(ctx, catalog.TileErrorFilter{
		Unresolved: true,
		Limit:      tileErrorScanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list tile errors")
	}
	for _, e := range errs {
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		snap.TileErrors++
		if e.BreakerOpen {
			snap.BreakerOpenErrors++
		}
	}

	stats, err := c.cache.Stats(ctx)
	if err != nil {
		return snap, eris.Wrap(err, "monitoring: cache stats")
	}
	snap.L1Hits = stats.L1.Hits
	snap.L1Misses = stats.L1.Misses
	if finished := stats.L1.Hits + stats.L1.Misses; finished > 0 {
		snap.L1HitRate = float64(stats.L1.Hits) / float64(finished)
	}
	snap.L2Keys = stats.L2.Keys
	snap.L2UsedMemoryBytes = stats.L2.UsedMemoryBytes

	return snap, nil
}
