// Package warming pre-produces tiles: per catalog point, per campaign,
// and for configured popular regions. Adjacent tiles are grouped into
// mosaics so one backend lease covers a whole rectangle, and writes go
// through the same keys and locks as on-demand production, so a warmed
// tile is indistinguishable from a served one.
package warming

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecotiles/tileserv/internal/backend"
	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/pipeline"
	"github.com/ecotiles/tileserv/internal/tilemath"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/vis"
)

// ErrInterrupted is returned when a cancellation check fired mid-warm.
var ErrInterrupted = eris.New("warming: interrupted")

// Backend is the slice of the imagery client warming needs.
type Backend interface {
	LeaseLayer(ctx context.Context, req backend.LeaseRequest) (backend.Lease, error)
	FetchTile(ctx context.Context, lease backend.Lease, x, y, z int) ([]byte, error)
}

// Rendering pins down one layer appearance: everything that goes into a
// cache key except the tile coordinate.
type Rendering struct {
	Layer  string
	Year   int
	Period string
	Month  int
	Vis    string
}

func (r Rendering) request(t tilemath.Tile) pipeline.Request {
	return pipeline.Request{
		Layer: r.Layer, X: t.X, Y: t.Y, Z: t.Z,
		Year: r.Year, Period: r.Period, Month: r.Month, Vis: r.Vis,
	}
}

// MosaicReport summarizes one WarmMosaics run.
type MosaicReport struct {
	Mosaics int
	Leases  int
	Fetched int
	Skipped int
	Failed  int
}

// Warmer produces tiles ahead of demand.
type Warmer struct {
	pipe    *pipeline.Pipeline
	cache   *cache.Hybrid
	locker  *cache.Locker
	backend Backend
	store   catalog.Store
	reg     *vis.Registry
	limiter *AdaptiveLimiter
	cfg     config.WarmingConfig
	bcfg    config.BackendConfig
	pngTTL  time.Duration
	log     *zap.Logger
}

func New(pipe *pipeline.Pipeline, c *cache.Hybrid, locker *cache.Locker, b Backend,
	store catalog.Store, reg *vis.Registry, limiter *AdaptiveLimiter, cfg config.WarmingConfig,
	bcfg config.BackendConfig, ccfg config.CacheConfig) *Warmer {
	return &Warmer{
		pipe:    pipe,
		cache:   c,
		locker:  locker,
		backend: b,
		store:   store,
		reg:     reg,
		limiter: limiter,
		cfg:     cfg,
		bcfg:    bcfg,
		pngTTL:  ccfg.PNGTTL,
		log:     zap.L().With(zap.String("component", "warming")),
	}
}

// workItem orders point warming: recent years and priority zooms first.
type workItem struct {
	year int
	vis  string
	zoom int
}

// WarmPoint produces every (year, vis, zoom) tile covering the point for
// its campaign. It returns per-tile counts; tile failures are logged to
// the tile_errors table and counted, never fatal. cancelled is consulted
// between tiles.
func (w *Warmer) WarmPoint(ctx context.Context, point *catalog.Point, camp *catalog.Campaign,
	taskName string, cancelled func() bool) (catalog.CacheStats, error) {

	items := w.pointPlan(camp)
	stats := catalog.CacheStats{Scheduled: len(items)}

	for _, it := range items {
		if cancelled != nil && cancelled() {
			return stats, ErrInterrupted
		}
		x, y := tilemath.LatLonToTile(point.Lat, point.Lon, it.zoom)
		req := pipeline.Request{
			Layer: camp.Layer, X: x, Y: y, Z: it.zoom,
			Year: it.year, Period: "DRY", Vis: it.vis,
		}
		if _, err := w.pipe.ServeTile(ctx, req); err != nil {
			stats.Failed++
			w.logTileError(ctx, taskName, point, camp.ID, req, "", err)
			continue
		}
		stats.Succeeded++
	}
	return stats, nil
}

// pointPlan expands a campaign into ordered work items. The last two
// years of the range and the configured priority zooms come first;
// within each tier, newer years before older, shallower zooms before
// deeper.
func (w *Warmer) pointPlan(camp *catalog.Campaign) []workItem {
	zooms := w.cfg.ZoomLevels
	if len(zooms) == 0 {
		zooms = []int{12, 13, 14}
	}
	priority := make(map[int]bool, len(w.cfg.PriorityZooms))
	for _, z := range w.cfg.PriorityZooms {
		priority[z] = true
	}

	var items []workItem
	for year := camp.YearStart; year <= camp.YearEnd; year++ {
		for _, v := range camp.VisParams {
			for _, z := range zooms {
				items = append(items, workItem{year: year, vis: v, zoom: z})
			}
		}
	}

	recent := func(it workItem) bool { return it.year >= camp.YearEnd-1 }
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if recent(a) != recent(b) {
			return recent(a)
		}
		if priority[a.zoom] != priority[b.zoom] {
			return priority[a.zoom]
		}
		if a.year != b.year {
			return a.year > b.year
		}
		return a.zoom < b.zoom
	})
	return items
}

// WarmMosaics materializes the given tiles for one rendering. Tiles are
// grouped into rectangles; each rectangle costs one backend lease, and
// every member tile is written under its own key so the result is
// indistinguishable from on-demand production. A tile currently being
// produced by an on-demand request is skipped, not raced.
func (w *Warmer) WarmMosaics(ctx context.Context, rend Rendering, tiles []tilemath.Tile,
	taskName string, cancelled func() bool) (MosaicReport, error) {

	mosaics := tilemath.GroupTiles(tiles, w.cfg.MosaicMaxGrid)
	report := MosaicReport{Mosaics: len(mosaics)}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.limiter.Concurrency())

	results := make([]MosaicReport, len(mosaics))
	for i, m := range mosaics {
		if cancelled != nil && cancelled() {
			break
		}
		i, m := i, m
		g.Go(func() error {
			results[i] = w.warmOneMosaic(gCtx, rend, m, taskName)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	for _, r := range results {
		report.Leases += r.Leases
		report.Fetched += r.Fetched
		report.Skipped += r.Skipped
		report.Failed += r.Failed
	}
	if cancelled != nil && cancelled() {
		return report, ErrInterrupted
	}
	return report, nil
}

// WarmRegion expands a configured popular region into tiles at its zoom
// (clamped to the served range) and warms them as mosaics.
func (w *Warmer) WarmRegion(ctx context.Context, region config.Region, rend Rendering,
	taskName string, cancelled func() bool) (MosaicReport, error) {

	z := region.Zoom
	if z < w.bcfg.MinZoom {
		z = w.bcfg.MinZoom
	}
	if z > w.bcfg.MaxZoom {
		z = w.bcfg.MaxZoom
	}
	tiles := tilemath.TilesForBBox(tilemath.BBox{
		West: region.West, South: region.South, East: region.East, North: region.North,
	}, z)
	w.log.Info("warming region",
		zap.String("region", region.Name), zap.Int("zoom", z), zap.Int("tiles", len(tiles)))
	return w.WarmMosaics(ctx, rend, tiles, taskName, cancelled)
}

func (w *Warmer) warmOneMosaic(ctx context.Context, rend Rendering, m tilemath.Mosaic, taskName string) MosaicReport {
	var report MosaicReport

	// One lease covers the whole rectangle.
	lease, err := w.backend.LeaseLayer(ctx, backend.LeaseRequest{
		Layer:  rend.Layer,
		Region: m.BBox,
		Year:   rend.Year,
		Period: rend.Period,
		Month:  rend.Month,
		Args:   w.renderArgs(rend),
	})
	if err != nil {
		report.Failed = len(m.Tiles)
		for _, t := range m.Tiles {
			w.logTileError(ctx, taskName, nil, "", rend.request(t), m.GridKey(), err)
		}
		return report
	}
	report.Leases = 1

	for _, t := range m.Tiles {
		req := rend.request(t)
		key := req.Key()

		data, err := w.cache.GetPNG(ctx, key)
		if err == nil && data != nil {
			report.Skipped++
			continue
		}

		lock, err := w.locker.Acquire(ctx, key)
		if err != nil || lock == nil {
			// Held by an on-demand producer; it will publish the tile.
			report.Skipped++
			continue
		}

		data, err = w.backend.FetchTile(ctx, lease, t.X, t.Y, t.Z)
		if err == nil {
			err = w.cache.SetPNG(ctx, key, data, w.pngTTL)
		}
		lock.Release(ctx)
		if err != nil {
			report.Failed++
			w.logTileError(ctx, taskName, nil, "", req, m.GridKey(), err)
			continue
		}
		report.Fetched++
	}
	return report
}

func (w *Warmer) renderArgs(rend Rendering) map[string]string {
	if param, ok := w.reg.Get(rend.Layer, rend.Vis); ok {
		return param.RenderArgs(rend.Year)
	}
	return nil
}

const maxStackChars = 2000

func (w *Warmer) logTileError(ctx context.Context, taskName string, point *catalog.Point,
	campaignID string, req pipeline.Request, gridKey string, cause error) {

	stack := eris.ToString(cause, true)
	if len(stack) > maxStackChars {
		stack = stack[:maxStackChars]
	}
	rec := catalog.TileError{
		CampaignID:   campaignID,
		TaskName:     taskName,
		Z:            req.Z,
		X:            req.X,
		Y:            req.Y,
		Year:         req.Year,
		VisParam:     req.Vis,
		GridKey:      gridKey,
		ErrorType:    tileserr.KindOf(cause).String(),
		ErrorMessage: cause.Error(),
		Attempts:     1,
		BreakerOpen:  tileserr.Is(cause, tileserr.KindBackendUnavailable),
		Stack:        stack,
	}
	if point != nil {
		rec.PointID = point.ID
		rec.CampaignID = point.CampaignID
	}
	if err := w.store.LogTileError(ctx, rec); err != nil {
		w.log.Warn("tile error log failed", zap.Error(err))
	}
}
