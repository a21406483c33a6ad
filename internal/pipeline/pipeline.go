// Package pipeline implements the serve-one-tile state machine: cache
// read, distributed singleflight, lease resolution, tile fetch, and
// write-back.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/backend"
	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/tilemath"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/vis"
)

// CacheStatus tells the HTTP surface how a tile was produced.
type CacheStatus string

const (
	StatusHit   CacheStatus = "HIT"
	StatusMiss  CacheStatus = "MISS"
	StatusError CacheStatus = "ERROR"
)

// ImageryBackend is the slice of the backend client the pipeline needs.
type ImageryBackend interface {
	LeaseLayer(ctx context.Context, req backend.LeaseRequest) (backend.Lease, error)
	FetchTile(ctx context.Context, lease backend.Lease, x, y, z int) ([]byte, error)
}

// Request identifies one tile rendering.
type Request struct {
	Layer  string
	X, Y   int
	Z      int
	Year   int
	Period string
	Month  int
	Vis    string
}

// Key returns the canonical cache key for the request.
func (r Request) Key() string {
	return tilemath.CacheKey(tilemath.TileKey{
		Layer: r.Layer, Period: r.Period, Year: r.Year, Month: r.Month,
		Vis: r.Vis, X: r.X, Y: r.Y, Z: r.Z,
	})
}

// Result is a served tile plus how it was obtained.
type Result struct {
	Data   []byte
	Status CacheStatus
}

// Pipeline coordinates the cache tiers, the production lock, and the
// imagery backend to serve one tile per request.
type Pipeline struct {
	cache    *cache.Hybrid
	locker   *cache.Locker
	backend  ImageryBackend
	registry *vis.Registry
	cfg      config.BackendConfig
	pngTTL   time.Duration
	metaTTL  time.Duration
	log      *zap.Logger
}

func New(c *cache.Hybrid, locker *cache.Locker, b ImageryBackend, reg *vis.Registry, bcfg config.BackendConfig, ccfg config.CacheConfig) *Pipeline {
	return &Pipeline{
		cache:    c,
		locker:   locker,
		backend:  b,
		registry: reg,
		cfg:      bcfg,
		pngTTL:   ccfg.PNGTTL,
		metaTTL:  ccfg.MetaTTL,
		log:      zap.L().With(zap.String("component", "pipeline")),
	}
}

// Validate rejects requests outside the served zoom range, unknown
// layers or renderings, and malformed periods before any I/O happens.
func (p *Pipeline) Validate(req Request) error {
	if req.Z < p.cfg.MinZoom || req.Z > p.cfg.MaxZoom {
		return tileserr.InvalidRequestf("pipeline: zoom %d outside [%d, %d]", req.Z, p.cfg.MinZoom, p.cfg.MaxZoom)
	}
	n := 1 << uint(req.Z)
	if req.X < 0 || req.X >= n || req.Y < 0 || req.Y >= n {
		return tileserr.InvalidRequestf("pipeline: tile (%d, %d) outside zoom %d grid", req.X, req.Y, req.Z)
	}
	if !p.registry.Layers()[req.Layer] {
		return tileserr.InvalidRequestf("pipeline: unknown layer %q", req.Layer)
	}
	if _, ok := p.registry.Get(req.Layer, req.Vis); !ok {
		return tileserr.InvalidRequestf("pipeline: unknown vis %q for layer %q", req.Vis, req.Layer)
	}
	switch req.Period {
	case "WET", "DRY":
		if req.Month != 0 {
			return tileserr.InvalidRequestf("pipeline: month given with period %s", req.Period)
		}
	case "MONTH":
		if req.Month < 1 || req.Month > 12 {
			return tileserr.InvalidRequestf("pipeline: month %d outside [1, 12]", req.Month)
		}
	default:
		return tileserr.InvalidRequestf("pipeline: unknown period %q", req.Period)
	}
	if req.Year < 1985 || req.Year > time.Now().Year()+1 {
		return tileserr.InvalidRequestf("pipeline: year %d out of range", req.Year)
	}
	return nil
}

// ServeTile runs the full state machine for one request. Concurrent
// requests for the same key collapse to a single backend
// materialization; the rest serve the written-back result.
func (p *Pipeline) ServeTile(ctx context.Context, req Request) (Result, error) {
	if err := p.Validate(req); err != nil {
		return Result{Status: StatusError}, err
	}
	key := req.Key()

	data, err := p.cache.GetPNG(ctx, key)
	if err != nil {
		return Result{Status: StatusError}, tileserr.Wrap(tileserr.KindCacheDegraded, err, "pipeline: cache read")
	}
	if data != nil {
		return Result{Data: data, Status: StatusHit}, nil
	}

	lock, err := p.locker.Acquire(ctx, key)
	if err != nil {
		return Result{Status: StatusError}, tileserr.Wrap(tileserr.KindCacheDegraded, err, "pipeline: lock")
	}

	if lock == nil {
		// Follower: wait for the producer, then re-read. If the cache
		// is still empty the producer failed, so take over.
		if err := p.locker.Wait(ctx, key); err != nil {
			return Result{Status: StatusError}, tileserr.Wrap(tileserr.KindTransient, err, "pipeline: wait for producer")
		}
		data, err = p.cache.GetPNG(ctx, key)
		if err == nil && data != nil {
			return Result{Data: data, Status: StatusHit}, nil
		}
		lock, err = p.locker.Acquire(ctx, key)
		if err != nil {
			return Result{Status: StatusError}, tileserr.Wrap(tileserr.KindCacheDegraded, err, "pipeline: recovery lock")
		}
		if lock == nil {
			// Another follower beat us to the recovery; one last wait.
			if err := p.locker.Wait(ctx, key); err != nil {
				return Result{Status: StatusError}, tileserr.Wrap(tileserr.KindTransient, err, "pipeline: second wait")
			}
			data, err = p.cache.GetPNG(ctx, key)
			if err != nil || data == nil {
				return Result{Status: StatusError}, tileserr.New(tileserr.KindTransient, "pipeline: producer never published")
			}
			return Result{Data: data, Status: StatusHit}, nil
		}
	}

	// Producer path. A disconnecting client must not abort production:
	// the fetch completes and populates the cache regardless, so the
	// next request is a hit instead of a repeat of the same work.
	prodCtx := context.WithoutCancel(ctx)
	defer lock.Release(prodCtx)

	// Re-check under the lock: a racer may have produced between our
	// miss and the acquire.
	data, err = p.cache.GetPNG(prodCtx, key)
	if err == nil && data != nil {
		return Result{Data: data, Status: StatusHit}, nil
	}

	data, err = p.produce(prodCtx, req, key)
	if err != nil {
		return Result{Status: StatusError}, err
	}
	return Result{Data: data, Status: StatusMiss}, nil
}

// renderLease is the L2 meta record holding a backend lease shared by
// every tile of one geohash cell and rendering.
type renderLease struct {
	URLTemplate string    `json:"url_template"`
	IssuedAt    time.Time `json:"issued_at"`
}

func (p *Pipeline) produce(ctx context.Context, req Request, key string) ([]byte, error) {
	lease, err := p.resolveLease(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := p.backend.FetchTile(ctx, lease, req.X, req.Y, req.Z)
	if err != nil {
		return nil, err
	}

	if err := p.cache.SetPNG(ctx, key, data, p.pngTTL); err != nil {
		return nil, tileserr.Wrap(tileserr.KindCacheDegraded, err, "pipeline: write back")
	}
	return data, nil
}

// resolveLease returns a live lease for the request's rendering,
// reusing the shared meta record and re-leasing only when it is absent
// or has outlived its lifespan.
func (p *Pipeline) resolveLease(ctx context.Context, req Request) (backend.Lease, error) {
	metaKey := p.leaseMetaKey(req)

	raw, err := p.cache.GetMeta(ctx, metaKey)
	if err == nil && raw != nil {
		var rl renderLease
		if json.Unmarshal(raw, &rl) == nil && rl.URLTemplate != "" {
			lease := backend.Lease{URLTemplate: rl.URLTemplate, IssuedAt: rl.IssuedAt}
			if !lease.Expired(p.cfg.LeaseLifespan) {
				return lease, nil
			}
		}
	}

	param, _ := p.registry.Get(req.Layer, req.Vis)
	lease, err := p.backend.LeaseLayer(ctx, backend.LeaseRequest{
		Layer:  req.Layer,
		Region: p.leaseRegion(req),
		Year:   req.Year,
		Period: req.Period,
		Month:  req.Month,
		Args:   param.RenderArgs(req.Year),
	})
	if err != nil {
		return backend.Lease{}, err
	}

	err = p.cache.SetMeta(ctx, metaKey, renderLease{URLTemplate: lease.URLTemplate, IssuedAt: lease.IssuedAt}, p.metaTTL)
	if err != nil {
		p.log.Warn("lease meta write failed", zap.String("meta_key", metaKey), zap.Error(err))
	}
	return lease, nil
}

// leaseMetaKey scopes the lease record to the tile's geohash cell so
// every tile of one area and rendering shares it.
func (p *Pipeline) leaseMetaKey(req Request) string {
	lat, lon := tilemath.TileBBox(req.X, req.Y, req.Z).Center()
	digest := fmt.Sprintf("%s_%d_%d_%s", req.Period, req.Year, req.Month, req.Vis)
	return tilemath.MetaKey(req.Layer, tilemath.Geohash(lat, lon), digest)
}

// leaseRegion covers the whole geohash cell rather than the single
// tile, so neighboring tiles reuse the same template.
func (p *Pipeline) leaseRegion(req Request) tilemath.BBox {
	lat, lon := tilemath.TileBBox(req.X, req.Y, req.Z).Center()
	return tilemath.GeohashBBox(tilemath.Geohash(lat, lon))
}
