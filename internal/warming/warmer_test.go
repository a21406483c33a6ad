package warming

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotiles/tileserv/internal/backend"
	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/cache/cachetest"
	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/pipeline"
	"github.com/ecotiles/tileserv/internal/tilemath"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/vis"
)

type stubBackend struct {
	mu       sync.Mutex
	leases   int
	fetches  int
	fetchErr error
}

func (s *stubBackend) LeaseLayer(_ context.Context, req backend.LeaseRequest) (backend.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases++
	return backend.Lease{URLTemplate: "https://imagery/{z}/{x}/{y}.png", IssuedAt: time.Now()}, nil
}

func (s *stubBackend) FetchTile(_ context.Context, _ backend.Lease, x, y, z int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return []byte("png-bytes"), nil
}

func (s *stubBackend) counts() (leases, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases, s.fetches
}

type harness struct {
	warmer *Warmer
	pipe   *pipeline.Pipeline
	be     *stubBackend
	store  catalog.Store
	locker *cache.Locker
	l3     *cachetest.FakeL3
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := catalog.NewSQLite(filepath.Join(t.TempDir(), "warm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	l2 := cachetest.NewFakeL2()
	l3 := cachetest.NewFakeL3()
	ccfg := config.CacheConfig{
		L1Max: 100, L1MaxAge: time.Hour,
		PNGTTL: 30 * 24 * time.Hour, MetaTTL: 7 * 24 * time.Hour,
		LockTTL: time.Minute, L2Timeout: time.Second, L3Timeout: time.Second,
	}
	h := cache.NewHybrid(cache.NewL1(ccfg.L1Max, ccfg.L1MaxAge), l2, l3, ccfg)
	locker := cache.NewLocker(l2, ccfg.LockTTL)
	locker.SetPollInterval(5 * time.Millisecond)

	bcfg := config.BackendConfig{MinZoom: 6, MaxZoom: 18, LeaseLifespan: 24 * time.Hour}
	wcfg := config.WarmingConfig{
		ZoomLevels:    []int{12, 13},
		PriorityZooms: []int{13},
		BatchSize:     2,
		MosaicMaxGrid: 4,
		MinLimit:      2,
		MaxLimit:      4,
	}

	be := &stubBackend{}
	reg := vis.NewRegistry()
	pipe := pipeline.New(h, locker, be, reg, bcfg, ccfg)

	limiter := NewAdaptiveLimiter(wcfg)
	limiter.cpuPercent = func() (float64, error) { return 40, nil }
	limiter.memPercent = func() (float64, error) { return 40, nil }

	return &harness{
		warmer: New(pipe, h, locker, be, store, reg, limiter, wcfg, bcfg, ccfg),
		pipe:   pipe,
		be:     be,
		store:  store,
		locker: locker,
		l3:     l3,
	}
}

func testRendering() Rendering {
	return Rendering{Layer: "landsat", Year: 2023, Period: "DRY", Vis: "landsat-tvi-false"}
}

func adjacentTiles() []tilemath.Tile {
	return []tilemath.Tile{
		{X: 2048, Y: 2046, Z: 12},
		{X: 2049, Y: 2046, Z: 12},
		{X: 2048, Y: 2047, Z: 12},
		{X: 2049, Y: 2047, Z: 12},
	}
}

func TestWarmMosaics_OneLeasePerRectangle(t *testing.T) {
	h := newHarness(t)

	report, err := h.warmer.WarmMosaics(context.Background(), testRendering(), adjacentTiles(), "warm-test", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Mosaics)
	assert.Equal(t, 1, report.Leases)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 0, report.Failed)

	leases, fetches := h.be.counts()
	assert.Equal(t, 1, leases)
	assert.Equal(t, 4, fetches)
	assert.Equal(t, 4, h.l3.Len())
}

func TestWarmMosaics_IndistinguishableFromOnDemand(t *testing.T) {
	h := newHarness(t)
	rend := testRendering()

	_, err := h.warmer.WarmMosaics(context.Background(), rend, adjacentTiles(), "warm-test", nil)
	require.NoError(t, err)

	// A subsequent on-demand request for a warmed tile is a pure HIT.
	res, err := h.pipe.ServeTile(context.Background(), pipeline.Request{
		Layer: rend.Layer, X: 2048, Y: 2047, Z: 12,
		Year: rend.Year, Period: rend.Period, Vis: rend.Vis,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusHit, res.Status)
	assert.Equal(t, []byte("png-bytes"), res.Data)
}

func TestWarmMosaics_SkipsCachedAndLocked(t *testing.T) {
	h := newHarness(t)
	rend := testRendering()
	tiles := adjacentTiles()

	// One tile already cached on demand.
	_, err := h.pipe.ServeTile(context.Background(), rend.request(tiles[0]))
	require.NoError(t, err)

	// Another currently owned by an on-demand producer.
	lock, err := h.locker.Acquire(context.Background(), rend.request(tiles[1]).Key())
	require.NoError(t, err)
	require.NotNil(t, lock)
	defer lock.Release(context.Background())

	report, err := h.warmer.WarmMosaics(context.Background(), rend, tiles, "warm-test", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 0, report.Failed)
}

func TestWarmMosaics_FailuresLogged(t *testing.T) {
	h := newHarness(t)
	h.be.fetchErr = tileserr.New(tileserr.KindBackendUnavailable, "breaker open")

	report, err := h.warmer.WarmMosaics(context.Background(), testRendering(), adjacentTiles(), "warm-test", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Failed)
	assert.Equal(t, 0, report.Fetched)

	errs, err := h.store.ListTileErrors(context.Background(), catalog.TileErrorFilter{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, errs, 4)
	assert.Equal(t, "warm-test", errs[0].TaskName)
	assert.Equal(t, "backend_unavailable", errs[0].ErrorType)
	assert.True(t, errs[0].BreakerOpen)
	assert.NotEmpty(t, errs[0].GridKey)
}

func TestWarmPoint_CountsAndMarks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	camp, err := h.store.CreateCampaign(ctx, catalog.Campaign{
		Layer: "landsat", YearStart: 2022, YearEnd: 2023,
		VisParams: []string{"landsat-tvi-false"},
	})
	require.NoError(t, err)
	point, err := h.store.CreatePoint(ctx, catalog.Point{
		CampaignID: camp.ID, Lat: -3.5, Lon: -60.2,
	})
	require.NoError(t, err)

	stats, err := h.warmer.WarmPoint(ctx, point, camp, "cache-point", nil)
	require.NoError(t, err)

	// 2 years x 1 vis x 2 zooms
	assert.Equal(t, 4, stats.Scheduled)
	assert.Equal(t, 4, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
}

func TestWarmPoint_Interrupted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	camp, err := h.store.CreateCampaign(ctx, catalog.Campaign{
		Layer: "landsat", YearStart: 2020, YearEnd: 2023,
		VisParams: []string{"landsat-tvi-false"},
	})
	require.NoError(t, err)
	point, err := h.store.CreatePoint(ctx, catalog.Point{CampaignID: camp.ID, Lat: 1, Lon: 1})
	require.NoError(t, err)

	calls := 0
	_, err = h.warmer.WarmPoint(ctx, point, camp, "cache-point", func() bool {
		calls++
		return calls > 2
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInterrupted))
}

func TestPointPlan_Ordering(t *testing.T) {
	h := newHarness(t)

	camp := &catalog.Campaign{
		Layer: "landsat", YearStart: 2020, YearEnd: 2023,
		VisParams: []string{"landsat-tvi-false"},
	}
	items := h.warmer.pointPlan(camp)
	require.Len(t, items, 8) // 4 years x 1 vis x 2 zooms

	// Recent years (2022, 2023) with the priority zoom lead the plan.
	assert.Equal(t, 2023, items[0].year)
	assert.Equal(t, 13, items[0].zoom)
	assert.Equal(t, 2022, items[1].year)
	assert.Equal(t, 13, items[1].zoom)

	// Older years trail.
	last := items[len(items)-1]
	assert.LessOrEqual(t, last.year, 2021)
}
