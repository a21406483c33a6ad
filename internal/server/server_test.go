package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/backend"
	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/cache/cachetest"
	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/monitoring"
	"github.com/ecotiles/tileserv/internal/pipeline"
	"github.com/ecotiles/tileserv/internal/vis"
	"github.com/ecotiles/tileserv/internal/warming"
	"github.com/ecotiles/tileserv/internal/worker"
)

type stubBackend struct {
	mu           sync.Mutex
	leases       int
	fetches      int
	catalogCalls int
	fetchErr     error
	catalogErr   error
	images       []backend.CatalogImage
}

func (s *stubBackend) LeaseLayer(context.Context, backend.LeaseRequest) (backend.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases++
	return backend.Lease{URLTemplate: "http://imagery/{z}/{x}/{y}.png", IssuedAt: time.Now()}, nil
}

func (s *stubBackend) FetchTile(context.Context, backend.Lease, int, int, int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	s.fetches++
	return []byte("\x89PNG-payload"), nil
}

func (s *stubBackend) Catalog(context.Context, string, float64, float64, time.Time, time.Time) ([]backend.CatalogImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalogErr != nil {
		return nil, s.catalogErr
	}
	s.catalogCalls++
	return s.images, nil
}

type harness struct {
	srv    *Server
	router http.Handler
	store  catalog.Store
	cache  *cache.Hybrid
	be     *stubBackend
	l3     *cachetest.FakeL3
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := catalog.NewSQLite(filepath.Join(t.TempDir(), "server.db"))
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
	be := &stubBackend{}
	reg := vis.NewRegistry()
	pipe := pipeline.New(h, locker, be, reg, bcfg, ccfg)

	wcfg := config.WarmingConfig{ZoomLevels: []int{12}, MosaicMaxGrid: 4, MinLimit: 1, MaxLimit: 2}
	limiter := warming.NewAdaptiveLimiter(wcfg)
	warmer := warming.New(pipe, h, locker, be, store, reg, limiter, wcfg, bcfg, ccfg)

	runner := worker.NewRunner(store, config.WorkerConfig{Concurrency: 2}, zap.NewNop())
	_, err = warming.RegisterTasks(runner, warmer)
	require.NoError(t, err)

	checker := monitoring.NewChecker()
	monitoring.RegisterDefaultChecks(checker, l2, l3, store, nil)

	srv := New(pipe, h, store, be, reg, runner, checker, monitoring.NewMetrics(),
		config.ServerConfig{RequestDeadline: 10 * time.Second}, bcfg)

	return &harness{
		srv:    srv,
		router: srv.Router(),
		store:  store,
		cache:  h,
		be:     be,
		l3:     l3,
	}
}

func (h *harness) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedPoint(t *testing.T) (*catalog.Campaign, *catalog.Point) {
	t.Helper()
	ctx := context.Background()
	camp, err := h.store.CreateCampaign(ctx, catalog.Campaign{
		ID: "c1", Layer: "landsat", YearStart: 2022, YearEnd: 2023,
		VisParams: []string{"landsat-tvi-false"},
	})
	require.NoError(t, err)
	// The point sits in the same geohash cell as tile 2048/2047 at z12,
	// so PatternPoint invalidation covers tiles produced in the tests.
	point, err := h.store.CreatePoint(ctx, catalog.Point{
		ID: "p1", CampaignID: camp.ID, Lat: 0.04, Lon: 0.04,
	})
	require.NoError(t, err)
	return camp, point
}
