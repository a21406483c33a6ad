// Package backend is the contract with the remote imagery computation
// service: compile a rendering for a region into a short-lived tile URL
// template, then fetch individual tiles through it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/resilience"
	"github.com/ecotiles/tileserv/internal/tilemath"
	"github.com/ecotiles/tileserv/internal/tileserr"
)

// Lease is a time-bounded URL template yielding PNG tiles. After the
// configured lifespan the backend may reject it and a new lease is needed.
type Lease struct {
	URLTemplate string    `json:"url_template"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Expired reports whether the lease has outlived the given lifespan.
func (l Lease) Expired(lifespan time.Duration) bool {
	return time.Since(l.IssuedAt) > lifespan
}

// TileURL realizes the template for one tile.
func (l Lease) TileURL(x, y, z int) string {
	r := strings.NewReplacer(
		"{x}", fmt.Sprintf("%d", x),
		"{y}", fmt.Sprintf("%d", y),
		"{z}", fmt.Sprintf("%d", z),
	)
	return r.Replace(l.URLTemplate)
}

// LeaseRequest describes the rendering to compile.
type LeaseRequest struct {
	Layer  string            `json:"layer"`
	Region tilemath.BBox     `json:"-"`
	Year   int               `json:"year"`
	Period string            `json:"period"`
	Month  int               `json:"month,omitempty"`
	Args   map[string]string `json:"vis_params"`
}

// CatalogImage is one source scene the backend knows for a region/window.
type CatalogImage struct {
	ID         string    `json:"id"`
	Date       time.Time `json:"date"`
	CloudCover float64   `json:"cloud_cover"`
	Collection string    `json:"collection"`
}

// Client talks to the imagery backend. Lease calls are blocking on the
// remote side, so they run through a bounded pool; a per-process circuit
// breaker sheds load when the backend signals overload.
type Client struct {
	httpc   *http.Client
	cfg     config.BackendConfig
	breaker *resilience.CircuitBreaker
	pool    *semaphore.Weighted
	log     *zap.Logger

	// throttleBase is the first throttle-retry delay; tests shrink it.
	throttleBase time.Duration
}

// New builds a Client from configuration.
func New(cfg config.BackendConfig) *Client {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 20
	}
	log := zap.L().With(zap.String("component", "backend"))

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerRecovery,
		ShouldTrip: func(err error) bool {
			code := resilience.StatusOf(err)
			return code == 429 || code >= 500 || (code == 0 && resilience.IsTransient(err))
		},
		OnStateChange: func(from, to resilience.CircuitState) {
			log.Warn("breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		httpc:        &http.Client{Timeout: cfg.FetchTimeout},
		cfg:          cfg,
		breaker:      breaker,
		pool:         semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		log:          log,
		throttleBase: time.Second,
	}
}

// Breaker exposes circuit state for health reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// LeaseLayer compiles a rendering and returns its URL template. Rejected
// immediately with a backend-unavailable error while the breaker is open.
func (c *Client) LeaseLayer(ctx context.Context, req LeaseRequest) (Lease, error) {
	lease, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (Lease, error) {
		if err := c.pool.Acquire(ctx, 1); err != nil {
			return Lease{}, eris.Wrap(err, "backend: lease pool")
		}
		defer c.pool.Release(1)
		return c.doLease(ctx, req)
	})
	if err != nil {
		if eris.Is(err, resilience.ErrCircuitOpen) {
			return Lease{}, tileserr.Wrap(tileserr.KindBackendUnavailable, err, "backend: breaker open")
		}
		return Lease{}, classify(err, "backend: lease")
	}
	return lease, nil
}

func (c *Client) doLease(ctx context.Context, req LeaseRequest) (Lease, error) {
	region, err := geojson.Marshal(req.Region.Polygon())
	if err != nil {
		return Lease{}, eris.Wrap(err, "backend: encode region")
	}

	body, err := json.Marshal(struct {
		LeaseRequest
		Region json.RawMessage `json:"region"`
	}{LeaseRequest: req, Region: region})
	if err != nil {
		return Lease{}, eris.Wrap(err, "backend: encode lease request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LeaseTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/layers/%s/lease", strings.TrimRight(c.cfg.BaseURL, "/"), req.Layer)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Lease{}, eris.Wrap(err, "backend: build lease request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return Lease{}, eris.Wrap(err, "backend: lease call")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drained, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Lease{}, &resilience.StatusError{
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("backend: lease status %d: %s", resp.StatusCode, strings.TrimSpace(string(drained))),
		}
	}

	var out struct {
		URLTemplate string `json:"url_template"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Lease{}, eris.Wrap(err, "backend: decode lease")
	}
	if out.URLTemplate == "" {
		return Lease{}, eris.New("backend: empty url template")
	}
	return Lease{URLTemplate: out.URLTemplate, IssuedAt: time.Now().UTC()}, nil
}

// FetchTile downloads one tile through a lease. Throttle responses retry
// up to five times with exponential delay plus up to a second of jitter;
// server errors retry up to three times; anything else fails fast.
func (c *Client) FetchTile(ctx context.Context, lease Lease, x, y, z int) ([]byte, error) {
	throttle := resilience.ThrottleRetryConfig(c.throttleBase)
	throttle.AdditiveJitter = c.throttleBase
	throttle.OnRetry = resilience.RetryLogger("backend", "fetch-tile-throttled")
	server := resilience.ServerErrorRetryConfig(c.throttleBase / 2)

	data, err := resilience.DoVal(ctx, throttle, func(ctx context.Context) ([]byte, error) {
		return resilience.DoVal(ctx, server, func(ctx context.Context) ([]byte, error) {
			return c.doFetch(ctx, lease.TileURL(x, y, z))
		})
	})
	if err != nil {
		return nil, classify(err, "backend: fetch tile")
	}
	return data, nil
}

func (c *Client) doFetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "backend: build tile request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "backend: tile call")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, &resilience.StatusError{
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("backend: tile status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "backend: read tile")
	}
	if len(data) == 0 {
		return nil, eris.New("backend: empty tile body")
	}
	return data, nil
}

// Catalog lists source scenes over a point and time window.
func (c *Client) Catalog(ctx context.Context, layer string, lat, lon float64, start, end time.Time) ([]CatalogImage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LeaseTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/layers/%s/catalog?lat=%f&lon=%f&start=%s&end=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), layer, lat, lon,
		start.Format("2006-01-02"), end.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "backend: build catalog request")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, tileserr.Wrap(tileserr.KindBackendUnavailable, err, "backend: catalog call")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(&resilience.StatusError{
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("backend: catalog status %d", resp.StatusCode),
		}, "backend: catalog")
	}

	var images []CatalogImage
	if err := json.NewDecoder(resp.Body).Decode(&images); err != nil {
		return nil, eris.Wrap(err, "backend: decode catalog")
	}
	return images, nil
}

// classify maps a terminal client error onto the shared taxonomy.
// Exhausted throttle retries surface as backend-unavailable, per the
// propagation policy.
func classify(err error, msg string) error {
	code := resilience.StatusOf(err)
	switch {
	case code == 429 || code >= 500:
		return tileserr.Wrap(tileserr.KindBackendUnavailable, err, msg)
	case code == 404:
		return tileserr.Wrap(tileserr.KindNotFound, err, msg)
	case code >= 400:
		return tileserr.Wrap(tileserr.KindInvalidRequest, err, msg)
	case resilience.IsTransient(err):
		return tileserr.Wrap(tileserr.KindTransient, err, msg)
	default:
		return tileserr.Wrap(tileserr.KindBackendUnavailable, err, msg)
	}
}
