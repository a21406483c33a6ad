// Package monitoring watches the serving path: per-component health
// checks with an aggregate verdict, prometheus metrics, and threshold
// alerts delivered over a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/resilience"
)

// Status is a component or aggregate health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// ComponentHealth is the outcome of one probe.
type ComponentHealth struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report is one full health pass.
type Report struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Checker probes registered dependencies. A failing critical dependency
// makes the aggregate unhealthy; a failing optional one only degrades
// it. The cache's L3 tier and the imagery backend are optional by
// nature: the serving path survives both, at reduced quality.
type Checker struct {
	checks  []namedCheck
	timeout time.Duration
	log     *zap.Logger
}

func NewChecker() *Checker {
	return &Checker{
		timeout: 5 * time.Second,
		log:     zap.L().With(zap.String("component", "health")),
	}
}

// Add registers a probe. Order of registration is report order.
func (c *Checker) Add(name string, critical bool, fn CheckFunc) {
	c.checks = append(c.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// RegisterDefaultChecks wires the serving path's dependencies into the
// checker. The redis tier and the catalog are critical; the object
// tier and the imagery backend are survivable outages. breaker may be
// nil in processes that never call the backend.
func RegisterDefaultChecks(c *Checker, l2 cache.L2, l3 cache.L3, store catalog.Store, breaker *resilience.CircuitBreaker) {
	c.Add("l2", true, l2.Ping)
	c.Add("catalog", true, store.Ping)
	c.Add("l3", false, l3.Ping)
	if breaker != nil {
		c.Add("backend", false, func(context.Context) error {
			if breaker.State() == resilience.CircuitOpen {
				return eris.New("circuit breaker open")
			}
			return nil
		})
	}
}

// Run probes every dependency and aggregates the verdict.
func (c *Checker) Run(ctx context.Context) Report {
	report := Report{Status: StatusHealthy, CheckedAt: time.Now().UTC()}

	for _, check := range c.checks {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := check.fn(probeCtx)
		elapsed := time.Since(start)
		cancel()

		ch := ComponentHealth{
			Name:      check.name,
			Status:    StatusHealthy,
			LatencyMS: elapsed.Milliseconds(),
		}
		if err != nil {
			ch.Error = err.Error()
			if check.critical {
				ch.Status = StatusUnhealthy
				report.Status = StatusUnhealthy
			} else {
				ch.Status = StatusDegraded
				if report.Status == StatusHealthy {
					report.Status = StatusDegraded
				}
			}
			c.log.Warn("health probe failed",
				zap.String("probe", check.name),
				zap.Bool("critical", check.critical),
				zap.Error(err))
		}
		report.Components = append(report.Components, ch)
	}
	return report
}
