package warming

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/config"
)

// AdaptiveLimiter sizes the warming concurrency from system load. The
// limit stays inside [min_limit, max_limit]; CPU and memory pressure each
// propose a scaling factor and the stricter one wins. Recomputation is
// throttled to the configured adjust interval so one task burst cannot
// thrash the limit.
type AdaptiveLimiter struct {
	mu       sync.Mutex
	min      int
	max      int
	current  int
	interval time.Duration
	last     time.Time
	log      *zap.Logger

	cpuPercent func() (float64, error)
	memPercent func() (float64, error)
}

// NewAdaptiveLimiter builds a limiter from the warming config.
func NewAdaptiveLimiter(cfg config.WarmingConfig) *AdaptiveLimiter {
	minLimit := cfg.MinLimit
	if minLimit < 1 {
		minLimit = 1
	}
	maxLimit := cfg.MaxLimit
	if maxLimit < minLimit {
		maxLimit = minLimit
	}
	interval := cfg.AdjustInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AdaptiveLimiter{
		min:        minLimit,
		max:        maxLimit,
		current:    maxLimit,
		interval:   interval,
		log:        zap.L().With(zap.String("component", "warming-limiter")),
		cpuPercent: systemCPUPercent,
		memPercent: systemMemPercent,
	}
}

// Concurrency returns the current limit, recomputing it from system load
// when the adjust interval has elapsed.
func (l *AdaptiveLimiter) Concurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.last) < l.interval {
		return l.current
	}
	l.last = now

	cpuPct, cpuErr := l.cpuPercent()
	memPct, memErr := l.memPercent()
	if cpuErr != nil || memErr != nil {
		// Without a reading, stay where we are.
		return l.current
	}

	factor := loadFactor(cpuPct, memPct)
	next := int(float64(l.max) * factor)
	if next < l.min {
		next = l.min
	}
	if next > l.max {
		next = l.max
	}
	if next != l.current {
		l.log.Info("adjusting warming concurrency",
			zap.Int("from", l.current), zap.Int("to", next),
			zap.Float64("cpu_pct", cpuPct), zap.Float64("mem_pct", memPct))
		l.current = next
	}
	return l.current
}

// loadFactor maps CPU% and memory% onto a scaling factor; the stricter
// of the two applies.
func loadFactor(cpuPct, memPct float64) float64 {
	cpuFactor := 1.0
	switch {
	case cpuPct > 80:
		cpuFactor = 0.5
	case cpuPct > 60:
		cpuFactor = 0.7
	case cpuPct < 30:
		cpuFactor = 1.5
	}

	memFactor := 1.0
	switch {
	case memPct > 85:
		memFactor = 0.3
	case memPct > 70:
		memFactor = 0.6
	case memPct < 50:
		memFactor = 1.2
	}

	if memFactor < cpuFactor {
		return memFactor
	}
	return cpuFactor
}

func systemCPUPercent() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

func systemMemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
