package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/resilience"
	"github.com/ecotiles/tileserv/internal/tilemath"
)

// L2 key prefixes. Tile metadata is a hash pointing into L3; meta entries
// are small standalone JSON blobs; locks serialize producers.
const (
	TilePrefix = "tile:"
	MetaPrefix = "meta:"
	LockPrefix = "lock:"
)

// TileMeta is the L2 record pointing at an L3 payload.
type TileMeta struct {
	L3Key       string
	Size        int64
	CreatedAt   time.Time
	ContentType string
}

// Hybrid is the three-tier cache. All cross-process state lives in L2/L3;
// L1 is per-process and only ever holds tiles present in the lower tiers.
type Hybrid struct {
	l1  *L1
	l2  L2
	l3  L3
	cfg config.CacheConfig
	log *zap.Logger
}

// NewHybrid wires the three tiers together.
func NewHybrid(l1 *L1, l2 L2, l3 L3, cfg config.CacheConfig) *Hybrid {
	return &Hybrid{
		l1:  l1,
		l2:  l2,
		l3:  l3,
		cfg: cfg,
		log: zap.L().With(zap.String("component", "cache")),
	}
}

// L1 exposes the in-process tier for stats and tests.
func (h *Hybrid) L1() *L1 { return h.l1 }

// GetPNG returns the cached PNG for a key, or nil when absent. Reading a
// live key refreshes its L2 expiry (keep-alive). A confirmed-missing L3
// object evicts the stale metadata so the pipeline re-materializes once;
// transient L3 errors leave the metadata alone.
func (h *Hybrid) GetPNG(ctx context.Context, key string) ([]byte, error) {
	if data := h.l1.Get(key); data != nil {
		return data, nil
	}

	l2ctx, cancel := context.WithTimeout(ctx, h.cfg.L2Timeout)
	meta, err := h.getTileMeta(l2ctx, key)
	cancel()
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	l2ctx, cancel = context.WithTimeout(ctx, h.cfg.L2Timeout)
	err = h.l2.Expire(l2ctx, TilePrefix+key, h.cfg.MetaTTL)
	cancel()
	if err != nil {
		h.log.Warn("keep-alive refresh failed", zap.String("key", key), zap.Error(err))
	}

	l3ctx, cancel := context.WithTimeout(ctx, h.cfg.L3Timeout)
	data, err := h.l3.Get(l3ctx, meta.L3Key)
	cancel()
	if errors.Is(err, ErrObjectMissing) {
		h.log.Warn("metadata pointed at a missing object, evicting",
			zap.String("key", key), zap.String("l3_key", meta.L3Key))
		l2ctx, cancel = context.WithTimeout(ctx, h.cfg.L2Timeout)
		_, _ = h.l2.Del(l2ctx, TilePrefix+key)
		cancel()
		return nil, nil
	}
	if err != nil {
		h.log.Warn("l3 read failed, serving as miss", zap.String("key", key), zap.Error(err))
		return nil, nil
	}

	h.l1.Put(key, data)
	return data, nil
}

// SetPNG writes through L3 then L2 then L1. The L3 write retries with
// bounded backoff; L2 failure after a durable L3 write is loud, never a
// silent stale record.
func (h *Hybrid) SetPNG(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = h.cfg.PNGTTL
	}
	objKey := ObjectKey(key)

	err := resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger("l3", "put"),
	}, func(ctx context.Context) error {
		putCtx, cancel := context.WithTimeout(ctx, h.cfg.L3Timeout)
		defer cancel()
		return h.l3.Put(putCtx, objKey, data, "image/png")
	})
	if err != nil {
		return eris.Wrap(err, "cache: set png payload")
	}

	l2ctx, cancel := context.WithTimeout(ctx, h.cfg.L2Timeout)
	defer cancel()
	err = h.l2.SetHash(l2ctx, TilePrefix+key, map[string]string{
		"l3_key":       objKey,
		"size":         strconv.Itoa(len(data)),
		"created_at":   time.Now().UTC().Format(time.RFC3339),
		"content_type": "image/png",
	}, ttl)
	if err != nil {
		return eris.Wrap(err, "cache: set png metadata")
	}

	h.l1.Put(key, data)
	return nil
}

// GetMeta returns a small JSON record, or nil when absent. Reads refresh
// the record's expiry.
func (h *Hybrid) GetMeta(ctx context.Context, key string) (json.RawMessage, error) {
	l2ctx, cancel := context.WithTimeout(ctx, h.cfg.L2Timeout)
	defer cancel()

	val, ok, err := h.l2.Get(l2ctx, MetaPrefix+key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := h.l2.Expire(l2ctx, MetaPrefix+key, h.cfg.MetaTTL); err != nil {
		h.log.Warn("meta keep-alive failed", zap.String("key", key), zap.Error(err))
	}
	return json.RawMessage(val), nil
}

// SetMeta stores a small JSON record entirely in L2.
func (h *Hybrid) SetMeta(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = h.cfg.MetaTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return eris.Wrap(err, "cache: marshal meta")
	}

	l2ctx, cancel := context.WithTimeout(ctx, h.cfg.L2Timeout)
	defer cancel()
	return h.l2.Set(l2ctx, MetaPrefix+key, string(data), ttl)
}

// DeleteMeta removes one meta record.
func (h *Hybrid) DeleteMeta(ctx context.Context, key string) error {
	l2ctx, cancel := context.WithTimeout(ctx, h.cfg.L2Timeout)
	defer cancel()
	_, err := h.l2.Del(l2ctx, MetaPrefix+key)
	return err
}

// DeleteByPattern removes every tile matching the key pattern from all
// three tiers and returns the total removed across tiers.
func (h *Hybrid) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	l2keys, err := h.l2.Scan(ctx, TilePrefix+pattern, 0)
	if err != nil {
		return 0, eris.Wrap(err, "cache: pattern scan")
	}
	if len(l2keys) == 0 {
		return h.l1.RemovePattern(pattern), nil
	}

	var l3keys []string
	for _, k := range l2keys {
		meta, err := h.getTileMeta(ctx, k[len(TilePrefix):])
		if err != nil || meta == nil {
			continue
		}
		l3keys = append(l3keys, meta.L3Key)
	}

	l3deleted, err := h.l3.Delete(ctx, l3keys)
	if err != nil {
		// Keep going: L2 records for surviving objects stay consistent
		// only if we stop, so drop just the confirmed deletions.
		h.log.Error("pattern delete: l3 batch failed", zap.Error(err))
	}

	l2deleted, delErr := h.l2.Del(ctx, l2keys...)
	if delErr != nil {
		return l3deleted, eris.Wrap(delErr, "cache: pattern delete l2")
	}

	l1removed := h.l1.RemovePattern(pattern)

	h.log.Info("pattern invalidation",
		zap.String("pattern", pattern),
		zap.Int("l1", l1removed),
		zap.Int("l2", l2deleted),
		zap.Int("l3", l3deleted),
	)
	return l1removed + l2deleted + l3deleted, nil
}

func (h *Hybrid) getTileMeta(ctx context.Context, key string) (*TileMeta, error) {
	fields, err := h.l2.GetHash(ctx, TilePrefix+key)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	created, _ := time.Parse(time.RFC3339, fields["created_at"])
	return &TileMeta{
		L3Key:       fields["l3_key"],
		Size:        size,
		CreatedAt:   created,
		ContentType: fields["content_type"],
	}, nil
}

// Stats is the cross-tier view exposed to operators.
type Stats struct {
	L1 L1Stats `json:"l1"`
	L2 L2Info  `json:"l2"`
	L3 L3Stats `json:"l3"`
}

// L1Stats describes the in-process tier.
type L1Stats struct {
	Size    int      `json:"size"`
	Hits    int64    `json:"hits"`
	Misses  int64    `json:"misses"`
	HotKeys []HotKey `json:"hot_keys"`
}

// L3Stats is a bounded-sample estimate of the object tier.
type L3Stats struct {
	ObjectsSampled int   `json:"objects_sampled"`
	BytesSampled   int64 `json:"bytes_sampled"`
	SampleCapped   bool  `json:"sample_capped"`
}

// Stats gathers per-tier figures. The L3 numbers come from a bounded
// sample; a capped sample means the true totals are larger.
func (h *Hybrid) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	hits, misses := h.l1.Counters()
	s.L1 = L1Stats{
		Size:    h.l1.Len(),
		Hits:    hits,
		Misses:  misses,
		HotKeys: h.l1.HotKeys(10),
	}

	info, err := h.l2.Info(ctx)
	if err != nil {
		return s, eris.Wrap(err, "cache: stats l2")
	}
	s.L2 = info

	sample := h.cfg.StatSample
	if sample <= 0 {
		sample = 1000
	}
	objects, err := h.l3.List(ctx, "tiles/", sample)
	if err != nil {
		return s, eris.Wrap(err, "cache: stats l3")
	}
	for _, o := range objects {
		s.L3.BytesSampled += o.Size
	}
	s.L3.ObjectsSampled = len(objects)
	s.L3.SampleCapped = len(objects) >= sample
	return s, nil
}

// MatchesTileKey strips the L2 prefix and reports whether a scanned key
// parses under the canonical tile grammar.
func MatchesTileKey(l2key string) bool {
	if len(l2key) <= len(TilePrefix) || l2key[:len(TilePrefix)] != TilePrefix {
		return false
	}
	_, err := tilemath.ParseCacheKey(l2key[len(TilePrefix):])
	return err == nil
}
