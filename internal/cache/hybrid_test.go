package cache_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/cache/cachetest"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/tilemath"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		L1Max:      100,
		L1MaxAge:   time.Hour,
		PNGTTL:     30 * 24 * time.Hour,
		MetaTTL:    7 * 24 * time.Hour,
		LockTTL:    time.Minute,
		L2Timeout:  time.Second,
		L3Timeout:  time.Second,
		StatSample: 1000,
	}
}

func newTestHybrid() (*cache.Hybrid, *cachetest.FakeL2, *cachetest.FakeL3) {
	l2 := cachetest.NewFakeL2()
	l3 := cachetest.NewFakeL3()
	cfg := testCacheConfig()
	return cache.NewHybrid(cache.NewL1(cfg.L1Max, cfg.L1MaxAge), l2, l3, cfg), l2, l3
}

func testKey(year, x, y int) string {
	return tilemath.CacheKey(tilemath.TileKey{
		Layer: "landsat", Period: "DRY", Year: year, Vis: "tvi-false",
		X: x, Y: y, Z: 10,
	})
}

func TestHybrid_SetThenGet(t *testing.T) {
	h, l2, l3 := newTestHybrid()
	ctx := context.Background()
	key := testKey(2023, 512, 384)
	data := []byte("png-payload")

	require.NoError(t, h.SetPNG(ctx, key, data, 0))

	// L2 record exists with the right size and L3 pointer.
	fields, err := l2.GetHash(ctx, cache.TilePrefix+key)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(len(data)), fields["size"])
	assert.Equal(t, cache.ObjectKey(key), fields["l3_key"])
	assert.Equal(t, "image/png", fields["content_type"])

	// L3 object exists under the sharded key.
	obj, err := l3.Get(ctx, cache.ObjectKey(key))
	require.NoError(t, err)
	assert.Equal(t, data, obj)

	got, err := h.GetPNG(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestHybrid_GetMissReturnsNil(t *testing.T) {
	h, _, _ := newTestHybrid()
	got, err := h.GetPNG(context.Background(), testKey(2023, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHybrid_GetServesFromL1WithoutL2(t *testing.T) {
	h, l2, _ := newTestHybrid()
	ctx := context.Background()
	key := testKey(2023, 5, 5)

	require.NoError(t, h.SetPNG(ctx, key, []byte("x"), 0))

	// Even with L2 down, the L1 copy serves.
	l2.SetDown(true)
	got, err := h.GetPNG(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestHybrid_L2DownFailsLoudly(t *testing.T) {
	h, l2, _ := newTestHybrid()
	ctx := context.Background()
	l2.SetDown(true)

	_, err := h.GetPNG(ctx, testKey(2023, 1, 1))
	assert.Error(t, err)

	err = h.SetPNG(ctx, testKey(2023, 1, 1), []byte("x"), 0)
	assert.Error(t, err)
}

func TestHybrid_GetRefreshesTTL(t *testing.T) {
	h, l2, _ := newTestHybrid()
	ctx := context.Background()
	key := testKey(2023, 7, 7)

	require.NoError(t, h.SetPNG(ctx, key, []byte("x"), 0))
	// Drop the L1 copy so the read goes through L2.
	h.L1().Remove(key)

	_, err := h.GetPNG(ctx, key)
	require.NoError(t, err)

	ttl, ok, err := l2.TTL(ctx, cache.TilePrefix+key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testCacheConfig().MetaTTL, ttl)
}

func TestHybrid_MissingObjectEvictsMetadata(t *testing.T) {
	h, l2, l3 := newTestHybrid()
	ctx := context.Background()
	key := testKey(2023, 9, 9)

	require.NoError(t, h.SetPNG(ctx, key, []byte("x"), 0))
	h.L1().Remove(key)

	// Simulate a lost object.
	_, err := l3.Delete(ctx, []string{cache.ObjectKey(key)})
	require.NoError(t, err)

	got, err := h.GetPNG(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Metadata must be gone so the tile gets re-materialized.
	fields, err := l2.GetHash(ctx, cache.TilePrefix+key)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestHybrid_TransientL3ErrorKeepsMetadata(t *testing.T) {
	h, l2, l3 := newTestHybrid()
	ctx := context.Background()
	key := testKey(2023, 11, 11)

	require.NoError(t, h.SetPNG(ctx, key, []byte("x"), 0))
	h.L1().Remove(key)

	l3.GetErr = true
	got, err := h.GetPNG(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "transient l3 error reads as a miss")

	// Metadata survives transient errors.
	fields, err := l2.GetHash(ctx, cache.TilePrefix+key)
	require.NoError(t, err)
	assert.NotEmpty(t, fields)
}

func TestHybrid_SetRetriesL3Put(t *testing.T) {
	h, _, l3 := newTestHybrid()
	ctx := context.Background()
	key := testKey(2023, 13, 13)

	l3.PutErrs = 2 // first two attempts fail, third succeeds
	require.NoError(t, h.SetPNG(ctx, key, []byte("x"), 0))
	assert.Equal(t, 3, l3.Puts())
}

func TestHybrid_SetFailsAfterRetriesExhausted(t *testing.T) {
	h, l2, l3 := newTestHybrid()
	ctx := context.Background()
	key := testKey(2023, 15, 15)

	l3.PutErrs = 5
	err := h.SetPNG(ctx, key, []byte("x"), 0)
	assert.Error(t, err)

	// No L2 record may exist without a durable payload.
	fields, err2 := l2.GetHash(ctx, cache.TilePrefix+key)
	require.NoError(t, err2)
	assert.Empty(t, fields)
}

func TestHybrid_MetaRoundTrip(t *testing.T) {
	h, _, _ := newTestHybrid()
	ctx := context.Background()

	type lease struct {
		URL      string    `json:"url"`
		IssuedAt time.Time `json:"issued_at"`
	}
	in := lease{URL: "https://backend/{x}/{y}/{z}.png", IssuedAt: time.Now().UTC().Truncate(time.Second)}

	require.NoError(t, h.SetMeta(ctx, "landsat_r1_tvi", in, 0))

	raw, err := h.GetMeta(ctx, "landsat_r1_tvi")
	require.NoError(t, err)
	require.NotNil(t, raw)

	var out lease
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.URL, out.URL)
	assert.True(t, in.IssuedAt.Equal(out.IssuedAt))

	// Absent meta reads as nil without error.
	raw, err = h.GetMeta(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, raw)

	require.NoError(t, h.DeleteMeta(ctx, "landsat_r1_tvi"))
	raw, err = h.GetMeta(ctx, "landsat_r1_tvi")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestHybrid_DeleteByPattern(t *testing.T) {
	h, l2, l3 := newTestHybrid()
	ctx := context.Background()

	var keys2023 []string
	for x := 0; x < 5; x++ {
		k := testKey(2023, 500+x, 384)
		keys2023 = append(keys2023, k)
		require.NoError(t, h.SetPNG(ctx, k, []byte("a"), 0))
	}
	other := testKey(2024, 500, 384)
	require.NoError(t, h.SetPNG(ctx, other, []byte("b"), 0))

	removed, err := h.DeleteByPattern(ctx, tilemath.PatternLayerYear("landsat", 2023))
	require.NoError(t, err)
	// 5 entries removed from each of the three tiers.
	assert.Equal(t, 15, removed)

	for _, k := range keys2023 {
		got, err := h.GetPNG(ctx, k)
		require.NoError(t, err)
		assert.Nil(t, got)

		fields, _ := l2.GetHash(ctx, cache.TilePrefix+k)
		assert.Empty(t, fields)

		_, err = l3.Get(ctx, cache.ObjectKey(k))
		assert.ErrorIs(t, err, cache.ErrObjectMissing)
	}

	// The 2024 tile is untouched.
	got, err := h.GetPNG(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestHybrid_DeleteByPatternNoMatches(t *testing.T) {
	h, _, _ := newTestHybrid()
	removed, err := h.DeleteByPattern(context.Background(), tilemath.PatternLayer("nothing"))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestHybrid_Stats(t *testing.T) {
	h, _, _ := newTestHybrid()
	ctx := context.Background()

	key := testKey(2023, 20, 20)
	require.NoError(t, h.SetPNG(ctx, key, []byte("abcdef"), 0))
	_, _ = h.GetPNG(ctx, key)

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.L1.Size)
	assert.GreaterOrEqual(t, stats.L2.Keys, int64(1))
	assert.Equal(t, 1, stats.L3.ObjectsSampled)
	assert.Equal(t, int64(6), stats.L3.BytesSampled)
	assert.False(t, stats.L3.SampleCapped)
}

func TestObjectKey_StablePrefix(t *testing.T) {
	key := testKey(2023, 1, 2)
	a := cache.ObjectKey(key)
	b := cache.ObjectKey(key)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^tiles/[0-9a-f]{2}/`, a)
}

func TestMatchesTileKey(t *testing.T) {
	key := testKey(2023, 1, 2)
	assert.True(t, cache.MatchesTileKey(cache.TilePrefix+key))
	assert.False(t, cache.MatchesTileKey(cache.MetaPrefix+"whatever"))
	assert.False(t, cache.MatchesTileKey(cache.TilePrefix+"garbage"))
	assert.False(t, cache.MatchesTileKey("tile:"))
}
