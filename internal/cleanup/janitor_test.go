package cleanup

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/cache/cachetest"
)

func tileRecord(t *testing.T, l2 *cachetest.FakeL2, key string, size int, age, ttl time.Duration) {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	err := l2.SetHash(context.Background(), cache.TilePrefix+key, map[string]string{
		"l3_key":       cache.ObjectKey(key),
		"size":         strconv.Itoa(size),
		"created_at":   created.Format(time.RFC3339),
		"content_type": "image/png",
	}, ttl)
	require.NoError(t, err)
}

func TestCleanupExpired_CollectsShortTTL(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	l3 := cachetest.NewFakeL3()
	j := NewJanitor(l2, l3)
	ctx := context.Background()

	tileRecord(t, l2, "doomed.png", 4096, time.Hour, time.Hour)        // expiring soon
	tileRecord(t, l2, "healthy.png", 4096, time.Hour, 30*24*time.Hour) // plenty left
	require.NoError(t, l2.Set(ctx, cache.MetaPrefix+"lease", `{}`, time.Hour))
	require.NoError(t, l2.Set(ctx, cache.LockPrefix+"busy", "producer", time.Minute))

	report, err := j.CleanupExpired(ctx, false, 0)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 2, report.Collected)
	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, int64(4096), report.BytesFreed)
	assert.Equal(t, 1, report.Categories["tile"])
	assert.Equal(t, 1, report.Categories["meta"])

	// The healthy record and the live lock survive.
	_, ok, err := l2.TTL(ctx, cache.TilePrefix+"healthy.png")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = l2.TTL(ctx, cache.LockPrefix+"busy")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupExpired_DryRunDeletesNothing(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	j := NewJanitor(l2, cachetest.NewFakeL3())
	ctx := context.Background()

	tileRecord(t, l2, "doomed.png", 1024, time.Hour, time.Hour)

	report, err := j.CleanupExpired(ctx, true, 0)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Collected)
	assert.Equal(t, 0, report.Deleted)

	_, ok, err := l2.TTL(ctx, cache.TilePrefix+"doomed.png")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupExpired_MaxItemsBoundsScan(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	j := NewJanitor(l2, cachetest.NewFakeL3())

	for i := 0; i < 10; i++ {
		tileRecord(t, l2, "t"+strconv.Itoa(i)+".png", 100, time.Hour, time.Hour)
	}

	report, err := j.CleanupExpired(context.Background(), true, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
}

func TestCleanupOrphaned_RemovesUnreferencedObjects(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	l3 := cachetest.NewFakeL3()
	j := NewJanitor(l2, l3)
	ctx := context.Background()

	// Referenced object: metadata present.
	tileRecord(t, l2, "kept.png", 2048, time.Hour, 30*24*time.Hour)
	require.NoError(t, l3.Put(ctx, cache.ObjectKey("kept.png"), []byte("kept"), "image/png"))

	// Orphan: object without metadata.
	require.NoError(t, l3.Put(ctx, cache.ObjectKey("orphan.png"), []byte("orphan-bytes"), "image/png"))

	report, err := j.CleanupOrphaned(ctx, "tiles/", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Listed)
	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, int64(len("orphan-bytes")), report.BytesFreed)
	assert.Equal(t, 1, l3.Len())

	_, err = l3.Get(ctx, cache.ObjectKey("kept.png"))
	assert.NoError(t, err)
}

func TestCacheKeyOfObject(t *testing.T) {
	key := "landsat_DRY_2023_0_tvi/6vz/12/2048_2047.png"
	got, ok := cacheKeyOfObject(cache.ObjectKey(key))
	require.True(t, ok)
	assert.Equal(t, key, got)

	_, ok = cacheKeyOfObject("unrelated/path")
	assert.False(t, ok)
}

func TestAnalyzeUsage_BucketsAndRecommendations(t *testing.T) {
	l2 := cachetest.NewFakeL2()
	j := NewJanitor(l2, cachetest.NewFakeL3())
	ctx := context.Background()

	// 3 of 5 older than 90 days -> reduce-TTL recommendation.
	tileRecord(t, l2, "old1.png", 5<<10, 120*24*time.Hour, 30*24*time.Hour)
	tileRecord(t, l2, "old2.png", 20<<10, 100*24*time.Hour, 30*24*time.Hour)
	tileRecord(t, l2, "old3.png", 60<<10, 95*24*time.Hour, 30*24*time.Hour)
	tileRecord(t, l2, "new1.png", 150<<10, time.Hour, 30*24*time.Hour)
	tileRecord(t, l2, "new2.png", 5<<10, 10*24*time.Hour, 30*24*time.Hour)

	report, err := j.AnalyzeUsage(ctx, 1000)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Sampled)
	assert.Equal(t, 3, report.AgeBuckets[">90d"])
	assert.Equal(t, 1, report.AgeBuckets["<7d"])
	assert.Equal(t, 2, report.SizeBuckets["<10KB"])
	assert.Equal(t, 1, report.SizeBuckets[">100KB"])
	assert.Equal(t, 5, report.TTLBuckets[">30d"])

	require.NotEmpty(t, report.Recommendations)
	assert.Contains(t, report.Recommendations[0], "reduce TTL")

	text := report.String()
	assert.Contains(t, text, "5 tiles sampled")
	assert.Contains(t, text, ">90d=3")
	assert.Contains(t, text, "reduce TTL")
}

func TestAnalyzeUsage_EmptyKeyspace(t *testing.T) {
	j := NewJanitor(cachetest.NewFakeL2(), cachetest.NewFakeL3())

	report, err := j.AnalyzeUsage(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sampled)
	assert.Empty(t, report.Recommendations)
}
