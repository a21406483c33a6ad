package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecotiles/tileserv/internal/cache"
)

func TestL1_BasicGetPut(t *testing.T) {
	l1 := cache.NewL1(100, time.Hour)

	assert.Nil(t, l1.Get("missing"))

	data := []byte("png-bytes")
	l1.Put("k1", data)
	assert.Equal(t, data, l1.Get("k1"))
	assert.Equal(t, 1, l1.Len())
}

func TestL1_AgeExpiration(t *testing.T) {
	l1 := cache.NewL1(100, 50*time.Millisecond)

	l1.Put("k1", []byte("tile"))
	assert.NotNil(t, l1.Get("k1"))

	time.Sleep(80 * time.Millisecond)
	assert.Nil(t, l1.Get("k1"))
}

func TestL1_EvictionAtCapacity(t *testing.T) {
	l1 := cache.NewL1(3, time.Hour)

	l1.Put("a", []byte("1"))
	l1.Put("b", []byte("2"))
	l1.Put("c", []byte("3"))

	// Touch "a" so "b" becomes least recently used.
	l1.Get("a")

	l1.Put("d", []byte("4"))
	assert.Nil(t, l1.Get("b"))
	assert.NotNil(t, l1.Get("a"))
	assert.NotNil(t, l1.Get("c"))
	assert.NotNil(t, l1.Get("d"))
}

func TestL1_EvictionDropsAccessCounter(t *testing.T) {
	l1 := cache.NewL1(2, time.Hour)

	l1.Put("a", []byte("1"))
	l1.Get("a")
	l1.Get("a")
	l1.Put("b", []byte("2"))
	l1.Put("c", []byte("3")) // evicts "a"

	for _, hk := range l1.HotKeys(10) {
		assert.NotEqual(t, "a", hk.Key, "evicted key still has a counter")
	}
}

func TestL1_HotKeysOrdering(t *testing.T) {
	l1 := cache.NewL1(10, time.Hour)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		l1.Put(key, []byte("x"))
		for j := 0; j <= i; j++ {
			l1.Get(key)
		}
	}

	hot := l1.HotKeys(3)
	require.Len(t, hot, 3)
	assert.Equal(t, "k4", hot[0].Key)
	assert.Equal(t, int64(5), hot[0].Accesses)
	assert.Equal(t, "k3", hot[1].Key)
	assert.Equal(t, "k2", hot[2].Key)
}

func TestL1_RemovePattern(t *testing.T) {
	l1 := cache.NewL1(10, time.Hour)
	l1.Put("landsat_DRY_2023_0_tvi/abc/10/1_2.png", []byte("a"))
	l1.Put("landsat_DRY_2024_0_tvi/abc/10/1_2.png", []byte("b"))
	l1.Put("sentinel-2_WET_2023_0_rgb/abc/10/1_2.png", []byte("c"))

	removed := l1.RemovePattern("landsat_*")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, l1.Len())
	assert.NotNil(t, l1.Get("sentinel-2_WET_2023_0_rgb/abc/10/1_2.png"))
}

func TestL1_Counters(t *testing.T) {
	l1 := cache.NewL1(10, time.Hour)
	l1.Put("k", []byte("x"))
	l1.Get("k")
	l1.Get("k")
	l1.Get("missing")

	hits, misses := l1.Counters()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
