package tilemath

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TileKey is the canonical identity of a tile for caching purposes. Two
// requests with the same key must produce byte-identical PNGs.
type TileKey struct {
	Layer  string
	Period string // WET, DRY or MONTH
	Year   int
	Month  int // 0 when Period != MONTH
	Vis    string
	X      int
	Y      int
	Z      int
}

// CacheKey builds the canonical key string:
//
//	{layer}_{period}_{year}_{month}_{vis}/{geohash}/{z}/{x}_{y}.png
//
// The geohash cell is derived from the tile's center so every tile of one
// area shares a prefix, which keeps pattern invalidation geographic.
func CacheKey(k TileKey) string {
	lat, lon := TileBBox(k.X, k.Y, k.Z).Center()
	return fmt.Sprintf("%s/%s/%d/%d_%d.png", prefixOf(k), Geohash(lat, lon), k.Z, k.X, k.Y)
}

func prefixOf(k TileKey) string {
	return fmt.Sprintf("%s_%s_%d_%d_%s", k.Layer, k.Period, k.Year, k.Month, k.Vis)
}

// MetaKey names the lease record shared by all tiles of one rendering.
func MetaKey(layer, regionID, paramsDigest string) string {
	return fmt.Sprintf("%s_%s_%s", layer, regionID, paramsDigest)
}

var cacheKeyRe = regexp.MustCompile(
	`^([a-z0-9-]+)_([A-Z]+)_(\d{4})_(\d{1,2})_([a-z0-9-]+)/([0-9a-z]+)/(\d{1,2})/(\d+)_(\d+)\.png$`)

// ParseCacheKey is the inverse of CacheKey. Patterns for invalidation are
// derived through the same grammar so they cannot match unintended keys.
func ParseCacheKey(s string) (TileKey, error) {
	m := cacheKeyRe.FindStringSubmatch(s)
	if m == nil {
		return TileKey{}, fmt.Errorf("tilemath: malformed cache key %q", s)
	}
	year, _ := strconv.Atoi(m[3])
	month, _ := strconv.Atoi(m[4])
	z, _ := strconv.Atoi(m[7])
	x, _ := strconv.Atoi(m[8])
	y, _ := strconv.Atoi(m[9])
	return TileKey{
		Layer:  m[1],
		Period: m[2],
		Year:   year,
		Month:  month,
		Vis:    m[5],
		X:      x,
		Y:      y,
		Z:      z,
	}, nil
}

// PatternLayer matches every tile of a layer regardless of rendering.
func PatternLayer(layer string) string {
	return layer + "_*"
}

// PatternLayerYear matches one layer-year combination across all periods
// and vis params. The year segment is delimited on both sides so 2020
// cannot match 12020 or a vis name containing digits.
func PatternLayerYear(layer string, year int) string {
	return fmt.Sprintf("%s_*_%d_*", layer, year)
}

// PatternPoint matches every tile whose geohash cell contains the point.
func PatternPoint(lat, lon float64) string {
	return "*/" + Geohash(lat, lon) + "/*"
}

// PatternRendering matches all tiles of one exact rendering.
func PatternRendering(layer, period string, year, month int, vis string) string {
	return prefixOf(TileKey{Layer: layer, Period: period, Year: year, Month: month, Vis: vis}) + "/*"
}

// MatchPattern reports whether key matches a glob pattern using the same
// `*` semantics the L2 store applies during scans.
func MatchPattern(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}
