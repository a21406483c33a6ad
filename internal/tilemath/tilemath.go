// Package tilemath provides pure tile arithmetic: slippy-map conversions,
// canonical cache keys, invalidation patterns, and mosaic grouping. No I/O.
package tilemath

import (
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/twpayne/go-geom"
)

// GeohashPrecision is the precision of the geohash segment embedded in
// cache keys. Three characters ≈ a 156x156km cell, wide enough that all
// zooms of one area share a prefix.
const GeohashPrecision = 3

// BBox is a geographic bounding box in degrees.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Polygon returns the bbox as a closed 2D polygon, west-south first,
// counter-clockwise. Used to build backend region payloads.
func (b BBox) Polygon() *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		b.West, b.South,
		b.East, b.South,
		b.East, b.North,
		b.West, b.North,
		b.West, b.South,
	}, []int{10})
}

// Center returns the bbox midpoint as (lat, lon).
func (b BBox) Center() (lat, lon float64) {
	return (b.South + b.North) / 2, (b.West + b.East) / 2
}

// Union returns the smallest bbox containing both b and o.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		West:  math.Min(b.West, o.West),
		South: math.Min(b.South, o.South),
		East:  math.Max(b.East, o.East),
		North: math.Max(b.North, o.North),
	}
}

// TileBBox returns the geographic bounds of slippy-map tile (x, y) at zoom z.
func TileBBox(x, y, z int) BBox {
	n := float64(int64(1) << uint(z))
	west := float64(x)/n*360 - 180
	east := float64(x+1)/n*360 - 180
	north := rad2deg(math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n))))
	south := rad2deg(math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y+1)/n))))
	return BBox{West: west, South: south, East: east, North: north}
}

// LatLonToTile returns the tile containing (lat, lon) at zoom z.
// Latitude is clamped to the Web Mercator limits.
func LatLonToTile(lat, lon float64, z int) (x, y int) {
	const mercatorLimit = 85.05112878
	if lat > mercatorLimit {
		lat = mercatorLimit
	}
	if lat < -mercatorLimit {
		lat = -mercatorLimit
	}
	n := float64(int64(1) << uint(z))
	x = int(math.Floor((lon + 180) / 360 * n))
	latRad := deg2rad(lat)
	y = int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))
	if x < 0 {
		x = 0
	}
	if max := int(n) - 1; x > max {
		x = max
	}
	if y < 0 {
		y = 0
	}
	if max := int(n) - 1; y > max {
		y = max
	}
	return x, y
}

func rad2deg(r float64) float64 { return r * 180 / math.Pi }
func deg2rad(d float64) float64 { return d * math.Pi / 180 }

// Geohash returns the cache-key geohash cell for a coordinate.
func Geohash(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, GeohashPrecision)
}

// GeohashBBox returns the bounding box of a geohash cell.
func GeohashBBox(hash string) BBox {
	box := geohash.BoundingBox(hash)
	return BBox{West: box.MinLng, South: box.MinLat, East: box.MaxLng, North: box.MaxLat}
}
