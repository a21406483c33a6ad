package tilemath

import (
	"fmt"
	"sort"
)

// Tile is a bare (x, y, z) coordinate, before rendering identity applies.
type Tile struct {
	X, Y, Z int
}

// Mosaic is a rectangular group of adjacent tiles at one zoom level,
// materialized from a single backend lease over the union bounding box.
type Mosaic struct {
	Zoom  int
	MinX  int
	MinY  int
	MaxX  int
	MaxY  int
	Tiles []Tile
	BBox  BBox
}

// GridKey identifies the mosaic's rectangle for lease metadata.
func (m Mosaic) GridKey() string {
	return fmt.Sprintf("%d_%d_%d_%d_%d", m.Zoom, m.MinX, m.MinY, m.MaxX, m.MaxY)
}

// GroupTiles partitions tiles into per-zoom rectangles of at most
// maxGrid x maxGrid. Tiles are visited in (z, x, y) order; each rectangle
// greedily absorbs present neighbors to the east and south. Every input
// tile lands in exactly one mosaic.
func GroupTiles(tiles []Tile, maxGrid int) []Mosaic {
	if maxGrid < 1 {
		maxGrid = 1
	}

	sorted := make([]Tile, len(tiles))
	copy(sorted, tiles)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})

	present := make(map[Tile]bool, len(sorted))
	for _, t := range sorted {
		present[t] = true
	}
	claimed := make(map[Tile]bool, len(sorted))

	var mosaics []Mosaic
	for _, seed := range sorted {
		if claimed[seed] {
			continue
		}

		width, height := 1, 1

		// Widen while the whole next column exists and is unclaimed.
		for width < maxGrid && columnFree(present, claimed, seed, width, height) {
			width++
		}
		// Then deepen while the whole next row exists and is unclaimed.
		for height < maxGrid && rowFree(present, claimed, seed, width, height) {
			height++
		}

		m := Mosaic{
			Zoom: seed.Z,
			MinX: seed.X,
			MinY: seed.Y,
			MaxX: seed.X + width - 1,
			MaxY: seed.Y + height - 1,
		}
		for dx := 0; dx < width; dx++ {
			for dy := 0; dy < height; dy++ {
				t := Tile{X: seed.X + dx, Y: seed.Y + dy, Z: seed.Z}
				claimed[t] = true
				m.Tiles = append(m.Tiles, t)
			}
		}

		m.BBox = TileBBox(m.MinX, m.MinY, m.Zoom)
		for _, t := range m.Tiles {
			m.BBox = m.BBox.Union(TileBBox(t.X, t.Y, t.Z))
		}
		mosaics = append(mosaics, m)
	}
	return mosaics
}

func columnFree(present, claimed map[Tile]bool, seed Tile, width, height int) bool {
	for dy := 0; dy < height; dy++ {
		t := Tile{X: seed.X + width, Y: seed.Y + dy, Z: seed.Z}
		if !present[t] || claimed[t] {
			return false
		}
	}
	return true
}

func rowFree(present, claimed map[Tile]bool, seed Tile, width, height int) bool {
	for dx := 0; dx < width; dx++ {
		t := Tile{X: seed.X + dx, Y: seed.Y + height, Z: seed.Z}
		if !present[t] || claimed[t] {
			return false
		}
	}
	return true
}

// TilesForBBox enumerates every tile at zoom z intersecting the bbox.
func TilesForBBox(b BBox, z int) []Tile {
	minX, minY := LatLonToTile(b.North, b.West, z)
	maxX, maxY := LatLonToTile(b.South, b.East, z)
	var tiles []Tile
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			tiles = append(tiles, Tile{X: x, Y: y, Z: z})
		}
	}
	return tiles
}
