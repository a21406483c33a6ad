package tilemath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridTiles(z, x0, y0, w, h int) []Tile {
	var tiles []Tile
	for x := x0; x < x0+w; x++ {
		for y := y0; y < y0+h; y++ {
			tiles = append(tiles, Tile{X: x, Y: y, Z: z})
		}
	}
	return tiles
}

func TestGroupTiles_FullGridSplits(t *testing.T) {
	tiles := gridTiles(12, 100, 200, 4, 4)
	mosaics := GroupTiles(tiles, 2)

	require.Len(t, mosaics, 4)
	total := 0
	seen := map[Tile]int{}
	for _, m := range mosaics {
		assert.LessOrEqual(t, m.MaxX-m.MinX+1, 2)
		assert.LessOrEqual(t, m.MaxY-m.MinY+1, 2)
		total += len(m.Tiles)
		for _, tl := range m.Tiles {
			seen[tl]++
		}
	}
	// Every tile in exactly one mosaic.
	assert.Equal(t, 16, total)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestGroupTiles_SingleTile(t *testing.T) {
	mosaics := GroupTiles([]Tile{{X: 5, Y: 6, Z: 10}}, 4)
	require.Len(t, mosaics, 1)
	assert.Equal(t, "10_5_6_5_6", mosaics[0].GridKey())
	assert.Equal(t, TileBBox(5, 6, 10), mosaics[0].BBox)
}

func TestGroupTiles_SeparatesZooms(t *testing.T) {
	tiles := []Tile{
		{X: 10, Y: 10, Z: 12},
		{X: 11, Y: 10, Z: 12},
		{X: 10, Y: 10, Z: 13},
		{X: 11, Y: 10, Z: 13},
	}
	mosaics := GroupTiles(tiles, 4)
	require.Len(t, mosaics, 2)
	for _, m := range mosaics {
		for _, tl := range m.Tiles {
			assert.Equal(t, m.Zoom, tl.Z)
		}
	}
}

func TestGroupTiles_SparseTilesStayAlone(t *testing.T) {
	tiles := []Tile{
		{X: 0, Y: 0, Z: 10},
		{X: 5, Y: 5, Z: 10},
		{X: 9, Y: 0, Z: 10},
	}
	mosaics := GroupTiles(tiles, 4)
	assert.Len(t, mosaics, 3)
}

func TestGroupTiles_BBoxIsUnion(t *testing.T) {
	tiles := gridTiles(11, 300, 400, 3, 3)
	mosaics := GroupTiles(tiles, 3)
	require.Len(t, mosaics, 1)

	m := mosaics[0]
	want := TileBBox(300, 400, 11).Union(TileBBox(302, 402, 11))
	assert.InDelta(t, want.West, m.BBox.West, 1e-9)
	assert.InDelta(t, want.East, m.BBox.East, 1e-9)
	assert.InDelta(t, want.North, m.BBox.North, 1e-9)
	assert.InDelta(t, want.South, m.BBox.South, 1e-9)
}

func TestGroupTiles_Empty(t *testing.T) {
	assert.Empty(t, GroupTiles(nil, 4))
}

func TestTilesForBBox(t *testing.T) {
	b := TileBBox(512, 384, 10)
	tiles := TilesForBBox(b, 10)
	require.NotEmpty(t, tiles)

	found := false
	for _, tl := range tiles {
		if tl.X == 512 && tl.Y == 384 {
			found = true
		}
		assert.Equal(t, 10, tl.Z)
	}
	assert.True(t, found)
}
