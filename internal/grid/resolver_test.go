package grid

import (
	"bytes"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrainsrv/internal/terrain"
)

// newDatabase builds a 1 degree global grid with flat tiles at the given corners
func newDatabase(t *testing.T, corners [][2]int) *terrain.Database {
	t.Helper()

	w := terrain.NewWriter(terrain.Header{
		MostNorth:           90,
		MostSouth:           -90,
		MostWest:            -180,
		MostEast:            180,
		LatitudinalStep:     1,
		LongitudinalStep:    1,
		ElevationResolution: 30,
	})
	for _, c := range corners {
		w.AddTile(terrain.FlatTile(int8(c[0]), int16(c[1]), 0, 1))
	}
	data := w.Bytes()

	db, err := terrain.Parse(bytes.NewReader(data), int64(len(data)), terrain.DefaultOptions())
	require.NoError(t, err)
	return db
}

// block returns the corners of every tile in [lat0, lat1) x [lon0, lon1)
func block(lat0, lat1, lon0, lon1 int) [][2]int {
	var corners [][2]int
	for lat := lat0; lat < lat1; lat++ {
		for lon := lon0; lon < lon1; lon++ {
			corners = append(corners, [2]int{lat, lon})
		}
	}
	return corners
}

// TestResolve_Coverage checks that every pixel of a viewport inside the data maps to one tile
func TestResolve_Coverage(t *testing.T) {
	db := newDatabase(t, block(45, 50, 8, 15))
	r := NewResolver(db, DefaultOptions())

	vp := Viewport{
		Center:         orb.Point{11.5, 47.5},
		Rows:           64,
		Columns:        96,
		MetersPerPixel: 500,
		Rotation:       35,
		AnchorRow:      32,
		AnchorColumn:   48,
	}
	data := r.Resolve(vp)

	require.Equal(t, 64, data.Rows)
	require.Equal(t, 96, data.Columns)
	require.Len(t, data.Cells, 64*96)

	for i, cell := range data.Cells {
		require.True(t, cell.HasData(), "cell %d unmapped", i)
		assert.GreaterOrEqual(t, cell.LocalLat, float32(0))
		assert.LessOrEqual(t, cell.LocalLat, float32(1))
		assert.GreaterOrEqual(t, cell.LocalLon, float32(0))
		assert.LessOrEqual(t, cell.LocalLon, float32(1))
	}

	// the anchor pixel is over the centre tile
	centre := data.At(32, 48)
	assert.True(t, db.TileExtent(int(centre.Tile)).Contains(vp.Center))
	assert.Less(t, centre.Distance, float32(500))
}

// TestResolve_NoData tests viewports over cells without tiles
func TestResolve_NoData(t *testing.T) {
	db := newDatabase(t, block(45, 46, 8, 9))
	r := NewResolver(db, DefaultOptions())

	data := r.Resolve(Viewport{
		Center:         orb.Point{-30, 0},
		Rows:           16,
		Columns:        16,
		MetersPerPixel: 1000,
		AnchorRow:      8,
		AnchorColumn:   8,
	})
	for _, cell := range data.Cells {
		assert.False(t, cell.HasData())
	}

	broken := r.Resolve(Viewport{Center: orb.Point{8.5, 45.5}, Rows: 4, Columns: 4})
	require.Len(t, broken.Cells, 16)
	for _, cell := range broken.Cells {
		assert.False(t, cell.HasData(), "zero pixel size maps nothing")
	}
}

// TestResolve_Antimeridian tests wrapping across 180 degrees of longitude
func TestResolve_Antimeridian(t *testing.T) {
	db := newDatabase(t, [][2]int{{0, 179}, {0, -180}})
	r := NewResolver(db, DefaultOptions())

	data := r.Resolve(Viewport{
		Center:         orb.Point{179.99, 0.5},
		Rows:           8,
		Columns:        32,
		MetersPerPixel: 200,
		AnchorRow:      4,
		AnchorColumn:   16,
	})

	west, east := data.At(4, 0), data.At(4, 31)
	require.True(t, west.HasData())
	require.True(t, east.HasData())
	assert.Equal(t, int16(179), db.Tiles[west.Tile].Longitude)
	assert.Equal(t, int16(-180), db.Tiles[east.Tile].Longitude)

	for _, cell := range data.Cells {
		assert.True(t, cell.HasData())
	}
}

// TestResolve_Pole tests a viewport that reaches over the north pole
func TestResolve_Pole(t *testing.T) {
	db := newDatabase(t, block(89, 90, -180, 180))
	r := NewResolver(db, DefaultOptions())

	data := r.Resolve(Viewport{
		Center:         orb.Point{0, 89.95},
		Rows:           32,
		Columns:        32,
		MetersPerPixel: 1000,
		AnchorRow:      16,
		AnchorColumn:   16,
	})
	for _, cell := range data.Cells {
		assert.True(t, cell.HasData())
	}
}

// TestResolve_Rotation tests that the raster turns with the rotation
func TestResolve_Rotation(t *testing.T) {
	db := newDatabase(t, [][2]int{{47, 11}, {47, 12}})
	r := NewResolver(db, DefaultOptions())

	vp := Viewport{
		Center:         orb.Point{11.99, 47.5},
		Rows:           41,
		Columns:        41,
		MetersPerPixel: 100,
		AnchorRow:      20.5,
		AnchorColumn:   20.5,
	}

	northUpData := r.Resolve(vp)
	northUp := northUpData.At(0, 20)
	assert.Equal(t, int16(11), db.Tiles[northUp.Tile].Longitude)

	vp.Rotation = 90
	eastUpData := r.Resolve(vp)
	eastUp := eastUpData.At(0, 20)
	assert.Equal(t, int16(12), db.Tiles[eastUp.Tile].Longitude)
}

// TestResolve_MaxLevel tests the quadtree depth clamp
func TestResolve_MaxLevel(t *testing.T) {
	db := newDatabase(t, block(0, 2, 0, 2))
	r := NewResolver(db, Options{MinWidthPerTile: 8, MinHeightPerTile: 8})

	zoomedOut := r.Resolve(Viewport{Center: orb.Point{1, 1}, Rows: 1, Columns: 1, MetersPerPixel: 1e6, AnchorRow: 0.5, AnchorColumn: 0.5})
	assert.Equal(t, uint8(3), zoomedOut.Cells[0].MaxLevel)

	zoomedIn := r.Resolve(Viewport{Center: orb.Point{1, 1}, Rows: 1, Columns: 1, MetersPerPixel: 10, AnchorRow: 0.5, AnchorColumn: 0.5})
	assert.Equal(t, uint8(14), zoomedIn.Cells[0].MaxLevel)

	tiny := r.Resolve(Viewport{Center: orb.Point{1, 1}, Rows: 1, Columns: 1, MetersPerPixel: 0.01, AnchorRow: 0.5, AnchorColumn: 0.5})
	assert.Equal(t, uint8(terrain.MaxTreeLevel), tiny.Cells[0].MaxLevel)
}
