package grid

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"terrainsrv/internal/terrain"
)

// MetersPerDegreeLatitude is the length of one degree of latitude
const MetersPerDegreeLatitude = 111320.0

// Options guards the sampling resolution
type Options struct {
	// MinWidthPerTile and MinHeightPerTile are the smallest on-screen tile
	// size, in pixels, assumed when choosing how deep to descend a tile's
	// quadtree. They keep far zoomed out views from collapsing every tile
	// to its root value.
	MinWidthPerTile  float64 `yaml:"min_width_per_tile"`
	MinHeightPerTile float64 `yaml:"min_height_per_tile"`
}

// DefaultOptions returns the resolver defaults
func DefaultOptions() Options {
	return Options{
		MinWidthPerTile:  4,
		MinHeightPerTile: 4,
	}
}

// Viewport describes a raster laid over the earth around a centre point
type Viewport struct {
	Center         orb.Point
	Rows           int
	Columns        int
	MetersPerPixel float64
	// Rotation is the true bearing, in degrees, that points up the raster
	Rotation float64
	// AnchorRow and AnchorColumn give the pixel position of Center
	AnchorRow    float64
	AnchorColumn float64
}

// Cell is the terrain lookup for one raster pixel
type Cell struct {
	Tile     int32 // -1 for no data
	LocalLat float32
	LocalLon float32
	MaxLevel uint8
	Distance float32 // meters from the viewport centre
}

// HasData reports whether a tile covers the cell
func (c Cell) HasData() bool {
	return c.Tile >= 0
}

// LookupData maps every pixel of a viewport to a tile position
type LookupData struct {
	Rows             int
	Columns          int
	Cells            []Cell
	MinWidthPerTile  float64
	MinHeightPerTile float64
}

// At returns the cell of a pixel
func (d *LookupData) At(row, col int) Cell {
	return d.Cells[row*d.Columns+col]
}

// Resolver maps viewports and paths onto the tiles of a database
type Resolver struct {
	db   *terrain.Database
	opts Options
}

// NewResolver creates a resolver over db
func NewResolver(db *terrain.Database, opts Options) *Resolver {
	if opts.MinWidthPerTile < 1 {
		opts.MinWidthPerTile = 1
	}
	if opts.MinHeightPerTile < 1 {
		opts.MinHeightPerTile = 1
	}
	return &Resolver{db: db, opts: opts}
}

// Resolve projects every pixel of the viewport onto the database. It never
// fails: pixels beyond the poles, outside the database bounds or over
// cells without a tile are marked as no data.
func (r *Resolver) Resolve(vp Viewport) LookupData {
	data := LookupData{
		Rows:             max(vp.Rows, 0),
		Columns:          max(vp.Columns, 0),
		MinWidthPerTile:  r.opts.MinWidthPerTile,
		MinHeightPerTile: r.opts.MinHeightPerTile,
	}
	data.Cells = make([]Cell, data.Rows*data.Columns)

	valid := vp.MetersPerPixel > 0 && !math.IsInf(vp.MetersPerPixel, 0) &&
		!math.IsNaN(vp.Center.Lat()) && !math.IsNaN(vp.Center.Lon()) && !math.IsNaN(vp.Rotation)

	for row := 0; row < data.Rows; row++ {
		for col := 0; col < data.Columns; col++ {
			i := row*data.Columns + col
			if !valid {
				data.Cells[i] = Cell{Tile: -1}
				continue
			}

			dx := (float64(col) + 0.5 - vp.AnchorColumn) * vp.MetersPerPixel
			dy := (vp.AnchorRow - (float64(row) + 0.5)) * vp.MetersPerPixel
			distance := math.Hypot(dx, dy)
			bearing := vp.Rotation + math.Atan2(dx, dy)*180/math.Pi

			p := geo.PointAtBearingAndDistance(vp.Center, bearing, distance)
			data.Cells[i] = r.locate(p, vp.MetersPerPixel)
			data.Cells[i].Distance = float32(distance)
		}
	}

	return data
}

// Locate resolves a single position
func (r *Resolver) Locate(p orb.Point) Location {
	loc := Location{Point: p, Tile: -1}
	tile, localLat, localLon, ok := r.db.TileAt(p.Lat(), p.Lon())
	if ok {
		loc.Tile = int32(tile)
		loc.LocalLat = localLat
		loc.LocalLon = localLon
	}
	return loc
}

// locate resolves a position sampled at the given pixel size
func (r *Resolver) locate(p orb.Point, metersPerPixel float64) Cell {
	lat := p.Lat()
	if lat > 90 || lat < -90 {
		return Cell{Tile: -1}
	}

	tile, localLat, localLon, ok := r.db.TileAt(lat, p.Lon())
	if !ok {
		return Cell{Tile: -1}
	}

	return Cell{
		Tile:     int32(tile),
		LocalLat: float32(localLat),
		LocalLon: float32(localLon),
		MaxLevel: r.maxLevel(lat, metersPerPixel),
	}
}

// maxLevel returns the deepest quadtree level still larger than a pixel
func (r *Resolver) maxLevel(lat, metersPerPixel float64) uint8 {
	height := float64(r.db.LatitudinalStep) * MetersPerDegreeLatitude / metersPerPixel
	width := float64(r.db.LongitudinalStep) * MetersPerDegreeLatitude * math.Cos(lat*math.Pi/180) / metersPerPixel

	size := math.Max(math.Max(width, r.opts.MinWidthPerTile), math.Max(height, r.opts.MinHeightPerTile))
	level := math.Ceil(math.Log2(size))
	return uint8(math.Max(0, math.Min(terrain.MaxTreeLevel, level)))
}
