package render

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"

	"terrainsrv/internal/grid"
	"terrainsrv/internal/quadtree"
	"terrainsrv/internal/terrain"
)

// Renderer draws navigation display frames and vertical profiles from one
// terrain database. A renderer keeps its own tree cache and is meant to be
// owned by a single worker.
type Renderer struct {
	cfg      Config
	db       *terrain.Database
	index    *quadtree.Index
	resolver *grid.Resolver
	now      func() time.Time
}

// NewRenderer creates a renderer over a loaded database
func NewRenderer(db *terrain.Database, cfg Config) (*Renderer, error) {
	if db == nil {
		return nil, fmt.Errorf("terrain database is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid render configuration: %w", err)
	}

	index, err := quadtree.NewIndex(db, cfg.TileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create elevation index: %w", err)
	}

	return &Renderer{
		cfg:      cfg,
		db:       db,
		index:    index,
		resolver: grid.NewResolver(db, cfg.Grid),
		now:      time.Now,
	}, nil
}

// Config returns the renderer settings
func (r *Renderer) Config() Config {
	return r.cfg
}

// Viewport returns the raster layout for a display view centred on the
// aircraft. Arc views put the aircraft at the bottom centre of a half
// height raster; rose and plan views centre it.
func (r *Renderer) Viewport(view NDView, status AircraftStatus) grid.Viewport {
	vp := grid.Viewport{
		Center:         orb.Point{status.Longitude, status.Latitude},
		Rows:           view.Rows(),
		Columns:        view.MaxWidth,
		MetersPerPixel: view.MeterPerPixel,
		AnchorColumn:   float64(view.MaxWidth) / 2,
		AnchorRow:      float64(view.Rows()) / 2,
	}
	if view.SemicircleRequired {
		vp.AnchorRow = float64(view.Rows())
	}
	if view.RotateAroundHeading {
		vp.Rotation = status.Heading
	}
	return vp
}

// RenderFrame draws one side's terrain raster. Inactive displays and
// invalid air data yield an empty frame; impossible geometry yields a
// RenderError.
func (r *Renderer) RenderFrame(status AircraftStatus, efis EfisData, side Side) (NDData, error) {
	frame := NDData{
		Timestamp:    r.now(),
		Side:         side,
		MinElevation: NoElevation,
		MaxElevation: NoElevation,
	}

	if err := status.Validate(); err != nil {
		return frame, renderErrorf(side, "frame", ErrNonFinite, "%v", err)
	}
	if err := efis.Validate(); err != nil {
		return frame, renderErrorf(side, "frame", ErrDegenerateGeometry, "%v", err)
	}
	if err := r.cfg.Limits.CheckEfis(efis); err != nil {
		return frame, &RenderError{Side: side, Op: "frame", Err: err}
	}
	if !efis.TerrainActive || !status.AdiruDataValid {
		return frame, nil
	}

	view := efis.View(side, status, r.cfg.DefaultWidth)
	width, height := view.MaxWidth, view.Rows()
	if width <= 0 || height <= 0 {
		return frame, renderErrorf(side, "frame", ErrDegenerateGeometry, "raster %dx%d", width, height)
	}
	if !finite(view.MeterPerPixel) || view.MeterPerPixel <= 0 {
		return frame, renderErrorf(side, "frame", ErrNonFinite, "meters per pixel %v", view.MeterPerPixel)
	}

	lookup := r.resolver.Resolve(r.Viewport(view, status))
	radius := view.ViewRadius * MetersPerNauticalMile

	elevations := make([]float64, len(lookup.Cells))
	for i, cell := range lookup.Cells {
		elevations[i] = math.NaN()
		if !cell.HasData() || float64(cell.Distance) > radius {
			continue
		}

		elevation, err := r.index.ElevationAtLevel(int(cell.Tile), float64(cell.LocalLat), float64(cell.LocalLon), int(cell.MaxLevel))
		if errors.Is(err, terrain.ErrNoData) {
			continue
		}
		if err != nil {
			return frame, &RenderError{Side: side, Op: "frame", Err: err}
		}
		elevations[i] = elevation
	}

	classifier := NewClassifier(r.cfg.Thresholds, status, efis.RenderingMode)
	if !finite(classifier.Reference()) {
		return frame, renderErrorf(side, "frame", ErrNonFinite, "reference altitude %v", classifier.Reference())
	}

	levels := make([]TerrainLevelMode, len(elevations))
	lowest, highest := math.Inf(1), math.Inf(-1)
	for i, elevation := range elevations {
		if math.IsNaN(elevation) {
			continue
		}

		levels[i] = classifier.Classify(elevation, r.cellPoint(lookup.Cells[i]))
		if levels[i] == LevelNone {
			continue
		}

		if elevation < lowest {
			lowest = elevation
			frame.MinElevationMode = levels[i]
		}
		if elevation > highest {
			highest = elevation
			frame.MaxElevationMode = levels[i]
		}
	}

	frame.Width = width
	frame.Height = height
	frame.Pixels = make([]byte, len(levels))
	if math.IsInf(lowest, 1) {
		return frame, nil
	}

	frame.MinElevation = clampElevation(math.Floor(lowest))
	frame.MaxElevation = clampElevation(math.Ceil(highest))

	for i, level := range levels {
		if level == LevelNone {
			continue
		}
		frame.Pixels[i] = byte(level)<<4 | density(elevations[i], lowest, highest)
	}

	return frame, nil
}

// cellPoint returns the geographic position of a resolved cell
func (r *Renderer) cellPoint(cell grid.Cell) orb.Point {
	t := r.db.Tiles[cell.Tile]
	return orb.Point{
		float64(t.Longitude) + float64(cell.LocalLon),
		float64(t.Latitude) + float64(cell.LocalLat),
	}
}

// clampElevation fits an elevation into int32 without reaching NoElevation
func clampElevation(v float64) int32 {
	return int32(math.Max(NoElevation+1, math.Min(math.MaxInt32, v)))
}

// density scales an elevation within the frame range to 0..15
func density(elevation, lowest, highest float64) byte {
	if highest <= lowest {
		return 0
	}
	d := math.Round((elevation - lowest) / (highest - lowest) * 15)
	return byte(math.Max(0, math.Min(15, d)))
}

// PixelLevel splits an encoded pixel into its level and density
func PixelLevel(pixel byte) (TerrainLevelMode, byte) {
	return TerrainLevelMode(pixel >> 4), pixel & 0x0F
}
