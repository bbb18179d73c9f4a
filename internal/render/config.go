package render

import (
	"fmt"

	"terrainsrv/internal/grid"
)

// Thresholds are the terrain classification margins, in meters unless
// noted. They vary with gear state and rendering mode and come from
// configuration.
type Thresholds struct {
	// WarningAbove is how far above the reference altitude terrain turns
	// to warning
	WarningAbove float64 `yaml:"warning_above"`
	// CautionBelowGearUp and CautionBelowGearDown are how far below the
	// reference altitude terrain is still caution
	CautionBelowGearUp   float64 `yaml:"caution_below_gear_up"`
	CautionBelowGearDown float64 `yaml:"caution_below_gear_down"`
	// PeaksBelow is how far below the reference altitude terrain is still
	// drawn in peaks mode
	PeaksBelow float64 `yaml:"peaks_below"`
	// WaterElevation and below is never drawn
	WaterElevation float64 `yaml:"water_elevation"`
	// LookaheadSeconds projects a descent forward to lower the reference
	// altitude
	LookaheadSeconds float64 `yaml:"lookahead_seconds"`
	// RunwayClearanceRadius, in NM, around a valid destination inside
	// which warnings are shown as cautions with the gear down
	RunwayClearanceRadius float64 `yaml:"runway_clearance_radius"`
}

// DefaultThresholds returns margins modelled on EGPWS terrain display bands
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningAbove:          2000 * FeetToMeters,
		CautionBelowGearUp:    500 * FeetToMeters,
		CautionBelowGearDown:  250 * FeetToMeters,
		PeaksBelow:            8000 * FeetToMeters,
		WaterElevation:        0,
		LookaheadSeconds:      30,
		RunwayClearanceRadius: 1.5,
	}
}

// Validate checks the margins are usable
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"warning_above":           t.WarningAbove,
		"caution_below_gear_up":   t.CautionBelowGearUp,
		"caution_below_gear_down": t.CautionBelowGearDown,
		"peaks_below":             t.PeaksBelow,
		"lookahead_seconds":       t.LookaheadSeconds,
		"runway_clearance_radius": t.RunwayClearanceRadius,
	} {
		if !finite(v) || v < 0 {
			return fmt.Errorf("threshold %s must be a non-negative number, got %v", name, v)
		}
	}
	if !finite(t.WaterElevation) {
		return fmt.Errorf("threshold water_elevation is not finite")
	}
	return nil
}

// Limits bound the work a single request can ask of a renderer
type Limits struct {
	MaxRasterWidth    int     `yaml:"max_raster_width"`    // pixels
	MaxPathWidth      float64 `yaml:"max_path_width"`      // NM
	MaxProfileSamples int     `yaml:"max_profile_samples"` // samples along one path
	// MaxProfilePoints bounds the elevation lookups of one path, corridor
	// points included
	MaxProfilePoints int `yaml:"max_profile_points"`
}

// DefaultLimits returns request limits sized for cockpit displays
func DefaultLimits() Limits {
	return Limits{
		MaxRasterWidth:    2048,
		MaxPathWidth:      20,
		MaxProfileSamples: 4096,
		MaxProfilePoints:  1 << 19,
	}
}

// Validate checks every limit is set
func (l Limits) Validate() error {
	if l.MaxRasterWidth < 2 {
		return fmt.Errorf("max raster width %d too small", l.MaxRasterWidth)
	}
	if !finite(l.MaxPathWidth) || l.MaxPathWidth < 0 {
		return fmt.Errorf("max path width %v must be a non-negative number", l.MaxPathWidth)
	}
	if l.MaxProfileSamples < 2 {
		return fmt.Errorf("max profile samples %d too small", l.MaxProfileSamples)
	}
	if l.MaxProfilePoints < l.MaxProfileSamples {
		return fmt.Errorf("max profile points %d below max profile samples %d", l.MaxProfilePoints, l.MaxProfileSamples)
	}
	return nil
}

// CheckEfis rejects a display wider than the raster limit. A zero width
// stands for the configured default, which Config.Validate keeps in range.
func (l Limits) CheckEfis(e EfisData) error {
	if e.MaxWidth > l.MaxRasterWidth {
		return fmt.Errorf("%w: width %d above limit %d", ErrTooLarge, e.MaxWidth, l.MaxRasterWidth)
	}
	return nil
}

// CheckPath rejects a profile path that would sample more than the limits
// allow at the given spacing
func (l Limits) CheckPath(path VerticalPathData, opts grid.PathOptions) error {
	if path.PathWidth > l.MaxPathWidth {
		return fmt.Errorf("%w: path width %v NM above limit %v", ErrTooLarge, path.PathWidth, l.MaxPathWidth)
	}

	samples := grid.SampleCount(path.GridPath(), opts)
	if samples > l.MaxProfileSamples {
		return fmt.Errorf("%w: %d profile samples above limit %d", ErrTooLarge, samples, l.MaxProfileSamples)
	}
	points := float64(samples) * float64(grid.CorridorPoints(path.PathWidth, opts))
	if points > float64(l.MaxProfilePoints) {
		return fmt.Errorf("%w: %.0f profile lookups above limit %d", ErrTooLarge, points, l.MaxProfilePoints)
	}
	return nil
}

// Config holds renderer settings
type Config struct {
	Thresholds    Thresholds       `yaml:"thresholds"`
	Limits        Limits           `yaml:"limits"`
	Grid          grid.Options     `yaml:"grid"`
	Profile       grid.PathOptions `yaml:"profile"`
	DefaultWidth  int              `yaml:"default_width"`   // pixels
	TileCacheSize int              `yaml:"tile_cache_size"` // decoded trees per worker
}

// DefaultConfig returns the renderer defaults
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		Limits:        DefaultLimits(),
		Grid:          grid.DefaultOptions(),
		Profile:       grid.DefaultPathOptions(),
		DefaultWidth:  768,
		TileCacheSize: 256,
	}
}

// Validate checks the renderer settings
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.DefaultWidth < 2 {
		return fmt.Errorf("default width %d too small", c.DefaultWidth)
	}
	if c.DefaultWidth > c.Limits.MaxRasterWidth {
		return fmt.Errorf("default width %d above max raster width %d", c.DefaultWidth, c.Limits.MaxRasterWidth)
	}
	if !(c.Profile.SampleDistance > 0) {
		return fmt.Errorf("profile sample distance must be positive")
	}
	if c.Profile.CoarseFactor < 1 {
		return fmt.Errorf("profile coarse factor must be at least 1")
	}
	return nil
}
