package render

import (
	"fmt"
	"math"
	"time"
)

// Unit conversions
const (
	FeetToMeters          = 0.3048
	MetersPerNauticalMile = 1852.0
)

// Side identifies a display side
type Side string

// Display sides
const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// Valid reports whether s is a known display side
func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

// NDMode is the navigation display format
type NDMode uint8

// Navigation display formats
const (
	ModeArc  NDMode = iota // forward semicircle, heading up
	ModeRose               // full circle, heading up
	ModePlan               // full circle, north up
)

func (m NDMode) String() string {
	switch m {
	case ModeArc:
		return "ARC"
	case ModeRose:
		return "ROSE"
	case ModePlan:
		return "PLAN"
	default:
		return fmt.Sprintf("NDMode(%d)", m)
	}
}

// RenderingMode selects which terrain is drawn
type RenderingMode uint8

// Rendering modes
const (
	// RenderingModeEGPWS draws only caution and warning terrain
	RenderingModeEGPWS RenderingMode = iota
	// RenderingModePeaks also draws terrain below the caution band
	RenderingModePeaks
)

// TerrainLevelMode classifies a terrain pixel
type TerrainLevelMode uint8

// Terrain levels. LevelNone marks transparent pixels.
const (
	LevelNone TerrainLevelMode = iota
	LevelPeaks
	LevelWarning
	LevelCaution
)

func (l TerrainLevelMode) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelPeaks:
		return "PEAKS"
	case LevelWarning:
		return "WARNING"
	case LevelCaution:
		return "CAUTION"
	default:
		return fmt.Sprintf("TerrainLevelMode(%d)", l)
	}
}

// NoElevation is reported when a frame has no classified pixels
const NoElevation = math.MinInt32

// AircraftStatus is the aircraft state used for one render
type AircraftStatus struct {
	Latitude             float64 `json:"latitude"`
	Longitude            float64 `json:"longitude"`
	Altitude             float64 `json:"altitude"`      // meters MSL
	Heading              float64 `json:"heading"`       // degrees true
	VerticalSpeed        float64 `json:"verticalSpeed"` // feet per minute
	GearDown             bool    `json:"gearDown"`
	AdiruDataValid       bool    `json:"adiruDataValid"`
	DestinationDataValid bool    `json:"destinationDataValid"`
	DestinationLatitude  float64 `json:"destinationLatitude"`
	DestinationLongitude float64 `json:"destinationLongitude"`
}

// Validate rejects non-finite or impossible positions
func (s AircraftStatus) Validate() error {
	for name, v := range map[string]float64{
		"latitude":       s.Latitude,
		"longitude":      s.Longitude,
		"altitude":       s.Altitude,
		"heading":        s.Heading,
		"vertical speed": s.VerticalSpeed,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not finite", name)
		}
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range", s.Latitude)
	}
	if s.DestinationDataValid && (!finite(s.DestinationLatitude) || !finite(s.DestinationLongitude)) {
		return fmt.Errorf("destination position is not finite")
	}
	return nil
}

// EfisData is one side's display configuration
type EfisData struct {
	Range         float64       `json:"range"` // NM
	Mode          NDMode        `json:"mode"`
	TerrainActive bool          `json:"terrainActive"`
	RenderingMode RenderingMode `json:"renderingMode"`
	MaxWidth      int           `json:"maxWidth,omitempty"` // pixels, 0 for the configured default
}

// Validate rejects impossible display configurations
func (e EfisData) Validate() error {
	if !finite(e.Range) || e.Range <= 0 {
		return fmt.Errorf("range %v must be positive", e.Range)
	}
	if e.Mode > ModePlan {
		return fmt.Errorf("unknown display mode %d", e.Mode)
	}
	if e.RenderingMode > RenderingModePeaks {
		return fmt.Errorf("unknown rendering mode %d", e.RenderingMode)
	}
	if e.MaxWidth < 0 {
		return fmt.Errorf("negative width %d", e.MaxWidth)
	}
	return nil
}

// NDView is the raster geometry derived from an EFIS configuration
type NDView struct {
	Display             Side    `json:"display"`
	Active              bool    `json:"active"`
	ViewRadius          float64 `json:"viewRadius"` // NM
	MaxWidth            int     `json:"maxWidth"`
	MeterPerPixel       float64 `json:"meterPerPixel"`
	RotateAroundHeading bool    `json:"rotateAroundHeading"`
	SemicircleRequired  bool    `json:"semicircleRequired"`
	GearDown            bool    `json:"gearDown"`
}

// View derives the raster geometry for a side
func (e EfisData) View(side Side, status AircraftStatus, defaultWidth int) NDView {
	v := NDView{
		Display:             side,
		Active:              e.TerrainActive,
		ViewRadius:          e.Range,
		MaxWidth:            e.MaxWidth,
		RotateAroundHeading: e.Mode != ModePlan,
		SemicircleRequired:  e.Mode == ModeArc,
		GearDown:            status.GearDown,
	}
	if v.MaxWidth == 0 {
		v.MaxWidth = defaultWidth
	}
	if e.Mode != ModeArc {
		v.ViewRadius = e.Range / 2
	}
	if v.MaxWidth > 0 {
		v.MeterPerPixel = v.ViewRadius * MetersPerNauticalMile / (float64(v.MaxWidth) / 2)
	}
	return v
}

// Rows returns the raster height of the view
func (v NDView) Rows() int {
	if v.SemicircleRequired {
		return v.MaxWidth / 2
	}
	return v.MaxWidth
}

// Waypoint is a point of a vertical display path
type Waypoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VerticalPathData is the path a vertical display profile follows
type VerticalPathData struct {
	Waypoints                           []Waypoint `json:"waypoints"`
	PathWidth                           float64    `json:"pathWidth"` // NM
	TrackChangesSignificantlyAtDistance float64    `json:"trackChangesSignificantlyAtDistance"`
}

// NDData is one rendered navigation display frame
type NDData struct {
	Timestamp        time.Time        `json:"timestamp"`
	Side             Side             `json:"side"`
	Width            int              `json:"width"`
	Height           int              `json:"height"`
	Pixels           []byte           `json:"-"`
	MinElevation     int32            `json:"minElevation"`
	MaxElevation     int32            `json:"maxElevation"`
	MinElevationMode TerrainLevelMode `json:"minElevationMode"`
	MaxElevationMode TerrainLevelMode `json:"maxElevationMode"`
}

// Empty reports whether the frame carries no raster
func (d NDData) Empty() bool {
	return d.Width == 0 || d.Height == 0
}

// NDMap is the map payload handed to the API layer
type NDMap struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels string `json:"pixels"`
}

// NDTerrainData is the elevation summary payload handed to the API layer
type NDTerrainData struct {
	MinElevation int32 `json:"minElevation"`
	MaxElevation int32 `json:"maxElevation"`
}

// Map returns the frame's map payload
func (d NDData) Map() NDMap {
	return NDMap{Width: d.Width, Height: d.Height, Pixels: EncodeRaster(d.Pixels)}
}

// TerrainData returns the frame's elevation summary payload
func (d NDData) TerrainData() NDTerrainData {
	return NDTerrainData{MinElevation: d.MinElevation, MaxElevation: d.MaxElevation}
}

// Profile is a vertical display elevation profile
type Profile struct {
	Distances  []float64 `json:"distances"`  // NM along the path
	Elevations []float64 `json:"elevations"` // meters
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
