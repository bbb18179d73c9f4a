package render

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// ReferenceAltitude is the altitude terrain is compared against: the
// current altitude, or the altitude projected over the lookahead when the
// aircraft is descending
func (t Thresholds) ReferenceAltitude(status AircraftStatus) float64 {
	if status.VerticalSpeed >= 0 {
		return status.Altitude
	}
	descent := status.VerticalSpeed * FeetToMeters / 60 * t.LookaheadSeconds
	return status.Altitude + descent
}

// CautionBelow returns the caution band depth for a gear state
func (t Thresholds) CautionBelow(gearDown bool) float64 {
	if gearDown {
		return t.CautionBelowGearDown
	}
	return t.CautionBelowGearUp
}

// Classifier assigns a terrain level to elevations for one frame
type Classifier struct {
	thresholds  Thresholds
	reference   float64
	gearDown    bool
	peaks       bool
	destination orb.Point
	nearRunway  bool
}

// NewClassifier prepares classification for an aircraft state and mode
func NewClassifier(t Thresholds, status AircraftStatus, mode RenderingMode) *Classifier {
	return &Classifier{
		thresholds:  t,
		reference:   t.ReferenceAltitude(status),
		gearDown:    status.GearDown,
		peaks:       mode == RenderingModePeaks,
		destination: orb.Point{status.DestinationLongitude, status.DestinationLatitude},
		nearRunway:  status.GearDown && status.DestinationDataValid,
	}
}

// Reference returns the altitude elevations are compared against
func (c *Classifier) Reference() float64 {
	return c.reference
}

// Classify returns the level for terrain of the given elevation at p
func (c *Classifier) Classify(elevation float64, p orb.Point) TerrainLevelMode {
	if !finite(elevation) || elevation <= c.thresholds.WaterElevation {
		return LevelNone
	}

	rel := elevation - c.reference
	switch {
	case rel >= c.thresholds.WarningAbove:
		if c.nearRunway && geo.Distance(p, c.destination) <= c.thresholds.RunwayClearanceRadius*MetersPerNauticalMile {
			return LevelCaution
		}
		return LevelWarning
	case rel >= -c.thresholds.CautionBelow(c.gearDown):
		return LevelCaution
	case c.peaks && rel >= -c.thresholds.PeaksBelow:
		return LevelPeaks
	default:
		return LevelNone
	}
}
