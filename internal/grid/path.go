package grid

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// MetersPerNauticalMile converts nautical miles to meters
const MetersPerNauticalMile = 1852.0

// PathOptions controls profile resampling
type PathOptions struct {
	SampleDistance float64 `yaml:"sample_distance"` // NM between samples
	CoarseFactor   float64 `yaml:"coarse_factor"`   // sample spacing multiplier past the track change hint
}

// DefaultPathOptions returns the resampling defaults
func DefaultPathOptions() PathOptions {
	return PathOptions{
		SampleDistance: 0.25,
		CoarseFactor:   4,
	}
}

func (o PathOptions) normalized() PathOptions {
	if !(o.SampleDistance > 0) {
		o.SampleDistance = DefaultPathOptions().SampleDistance
	}
	if !(o.CoarseFactor >= 1) {
		o.CoarseFactor = 1
	}
	return o
}

// Path is a polyline to be profiled
type Path struct {
	Waypoints []orb.Point
	Width     float64 // NM, 0 for a single line
	// TrackChangesSignificantlyAtDistance is the distance along the path,
	// in NM, beyond which samples are spaced coarsely. Zero or negative
	// keeps fine spacing throughout.
	TrackChangesSignificantlyAtDistance float64
}

// Location is a position resolved to a tile
type Location struct {
	Point    orb.Point
	Tile     int32 // -1 for no data
	LocalLat float64
	LocalLon float64
}

// HasData reports whether a tile covers the location
func (l Location) HasData() bool {
	return l.Tile >= 0
}

// PathSample is one resampled position along a path. Points[0] is on the
// path itself; any further points span the lateral corridor.
type PathSample struct {
	Distance float64 // NM from the first waypoint
	Points   []Location
}

// Length returns the path length in NM
func (p Path) Length() float64 {
	var total float64
	for i := 1; i < len(p.Waypoints); i++ {
		total += geo.Distance(p.Waypoints[i-1], p.Waypoints[i])
	}
	return total / MetersPerNauticalMile
}

// SampleCount returns how many samples ResolvePath yields for a path,
// without resolving any of them
func SampleCount(path Path, opts PathOptions) int {
	if len(path.Waypoints) < 2 {
		return 0
	}
	opts = opts.normalized()
	total := path.Length()
	if !(total > 0) {
		return 0
	}

	fineEnd := total
	if hint := path.TrackChangesSignificantlyAtDistance; hint > 0 && hint < total {
		fineEnd = hint
	}
	n := math.Ceil(fineEnd / opts.SampleDistance)
	if rest := total - n*opts.SampleDistance; rest > 0 {
		n += math.Ceil(rest / (opts.SampleDistance * opts.CoarseFactor))
	}
	return int(math.Min(n+1, math.MaxInt32))
}

// CorridorPoints returns how many positions each sample of a path of the
// given width resolves
func CorridorPoints(width float64, opts PathOptions) int {
	if !(width > 0) {
		return 1
	}
	opts = opts.normalized()
	steps := math.Ceil(width / 2 / opts.SampleDistance)
	return int(math.Min(1+2*steps, math.MaxInt32))
}

// ResolvePath resamples a polyline at fixed intervals and resolves every
// sample, and its corridor when the path has a width, to tile positions.
// Samples are ordered by strictly increasing distance along the path;
// paths with fewer than two waypoints or no length yield nothing.
func (r *Resolver) ResolvePath(path Path, opts PathOptions) []PathSample {
	if len(path.Waypoints) < 2 {
		return nil
	}
	opts = opts.normalized()

	segments := make([]float64, len(path.Waypoints)-1)
	var total float64
	for i := range segments {
		segments[i] = geo.Distance(path.Waypoints[i], path.Waypoints[i+1]) / MetersPerNauticalMile
		total += segments[i]
	}
	if !(total > 0) {
		return nil
	}

	var distances []float64
	for d := 0.0; d < total; {
		distances = append(distances, d)
		if path.TrackChangesSignificantlyAtDistance > 0 && d >= path.TrackChangesSignificantlyAtDistance {
			d += opts.SampleDistance * opts.CoarseFactor
		} else {
			d += opts.SampleDistance
		}
	}
	distances = append(distances, total)

	samples := make([]PathSample, len(distances))
	seg, segStart := 0, 0.0
	for i, d := range distances {
		for seg < len(segments)-1 && d > segStart+segments[seg] {
			segStart += segments[seg]
			seg++
		}

		from, to := path.Waypoints[seg], path.Waypoints[seg+1]
		track := geo.Bearing(from, to)
		center := geo.PointAtBearingAndDistance(from, track, (d-segStart)*MetersPerNauticalMile)

		samples[i] = PathSample{
			Distance: d,
			Points:   r.corridor(center, track, path.Width, opts.SampleDistance),
		}
	}

	return samples
}

// corridor resolves the centre point and the lateral points across a band
// of the given width perpendicular to the track
func (r *Resolver) corridor(center orb.Point, track, width, spacing float64) []Location {
	points := []Location{r.Locate(center)}
	if !(width > 0) {
		return points
	}

	half := width / 2
	steps := int(math.Ceil(half / spacing))
	for k := 1; k <= steps; k++ {
		offset := math.Min(float64(k)*spacing, half) * MetersPerNauticalMile
		points = append(points,
			r.Locate(geo.PointAtBearingAndDistance(center, track-90, offset)),
			r.Locate(geo.PointAtBearingAndDistance(center, track+90, offset)))
	}
	return points
}
