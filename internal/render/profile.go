package render

import (
	"errors"
	"math"

	"github.com/paulmach/orb"

	"terrainsrv/internal/grid"
	"terrainsrv/internal/terrain"
)

// GridPath converts the path to geographic points for resampling
func (p VerticalPathData) GridPath() grid.Path {
	points := make([]orb.Point, len(p.Waypoints))
	for i, wp := range p.Waypoints {
		points[i] = orb.Point{wp.Longitude, wp.Latitude}
	}
	return grid.Path{
		Waypoints:                           points,
		Width:                               p.PathWidth,
		TrackChangesSignificantlyAtDistance: p.TrackChangesSignificantlyAtDistance,
	}
}

// RenderProfile samples terrain along a vertical display path. Each
// sample is the highest elevation across the path corridor, or 0 where
// there is no data.
func (r *Renderer) RenderProfile(path VerticalPathData) (Profile, error) {
	if len(path.Waypoints) < 2 {
		return Profile{}, renderErrorf("", "profile", ErrDegenerateGeometry, "%d waypoints", len(path.Waypoints))
	}
	if !finite(path.PathWidth) || path.PathWidth < 0 {
		return Profile{}, renderErrorf("", "profile", ErrNonFinite, "path width %v", path.PathWidth)
	}

	for i, wp := range path.Waypoints {
		if !finite(wp.Latitude) || !finite(wp.Longitude) || wp.Latitude < -90 || wp.Latitude > 90 {
			return Profile{}, renderErrorf("", "profile", ErrNonFinite, "waypoint %d at %v,%v", i, wp.Latitude, wp.Longitude)
		}
	}
	if err := r.cfg.Limits.CheckPath(path, r.cfg.Profile); err != nil {
		return Profile{}, &RenderError{Op: "profile", Err: err}
	}

	samples := r.resolver.ResolvePath(path.GridPath(), r.cfg.Profile)
	if len(samples) < 2 {
		return Profile{}, renderErrorf("", "profile", ErrDegenerateGeometry, "path has no length")
	}

	profile := Profile{
		Distances:  make([]float64, len(samples)),
		Elevations: make([]float64, len(samples)),
	}
	for i, sample := range samples {
		highest := math.Inf(-1)
		for _, loc := range sample.Points {
			if !loc.HasData() {
				continue
			}
			elevation, err := r.index.ElevationAt(int(loc.Tile), loc.LocalLat, loc.LocalLon)
			if errors.Is(err, terrain.ErrNoData) {
				continue
			}
			if err != nil {
				return Profile{}, &RenderError{Op: "profile", Err: err}
			}
			highest = math.Max(highest, elevation)
		}
		if math.IsInf(highest, -1) {
			highest = 0
		}

		if !finite(sample.Distance) {
			return Profile{}, renderErrorf("", "profile", ErrNonFinite, "sample %d distance", i)
		}
		profile.Distances[i] = sample.Distance
		profile.Elevations[i] = highest
	}

	return profile, nil
}
