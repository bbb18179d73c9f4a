package dispatch

import (
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"terrainsrv/internal/grid"
	"terrainsrv/internal/render"
)

// RenderingData is the envelope handed to the API layer: one timestamp,
// taken when the envelope is assembled, and one frame per side
type RenderingData struct {
	Timestamp time.Time `json:"timestamp"`
	Frames    []Frame   `json:"frames"`
}

// Frame is one side's slot in an envelope
type Frame struct {
	Side             render.Side             `json:"side"`
	Sequence         uint64                  `json:"sequence"`
	Stale            bool                    `json:"stale"`
	Map              render.NDMap            `json:"map"`
	Terrain          render.NDTerrainData    `json:"terrain"`
	MinElevationMode render.TerrainLevelMode `json:"minElevationMode"`
	MaxElevationMode render.TerrainLevelMode `json:"maxElevationMode"`
	Data             render.NDData           `json:"-"`
}

func newFrame(d render.NDData, sequence uint64, stale bool) Frame {
	return Frame{
		Side:             d.Side,
		Sequence:         sequence,
		Stale:            stale,
		Map:              d.Map(),
		Terrain:          d.TerrainData(),
		MinElevationMode: d.MinElevationMode,
		MaxElevationMode: d.MaxElevationMode,
		Data:             d,
	}
}

// Frame returns the frame of a side
func (r RenderingData) Frame(side render.Side) (Frame, bool) {
	for _, f := range r.Frames {
		if f.Side == side {
			return f, true
		}
	}
	return Frame{}, false
}

type envelopeRecord struct {
	Timestamp time.Time `msgpack:"ts"`
	Sequences []uint64  `msgpack:"seq"`
	Stale     []bool    `msgpack:"stale"`
	Frames    [][]byte  `msgpack:"frames"`
}

// EncodeEnvelope serializes an envelope with every frame in its binary
// encoding
func EncodeEnvelope(r RenderingData) ([]byte, error) {
	rec := envelopeRecord{Timestamp: r.Timestamp}
	for _, f := range r.Frames {
		b, err := render.EncodeFrame(f.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame for side %s: %w", f.Side, err)
		}
		rec.Frames = append(rec.Frames, b)
		rec.Sequences = append(rec.Sequences, f.Sequence)
		rec.Stale = append(rec.Stale, f.Stale)
	}

	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope reverses EncodeEnvelope
func DecodeEnvelope(b []byte) (RenderingData, error) {
	var rec envelopeRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return RenderingData{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if len(rec.Sequences) != len(rec.Frames) || len(rec.Stale) != len(rec.Frames) {
		return RenderingData{}, fmt.Errorf("envelope has %d frames but %d sequences", len(rec.Frames), len(rec.Sequences))
	}

	r := RenderingData{Timestamp: rec.Timestamp}
	for i, b := range rec.Frames {
		d, err := render.DecodeFrame(b)
		if err != nil {
			return RenderingData{}, err
		}
		r.Frames = append(r.Frames, newFrame(d, rec.Sequences[i], rec.Stale[i]))
	}
	return r, nil
}

// validate rejects malformed or oversized render requests
func validate(status render.AircraftStatus, efisBySide map[render.Side]render.EfisData, limits render.Limits) error {
	if len(efisBySide) == 0 {
		return fmt.Errorf("%w: no display sides", ErrInvalidRequest)
	}
	if err := status.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for side, efis := range efisBySide {
		if !side.Valid() {
			return fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, side)
		}
		if err := efis.Validate(); err != nil {
			return fmt.Errorf("%w: side %s: %v", ErrInvalidRequest, side, err)
		}
		if err := limits.CheckEfis(efis); err != nil {
			return fmt.Errorf("%w: side %s: %v", ErrInvalidRequest, side, err)
		}
	}
	return nil
}

// validatePath rejects profile paths that cannot be sampled, or would
// sample more than the limits allow
func validatePath(path render.VerticalPathData, limits render.Limits, sampling grid.PathOptions) error {
	if len(path.Waypoints) < 2 {
		return fmt.Errorf("%w: profile needs at least two waypoints", ErrInvalidRequest)
	}
	if math.IsNaN(path.PathWidth) || math.IsInf(path.PathWidth, 0) || path.PathWidth < 0 {
		return fmt.Errorf("%w: path width %v", ErrInvalidRequest, path.PathWidth)
	}
	for i, wp := range path.Waypoints {
		if math.IsNaN(wp.Latitude) || math.IsNaN(wp.Longitude) ||
			math.IsInf(wp.Latitude, 0) || math.IsInf(wp.Longitude, 0) ||
			wp.Latitude < -90 || wp.Latitude > 90 {
			return fmt.Errorf("%w: waypoint %d at %v,%v", ErrInvalidRequest, i, wp.Latitude, wp.Longitude)
		}
	}
	if !(path.GridPath().Length() > 0) {
		return fmt.Errorf("%w: path has no length", ErrInvalidRequest)
	}
	if err := limits.CheckPath(path, sampling); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
