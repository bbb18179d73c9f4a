package render

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	rasterEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	rasterDecoder, _ = zstd.NewReader(nil)
)

// EncodeRaster compresses a raster and encodes it as base64 text
func EncodeRaster(pixels []byte) string {
	if len(pixels) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(rasterEncoder.EncodeAll(pixels, nil))
}

// DecodeRaster reverses EncodeRaster
func DecodeRaster(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster text: %w", err)
	}
	pixels, err := rasterDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress raster: %w", err)
	}
	return pixels, nil
}

// frameRecord is the binary layout of an encoded frame
type frameRecord struct {
	Timestamp        time.Time `msgpack:"ts"`
	Side             string    `msgpack:"side"`
	Width            int       `msgpack:"w"`
	Height           int       `msgpack:"h"`
	MinElevation     int32     `msgpack:"min"`
	MaxElevation     int32     `msgpack:"max"`
	MinElevationMode uint8     `msgpack:"min_mode"`
	MaxElevationMode uint8     `msgpack:"max_mode"`
	Raster           []byte    `msgpack:"raster"`
}

// EncodeFrame serializes a frame with its raster compressed
func EncodeFrame(d NDData) ([]byte, error) {
	if len(d.Pixels) != d.Width*d.Height {
		return nil, renderErrorf(d.Side, "encode", ErrDegenerateGeometry,
			"%d pixels for %dx%d raster", len(d.Pixels), d.Width, d.Height)
	}

	rec := frameRecord{
		Timestamp:        d.Timestamp,
		Side:             string(d.Side),
		Width:            d.Width,
		Height:           d.Height,
		MinElevation:     d.MinElevation,
		MaxElevation:     d.MaxElevation,
		MinElevationMode: uint8(d.MinElevationMode),
		MaxElevationMode: uint8(d.MaxElevationMode),
	}
	if len(d.Pixels) > 0 {
		rec.Raster = rasterEncoder.EncodeAll(d.Pixels, nil)
	}

	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return b, nil
}

// DecodeFrame reverses EncodeFrame
func DecodeFrame(b []byte) (NDData, error) {
	var rec frameRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return NDData{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	d := NDData{
		Timestamp:        rec.Timestamp,
		Side:             Side(rec.Side),
		Width:            rec.Width,
		Height:           rec.Height,
		MinElevation:     rec.MinElevation,
		MaxElevation:     rec.MaxElevation,
		MinElevationMode: TerrainLevelMode(rec.MinElevationMode),
		MaxElevationMode: TerrainLevelMode(rec.MaxElevationMode),
	}
	if len(rec.Raster) > 0 {
		pixels, err := rasterDecoder.DecodeAll(rec.Raster, nil)
		if err != nil {
			return NDData{}, fmt.Errorf("failed to decompress frame raster: %w", err)
		}
		d.Pixels = pixels
	}
	if len(d.Pixels) != d.Width*d.Height {
		return NDData{}, fmt.Errorf("frame raster holds %d pixels, expected %dx%d", len(d.Pixels), d.Width, d.Height)
	}
	return d, nil
}
