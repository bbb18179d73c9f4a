package terrain

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// TileData is a tile ready for encoding
type TileData struct {
	Latitude         int8
	Longitude        int16
	MinimumElevation int16
	BigNodesUsed     bool
	Nodes            []Node
}

// Writer encodes terrain map files
type Writer struct {
	header Header
	tiles  []TileData
}

// NewWriter creates a writer for a grid. TileCount is filled in from the
// tiles added.
func NewWriter(header Header) *Writer {
	return &Writer{header: header}
}

// AddTile queues a tile for encoding
func (w *Writer) AddTile(t TileData) {
	w.tiles = append(w.tiles, t)
}

// Bytes returns the encoded terrain map
func (w *Writer) Bytes() []byte {
	h := w.header
	h.TileCount = uint32(len(w.tiles))

	b := h.encode(make([]byte, 0, GlobalHeaderSize+TileHeaderSize*len(w.tiles)))
	for _, t := range w.tiles {
		b = encodeTileHeader(b, Tile{
			Latitude:         t.Latitude,
			Longitude:        t.Longitude,
			MinimumElevation: t.MinimumElevation,
			BigNodesUsed:     t.BigNodesUsed,
			NodeCount:        uint32(len(t.Nodes)),
		})
	}
	for _, t := range w.tiles {
		for _, n := range t.Nodes {
			b = AppendNode(b, n, t.BigNodesUsed)
		}
	}
	return b
}

// WriteTo writes the encoded terrain map to out
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	bw := bufio.NewWriter(out)
	n, err := bw.Write(w.Bytes())
	if err != nil {
		return int64(n), err
	}
	return int64(n), bw.Flush()
}

// WriteFile writes the terrain map to path, zstd compressed when the path
// ends in .zst
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	var out io.Writer = f
	var zw *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		zw, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		out = zw
	}

	if _, err := w.WriteTo(out); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to close zstd writer: %w", err)
		}
	}
	return f.Close()
}

// FlatTile returns a single leaf tile of constant elevation bin
func FlatTile(lat int8, lon int16, minimumElevation int16, bin uint32) TileData {
	return TileData{
		Latitude:         lat,
		Longitude:        lon,
		MinimumElevation: minimumElevation,
		BigNodesUsed:     bin > MaxSmallBin,
		Nodes:            []Node{{Level: 0, Bin: bin}},
	}
}

// SampleFunc returns the elevation in meters at a position
type SampleFunc func(lat, lon float64) float64

// BuildTile samples elevation over a tile on a 2^depth grid and encodes it
// as a quadtree, collapsing quadrants whose leaves share a bin.
func BuildTile(header Header, lat int8, lon int16, depth int, sample SampleFunc) TileData {
	depth = max(0, min(depth, MaxTreeLevel))
	n := 1 << depth
	latSize := float64(header.LatitudinalStep) / float64(n)
	lonSize := float64(header.LongitudinalStep) / float64(n)

	// row 0 is the southern edge
	elevations := make([]float64, n*n)
	lowest := math.Inf(1)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			e := sample(float64(lat)+(float64(r)+0.5)*latSize, float64(lon)+(float64(c)+0.5)*lonSize)
			elevations[r*n+c] = e
			lowest = math.Min(lowest, e)
		}
	}

	minimum := int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Floor(lowest))))
	res := float64(header.ElevationResolution)

	bins := make([]uint32, n*n)
	var highest uint32
	for i, e := range elevations {
		b := math.Round((e - float64(minimum)) / res)
		bins[i] = uint32(math.Max(0, math.Min(MaxBigBin, b)))
		highest = max(highest, bins[i])
	}

	t := TileData{
		Latitude:         lat,
		Longitude:        lon,
		MinimumElevation: minimum,
		BigNodesUsed:     highest > MaxSmallBin,
	}
	t.Nodes, _ = buildQuadrant(bins, n, 0, 0, n, 0, nil)
	return t
}

// buildQuadrant appends the pre-order encoding of the square of the bin
// grid starting at (row, col) and returns the subtree's maximum bin.
func buildQuadrant(bins []uint32, n, row, col, size int, level uint8, out []Node) ([]Node, uint32) {
	first := bins[row*n+col]
	uniform := true
	var highest uint32
	for r := row; r < row+size; r++ {
		for c := col; c < col+size; c++ {
			b := bins[r*n+c]
			highest = max(highest, b)
			if b != first {
				uniform = false
			}
		}
	}

	out = append(out, Node{Level: level, Bin: highest})
	if uniform || size == 1 {
		return out, highest
	}

	half := size / 2
	// NW, NE, SW, SE; rows grow northward
	for _, q := range [4][2]int{{half, 0}, {half, half}, {0, 0}, {0, half}} {
		out, _ = buildQuadrant(bins, n, row+q[0], col+q[1], half, level+1, out)
	}
	return out, highest
}
