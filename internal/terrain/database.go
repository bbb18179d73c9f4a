package terrain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"golang.org/x/exp/mmap"
)

// ErrNoData is returned for coordinates that no tile covers
var ErrNoData = errors.New("no terrain data")

// FormatError reports a corrupt or truncated terrain map
type FormatError struct {
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("terrain map format error at offset %d: %s", e.Offset, e.Reason)
}

func formatErrorf(offset int64, format string, args ...interface{}) error {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Options controls how a terrain map is loaded
type Options struct {
	// VerifyNodes decodes every node buffer at load time and rejects
	// buffers that are not well formed quadtrees.
	VerifyNodes bool
}

// DefaultOptions returns the load options used by the server
func DefaultOptions() Options {
	return Options{VerifyNodes: true}
}

// Database is a loaded terrain map. It is immutable once returned and may
// be shared by any number of goroutines.
type Database struct {
	Header
	Tiles []Tile

	source io.ReaderAt
	closer io.Closer
	size   int64
	cells  []int32 // grid cell -> tile index, -1 when absent
}

// Load opens a terrain map file. Files ending in .zst are decompressed into
// memory, anything else is memory mapped read-only for the lifetime of the
// database.
func Load(path string, opts Options) (*Database, error) {
	if strings.HasSuffix(path, ".zst") {
		compressed, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read terrain map %s: %w", path, err)
		}

		zr, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()

		data, err := zr.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress terrain map %s: %w", path, err)
		}

		db, err := Parse(bytes.NewReader(data), int64(len(data)), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to load terrain map %s: %w", path, err)
		}
		return db, nil
	}

	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open terrain map %s: %w", path, err)
	}

	db, err := Parse(r, int64(r.Len()), opts)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to load terrain map %s: %w", path, err)
	}
	db.closer = r

	return db, nil
}

// Parse decodes a terrain map held by r. The reader is retained for node
// buffer access and must stay valid while the database is in use.
func Parse(r io.ReaderAt, size int64, opts Options) (*Database, error) {
	if size < GlobalHeaderSize {
		return nil, formatErrorf(0, "file of %d bytes shorter than the global header", size)
	}

	hb := make([]byte, GlobalHeaderSize)
	if _, err := r.ReadAt(hb, 0); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	header, err := decodeHeader(hb)
	if err != nil {
		return nil, formatErrorf(0, "%v", err)
	}
	if err := header.validate(); err != nil {
		return nil, formatErrorf(0, "%v", err)
	}

	tablesEnd := int64(GlobalHeaderSize) + int64(header.TileCount)*TileHeaderSize
	if tablesEnd > size {
		return nil, formatErrorf(GlobalHeaderSize, "%d tile headers need %d bytes, file has %d", header.TileCount, tablesEnd, size)
	}

	tb := make([]byte, tablesEnd-GlobalHeaderSize)
	if _, err := r.ReadAt(tb, GlobalHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read tile headers: %w", err)
	}

	db := &Database{
		Header: header,
		Tiles:  make([]Tile, header.TileCount),
		source: r,
		size:   size,
		cells:  make([]int32, header.Rows()*header.Columns()),
	}
	for i := range db.cells {
		db.cells[i] = -1
	}

	offset := tablesEnd
	for i := range db.Tiles {
		headerOffset := int64(GlobalHeaderSize) + int64(i)*TileHeaderSize
		t := decodeTileHeader(tb[int64(i)*TileHeaderSize:])

		if t.NodeCount == 0 {
			return nil, formatErrorf(headerOffset, "tile %d has no nodes", i)
		}

		cell, err := db.cellOf(t)
		if err != nil {
			return nil, formatErrorf(headerOffset, "tile %d: %v", i, err)
		}
		if db.cells[cell] >= 0 {
			return nil, formatErrorf(headerOffset, "tile %d overlaps tile %d at (%d, %d)", i, db.cells[cell], t.Latitude, t.Longitude)
		}
		db.cells[cell] = int32(i)

		t.BufferOffset = offset
		if t.BufferSize > size-offset {
			return nil, formatErrorf(headerOffset, "tile %d node buffer [%d, %d) exceeds file length %d", i, offset, offset+t.BufferSize, size)
		}
		offset += t.BufferSize

		db.Tiles[i] = t
	}

	if offset != size {
		return nil, formatErrorf(offset, "%d trailing bytes after node buffers", size-offset)
	}

	if opts.VerifyNodes {
		for i, t := range db.Tiles {
			buf, err := db.NodeBuffer(i)
			if err != nil {
				return nil, err
			}
			nodes, err := DecodeNodes(buf, t.BigNodesUsed)
			if err != nil {
				return nil, formatErrorf(t.BufferOffset, "tile %d: %v", i, err)
			}
			if err := VerifyTree(nodes); err != nil {
				return nil, formatErrorf(t.BufferOffset, "tile %d: %v", i, err)
			}
		}
	}

	return db, nil
}

// cellOf returns the grid cell index of a tile's southwest corner
func (db *Database) cellOf(t Tile) (int, error) {
	dlat := int(t.Latitude) - int(db.MostSouth)
	dlon := int(t.Longitude) - int(db.MostWest)
	if dlat < 0 || int(t.Latitude) >= int(db.MostNorth) || dlon < 0 || int(t.Longitude) >= int(db.MostEast) {
		return 0, fmt.Errorf("corner (%d, %d) outside database bounds", t.Latitude, t.Longitude)
	}
	if dlat%int(db.LatitudinalStep) != 0 || dlon%int(db.LongitudinalStep) != 0 {
		return 0, fmt.Errorf("corner (%d, %d) not aligned to the grid", t.Latitude, t.Longitude)
	}

	row := dlat / int(db.LatitudinalStep)
	col := dlon / int(db.LongitudinalStep)
	return row*db.Columns() + col, nil
}

// Close releases the mapped file, if any
func (db *Database) Close() error {
	if db.closer == nil {
		return nil
	}
	err := db.closer.Close()
	db.closer = nil
	return err
}

// Size returns the byte size of the underlying map
func (db *Database) Size() int64 {
	return db.size
}

// NodeBuffer returns a copy of the raw node buffer of tile i
func (db *Database) NodeBuffer(i int) ([]byte, error) {
	if i < 0 || i >= len(db.Tiles) {
		return nil, fmt.Errorf("tile index %d out of range (0-%d)", i, len(db.Tiles)-1)
	}

	t := db.Tiles[i]
	buf := make([]byte, t.BufferSize)
	if _, err := db.source.ReadAt(buf, t.BufferOffset); err != nil {
		return nil, fmt.Errorf("failed to read node buffer of tile %d: %w", i, err)
	}
	return buf, nil
}

// Elevation converts a tile's elevation bin to meters
func (db *Database) Elevation(t Tile, bin uint32) float64 {
	return float64(t.MinimumElevation) + float64(bin)*float64(db.ElevationResolution)
}

// Bounds returns the area covered by the grid
func (db *Database) Bounds() orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(db.MostWest), float64(db.MostSouth)},
		Max: orb.Point{float64(db.MostEast), float64(db.MostNorth)},
	}
}

// TileExtent returns the area covered by tile i
func (db *Database) TileExtent(i int) orb.Bound {
	t := db.Tiles[i]
	return orb.Bound{
		Min: orb.Point{float64(t.Longitude), float64(t.Latitude)},
		Max: orb.Point{float64(t.Longitude) + float64(db.LongitudinalStep), float64(t.Latitude) + float64(db.LatitudinalStep)},
	}
}

// TileAt finds the tile covering a position and the position's offset from
// the tile's southwest corner in degrees. Longitudes are wrapped into
// [-180, 180) first; the north and east edges of the grid belong to the
// last row and column.
func (db *Database) TileAt(lat, lon float64) (tile int, localLat, localLon float64, ok bool) {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return -1, 0, 0, false
	}
	if lat < -90 || lat > 90 {
		return -1, 0, 0, false
	}

	lon = WrapLongitude(lon)
	if lon == -180 && db.MostWest > -180 && db.MostEast == 180 {
		lon = 180
	}
	if lat < float64(db.MostSouth) || lat > float64(db.MostNorth) ||
		lon < float64(db.MostWest) || lon > float64(db.MostEast) {
		return -1, 0, 0, false
	}

	row := int((lat - float64(db.MostSouth)) / float64(db.LatitudinalStep))
	col := int((lon - float64(db.MostWest)) / float64(db.LongitudinalStep))
	row = min(row, db.Rows()-1)
	col = min(col, db.Columns()-1)

	idx := db.cells[row*db.Columns()+col]
	if idx < 0 {
		return -1, 0, 0, false
	}

	t := db.Tiles[idx]
	return int(idx), lat - float64(t.Latitude), lon - float64(t.Longitude), true
}

// WrapLongitude maps a longitude into [-180, 180)
func WrapLongitude(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

// Stats summarises a database for diagnostics
type Stats struct {
	Tiles        int
	BigNodeTiles int
	Nodes        uint64
	NodeBytes    int64
	MinElevation int16
	MaxNodeCount uint32
}

// Stats computes node and elevation statistics from the tile headers
func (db *Database) Stats() Stats {
	s := Stats{Tiles: len(db.Tiles), MinElevation: math.MaxInt16}
	for _, t := range db.Tiles {
		if t.BigNodesUsed {
			s.BigNodeTiles++
		}
		s.Nodes += uint64(t.NodeCount)
		s.NodeBytes += t.BufferSize
		s.MinElevation = min(s.MinElevation, t.MinimumElevation)
		s.MaxNodeCount = max(s.MaxNodeCount, t.NodeCount)
	}
	if len(db.Tiles) == 0 {
		s.MinElevation = 0
	}
	return s
}
