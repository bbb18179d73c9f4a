package terrain

import (
	"encoding/binary"
	"fmt"
)

// Terrain map file layout constants
const (
	Magic         = "TMAP"
	FormatVersion = 1

	GlobalHeaderSize = 21 // 4 magic + 1 version + 4x2 bounds + 2x1 steps + 2 resolution + 4 tile count
	TileHeaderSize   = 10 // 1 lat + 2 lon + 2 min elevation + 1 big flag + 4 node count

	SmallNodeSize = 2 // 4 bit level + 12 bit bin
	BigNodeSize   = 3 // 8 bit level + 16 bit bin

	MaxTreeLevel = 15
	MaxSmallBin  = 0x0FFF
	MaxBigBin    = 0xFFFF
)

// Header is the global header of a terrain map file
type Header struct {
	MostNorth           int16
	MostSouth           int16
	MostWest            int16
	MostEast            int16
	LatitudinalStep     uint8
	LongitudinalStep    uint8
	ElevationResolution uint16
	TileCount           uint32
}

// Rows returns the number of latitude bands in the grid
func (h Header) Rows() int {
	if h.LatitudinalStep == 0 {
		return 0
	}
	return (int(h.MostNorth) - int(h.MostSouth)) / int(h.LatitudinalStep)
}

// Columns returns the number of longitude bands in the grid
func (h Header) Columns() int {
	if h.LongitudinalStep == 0 {
		return 0
	}
	return (int(h.MostEast) - int(h.MostWest)) / int(h.LongitudinalStep)
}

// validate checks the bounds and steps describe a regular grid
func (h Header) validate() error {
	switch {
	case h.MostSouth < -90 || h.MostNorth > 90:
		return fmt.Errorf("latitude bounds [%d, %d] outside [-90, 90]", h.MostSouth, h.MostNorth)
	case h.MostWest < -180 || h.MostEast > 180:
		return fmt.Errorf("longitude bounds [%d, %d] outside [-180, 180]", h.MostWest, h.MostEast)
	case h.MostSouth >= h.MostNorth:
		return fmt.Errorf("south bound %d not below north bound %d", h.MostSouth, h.MostNorth)
	case h.MostWest >= h.MostEast:
		return fmt.Errorf("west bound %d not below east bound %d", h.MostWest, h.MostEast)
	case h.LatitudinalStep == 0 || h.LongitudinalStep == 0:
		return fmt.Errorf("zero grid step (%d, %d)", h.LatitudinalStep, h.LongitudinalStep)
	case (int(h.MostNorth)-int(h.MostSouth))%int(h.LatitudinalStep) != 0:
		return fmt.Errorf("latitudinal step %d does not divide [%d, %d]", h.LatitudinalStep, h.MostSouth, h.MostNorth)
	case (int(h.MostEast)-int(h.MostWest))%int(h.LongitudinalStep) != 0:
		return fmt.Errorf("longitudinal step %d does not divide [%d, %d]", h.LongitudinalStep, h.MostWest, h.MostEast)
	case h.ElevationResolution == 0:
		return fmt.Errorf("zero elevation resolution")
	case uint64(h.TileCount) > uint64(h.Rows())*uint64(h.Columns()):
		return fmt.Errorf("tile count %d exceeds grid of %dx%d cells", h.TileCount, h.Rows(), h.Columns())
	}
	return nil
}

// decodeHeader decodes the global header
func decodeHeader(b []byte) (Header, error) {
	if len(b) < GlobalHeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes", len(b))
	}
	if string(b[:4]) != Magic {
		return Header{}, fmt.Errorf("invalid magic %q", b[:4])
	}
	if b[4] != FormatVersion {
		return Header{}, fmt.Errorf("unsupported format version %d", b[4])
	}

	le := binary.LittleEndian
	return Header{
		MostNorth:           int16(le.Uint16(b[5:])),
		MostSouth:           int16(le.Uint16(b[7:])),
		MostWest:            int16(le.Uint16(b[9:])),
		MostEast:            int16(le.Uint16(b[11:])),
		LatitudinalStep:     b[13],
		LongitudinalStep:    b[14],
		ElevationResolution: le.Uint16(b[15:]),
		TileCount:           le.Uint32(b[17:]),
	}, nil
}

// encode appends the binary form of the header to b
func (h Header) encode(b []byte) []byte {
	le := binary.LittleEndian
	b = append(b, Magic...)
	b = append(b, FormatVersion)
	b = le.AppendUint16(b, uint16(h.MostNorth))
	b = le.AppendUint16(b, uint16(h.MostSouth))
	b = le.AppendUint16(b, uint16(h.MostWest))
	b = le.AppendUint16(b, uint16(h.MostEast))
	b = append(b, h.LatitudinalStep, h.LongitudinalStep)
	b = le.AppendUint16(b, h.ElevationResolution)
	return le.AppendUint32(b, h.TileCount)
}

// Tile is one grid cell of the database and the location of its quadtree
type Tile struct {
	Latitude         int8  // southwest corner, degrees
	Longitude        int16 // southwest corner, degrees
	MinimumElevation int16 // meters
	BigNodesUsed     bool
	NodeCount        uint32
	BufferOffset     int64
	BufferSize       int64
}

// NodeSize returns the encoded size of one node
func NodeSize(big bool) int {
	if big {
		return BigNodeSize
	}
	return SmallNodeSize
}

// MaxBin returns the largest elevation bin a node encoding can carry
func MaxBin(big bool) uint32 {
	if big {
		return MaxBigBin
	}
	return MaxSmallBin
}

// BufferSizeFor returns the byte size of a node buffer
func BufferSizeFor(nodeCount uint32, big bool) int64 {
	return int64(nodeCount) * int64(NodeSize(big))
}

// decodeTileHeader decodes one 10 byte tile header. Buffer placement is
// assigned by the caller.
func decodeTileHeader(b []byte) Tile {
	le := binary.LittleEndian
	t := Tile{
		Latitude:         int8(b[0]),
		Longitude:        int16(le.Uint16(b[1:])),
		MinimumElevation: int16(le.Uint16(b[3:])),
		BigNodesUsed:     b[5] != 0,
		NodeCount:        le.Uint32(b[6:]),
	}
	t.BufferSize = BufferSizeFor(t.NodeCount, t.BigNodesUsed)
	return t
}

// encodeTileHeader appends the 10 byte tile header to b
func encodeTileHeader(b []byte, t Tile) []byte {
	le := binary.LittleEndian
	b = append(b, byte(t.Latitude))
	b = le.AppendUint16(b, uint16(t.Longitude))
	b = le.AppendUint16(b, uint16(t.MinimumElevation))
	if t.BigNodesUsed {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return le.AppendUint32(b, t.NodeCount)
}

// Node is one quadtree entry of a tile
type Node struct {
	Level uint8
	Bin   uint32
}

// DecodeNode decodes a single node from the front of b
func DecodeNode(b []byte, big bool) Node {
	if big {
		return Node{Level: b[0], Bin: uint32(binary.LittleEndian.Uint16(b[1:]))}
	}
	v := binary.LittleEndian.Uint16(b)
	return Node{Level: uint8(v >> 12), Bin: uint32(v & MaxSmallBin)}
}

// AppendNode appends the encoded node to b
func AppendNode(b []byte, n Node, big bool) []byte {
	if big {
		b = append(b, n.Level)
		return binary.LittleEndian.AppendUint16(b, uint16(n.Bin))
	}
	return binary.LittleEndian.AppendUint16(b, uint16(n.Level)<<12|uint16(n.Bin&MaxSmallBin))
}

// DecodeNodes decodes a complete node buffer
func DecodeNodes(buf []byte, big bool) ([]Node, error) {
	size := NodeSize(big)
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("node buffer of %d bytes is not a multiple of %d", len(buf), size)
	}

	nodes := make([]Node, len(buf)/size)
	for i := range nodes {
		nodes[i] = DecodeNode(buf[i*size:], big)
	}
	return nodes, nil
}

// VerifyTree checks that a node sequence is a pre-order quadtree: a single
// level 0 root, each node at most one level deeper than its predecessor and
// at most four children per node.
func VerifyTree(nodes []Node) error {
	if len(nodes) == 0 {
		return fmt.Errorf("empty node buffer")
	}
	if nodes[0].Level != 0 {
		return fmt.Errorf("root node at level %d", nodes[0].Level)
	}

	var children [MaxTreeLevel + 1]int
	for i := 1; i < len(nodes); i++ {
		level, prev := nodes[i].Level, nodes[i-1].Level
		switch {
		case level == 0:
			return fmt.Errorf("node %d: second root", i)
		case level > MaxTreeLevel:
			return fmt.Errorf("node %d: level %d exceeds %d", i, level, MaxTreeLevel)
		case level > prev+1:
			return fmt.Errorf("node %d: level jumps from %d to %d", i, prev, level)
		}

		children[level] = 0
		children[level-1]++
		if children[level-1] > 4 {
			return fmt.Errorf("node %d: more than four children at level %d", i, level-1)
		}
	}
	return nil
}
