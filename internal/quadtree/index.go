package quadtree

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"terrainsrv/internal/terrain"
)

// DefaultCacheSize is the number of decoded trees kept per index
const DefaultCacheSize = 256

// ErrOutsideTile is returned for coordinates outside a tile's extent
var ErrOutsideTile = fmt.Errorf("coordinate outside tile extent: %w", terrain.ErrNoData)

// Index answers elevation queries over a database. An Index caches decoded
// trees and is meant to be owned by a single goroutine; the database
// behind it may be shared.
type Index struct {
	db    *terrain.Database
	trees *lru.Cache[int, *Tree]
}

// NewIndex creates an index over db keeping up to cacheSize decoded trees
func NewIndex(db *terrain.Database, cacheSize int) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	trees, err := lru.New[int, *Tree](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree cache: %w", err)
	}

	return &Index{db: db, trees: trees}, nil
}

// Database returns the indexed database
func (x *Index) Database() *terrain.Database {
	return x.db
}

// Tree returns the decoded quadtree of a tile
func (x *Index) Tree(tile int) (*Tree, error) {
	if tree, ok := x.trees.Get(tile); ok {
		return tree, nil
	}

	buf, err := x.db.NodeBuffer(tile)
	if err != nil {
		return nil, err
	}

	tree, err := Decode(buf, x.db.Tiles[tile].BigNodesUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile %d: %w", tile, err)
	}

	x.trees.Add(tile, tree)
	return tree, nil
}

// ElevationAt returns the elevation in meters at an offset in degrees from
// a tile's southwest corner
func (x *Index) ElevationAt(tile int, localLat, localLon float64) (float64, error) {
	return x.ElevationAtLevel(tile, localLat, localLon, terrain.MaxTreeLevel)
}

// ElevationAtLevel is ElevationAt with the descent limited to maxLevel.
// Internal nodes carry the maximum of their quadrant, so a shallow lookup
// never under-reports terrain.
func (x *Index) ElevationAtLevel(tile int, localLat, localLon float64, maxLevel int) (float64, error) {
	if tile < 0 || tile >= len(x.db.Tiles) {
		return 0, ErrOutsideTile
	}

	u := localLat / float64(x.db.LatitudinalStep)
	v := localLon / float64(x.db.LongitudinalStep)
	if math.IsNaN(u) || math.IsNaN(v) || u < 0 || u > 1 || v < 0 || v > 1 {
		return 0, ErrOutsideTile
	}

	tree, err := x.Tree(tile)
	if err != nil {
		return 0, err
	}

	node, ok := tree.Lookup(u, v, maxLevel)
	if !ok {
		return 0, ErrOutsideTile
	}

	return x.db.Elevation(x.db.Tiles[tile], node.Bin), nil
}

// ElevationAtPosition returns the elevation at a geographic position
func (x *Index) ElevationAtPosition(lat, lon float64) (float64, error) {
	tile, localLat, localLon, ok := x.db.TileAt(lat, lon)
	if !ok {
		return 0, terrain.ErrNoData
	}
	return x.ElevationAt(tile, localLat, localLon)
}
