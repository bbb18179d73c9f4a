package quadtree

import (
	"fmt"

	"terrainsrv/internal/terrain"
)

// Quadrant order of a node's children
const (
	NorthWest = iota
	NorthEast
	SouthWest
	SouthEast
)

// Tree is a decoded tile quadtree
type Tree struct {
	nodes    []terrain.Node
	children [][4]int32 // -1 when the buffer ended before that child
	depth    int
}

// Decode builds a tree from a tile's node buffer
func Decode(buf []byte, big bool) (*Tree, error) {
	nodes, err := terrain.DecodeNodes(buf, big)
	if err != nil {
		return nil, err
	}
	return FromNodes(nodes)
}

// FromNodes builds a tree from a pre-order node sequence. A node is
// internal when the node after it is one level deeper.
func FromNodes(nodes []terrain.Node) (*Tree, error) {
	if err := terrain.VerifyTree(nodes); err != nil {
		return nil, fmt.Errorf("invalid quadtree: %w", err)
	}

	t := &Tree{
		nodes:    nodes,
		children: make([][4]int32, len(nodes)),
	}

	var parents [terrain.MaxTreeLevel + 1]int32
	counts := make([]uint8, len(nodes))
	for i, n := range nodes {
		t.children[i] = [4]int32{-1, -1, -1, -1}
		if n.Level > 0 {
			p := parents[n.Level-1]
			t.children[p][counts[p]] = int32(i)
			counts[p]++
		}
		parents[n.Level] = int32(i)
		t.depth = max(t.depth, int(n.Level))
	}

	return t, nil
}

// Len returns the number of nodes
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Depth returns the deepest level present
func (t *Tree) Depth() int {
	return t.depth
}

// Root returns the root node, whose bin is the tile maximum
func (t *Tree) Root() terrain.Node {
	return t.nodes[0]
}

// Lookup descends towards the point (u, v), given as fractions of the tile
// height northward and width eastward from the southwest corner, stopping
// at a leaf, at a quadrant missing from the buffer or at maxLevel.
func (t *Tree) Lookup(u, v float64, maxLevel int) (terrain.Node, bool) {
	if !(u >= 0 && u <= 1 && v >= 0 && v <= 1) {
		return terrain.Node{}, false
	}

	i := int32(0)
	for level := 0; level < maxLevel; level++ {
		north, east := u >= 0.5, v >= 0.5

		q := SouthWest
		switch {
		case north && east:
			q = NorthEast
		case north:
			q = NorthWest
		case east:
			q = SouthEast
		}

		child := t.children[i][q]
		if child < 0 {
			break
		}
		i = child

		u, v = 2*u, 2*v
		if north {
			u--
		}
		if east {
			v--
		}
	}

	return t.nodes[i], true
}
