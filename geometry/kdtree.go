package geometry

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Coord restricts the coordinate types of points.
type Coord interface{ float32 | float64 }

// KDTree organizes a set of points as a binary tree of bounding boxes, for
// fast spatial queries. Build it with NewKDTree.
type KDTree[T Coord] struct {
	// Points is flat [NumPoints, Dimension] row-major coordinate data,
	// reordered during tree construction.
	Points []T

	NumPoints, Dimension int

	// Order maps tree point indices back to the caller's point indices:
	// tree point i is the caller's point Order[i].
	Order []int

	Root *KDTreeNode[T]
}

// KDTreeNode covers the tree points in [StartIdx, EndIdx). An inner node
// splits them along SplitAxis: the left child takes the points with
// coordinate < SplitValue, the right child the rest.
type KDTreeNode[T Coord] struct {
	// Min and Max are the corners of the node's bounding box.
	Min, Max []T

	StartIdx, EndIdx int

	Left, Right *KDTreeNode[T]

	SplitAxis  int
	SplitValue T
}

// IsLeaf reports whether the node has no children.
func (node *KDTreeNode[T]) IsLeaf() bool { return node.Left == nil }

// NumPoints covered by the node.
func (node *KDTreeNode[T]) NumPoints() int { return node.EndIdx - node.StartIdx }

// NewKDTree builds a kd-tree over a flat row-major slice of coordinates
// ([x0, y0, x1, y1, ...] for dimension 2). The coordinates are cloned into
// KDTree.Points. Leaves hold at most leafSize points, except where every
// candidate split degenerates on repeated coordinates.
func NewKDTree[T Coord](coords []T, dimension, leafSize int) (*KDTree[T], error) {
	if dimension <= 0 {
		return nil, errors.Errorf("point dimension must be positive, got %d", dimension)
	}
	if len(coords) == 0 || len(coords)%dimension != 0 {
		return nil, errors.Errorf("coordinates length (%d) must be a non-zero multiple of the point dimension (%d)",
			len(coords), dimension)
	}
	if leafSize < 1 {
		return nil, errors.Errorf("leafSize must be at least 1, got %d", leafSize)
	}
	numPoints := len(coords) / dimension
	order := make([]int, numPoints)
	for i := range order {
		order[i] = i
	}
	tree := &KDTree[T]{
		Points:    slices.Clone(coords),
		NumPoints: numPoints,
		Dimension: dimension,
		Order:     order,
	}
	tree.Root = tree.buildNode(0, numPoints, leafSize)
	return tree, nil
}

// buildNode builds the subtree covering tree points [start, end).
func (tree *KDTree[T]) buildNode(start, end, leafSize int) *KDTreeNode[T] {
	node := &KDTreeNode[T]{StartIdx: start, EndIdx: end}
	node.Min, node.Max = bounds(tree.Points[start*tree.Dimension:end*tree.Dimension], tree.Dimension)
	if end-start <= leafSize {
		return node
	}

	// Try axes by decreasing coordinate range: repeated coordinates around
	// the median can make a split degenerate, in which case the next axis
	// is tried.
	for _, axis := range axesByRange(node.Min, node.Max) {
		if node.Max[axis] == node.Min[axis] {
			// All remaining axes are constant.
			break
		}
		mid := tree.partition(start, end, axis)
		if mid == start {
			continue
		}
		node.SplitAxis = axis
		node.SplitValue = tree.Points[mid*tree.Dimension+axis]
		node.Left = tree.buildNode(start, mid, leafSize)
		node.Right = tree.buildNode(mid, end, leafSize)
		return node
	}
	// Every candidate split degenerates: keep an oversized leaf.
	return node
}

// partition sorts the tree points in [start, end) along axis, carrying
// Order, and returns the index of the first point holding the median value,
// so that everything to its left is strictly below it. Returns start when
// the split would be degenerate.
func (tree *KDTree[T]) partition(start, end, axis int) int {
	dim := tree.Dimension
	n := end - start
	perm := make([]int, n)
	for i := range perm {
		perm[i] = start + i
	}
	sort.Slice(perm, func(i, j int) bool {
		return tree.Points[perm[i]*dim+axis] < tree.Points[perm[j]*dim+axis]
	})

	sortedPoints := make([]T, n*dim)
	sortedOrder := make([]int, n)
	for dst, src := range perm {
		copy(sortedPoints[dst*dim:(dst+1)*dim], tree.Points[src*dim:(src+1)*dim])
		sortedOrder[dst] = tree.Order[src]
	}
	copy(tree.Points[start*dim:end*dim], sortedPoints)
	copy(tree.Order[start:end], sortedOrder)

	// Walk the median down past any ties, keeping equal coordinates on the
	// right side.
	mid := start + n/2
	splitValue := tree.Points[mid*dim+axis]
	for mid > start && tree.Points[(mid-1)*dim+axis] >= splitValue {
		mid--
	}
	return mid
}

// bounds returns the per-axis minimum and maximum over flat row-major
// coordinate data.
func bounds[T Coord](flat []T, dim int) (low, high []T) {
	low = slices.Clone(flat[:dim])
	high = slices.Clone(flat[:dim])
	for i := dim; i < len(flat); i += dim {
		for d := range dim {
			v := flat[i+d]
			low[d] = min(low[d], v)
			high[d] = max(high[d], v)
		}
	}
	return
}

// axesByRange returns the axis indices sorted by decreasing extent of the
// bounding box.
func axesByRange[T Coord](low, high []T) []int {
	axes := make([]int, len(low))
	for i := range axes {
		axes[i] = i
	}
	sort.Slice(axes, func(i, j int) bool {
		return high[axes[i]]-low[axes[i]] > high[axes[j]]-low[axes[j]]
	})
	return axes
}

// String returns an indented rendering of the tree, one line per inner node
// and one per leaf point.
func (tree *KDTree[T]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "KDTree: %d points, dimension %d\n", tree.NumPoints, tree.Dimension)
	tree.writeNode(&sb, tree.Root, 1)
	return sb.String()
}

func (tree *KDTree[T]) writeNode(sb *strings.Builder, node *KDTreeNode[T], depth int) {
	indent := strings.Repeat("  ", depth)
	if !node.IsLeaf() {
		fmt.Fprintf(sb, "%ssplit axis=%d at %.3g, box %v..%v\n",
			indent, node.SplitAxis, float64(node.SplitValue), node.Min, node.Max)
		tree.writeNode(sb, node.Left, depth+1)
		tree.writeNode(sb, node.Right, depth+1)
		return
	}
	fmt.Fprintf(sb, "%sleaf with %d points:\n", indent, node.NumPoints())
	for i := node.StartIdx; i < node.EndIdx; i++ {
		fmt.Fprintf(sb, "%s  %v (point %d)\n",
			indent, tree.Points[i*tree.Dimension:(i+1)*tree.Dimension], tree.Order[i])
	}
}
