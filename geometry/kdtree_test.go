package geometry

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomCoords returns flat row-major coordinates in [-1, 1).
func randomCoords(numPoints, dimension int, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed))
	coords := make([]float64, numPoints*dimension)
	for i := range coords {
		coords[i] = 2*rng.Float64() - 1
	}
	return coords
}

// checkTreeInvariants walks the tree checking bounding boxes, child ranges
// and the split property.
func checkTreeInvariants[T Coord](t *testing.T, tree *KDTree[T], node *KDTreeNode[T]) {
	t.Helper()
	dim := tree.Dimension
	for i := node.StartIdx; i < node.EndIdx; i++ {
		for d := range dim {
			v := tree.Points[i*dim+d]
			assert.LessOrEqual(t, node.Min[d], v)
			assert.GreaterOrEqual(t, node.Max[d], v)
		}
	}
	if node.IsLeaf() {
		return
	}
	require.Equal(t, node.StartIdx, node.Left.StartIdx)
	require.Equal(t, node.Left.EndIdx, node.Right.StartIdx)
	require.Equal(t, node.EndIdx, node.Right.EndIdx)
	for i := node.Left.StartIdx; i < node.Left.EndIdx; i++ {
		assert.Less(t, tree.Points[i*dim+node.SplitAxis], node.SplitValue)
	}
	for i := node.Right.StartIdx; i < node.Right.EndIdx; i++ {
		assert.GreaterOrEqual(t, tree.Points[i*dim+node.SplitAxis], node.SplitValue)
	}
	checkTreeInvariants(t, tree, node.Left)
	checkTreeInvariants(t, tree, node.Right)
}

func TestNewKDTree(t *testing.T) {
	const numPoints, dimension, leafSize = 200, 3, 4
	coords := randomCoords(numPoints, dimension, 7)
	tree, err := NewKDTree(coords, dimension, leafSize)
	require.NoError(t, err)
	require.Equal(t, numPoints, tree.NumPoints)

	// Order is a permutation, and the reordered points are the originals.
	seen := make([]bool, numPoints)
	for treeIdx, origIdx := range tree.Order {
		require.False(t, seen[origIdx])
		seen[origIdx] = true
		assert.Equal(t, coords[origIdx*dimension:(origIdx+1)*dimension],
			tree.Points[treeIdx*dimension:(treeIdx+1)*dimension])
	}
	checkTreeInvariants(t, tree, tree.Root)

	// With distinct coordinates every leaf respects the requested size.
	var checkLeafSize func(node *KDTreeNode[float64])
	checkLeafSize = func(node *KDTreeNode[float64]) {
		if node.IsLeaf() {
			assert.LessOrEqual(t, node.NumPoints(), leafSize)
			return
		}
		checkLeafSize(node.Left)
		checkLeafSize(node.Right)
	}
	checkLeafSize(tree.Root)
}

func TestNewKDTreeRejectsBadArgs(t *testing.T) {
	_, err := NewKDTree([]float32{}, 2, 1)
	require.Error(t, err)
	_, err = NewKDTree([]float32{1, 2, 3}, 2, 1)
	require.Error(t, err, "length not a multiple of the dimension")
	_, err = NewKDTree([]float32{1, 2}, 0, 1)
	require.Error(t, err)
	_, err = NewKDTree([]float32{1, 2}, 2, 0)
	require.Error(t, err)
}

func TestKDTreeSplitFallsBackOnTies(t *testing.T) {
	// The x axis has the largest range, but ties through the median make
	// its split degenerate; the tree must fall back to splitting on y.
	coords := []float32{
		5, 0.0,
		5, 0.2,
		5, 0.4,
		5, 0.6,
		5, 0.8,
		9, 1.0,
	}
	tree, err := NewKDTree(coords, 2, 1)
	require.NoError(t, err)
	require.False(t, tree.Root.IsLeaf())
	assert.Equal(t, 1, tree.Root.SplitAxis)
	checkTreeInvariants(t, tree, tree.Root)
}

func TestKDTreeIdenticalPoints(t *testing.T) {
	// No split is possible: a single oversized leaf remains.
	tree, err := NewKDTree([]float64{1, 2, 1, 2, 1, 2, 1, 2}, 2, 1)
	require.NoError(t, err)
	require.True(t, tree.Root.IsLeaf())
	assert.Equal(t, 4, tree.Root.NumPoints())
}

func TestKDTreeString(t *testing.T) {
	tree, err := NewKDTree([]float32{0, 0, 1, 1, 2, 2, 3, 3}, 2, 2)
	require.NoError(t, err)
	desc := tree.String()
	assert.True(t, strings.HasPrefix(desc, "KDTree: 4 points, dimension 2"))
	assert.Contains(t, desc, "leaf")
}
