package geometry

import (
	"sort"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// NearestEdgesConfig is created with NearestEdges and once fully configured,
// can be executed with Done.
type NearestEdgesConfig struct {
	source, target *tensors.Tensor
	k              int
	excludeSelf    bool
}

// NearestEdges returns edges connecting each source point to its closest
// target points.
//
// This runs only on CPU -- no graphs or backends are used.
//
// Args:
//   - source: shaped [numSourcePoints, dimension], where the dimension is
//     usually 2 or 3. Only float32 and float64 data types are supported.
//   - target: shaped [numTargetPoints, dimension], same dimension and data
//     type as source.
//
// It returns a configuration that can be optionally configured (see K and
// ExcludeSelf). Call NearestEdgesConfig.Done to perform the operation.
func NearestEdges(source, target *tensors.Tensor) *NearestEdgesConfig {
	return &NearestEdgesConfig{
		source: source,
		target: target,
		k:      1,
	}
}

// K sets how many of the closest target points each source point connects
// to. Defaults to 1.
func (c *NearestEdgesConfig) K(k int) *NearestEdgesConfig {
	c.k = k
	return c
}

// ExcludeSelf skips the target point with the same index as the source
// point. Use it to build a k-nearest-neighbors graph over a single point
// set, passing it as both source and target.
func (c *NearestEdgesConfig) ExcludeSelf() *NearestEdgesConfig {
	c.excludeSelf = true
	return c
}

// Done performs the NearestEdges operation as configured.
//
// It returns a tensor "edges" shaped [2, numEdges] Int32, where edge_i
// connects source point edges[0][i] to target point edges[1][i]. Edges come
// grouped by source point in ascending order, closest target first. Each
// source point contributes k edges, fewer if there are fewer (eligible)
// target points.
func (c *NearestEdgesConfig) Done() (*tensors.Tensor, error) {
	source := c.source
	target := c.target
	if source == nil || target == nil {
		return nil, errors.Errorf("nearest edges require non-nil source and target tensors")
	}
	if source.Size() == 0 || target.Size() == 0 {
		return nil, errors.Errorf("nearest edges source (%s) or target (%s) are empty",
			source.Shape(), target.Shape())
	}
	if source.Shape().Rank() != 2 || target.Shape().Rank() != 2 {
		return nil, errors.Errorf("source (%s) and target (%s) must be rank 2: [numPoints, dimension]",
			source.Shape(), target.Shape())
	}
	dimension := source.Shape().Dimensions[1]
	if dimension != target.Shape().Dimensions[1] {
		return nil, errors.Errorf("dimension of the points (last axis) for source (%s) and target (%s) must match",
			source.Shape(), target.Shape())
	}
	dtype := source.DType()
	if dtype != target.DType() {
		return nil, errors.Errorf("DType of the source (%s) and target (%s) must match and be either Float32 or Float64",
			source.Shape(), target.Shape())
	}
	if c.k < 1 {
		return nil, errors.Errorf("K must be at least 1, got %d", c.k)
	}

	var edgesSource, edgesTarget []int32
	var err error
	switch dtype {
	case dtypes.Float32:
		tensors.ConstFlatData[float32](source, func(flatSource []float32) {
			tensors.ConstFlatData[float32](target, func(flatTarget []float32) {
				edgesSource, edgesTarget, err = nearestEdgesImpl(c, flatSource, flatTarget, dimension)
			})
		})
	case dtypes.Float64:
		tensors.ConstFlatData[float64](source, func(flatSource []float64) {
			tensors.ConstFlatData[float64](target, func(flatTarget []float64) {
				edgesSource, edgesTarget, err = nearestEdgesImpl(c, flatSource, flatTarget, dimension)
			})
		})
	default:
		return nil, errors.Errorf("DType of the source (%s) and target (%s) must match and be either Float32 or Float64",
			source.Shape(), target.Shape())
	}
	if err != nil {
		return nil, err
	}
	numEdges := len(edgesSource)
	if numEdges == 0 {
		return nil, errors.Errorf("no edges found: every source point had zero eligible target points")
	}
	edgesT := tensors.FromShape(shapes.Make(dtypes.Int32, 2, numEdges))
	tensors.MutableFlatData[int32](edgesT, func(flatEdges []int32) {
		copy(flatEdges[:numEdges], edgesSource)
		copy(flatEdges[numEdges:], edgesTarget)
	})
	return edgesT, nil
}

func nearestEdgesImpl[T Coord](c *NearestEdgesConfig, source, target []T, dimension int) (edgesSource, edgesTarget []int32, err error) {
	kd, err := NewKDTree(target, dimension, 16)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building the kd-tree of the target points")
	}

	numSourcePoints := len(source) / dimension
	best := make([]neighbor[T], 0, c.k)
	for i := range numSourcePoints {
		point := source[i*dimension : (i+1)*dimension]
		skip := -1
		if c.excludeSelf {
			skip = i
		}
		best = searchNode(kd, kd.Root, point, c.k, skip, best[:0])
		for _, nb := range best {
			edgesSource = append(edgesSource, int32(i))
			edgesTarget = append(edgesTarget, int32(nb.index))
		}
	}
	return
}

// neighbor is a candidate match during a nearest-neighbors search.
type neighbor[T Coord] struct {
	index int // Caller's point index.
	dist2 T
}

// searchNode collects the k targets covered by node closest to point into
// best (closest first), reusing best's backing array. skip is a caller point
// index to ignore, or -1.
func searchNode[T Coord](kd *KDTree[T], node *KDTreeNode[T], point []T, k, skip int, best []neighbor[T]) []neighbor[T] {
	if node.IsLeaf() {
		for i := node.StartIdx; i < node.EndIdx; i++ {
			callerIdx := kd.Order[i]
			if callerIdx == skip {
				continue
			}
			dist2 := l2Dist2(point, kd.Points[i*kd.Dimension:(i+1)*kd.Dimension])
			best = insertNeighbor(best, neighbor[T]{index: callerIdx, dist2: dist2}, k)
		}
		return best
	}

	// Descend into the half-space holding the point first.
	first, second := node.Left, node.Right
	if point[node.SplitAxis] >= node.SplitValue {
		first, second = second, first
	}
	best = searchNode(kd, first, point, k, skip, best)

	// The other half-space only matters if the splitting plane is closer
	// than the current k-th best match.
	planeDist := point[node.SplitAxis] - node.SplitValue
	if len(best) < k || planeDist*planeDist < best[len(best)-1].dist2 {
		best = searchNode(kd, second, point, k, skip, best)
	}
	return best
}

// insertNeighbor inserts nb into best keeping it sorted by distance and
// capped at k entries.
func insertNeighbor[T Coord](best []neighbor[T], nb neighbor[T], k int) []neighbor[T] {
	if len(best) == k && nb.dist2 >= best[k-1].dist2 {
		return best
	}
	pos := sort.Search(len(best), func(i int) bool { return best[i].dist2 > nb.dist2 })
	if len(best) < k {
		best = append(best, neighbor[T]{})
	}
	copy(best[pos+1:], best[pos:])
	best[pos] = nb
	return best
}
