// Package aggr implements segment aggregation: it reduces a tensor of row
// features, partitioned into groups, to one row per group.
//
// The partition is described by a Grouping, which accepts the two usual
// addressing conventions interchangeably:
//
//   - An indices vector shaped [numRows], where row i belongs to group
//     indices[i]. Groups don't need to be contiguous or sorted, and group ids
//     may skip values -- missing groups produce zero-filled output rows.
//   - A pointers (CSR-style) vector shaped [numGroups+1], where group g owns
//     the rows in the range [pointers[g], pointers[g+1]). This form requires
//     the rows to be sorted by group.
//
// Both forms are lowered to the same underlying scatter kernel, so for
// equivalent partitions they produce identical values.
package aggr

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Grouping describes a partition of the rows of a features tensor into
// groups. Create it with ByIndices, ByPointers, IndicesFromValues or
// PointersFromValues.
type Grouping struct {
	indices   *graph.Node
	pointers  *graph.Node
	numGroups int
	sorted    bool
}

// ByIndices creates a Grouping from an indices vector: row i belongs to group
// indices[i].
//
// Args:
//   - indices: vector shaped [numRows] of some integer dtype. Values must be
//     in the range [0, numGroups); this is a precondition, not checked (the
//     values are not available while building the graph). Rows addressing
//     groups outside the range are dropped from the output. If the concrete
//     index values are at hand, prefer IndicesFromValues, which validates.
//   - numGroups: number of output groups, required statically so the output
//     shape is known at graph building time.
func ByIndices(indices *graph.Node, numGroups int) *Grouping {
	if !indices.DType().IsInt() {
		exceptions.Panicf("aggr: invalid indices dtype %s, it must be an int or uint", indices.DType())
	}
	if indices.Rank() != 1 {
		exceptions.Panicf("aggr: indices must be shaped [numRows], got shape %s", indices.Shape())
	}
	if numGroups <= 0 {
		exceptions.Panicf("aggr: numGroups must be positive, got %d", numGroups)
	}
	return &Grouping{indices: indices, numGroups: numGroups}
}

// Sorted marks the indices of the Grouping as sorted in ascending group
// order, which leads to faster runtime in some platforms. If the indices are
// not actually sorted this leads to undefined behavior. It returns the
// modified Grouping, to allow chaining.
//
// Groupings created with ByPointers or PointersFromValues are already marked
// sorted, since the pointers form implies it.
func (gr *Grouping) Sorted() *Grouping {
	gr.sorted = true
	return gr
}

// ByPointers creates a Grouping from a pointers (CSR-style) offsets vector:
// group g owns the rows in [pointers[g], pointers[g+1]).
//
// Args:
//   - pointers: vector shaped [numGroups+1] of some integer dtype, with
//     pointers[0] == 0, non-decreasing, and pointers[numGroups] == numRows.
//     The rows of the aggregated tensor must be sorted by group; this is a
//     documented precondition and is not checked -- validating it would
//     require a data-dependent check inside the compiled graph. If the
//     concrete offsets are at hand, prefer PointersFromValues, which
//     validates them.
func ByPointers(pointers *graph.Node) *Grouping {
	if !pointers.DType().IsInt() {
		exceptions.Panicf("aggr: invalid pointers dtype %s, it must be an int or uint", pointers.DType())
	}
	if pointers.Rank() != 1 || pointers.Shape().Dim(0) < 2 {
		exceptions.Panicf("aggr: pointers must be shaped [numGroups+1] with numGroups >= 1, got shape %s", pointers.Shape())
	}
	return &Grouping{
		pointers:  pointers,
		numGroups: pointers.Shape().Dim(0) - 1,
		sorted:    true,
	}
}

// IndicesFromValues creates a Grouping from concrete index values, validating
// them: negative group ids are rejected.
//
// If numGroups <= 0 it is derived from the values as max(indices)+1.
func IndicesFromValues(g *graph.Graph, indices []int32, numGroups int) *Grouping {
	maxIndex := int32(-1)
	for i, idx := range indices {
		if idx < 0 {
			exceptions.Panicf("aggr: negative group index %d at row %d", idx, i)
		}
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	if numGroups <= 0 {
		numGroups = int(maxIndex) + 1
	}
	if int(maxIndex) >= numGroups {
		exceptions.Panicf("aggr: group index %d out of range for %d groups", maxIndex, numGroups)
	}
	if numGroups == 0 {
		exceptions.Panicf("aggr: cannot derive the number of groups from empty indices")
	}
	return ByIndices(graph.Const(g, indices), numGroups)
}

// PointersFromValues creates a Grouping from concrete pointer offsets,
// validating them: the offsets must start at 0 and be non-decreasing.
//
// The rows of the aggregated tensor must be sorted by group (see ByPointers).
func PointersFromValues(g *graph.Graph, pointers []int32) *Grouping {
	if len(pointers) < 2 {
		exceptions.Panicf("aggr: pointers must have at least 2 entries ([numGroups+1]), got %d", len(pointers))
	}
	if pointers[0] != 0 {
		exceptions.Panicf("aggr: pointers[0] must be 0, got %d", pointers[0])
	}
	for i := 1; i < len(pointers); i++ {
		if pointers[i] < pointers[i-1] {
			exceptions.Panicf("aggr: pointers must be non-decreasing, got %d after %d at position %d",
				pointers[i], pointers[i-1], i)
		}
	}
	return ByPointers(graph.Const(g, pointers))
}

// NumGroups the Grouping partitions the rows into. This is the leading
// dimension of aggregated outputs.
func (gr *Grouping) NumGroups() int { return gr.numGroups }

// IsSorted reports whether the rows are known to be sorted in ascending group
// order -- always true for the pointers form.
func (gr *Grouping) IsSorted() bool { return gr.sorted }

// RowIndices returns the group of each row as a vector shaped [numRows, 1] of
// Int32, ready to be consumed by scatter operations.
//
// For the pointers form the indices are derived on the fly: row i belongs to
// the group given by the number of offsets in pointers[1:] that are <= i.
// This derived view is what makes both addressing forms share a single
// reduction kernel. Deriving it materializes a [numRows, numGroups]
// comparison matrix, so for very large pointer vectors prefer building the
// Grouping from indices directly.
func (gr *Grouping) RowIndices(numRows int) *graph.Node {
	if gr.indices != nil {
		if gr.indices.Shape().Dim(0) != numRows {
			exceptions.Panicf("aggr: grouping indices are shaped %s, but the aggregated tensor has %d rows",
				gr.indices.Shape(), numRows)
		}
		return graph.ExpandAxes(graph.ConvertDType(gr.indices, dtypes.Int32), -1)
	}
	g := gr.pointers.Graph()
	bounds := graph.ConvertDType(graph.Slice(gr.pointers, graph.AxisRange(1, gr.numGroups+1)), dtypes.Int32)
	rows := graph.Iota(g, shapes.Make(dtypes.Int32, numRows, 1), 0)
	belongs := graph.GreaterOrEqual(rows, graph.InsertAxes(bounds, 0)) // [numRows, numGroups]
	return graph.ExpandAxes(graph.ReduceSum(graph.ConvertDType(belongs, dtypes.Int32), -1), -1)
}

// checkFeatures validates the tensor being aggregated.
func checkFeatures(x *graph.Node, opName string) {
	if x.Rank() != 2 {
		exceptions.Panicf("aggr.%s: features must be shaped [numRows, numChannels], got shape %s", opName, x.Shape())
	}
	if !x.DType().IsFloat() {
		exceptions.Panicf("aggr.%s: invalid features dtype %s, it must be float", opName, x.DType())
	}
}

// Sum aggregates x per group: output row g is the elementwise sum of the rows
// of group g. Empty groups yield zero rows.
//
// Args:
//   - x: features shaped [numRows, numChannels] of some float dtype.
//   - grouping: the partition of the rows into groups.
//
// It returns a tensor shaped [numGroups, numChannels] with the dtype of x.
func Sum(x *graph.Node, grouping *Grouping) *graph.Node {
	checkFeatures(x, "Sum")
	g := x.Graph()
	numRows, numChannels := x.Shape().Dim(0), x.Shape().Dim(1)
	indices := grouping.RowIndices(numRows)
	zeros := graph.Zeros(g, shapes.Make(x.DType(), grouping.numGroups, numChannels))
	return graph.ScatterSum(zeros, indices, x, grouping.sorted, false)
}

// Count returns the number of rows in each group, shaped [numGroups, 1], with
// the given dtype. numRows is the length of the partitioned row axis.
func Count(g *graph.Graph, grouping *Grouping, numRows int, dtype dtypes.DType) *graph.Node {
	indices := grouping.RowIndices(numRows)
	ones := graph.Ones(g, shapes.Make(dtype, numRows, 1))
	zeros := graph.Zeros(g, shapes.Make(dtype, grouping.numGroups, 1))
	return graph.ScatterSum(zeros, indices, ones, grouping.sorted, false)
}

// Mean aggregates x per group: output row g is the elementwise mean of the
// rows of group g. Empty groups yield zero rows (not NaN), by convention.
//
// Args and result shapes are as in Sum.
func Mean(x *graph.Node, grouping *Grouping) *graph.Node {
	checkFeatures(x, "Mean")
	sum := Sum(x, grouping)
	count := Count(x.Graph(), grouping, x.Shape().Dim(0), x.DType())
	// MaxScalar turns the 0 count of empty groups into a harmless 1: their
	// sum is 0, so 0/1 keeps the row zero instead of NaN.
	return graph.Div(sum, graph.MaxScalar(count, 1))
}

// VariancePreserving aggregates x per group with the variance preserving
// aggregation (VPA):
//
//	vpa = sign(sum) * sqrt(|mean| * |sum|)
//
// computed elementwise per channel per group. It interpolates between the sum
// (whose variance grows with the group size) and the mean (whose variance
// shrinks), keeping the output variance close to the input variance
// regardless of group cardinality -- neighborhood sizes in graphs vary a lot.
//
// It is defined in terms of Sum and Mean, so the identity above holds exactly
// for both addressing forms of the Grouping.
//
// Based on "GNN-VPA: A Variance-Preserving Aggregation Strategy for Graph
// Neural Networks" (Schneckenreiter et al.), https://arxiv.org/abs/2403.04747.
//
// Args and result shapes are as in Sum.
func VariancePreserving(x *graph.Node, grouping *Grouping) *graph.Node {
	checkFeatures(x, "VariancePreserving")
	sum := Sum(x, grouping)
	mean := Mean(x, grouping)
	return graph.Mul(graph.Sign(sum), graph.Sqrt(graph.Mul(graph.Abs(mean), graph.Abs(sum))))
}
