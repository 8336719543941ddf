package aggr

import (
	"math/rand/v2"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestSumMeanVariancePreserving(t *testing.T) {
	graphFn := func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, [][]float32{
			{1, -2, 3},
			{3, 2, -1},
			{0, 1, 2},
			{2, 3, 4},
			{4, 5, 0},
			{-1, 2, -3},
		})
		grouping := IndicesFromValues(g, []int32{0, 0, 1, 1, 1, 3}, 4)
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{Sum(x, grouping), Mean(x, grouping), VariancePreserving(x, grouping)}
		return
	}
	graphtest.RunTestGraphFn(t, "SumMeanVariancePreserving", graphFn, []any{
		[][]float32{
			{4, 0, 2},
			{6, 9, 6},
			{0, 0, 0}, // Group 2 has no rows.
			{-1, 2, -3},
		},
		[][]float32{
			{2, 0, 1},
			{2, 3, 2},
			{0, 0, 0},
			{-1, 2, -3},
		},
		[][]float32{
			{2.8284271, 0, 1.4142135},
			{3.4641016, 5.1961524, 3.4641016},
			{0, 0, 0},
			// A single-row group: mean == sum, so VPA passes the row through.
			{-1, 2, -3},
		},
	}, 1e-5)
}

// TestPointersFormMatchesIndicesForm checks that for the same partition the
// two addressing forms agree on every reduction, and that the VPA identity
// vpa == sign(sum)*sqrt(|mean|*|sum|) holds.
func TestPointersFormMatchesIndicesForm(t *testing.T) {
	const numRows, numChannels = 6, 16
	values := make([][]float32, numRows)
	rng := rand.New(rand.NewPCG(0, 42))
	for i := range values {
		values[i] = make([]float32, numChannels)
		for j := range values[i] {
			values[i][j] = float32(rng.NormFloat64())
		}
	}

	graphFn := func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, values)
		// Rows are sorted by group, so the same partition can be written both ways.
		byIndices := IndicesFromValues(g, []int32{0, 0, 1, 1, 1, 3}, 4)
		byPointers := PointersFromValues(g, []int32{0, 2, 5, 5, 6})

		sum := Sum(x, byIndices)
		mean := Mean(x, byIndices)
		vpa := VariancePreserving(x, byIndices)
		identity := graph.Mul(graph.Sign(sum), graph.Sqrt(graph.Mul(graph.Abs(mean), graph.Abs(sum))))

		inputs = []*graph.Node{x}
		outputs = []*graph.Node{
			graph.Sub(sum, Sum(x, byPointers)),
			graph.Sub(mean, Mean(x, byPointers)),
			graph.Sub(vpa, VariancePreserving(x, byPointers)),
			graph.Sub(vpa, identity),
		}
		return
	}
	zeros := tensors.FromShape(shapes.Make(dtypes.Float32, 4, numChannels))
	graphtest.RunTestGraphFn(t, "PointersFormMatchesIndicesForm", graphFn,
		[]any{zeros, zeros, zeros, zeros}, 1e-6)
}

// A single row in a single group aggregates to itself for every reduction.
func TestSingleRowSingleGroup(t *testing.T) {
	graphFn := func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, [][]float32{{-2, 0, 5}})
		grouping := IndicesFromValues(g, []int32{0}, 0) // numGroups derived.
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{Sum(x, grouping), Mean(x, grouping), VariancePreserving(x, grouping)}
		return
	}
	row := [][]float32{{-2, 0, 5}}
	graphtest.RunTestGraphFn(t, "SingleRowSingleGroup", graphFn,
		[]any{row, row, row}, 1e-6)
}

func TestGroupingValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := graph.NewGraph(backend, "validation")

	require.Panics(t, func() { IndicesFromValues(g, []int32{0, -1, 2}, 3) },
		"negative group indices must be rejected")
	require.Panics(t, func() { IndicesFromValues(g, []int32{0, 5}, 3) },
		"indices beyond numGroups must be rejected")
	require.Panics(t, func() { PointersFromValues(g, []int32{1, 2, 3}) },
		"pointers not starting at 0 must be rejected")
	require.Panics(t, func() { PointersFromValues(g, []int32{0, 3, 2}) },
		"decreasing pointers must be rejected")
	require.Panics(t, func() { PointersFromValues(g, []int32{0}) },
		"pointers must delimit at least one group")
	require.Panics(t, func() { ByIndices(graph.Const(g, []int32{0, 1}), 0) },
		"numGroups is required for the indices form")
	require.Panics(t, func() { ByIndices(graph.Const(g, []float32{0, 1}), 2) },
		"float indices must be rejected")
	require.Panics(t, func() { ByPointers(graph.Const(g, [][]int32{{0, 1}})) },
		"pointers must be rank 1")

	require.Panics(t, func() {
		x := graph.Const(g, []float32{1, 2, 3}) // Rank 1, not [numRows, numChannels].
		Sum(x, IndicesFromValues(g, []int32{0, 0, 1}, 2))
	}, "features must be rank 2")
	require.Panics(t, func() {
		x := graph.Const(g, [][]float32{{1}, {2}})
		Sum(x, IndicesFromValues(g, []int32{0, 0, 1}, 2))
	}, "indices length must match the number of rows")
}
