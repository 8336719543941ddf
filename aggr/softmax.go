package aggr

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Softmax computes a softmax of logits within each group of the Grouping:
//
//	denominator[g] = \sum_{i in group g} exp(logits[i])
//	softmax[i] = exp(logits[i]) / denominator[group(i)]
//
// If mask is not nil, exp(logits[i]) is replaced with 0 where mask is false,
// and the corresponding outputs are 0.
//
// The logits are shifted by each group's maximum before exponentiation, which
// doesn't change the result but keeps it numerically stable. Groups whose
// denominator is 0 (empty or fully masked out) yield 0s, not NaN.
//
// Args:
//   - logits: vector shaped [numRows] of some float dtype.
//   - mask: nil, or a vector shaped [numRows] of bools.
//   - grouping: the partition of the rows into groups, in either addressing
//     form.
//
// It returns a vector shaped [numRows] with the same dtype as logits.
func Softmax(logits, mask *graph.Node, grouping *Grouping) *graph.Node {
	if !logits.DType().IsFloat() {
		exceptions.Panicf("aggr.Softmax: invalid logits dtype %s, it must be float", logits.DType())
	}
	if logits.Rank() != 1 {
		exceptions.Panicf("aggr.Softmax: logits must be shaped [numRows], got shape %s", logits.Shape())
	}
	numRows := logits.Shape().Dim(0)
	if mask != nil {
		if mask.DType() != dtypes.Bool {
			exceptions.Panicf("aggr.Softmax: invalid mask dtype %s, it must be bool", mask.DType())
		}
		if mask.Shape().CheckDims(numRows) != nil {
			exceptions.Panicf("aggr.Softmax: mask must be shaped [numRows=%d], got shape %s", numRows, mask.Shape())
		}
	}

	g := logits.Graph()
	dtype := logits.DType()
	zero := graph.ScalarZero(g, dtype)
	one := graph.ScalarOne(g, dtype)
	lowest := graph.Const(g, dtype.LowestValue())
	indices := grouping.RowIndices(numRows)

	// Per-group maximum, used only to shift the logits: masked out rows must
	// not participate.
	groupMax := graph.BroadcastToDims(lowest, grouping.numGroups)
	shifting := logits
	if mask != nil {
		shifting = graph.Where(mask, logits, graph.BroadcastToDims(lowest, numRows))
	}
	groupMax = graph.ScatterMax(groupMax, indices, shifting, grouping.sorted, false)
	groupMax = graph.StopGradient(graph.Gather(groupMax, indices, grouping.sorted))

	expLogits := graph.Exp(graph.Sub(logits, groupMax))
	if mask != nil {
		expLogits = graph.Where(mask, expLogits, zero)
	}

	denominator := graph.Zeros(g, shapes.Make(dtype, grouping.numGroups))
	denominator = graph.ScatterSum(denominator, indices, expLogits, grouping.sorted, false)
	// Avoid dividing by 0 on empty or fully masked out groups.
	denominator = graph.Where(graph.Equal(denominator, zero), one, denominator)
	denominator = graph.Gather(denominator, indices, grouping.sorted)

	return graph.Div(expLogits, denominator)
}
