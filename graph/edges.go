// Package graph manipulates edge lists as eager tensors, before they enter
// any computation graph: merging edge sets, sorting, converting to a
// compressed (CSR) form, reversing and symmetrizing.
//
// Edge lists are tensors shaped [2, numEdges] of Int32, row 0 holding source
// node indices and row 1 target node indices.
package graph

import (
	"sort"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

func checkEdges(edgesT *tensors.Tensor) error {
	if edgesT.Shape().Rank() != 2 || edgesT.Shape().Dimensions[0] != 2 {
		return errors.Errorf("invalid shape for edges tensor: got %s, wanted [2, numEdges]", edgesT.Shape())
	}
	if edgesT.DType() != dtypes.Int32 {
		return errors.Errorf("invalid dtype for edges tensor: got %s, wanted Int32", edgesT.DType())
	}
	return nil
}

// UnionEdges takes a set of edge tensors, combines them, removes duplicates,
// and returns a single tensor with the unique edges.
//
// The input tensors are expected to be of shape [2, numEdges] and have a DType
// of Int32. The order of the returned edges is unspecified; see
// SortEdgesBySource.
func UnionEdges(inputEdges ...*tensors.Tensor) (*tensors.Tensor, error) {
	if len(inputEdges) == 0 {
		return nil, errors.Errorf("no input edges provided")
	}

	// A map keyed by the edge pair handles duplicates.
	type edge struct {
		source int32
		target int32
	}
	uniqueEdges := make(map[edge]struct{})

	for _, edgesT := range inputEdges {
		if edgesT == nil || edgesT.Shape().Size() == 0 {
			continue
		}
		if err := checkEdges(edgesT); err != nil {
			return nil, err
		}

		numEdges := edgesT.Shape().Dimensions[1]
		tensors.ConstFlatData(edgesT, func(flat []int32) {
			sources, targets := flat[:numEdges], flat[numEdges:]
			for i := range numEdges {
				uniqueEdges[edge{source: sources[i], target: targets[i]}] = struct{}{}
			}
		})
	}

	numUniqueEdges := len(uniqueEdges)
	output := tensors.FromShape(shapes.Make(dtypes.Int32, 2, numUniqueEdges))
	tensors.MutableFlatData(output, func(flat []int32) {
		var edgeIdx int
		for e := range uniqueEdges {
			flat[edgeIdx] = e.source
			flat[edgeIdx+numUniqueEdges] = e.target
			edgeIdx++
		}
	})
	return output, nil
}

// ReverseEdges returns a new edges tensor with every edge flipped: sources
// become targets and vice versa. The input is not modified.
func ReverseEdges(edges *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkEdges(edges); err != nil {
		return nil, err
	}
	numEdges := edges.Shape().Dimensions[1]
	reversed := tensors.FromShape(shapes.Make(dtypes.Int32, 2, numEdges))
	tensors.ConstFlatData(edges, func(flat []int32) {
		tensors.MutableFlatData(reversed, func(out []int32) {
			copy(out[:numEdges], flat[numEdges:])
			copy(out[numEdges:], flat[:numEdges])
		})
	})
	return reversed, nil
}

// UndirectedEdges returns the symmetric closure of the given edges: the union
// of the edges with their reversals, duplicates removed. Self-loops appear
// once.
func UndirectedEdges(edges *tensors.Tensor) (*tensors.Tensor, error) {
	reversed, err := ReverseEdges(edges)
	if err != nil {
		return nil, err
	}
	return UnionEdges(edges, reversed)
}

// SortEdgesBySource in-place in the tensor, secondary order by target. The
// tensor contents are mutated -- and moved to local storage if they were
// stored in an accelerator before.
func SortEdgesBySource(edges *tensors.Tensor) error {
	if err := checkEdges(edges); err != nil {
		return err
	}
	tensors.MutableFlatData(edges, func(flat []int32) {
		sort.Sort(edgesSortableBySource(flat))
	})
	return nil
}

type edgesSortableBySource []int32

func (edges edgesSortableBySource) Len() int { return len(edges) / 2 }
func (edges edgesSortableBySource) Less(i, j int) bool {
	// Check source ids.
	if edges[i] != edges[j] {
		return edges[i] < edges[j]
	}
	numEdges := edges.Len()
	// Secondary order is by target ids.
	return edges[i+numEdges] < edges[j+numEdges]
}
func (edges edgesSortableBySource) Swap(i, j int) {
	numEdges := edges.Len()
	edges[i], edges[j] = edges[j], edges[i]                                     // source ids
	edges[i+numEdges], edges[j+numEdges] = edges[j+numEdges], edges[i+numEdges] // target ids
}

// EdgesToCSR converts an edge list into compressed sparse row form over the
// source nodes: starts is shaped [numSourceNodes+1] and targets [numEdges],
// both Int32, such that the targets of source node n are
// targets[starts[n]:starts[n+1]], sorted ascending. starts[0] is always 0 and
// starts[numSourceNodes] is numEdges, so starts is also a valid
// pointer-vector grouping of the edges by source.
//
// Sources and targets may index different node sets (bipartite edges), hence
// the separate counts; pass the same count twice for a homogeneous graph.
// The input is not modified; out-of-range edges are rejected.
func EdgesToCSR(edges *tensors.Tensor, numSourceNodes, numTargetNodes int) (starts, targets *tensors.Tensor, err error) {
	if err = checkEdges(edges); err != nil {
		return nil, nil, err
	}
	if numSourceNodes <= 0 || numTargetNodes <= 0 {
		return nil, nil, errors.Errorf("node counts must be positive, got %d source and %d target nodes",
			numSourceNodes, numTargetNodes)
	}
	numEdges := edges.Shape().Dimensions[1]
	starts = tensors.FromShape(shapes.Make(dtypes.Int32, numSourceNodes+1))
	targets = tensors.FromShape(shapes.Make(dtypes.Int32, numEdges))
	tensors.ConstFlatData(edges, func(flat []int32) {
		sources, edgeTargets := flat[:numEdges], flat[numEdges:]
		for i := range numEdges {
			if sources[i] < 0 || int(sources[i]) >= numSourceNodes ||
				edgeTargets[i] < 0 || int(edgeTargets[i]) >= numTargetNodes {
				err = errors.Errorf("edge %d is (%d -> %d), out of range for %d source and %d target nodes",
					i, sources[i], edgeTargets[i], numSourceNodes, numTargetNodes)
				return
			}
		}
		tensors.MutableFlatData(starts, func(startsFlat []int32) {
			for _, source := range sources {
				startsFlat[source+1]++
			}
			for n := range numSourceNodes {
				startsFlat[n+1] += startsFlat[n]
			}
			tensors.MutableFlatData(targets, func(targetsFlat []int32) {
				// Counting sort of the targets, using a scratch copy of starts
				// as the insertion cursor per source.
				cursor := make([]int32, numSourceNodes)
				copy(cursor, startsFlat[:numSourceNodes])
				for i := range numEdges {
					source := sources[i]
					targetsFlat[cursor[source]] = edgeTargets[i]
					cursor[source]++
				}
				for n := range numSourceNodes {
					row := targetsFlat[startsFlat[n]:startsFlat[n+1]]
					sort.Slice(row, func(i, j int) bool { return row[i] < row[j] })
				}
			})
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return starts, targets, nil
}

// OutDegrees returns the number of outgoing edges of each node, shaped
// [numNodes] Int32.
func OutDegrees(edges *tensors.Tensor, numNodes int) (*tensors.Tensor, error) {
	return degrees(edges, numNodes, 0)
}

// InDegrees returns the number of incoming edges of each node, shaped
// [numNodes] Int32.
func InDegrees(edges *tensors.Tensor, numNodes int) (*tensors.Tensor, error) {
	return degrees(edges, numNodes, 1)
}

func degrees(edges *tensors.Tensor, numNodes, row int) (*tensors.Tensor, error) {
	if err := checkEdges(edges); err != nil {
		return nil, err
	}
	if numNodes <= 0 {
		return nil, errors.Errorf("numNodes must be positive, got %d", numNodes)
	}
	numEdges := edges.Shape().Dimensions[1]
	counts := tensors.FromShape(shapes.Make(dtypes.Int32, numNodes))
	var err error
	tensors.ConstFlatData(edges, func(flat []int32) {
		nodes := flat[row*numEdges : (row+1)*numEdges]
		tensors.MutableFlatData(counts, func(countsFlat []int32) {
			for i, node := range nodes {
				if node < 0 || int(node) >= numNodes {
					err = errors.Errorf("edge %d references node %d, out of range for %d nodes", i, node, numNodes)
					return
				}
				countsFlat[node]++
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
