// Package sampler samples fixed-shape neighborhoods from a graph, to build
// mini-batches for GNN training.
//
// Samples always have the same tensor shapes, padding whatever could not be
// filled -- XLA requires static shapes. Every sampled tensor comes with a
// boolean mask of the same shape marking which entries are real.
//
// There are 3 phases when using it:
//
// (1) Register the full graph: node types with their sizes, and edge types
// with their edges:
//
//	s := sampler.New()
//	s.AddNodeType("papers", numPapers)
//	s.AddNodeType("authors", numAuthors)
//	s.AddEdgeType("writes", "authors", "papers", edgesWrites, false)
//	s.AddEdgeType("writtenBy", "authors", "papers", edgesWrites, true)
//
// (2) Build a sampling strategy, a tree of rules rooted at the seed nodes:
//
//	strategy := s.NewStrategy()
//	seeds := strategy.Nodes("seeds", "papers", batchSize)
//	authors := seeds.FromEdges("authors", "writtenBy", 8)
//	coauthored := authors.FromEdges("coauthored", "writes", 8)
//
// (3) Create a dataset from the strategy and feed it to a training loop; see
// Strategy.NewDataset.
package sampler

import (
	"fmt"
	"math"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gnnx/graph"
	"github.com/gomlx/gomlx/types/tensors"
)

// PaddingIndex fills the sampled entries that couldn't be fulfilled.
// Notice 0 is also a valid node index; always use the accompanying mask to
// tell padding apart from real values.
const PaddingIndex = 0

// Sampler holds the graph data to sample from: node types with their sizes
// and edge types in compressed (CSR) form.
//
// It is created with New, populated with AddNodeType and AddEdgeType, and
// once a Strategy is created from it, it freezes and can no longer change.
// All fields are exported for reading; use the methods to modify.
type Sampler struct {
	NodeTypesToCount map[string]int32
	EdgeTypes        map[string]*EdgeType
	Frozen           bool
}

// EdgeType stores the edges of one type, grouped by source node.
type EdgeType struct {
	Name, SourceNodeType, TargetNodeType string
	numTargetNodes                       int

	// Starts is the CSR pointer vector over source nodes: the targets of
	// source node n are EdgeTargets[Starts[n]:Starts[n+1]].
	// len(Starts) == NumSourceNodes()+1, Starts[0] == 0.
	Starts []int32

	// EdgeTargets lists target nodes grouped by source node, per Starts.
	EdgeTargets []int32
}

// NumSourceNodes of the source node type, including nodes without edges.
func (et *EdgeType) NumSourceNodes() int { return len(et.Starts) - 1 }

// NumTargetNodes of the target node type, including nodes without edges.
func (et *EdgeType) NumTargetNodes() int { return et.numTargetNodes }

// NumEdges of this type.
func (et *EdgeType) NumEdges() int { return len(et.EdgeTargets) }

// TargetsForSource returns the target nodes of the given source node.
// The returned slice is the Sampler's own storage; don't modify it.
func (et *EdgeType) TargetsForSource(srcIdx int32) []int32 {
	if srcIdx < 0 || int(srcIdx) >= et.NumSourceNodes() {
		exceptions.Panicf("invalid source node (%q) index %d for edge type %q (only %d source nodes)",
			et.SourceNodeType, srcIdx, et.Name, et.NumSourceNodes())
	}
	return et.EdgeTargets[et.Starts[srcIdx]:et.Starts[srcIdx+1]]
}

// New creates an empty Sampler.
//
// Populate it with AddNodeType and AddEdgeType before creating strategies.
func New() *Sampler {
	return &Sampler{
		NodeTypesToCount: make(map[string]int32),
		EdgeTypes:        make(map[string]*EdgeType),
	}
}

// AddNodeType registers a node type with the given number of nodes. Node
// indices are dense, from 0 to count-1.
func (s *Sampler) AddNodeType(name string, count int) {
	if s.Frozen {
		exceptions.Panicf("Sampler is frozen, a Strategy was already created from it and it can no longer be modified")
	}
	if count <= 0 {
		exceptions.Panicf("count of %d for node type %q invalid, it must be > 0", count, name)
	}
	if count > math.MaxInt32 {
		exceptions.Panicf("the sampler uses int32 indices, but node type %q count of %d doesn't fit", name, count)
	}
	s.NodeTypesToCount[name] = int32(count)
}

// AddEdgeType registers an edge type between two node types previously added
// with AddNodeType. The edges tensor is shaped [2, numEdges] Int32, row 0
// the source node indices and row 1 the targets -- the convention of the
// graph package, whose CSR conversion backs the storage. The tensor is not
// modified.
//
// If reverse is true, the sampling direction is flipped: sourceNodeType and
// targetNodeType (and the edge rows) are interpreted before reversing, so
// the same edges tensor registers both directions under different names.
func (s *Sampler) AddEdgeType(name, sourceNodeType, targetNodeType string, edges *tensors.Tensor, reverse bool) {
	if s.Frozen {
		exceptions.Panicf("Sampler is frozen, a Strategy was already created from it and it can no longer be modified")
	}
	countSource, found := s.NodeTypesToCount[sourceNodeType]
	if !found {
		exceptions.Panicf("unknown source node type %q for edge type %q -- add it with AddNodeType first", sourceNodeType, name)
	}
	countTarget, found := s.NodeTypesToCount[targetNodeType]
	if !found {
		exceptions.Panicf("unknown target node type %q for edge type %q -- add it with AddNodeType first", targetNodeType, name)
	}
	if reverse {
		var err error
		edges, err = graph.ReverseEdges(edges)
		if err != nil {
			exceptions.Panicf("AddEdgeType(%q): %v", name, err)
		}
		countSource, countTarget = countTarget, countSource
		sourceNodeType, targetNodeType = targetNodeType, sourceNodeType
	}

	starts, targets, err := graph.EdgesToCSR(edges, int(countSource), int(countTarget))
	if err != nil {
		exceptions.Panicf("AddEdgeType(%q): %v", name, err)
	}
	s.EdgeTypes[name] = &EdgeType{
		Name:           name,
		SourceNodeType: sourceNodeType,
		TargetNodeType: targetNodeType,
		numTargetNodes: int(countTarget),
		Starts:         tensors.CopyFlatData[int32](starts),
		EdgeTargets:    tensors.CopyFlatData[int32](targets),
	}
}

// NewStrategy starts an empty sampling strategy over this Sampler's graph.
//
// Once a strategy is created the Sampler freezes; multiple strategies can be
// created from the same Sampler (typically one per train/validation/test
// split).
func (s *Sampler) NewStrategy() *Strategy {
	s.Frozen = true
	return &Strategy{
		Sampler: s,
		Rules:   make(map[string]*Rule),
	}
}

// String returns a multi-line description of the registered graph.
func (s *Sampler) String() string {
	parts := make([]string, 0, 1+len(s.NodeTypesToCount)+len(s.EdgeTypes))
	var frozenDesc string
	if s.Frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampler: %d node types, %d edge types%s",
		len(s.NodeTypesToCount), len(s.EdgeTypes), frozenDesc))
	for name, count := range s.NodeTypesToCount {
		parts = append(parts, fmt.Sprintf("\tNodeType %q: %s nodes", name, humanize.Comma(int64(count))))
	}
	for name, et := range s.EdgeTypes {
		parts = append(parts, fmt.Sprintf("\tEdgeType %q: [%q]->[%q], %s edges",
			name, et.SourceNodeType, et.TargetNodeType, humanize.Comma(int64(et.NumEdges()))))
	}
	return strings.Join(parts, "\n")
}
