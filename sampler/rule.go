package sampler

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gnnx/aggr"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Rule is one node of the sampling tree: either a seed rule (created with
// Strategy.Nodes / Strategy.NodesFromSet) or an edge rule expanding its
// source rule through one edge type (created with Rule.FromEdges).
//
// All fields are exported for reading; use the methods to modify.
type Rule struct {
	Strategy *Strategy

	// Name of the rule, also naming its tensors in a sample.
	Name string

	// NodeTypeName of the nodes this rule samples.
	NodeTypeName string

	// NumNodes of the sampled node type.
	NumNodes int32

	// SourceRule this rule expands from, nil for seed rules.
	SourceRule *Rule

	// Dependents lists the rules expanding from this one, in creation order.
	Dependents []*Rule

	// EdgeType sampled through, nil for seed rules.
	EdgeType *EdgeType

	// Count of samples: the batch size for seed rules, the fan-out per
	// source node for edge rules.
	Count int

	// Shape of the sampled tensor: the source rule's dimensions plus Count.
	Shape shapes.Shape

	// NodeSet restricts a seed rule to these node indices, nil for all.
	NodeSet []int32
}

// IsNode reports whether this is a seed (root) rule, as opposed to an edge
// rule.
func (r *Rule) IsNode() bool { return r.SourceRule == nil }

// NumRows of the sampled tensor when flattened to a row vector.
func (r *Rule) NumRows() int { return r.Shape.Size() }

// FromEdges creates a dependent rule that, for every node sampled by r,
// samples up to count target nodes through the given edge type. When a node
// has more than count edges, count of them are drawn randomly without
// replacement; when it has fewer, all are taken and the rest is padding.
func (r *Rule) FromEdges(name, edgeTypeName string, count int) *Rule {
	strategy := r.Strategy
	if strategy.frozen {
		exceptions.Panicf("Strategy is frozen, a Dataset was already created from it and it can no longer be modified")
	}
	if prev, found := strategy.Rules[name]; found {
		exceptions.Panicf("rule named %q already exists: %s", name, prev)
	}
	if count <= 0 {
		exceptions.Panicf("rule %q: count must be > 0, got %d", name, count)
	}
	edgeType, found := strategy.Sampler.EdgeTypes[edgeTypeName]
	if !found {
		exceptions.Panicf("unknown edge type %q for rule %q", edgeTypeName, name)
	}
	if edgeType.SourceNodeType != r.NodeTypeName {
		exceptions.Panicf("edge type %q samples from node type %q, but rule %q samples nodes of type %q",
			edgeTypeName, edgeType.SourceNodeType, r.Name, r.NodeTypeName)
	}
	newRule := &Rule{
		Strategy:     strategy,
		Name:         name,
		NodeTypeName: edgeType.TargetNodeType,
		NumNodes:     strategy.Sampler.NodeTypesToCount[edgeType.TargetNodeType],
		SourceRule:   r,
		EdgeType:     edgeType,
		Count:        count,
		Shape:        shapes.Make(dtypes.Int32, append(append([]int(nil), r.Shape.Dimensions...), count)...),
	}
	strategy.Rules[name] = newRule
	r.Dependents = append(r.Dependents, newRule)
	return newRule
}

// SourceGrouping returns the grouping of this edge rule's flattened rows by
// the source rule row they were sampled for: row i belongs to source row
// i/Count. It plugs directly into the aggr reductions to pool sampled
// neighbors back onto their source nodes.
//
// Only edge rules have a source to group by.
func (r *Rule) SourceGrouping(g *Graph) *aggr.Grouping {
	if r.IsNode() {
		exceptions.Panicf("rule %q is a seed rule, it has no source to group by", r.Name)
	}
	rowIndices := Iota(g, shapes.Make(dtypes.Int32, r.NumRows()), 0)
	return aggr.ByIndices(DivScalar(rowIndices, float64(r.Count)), r.SourceRule.NumRows()).Sorted()
}

// String returns a one-line description of the rule.
func (r *Rule) String() string {
	if r.IsNode() {
		var nodeSetDesc string
		if r.NodeSet != nil {
			nodeSetDesc = fmt.Sprintf(", nodeSet.size=%d", len(r.NodeSet))
		}
		return fmt.Sprintf("Rule %q: seed, nodeType=%q, shape=%s%s", r.Name, r.NodeTypeName, r.Shape, nodeSetDesc)
	}
	return fmt.Sprintf("Rule %q: edge, nodeType=%q, shape=%s, sourceRule=%q, edgeType=%q",
		r.Name, r.NodeTypeName, r.Shape, r.SourceRule.Name, r.EdgeType.Name)
}
