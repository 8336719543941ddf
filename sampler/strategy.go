package sampler

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Strategy describes what to sample: a tree of rules rooted at seed nodes,
// each edge rule expanding its source rule's nodes through one edge type
// with a fixed fan-out.
//
// It is created with Sampler.NewStrategy, populated with Strategy.Nodes /
// Strategy.NodesFromSet and Rule.FromEdges, and freezes once a Dataset is
// created from it.
type Strategy struct {
	Sampler *Sampler

	// Rules by name, seeds and edge rules alike.
	Rules map[string]*Rule

	// Seeds lists the root rules in creation order.
	Seeds []*Rule

	frozen bool
}

// Nodes creates a seed rule that samples nodes of the given type; count is
// typically the batch size. Without shuffling the nodes are visited
// sequentially from 0; see Dataset.Shuffle.
func (strategy *Strategy) Nodes(name, nodeTypeName string, count int) *Rule {
	return strategy.newSeedRule(name, nodeTypeName, count, nil)
}

// NodesFromSet is like Nodes but samples only from the given set of node
// indices -- e.g. one set per train/validation/test split.
func (strategy *Strategy) NodesFromSet(name, nodeTypeName string, count int, nodeSet []int32) *Rule {
	if len(nodeSet) == 0 {
		exceptions.Panicf("rule %q: NodesFromSet requires a non-empty nodeSet", name)
	}
	return strategy.newSeedRule(name, nodeTypeName, count, nodeSet)
}

func (strategy *Strategy) newSeedRule(name, nodeTypeName string, count int, nodeSet []int32) *Rule {
	if strategy.frozen {
		exceptions.Panicf("Strategy is frozen, a Dataset was already created from it and it can no longer be modified")
	}
	numNodes, found := strategy.Sampler.NodeTypesToCount[nodeTypeName]
	if !found {
		exceptions.Panicf("unknown node type %q for rule %q", nodeTypeName, name)
	}
	if count <= 0 {
		exceptions.Panicf("rule %q: count must be > 0, got %d", name, count)
	}
	if prev, found := strategy.Rules[name]; found {
		exceptions.Panicf("rule named %q already exists: %s", name, prev)
	}
	for _, idx := range nodeSet {
		if idx < 0 || idx >= numNodes {
			exceptions.Panicf("rule %q: nodeSet contains index %d, out of range for node type %q with %d nodes",
				name, idx, nodeTypeName, numNodes)
		}
	}
	r := &Rule{
		Strategy:     strategy,
		Name:         name,
		NodeTypeName: nodeTypeName,
		NumNodes:     numNodes,
		Count:        count,
		Shape:        shapes.Make(dtypes.Int32, count),
		NodeSet:      nodeSet,
	}
	strategy.Rules[name] = r
	strategy.Seeds = append(strategy.Seeds, r)
	return r
}

// NewDataset creates a Dataset that yields samples of this strategy,
// implementing train.Dataset. Creating a dataset freezes the strategy;
// several datasets can be created from the same strategy.
func (strategy *Strategy) NewDataset(name string) *Dataset {
	if len(strategy.Seeds) == 0 {
		exceptions.Panicf("cannot create a Dataset from a strategy with no seed rules -- see Strategy.Nodes and Strategy.NodesFromSet")
	}
	strategy.frozen = true
	return &Dataset{
		name:          name,
		strategy:      strategy,
		numEpochs:     1,
		startOfEpoch:  true,
		seedsPosition: make([]int32, len(strategy.Seeds)),
	}
}

// Sample holds the yielded tensors of one rule: the sampled node indices and
// the mask marking which entries are real (as opposed to padding).
type Sample struct {
	Values, Mask *tensors.Tensor
}

// Parse maps the flat inputs slice yielded by a Dataset back to the rules
// that produced them, by rule name.
func (strategy *Strategy) Parse(inputs []*tensors.Tensor) map[string]Sample {
	rules := strategy.flatRules()
	if len(inputs) != 2*len(rules) {
		exceptions.Panicf("Parse got %d inputs, but the strategy's %d rules yield %d tensors",
			len(inputs), len(rules), 2*len(rules))
	}
	samples := make(map[string]Sample, len(rules))
	for i, rule := range rules {
		samples[rule.Name] = Sample{Values: inputs[2*i], Mask: inputs[2*i+1]}
	}
	return samples
}

// flatRules returns all rules in yield order: depth-first from each seed.
func (strategy *Strategy) flatRules() []*Rule {
	var rules []*Rule
	var recurse func(*Rule)
	recurse = func(rule *Rule) {
		rules = append(rules, rule)
		for _, dependent := range rule.Dependents {
			recurse(dependent)
		}
	}
	for _, seed := range strategy.Seeds {
		recurse(seed)
	}
	return rules
}

// String returns a multi-line description of the strategy's rule tree.
func (strategy *Strategy) String() string {
	parts := make([]string, 0, 1+len(strategy.Rules))
	var frozenDesc string
	if strategy.frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampling strategy: %d rules%s", len(strategy.Rules), frozenDesc))
	for _, seed := range strategy.Seeds {
		parts = appendRulesRecursively(parts, seed, 1)
	}
	return strings.Join(parts, "\n")
}

func appendRulesRecursively(parts []string, rule *Rule, indent int) []string {
	parts = append(parts, fmt.Sprintf("%s> %s", strings.Repeat("  ", indent), rule))
	for _, dependent := range rule.Dependents {
		parts = appendRulesRecursively(parts, dependent, indent+1)
	}
	return parts
}
