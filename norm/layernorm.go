package norm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gnnx/aggr"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// LayerNormMode selects what a LayerNorm normalizes over.
type LayerNormMode int

const (
	// NormalizeGraph normalizes over all channels and all nodes of each
	// graph instance. With a per-graph Grouping it normalizes each graph of a
	// concatenated batch independently; without one, the whole input is
	// treated as a single graph.
	NormalizeGraph LayerNormMode = iota

	// NormalizeNode normalizes each row independently, over its channel
	// dimension only, as in "Layer Normalization"
	// (https://arxiv.org/abs/1607.06450).
	NormalizeNode
)

// String implements fmt.Stringer.
func (mode LayerNormMode) String() string {
	switch mode {
	case NormalizeGraph:
		return "graph"
	case NormalizeNode:
		return "node"
	}
	return "invalid"
}

// LayerNorm normalizes node features without any batch-level state: each
// graph (NormalizeGraph mode) or each node (NormalizeNode mode) is
// normalized with its own statistics, so training and evaluation behave the
// same and no running statistics exist.
//
// In either mode the statistics of a group never depend on rows outside it:
// normalizing two batches separately or concatenated (with accordingly
// offset groupings) produces the same values per group.
//
// Create it with NewLayerNorm; the configuration is frozen at the first
// Forward call.
type LayerNorm struct {
	ctx         *context.Context
	numFeatures int
	dtype       dtypes.DType
	epsilon     float64
	affine      bool
	mode        LayerNormMode

	params *affineParams
	built  bool
}

// NewLayerNorm creates a layer normalization layer for inputs shaped
// [numRows, numFeatures], owning its variables under the given context
// scope.
//
// Defaults: NormalizeGraph mode, affine transform enabled, epsilon 1e-5,
// dtype Float32.
func NewLayerNorm(ctx *context.Context, numFeatures int) *LayerNorm {
	if numFeatures <= 0 {
		exceptions.Panicf("norm.LayerNorm: numFeatures must be positive, got %d", numFeatures)
	}
	return &LayerNorm{
		ctx:         ctx.In("layer_norm"),
		numFeatures: numFeatures,
		dtype:       dtypes.Float32,
		epsilon:     1e-5,
		affine:      true,
		mode:        NormalizeGraph,
	}
}

func (ln *LayerNorm) checkNotBuilt() {
	if ln.built {
		exceptions.Panicf("norm.LayerNorm: configuration cannot change after the first Forward call")
	}
}

// Mode sets what the layer normalizes over. Defaults to NormalizeGraph.
func (ln *LayerNorm) Mode(mode LayerNormMode) *LayerNorm {
	ln.checkNotBuilt()
	if mode != NormalizeGraph && mode != NormalizeNode {
		exceptions.Panicf("norm.LayerNorm: invalid mode %d", mode)
	}
	ln.mode = mode
	return ln
}

// Affine sets whether the layer applies a learned per-channel scale and
// offset after normalizing. Defaults to true.
func (ln *LayerNorm) Affine(value bool) *LayerNorm {
	ln.checkNotBuilt()
	ln.affine = value
	return ln
}

// Epsilon sets the small constant added to the variance to avoid dividing by
// zero. Defaults to 1e-5.
func (ln *LayerNorm) Epsilon(value float64) *LayerNorm {
	ln.checkNotBuilt()
	ln.epsilon = value
	return ln
}

// DType sets the dtype of the layer parameters and of the accepted inputs,
// Float32 or Float64. Defaults to Float32.
func (ln *LayerNorm) DType(dtype dtypes.DType) *LayerNorm {
	ln.checkNotBuilt()
	checkDType(dtype)
	ln.dtype = dtype
	return ln
}

func (ln *LayerNorm) build() {
	if ln.built {
		return
	}
	ln.built = true
	if ln.affine {
		ln.params = newAffineParams(ln.ctx, ln.dtype, ln.numFeatures)
	}
}

// Forward builds the normalization of x, shaped [numRows, numFeatures]. In
// NormalizeGraph mode all rows are treated as one graph; use ForwardGrouped
// for concatenated batches of graphs.
func (ln *LayerNorm) Forward(x *Node) *Node {
	return ln.ForwardGrouped(x, nil)
}

// ForwardGrouped builds the normalization of x, shaped
// [numRows, numFeatures], where batch maps each row to the graph it belongs
// to (in either addressing form of aggr). A nil batch treats all rows as one
// graph.
//
// In NormalizeNode mode the batch is irrelevant and ignored.
func (ln *LayerNorm) ForwardGrouped(x *Node, batch *aggr.Grouping) *Node {
	ln.build()
	checkInput(x, ln.numFeatures, ln.dtype, "LayerNorm")
	g := x.Graph()

	var normalized *Node
	switch {
	case ln.mode == NormalizeNode:
		mean := ReduceAndKeep(x, ReduceMean, -1)
		centered := Sub(x, mean)
		variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
		normalized = Div(centered, Sqrt(AddScalar(variance, ln.epsilon)))

	case batch == nil:
		// One graph: scalar statistics over all rows and channels.
		mean := ReduceAllMean(x)
		centered := Sub(x, mean)
		variance := ReduceAllMean(Square(centered))
		normalized = Div(centered, Sqrt(AddScalar(variance, ln.epsilon)))

	default:
		// Per-graph statistics over all the graph's rows and channels. The
		// mean over a graph's elements is the segment mean of the row means,
		// since every row has the same number of channels.
		numRows := x.Shape().Dim(0)
		indices := batch.RowIndices(numRows)
		rowMean := ReduceAndKeep(x, ReduceMean, -1)                            // [numRows, 1]
		graphMean := aggr.Mean(rowMean, batch)                                 // [numGraphs, 1]
		centered := Sub(x, Gather(graphMean, indices, batch.IsSorted()))       // [numRows, numFeatures]
		rowSquares := ReduceAndKeep(Square(centered), ReduceMean, -1)          // [numRows, 1]
		graphVariance := aggr.Mean(rowSquares, batch)                          // [numGraphs, 1]
		graphScale := Sqrt(AddScalar(graphVariance, ln.epsilon))               // [numGraphs, 1]
		normalized = Div(centered, Gather(graphScale, indices, batch.IsSorted()))
	}

	if ln.affine {
		normalized = ln.params.apply(g, normalized)
	}
	return normalized
}

// NumFeatures the layer is configured for.
func (ln *LayerNorm) NumFeatures() int { return ln.numFeatures }

func (ln *LayerNorm) copyConfig(ctx *context.Context) *LayerNorm {
	return &LayerNorm{
		ctx:         ctx.In("layer_norm"),
		numFeatures: ln.numFeatures,
		dtype:       ln.dtype,
		epsilon:     ln.epsilon,
		affine:      ln.affine,
		mode:        ln.mode,
	}
}

func (ln *LayerNorm) copyState(src *LayerNorm) {
	ln.build()
	src.build()
	if ln.params != nil {
		ln.params.copyFrom(src.params)
	}
}

// HeteroLayerNorm maintains one independent LayerNorm per node type. Create
// it with NewHeteroLayerNorm or split it off a trained homogeneous layer
// with FromLayerNorm.
type HeteroLayerNorm struct {
	ctx         *context.Context
	numFeatures int
	types       []string
	norms       map[string]*LayerNorm
}

// NewHeteroLayerNorm creates one independent LayerNorm per type, for inputs
// shaped [numRows, numFeatures], all sharing the same hyperparameters. The
// chained setters apply to every type.
func NewHeteroLayerNorm(ctx *context.Context, numFeatures int, types []string) *HeteroLayerNorm {
	checkTypes(types, "HeteroLayerNorm")
	ctx = ctx.In("hetero_layer_norm")
	h := &HeteroLayerNorm{
		ctx:         ctx,
		numFeatures: numFeatures,
		types:       append([]string(nil), types...),
		norms:       make(map[string]*LayerNorm, len(types)),
	}
	for _, name := range h.types {
		h.norms[name] = NewLayerNorm(ctx.In(name), numFeatures)
	}
	return h
}

// FromLayerNorm splits the homogeneous layer src into a HeteroLayerNorm over
// the given types: every type starts with an independent copy of src's
// affine parameters, so immediately after the split each type normalizes
// exactly like src, and training one type never affects another.
func FromLayerNorm(ctx *context.Context, src *LayerNorm, types []string) *HeteroLayerNorm {
	checkTypes(types, "HeteroLayerNorm")
	ctx = ctx.In("hetero_layer_norm")
	h := &HeteroLayerNorm{
		ctx:         ctx,
		numFeatures: src.numFeatures,
		types:       append([]string(nil), types...),
		norms:       make(map[string]*LayerNorm, len(types)),
	}
	for _, name := range h.types {
		ln := src.copyConfig(ctx.In(name))
		ln.copyState(src)
		h.norms[name] = ln
	}
	return h
}

// Mode sets what the per-type layers normalize over. See LayerNorm.Mode.
func (h *HeteroLayerNorm) Mode(mode LayerNormMode) *HeteroLayerNorm {
	for _, ln := range h.norms {
		ln.Mode(mode)
	}
	return h
}

// Affine sets whether the per-type layers apply a learned scale and offset.
// See LayerNorm.Affine.
func (h *HeteroLayerNorm) Affine(value bool) *HeteroLayerNorm {
	for _, ln := range h.norms {
		ln.Affine(value)
	}
	return h
}

// Epsilon sets the variance epsilon. See LayerNorm.Epsilon.
func (h *HeteroLayerNorm) Epsilon(value float64) *HeteroLayerNorm {
	for _, ln := range h.norms {
		ln.Epsilon(value)
	}
	return h
}

// DType sets the parameters/inputs dtype. See LayerNorm.DType.
func (h *HeteroLayerNorm) DType(dtype dtypes.DType) *HeteroLayerNorm {
	for _, ln := range h.norms {
		ln.DType(dtype)
	}
	return h
}

// ForType returns the independent LayerNorm owned by the given type.
func (h *HeteroLayerNorm) ForType(name string) *LayerNorm {
	ln := h.norms[name]
	if ln == nil {
		exceptions.Panicf("norm.HeteroLayerNorm: unknown type %q", name)
	}
	return ln
}

// Types the layer was created with.
func (h *HeteroLayerNorm) Types() []string { return append([]string(nil), h.types...) }

// Forward normalizes each type's tensor with that type's own layer, every
// type's rows forming a single graph (or normalized per node, depending on
// the mode). The map may cover a subset of the layer's types; unknown types
// are rejected.
func (h *HeteroLayerNorm) Forward(xs map[string]*Node) map[string]*Node {
	return h.ForwardGrouped(xs, nil)
}

// ForwardGrouped normalizes each type's tensor with that type's own layer
// and per-graph grouping. Types missing from batches (or all of them, if
// batches is nil) have their rows treated as a single graph.
func (h *HeteroLayerNorm) ForwardGrouped(xs map[string]*Node, batches map[string]*aggr.Grouping) map[string]*Node {
	outputs := make(map[string]*Node, len(xs))
	for _, name := range sortedKeys(xs) {
		outputs[name] = h.ForType(name).ForwardGrouped(xs[name], batches[name])
	}
	return outputs
}

// ForwardFused normalizes the fused heterogeneous form: one tensor x shaped
// [numRows, numFeatures] holding rows of every type, and a parallel typeVec
// shaped [numRows] of integers, where row i belongs to the type
// Types()[typeVec[i]].
//
// Only NormalizeNode mode supports the fused form: per-row statistics don't
// depend on the type, so the types only select the affine parameters, which
// are gathered per row from the stacked per-type parameters. Other modes
// require the pre-partitioned map form.
func (h *HeteroLayerNorm) ForwardFused(x, typeVec *Node) *Node {
	first := h.ForType(h.types[0])
	first.build()
	if first.mode != NormalizeNode {
		exceptions.Panicf("norm.HeteroLayerNorm: the fused form only supports the %q mode, layer is in %q mode",
			NormalizeNode, first.mode)
	}
	checkInput(x, h.numFeatures, first.dtype, "HeteroLayerNorm")
	if !typeVec.DType().IsInt() {
		exceptions.Panicf("norm.HeteroLayerNorm: invalid typeVec dtype %s, it must be an int or uint", typeVec.DType())
	}
	if typeVec.Rank() != 1 || typeVec.Shape().Dim(0) != x.Shape().Dim(0) {
		exceptions.Panicf("norm.HeteroLayerNorm: typeVec must be shaped [numRows=%d], got shape %s",
			x.Shape().Dim(0), typeVec.Shape())
	}
	g := x.Graph()

	mean := ReduceAndKeep(x, ReduceMean, -1)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
	normalized := Div(centered, Sqrt(AddScalar(variance, first.epsilon)))
	if !first.affine {
		return normalized
	}

	// Stack the per-type parameters to [numTypes, numFeatures] and pick each
	// row's by its type.
	weights := make([]*Node, 0, len(h.types))
	biases := make([]*Node, 0, len(h.types))
	for _, name := range h.types {
		ln := h.ForType(name)
		ln.build()
		weights = append(weights, InsertAxes(ln.params.weight.ValueGraph(g), 0))
		biases = append(biases, InsertAxes(ln.params.bias.ValueGraph(g), 0))
	}
	indices := ExpandAxes(ConvertDType(typeVec, dtypes.Int32), -1)
	rowWeight := Gather(Concatenate(weights, 0), indices, false)
	rowBias := Gather(Concatenate(biases, 0), indices, false)
	return Add(Mul(normalized, rowWeight), rowBias)
}
