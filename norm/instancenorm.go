package norm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gnnx/aggr"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// InstanceNorm normalizes each graph instance independently, per channel:
// the mean and variance of each channel are computed over the rows of that
// graph only, as in "Instance Normalization: The Missing Ingredient for Fast
// Stylization" (https://arxiv.org/abs/1607.08022), applied to node features.
//
// A forward call can carry one graph (Forward) or several concatenated
// graphs distinguished by a grouping (ForwardGrouped); the normalized values
// are identical either way, since every graph only sees its own statistics.
//
// Running statistics, when enabled, accumulate channel-wise over the union
// of all graphs seen across training calls -- each graph weighted equally --
// and are used to normalize during evaluation. The default cumulative
// averaging makes the accumulated values independent of how the same graphs
// are split into calls.
type InstanceNorm struct {
	ctx         *context.Context
	numFeatures int
	dtype       dtypes.DType

	momentum, epsilon         float64
	affine, trackRunningStats bool

	params *affineParams
	stats  *runningStats
	built  bool
}

// NewInstanceNorm creates an instance normalization layer for inputs shaped
// [numRows, numFeatures], owning its variables under the given context
// scope.
//
// Defaults: affine transform and running statistics enabled, cumulative
// statistics averaging (momentum 0), epsilon 1e-5, dtype Float32.
func NewInstanceNorm(ctx *context.Context, numFeatures int) *InstanceNorm {
	if numFeatures <= 0 {
		exceptions.Panicf("norm.InstanceNorm: numFeatures must be positive, got %d", numFeatures)
	}
	return &InstanceNorm{
		ctx:               ctx.In("instance_norm"),
		numFeatures:       numFeatures,
		dtype:             dtypes.Float32,
		momentum:          0,
		epsilon:           1e-5,
		affine:            true,
		trackRunningStats: true,
	}
}

func (in *InstanceNorm) checkNotBuilt() {
	if in.built {
		exceptions.Panicf("norm.InstanceNorm: configuration cannot change after the first Forward call")
	}
}

// Affine sets whether the layer applies a learned per-channel scale and
// offset after normalizing. Defaults to true.
func (in *InstanceNorm) Affine(value bool) *InstanceNorm {
	in.checkNotBuilt()
	in.affine = value
	return in
}

// TrackRunningStats sets whether the layer accumulates running mean and
// variance estimates, used to normalize during evaluation. If false, each
// graph is normalized with its own statistics also during evaluation.
// Defaults to true.
func (in *InstanceNorm) TrackRunningStats(value bool) *InstanceNorm {
	in.checkNotBuilt()
	in.trackRunningStats = value
	return in
}

// Momentum sets the weight of new graphs in an exponential moving average of
// the running statistics. The default of 0 selects cumulative averaging,
// every graph seen weighted equally -- with it, accumulating graphs one call
// at a time or batched leaves identical statistics.
func (in *InstanceNorm) Momentum(value float64) *InstanceNorm {
	in.checkNotBuilt()
	if value < 0 || value > 1 {
		exceptions.Panicf("norm.InstanceNorm: momentum must be in [0, 1], got %g", value)
	}
	in.momentum = value
	return in
}

// Epsilon sets the small constant added to the variance to avoid dividing by
// zero. Defaults to 1e-5.
func (in *InstanceNorm) Epsilon(value float64) *InstanceNorm {
	in.checkNotBuilt()
	in.epsilon = value
	return in
}

// DType sets the dtype of the layer parameters and of the accepted inputs,
// Float32 or Float64. Defaults to Float32.
func (in *InstanceNorm) DType(dtype dtypes.DType) *InstanceNorm {
	in.checkNotBuilt()
	checkDType(dtype)
	in.dtype = dtype
	return in
}

func (in *InstanceNorm) build() {
	if in.built {
		return
	}
	in.built = true
	if in.affine {
		in.params = newAffineParams(in.ctx, in.dtype, in.numFeatures)
	}
	if in.trackRunningStats {
		in.stats = newRunningStats(in.ctx, in.dtype, in.numFeatures)
	}
}

// Forward builds the normalization of x, shaped [numRows, numFeatures],
// treating all rows as a single graph.
func (in *InstanceNorm) Forward(x *Node) *Node {
	return in.ForwardGrouped(x, nil)
}

// ForwardGrouped builds the normalization of x, shaped
// [numRows, numFeatures], where batch maps each row to the graph it belongs
// to (in either addressing form of aggr). A nil batch treats all rows as one
// graph.
//
// Processing graphs one call at a time or concatenated in one call produces
// identical normalized values, and (with cumulative averaging) identical
// running statistics.
func (in *InstanceNorm) ForwardGrouped(x *Node, batch *aggr.Grouping) *Node {
	in.build()
	checkInput(x, in.numFeatures, in.dtype, "InstanceNorm")
	g := x.Graph()
	numRows := x.Shape().Dim(0)
	if batch == nil {
		batch = aggr.ByIndices(Zeros(g, shapes.Make(dtypes.Int32, numRows)), 1).Sorted()
	}

	training := in.ctx.IsTraining(g)
	var normalized *Node
	if training || !in.trackRunningStats {
		numGraphs := batch.NumGroups()
		indices := batch.RowIndices(numRows)
		mean := aggr.Mean(x, batch)                          // [numGraphs, numFeatures]
		variance := Sub(aggr.Mean(Square(x), batch), Square(mean)) // E[x²]-E[x]², population, per graph.
		rowMean := Gather(mean, indices, batch.IsSorted())
		rowVariance := Gather(variance, indices, batch.IsSorted())
		normalized = Div(Sub(x, rowMean), Sqrt(AddScalar(rowVariance, in.epsilon)))

		if training && in.trackRunningStats {
			// Accumulate each graph as one sample, with the unbiased variance
			// estimate. Single-row graphs contribute their (zero) population
			// variance -- there is no unbiased estimate to be had from one row.
			count := aggr.Count(g, batch, numRows, x.DType()) // [numGraphs, 1]
			scale := Div(count, MaxScalar(AddScalar(count, -1), 1))
			unbiased := Mul(variance, Where(GreaterThan(count, OnesLike(count)), scale, OnesLike(scale)))
			in.stats.update(g,
				ReduceMean(mean, 0),
				ReduceMean(unbiased, 0),
				numGraphs, in.momentum)
		}
	} else {
		mean := InsertAxes(in.stats.mean.ValueGraph(g), 0)
		variance := InsertAxes(in.stats.variance.ValueGraph(g), 0)
		normalized = Div(Sub(x, mean), Sqrt(AddScalar(variance, in.epsilon)))
	}

	if in.affine {
		normalized = in.params.apply(g, normalized)
	}
	return normalized
}

// ResetStats sets the running statistics back to their initial values
// (mean=0, variance=1, no graphs seen). It is a no-op if the layer doesn't
// track running statistics.
func (in *InstanceNorm) ResetStats() {
	in.build()
	if in.stats != nil {
		in.stats.reset(in.dtype, in.numFeatures)
	}
}

// RunningStats returns the current running mean and variance as tensors, or
// nils if the layer doesn't track running statistics. The returned tensors
// are the layer's own buffers; don't mutate them.
func (in *InstanceNorm) RunningStats() (mean, variance *tensors.Tensor) {
	in.build()
	if in.stats == nil {
		return nil, nil
	}
	return in.stats.mean.Value(), in.stats.variance.Value()
}

// NumFeatures the layer is configured for.
func (in *InstanceNorm) NumFeatures() int { return in.numFeatures }

func (in *InstanceNorm) copyConfig(ctx *context.Context) *InstanceNorm {
	return &InstanceNorm{
		ctx:               ctx.In("instance_norm"),
		numFeatures:       in.numFeatures,
		dtype:             in.dtype,
		momentum:          in.momentum,
		epsilon:           in.epsilon,
		affine:            in.affine,
		trackRunningStats: in.trackRunningStats,
	}
}

func (in *InstanceNorm) copyState(src *InstanceNorm) {
	in.build()
	src.build()
	if in.params != nil {
		in.params.copyFrom(src.params)
	}
	if in.stats != nil {
		in.stats.copyFrom(src.stats)
	}
}

// HeteroInstanceNorm maintains one independent InstanceNorm per node type:
// separate affine parameters and separate running statistics, never shared
// across types. Create it with NewHeteroInstanceNorm or split it off a
// trained homogeneous layer with FromInstanceNorm.
type HeteroInstanceNorm struct {
	ctx         *context.Context
	numFeatures int
	types       []string
	norms       map[string]*InstanceNorm
}

// NewHeteroInstanceNorm creates one independent InstanceNorm per type, for
// inputs shaped [numRows, numFeatures], all sharing the same
// hyperparameters. The chained setters apply to every type.
func NewHeteroInstanceNorm(ctx *context.Context, numFeatures int, types []string) *HeteroInstanceNorm {
	checkTypes(types, "HeteroInstanceNorm")
	ctx = ctx.In("hetero_instance_norm")
	h := &HeteroInstanceNorm{
		ctx:         ctx,
		numFeatures: numFeatures,
		types:       append([]string(nil), types...),
		norms:       make(map[string]*InstanceNorm, len(types)),
	}
	for _, name := range h.types {
		h.norms[name] = NewInstanceNorm(ctx.In(name), numFeatures)
	}
	return h
}

// FromInstanceNorm splits the homogeneous layer src into a
// HeteroInstanceNorm over the given types: every type starts with an
// independent copy of src's parameters and running statistics, so
// immediately after the split each type normalizes exactly like src, and
// training one type never affects another.
func FromInstanceNorm(ctx *context.Context, src *InstanceNorm, types []string) *HeteroInstanceNorm {
	checkTypes(types, "HeteroInstanceNorm")
	ctx = ctx.In("hetero_instance_norm")
	h := &HeteroInstanceNorm{
		ctx:         ctx,
		numFeatures: src.numFeatures,
		types:       append([]string(nil), types...),
		norms:       make(map[string]*InstanceNorm, len(types)),
	}
	for _, name := range h.types {
		in := src.copyConfig(ctx.In(name))
		in.copyState(src)
		h.norms[name] = in
	}
	return h
}

// Affine sets whether the per-type layers apply a learned scale and offset.
// See InstanceNorm.Affine.
func (h *HeteroInstanceNorm) Affine(value bool) *HeteroInstanceNorm {
	for _, in := range h.norms {
		in.Affine(value)
	}
	return h
}

// TrackRunningStats sets whether the per-type layers keep running
// statistics. See InstanceNorm.TrackRunningStats.
func (h *HeteroInstanceNorm) TrackRunningStats(value bool) *HeteroInstanceNorm {
	for _, in := range h.norms {
		in.TrackRunningStats(value)
	}
	return h
}

// Momentum sets the running statistics averaging. See InstanceNorm.Momentum.
func (h *HeteroInstanceNorm) Momentum(value float64) *HeteroInstanceNorm {
	for _, in := range h.norms {
		in.Momentum(value)
	}
	return h
}

// Epsilon sets the variance epsilon. See InstanceNorm.Epsilon.
func (h *HeteroInstanceNorm) Epsilon(value float64) *HeteroInstanceNorm {
	for _, in := range h.norms {
		in.Epsilon(value)
	}
	return h
}

// DType sets the parameters/inputs dtype. See InstanceNorm.DType.
func (h *HeteroInstanceNorm) DType(dtype dtypes.DType) *HeteroInstanceNorm {
	for _, in := range h.norms {
		in.DType(dtype)
	}
	return h
}

// ForType returns the independent InstanceNorm owned by the given type.
func (h *HeteroInstanceNorm) ForType(name string) *InstanceNorm {
	in := h.norms[name]
	if in == nil {
		exceptions.Panicf("norm.HeteroInstanceNorm: unknown type %q", name)
	}
	return in
}

// Types the layer was created with.
func (h *HeteroInstanceNorm) Types() []string { return append([]string(nil), h.types...) }

// Forward normalizes each type's tensor with that type's own layer, every
// type's rows forming a single graph. The map may cover a subset of the
// layer's types; unknown types are rejected.
func (h *HeteroInstanceNorm) Forward(xs map[string]*Node) map[string]*Node {
	return h.ForwardGrouped(xs, nil)
}

// ForwardGrouped normalizes each type's tensor with that type's own layer
// and per-graph grouping. Types missing from batches (or all of them, if
// batches is nil) have their rows treated as a single graph.
func (h *HeteroInstanceNorm) ForwardGrouped(xs map[string]*Node, batches map[string]*aggr.Grouping) map[string]*Node {
	outputs := make(map[string]*Node, len(xs))
	for _, name := range sortedKeys(xs) {
		outputs[name] = h.ForType(name).ForwardGrouped(xs[name], batches[name])
	}
	return outputs
}
