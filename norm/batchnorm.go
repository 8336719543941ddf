package norm

import (
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// BatchNorm normalizes each channel over all the rows of the batch, as in
// "Batch Normalization: Accelerating Deep Network Training by Reducing
// Internal Covariate Shift" (https://arxiv.org/abs/1502.03167), applied to
// node features shaped [numNodes, numFeatures].
//
// Create it with NewBatchNorm, adjust the configuration with the chained
// setters, and call Forward inside graph building functions. The
// configuration is frozen at the first Forward call.
//
// During training-mode forward passes it normalizes with the batch's own
// statistics and updates the running statistics; during evaluation it
// normalizes with the running statistics. See the package documentation for
// the variable/state model.
type BatchNorm struct {
	ctx         *context.Context
	numFeatures int
	dtype       dtypes.DType

	momentum, epsilon                             float64
	affine, trackRunningStats, allowSingleElement bool

	params *affineParams
	stats  *runningStats
	built  bool
}

// NewBatchNorm creates a batch normalization layer for inputs shaped
// [numRows, numFeatures], owning its variables under the given context
// scope.
//
// Defaults: affine transform and running statistics enabled, momentum 0.1,
// epsilon 1e-5, dtype Float32.
func NewBatchNorm(ctx *context.Context, numFeatures int) *BatchNorm {
	if numFeatures <= 0 {
		exceptions.Panicf("norm.BatchNorm: numFeatures must be positive, got %d", numFeatures)
	}
	return &BatchNorm{
		ctx:               ctx.In("batch_norm"),
		numFeatures:       numFeatures,
		dtype:             dtypes.Float32,
		momentum:          0.1,
		epsilon:           1e-5,
		affine:            true,
		trackRunningStats: true,
	}
}

func (bn *BatchNorm) checkNotBuilt() {
	if bn.built {
		exceptions.Panicf("norm.BatchNorm: configuration cannot change after the first Forward call")
	}
}

// Affine sets whether the layer applies a learned per-channel scale and
// offset after normalizing. Defaults to true.
func (bn *BatchNorm) Affine(value bool) *BatchNorm {
	bn.checkNotBuilt()
	bn.affine = value
	return bn
}

// TrackRunningStats sets whether the layer keeps running estimates of mean
// and variance, used to normalize during evaluation. If false, batch
// statistics are used also during evaluation. Defaults to true.
func (bn *BatchNorm) TrackRunningStats(value bool) *BatchNorm {
	bn.checkNotBuilt()
	if !value && bn.allowSingleElement {
		exceptions.Panicf("norm.BatchNorm: AllowSingleElement requires TrackRunningStats")
	}
	bn.trackRunningStats = value
	return bn
}

// AllowSingleElement sets whether single-row batches are accepted during
// training, in which case they are normalized with the running statistics
// instead of the (undefined) batch variance. It requires TrackRunningStats.
// Defaults to false.
func (bn *BatchNorm) AllowSingleElement(value bool) *BatchNorm {
	bn.checkNotBuilt()
	if value && !bn.trackRunningStats {
		exceptions.Panicf("norm.BatchNorm: AllowSingleElement requires TrackRunningStats")
	}
	bn.allowSingleElement = value
	return bn
}

// Momentum sets the weight of the new batch in the exponential moving
// average of the running statistics. A value of 0 selects instead a
// cumulative average, every batch weighted by its number of rows. Defaults
// to 0.1.
func (bn *BatchNorm) Momentum(value float64) *BatchNorm {
	bn.checkNotBuilt()
	if value < 0 || value > 1 {
		exceptions.Panicf("norm.BatchNorm: momentum must be in [0, 1], got %g", value)
	}
	bn.momentum = value
	return bn
}

// Epsilon sets the small constant added to the variance to avoid dividing by
// zero. Defaults to 1e-5.
func (bn *BatchNorm) Epsilon(value float64) *BatchNorm {
	bn.checkNotBuilt()
	bn.epsilon = value
	return bn
}

// DType sets the dtype of the layer parameters and of the accepted inputs,
// Float32 or Float64. Defaults to Float32.
func (bn *BatchNorm) DType(dtype dtypes.DType) *BatchNorm {
	bn.checkNotBuilt()
	checkDType(dtype)
	bn.dtype = dtype
	return bn
}

// build materializes the layer variables. It runs once.
func (bn *BatchNorm) build() {
	if bn.built {
		return
	}
	bn.built = true
	if bn.affine {
		bn.params = newAffineParams(bn.ctx, bn.dtype, bn.numFeatures)
	}
	if bn.trackRunningStats {
		bn.stats = newRunningStats(bn.ctx, bn.dtype, bn.numFeatures)
	}
}

// Forward builds the normalization of x, shaped [numRows, numFeatures]. The
// output has the same shape.
//
// It panics on a single-row input that would be normalized with batch
// statistics (their population variance is undefined), unless
// AllowSingleElement is set.
func (bn *BatchNorm) Forward(x *Node) *Node {
	bn.build()
	checkInput(x, bn.numFeatures, bn.dtype, "BatchNorm")
	g := x.Graph()
	numRows := x.Shape().Dim(0)

	training := bn.ctx.IsTraining(g)
	useBatchStats := training || !bn.trackRunningStats
	if bn.allowSingleElement && numRows <= 1 {
		useBatchStats = false
	}
	if useBatchStats && numRows <= 1 {
		exceptions.Panicf("norm.BatchNorm: cannot normalize a single row with batch statistics "+
			"(population variance is undefined for %d row); use AllowSingleElement, or TrackRunningStats "+
			"with evaluation mode", numRows)
	}

	var mean, variance *Node // Shaped [1, numFeatures].
	if useBatchStats {
		mean = ReduceAndKeep(x, ReduceMean, 0)
		variance = ReduceAndKeep(Square(Sub(x, mean)), ReduceMean, 0)
		if training && bn.trackRunningStats {
			// The running variance accumulates the unbiased estimate, as usual.
			unbiased := MulScalar(variance, float64(numRows)/float64(numRows-1))
			bn.stats.update(g,
				Reshape(mean, bn.numFeatures),
				Reshape(unbiased, bn.numFeatures),
				numRows, bn.momentum)
		}
	} else {
		mean = InsertAxes(bn.stats.mean.ValueGraph(g), 0)
		variance = InsertAxes(bn.stats.variance.ValueGraph(g), 0)
	}

	normalized := Div(Sub(x, mean), Sqrt(AddScalar(variance, bn.epsilon)))
	if bn.affine {
		normalized = bn.params.apply(g, normalized)
	}
	return normalized
}

// ResetStats sets the running statistics back to their initial values
// (mean=0, variance=1, no samples seen). It is a no-op if the layer doesn't
// track running statistics.
func (bn *BatchNorm) ResetStats() {
	bn.build()
	if bn.stats != nil {
		bn.stats.reset(bn.dtype, bn.numFeatures)
	}
}

// RunningStats returns the current running mean and variance as tensors, or
// nils if the layer doesn't track running statistics. The returned tensors
// are the layer's own buffers; don't mutate them.
func (bn *BatchNorm) RunningStats() (mean, variance *tensors.Tensor) {
	bn.build()
	if bn.stats == nil {
		return nil, nil
	}
	return bn.stats.mean.Value(), bn.stats.variance.Value()
}

// NumFeatures the layer is configured for.
func (bn *BatchNorm) NumFeatures() int { return bn.numFeatures }

// copyConfig returns an unbuilt BatchNorm on the given scope with the same
// hyperparameters as bn.
func (bn *BatchNorm) copyConfig(ctx *context.Context) *BatchNorm {
	return &BatchNorm{
		ctx:                ctx.In("batch_norm"),
		numFeatures:        bn.numFeatures,
		dtype:              bn.dtype,
		momentum:           bn.momentum,
		epsilon:            bn.epsilon,
		affine:             bn.affine,
		trackRunningStats:  bn.trackRunningStats,
		allowSingleElement: bn.allowSingleElement,
	}
}

// copyState overwrites the layer's variables with independent copies of the
// source layer's.
func (bn *BatchNorm) copyState(src *BatchNorm) {
	bn.build()
	src.build()
	if bn.params != nil {
		bn.params.copyFrom(src.params)
	}
	if bn.stats != nil {
		bn.stats.copyFrom(src.stats)
	}
}

// HeteroBatchNorm maintains one independent BatchNorm per node type: separate
// affine parameters and separate running statistics, never shared across
// types. Create it with NewHeteroBatchNorm or split it off a trained
// homogeneous layer with FromBatchNorm.
type HeteroBatchNorm struct {
	ctx         *context.Context
	numFeatures int
	types       []string
	norms       map[string]*BatchNorm
}

// NewHeteroBatchNorm creates one independent BatchNorm per type, for inputs
// shaped [numRows, numFeatures], all sharing the same hyperparameters.
//
// The chained setters (Affine, TrackRunningStats, AllowSingleElement,
// Momentum, Epsilon, DType) apply to every type.
func NewHeteroBatchNorm(ctx *context.Context, numFeatures int, types []string) *HeteroBatchNorm {
	checkTypes(types, "HeteroBatchNorm")
	ctx = ctx.In("hetero_batch_norm")
	h := &HeteroBatchNorm{
		ctx:         ctx,
		numFeatures: numFeatures,
		types:       append([]string(nil), types...),
		norms:       make(map[string]*BatchNorm, len(types)),
	}
	for _, name := range h.types {
		h.norms[name] = NewBatchNorm(ctx.In(name), numFeatures)
	}
	return h
}

// FromBatchNorm splits the homogeneous layer src into a HeteroBatchNorm over
// the given types: every type starts with an independent copy of src's
// parameters and running statistics, so immediately after the split each
// type normalizes exactly like src, and training one type never affects
// another.
//
// The new layer owns its variables under the given context scope; src is
// left untouched.
func FromBatchNorm(ctx *context.Context, src *BatchNorm, types []string) *HeteroBatchNorm {
	checkTypes(types, "HeteroBatchNorm")
	ctx = ctx.In("hetero_batch_norm")
	h := &HeteroBatchNorm{
		ctx:         ctx,
		numFeatures: src.numFeatures,
		types:       append([]string(nil), types...),
		norms:       make(map[string]*BatchNorm, len(types)),
	}
	for _, name := range h.types {
		bn := src.copyConfig(ctx.In(name))
		bn.copyState(src)
		h.norms[name] = bn
	}
	return h
}

// Affine sets whether the per-type layers apply a learned scale and offset.
// See BatchNorm.Affine.
func (h *HeteroBatchNorm) Affine(value bool) *HeteroBatchNorm {
	for _, bn := range h.norms {
		bn.Affine(value)
	}
	return h
}

// TrackRunningStats sets whether the per-type layers keep running
// statistics. See BatchNorm.TrackRunningStats.
func (h *HeteroBatchNorm) TrackRunningStats(value bool) *HeteroBatchNorm {
	for _, bn := range h.norms {
		bn.TrackRunningStats(value)
	}
	return h
}

// AllowSingleElement sets whether single-row batches are accepted during
// training. See BatchNorm.AllowSingleElement.
func (h *HeteroBatchNorm) AllowSingleElement(value bool) *HeteroBatchNorm {
	for _, bn := range h.norms {
		bn.AllowSingleElement(value)
	}
	return h
}

// Momentum sets the running statistics averaging. See BatchNorm.Momentum.
func (h *HeteroBatchNorm) Momentum(value float64) *HeteroBatchNorm {
	for _, bn := range h.norms {
		bn.Momentum(value)
	}
	return h
}

// Epsilon sets the variance epsilon. See BatchNorm.Epsilon.
func (h *HeteroBatchNorm) Epsilon(value float64) *HeteroBatchNorm {
	for _, bn := range h.norms {
		bn.Epsilon(value)
	}
	return h
}

// DType sets the parameters/inputs dtype. See BatchNorm.DType.
func (h *HeteroBatchNorm) DType(dtype dtypes.DType) *HeteroBatchNorm {
	for _, bn := range h.norms {
		bn.DType(dtype)
	}
	return h
}

// ForType returns the independent BatchNorm owned by the given type.
func (h *HeteroBatchNorm) ForType(name string) *BatchNorm {
	bn := h.norms[name]
	if bn == nil {
		exceptions.Panicf("norm.HeteroBatchNorm: unknown type %q", name)
	}
	return bn
}

// Types the layer was created with.
func (h *HeteroBatchNorm) Types() []string { return append([]string(nil), h.types...) }

// Forward normalizes each type's tensor with that type's own layer. The
// input maps type name to features shaped [numRows, numFeatures]; numRows
// may differ per type. It returns a map with the same keys and shapes.
//
// The map may cover a subset of the layer's types; unknown types are
// rejected.
func (h *HeteroBatchNorm) Forward(xs map[string]*Node) map[string]*Node {
	outputs := make(map[string]*Node, len(xs))
	for _, name := range sortedKeys(xs) {
		outputs[name] = h.ForType(name).Forward(xs[name])
	}
	return outputs
}

// sortedKeys returns the map keys sorted, so per-type graph operations are
// always created in a deterministic order.
func sortedKeys(xs map[string]*Node) []string {
	keys := make([]string, 0, len(xs))
	for name := range xs {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}
