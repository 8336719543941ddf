// Package norm implements normalization layers for graph neural networks,
// each in a homogeneous form (one tensor) and a heterogeneous form (a mapping
// of type name to tensor, with independent parameters and statistics per
// type).
//
// The layers are stateful objects owning their parameters as context
// variables, in the scope of the context given at construction:
//
//	ctx := context.New()
//	bn := norm.NewBatchNorm(ctx.In("norm0"), 16).Momentum(0.9)
//	...
//	normalized := bn.Forward(x) // Inside a graph building function.
//
// Give each layer its own scope: two layers built on the same scope collide.
//
// Whether a forward call normalizes with batch statistics or with the running
// statistics -- and whether it updates the latter -- is controlled by the
// context's training mode (context.Context.IsTraining). Running statistics
// are updated in place by the owning layer only; concurrent forward calls on
// the same layer require external synchronization.
//
// The heterogeneous forms dispatch per type to the same homogeneous kernel,
// so both calling conventions share one implementation. They can also be
// split off a pre-trained homogeneous layer (FromBatchNorm, FromLayerNorm,
// FromInstanceNorm): the new per-type parameters and statistics start as
// copies of the source layer's but are independently owned, so training one
// type never affects another.
package norm

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// filled returns a new tensor of the given dtype and dimensions, with every
// element set to value. Only Float32 and Float64 are supported -- the dtypes
// the normalization layers work with.
func filled(dtype dtypes.DType, value float64, dimensions ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtype, dimensions...))
	switch dtype {
	case dtypes.Float32:
		tensors.MutableFlatData(t, func(flat []float32) {
			for i := range flat {
				flat[i] = float32(value)
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData(t, func(flat []float64) {
			for i := range flat {
				flat[i] = value
			}
		})
	default:
		exceptions.Panicf("norm: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	}
	return t
}

// cloneTensor returns an independent copy of t, so mutating one never
// affects the other.
func cloneTensor(t *tensors.Tensor) *tensors.Tensor {
	out := tensors.FromShape(t.Shape())
	switch t.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData(t, func(from []float32) {
			tensors.MutableFlatData(out, func(to []float32) { copy(to, from) })
		})
	case dtypes.Float64:
		tensors.ConstFlatData(t, func(from []float64) {
			tensors.MutableFlatData(out, func(to []float64) { copy(to, from) })
		})
	default:
		exceptions.Panicf("norm: unsupported dtype %s, only Float32 and Float64 are supported", t.DType())
	}
	return out
}

// checkDType validates the dtype a layer is configured with.
func checkDType(dtype dtypes.DType) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		exceptions.Panicf("norm: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	}
}

// checkInput validates a layer input against the layer's configuration.
func checkInput(x *Node, numFeatures int, dtype dtypes.DType, layerName string) {
	if x.Rank() != 2 {
		exceptions.Panicf("norm.%s: input must be shaped [numRows, numFeatures], got shape %s", layerName, x.Shape())
	}
	if x.Shape().Dim(1) != numFeatures {
		exceptions.Panicf("norm.%s: layer is configured with %d features, input has %d (shape %s)",
			layerName, numFeatures, x.Shape().Dim(1), x.Shape())
	}
	if x.DType() != dtype {
		exceptions.Panicf("norm.%s: layer is configured for dtype %s, input has dtype %s",
			layerName, dtype, x.DType())
	}
}

// runningStats owns the running mean/variance estimates of a normalizer:
// channel-wise mean and variance plus a scalar count of samples accumulated
// so far. They are updated only during training-mode forward passes and read
// during evaluation-mode passes.
type runningStats struct {
	mean, variance *context.Variable
	count          *context.Variable
}

// newRunningStats creates the running statistics variables, initialized to
// mean=0, variance=1, count=0, on the given scope.
func newRunningStats(ctx *context.Context, dtype dtypes.DType, numFeatures int) *runningStats {
	return &runningStats{
		mean:     ctx.VariableWithValue("running_mean", filled(dtype, 0, numFeatures)).SetTrainable(false),
		variance: ctx.VariableWithValue("running_var", filled(dtype, 1, numFeatures)).SetTrainable(false),
		count:    ctx.VariableWithValue("samples_seen", filled(dtype, 0)).SetTrainable(false),
	}
}

// update accumulates a batch of numSamples new samples whose channel-wise
// average mean and variance are batchMean and batchVar (both shaped
// [numFeatures]).
//
// With momentum > 0 the update is the usual exponential moving average, the
// new batch weighted by momentum. With momentum == 0 the update is a
// cumulative average weighted by sample counts, which makes accumulation
// independent of how the same samples are partitioned into calls.
func (rs *runningStats) update(g *Graph, batchMean, batchVar *Node, numSamples int, momentum float64) {
	count := rs.count.ValueGraph(g)
	newCount := AddScalar(count, float64(numSamples))
	var weight *Node
	if momentum > 0 {
		weight = ConstAs(batchMean, momentum)
	} else {
		weight = Div(ConstAs(newCount, float64(numSamples)), newCount)
	}
	keep := OneMinus(weight)
	rs.mean.SetValueGraph(Add(Mul(keep, rs.mean.ValueGraph(g)), Mul(weight, batchMean)))
	rs.variance.SetValueGraph(Add(Mul(keep, rs.variance.ValueGraph(g)), Mul(weight, batchVar)))
	rs.count.SetValueGraph(newCount)
}

// Reset sets the running statistics back to mean=0, variance=1 and zero
// samples seen.
func (rs *runningStats) reset(dtype dtypes.DType, numFeatures int) {
	rs.mean.SetValue(filled(dtype, 0, numFeatures))
	rs.variance.SetValue(filled(dtype, 1, numFeatures))
	rs.count.SetValue(filled(dtype, 0))
}

// copyFrom overwrites the running statistics with independent copies of the
// source's.
func (rs *runningStats) copyFrom(src *runningStats) {
	rs.mean.SetValue(cloneTensor(src.mean.Value()))
	rs.variance.SetValue(cloneTensor(src.variance.Value()))
	rs.count.SetValue(cloneTensor(src.count.Value()))
}

// affineParams owns the learned per-channel scale (weight) and offset (bias)
// of a normalizer.
type affineParams struct {
	weight, bias *context.Variable
}

func newAffineParams(ctx *context.Context, dtype dtypes.DType, numFeatures int) *affineParams {
	return &affineParams{
		weight: ctx.VariableWithValue("weight", filled(dtype, 1, numFeatures)).SetTrainable(true),
		bias:   ctx.VariableWithValue("bias", filled(dtype, 0, numFeatures)).SetTrainable(true),
	}
}

// apply scales and offsets the normalized values, per channel.
func (ap *affineParams) apply(g *Graph, normalized *Node) *Node {
	weight := InsertAxes(ap.weight.ValueGraph(g), 0)
	bias := InsertAxes(ap.bias.ValueGraph(g), 0)
	return Add(Mul(normalized, weight), bias)
}

func (ap *affineParams) copyFrom(src *affineParams) {
	ap.weight.SetValue(cloneTensor(src.weight.Value()))
	ap.bias.SetValue(cloneTensor(src.bias.Value()))
}

// checkTypes validates the type set of a heterogeneous layer.
func checkTypes(types []string, layerName string) {
	if len(types) == 0 {
		exceptions.Panicf("norm.%s: at least one type is required", layerName)
	}
	seen := make(map[string]bool, len(types))
	for _, name := range types {
		if name == "" {
			exceptions.Panicf("norm.%s: empty type name", layerName)
		}
		if seen[name] {
			exceptions.Panicf("norm.%s: duplicate type %q", layerName, name)
		}
		seen[name] = true
	}
}
