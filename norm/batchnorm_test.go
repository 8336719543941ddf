package norm

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

var batchNormX = [][]float32{
	{1, 2},
	{3, 4},
	{5, 6},
	{7, 8},
}

func sqrt32(v float32) float32 { return float32(math.Sqrt(float64(v))) }

// requireAllZeros checks every element of t is 0 within delta.
func requireAllZeros(t *testing.T, tensor *tensors.Tensor, delta float64) {
	for i, v := range tensors.CopyFlatData[float32](tensor) {
		require.InDelta(t, 0, v, delta, "element %d is not zero", i)
	}
}

func TestBatchNormTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	bn := NewBatchNorm(ctx.In("bn"), 2)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		g := x.Graph()
		ctx.SetTraining(g, true)
		out := bn.Forward(x)
		// Fresh affine parameters are the identity, so the output must match
		// plain batch statistics normalization.
		mean := ReduceAndKeep(x, ReduceMean, 0)
		variance := ReduceAndKeep(Square(Sub(x, mean)), ReduceMean, 0)
		want := Div(Sub(x, mean), Sqrt(AddScalar(variance, 1e-5)))
		return Sub(out, want)
	})
	requireAllZeros(t, exec.Call(batchNormX)[0], 1e-6)

	// Per channel: batch mean [4, 5], population variance 5, unbiased 20/3.
	// One update with momentum 0.1 from the initial (0, 1).
	mean, variance := bn.RunningStats()
	require.InDeltaSlice(t, []float32{0.4, 0.5}, tensors.CopyFlatData[float32](mean), 1e-5)
	require.InDeltaSlice(t, []float32{1.5666667, 1.5666667}, tensors.CopyFlatData[float32](variance), 1e-5)
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	bn := NewBatchNorm(ctx.In("bn"), 2)

	trainExec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return bn.Forward(x)
	})
	trainExec.Call(batchNormX)
	meanT, varianceT := bn.RunningStats()
	runningMean := tensors.CopyFlatData[float32](meanT)
	runningVar := tensors.CopyFlatData[float32](varianceT)

	evalExec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return bn.Forward(x) // Not training: must use the running statistics.
	})
	out := tensors.CopyFlatData[float32](evalExec.Call(batchNormX)[0])
	for i, row := range batchNormX {
		for j, v := range row {
			want := (v - runningMean[j]) / sqrt32(runningVar[j]+1e-5)
			require.InDelta(t, want, out[i*2+j], 1e-5)
		}
	}

	// Evaluation must not move the running statistics.
	meanT, varianceT = bn.RunningStats()
	require.Equal(t, runningMean, tensors.CopyFlatData[float32](meanT))
	require.Equal(t, runningVar, tensors.CopyFlatData[float32](varianceT))
}

func TestBatchNormSingleElement(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// AllowSingleElement requires TrackRunningStats, in either setter order.
	require.Panics(t, func() {
		NewBatchNorm(context.New().In("bn"), 16).TrackRunningStats(false).AllowSingleElement(true)
	})
	require.Panics(t, func() {
		NewBatchNorm(context.New().In("bn"), 16).AllowSingleElement(true).TrackRunningStats(false)
	})

	// A single row in training mode has no usable batch variance.
	ctx := context.New()
	bn := NewBatchNorm(ctx.In("bn"), 3)
	singleRow := [][]float32{{1, 2, 3}}
	require.Panics(t, func() {
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			ctx.SetTraining(x.Graph(), true)
			return bn.Forward(x)
		})
		exec.Call(singleRow)
	})

	// With the override the row is normalized with the (fresh) running
	// statistics, which are the identity.
	ctx = context.New()
	allowed := NewBatchNorm(ctx.In("bn"), 3).AllowSingleElement(true)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return allowed.Forward(x)
	})
	out := tensors.CopyFlatData[float32](exec.Call(singleRow)[0])
	require.InDeltaSlice(t, []float32{1, 2, 3}, out, 1e-4)
}

func TestBatchNormShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	bn := NewBatchNorm(ctx.In("bn"), 8) // Configured for 8 channels.
	require.Panics(t, func() {
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return bn.Forward(x)
		})
		exec.Call(batchNormX) // 2 channels.
	})
}

func TestHeteroBatchNormFromHomogeneous(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	types := []string{"paper", "author"}

	// Train the homogeneous layer one step so its statistics are not the
	// defaults anymore.
	homo := NewBatchNorm(ctx.In("homo"), 2)
	trainExec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return homo.Forward(x)
	})
	trainExec.Call(batchNormX)

	hetero := FromBatchNorm(ctx.In("split"), homo, types)

	// Immediately after the split, every type must normalize exactly like the
	// source layer.
	homoEval := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return homo.Forward(x)
	})
	heteroEval := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		outs := hetero.Forward(map[string]*Node{"paper": inputs[0], "author": inputs[1]})
		return []*Node{outs["paper"], outs["author"]}
	})
	wantFlat := tensors.CopyFlatData[float32](homoEval.Call(batchNormX)[0])
	gotBoth := heteroEval.Call(batchNormX, batchNormX)
	require.InDeltaSlice(t, wantFlat, tensors.CopyFlatData[float32](gotBoth[0]), 1e-6)
	require.InDeltaSlice(t, wantFlat, tensors.CopyFlatData[float32](gotBoth[1]), 1e-6)

	// Training one type must not move any other type's statistics.
	shifted := [][]float32{{11, 12}, {13, 14}, {15, 16}, {17, 18}}
	paperTrain := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return hetero.ForType("paper").Forward(x)
	})
	paperTrain.Call(shifted)

	paperMean, _ := hetero.ForType("paper").RunningStats()
	authorMean, _ := hetero.ForType("author").RunningStats()
	homoMean, _ := homo.RunningStats()
	require.Equal(t,
		tensors.CopyFlatData[float32](homoMean),
		tensors.CopyFlatData[float32](authorMean),
		"the untouched type must keep the statistics copied at the split")
	require.NotEqual(t,
		tensors.CopyFlatData[float32](authorMean)[0],
		tensors.CopyFlatData[float32](paperMean)[0],
		"the trained type must have diverged")

	require.Panics(t, func() { hetero.ForType("institution") }, "unknown types are rejected")
}
