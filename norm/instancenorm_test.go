package norm

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gnnx/aggr"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

// A trivial all-zeros grouping must behave exactly like no grouping, running
// statistics included.
func TestInstanceNormImplicitSingleGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(5, 21))
	const numRows, numChannels = 7, 3
	x := randomMatrix(rng, numRows, numChannels)

	ctx := context.New()
	norm1 := NewInstanceNorm(ctx.In("n1"), numChannels)
	norm2 := NewInstanceNorm(ctx.In("n2"), numChannels)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		g := x.Graph()
		ctx.SetTraining(g, true)
		zeros := make([]int32, numRows)
		batch := aggr.IndicesFromValues(g, zeros, 1)
		return []*Node{norm1.Forward(x), norm2.ForwardGrouped(x, batch)}
	})
	results := exec.Call(x)
	require.InDeltaSlice(t,
		tensors.CopyFlatData[float32](results[0]),
		tensors.CopyFlatData[float32](results[1]), 1e-6)

	mean1, var1 := norm1.RunningStats()
	mean2, var2 := norm2.RunningStats()
	require.InDeltaSlice(t, tensors.CopyFlatData[float32](mean1), tensors.CopyFlatData[float32](mean2), 1e-6)
	require.InDeltaSlice(t, tensors.CopyFlatData[float32](var1), tensors.CopyFlatData[float32](var2), 1e-6)
}

// Processing two graphs in two training calls or concatenated in one call
// must produce the same normalized values and leave the same running
// statistics (cumulative averaging makes the accumulation commutative).
func TestInstanceNormSequentialVersusBatched(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(19, 23))
	const numChannels = 3
	x1 := randomMatrix(rng, 5, numChannels)
	x2 := randomMatrix(rng, 4, numChannels)

	ctx := context.New()
	sequential := NewInstanceNorm(ctx.In("sequential"), numChannels)
	batched := NewInstanceNorm(ctx.In("batched"), numChannels)

	seqExec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return sequential.Forward(x)
	})
	out1 := tensors.CopyFlatData[float32](seqExec.Call(x1)[0])
	out2 := tensors.CopyFlatData[float32](seqExec.Call(x2)[0])

	batchExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		xA, xB := inputs[0], inputs[1]
		g := xA.Graph()
		ctx.SetTraining(g, true)
		concat := Concatenate([]*Node{xA, xB}, 0)
		batch := aggr.IndicesFromValues(g, []int32{0, 0, 0, 0, 0, 1, 1, 1, 1}, 2)
		return []*Node{batched.ForwardGrouped(concat, batch)}
	})
	outConcat := tensors.CopyFlatData[float32](batchExec.Call(x1, x2)[0])
	require.InDeltaSlice(t, out1, outConcat[:len(out1)], 1e-5)
	require.InDeltaSlice(t, out2, outConcat[len(out1):], 1e-5)

	seqMean, seqVar := sequential.RunningStats()
	batchMean, batchVar := batched.RunningStats()
	require.InDeltaSlice(t,
		tensors.CopyFlatData[float32](seqMean),
		tensors.CopyFlatData[float32](batchMean), 1e-5,
		"running means must not depend on how the graphs were batched")
	require.InDeltaSlice(t,
		tensors.CopyFlatData[float32](seqVar),
		tensors.CopyFlatData[float32](batchVar), 1e-5,
		"running variances must not depend on how the graphs were batched")

	// With equal running statistics, evaluation outputs agree too.
	seqEval := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return sequential.Forward(x)
	})
	batchEval := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return batched.Forward(x)
	})
	require.InDeltaSlice(t,
		tensors.CopyFlatData[float32](seqEval.Call(x1)[0]),
		tensors.CopyFlatData[float32](batchEval.Call(x1)[0]), 1e-5)
}

func TestHeteroInstanceNormFromHomogeneous(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(29, 31))
	const numChannels = 3
	x := randomMatrix(rng, 6, numChannels)

	ctx := context.New()
	src := NewInstanceNorm(ctx.In("homo"), numChannels)
	trainExec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return src.Forward(x)
	})
	trainExec.Call(x)

	hetero := FromInstanceNorm(ctx.In("split"), src, []string{"a", "b"})
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		outs := hetero.Forward(map[string]*Node{"a": x, "b": x})
		return []*Node{Sub(outs["a"], src.Forward(x)), Sub(outs["b"], src.Forward(x))}
	})
	results := exec.Call(x)
	requireAllZeros(t, results[0], 1e-6)
	requireAllZeros(t, results[1], 1e-6)

	// Statistics were copied, not shared: training type "a" leaves "b" alone.
	shifted := randomMatrix(rng, 6, numChannels)
	aTrain := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return hetero.ForType("a").Forward(x)
	})
	aTrain.Call(shifted)
	srcMean, _ := src.RunningStats()
	aMean, _ := hetero.ForType("a").RunningStats()
	bMean, _ := hetero.ForType("b").RunningStats()
	require.Equal(t,
		tensors.CopyFlatData[float32](srcMean),
		tensors.CopyFlatData[float32](bMean))
	require.NotEqual(t,
		tensors.CopyFlatData[float32](bMean)[0],
		tensors.CopyFlatData[float32](aMean)[0])
}
