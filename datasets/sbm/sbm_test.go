package sbm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockSizesAndLabels(t *testing.T) {
	data, err := New([]int{3, 5, 2}, [][]float64{
		{0.5, 0.1, 0.1},
		{0.1, 0.5, 0.1},
		{0.1, 0.1, 0.5},
	}).Seed(42).Done()
	require.NoError(t, err)

	require.Equal(t, 10, data.NumNodes)
	require.Equal(t, []int32{0, 0, 0, 1, 1, 1, 1, 1, 2, 2}, data.Labels.Value().([]int32))
	require.Nil(t, data.Features)
}

func TestNoCrossBlockEdgesWhenIsolated(t *testing.T) {
	data, err := New([]int{20, 20}, [][]float64{
		{0.8, 0},
		{0, 0.8},
	}).Seed(7).Done()
	require.NoError(t, err)

	labels := data.Labels.Value().([]int32)
	edges := data.Edges.Value().([][]int32)
	require.NotEmpty(t, edges[0])
	for i := range edges[0] {
		source, target := edges[0][i], edges[1][i]
		assert.Equal(t, labels[source], labels[target],
			"p_out=0 must not generate cross-block edges")
		assert.NotEqual(t, source, target, "no self-loops")
	}
}

func TestUndirectedSymmetry(t *testing.T) {
	data, err := New([]int{15, 15}, [][]float64{
		{0.4, 0.2},
		{0.2, 0.4},
	}).Seed(3).Done()
	require.NoError(t, err)

	edges := data.Edges.Value().([][]int32)
	type pair struct{ source, target int32 }
	seen := make(map[pair]bool, len(edges[0]))
	for i := range edges[0] {
		seen[pair{edges[0][i], edges[1][i]}] = true
	}
	for i := range edges[0] {
		assert.True(t, seen[pair{edges[1][i], edges[0][i]}],
			"undirected graph must contain the reverse of every edge")
	}

	// Asymmetric probabilities are rejected for undirected graphs.
	_, err = New([]int{2, 2}, [][]float64{
		{0.5, 0.1},
		{0.2, 0.5},
	}).Done()
	require.Error(t, err)

	// But accepted when directed.
	_, err = New([]int{2, 2}, [][]float64{
		{0.5, 0.1},
		{0.2, 0.5},
	}).Undirected(false).Seed(1).Done()
	require.NoError(t, err)
}

func TestFeaturesClusterAroundHypercubeVertices(t *testing.T) {
	const numChannels = 4
	const blockSize = 200
	data, err := New([]int{blockSize, blockSize}, [][]float64{
		{0.1, 0.1},
		{0.1, 0.1},
	}).NumChannels(numChannels).ClassSep(3).Seed(11).Done()
	require.NoError(t, err)

	require.Equal(t, []int{2 * blockSize, numChannels}, data.Features.Shape().Dimensions)
	features := data.Features.Value().([][]float32)

	// Per-block means approach the centers: block 0 at (-3,-3,-3,-3),
	// block 1 at (+3,-3,-3,-3). Unit variance and 200 samples keep the
	// estimate within a wide 0.5 margin.
	for block := range 2 {
		for d := range numChannels {
			var mean float64
			for i := block * blockSize; i < (block+1)*blockSize; i++ {
				mean += float64(features[i][d])
			}
			mean /= blockSize
			want := -3.0
			if (block>>d)&1 == 1 {
				want = 3.0
			}
			assert.InDelta(t, want, mean, 0.5, "block %d channel %d", block, d)
		}
	}
}

func TestRandomPartition(t *testing.T) {
	// Full homophily means p_out = 0: communities stay disconnected.
	data, err := RandomPartition(3, 30, 1.0, 4.0).Seed(5).Done()
	require.NoError(t, err)
	require.Equal(t, 90, data.NumNodes)

	labels := data.Labels.Value().([]int32)
	edges := data.Edges.Value().([][]int32)
	require.NotEmpty(t, edges[0])
	for i := range edges[0] {
		assert.Equal(t, labels[edges[0][i]], labels[edges[1][i]])
	}
}

func TestNearestNeighborEdges(t *testing.T) {
	data, err := New([]int{100, 100}, [][]float64{
		{0.1, 0.01},
		{0.01, 0.1},
	}).NumChannels(4).ClassSep(4).Seed(11).Done()
	require.NoError(t, err)

	const k = 3
	edges, err := data.NearestNeighborEdges(k)
	require.NoError(t, err)
	require.Equal(t, []int{2, data.NumNodes * k}, edges.Shape().Dimensions)

	labels := data.Labels.Value().([]int32)
	values := edges.Value().([][]int32)
	intraBlock := 0
	for i, source := range values[0] {
		target := values[1][i]
		require.NotEqual(t, source, target, "self loop at edge %d", i)
		if i > 0 {
			require.GreaterOrEqual(t, source, values[0][i-1], "edges not sorted by source")
		}
		if labels[source] == labels[target] {
			intraBlock++
		}
	}
	// With well-separated clusters feature-space neighbors stay in-block.
	assert.Greater(t, float64(intraBlock)/float64(len(values[0])), 0.95)

	// Without features there is no feature space to search.
	noFeatures, err := New([]int{5, 5}, [][]float64{{0.5, 0.1}, {0.1, 0.5}}).Seed(1).Done()
	require.NoError(t, err)
	_, err = noFeatures.NearestNeighborEdges(k)
	require.Error(t, err)
}
