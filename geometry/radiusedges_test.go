package geometry

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestRadiusEdges(t *testing.T) {
	// Create random points uniformly distributed in the range [-1, -1] - [0, 0].
	// The target points are the 5 following centroids:
	targetPointsT := tensors.FromValue([][]float32{
		{0, 0},
		{-0.5, -0.5},
		{-0.5, 0.5},
		{0.5, -0.5},
		{0.5, 0.5}})
	numSourcePoints := 1000
	sourcePointsT := tensors.FromShape(shapes.Make(dtypes.Float32, numSourcePoints, 2))
	tensors.MutableFlatData(sourcePointsT, func(flat []float32) {
		rng := rand.New(rand.NewPCG(0, 42))
		for i := range flat {
			flat[i] = 2*rng.Float32() - 1
		}
	})

	const radius = 0.3
	edgesT, err := RadiusEdges(sourcePointsT, targetPointsT, radius).Done()
	require.NoError(t, err)

	sourcePoints := sourcePointsT.Value().([][]float32)
	targetPoints := targetPointsT.Value().([][]float32)
	edges := edgesT.Value().([][]int32)
	edgesSourceIndices := edges[0]
	edgesTargetIndices := edges[1]

	// Track seen edges to check for duplicates
	seen := make(map[string]bool)
	for i := range edgesSourceIndices {
		edge := fmt.Sprintf("%d-%d", edgesSourceIndices[i], edgesTargetIndices[i])
		require.False(t, seen[edge], "Found duplicate edge: source=%d, target=%d",
			edgesSourceIndices[i], edgesTargetIndices[i])
		seen[edge] = true
	}

	// Verify that all connected points are within radius distance
	for i := range edgesSourceIndices {
		sourcePoint := sourcePoints[edgesSourceIndices[i]]
		targetPoint := targetPoints[edgesTargetIndices[i]]
		dist := l2Dist(sourcePoint, targetPoint)
		require.LessOrEqual(t, dist, float32(radius), "Distance between connected points should be <= radius")
	}

	// Brute-force count of all point pairs within radius distance
	pairsCount := 0
	for i := range sourcePoints {
		for j := range targetPoints {
			if l2Dist(sourcePoints[i], targetPoints[j]) <= radius {
				edgeStr := fmt.Sprintf("%d-%d", i, j)
				if !seen[edgeStr] {
					fmt.Printf("Edge %s not seen: source=%v, target=%v, distance=%.2g\n",
						edgeStr, sourcePoints[i], targetPoints[j], l2Dist(sourcePoints[i], targetPoints[j]))
				}
				pairsCount++
			}
		}
	}

	require.Equal(t, pairsCount, len(edgesSourceIndices),
		"Number of edges should match number of point pairs within radius distance")

}

func TestRadiusEdgesMaxNeighbors(t *testing.T) {
	// Source point 0 is near 4 targets, source point 1 near none within radius.
	sourcePointsT := tensors.FromValue([][]float32{
		{0, 0},
		{10, 10}})
	targetPointsT := tensors.FromValue([][]float32{
		{0.1, 0},
		{0, 0.2},
		{-0.3, 0},
		{0, -0.4},
		{5, 5}})

	edgesT, err := RadiusEdges(sourcePointsT, targetPointsT, 1.0).MaxNeighbors(2).Done()
	require.NoError(t, err)
	edges := edgesT.Value().([][]int32)

	// Only the 2 closest targets of source 0 survive, closest first.
	require.Equal(t, []int32{0, 0}, edges[0])
	require.Equal(t, []int32{0, 1}, edges[1])

	// Unlimited keeps all 4.
	edgesT, err = RadiusEdges(sourcePointsT, targetPointsT, 1.0).Done()
	require.NoError(t, err)
	require.Equal(t, 4, edgesT.Shape().Dimensions[1])

	_, err = RadiusEdges(sourcePointsT, targetPointsT, 1.0).MaxNeighbors(-1).Done()
	require.Error(t, err)
}
