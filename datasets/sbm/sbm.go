// Package sbm generates synthetic stochastic block model graphs: nodes are
// partitioned into blocks, and the probability of an edge depends only on
// the blocks of its endpoints. Each block is a class, and node features are
// sampled from Gaussian clusters centered on vertices of a hypercube.
//
// Everything is generated in memory; there is nothing to download.
package sbm

import (
	"math/rand/v2"

	"github.com/gomlx/gnnx/geometry"
	"github.com/gomlx/gnnx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config is created with New or RandomPartition and, once fully configured,
// executed with Done.
type Config struct {
	blockSizes  []int
	edgeProbs   [][]float64
	numChannels int
	undirected  bool
	classSep    float64
	seed        uint64
	seeded      bool
}

// Data is one generated graph.
type Data struct {
	// NumNodes across all blocks.
	NumNodes int

	// BlockSizes used for the generation, block b holding nodes
	// [sum(BlockSizes[:b]), sum(BlockSizes[:b+1])).
	BlockSizes []int

	// Features shaped [NumNodes, numChannels] Float32, or nil if no
	// channels were configured.
	Features *tensors.Tensor

	// Labels shaped [NumNodes] Int32: the block of each node.
	Labels *tensors.Tensor

	// Edges shaped [2, numEdges] Int32, sorted by source. For an undirected
	// graph both directions of every edge are present.
	Edges *tensors.Tensor
}

// New starts the configuration of a stochastic block model graph:
// blockSizes gives the number of nodes per block, and edgeProbs the edge
// density from each block to each other block -- a square matrix, symmetric
// if the graph is undirected.
//
// Defaults: undirected, no node features, class separation 1.
func New(blockSizes []int, edgeProbs [][]float64) *Config {
	return &Config{
		blockSizes: blockSizes,
		edgeProbs:  edgeProbs,
		undirected: true,
		classSep:   1,
	}
}

// RandomPartition configures a random partition graph, a stochastic block
// model of equally sized communities controlled by the node homophily ratio
// and the average degree (from "How to Find Your Friendly Neighborhood:
// Graph Attention Design with Self-Supervision",
// https://openreview.net/forum?id=Wi5KUNlqWty). Each community is a class.
func RandomPartition(numClasses, numNodesPerClass int, homophilyRatio, averageDegree float64) *Config {
	// p_in + (numClasses-1) * p_out = averageDegree / numNodesPerClass
	ecOverV2 := averageDegree / float64(numNodesPerClass)
	pIn := homophilyRatio * ecOverV2
	var pOut float64
	if numClasses > 1 {
		pOut = (ecOverV2 - pIn) / float64(numClasses-1)
	}

	blockSizes := make([]int, numClasses)
	edgeProbs := make([][]float64, numClasses)
	for r := range numClasses {
		blockSizes[r] = numNodesPerClass
		edgeProbs[r] = make([]float64, numClasses)
		for c := range numClasses {
			edgeProbs[r][c] = pOut
		}
		edgeProbs[r][r] = pIn
	}
	return New(blockSizes, edgeProbs)
}

// NumChannels sets the number of node features to generate. The default of
// 0 generates no features.
func (c *Config) NumChannels(numChannels int) *Config {
	c.numChannels = numChannels
	return c
}

// Undirected sets whether to generate an undirected graph (both directions
// of every edge present in the edge tensor). Defaults to true.
func (c *Config) Undirected(undirected bool) *Config {
	c.undirected = undirected
	return c
}

// ClassSep scales the hypercube the feature clusters are centered on:
// larger values spread the classes further apart. Defaults to 1.
func (c *Config) ClassSep(classSep float64) *Config {
	c.classSep = classSep
	return c
}

// Seed makes the generation deterministic. Without it the shared global
// random source is used.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	c.seeded = true
	return c
}

// Done generates the graph as configured.
func (c *Config) Done() (*Data, error) {
	numBlocks := len(c.blockSizes)
	if numBlocks == 0 {
		return nil, errors.Errorf("at least one block size required")
	}
	numNodes := 0
	for b, size := range c.blockSizes {
		if size <= 0 {
			return nil, errors.Errorf("block %d has size %d, must be > 0", b, size)
		}
		numNodes += size
	}
	if len(c.edgeProbs) != numBlocks {
		return nil, errors.Errorf("edgeProbs has %d rows for %d blocks", len(c.edgeProbs), numBlocks)
	}
	for r, row := range c.edgeProbs {
		if len(row) != numBlocks {
			return nil, errors.Errorf("edgeProbs row %d has %d entries for %d blocks", r, len(row), numBlocks)
		}
		for col, p := range row {
			if p < 0 || p > 1 {
				return nil, errors.Errorf("edgeProbs[%d][%d] = %g is not a probability", r, col, p)
			}
			if c.undirected && c.edgeProbs[col][r] != p {
				return nil, errors.Errorf("edgeProbs must be symmetric for an undirected graph, got edgeProbs[%d][%d] != edgeProbs[%d][%d]", r, col, col, r)
			}
		}
	}
	if c.numChannels < 0 {
		return nil, errors.Errorf("NumChannels must be non-negative, got %d", c.numChannels)
	}

	rng := rand.New(rand.NewPCG(c.seed, c.seed))
	if !c.seeded {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	// Block of each node; blocks are contiguous.
	blockOf := make([]int32, numNodes)
	node := 0
	for b, size := range c.blockSizes {
		for range size {
			blockOf[node] = int32(b)
			node++
		}
	}

	edges, err := c.sampleEdges(rng, blockOf)
	if err != nil {
		return nil, err
	}

	data := &Data{
		NumNodes:   numNodes,
		BlockSizes: append([]int(nil), c.blockSizes...),
		Labels:     tensors.FromValue(blockOf),
		Edges:      edges,
	}
	if c.numChannels > 0 {
		data.Features = c.sampleFeatures(rng, blockOf)
	}
	return data, nil
}

// sampleEdges draws every node pair independently with its block pair's
// probability. For undirected graphs only pairs i < j are drawn and then
// mirrored. Self-loops are never generated.
func (c *Config) sampleEdges(rng *rand.Rand, blockOf []int32) (*tensors.Tensor, error) {
	var sources, targets []int32
	numNodes := len(blockOf)
	for i := range numNodes {
		jStart := 0
		if c.undirected {
			jStart = i + 1
		}
		for j := jStart; j < numNodes; j++ {
			if i == j {
				continue
			}
			if rng.Float64() < c.edgeProbs[blockOf[i]][blockOf[j]] {
				sources = append(sources, int32(i))
				targets = append(targets, int32(j))
			}
		}
	}

	numEdges := len(sources)
	edges := tensors.FromShape(shapes.Make(dtypes.Int32, 2, numEdges))
	tensors.MutableFlatData(edges, func(flat []int32) {
		copy(flat[:numEdges], sources)
		copy(flat[numEdges:], targets)
	})
	if c.undirected {
		var err error
		edges, err = graph.UndirectedEdges(edges)
		if err != nil {
			return nil, err
		}
	}
	if err := graph.SortEdgesBySource(edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// sampleFeatures draws each node's features from a unit Gaussian centered
// on its block's hypercube vertex: coordinate d of block b's center is
// +-classSep, the sign taken from bit d of b (cycled past the bit width).
func (c *Config) sampleFeatures(rng *rand.Rand, blockOf []int32) *tensors.Tensor {
	numBlocks := len(c.blockSizes)
	centers := make([][]float64, numBlocks)
	for b := range numBlocks {
		centers[b] = make([]float64, c.numChannels)
		for d := range c.numChannels {
			if (b>>(d%31))&1 == 1 {
				centers[b][d] = c.classSep
			} else {
				centers[b][d] = -c.classSep
			}
		}
	}

	features := tensors.FromShape(shapes.Make(dtypes.Float32, len(blockOf), c.numChannels))
	tensors.MutableFlatData(features, func(flat []float32) {
		for i, block := range blockOf {
			center := centers[block]
			for d := range c.numChannels {
				flat[i*c.numChannels+d] = float32(center[d] + rng.NormFloat64())
			}
		}
	})
	return features
}

// NearestNeighborEdges builds an alternative connectivity for the generated
// graph: every node connects to its k nearest neighbors in feature space.
// The result is shaped [2, numNodes*k] Int32, sorted by source, with no
// self loops. It requires the data to have been generated with features
// (NumChannels > 0).
func (d *Data) NearestNeighborEdges(k int) (*tensors.Tensor, error) {
	if d.Features == nil {
		return nil, errors.Errorf("nearest-neighbor edges need node features, generate with NumChannels > 0")
	}
	edges, err := geometry.NearestEdges(d.Features, d.Features).K(k).ExcludeSelf().Done()
	if err != nil {
		return nil, errors.WithMessage(err, "connecting nodes to their nearest neighbors")
	}
	if err = graph.SortEdgesBySource(edges); err != nil {
		return nil, err
	}
	return edges, nil
}
