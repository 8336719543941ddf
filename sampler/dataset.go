package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// Dataset yields samples of a Strategy, implementing train.Dataset.
//
// Before the first Yield it can be configured to shuffle, to run a number of
// epochs, or to loop indefinitely. The batch size is not configurable here,
// it is part of the strategy's seed rules.
//
// Yield is safe for concurrent use. No labels are produced; Yield returns
// nil labels, and the caller looks up node labels from the sampled indices.
type Dataset struct {
	name      string
	strategy  *Strategy
	numEpochs int

	shuffle, withReplacement bool

	mu                      sync.Mutex
	frozen                  bool
	currentEpoch            int
	startOfEpoch, exhausted bool

	// Positions into each seed rule's candidate list (or its shuffle).
	seedsPosition []int32

	// seedsShuffle holds the shuffled candidates per seed rule, reshuffled
	// at the start of every epoch.
	seedsShuffle [][]int32

	rng *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// Epochs configures the dataset to yield this many epochs. Default is 1.
//
// With several seed rules an epoch finishes when the first of them is
// exhausted.
func (ds *Dataset) Epochs(n int) *Dataset {
	if ds.frozen {
		exceptions.Panicf("cannot change a Dataset that already started yielding samples")
	}
	if ds.withReplacement {
		exceptions.Panicf("cannot configure Epochs on a dataset configured WithReplacement")
	}
	if n <= 0 {
		exceptions.Panicf("Dataset.Epochs(n) requires n > 0, got %d", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	if ds.frozen {
		exceptions.Panicf("cannot change a Dataset that already started yielding samples")
	}
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the seed candidates, reshuffling
// at every epoch -- sampling without replacement within an epoch.
func (ds *Dataset) Shuffle() *Dataset {
	if ds.frozen {
		exceptions.Panicf("cannot change a Dataset that already started yielding samples")
	}
	ds.shuffle = true
	return ds
}

// WithReplacement configures the dataset to draw seeds independently with
// replacement. It implies Infinite.
func (ds *Dataset) WithReplacement() *Dataset {
	if ds.frozen {
		exceptions.Panicf("cannot change a Dataset that already started yielding samples")
	}
	ds.withReplacement = true
	return ds.Infinite()
}

// WithRand sets the random source, for reproducible sampling. Defaults to
// the shared global source. The source is only used while holding the
// dataset's lock: each Yield splits an independent stream off it for the
// edge expansion, so concurrent Yield calls remain safe.
func (ds *Dataset) WithRand(rng *rand.Rand) *Dataset {
	if ds.frozen {
		exceptions.Panicf("cannot change a Dataset that already started yielding samples")
	}
	ds.rng = rng
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the dataset after exhaustion.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset. The returned spec is the *Strategy, whose
// Parse method maps the inputs back to rule names. Inputs come in
// depth-first rule order, two tensors per rule: sampled indices and mask.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	spec = ds.strategy
	ds.frozen = true
	if ds.exhausted {
		ds.mu.Unlock()
		err = io.EOF
		return
	}
	if ds.startOfEpoch {
		ds.startEpoch()
	}

	// Drawing the seeds advances shared positions and needs the lock.
	numSeeds := len(ds.strategy.Seeds)
	seedsTensors := make([]*tensors.Tensor, 0, 2*numSeeds)
	for seedIdx, seedRule := range ds.strategy.Seeds {
		seeds, mask := ds.sampleSeeds(seedIdx, seedRule)
		seedsTensors = append(seedsTensors, seeds, mask)
	}
	// Edge expansion runs outside the lock, and ds.rng is not safe for
	// concurrent use: split an independent stream off it while still
	// holding the lock. A nil rng selects the thread-safe global source.
	var rng *rand.Rand
	if ds.rng != nil {
		rng = rand.New(rand.NewPCG(ds.rng.Uint64(), ds.rng.Uint64()))
	}
	ds.mu.Unlock()

	// Expanding edges only reads the frozen graph data.
	inputs = make([]*tensors.Tensor, 0, 2*len(ds.strategy.Rules))
	for seedIdx, seedRule := range ds.strategy.Seeds {
		seeds, mask := seedsTensors[2*seedIdx], seedsTensors[2*seedIdx+1]
		inputs = append(inputs, seeds, mask)
		inputs = sampleDependents(seedRule, rng, seeds, mask, inputs)
	}
	return
}

// sampleSeeds draws one batch of seeds for the rule. ds.mu must be held.
func (ds *Dataset) sampleSeeds(seedIdx int, rule *Rule) (seeds, mask *tensors.Tensor) {
	seeds = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Count)
	mask = tensors.FromScalarAndDimensions(false, rule.Count)

	tensors.MutableFlatData(seeds, func(seedsData []int32) {
		tensors.MutableFlatData(mask, func(maskData []bool) {
			switch {
			case ds.withReplacement:
				for ii := range rule.Count {
					if rule.NodeSet != nil {
						seedsData[ii] = rule.NodeSet[intN(ds.rng, len(rule.NodeSet))]
					} else {
						seedsData[ii] = int32(intN(ds.rng, int(rule.NumNodes)))
					}
					maskData[ii] = true
				}

			case ds.shuffle:
				shuffle := ds.seedsShuffle[seedIdx]
				pos := ds.seedsPosition[seedIdx]
				numToSample := int32(min(len(shuffle)-int(pos), rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if int(ds.seedsPosition[seedIdx]) >= len(shuffle) {
					ds.epochFinished()
				}
				copy(seedsData, shuffle[pos:pos+numToSample])
				for ii := range numToSample {
					maskData[ii] = true
				}

			case rule.NodeSet != nil:
				// Walk the given set in order.
				pos := ds.seedsPosition[seedIdx]
				numToSample := int32(min(len(rule.NodeSet)-int(pos), rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if int(ds.seedsPosition[seedIdx]) >= len(rule.NodeSet) {
					ds.epochFinished()
				}
				for ii := range numToSample {
					seedsData[ii] = rule.NodeSet[pos+ii]
					maskData[ii] = true
				}

			default:
				// Walk all node indices sequentially.
				pos := ds.seedsPosition[seedIdx]
				numToSample := min(rule.NumNodes-pos, int32(rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if ds.seedsPosition[seedIdx] >= rule.NumNodes {
					ds.epochFinished()
				}
				for ii := range numToSample {
					seedsData[ii] = pos + ii
					maskData[ii] = true
				}
			}
		})
	})
	return
}

// sampleDependents expands the rule's dependents depth-first, appending each
// sampled (values, mask) pair to store.
func sampleDependents(rule *Rule, rng *rand.Rand, nodes, mask *tensors.Tensor, store []*tensors.Tensor) []*tensors.Tensor {
	for _, dependent := range rule.Dependents {
		subNodes, subMask := sampleEdges(dependent, rng, nodes, mask)
		store = append(store, subNodes, subMask)
		store = sampleDependents(dependent, rng, subNodes, subMask, store)
	}
	return store
}

// sampleEdges draws up to rule.Count targets through rule.EdgeType for every
// valid source node.
func sampleEdges(rule *Rule, rng *rand.Rand, srcNodes, srcMask *tensors.Tensor) (nodes, mask *tensors.Tensor) {
	nodes = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Shape.Dimensions...)
	mask = tensors.FromScalarAndDimensions(false, rule.Shape.Dimensions...)

	tensors.ConstFlatData(srcNodes, func(srcNodesData []int32) {
		tensors.ConstFlatData(srcMask, func(srcMaskData []bool) {
			tensors.MutableFlatData(nodes, func(tgtNodesData []int32) {
				tensors.MutableFlatData(mask, func(tgtMaskData []bool) {
					edgeType := rule.EdgeType
					sampled := make([]int32, rule.Count)
					for fromIdx, fromValid := range srcMaskData {
						if !fromValid {
							continue
						}
						edges := edgeType.TargetsForSource(srcNodesData[fromIdx])
						if len(edges) == 0 {
							continue
						}
						baseIdx := fromIdx * rule.Count
						if len(edges) <= rule.Count {
							// Fewer edges than the fan-out: take them all.
							for ii, tgtNode := range edges {
								tgtNodesData[baseIdx+ii] = tgtNode
								tgtMaskData[baseIdx+ii] = true
							}
							continue
						}
						randKOfN(rng, sampled, len(edges))
						for ii, edgeIdx := range sampled {
							tgtNodesData[baseIdx+ii] = edges[edgeIdx]
							tgtMaskData[baseIdx+ii] = true
						}
					}
				})
			})
		})
	})
	return
}

func intN(rng *rand.Rand, n int) int {
	if rng == nil {
		return rand.IntN(n)
	}
	return rng.IntN(n)
}

// randKOfN stores k=len(values) random values without replacement out of
// 0..n-1 in values.
func randKOfN(rng *rand.Rand, values []int32, n int) {
	if len(values)*len(values) < n {
		randKOfNLinear(rng, values, n)
	} else {
		randKOfNReservoir(rng, values, n)
	}
}

// randKOfNLinear draws checking against previous choices: O(k^2), faster
// than hashing for the small k used as fan-out.
func randKOfNLinear(rng *rand.Rand, values []int32, n int) {
	for ii := range values {
		var x int32
	takeANumber:
		for {
			x = int32(intN(rng, n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

func randKOfNReservoir(rng *rand.Rand, values []int32, n int) {
	k := len(values)
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := intN(rng, ii+1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}

// startEpoch resets positions and reshuffles where required. ds.mu must be
// held.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	if ds.withReplacement {
		return
	}
	for ii := range ds.seedsPosition {
		ds.seedsPosition[ii] = 0
	}
	if !ds.shuffle {
		return
	}

	if ds.seedsShuffle == nil {
		ds.seedsShuffle = make([][]int32, len(ds.seedsPosition))
		for ii, rule := range ds.strategy.Seeds {
			if rule.NodeSet != nil {
				ds.seedsShuffle[ii] = append([]int32(nil), rule.NodeSet...)
			} else {
				candidates := make([]int32, rule.NumNodes)
				for jj := range candidates {
					candidates[jj] = int32(jj)
				}
				ds.seedsShuffle[ii] = candidates
			}
		}
	}
	for _, shuffle := range ds.seedsShuffle {
		for ii := range shuffle {
			jj := intN(ds.rng, len(shuffle))
			shuffle[ii], shuffle[jj] = shuffle[jj], shuffle[ii]
		}
	}
}

func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}
