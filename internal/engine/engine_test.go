package engine

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jsdoublel/grove/internal/prep"
)

func newTestEngine(t *testing.T, sp *prep.SitePattern, plvCount, gpcspCount int, opts Options) *GPEngine {
	t.Helper()
	e, err := NewGPEngine(sp, prep.JC69(), plvCount, gpcspCount,
		filepath.Join(t.TempDir(), "plvs.data"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func twoTaxonPattern() *prep.SitePattern {
	return &prep.SitePattern{
		Patterns: [][]int{{0, 4}, {1, 2}},
		Weights:  []float64{1, 1},
	}
}

func TestNewEngineSeedsAllOnesScalars(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 3, DefaultOptions())
	// q starts at all-ones, not a normalized distribution; a real SBN
	// seeding comes from the caller
	for i := 0; i < 3; i++ {
		require.Equal(t, 1.0, e.branchLengths[i])
		require.Equal(t, 1.0, e.q[i])
		require.Equal(t, 0.0, e.logLikelihoods[i])
	}
}

func TestLeafPLVInitialization(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	// taxon 0: A then gap
	require.Equal(t, 1.0, e.plvs[0].At(0, 0))
	for s := 1; s < prep.StateCount; s++ {
		require.Equal(t, 0.0, e.plvs[0].At(s, 0))
	}
	for s := 0; s < prep.StateCount; s++ {
		require.Equal(t, 1.0, e.plvs[0].At(s, 1))
	}
	// taxon 1: C then G
	require.Equal(t, 1.0, e.plvs[1].At(1, 0))
	require.Equal(t, 1.0, e.plvs[1].At(2, 1))
	require.Equal(t, 0.0, e.plvs[1].At(0, 0))
}

func TestTransitionMatrix(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	e.setTransitionMatrix(0)
	for i := 0; i < prep.StateCount; i++ {
		for j := 0; j < prep.StateCount; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			require.InDelta(t, want, e.transition.At(i, j), 1e-12)
		}
	}
	// closed-form JC69 probabilities
	length := 0.7
	e.setTransitionMatrix(length)
	decay := math.Exp(-4.0 / 3.0 * length)
	for i := 0; i < prep.StateCount; i++ {
		for j := 0; j < prep.StateCount; j++ {
			want := 0.25 - 0.25*decay
			if i == j {
				want = 0.25 + 0.75*decay
			}
			require.InDelta(t, want, e.transition.At(i, j), 1e-12)
		}
	}
}

func TestSetToStationaryDistribution(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	e.rescalingCounts[4] = 3
	e.ProcessOperations([]GPOperation{SetToStationaryDistribution{Dest: 4}})
	for s := 0; s < prep.StateCount; s++ {
		for i := 0; i < 2; i++ {
			require.Equal(t, 0.25, e.plvs[4].At(s, i))
		}
	}
	require.Equal(t, 0, e.rescalingCounts[4])
}

func setAll(e *GPEngine, plvIdx int, value float64) {
	for s := 0; s < prep.StateCount; s++ {
		for i := 0; i < e.patternCount; i++ {
			e.plvs[plvIdx].Set(s, i, value)
		}
	}
}

func TestMultiplyTriggersRescaling(t *testing.T) {
	opts := DefaultOptions()
	opts.RescalingThreshold = 1e-4
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, opts)
	setAll(e, 2, 1e-3)
	setAll(e, 3, 1e-3)
	e.ProcessOperations([]GPOperation{Multiply{Dest: 4, Src1: 2, Src2: 3}})
	require.Equal(t, 1, e.rescalingCounts[4])
	require.InDelta(t, 1e-2, e.plvs[4].At(0, 0), 1e-15)
}

func TestMultiplyAddsCounters(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	setAll(e, 2, 0.5)
	setAll(e, 3, 0.5)
	e.rescalingCounts[2] = 2
	e.rescalingCounts[3] = 3
	e.ProcessOperations([]GPOperation{Multiply{Dest: 4, Src1: 2, Src2: 3}})
	require.Equal(t, 5, e.rescalingCounts[4])
	require.Equal(t, 0.25, e.plvs[4].At(0, 0))
}

func TestMultiplySkipsZeroBlocks(t *testing.T) {
	opts := DefaultOptions()
	opts.RescalingThreshold = 1e-4
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, opts)
	setAll(e, 2, 1e-3)
	// src 3 left zeroed: the product has zero minimum, rescaling must not
	// spin
	e.ProcessOperations([]GPOperation{Multiply{Dest: 4, Src1: 2, Src2: 3}})
	require.Equal(t, 0, e.rescalingCounts[4])
	require.Equal(t, 0.0, e.plvs[4].At(0, 0))
}

func TestWeightedSumAccumulateCatchesUpSource(t *testing.T) {
	opts := DefaultOptions()
	opts.RescalingThreshold = 0.1
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, opts)
	setAll(e, 2, 1)
	e.rescalingCounts[2] = 1
	e.branchLengths[0] = 0 // identity transition
	e.q[0] = 1
	e.ProcessOperations([]GPOperation{
		Zero{Dest: 5},
		WeightedSumAccumulate{Dest: 5, GPCSP: 0, Src: 2},
	})
	// source carries one rescaling the destination does not; its stored
	// values shrink by threshold^1 on the way in
	require.InDelta(t, 0.1, e.plvs[5].At(0, 0), 1e-12)
	require.Equal(t, 0, e.rescalingCounts[5])
}

func TestWeightedSumAccumulatePanicsOnOverRescaledDest(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	e.rescalingCounts[5] = 1
	require.Panics(t, func() {
		e.ProcessOperations([]GPOperation{WeightedSumAccumulate{Dest: 5, GPCSP: 0, Src: 2}})
	})
}

func TestPrepForMarginalization(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	setAll(e, 6, 7)
	e.rescalingCounts[2] = 2
	e.rescalingCounts[3] = 5
	e.ProcessOperations([]GPOperation{PrepForMarginalization{Dest: 6, Srcs: []int{2, 3}}})
	require.Equal(t, 2, e.rescalingCounts[6])
	require.Equal(t, 0.0, e.plvs[6].At(0, 0))
	require.Panics(t, func() {
		e.ProcessOperations([]GPOperation{PrepForMarginalization{Dest: 6}})
	})
}

func TestUpdateSBNProbabilities(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 4, DefaultOptions())
	e.logLikelihoods[1] = math.Log(1)
	e.logLikelihoods[2] = math.Log(3)
	e.ProcessOperations([]GPOperation{UpdateSBNProbabilities{Start: 1, Stop: 3}})
	require.InDelta(t, 0.25, e.q[1], 1e-12)
	require.InDelta(t, 0.75, e.q[2], 1e-12)
	// log-likelihoods themselves are untouched
	require.InDelta(t, math.Log(3), e.logLikelihoods[2], 1e-12)
}

func TestUpdateSBNProbabilitiesSingletonBlock(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 4, DefaultOptions())
	e.logLikelihoods[0] = -1234
	e.q[0] = 0.123
	e.ProcessOperations([]GPOperation{UpdateSBNProbabilities{Start: 0, Stop: 1}})
	require.Equal(t, 1.0, e.q[0])
}

func TestUpdateSBNProbabilitiesZeroProbability(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 4, DefaultOptions())
	e.logLikelihoods[0] = math.Inf(-1)
	e.logLikelihoods[1] = math.Log(2)
	e.ProcessOperations([]GPOperation{UpdateSBNProbabilities{Start: 0, Stop: 2}})
	require.Equal(t, 0.0, e.q[0])
	require.InDelta(t, 1.0, e.q[1], 1e-12)
}

func TestLikelihoodOp(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	// parent stationary, child one-hot, identity transition: per-pattern
	// likelihood 0.25
	e.ProcessOperations([]GPOperation{SetToStationaryDistribution{Dest: 4}})
	e.branchLengths[0] = 0
	e.q[0] = 1
	e.ProcessOperations([]GPOperation{Likelihood{GPCSP: 0, Parent: 4, Child: 0}})
	// taxon 0's PLV has a gap in the second pattern, whose column sums to 1
	want := math.Log(0.25) + math.Log(1.0)
	require.InDelta(t, want, e.logLikelihoods[0], 1e-12)
}

func TestIncrementMarginalLikelihood(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	e.ProcessOperations([]GPOperation{SetToStationaryDistribution{Dest: 4}})
	setAll(e, 5, 1)
	e.q[0], e.q[1] = 0.5, 0.5
	e.ResetLogMarginalLikelihood()
	require.True(t, math.IsInf(e.LogMarginalLikelihood(), -1))
	ops := []GPOperation{
		IncrementMarginalLikelihood{Stationary: 4, Rootsplit: 0, P: 5},
		IncrementMarginalLikelihood{Stationary: 4, Rootsplit: 1, P: 5},
	}
	e.ProcessOperations(ops)
	// each rootsplit contributes 0.5 * 1 over two unit-weight patterns
	require.InDelta(t, math.Log(0.5), e.logLikelihoods[0], 1e-12)
	require.InDelta(t, 0, e.LogMarginalLikelihood(), 1e-12)
}

func TestIncrementMarginalLikelihoodRescaledReadout(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	e.ProcessOperations([]GPOperation{SetToStationaryDistribution{Dest: 4}})
	setAll(e, 5, 1)
	e.rescalingCounts[5] = 1
	e.q[0] = 1
	e.ResetLogMarginalLikelihood()
	e.ProcessOperations([]GPOperation{IncrementMarginalLikelihood{Stationary: 4, Rootsplit: 0, P: 5}})
	// counter * log(threshold) comes back per pattern
	want := 2 * math.Log(DefaultRescalingThreshold)
	require.InDelta(t, want, e.LogMarginalLikelihood(), 1e-9)
}

func TestOptimizeBranchLengthImproves(t *testing.T) {
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, DefaultOptions())
	// identical one-hot PLVs favor the shortest branch allowed
	setAll(e, 6, 0)
	e.plvs[6].Set(0, 0, 1)
	e.plvs[6].Set(1, 1, 1)
	setAll(e, 7, 0)
	e.plvs[7].Set(0, 0, 1)
	e.plvs[7].Set(1, 1, 1)
	e.q[0] = 1
	e.branchLengths[0] = 1
	before := e.edgeLogLikelihood(0, 7, 6)
	e.ProcessOperations([]GPOperation{OptimizeBranchLength{Leafward: 6, Rootward: 7, GPCSP: 0}})
	require.Less(t, e.branchLengths[0], 0.01)
	require.GreaterOrEqual(t, e.edgeLogLikelihood(0, 7, 6), before)
}

func TestGradientAscentOptimizerImproves(t *testing.T) {
	opts := DefaultOptions()
	opts.Optimizer = GradientAscentOptimizer
	e := newTestEngine(t, twoTaxonPattern(), 8, 2, opts)
	setAll(e, 6, 0)
	e.plvs[6].Set(0, 0, 1)
	e.plvs[6].Set(1, 1, 1)
	setAll(e, 7, 0)
	e.plvs[7].Set(0, 0, 1)
	e.plvs[7].Set(1, 1, 1)
	e.q[0] = 1
	e.branchLengths[0] = 1
	before := e.edgeLogLikelihood(0, 7, 6)
	e.ProcessOperations([]GPOperation{OptimizeBranchLength{Leafward: 6, Rootward: 7, GPCSP: 0}})
	require.Less(t, e.branchLengths[0], 1.0)
	require.GreaterOrEqual(t, e.edgeLogLikelihood(0, 7, 6), before)
}

// edge log-likelihood at the current branch length, for test assertions
func (e *GPEngine) edgeLogLikelihood(gpcsp, parent, child int) float64 {
	e.setTransitionMatrix(e.branchLengths[gpcsp])
	e.preparePerPatternLogLikelihoods(parent, child)
	var total float64
	for i, w := range e.patternWeights {
		total += w * e.perPatternLogLik[i]
	}
	return math.Log(e.q[gpcsp]) + total
}

func TestZeroPLVCountPanics(t *testing.T) {
	require.Panics(t, func() {
		_, _ = NewGPEngine(twoTaxonPattern(), prep.JC69(), 0, 1, "unused", DefaultOptions())
	})
}
