package engine

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jsdoublel/grove/internal/prep"
)

const (
	DefaultRescalingThreshold = 1e-40
	DefaultMinBranchLength    = 1e-6
	DefaultMaxBranchLength    = 3.0
	DefaultSignificantDigits  = 6
	DefaultMaxOptimizerIter   = 100
	DefaultRelativeTolerance  = 1e-4
	DefaultStepSize           = 0.01
)

// OptimizerMode selects the branch-length optimizer.
type OptimizerMode int

const (
	// Derivative-free bracketing search; the default.
	BrentOptimizer OptimizerMode = iota
	// Fixed-step gradient ascent on the transition-matrix derivative.
	GradientAscentOptimizer
)

type Options struct {
	RescalingThreshold float64
	MinBranchLength    float64
	MaxBranchLength    float64
	SignificantDigits  int
	MaxOptimizerIter   int
	RelativeTolerance  float64 // gradient ascent only
	StepSize           float64 // gradient ascent only
	Optimizer          OptimizerMode
}

func DefaultOptions() Options {
	return Options{
		RescalingThreshold: DefaultRescalingThreshold,
		MinBranchLength:    DefaultMinBranchLength,
		MaxBranchLength:    DefaultMaxBranchLength,
		SignificantDigits:  DefaultSignificantDigits,
		MaxOptimizerIter:   DefaultMaxOptimizerIter,
		RelativeTolerance:  DefaultRelativeTolerance,
		StepSize:           DefaultStepSize,
		Optimizer:          BrentOptimizer,
	}
}

// GPEngine owns the PLV storage and per-edge scalar arrays for one DAG
// shape and executes operation sequences against them. Execution is
// strictly single-threaded and in order: later instructions read PLVs
// written by earlier ones.
type GPEngine struct {
	opts         Options
	logThreshold float64

	patternCount   int
	patternWeights []float64
	model          *prep.EigenDecomposition

	buf             *plvBuffer
	plvs            []*mat.Dense
	rescalingCounts []int

	branchLengths  []float64
	logLikelihoods []float64
	q              []float64

	logMarginalLikelihood float64

	// transition-matrix pieces and per-pattern scratch
	expEigen         []float64
	scaledEigen      *mat.Dense
	transition       *mat.Dense
	derivative       *mat.Dense
	evolved          *mat.Dense
	evolvedDeriv     *mat.Dense
	perPatternLogLik []float64
}

// NewGPEngine allocates the memory-mapped PLV buffer for plvCount blocks
// and the per-edge arrays for gpcspCount edges, then fixes the leaf PLVs
// from the site patterns. Branch lengths start at 1 and q at all-ones (the
// leaf-closure convention, not a normalized distribution); callers seed a
// real SBN distribution via SetSBNParameters before likelihood passes.
func NewGPEngine(sitePattern *prep.SitePattern, model *prep.EigenDecomposition,
	plvCount, gpcspCount int, mmapPath string, opts Options) (*GPEngine, error) {
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("substitution model: %w", err)
	}
	patternCount := sitePattern.PatternCount()
	buf, err := newPLVBuffer(mmapPath, plvCount, patternCount)
	if err != nil {
		return nil, err
	}
	e := &GPEngine{
		opts:             opts,
		logThreshold:     math.Log(opts.RescalingThreshold),
		patternCount:     patternCount,
		patternWeights:   sitePattern.Weights,
		model:            model,
		buf:              buf,
		plvs:             buf.subdivide(plvCount, patternCount),
		rescalingCounts:  make([]int, plvCount),
		branchLengths:    make([]float64, gpcspCount),
		logLikelihoods:   make([]float64, gpcspCount),
		q:                make([]float64, gpcspCount),
		expEigen:         make([]float64, prep.StateCount),
		scaledEigen:      mat.NewDense(prep.StateCount, prep.StateCount, nil),
		transition:       mat.NewDense(prep.StateCount, prep.StateCount, nil),
		derivative:       mat.NewDense(prep.StateCount, prep.StateCount, nil),
		evolved:          mat.NewDense(prep.StateCount, patternCount, nil),
		evolvedDeriv:     mat.NewDense(prep.StateCount, patternCount, nil),
		perPatternLogLik: make([]float64, patternCount),
	}
	for i := range e.branchLengths {
		e.branchLengths[i] = 1
	}
	for i := range e.q {
		e.q[i] = 1
	}
	e.ResetLogMarginalLikelihood()
	e.initializePLVsWithSitePatterns(sitePattern)
	return e, nil
}

// Releases the memory mapping and its backing scratch file handle.
func (e *GPEngine) Close() error { return e.buf.close() }

// One-hot leaf initialization: an unambiguous symbol lights its state's
// row, a gap or ambiguity lights the whole column.
func (e *GPEngine) initializePLVsWithSitePatterns(sitePattern *prep.SitePattern) {
	for _, plv := range e.plvs {
		plv.Zero()
	}
	for taxon, symbols := range sitePattern.Patterns {
		plv := e.plvs[taxon]
		for site, symbol := range symbols {
			if symbol < prep.StateCount {
				plv.Set(symbol, site, 1)
				continue
			}
			for s := 0; s < prep.StateCount; s++ {
				plv.Set(s, site, 1)
			}
		}
	}
}

// ProcessOperations executes the instructions strictly in order on the
// calling goroutine. No reordering or skipping: every pass's correctness
// rests on this.
func (e *GPEngine) ProcessOperations(ops []GPOperation) {
	for _, op := range ops {
		switch op := op.(type) {
		case Zero:
			e.plvs[op.Dest].Zero()
			e.rescalingCounts[op.Dest] = 0
		case SetToStationaryDistribution:
			e.setToStationary(op)
		case WeightedSumAccumulate:
			e.weightedSumAccumulate(op)
		case Multiply:
			e.multiply(op)
		case Likelihood:
			e.likelihood(op)
		case IncrementMarginalLikelihood:
			e.incrementMarginalLikelihood(op)
		case OptimizeBranchLength:
			e.optimizeBranchLength(op)
		case UpdateSBNProbabilities:
			e.updateSBNProbabilities(op)
		case PrepForMarginalization:
			e.prepForMarginalization(op)
		default:
			panic(fmt.Sprintf("unknown GP operation %T", op))
		}
	}
}

func (e *GPEngine) setToStationary(op SetToStationaryDistribution) {
	plv := e.plvs[op.Dest]
	for s := 0; s < prep.StateCount; s++ {
		for i := 0; i < e.patternCount; i++ {
			plv.Set(s, i, e.model.Stationary[s])
		}
	}
	e.rescalingCounts[op.Dest] = 0
}

// dest += factor * q * T * src. The factor catches the source's rescaling
// up to the destination's; the destination was counter-seeded to the
// minimum among the summands, so the factor only ever shrinks. Summands
// of very different rescaling amounts lose precision here, which is
// unavoidable without truncation bookkeeping.
func (e *GPEngine) weightedSumAccumulate(op WeightedSumAccumulate) {
	e.setTransitionMatrix(e.branchLengths[op.GPCSP])
	diff := e.rescalingCounts[op.Src] - e.rescalingCounts[op.Dest]
	if diff < 0 {
		panic("destination rescaled more than its summand in WeightedSumAccumulate")
	}
	factor := 1.0
	if diff > 0 {
		factor = math.Pow(e.opts.RescalingThreshold, float64(diff))
	}
	e.evolved.Mul(e.transition, e.plvs[op.Src])
	e.evolved.Scale(factor*e.q[op.GPCSP], e.evolved)
	e.plvs[op.Dest].Add(e.plvs[op.Dest], e.evolved)
}

func (e *GPEngine) multiply(op Multiply) {
	e.plvs[op.Dest].MulElem(e.plvs[op.Src1], e.plvs[op.Src2])
	e.rescalingCounts[op.Dest] = e.rescalingCounts[op.Src1] + e.rescalingCounts[op.Src2]
	e.rescaleIfNeeded(op.Dest)
}

func (e *GPEngine) likelihood(op Likelihood) {
	e.setTransitionMatrix(e.branchLengths[op.GPCSP])
	e.preparePerPatternLogLikelihoods(op.Parent, op.Child)
	e.logLikelihoods[op.GPCSP] =
		math.Log(e.q[op.GPCSP]) + floats.Dot(e.perPatternLogLik, e.patternWeights)
}

func (e *GPEngine) incrementMarginalLikelihood(op IncrementMarginalLikelihood) {
	if e.rescalingCounts[op.Stationary] != 0 {
		panic("rescaled stationary distribution in IncrementMarginalLikelihood")
	}
	stationary, p := e.plvs[op.Stationary], e.plvs[op.P]
	rescale := float64(e.rescalingCounts[op.P]) * e.logThreshold
	for i := 0; i < e.patternCount; i++ {
		var sum float64
		for s := 0; s < prep.StateCount; s++ {
			sum += stationary.At(s, i) * p.At(s, i)
		}
		e.perPatternLogLik[i] = math.Log(sum) + rescale
	}
	e.logLikelihoods[op.Rootsplit] =
		math.Log(e.q[op.Rootsplit]) + floats.Dot(e.perPatternLogLik, e.patternWeights)
	e.logMarginalLikelihood =
		LogAdd(e.logMarginalLikelihood, e.logLikelihoods[op.Rootsplit])
}

func (e *GPEngine) updateSBNProbabilities(op UpdateSBNProbabilities) {
	if op.Stop-op.Start == 1 {
		e.q[op.Start] = 1
		return
	}
	block := e.logLikelihoods[op.Start:op.Stop]
	norm := floats.LogSumExp(block)
	for i, ll := range block {
		e.q[op.Start+i] = math.Exp(ll - norm)
	}
}

func (e *GPEngine) prepForMarginalization(op PrepForMarginalization) {
	if len(op.Srcs) == 0 {
		panic("empty source list in PrepForMarginalization")
	}
	min := e.rescalingCounts[op.Srcs[0]]
	for _, src := range op.Srcs[1:] {
		if e.rescalingCounts[src] < min {
			min = e.rescalingCounts[src]
		}
	}
	e.plvs[op.Dest].Zero()
	e.rescalingCounts[op.Dest] = min
}

// T(t) = E diag(exp(t lambda)) E^-1, via column-scaling E.
func (e *GPEngine) setTransitionMatrix(length float64) {
	for j := 0; j < prep.StateCount; j++ {
		e.expEigen[j] = math.Exp(length * e.model.Eigenvalues[j])
	}
	for i := 0; i < prep.StateCount; i++ {
		for j := 0; j < prep.StateCount; j++ {
			e.scaledEigen.Set(i, j, e.model.Eigenvectors.At(i, j)*e.expEigen[j])
		}
	}
	e.transition.Mul(e.scaledEigen, e.model.InverseEigenvectors)
}

// Also builds dT/dt = E diag(lambda exp(t lambda)) E^-1.
func (e *GPEngine) setTransitionAndDerivativeMatrices(length float64) {
	e.setTransitionMatrix(length)
	for i := 0; i < prep.StateCount; i++ {
		for j := 0; j < prep.StateCount; j++ {
			e.scaledEigen.Set(i, j,
				e.model.Eigenvectors.At(i, j)*e.model.Eigenvalues[j]*e.expEigen[j])
		}
	}
	e.derivative.Mul(e.scaledEigen, e.model.InverseEigenvectors)
}

// Per-pattern log inner product of parent with the evolved child, with
// both blocks' rescaling added back. Uses the current transition matrix.
func (e *GPEngine) preparePerPatternLogLikelihoods(parent, child int) {
	e.evolved.Mul(e.transition, e.plvs[child])
	rescale := float64(e.rescalingCounts[parent]+e.rescalingCounts[child]) * e.logThreshold
	plv := e.plvs[parent]
	for i := 0; i < e.patternCount; i++ {
		var sum float64
		for s := 0; s < prep.StateCount; s++ {
			sum += plv.At(s, i) * e.evolved.At(s, i)
		}
		e.perPatternLogLik[i] = math.Log(sum) + rescale
	}
}

func (e *GPEngine) optimizeBranchLength(op OptimizeBranchLength) {
	if e.opts.Optimizer == GradientAscentOptimizer {
		e.gradientAscentOptimization(op)
		return
	}
	e.brentOptimization(op)
}

func (e *GPEngine) brentOptimization(op OptimizeBranchLength) {
	negLogLik := func(length float64) float64 {
		e.setTransitionMatrix(length)
		e.preparePerPatternLogLikelihoods(op.Rootward, op.Leafward)
		return -(math.Log(e.q[op.GPCSP]) + floats.Dot(e.perPatternLogLik, e.patternWeights))
	}
	current := e.branchLengths[op.GPCSP]
	currentValue := negLogLik(current)
	length, value := BrentMinimize(negLogLik,
		e.opts.MinBranchLength, e.opts.MaxBranchLength,
		e.opts.SignificantDigits, e.opts.MaxOptimizerIter)
	// The bracketing search sometimes comes back worse than the starting
	// point; keep the previous length then.
	if value > currentValue {
		e.branchLengths[op.GPCSP] = current
	} else {
		e.branchLengths[op.GPCSP] = length
	}
}

func (e *GPEngine) gradientAscentOptimization(op OptimizeBranchLength) {
	f := func(length float64) (float64, float64) {
		e.branchLengths[op.GPCSP] = length
		return e.logLikelihoodAndDerivative(op)
	}
	length, _ := GradientAscent(f, e.branchLengths[op.GPCSP],
		e.opts.RelativeTolerance, e.opts.StepSize,
		e.opts.MinBranchLength, e.opts.MaxBranchLength, e.opts.MaxOptimizerIter)
	e.branchLengths[op.GPCSP] = length
}

// Log-likelihood of the edge at its current branch length, and the
// derivative with respect to that length. The derivative ratio uses
// unrescaled per-pattern values; the rescaling factors cancel.
func (e *GPEngine) logLikelihoodAndDerivative(op OptimizeBranchLength) (float64, float64) {
	e.setTransitionAndDerivativeMatrices(e.branchLengths[op.GPCSP])
	e.preparePerPatternLogLikelihoods(op.Rootward, op.Leafward)
	logLik := math.Log(e.q[op.GPCSP]) + floats.Dot(e.perPatternLogLik, e.patternWeights)
	e.evolvedDeriv.Mul(e.derivative, e.plvs[op.Leafward])
	e.evolved.Mul(e.transition, e.plvs[op.Leafward])
	plv := e.plvs[op.Rootward]
	var derivative float64
	for i := 0; i < e.patternCount; i++ {
		var num, den float64
		for s := 0; s < prep.StateCount; s++ {
			num += plv.At(s, i) * e.evolvedDeriv.At(s, i)
			den += plv.At(s, i) * e.evolved.At(s, i)
		}
		derivative += e.patternWeights[i] * num / den
	}
	return logLik, derivative
}

// Divides the PLV by the threshold until its minimum clears it, counting
// the divisions. An all-positive block is assumed; zeros stay zeros and
// suppress rescaling entirely.
func (e *GPEngine) rescaleIfNeeded(idx int) {
	min := mat.Min(e.plvs[idx])
	if min < 0 {
		panic("negative PLV entry in rescale")
	}
	if min == 0 {
		return
	}
	count := 0
	for min < e.opts.RescalingThreshold {
		min /= e.opts.RescalingThreshold
		count++
	}
	// Scale stepwise; threshold^-count overflows for large counts.
	for i := 0; i < count; i++ {
		e.plvs[idx].Scale(1/e.opts.RescalingThreshold, e.plvs[idx])
	}
	e.rescalingCounts[idx] += count
}

func (e *GPEngine) ResetLogMarginalLikelihood() {
	e.logMarginalLikelihood = math.Inf(-1)
}

// Accumulated marginal log-likelihood since the last reset.
func (e *GPEngine) LogMarginalLikelihood() float64 { return e.logMarginalLikelihood }

// Mutable views of the per-edge scalar arrays.
func (e *GPEngine) BranchLengths() []float64  { return e.branchLengths }
func (e *GPEngine) LogLikelihoods() []float64 { return e.logLikelihoods }
func (e *GPEngine) SBNParameters() []float64  { return e.q }

func (e *GPEngine) SetBranchLengths(lengths []float64) {
	if len(lengths) != len(e.branchLengths) {
		panic(fmt.Sprintf("got %d branch lengths, expected %d", len(lengths), len(e.branchLengths)))
	}
	copy(e.branchLengths, lengths)
}

func (e *GPEngine) SetSBNParameters(q []float64) {
	if len(q) != len(e.q) {
		panic(fmt.Sprintf("got %d SBN parameters, expected %d", len(q), len(e.q)))
	}
	copy(e.q, q)
}

func (e *GPEngine) RescalingCount(plvIdx int) int { return e.rescalingCounts[plvIdx] }

// Textual dump of one PLV block, states as rows.
func (e *GPEngine) PLVString(plvIdx int) string {
	plv := e.plvs[plvIdx]
	var sb strings.Builder
	for s := 0; s < prep.StateCount; s++ {
		for i := 0; i < e.patternCount; i++ {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%g", plv.At(s, i))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
