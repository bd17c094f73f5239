package engine

// GPOperation is the closed instruction set of the generalized-pruning
// engine. Operand fields are PLV indices (see PLVIndex) or gpcsp indices
// into the per-edge scalar arrays. The set is sealed so the executor's
// type switch is exhaustive.
type GPOperation interface {
	gpOperation()
}

// Zeros a PLV and resets its rescaling counter.
type Zero struct {
	Dest int
}

// Sets every site-pattern column of a PLV to the model's stationary
// distribution and resets its rescaling counter.
type SetToStationaryDistribution struct {
	Dest int
}

// Dest += q(gpcsp) * T(branchLength(gpcsp)) * Src, with Src's rescaling
// caught up to Dest's. Dest must not be more rescaled than Src; a
// PrepForMarginalization seeding Dest's counter to the minimum among the
// summands guarantees that.
type WeightedSumAccumulate struct {
	Dest  int
	GPCSP int
	Src   int
}

// Dest = Src1 circ Src2 elementwise; counters add, then Dest is rescaled
// if its minimum fell below the threshold.
type Multiply struct {
	Dest int
	Src1 int
	Src2 int
}

// Stores the edge's marginal log-likelihood contribution, log q(gpcsp)
// plus the pattern-weighted log inner product of Parent with the evolved
// Child.
type Likelihood struct {
	GPCSP  int
	Parent int
	Child  int
}

// Log-sum-exp accumulates one rootsplit's contribution into the total
// marginal log-likelihood: the weighted log inner product of the
// stationary-seeded PLV with the rootsplit's P, scaled by q(Rootsplit).
type IncrementMarginalLikelihood struct {
	Stationary int
	Rootsplit  int
	P          int
}

// Maximizes the edge's log-likelihood contribution over branch length,
// holding Leafward (the child's P) and Rootward (the parent's R side)
// fixed. Keeps the previous length when the optimizer fails to improve.
type OptimizeBranchLength struct {
	Leafward int
	Rootward int
	GPCSP    int
}

// Softmax of the log-likelihoods over the gpcsp block [Start, Stop) into
// the q array, computed in log space. A block of size one is fixed to 1.
type UpdateSBNProbabilities struct {
	Start int
	Stop  int
}

// Zeros Dest and seeds its rescaling counter to the minimum counter among
// Srcs, the PLVs a following run of WeightedSumAccumulates will sum.
type PrepForMarginalization struct {
	Dest int
	Srcs []int
}

func (Zero) gpOperation()                        {}
func (SetToStationaryDistribution) gpOperation() {}
func (WeightedSumAccumulate) gpOperation()       {}
func (Multiply) gpOperation()                    {}
func (Likelihood) gpOperation()                  {}
func (IncrementMarginalLikelihood) gpOperation() {}
func (OptimizeBranchLength) gpOperation()        {}
func (UpdateSBNProbabilities) gpOperation()      {}
func (PrepForMarginalization) gpOperation()      {}
