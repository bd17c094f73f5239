package engine

import (
	"fmt"

	"github.com/jsdoublel/grove/internal/graphs"
)

// PLVType is one of the six per-vertex partial likelihood vector flavors.
// P carries evidence from below a vertex, PHat/PHatTilde are its per-clade
// rootward pre-aggregates, R carries evidence from above, and RHat/RTilde
// are the leafward counterparts.
type PLVType int

const (
	P PLVType = iota
	PHat
	PHatTilde
	RHat
	R
	RTilde
)

const plvTypeCount = 6

// Slot of a (flavor, vertex) PLV in the master buffer: flavors are laid
// out as consecutive bands of nodeCount blocks.
func PLVIndex(t PLVType, nodeCount, id int) int {
	if t < P || t > RTilde {
		panic(fmt.Sprintf("invalid PLV type (%d)", int(t)))
	}
	if id < 0 || id >= nodeCount {
		panic(fmt.Sprintf("node id %d out of range (%d nodes)", id, nodeCount))
	}
	return int(t)*nodeCount + id
}

// Total PLVs an engine allocates for a DAG of nodeCount vertices.
func PLVCount(nodeCount int) int { return plvTypeCount * nodeCount }

// Compiler translates dynamic-programming passes over a subsplit DAG into
// flat GPOperation sequences. Programs are transient: rebuilt per pass,
// valid as long as the DAG shape is unchanged.
type Compiler struct {
	dag *graphs.SubsplitDAG
}

func NewCompiler(dag *graphs.SubsplitDAG) *Compiler { return &Compiler{dag: dag} }

func (c *Compiler) plv(t PLVType, id int) int {
	return PLVIndex(t, c.dag.NodeCount(), id)
}

// Zeros the rootward flavors of every internal vertex. Leaf P vectors are
// fixed by the site patterns and left alone.
func (c *Compiler) SetRootwardZero() []GPOperation {
	var ops []GPOperation
	for id := int(c.dag.TaxonCount()); id < c.dag.NodeCount(); id++ {
		ops = append(ops,
			Zero{Dest: c.plv(P, id)},
			Zero{Dest: c.plv(PHat, id)},
			Zero{Dest: c.plv(PHatTilde, id)})
	}
	return ops
}

// Zeros the leafward flavors of every vertex, then seeds each rootsplit's
// RHat with the stationary distribution; rootsplits have no parents, so
// that seed is what the leafward recursion starts from.
func (c *Compiler) SetLeafwardZero() []GPOperation {
	var ops []GPOperation
	for id := 0; id < c.dag.NodeCount(); id++ {
		ops = append(ops,
			Zero{Dest: c.plv(RHat, id)},
			Zero{Dest: c.plv(R, id)},
			Zero{Dest: c.plv(RTilde, id)})
	}
	for _, id := range c.dag.RootsplitIDs() {
		ops = append(ops, SetToStationaryDistribution{Dest: c.plv(RHat, id)})
	}
	return ops
}

// phat(v) or phat~(v) += sum over the clade's children of q * T * p(child),
// preceded by the counter-seeding prep.
func (c *Compiler) rootwardAccumulate(node *graphs.DAGNode, clade graphs.Clade, ops []GPOperation) []GPOperation {
	dest := PHat
	if clade == graphs.Rotated {
		dest = PHatTilde
	}
	children := node.Leafward(clade)
	srcs := make([]int, len(children))
	for i, childID := range children {
		srcs[i] = c.plv(P, childID)
	}
	ops = append(ops, PrepForMarginalization{Dest: c.plv(dest, node.ID()), Srcs: srcs})
	for _, childID := range children {
		ops = append(ops, WeightedSumAccumulate{
			Dest:  c.plv(dest, node.ID()),
			GPCSP: c.dag.EdgeIndex(node.ID(), childID, clade),
			Src:   c.plv(P, childID),
		})
	}
	return ops
}

// rhat(v) += sum over parents of q * T * r-side(parent), preceded by the
// counter-seeding prep. Rootsplits have no parents and keep their
// stationary seed untouched.
func (c *Compiler) leafwardAccumulate(node *graphs.DAGNode, ops []GPOperation) []GPOperation {
	sorted := node.Rootward(graphs.Sorted)
	rotated := node.Rootward(graphs.Rotated)
	if len(sorted)+len(rotated) == 0 {
		return ops
	}
	srcs := make([]int, 0, len(sorted)+len(rotated))
	for _, parentID := range sorted {
		srcs = append(srcs, c.plv(R, parentID))
	}
	for _, parentID := range rotated {
		srcs = append(srcs, c.plv(RTilde, parentID))
	}
	ops = append(ops, PrepForMarginalization{Dest: c.plv(RHat, node.ID()), Srcs: srcs})
	for _, parentID := range sorted {
		ops = append(ops, WeightedSumAccumulate{
			Dest:  c.plv(RHat, node.ID()),
			GPCSP: c.dag.EdgeIndex(parentID, node.ID(), graphs.Sorted),
			Src:   c.plv(R, parentID),
		})
	}
	for _, parentID := range rotated {
		ops = append(ops, WeightedSumAccumulate{
			Dest:  c.plv(RHat, node.ID()),
			GPCSP: c.dag.EdgeIndex(parentID, node.ID(), graphs.Rotated),
			Src:   c.plv(RTilde, parentID),
		})
	}
	return ops
}

// RootwardPass fills p for every internal vertex, children first: both
// clade pre-aggregates then their elementwise product.
func (c *Compiler) RootwardPass() []GPOperation {
	var ops []GPOperation
	for _, id := range c.dag.RootwardOrder() {
		node := c.dag.Node(id)
		ops = c.rootwardAccumulate(node, graphs.Sorted, ops)
		ops = c.rootwardAccumulate(node, graphs.Rotated, ops)
		ops = append(ops, Multiply{
			Dest: c.plv(P, id),
			Src1: c.plv(PHat, id),
			Src2: c.plv(PHatTilde, id),
		})
	}
	return ops
}

// LeafwardPass fills r and r~ for every internal vertex, parents first:
// the rhat aggregate from above times the opposite clade's rootward
// pre-aggregate.
func (c *Compiler) LeafwardPass() []GPOperation {
	var ops []GPOperation
	for _, id := range c.dag.LeafwardOrder() {
		node := c.dag.Node(id)
		ops = c.leafwardAccumulate(node, ops)
		ops = append(ops, Multiply{
			Dest: c.plv(R, id),
			Src1: c.plv(RHat, id),
			Src2: c.plv(PHatTilde, id),
		})
		ops = append(ops, Multiply{
			Dest: c.plv(RTilde, id),
			Src1: c.plv(RHat, id),
			Src2: c.plv(PHat, id),
		})
	}
	return ops
}

// PopulatePLVs is the full two-direction sweep from a clean slate.
func (c *Compiler) PopulatePLVs() []GPOperation {
	var ops []GPOperation
	ops = append(ops, c.SetRootwardZero()...)
	ops = append(ops, c.SetLeafwardZero()...)
	ops = append(ops, c.RootwardPass()...)
	ops = append(ops, c.LeafwardPass()...)
	return ops
}

// ComputeLikelihoods stores every edge's log-likelihood contribution (leaf
// closures included) and then accumulates the marginal over rootsplits.
// Assumes populated PLVs.
func (c *Compiler) ComputeLikelihoods() []GPOperation {
	var ops []GPOperation
	for id := int(c.dag.TaxonCount()); id < c.dag.NodeCount(); id++ {
		node := c.dag.Node(id)
		for _, childID := range node.Leafward(graphs.Sorted) {
			ops = append(ops, Likelihood{
				GPCSP:  c.dag.EdgeIndex(id, childID, graphs.Sorted),
				Parent: c.plv(R, id),
				Child:  c.plv(P, childID),
			})
		}
		for _, childID := range node.Leafward(graphs.Rotated) {
			ops = append(ops, Likelihood{
				GPCSP:  c.dag.EdgeIndex(id, childID, graphs.Rotated),
				Parent: c.plv(RTilde, id),
				Child:  c.plv(P, childID),
			})
		}
	}
	return append(ops, c.MarginalLikelihoodOperations()...)
}

// MarginalLikelihoodOperations accumulates each rootsplit's contribution
// into the marginal log-likelihood. The caller resets the accumulator
// first.
func (c *Compiler) MarginalLikelihoodOperations() []GPOperation {
	var ops []GPOperation
	for i, id := range c.dag.RootsplitIDs() {
		ops = append(ops, IncrementMarginalLikelihood{
			Stationary: c.plv(RHat, id),
			Rootsplit:  i,
			P:          c.plv(P, id),
		})
	}
	return ops
}

// BranchLengthOptimization schedules one optimization sweep: each edge is
// optimized with the child's subtree already fully resolved and the
// parent's leafward vectors refreshed, so every OptimizeBranchLength sees
// current PLVs on both sides.
func (c *Compiler) BranchLengthOptimization() []GPOperation {
	var ops []GPOperation
	visited := make([]bool, c.dag.NodeCount())
	for _, id := range c.dag.RootsplitIDs() {
		ops = c.scheduleBranchLengthOptimization(id, visited, ops)
	}
	return ops
}

func (c *Compiler) scheduleBranchLengthOptimization(id int, visited []bool, ops []GPOperation) []GPOperation {
	visited[id] = true
	node := c.dag.Node(id)
	if !node.IsRootsplit() {
		// Refresh rhat(s) from the parents, then r(s) and r~(s).
		ops = c.leafwardAccumulate(node, ops)
		ops = append(ops, Multiply{Dest: c.plv(R, id), Src1: c.plv(RHat, id), Src2: c.plv(PHatTilde, id)})
		ops = append(ops, Multiply{Dest: c.plv(RTilde, id), Src1: c.plv(RHat, id), Src2: c.plv(PHat, id)})
	}
	if node.IsLeaf() {
		return ops
	}
	ops = append(ops, Zero{Dest: c.plv(PHat, id)})
	for _, childID := range node.Leafward(graphs.Sorted) {
		if !visited[childID] {
			ops = c.scheduleBranchLengthOptimization(childID, visited, ops)
		}
		gpcsp := c.dag.EdgeIndex(id, childID, graphs.Sorted)
		ops = append(ops, OptimizeBranchLength{
			Leafward: c.plv(P, childID),
			Rootward: c.plv(R, id),
			GPCSP:    gpcsp,
		})
		ops = append(ops, WeightedSumAccumulate{Dest: c.plv(PHat, id), GPCSP: gpcsp, Src: c.plv(P, childID)})
	}
	ops = append(ops, Multiply{Dest: c.plv(RTilde, id), Src1: c.plv(RHat, id), Src2: c.plv(PHat, id)})
	ops = append(ops, Zero{Dest: c.plv(PHatTilde, id)})
	for _, childID := range node.Leafward(graphs.Rotated) {
		if !visited[childID] {
			ops = c.scheduleBranchLengthOptimization(childID, visited, ops)
		}
		gpcsp := c.dag.EdgeIndex(id, childID, graphs.Rotated)
		ops = append(ops, OptimizeBranchLength{
			Leafward: c.plv(P, childID),
			Rootward: c.plv(RTilde, id),
			GPCSP:    gpcsp,
		})
		ops = append(ops, WeightedSumAccumulate{Dest: c.plv(PHatTilde, id), GPCSP: gpcsp, Src: c.plv(P, childID)})
	}
	ops = append(ops, Multiply{Dest: c.plv(R, id), Src1: c.plv(RHat, id), Src2: c.plv(PHatTilde, id)})
	ops = append(ops, Multiply{Dest: c.plv(P, id), Src1: c.plv(PHat, id), Src2: c.plv(PHatTilde, id)})
	return ops
}

// SBNParameterOptimization interleaves per-edge likelihood computation
// with per-block softmax updates of q, vertex by vertex, then updates the
// rootsplit block from the freshly accumulated marginal contributions.
// The caller resets the marginal accumulator first.
func (c *Compiler) SBNParameterOptimization() []GPOperation {
	var ops []GPOperation
	visited := make([]bool, c.dag.NodeCount())
	for i, id := range c.dag.RootsplitIDs() {
		ops = c.scheduleSBNParameterOptimization(id, visited, ops)
		ops = append(ops, IncrementMarginalLikelihood{
			Stationary: c.plv(RHat, id),
			Rootsplit:  i,
			P:          c.plv(P, id),
		})
	}
	return append(ops, UpdateSBNProbabilities{Start: 0, Stop: c.dag.RootsplitCount()})
}

func (c *Compiler) scheduleSBNParameterOptimization(id int, visited []bool, ops []GPOperation) []GPOperation {
	visited[id] = true
	node := c.dag.Node(id)
	if !node.IsRootsplit() {
		// Refresh rhat(s) so new r(t) values and q updates upstream are
		// reflected before this vertex's blocks are normalized.
		ops = c.leafwardAccumulate(node, ops)
		ops = append(ops, Multiply{Dest: c.plv(R, id), Src1: c.plv(RHat, id), Src2: c.plv(PHatTilde, id)})
		ops = append(ops, Multiply{Dest: c.plv(RTilde, id), Src1: c.plv(RHat, id), Src2: c.plv(PHat, id)})
	}
	if node.IsLeaf() {
		return ops
	}
	ops = append(ops, Zero{Dest: c.plv(PHat, id)})
	for _, childID := range node.Leafward(graphs.Sorted) {
		if !visited[childID] {
			ops = c.scheduleSBNParameterOptimization(childID, visited, ops)
		}
		gpcsp := c.dag.EdgeIndex(id, childID, graphs.Sorted)
		ops = append(ops, WeightedSumAccumulate{Dest: c.plv(PHat, id), GPCSP: gpcsp, Src: c.plv(P, childID)})
		ops = append(ops, Likelihood{GPCSP: gpcsp, Parent: c.plv(R, id), Child: c.plv(P, childID)})
	}
	ops = c.updateSBNProbabilities(node.Subsplit(), ops)
	ops = append(ops, Multiply{Dest: c.plv(RTilde, id), Src1: c.plv(RHat, id), Src2: c.plv(PHat, id)})
	ops = append(ops, Zero{Dest: c.plv(PHatTilde, id)})
	for _, childID := range node.Leafward(graphs.Rotated) {
		if !visited[childID] {
			ops = c.scheduleSBNParameterOptimization(childID, visited, ops)
		}
		gpcsp := c.dag.EdgeIndex(id, childID, graphs.Rotated)
		ops = append(ops, WeightedSumAccumulate{Dest: c.plv(PHatTilde, id), GPCSP: gpcsp, Src: c.plv(P, childID)})
		ops = append(ops, Likelihood{GPCSP: gpcsp, Parent: c.plv(RTilde, id), Child: c.plv(P, childID)})
	}
	ops = c.updateSBNProbabilities(node.Subsplit().Rotate(), ops)
	ops = append(ops, Multiply{Dest: c.plv(R, id), Src1: c.plv(RHat, id), Src2: c.plv(PHatTilde, id)})
	ops = append(ops, Multiply{Dest: c.plv(P, id), Src1: c.plv(PHat, id), Src2: c.plv(PHatTilde, id)})
	return ops
}

// Emits a softmax update for the oriented parent's child block; blocks of
// size one (leaf closures among them) stay at probability 1.
func (c *Compiler) updateSBNProbabilities(parent graphs.Subsplit, ops []GPOperation) []GPOperation {
	if rng, ok := c.dag.ParentRange(parent); ok && rng[1]-rng[0] > 1 {
		ops = append(ops, UpdateSBNProbabilities{Start: rng[0], Stop: rng[1]})
	}
	return ops
}
