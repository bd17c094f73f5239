// Package grove computes marginal likelihoods and per-edge sufficient
// statistics for collections of rooted phylogenetic tree topologies,
// without enumerating the trees: the collection is compressed into a
// subsplit DAG and a generalized-pruning engine propagates partial
// likelihood vectors across it.
//
// An Instance ties the pieces together: feed it a rooted tree collection
// and compressed site patterns, make an engine, then run the estimation
// entry points. Tree parsing, alignment compression, and substitution
// model fitting happen upstream.
package grove

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/evolbioinfo/gotree/tree"

	"github.com/jsdoublel/grove/internal/engine"
	"github.com/jsdoublel/grove/internal/graphs"
	"github.com/jsdoublel/grove/internal/prep"
)

var (
	ErrNoDAG    = errors.New("no subsplit DAG; load a tree collection first")
	ErrNoEngine = errors.New("no engine; call MakeEngine first")
)

// Convenient aliases for the input types consumed from collaborators.
type (
	SitePattern        = prep.SitePattern
	EigenDecomposition = prep.EigenDecomposition
	Options            = engine.Options
)

// JC69 returns the Jukes-Cantor substitution model's eigendecomposition.
func JC69() *EigenDecomposition { return prep.JC69() }

// SymbolsFromSequence translates a nucleotide string into the symbol codes
// a SitePattern carries.
func SymbolsFromSequence(seq string) []int { return prep.SymbolsFromSequence(seq) }

// DefaultOptions returns the engine defaults (rescaling threshold, branch
// length bounds, Brent optimizer settings).
func DefaultOptions() Options { return engine.DefaultOptions() }

// IndexedSBNParameter pairs a pretty-printed gpcsp with its conditional
// probability, for CSV-ready readouts.
type IndexedSBNParameter struct {
	GPCSP       string
	Probability float64
}

// Instance owns one subsplit DAG and its engine over a tree collection and
// site patterns, and drives the estimation loops.
type Instance struct {
	mmapPath string

	counts      *graphs.SubsplitCounts
	dag         *graphs.SubsplitDAG
	compiler    *engine.Compiler
	sitePattern *prep.SitePattern
	model       *prep.EigenDecomposition
	engine      *engine.GPEngine

	marginalComputed bool
}

// NewInstance makes an empty instance whose engine will keep its PLV
// working set in the scratch file at mmapPath.
func NewInstance(mmapPath string) *Instance {
	return &Instance{mmapPath: mmapPath, model: prep.JC69()}
}

// SetTreeCollection reads the subsplit multisets off the rooted trees with
// nprocs workers and builds the subsplit DAG. Any previous engine is
// discarded state-wise and must be remade.
func (inst *Instance) SetTreeCollection(trees []*tree.Tree, nprocs int) error {
	counts, err := prep.ProcessTrees(trees, nprocs)
	if err != nil {
		return err
	}
	inst.counts = counts
	inst.dag = graphs.NewSubsplitDAG(counts)
	inst.compiler = engine.NewCompiler(inst.dag)
	inst.engine = nil
	inst.marginalComputed = false
	log.Printf("subsplit DAG: %d nodes, %d gpcsps (%d with leaf closures), %.0f topologies",
		inst.dag.NodeCount(), inst.dag.GPCSPCount(),
		inst.dag.GPCSPCountWithLeafSubsplits(), inst.dag.TopologyCount())
	return nil
}

// SetSitePattern supplies the compressed alignment; taxon order must match
// the collection's sorted tip names.
func (inst *Instance) SetSitePattern(sp *SitePattern) { inst.sitePattern = sp }

// SetModel replaces the default JC69 eigendecomposition.
func (inst *Instance) SetModel(model *EigenDecomposition) { inst.model = model }

// MakeEngine allocates the engine sized to the DAG, seeds uniform SBN
// parameters, and populates leaf PLVs from the site patterns.
func (inst *Instance) MakeEngine(opts Options) error {
	if inst.dag == nil {
		return ErrNoDAG
	}
	if inst.sitePattern == nil {
		return errors.New("no site pattern; call SetSitePattern first")
	}
	if err := inst.sitePattern.Validate(inst.dag.TaxonCount()); err != nil {
		return fmt.Errorf("site pattern: %w", err)
	}
	eng, err := engine.NewGPEngine(inst.sitePattern, inst.model,
		engine.PLVCount(inst.dag.NodeCount()),
		inst.dag.GPCSPCountWithLeafSubsplits(), inst.mmapPath, opts)
	if err != nil {
		return err
	}
	inst.engine = eng
	inst.engine.SetSBNParameters(inst.dag.BuildUniformQ())
	inst.marginalComputed = false
	return nil
}

func (inst *Instance) HasEngine() bool { return inst.engine != nil }

// Close releases the engine's memory mapping.
func (inst *Instance) Close() error {
	if inst.engine == nil {
		return nil
	}
	return inst.engine.Close()
}

// HotStartBranchLengths sets each edge's branch length to the mean of the
// lengths observed for it across the input trees; never-observed edges
// keep the default.
func (inst *Instance) HotStartBranchLengths() error {
	if inst.dag == nil {
		return ErrNoDAG
	}
	if inst.engine == nil {
		return ErrNoEngine
	}
	inst.engine.SetBranchLengths(inst.dag.AverageBranchLengths(inst.counts, 1))
	return nil
}

// PopulatePLVs runs the full two-direction sweep from a clean slate.
func (inst *Instance) PopulatePLVs() error {
	if inst.engine == nil {
		return ErrNoEngine
	}
	inst.engine.ProcessOperations(inst.compiler.PopulatePLVs())
	return nil
}

// ResetMarginalLikelihoodAndPopulatePLVs clears the marginal accumulator
// and repopulates every PLV.
func (inst *Instance) ResetMarginalLikelihoodAndPopulatePLVs() error {
	if inst.engine == nil {
		return ErrNoEngine
	}
	inst.engine.ResetLogMarginalLikelihood()
	return inst.PopulatePLVs()
}

// ComputeLikelihoods fills the per-edge log-likelihood array and
// accumulates the marginal log-likelihood over rootsplits.
func (inst *Instance) ComputeLikelihoods() error {
	if inst.engine == nil {
		return ErrNoEngine
	}
	inst.engine.ResetLogMarginalLikelihood()
	inst.engine.ProcessOperations(inst.compiler.ComputeLikelihoods())
	inst.marginalComputed = true
	return nil
}

// EstimateBranchLengths repeats the branch-length optimization sweep until
// the marginal log-likelihood improves by less than tol or maxIter sweeps
// have run.
func (inst *Instance) EstimateBranchLengths(tol float64, maxIter int) error {
	if inst.engine == nil {
		return ErrNoEngine
	}
	optimize := inst.compiler.BranchLengthOptimization()
	marginal := inst.compiler.MarginalLikelihoodOperations()
	if err := inst.ResetMarginalLikelihoodAndPopulatePLVs(); err != nil {
		return err
	}
	inst.engine.ProcessOperations(marginal)
	inst.marginalComputed = true
	current := inst.engine.LogMarginalLikelihood()
	log.Printf("starting log marginal likelihood: %f", current)
	for i := 0; i < maxIter; i++ {
		inst.engine.ResetLogMarginalLikelihood()
		inst.engine.ProcessOperations(optimize)
		inst.engine.ProcessOperations(marginal)
		next := inst.engine.LogMarginalLikelihood()
		log.Printf("branch length iteration %d: log marginal likelihood %f", i+1, next)
		if math.Abs(next-current) < tol {
			break
		}
		current = next
	}
	return nil
}

// EstimateSBNParameters runs one SBN-probability re-estimation pass,
// rootsplit block included.
func (inst *Instance) EstimateSBNParameters() error {
	if inst.engine == nil {
		return ErrNoEngine
	}
	if err := inst.ResetMarginalLikelihoodAndPopulatePLVs(); err != nil {
		return err
	}
	inst.engine.ProcessOperations(inst.compiler.SBNParameterOptimization())
	inst.marginalComputed = true
	return nil
}

// LogMarginalLikelihood reads out the accumulated marginal log-likelihood.
// -Inf is valid output (zero-probability configurations); asking before
// any likelihood pass is the caller's error.
func (inst *Instance) LogMarginalLikelihood() (float64, error) {
	if inst.engine == nil {
		return 0, ErrNoEngine
	}
	if !inst.marginalComputed {
		return 0, errors.New("no marginal likelihood computed yet; run ComputeLikelihoods or an estimation pass first")
	}
	return inst.engine.LogMarginalLikelihood(), nil
}

// DAG shape accessors.
func (inst *Instance) NodeCount() int      { return inst.mustDAG().NodeCount() }
func (inst *Instance) TaxonCount() uint    { return inst.mustDAG().TaxonCount() }
func (inst *Instance) RootsplitCount() int { return inst.mustDAG().RootsplitCount() }
func (inst *Instance) GPCSPCount() int     { return inst.mustDAG().GPCSPCount() }
func (inst *Instance) GPCSPCountWithLeafSubsplits() int {
	return inst.mustDAG().GPCSPCountWithLeafSubsplits()
}
func (inst *Instance) TopologyCount() float64 { return inst.mustDAG().TopologyCount() }

func (inst *Instance) mustDAG() *graphs.SubsplitDAG {
	if inst.dag == nil {
		panic(ErrNoDAG)
	}
	return inst.dag
}

// Per-edge scalar arrays, live views into the engine.
func (inst *Instance) BranchLengths() ([]float64, error) {
	if inst.engine == nil {
		return nil, ErrNoEngine
	}
	return inst.engine.BranchLengths(), nil
}

func (inst *Instance) LogLikelihoods() ([]float64, error) {
	if inst.engine == nil {
		return nil, ErrNoEngine
	}
	return inst.engine.LogLikelihoods(), nil
}

func (inst *Instance) SBNParameters() ([]float64, error) {
	if inst.engine == nil {
		return nil, ErrNoEngine
	}
	return inst.engine.SBNParameters(), nil
}

// PrettyIndexedSBNParameters pairs every gpcsp's bit-string key with its
// current conditional probability, in index order.
func (inst *Instance) PrettyIndexedSBNParameters() ([]IndexedSBNParameter, error) {
	if inst.dag == nil {
		return nil, ErrNoDAG
	}
	if inst.engine == nil {
		return nil, ErrNoEngine
	}
	keys := inst.dag.GPCSPKeys()
	q := inst.engine.SBNParameters()
	params := make([]IndexedSBNParameter, len(keys))
	for i, key := range keys {
		params[i] = IndexedSBNParameter{GPCSP: key, Probability: q[i]}
	}
	return params, nil
}

// PLVString dumps one PLV block for debugging; flavor bands are laid out
// per engine.PLVIndex.
func (inst *Instance) PLVString(plvIdx int) (string, error) {
	if inst.engine == nil {
		return "", ErrNoEngine
	}
	return inst.engine.PLVString(plvIdx), nil
}
