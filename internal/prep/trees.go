// Package used for preprocessing and validating the inputs consumed by the
// GROVE core: rooted tree collections, compressed site patterns, and
// substitution-model eigendecompositions.
package prep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/evolbioinfo/gotree/tree"
	"golang.org/x/sync/errgroup"

	gr "github.com/jsdoublel/grove/internal/graphs"
)

var (
	ErrUnrooted     = errors.New("not rooted")
	ErrNonBinary    = errors.New("not binary")
	ErrMulTree      = errors.New("contains duplicate labels")
	ErrEmptyInput   = errors.New("empty input")
	ErrTaxaMismatch = errors.New("taxon sets differ")
)

// per-tree extraction result, merged sequentially to keep index assignment
// deterministic regardless of goroutine scheduling
type treeObservations struct {
	rootsplit gr.Subsplit
	pcsps     []pcspObservation
}

type pcspObservation struct {
	pcsp     gr.PCSP
	inMap    bool // leaf-closure edges carry branch lengths but are not PCSP-map entries
	length   float64
	hasLen   bool
}

// Reads the rootsplit and PCSP multisets off a rooted tree collection.
// Trees are processed in parallel (nprocs workers) and merged in input
// order. Returns an error if a tree is not rooted/binary, has duplicate
// labels, or disagrees with the collection's taxon set.
func ProcessTrees(trees []*tree.Tree, nprocs int) (*gr.SubsplitCounts, error) {
	if len(trees) == 0 {
		return nil, fmt.Errorf("tree collection is %w", ErrEmptyInput)
	}
	if nprocs <= 0 {
		nprocs = 1
	}
	names, err := collectionTaxa(trees[0])
	if err != nil {
		return nil, fmt.Errorf("tree 1 %w", err)
	}
	n := uint(len(names))
	log.Printf("processing %d trees over %d taxa", len(trees), n)
	perTree := make([]*treeObservations, len(trees))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(nprocs)
	for i, t := range trees {
		i, t := i, t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			obs, err := observeTree(t, names, n)
			if err != nil {
				return fmt.Errorf("tree %d %w", i+1, err)
			}
			mu.Lock()
			perTree[i] = obs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	counts := gr.NewSubsplitCounts(n, names)
	counts.TreeCount = len(trees)
	for i, obs := range perTree {
		counts.AddRootsplit(obs.rootsplit)
		for _, o := range obs.pcsps {
			if o.inMap {
				counts.AddPCSP(o.pcsp)
			}
			if o.hasLen {
				counts.AddBranchLength(o.pcsp, o.length)
			}
		}
		LogEveryNPercent(i+1, 10, len(perTree),
			fmt.Sprintf("merged subsplits from %d of %d trees", i+1, len(perTree)))
	}
	log.Printf("%d distinct rootsplits, %d distinct parent-child subsplit pairs",
		len(counts.Rootsplits), len(counts.PCSPCounts))
	return counts, nil
}

// Validates one tree and reads off its rootsplit and every parent-child
// subsplit pair, leaf edges included (those carry branch lengths only).
func observeTree(t *tree.Tree, names []string, n uint) (*treeObservations, error) {
	if err := t.UpdateTipIndex(); err != nil {
		return nil, ErrMulTree
	}
	treeNames, err := collectionTaxa(t)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(names, treeNames) {
		return nil, ErrTaxaMismatch
	}
	if !t.Rooted() {
		return nil, ErrUnrooted
	}
	if !TreeIsBinary(t) {
		return nil, ErrNonBinary
	}
	nNodes := len(t.Nodes())
	leafsets := make([]*bitset.BitSet, nNodes)
	subsplits := make([]gr.Subsplit, nNodes)
	isInternal := make([]bool, nNodes)
	obs := &treeObservations{}
	t.PostOrder(func(cur, prev *tree.Node, e *tree.Edge) (keep bool) {
		if cur.Tip() {
			leafsets[cur.Id()] = bitset.New(n).Set(uint(cur.TipIndex()))
			subsplits[cur.Id()] = gr.FakeSubsplit(uint(cur.TipIndex()), n)
			return true
		}
		children := GetChildren(cur)
		left, right := leafsets[children[0].Id()], leafsets[children[1].Id()]
		leafsets[cur.Id()] = left.Union(right)
		subsplits[cur.Id()] = gr.NewSubsplit(left, right, n)
		isInternal[cur.Id()] = true
		return true
	})
	root := t.Root()
	obs.rootsplit = subsplits[root.Id()]
	t.PreOrder(func(cur, prev *tree.Node, e *tree.Edge) (keep bool) {
		if cur == root {
			return true
		}
		parent := subsplits[prev.Id()]
		oriented := parent
		if !parent.SecondClade().Equal(leafsets[cur.Id()]) {
			oriented = parent.Rotate()
		}
		o := pcspObservation{
			pcsp:  gr.PCSP{Parent: oriented, Child: subsplits[cur.Id()]},
			inMap: isInternal[cur.Id()],
		}
		if e != nil && e.Length() >= 0 {
			o.length = e.Length()
			o.hasLen = true
		}
		obs.pcsps = append(obs.pcsps, o)
		return true
	})
	return obs, nil
}

// sorted tip names; duplicates rejected by UpdateTipIndex beforehand
func collectionTaxa(t *tree.Tree) ([]string, error) {
	names := t.AllTipNames()
	if len(names) < 2 {
		return nil, fmt.Errorf("%w: fewer than two taxa", ErrEmptyInput)
	}
	slices.Sort(names)
	return names, nil
}

// Get children of node
func GetChildren(node *tree.Node) []*tree.Node {
	p, err := node.Parent()
	if err != nil && err.Error() == "The node has more than one parent" {
		panic(err)
	}
	children := make([]*tree.Node, 0, 2)
	for _, u := range node.Neigh() {
		if u != p {
			children = append(children, u)
		}
	}
	return children
}

func TreeIsBinary(tre *tree.Tree) bool {
	if !tre.Rooted() {
		return false
	}
	neighbors := tre.Root().Neigh()
	if len(neighbors) != 2 {
		panic("tree is not rooted (even though it is??)")
	}
	return isBinary(neighbors[0]) && isBinary(neighbors[1])
}

func isBinary(node *tree.Node) bool {
	if node.Tip() {
		return true
	}
	if node.Nneigh() != 3 {
		return false
	}
	children := GetChildren(node)
	return isBinary(children[0]) && isBinary(children[1])
}

// Logs message every n percent (assuming message logged every time function
// is called, and it is called total times)
func LogEveryNPercent(i, n, total int, message string) {
	step := max(total*n/100, 1)
	if i%step == 0 || i == total {
		log.Print(message)
	}
}
