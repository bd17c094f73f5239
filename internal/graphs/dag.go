package graphs

import (
	"fmt"
)

// Vertex of the subsplit DAG. Neighbor lists hold vertex ids, split by
// direction and by which clade of this vertex's subsplit the neighbor is
// attached through. Nodes and edges reference each other by dense index
// only, never by pointer.
type DAGNode struct {
	id       int
	subsplit Subsplit

	leafwardSorted  []int
	leafwardRotated []int
	rootwardSorted  []int
	rootwardRotated []int
}

func (n *DAGNode) ID() int            { return n.id }
func (n *DAGNode) Subsplit() Subsplit { return n.subsplit }
func (n *DAGNode) IsLeaf() bool       { return n.subsplit.IsFake() }
func (n *DAGNode) IsRootsplit() bool  { return n.subsplit.IsRootsplit() }

// Children attached through the given clade of this vertex.
func (n *DAGNode) Leafward(clade Clade) []int {
	if clade == Rotated {
		return n.leafwardRotated
	}
	return n.leafwardSorted
}

// Parents this vertex is attached to through the given clade of the parent.
func (n *DAGNode) Rootward(clade Clade) []int {
	if clade == Rotated {
		return n.rootwardRotated
	}
	return n.rootwardSorted
}

// Directed DAG edge. Rootsplit pseudo-edges (the q slots for picking a
// rooting) have Parent == -1.
type DAGEdge struct {
	Parent int
	Child  int
	Clade  Clade
}

// SubsplitDAG compresses a rooted tree collection into one DAG holding every
// distinct subsplit and every distinct parent-child subsplit pair observed
// in any tree. Shape is immutable after construction; trial extensions go
// through a GraftDAG overlay instead.
//
// Ids [0, taxonCount) are the fake leaf vertices, one per taxon; internal
// vertices get ids in depth-first post-order from the rootsplits, so every
// child id exists before anything references it as a parent.
//
// Edge (gpcsp) indices: rootsplits take 0..R-1 in first-seen order, then
// each distinct oriented parent subsplit gets a contiguous block for its
// distinct children, then leaf-closure edges are appended in vertex-id
// order as blocks of size one. GPCSPCount excludes the leaf closures;
// engine arrays are sized by GPCSPCountWithLeafSubsplits.
type SubsplitDAG struct {
	taxonCount uint
	taxonNames []string
	treeCount  int

	nodes        []*DAGNode
	subsplitToID map[string]int

	edges         []DAGEdge
	gpcspIndexer  map[string]int
	parentToRange map[string][2]int
	gpcspCount    int

	rootsplitIDs  []int
	rootwardOrder []int
	leafwardOrder []int
	topologyCount float64
}

// Builds the DAG from the subsplit multisets of a tree collection.
func NewSubsplitDAG(counts *SubsplitCounts) *SubsplitDAG {
	if len(counts.Rootsplits) == 0 {
		panic("no rootsplits observed; cannot build subsplit DAG")
	}
	d := &SubsplitDAG{
		taxonCount:    counts.TaxonCount,
		taxonNames:    counts.TaxonNames,
		treeCount:     counts.TreeCount,
		subsplitToID:  make(map[string]int),
		gpcspIndexer:  make(map[string]int),
		parentToRange: make(map[string][2]int),
	}
	for taxon := uint(0); taxon < d.taxonCount; taxon++ {
		d.insertNode(FakeSubsplit(taxon, d.taxonCount))
	}
	for _, rootsplit := range counts.Rootsplits {
		d.addNodesBelow(rootsplit, counts)
		d.rootsplitIDs = append(d.rootsplitIDs, d.subsplitToID[rootsplit.Key()])
	}
	d.buildGPCSPIndexer(counts)
	d.buildEdges(counts)
	d.buildTraversalOrders()
	d.countTopologies()
	return d
}

func (d *SubsplitDAG) insertNode(s Subsplit) int {
	id := len(d.nodes)
	d.nodes = append(d.nodes, &DAGNode{id: id, subsplit: s})
	d.subsplitToID[s.Key()] = id
	d.subsplitToID[s.Rotate().Key()] = id
	return id
}

// Depth-first post-order insertion: every subsplit reachable below s through
// the observed parent-child map gets an id before s itself does. Singleton
// clades close on the pre-created fake leaves and need no recursion.
func (d *SubsplitDAG) addNodesBelow(s Subsplit, counts *SubsplitCounts) {
	if _, ok := d.subsplitToID[s.Key()]; ok {
		return
	}
	for _, parent := range [2]Subsplit{s.Rotate(), s} {
		if _, single := singletonOf(parent.SecondClade()); single {
			continue
		}
		for _, child := range counts.ChildrenOf[parent.Key()] {
			d.addNodesBelow(child, counts)
		}
	}
	d.insertNode(s)
}

func (d *SubsplitDAG) buildGPCSPIndexer(counts *SubsplitCounts) {
	index := 0
	for _, rootsplit := range counts.Rootsplits {
		d.gpcspIndexer[rootsplit.Key()] = index
		index++
	}
	for _, parent := range counts.Parents {
		children := counts.ChildrenOf[parent.Key()]
		d.parentToRange[parent.Key()] = [2]int{index, index + len(children)}
		for _, child := range children {
			d.gpcspIndexer[PCSP{Parent: parent, Child: child}.Key()] = index
			index++
		}
	}
	d.gpcspCount = index
}

// Connects every vertex to its children for both clade orientations, filling
// the edge arena so that edges[i] is the edge with gpcsp index i. Leaf
// closures (singleton clades) connect to fake leaves and are indexed past
// gpcspCount as they are encountered.
func (d *SubsplitDAG) buildEdges(counts *SubsplitCounts) {
	d.edges = make([]DAGEdge, d.gpcspCount)
	for i, id := range d.rootsplitIDs {
		d.edges[i] = DAGEdge{Parent: -1, Child: id, Clade: Sorted}
	}
	for id := int(d.taxonCount); id < len(d.nodes); id++ {
		node := d.nodes[id]
		for _, clade := range [2]Clade{Sorted, Rotated} {
			oriented := node.subsplit
			if clade == Rotated {
				oriented = oriented.Rotate()
			}
			if taxon, single := singletonOf(oriented.SecondClade()); single {
				child := FakeSubsplit(taxon, d.taxonCount)
				idx := len(d.edges)
				d.edges = append(d.edges, DAGEdge{Parent: id, Child: int(taxon), Clade: clade})
				d.gpcspIndexer[PCSP{Parent: oriented, Child: child}.Key()] = idx
				d.parentToRange[oriented.Key()] = [2]int{idx, idx + 1}
				d.connect(node, int(taxon), clade)
				continue
			}
			for _, child := range counts.ChildrenOf[oriented.Key()] {
				childID, ok := d.subsplitToID[child.Key()]
				if !ok {
					panic(fmt.Sprintf("child subsplit %s missing from DAG", child))
				}
				idx, ok := d.gpcspIndexer[PCSP{Parent: oriented, Child: child}.Key()]
				if !ok {
					panic(fmt.Sprintf("pcsp (%s, %s) missing from indexer", oriented, child))
				}
				d.edges[idx] = DAGEdge{Parent: id, Child: childID, Clade: clade}
				d.connect(node, childID, clade)
			}
		}
	}
}

func (d *SubsplitDAG) connect(parent *DAGNode, childID int, clade Clade) {
	child := d.nodes[childID]
	if clade == Rotated {
		parent.leafwardRotated = append(parent.leafwardRotated, childID)
		child.rootwardRotated = append(child.rootwardRotated, parent.id)
	} else {
		parent.leafwardSorted = append(parent.leafwardSorted, childID)
		child.rootwardSorted = append(child.rootwardSorted, parent.id)
	}
}

// Precomputes the two topological visit orders over internal vertices:
// rootward lists every child before any of its parents, leafward lists
// every parent before any of its children. Fake leaves are excluded; their
// PLVs are fixed by the site patterns and never recomputed.
func (d *SubsplitDAG) buildTraversalOrders() {
	visited := make([]bool, len(d.nodes))
	var down func(id int)
	down = func(id int) {
		if visited[id] {
			return
		}
		visited[id] = true
		node := d.nodes[id]
		for _, child := range node.leafwardSorted {
			down(child)
		}
		for _, child := range node.leafwardRotated {
			down(child)
		}
		if !node.IsLeaf() {
			d.rootwardOrder = append(d.rootwardOrder, id)
		}
	}
	for _, id := range d.rootsplitIDs {
		down(id)
	}
	visited = make([]bool, len(d.nodes))
	var up func(id int)
	up = func(id int) {
		if visited[id] {
			return
		}
		visited[id] = true
		node := d.nodes[id]
		for _, parent := range node.rootwardSorted {
			up(parent)
		}
		for _, parent := range node.rootwardRotated {
			up(parent)
		}
		if !node.IsLeaf() {
			d.leafwardOrder = append(d.leafwardOrder, id)
		}
	}
	for taxon := 0; taxon < int(d.taxonCount); taxon++ {
		up(taxon)
	}
}

// Number of rooted topologies the DAG spans: per vertex, the product over
// its two clades of the sum of its children's counts, accumulated rootward;
// the total is the sum over rootsplits.
func (d *SubsplitDAG) countTopologies() {
	below := make([]float64, len(d.nodes))
	for taxon := uint(0); taxon < d.taxonCount; taxon++ {
		below[taxon] = 1
	}
	for _, id := range d.rootwardOrder {
		node := d.nodes[id]
		var sorted, rotated float64
		for _, child := range node.leafwardSorted {
			sorted += below[child]
		}
		for _, child := range node.leafwardRotated {
			rotated += below[child]
		}
		below[id] = sorted * rotated
	}
	for _, id := range d.rootsplitIDs {
		d.topologyCount += below[id]
	}
}

func (d *SubsplitDAG) NodeCount() int       { return len(d.nodes) }
func (d *SubsplitDAG) TaxonCount() uint     { return d.taxonCount }
func (d *SubsplitDAG) TaxonNames() []string { return d.taxonNames }
func (d *SubsplitDAG) TreeCount() int       { return d.treeCount }
func (d *SubsplitDAG) RootsplitCount() int  { return len(d.rootsplitIDs) }

// Edge count excluding leaf-closure edges.
func (d *SubsplitDAG) GPCSPCount() int { return d.gpcspCount }

// Edge count including leaf-closure edges; sizes the engine's per-edge arrays.
func (d *SubsplitDAG) GPCSPCountWithLeafSubsplits() int { return len(d.edges) }

func (d *SubsplitDAG) TopologyCount() float64 { return d.topologyCount }

func (d *SubsplitDAG) Node(id int) *DAGNode {
	if id < 0 || id >= len(d.nodes) {
		panic(fmt.Sprintf("node id %d out of range (%d nodes)", id, len(d.nodes)))
	}
	return d.nodes[id]
}

func (d *SubsplitDAG) Edge(idx int) DAGEdge {
	if idx < 0 || idx >= len(d.edges) {
		panic(fmt.Sprintf("gpcsp index %d out of range (%d edges)", idx, len(d.edges)))
	}
	return d.edges[idx]
}

// Vertex ids of the rootsplit subsplits, aligned with gpcsp indices 0..R-1.
func (d *SubsplitDAG) RootsplitIDs() []int { return d.rootsplitIDs }

// Internal vertex ids, every child before any of its parents.
func (d *SubsplitDAG) RootwardOrder() []int { return d.rootwardOrder }

// Internal vertex ids, every parent before any of its children.
func (d *SubsplitDAG) LeafwardOrder() []int { return d.leafwardOrder }

// Looks up the vertex id of a subsplit in either orientation.
func (d *SubsplitDAG) IDOf(s Subsplit) (int, bool) {
	id, ok := d.subsplitToID[s.Key()]
	return id, ok
}

func (d *SubsplitDAG) SubsplitOf(id int) Subsplit { return d.Node(id).subsplit }

// Gpcsp index of an edge between two vertices; clade names which half of
// the parent's subsplit the child hangs off. Unknown edges are programmer
// errors.
func (d *SubsplitDAG) EdgeIndex(parentID, childID int, clade Clade) int {
	parent := d.Node(parentID).subsplit
	if clade == Rotated {
		parent = parent.Rotate()
	}
	return d.GPCSPIndex(PCSP{Parent: parent, Child: d.Node(childID).subsplit})
}

func (d *SubsplitDAG) GPCSPIndex(pcsp PCSP) int {
	idx, ok := d.gpcspIndexer[pcsp.Key()]
	if !ok {
		panic(fmt.Sprintf("pcsp %s not in indexer", pcsp))
	}
	return idx
}

// Gpcsp index assigned to a rootsplit.
func (d *SubsplitDAG) RootsplitIndex(rootsplit Subsplit) int {
	idx, ok := d.gpcspIndexer[rootsplit.Key()]
	if !ok {
		panic(fmt.Sprintf("rootsplit %s not in indexer", rootsplit))
	}
	return idx
}

// Contiguous gpcsp index block of an oriented parent's children. Not every
// orientation of every vertex is a parent, so absence is reported, not
// fatal.
func (d *SubsplitDAG) ParentRange(parent Subsplit) ([2]int, bool) {
	r, ok := d.parentToRange[parent.Key()]
	return r, ok
}

// Reconstructs the indexer as a gpcsp-index-aligned list of keys, for
// pretty-printed parameter readouts.
func (d *SubsplitDAG) GPCSPKeys() []string {
	keys := make([]string, len(d.edges))
	for key, idx := range d.gpcspIndexer {
		keys[idx] = key
	}
	return keys
}

// Uniform SBN parameters: 1/R across the rootsplit block and 1/|block|
// within each parent's child block (leaf closures get probability 1).
func (d *SubsplitDAG) BuildUniformQ() []float64 {
	q := make([]float64, len(d.edges))
	for i := range q {
		q[i] = 1
	}
	r := float64(len(d.rootsplitIDs))
	for i := range d.rootsplitIDs {
		q[i] = 1 / r
	}
	for _, rng := range d.parentToRange {
		size := float64(rng[1] - rng[0])
		for i := rng[0]; i < rng[1]; i++ {
			q[i] = 1 / size
		}
	}
	return q
}

// Per-edge mean of the branch lengths observed across the tree collection;
// edges never observed keep fallback. Used to hot-start optimization.
func (d *SubsplitDAG) AverageBranchLengths(counts *SubsplitCounts, fallback float64) []float64 {
	lengths := make([]float64, len(d.edges))
	for i := range lengths {
		lengths[i] = fallback
	}
	for key, observed := range counts.BranchLengths {
		idx, ok := d.gpcspIndexer[key]
		if !ok || len(observed) == 0 {
			continue
		}
		var sum float64
		for _, l := range observed {
			sum += l
		}
		lengths[idx] = sum / float64(len(observed))
	}
	return lengths
}
