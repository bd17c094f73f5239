package graphs

import (
	"fmt"
)

// Extra neighbor lists hung off a host vertex by the graft. The host's own
// lists are never touched.
type graftAdjacency struct {
	leafwardSorted  []int
	leafwardRotated []int
	rootwardSorted  []int
	rootwardRotated []int
}

// GraftDAG stages candidate vertices and edges on top of an immutable host
// SubsplitDAG so trial extensions can be evaluated and thrown away without
// reindexing the host. Ids and edge indices below the host's counts resolve
// in the host; ids at or past them resolve in local arenas. A single reset
// restores the host's exact prior state.
type GraftDAG struct {
	host *SubsplitDAG

	nodes        []*DAGNode
	subsplitToID map[string]int

	edges        []DAGEdge
	gpcspIndexer map[string]int

	hostAdjacency map[int]*graftAdjacency
}

func NewGraftDAG(host *SubsplitDAG) *GraftDAG {
	return &GraftDAG{
		host:          host,
		subsplitToID:  make(map[string]int),
		gpcspIndexer:  make(map[string]int),
		hostAdjacency: make(map[int]*graftAdjacency),
	}
}

func (g *GraftDAG) Host() *SubsplitDAG { return g.host }

func (g *GraftDAG) HostNodeCount() int  { return g.host.NodeCount() }
func (g *GraftDAG) GraftNodeCount() int { return len(g.nodes) }
func (g *GraftDAG) NodeCount() int      { return g.host.NodeCount() + len(g.nodes) }

func (g *GraftDAG) GraftEdgeCount() int { return len(g.edges) }
func (g *GraftDAG) EdgeCount() int {
	return g.host.GPCSPCountWithLeafSubsplits() + len(g.edges)
}

func (g *GraftDAG) IDOf(s Subsplit) (int, bool) {
	if id, ok := g.host.IDOf(s); ok {
		return id, ok
	}
	id, ok := g.subsplitToID[s.Key()]
	return id, ok
}

func (g *GraftDAG) ContainsNode(s Subsplit) bool {
	_, ok := g.IDOf(s)
	return ok
}

func (g *GraftDAG) SubsplitOf(id int) Subsplit {
	if id < g.host.NodeCount() {
		return g.host.SubsplitOf(id)
	}
	return g.graftNode(id).subsplit
}

func (g *GraftDAG) graftNode(id int) *DAGNode {
	i := id - g.host.NodeCount()
	if i < 0 || i >= len(g.nodes) {
		panic(fmt.Sprintf("node id %d out of range (%d host + %d graft)",
			id, g.host.NodeCount(), len(g.nodes)))
	}
	return g.nodes[i]
}

func (g *GraftDAG) GPCSPIndex(pcsp PCSP) (int, bool) {
	key := pcsp.Key()
	if idx, ok := g.host.gpcspIndexer[key]; ok {
		return idx, ok
	}
	idx, ok := g.gpcspIndexer[key]
	return idx, ok
}

func (g *GraftDAG) ContainsEdge(pcsp PCSP) bool {
	_, ok := g.GPCSPIndex(pcsp)
	return ok
}

// Children of a vertex through the given clade: the host's list (when the
// id is a host id) followed by any graft additions.
func (g *GraftDAG) Leafward(id int, clade Clade) []int {
	var out []int
	if id < g.host.NodeCount() {
		out = append(out, g.host.Node(id).Leafward(clade)...)
		if adj, ok := g.hostAdjacency[id]; ok {
			out = append(out, adj.leafward(clade)...)
		}
		return out
	}
	return g.graftNode(id).Leafward(clade)
}

// Parents of a vertex attached through the given clade of the parent.
func (g *GraftDAG) Rootward(id int, clade Clade) []int {
	var out []int
	if id < g.host.NodeCount() {
		out = append(out, g.host.Node(id).Rootward(clade)...)
		if adj, ok := g.hostAdjacency[id]; ok {
			out = append(out, adj.rootward(clade)...)
		}
		return out
	}
	return g.graftNode(id).Rootward(clade)
}

func (a *graftAdjacency) leafward(clade Clade) []int {
	if clade == Rotated {
		return a.leafwardRotated
	}
	return a.leafwardSorted
}

func (a *graftAdjacency) rootward(clade Clade) []int {
	if clade == Rotated {
		return a.rootwardRotated
	}
	return a.rootwardSorted
}

// Adds a candidate parent-child subsplit pair: either endpoint may already
// live in the host or the graft; whatever is missing is created in the
// graft, and the connecting edge is recorded. Returns the edge's index.
func (g *GraftDAG) AddNodePair(parent, child Subsplit) (int, error) {
	var clade Clade
	switch {
	case child.Taxa().Equal(parent.SecondClade()):
		clade = Sorted
	case child.Taxa().Equal(parent.FirstClade()):
		clade = Rotated
	default:
		return 0, fmt.Errorf("child %s does not subdivide either clade of parent %s", child, parent)
	}
	pcsp := PCSP{Parent: parent, Child: child}
	if clade == Rotated {
		pcsp.Parent = parent.Rotate()
	}
	if idx, ok := g.GPCSPIndex(pcsp); ok {
		return idx, nil
	}
	parentID, ok := g.IDOf(parent)
	if !ok {
		parentID = g.addGraftNode(parent)
	}
	childID, ok := g.IDOf(child)
	if !ok {
		childID = g.addGraftNode(child)
	}
	idx := g.EdgeCount()
	g.edges = append(g.edges, DAGEdge{Parent: parentID, Child: childID, Clade: clade})
	g.gpcspIndexer[pcsp.Key()] = idx
	g.connect(parentID, childID, clade)
	return idx, nil
}

func (g *GraftDAG) addGraftNode(s Subsplit) int {
	id := g.NodeCount()
	g.nodes = append(g.nodes, &DAGNode{id: id, subsplit: s})
	g.subsplitToID[s.Key()] = id
	g.subsplitToID[s.Rotate().Key()] = id
	return id
}

func (g *GraftDAG) connect(parentID, childID int, clade Clade) {
	hostCount := g.host.NodeCount()
	addLeafward := func(id int) {
		if id < hostCount {
			adj := g.adjacencyFor(id)
			if clade == Rotated {
				adj.leafwardRotated = append(adj.leafwardRotated, childID)
			} else {
				adj.leafwardSorted = append(adj.leafwardSorted, childID)
			}
			return
		}
		node := g.graftNode(id)
		if clade == Rotated {
			node.leafwardRotated = append(node.leafwardRotated, childID)
		} else {
			node.leafwardSorted = append(node.leafwardSorted, childID)
		}
	}
	addRootward := func(id int) {
		if id < hostCount {
			adj := g.adjacencyFor(id)
			if clade == Rotated {
				adj.rootwardRotated = append(adj.rootwardRotated, parentID)
			} else {
				adj.rootwardSorted = append(adj.rootwardSorted, parentID)
			}
			return
		}
		node := g.graftNode(id)
		if clade == Rotated {
			node.rootwardRotated = append(node.rootwardRotated, parentID)
		} else {
			node.rootwardSorted = append(node.rootwardSorted, parentID)
		}
	}
	addLeafward(parentID)
	addRootward(childID)
}

func (g *GraftDAG) adjacencyFor(hostID int) *graftAdjacency {
	adj, ok := g.hostAdjacency[hostID]
	if !ok {
		adj = &graftAdjacency{}
		g.hostAdjacency[hostID] = adj
	}
	return adj
}

// Discards every graft vertex, edge, and host-adjacency addition, restoring
// lookups to exactly the host's state.
func (g *GraftDAG) RemoveAllGrafts() {
	g.nodes = nil
	g.subsplitToID = make(map[string]int)
	g.edges = nil
	g.gpcspIndexer = make(map[string]int)
	g.hostAdjacency = make(map[int]*graftAdjacency)
}
