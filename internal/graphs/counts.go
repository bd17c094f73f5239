package graphs

// SubsplitCounts holds the multisets read off a rooted tree collection in
// pass 1 of DAG construction: every distinct rootsplit and every distinct
// (parent, child) subsplit pair, kept in deterministic first-seen order so
// index assignment does not depend on map iteration.
type SubsplitCounts struct {
	TaxonCount      uint
	TreeCount       int
	TaxonNames      []string             // tip-index order
	Rootsplits      []Subsplit           // first-seen order
	RootsplitCounts map[string]int       // rootsplit key -> multiset count
	Parents         []Subsplit           // oriented parent subsplits, first-seen order
	ChildrenOf      map[string][]Subsplit // oriented parent key -> children, first-seen order
	PCSPCounts      map[string]int       // pcsp key -> multiset count
	BranchLengths   map[string][]float64 // pcsp key -> observed branch lengths (incl. leaf edges)
}

func NewSubsplitCounts(taxonCount uint, taxonNames []string) *SubsplitCounts {
	return &SubsplitCounts{
		TaxonCount:      taxonCount,
		TaxonNames:      taxonNames,
		RootsplitCounts: make(map[string]int),
		ChildrenOf:      make(map[string][]Subsplit),
		PCSPCounts:      make(map[string]int),
		BranchLengths:   make(map[string][]float64),
	}
}

func (sc *SubsplitCounts) AddRootsplit(rootsplit Subsplit) {
	key := rootsplit.Key()
	if sc.RootsplitCounts[key] == 0 {
		sc.Rootsplits = append(sc.Rootsplits, rootsplit)
	}
	sc.RootsplitCounts[key]++
}

func (sc *SubsplitCounts) AddPCSP(pcsp PCSP) {
	key := pcsp.Key()
	parentKey := pcsp.Parent.Key()
	if len(sc.ChildrenOf[parentKey]) == 0 {
		sc.Parents = append(sc.Parents, pcsp.Parent)
	}
	if sc.PCSPCounts[key] == 0 {
		sc.ChildrenOf[parentKey] = append(sc.ChildrenOf[parentKey], pcsp.Child)
	}
	sc.PCSPCounts[key]++
}

func (sc *SubsplitCounts) AddBranchLength(pcsp PCSP, length float64) {
	key := pcsp.Key()
	sc.BranchLengths[key] = append(sc.BranchLengths[key], length)
}
