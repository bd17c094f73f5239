// Package containing the graph-like data structures at the heart of GROVE:
// subsplits, the subsplit DAG compressing a rooted tree collection, and the
// graft overlay used for trial extensions of a host DAG.
package graphs

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// Clade flag on a DAG edge, recording which half of the parent subsplit the
// child descends from. The two halves of a subsplit are not interchangeable
// in the recursion.
type Clade int

const (
	// Sorted means the child subdivides the parent's second clade (the
	// parent subsplit read as-is).
	Sorted Clade = iota
	// Rotated means the child subdivides the parent's first clade (the
	// parent subsplit with its halves swapped).
	Rotated
)

func (c Clade) String() string {
	switch c {
	case Sorted:
		return "sorted"
	case Rotated:
		return "rotated"
	default:
		panic(fmt.Sprintf("invalid clade (%d)", int(c)))
	}
}

// A Subsplit is an ordered pair of disjoint taxon bitsets bipartitioning a
// clade's leaf set. Canonical orientation puts the clade containing the
// smallest taxon second, so a fake (single-taxon) subsplit has an empty
// first clade, and children always subdivide the second clade of a parent
// oriented toward them.
type Subsplit struct {
	clades [2]*bitset.BitSet
	n      uint // taxon count
}

// Makes the canonically oriented subsplit of two disjoint clades over n taxa.
func NewSubsplit(a, b *bitset.BitSet, n uint) Subsplit {
	if a.Intersection(b).Any() {
		panic(fmt.Sprintf("subsplit clades are not disjoint: %s, %s", a, b))
	}
	first, second := a, b
	aMin, aOk := a.NextSet(0)
	bMin, bOk := b.NextSet(0)
	switch {
	case !aOk && !bOk:
		panic("both subsplit clades are empty")
	case !bOk:
		first, second = b, a
	case aOk && aMin < bMin:
		first, second = b, a
	}
	return Subsplit{clades: [2]*bitset.BitSet{first.Clone(), second.Clone()}, n: n}
}

// Fake subsplit for one taxon: empty first clade, singleton second clade.
// One exists per taxon as the recursion base case.
func FakeSubsplit(taxon, n uint) Subsplit {
	if taxon >= n {
		panic(fmt.Sprintf("taxon %d out of range (%d taxa)", taxon, n))
	}
	return Subsplit{
		clades: [2]*bitset.BitSet{bitset.New(n), bitset.New(n).Set(taxon)},
		n:      n,
	}
}

// Expands a rootsplit clade into the full subsplit clade | ~clade.
func RootsplitOf(clade *bitset.BitSet, n uint) Subsplit {
	complement := bitset.New(n)
	complement.FlipRange(0, n)
	complement.InPlaceDifference(clade)
	return NewSubsplit(clade, complement, n)
}

// Swaps the two clades without re-canonicalizing. A rotated subsplit is a
// distinct key from its sorted form; both orientations of a vertex appear as
// parents in the PCSP indexer.
func (s Subsplit) Rotate() Subsplit {
	return Subsplit{clades: [2]*bitset.BitSet{s.clades[1], s.clades[0]}, n: s.n}
}

func (s Subsplit) FirstClade() *bitset.BitSet  { return s.clades[0] }
func (s Subsplit) SecondClade() *bitset.BitSet { return s.clades[1] }
func (s Subsplit) TaxonCount() uint            { return s.n }

// Union of both clades.
func (s Subsplit) Taxa() *bitset.BitSet {
	return s.clades[0].Union(s.clades[1])
}

func (s Subsplit) Equal(other Subsplit) bool {
	return s.clades[0].Equal(other.clades[0]) && s.clades[1].Equal(other.clades[1])
}

// A fake subsplit has an empty first clade and a singleton second clade.
func (s Subsplit) IsFake() bool {
	return s.clades[0].None() && s.clades[1].Count() == 1
}

// A rootsplit spans the full taxon set.
func (s Subsplit) IsRootsplit() bool {
	return s.Taxa().Count() == s.n
}

// Returns the taxon of a singleton clade, and whether the clade is singleton.
func singletonOf(clade *bitset.BitSet) (uint, bool) {
	if clade.Count() != 1 {
		return 0, false
	}
	taxon, _ := clade.NextSet(0)
	return taxon, true
}

// Orientation-sensitive map key.
func (s Subsplit) Key() string {
	var sb strings.Builder
	sb.Grow(int(2*s.n) + 1)
	writeClade(&sb, s.clades[0], s.n)
	sb.WriteByte('|')
	writeClade(&sb, s.clades[1], s.n)
	return sb.String()
}

func (s Subsplit) String() string { return s.Key() }

func writeClade(sb *strings.Builder, clade *bitset.BitSet, n uint) {
	for i := uint(0); i < n; i++ {
		if clade.Test(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
}

// A PCSP is a parent-child subsplit pair: the DAG's edge label. The parent
// is stored in the orientation whose second clade the child subdivides.
type PCSP struct {
	Parent Subsplit
	Child  Subsplit
}

func (p PCSP) Key() string {
	return p.Parent.Key() + "," + p.Child.Key()
}

func (p PCSP) String() string { return p.Key() }

// Checks that the child bipartitions exactly the parent's second clade.
func (p PCSP) Valid() bool {
	return p.Child.Taxa().Equal(p.Parent.SecondClade())
}
