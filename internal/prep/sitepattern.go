package prep

import (
	"fmt"
)

// Number of character states; the engine is hardwired to nucleotide data.
const StateCount = 4

// Symbol code for gaps and ambiguous characters. Leaf partial likelihoods
// for this code are all-ones (no information).
const GapSymbol = StateCount

// SitePattern holds a compressed alignment: one symbol sequence per taxon
// in tip-index order, plus the multiplicity of each pattern. Compression
// itself happens upstream; this type only carries and validates the result.
type SitePattern struct {
	Patterns [][]int   // [taxon][pattern] symbol codes, GapSymbol for gap/ambiguity
	Weights  []float64 // per-pattern site multiplicities
}

func (sp *SitePattern) PatternCount() int { return len(sp.Weights) }

// Total number of alignment sites the patterns summarize.
func (sp *SitePattern) SiteCount() float64 {
	var total float64
	for _, w := range sp.Weights {
		total += w
	}
	return total
}

// Checks shape and symbol ranges against the DAG's taxon count.
func (sp *SitePattern) Validate(taxonCount uint) error {
	if uint(len(sp.Patterns)) != taxonCount {
		return fmt.Errorf("site pattern covers %d taxa, expected %d", len(sp.Patterns), taxonCount)
	}
	if len(sp.Weights) == 0 {
		return fmt.Errorf("site pattern is %w", ErrEmptyInput)
	}
	for taxon, symbols := range sp.Patterns {
		if len(symbols) != len(sp.Weights) {
			return fmt.Errorf("taxon %d has %d patterns, expected %d", taxon, len(symbols), len(sp.Weights))
		}
		for i, s := range symbols {
			if s < 0 || s > GapSymbol {
				return fmt.Errorf("taxon %d pattern %d: symbol %d out of range", taxon, i, s)
			}
		}
	}
	for i, w := range sp.Weights {
		if w <= 0 {
			return fmt.Errorf("pattern %d has non-positive weight %g", i, w)
		}
	}
	return nil
}

// Translates a nucleotide string to symbol codes. Anything outside ACGT
// (case-insensitive) becomes the gap symbol.
func SymbolsFromSequence(seq string) []int {
	symbols := make([]int, len(seq))
	for i := 0; i < len(seq); i++ {
		switch seq[i] {
		case 'A', 'a':
			symbols[i] = 0
		case 'C', 'c':
			symbols[i] = 1
		case 'G', 'g':
			symbols[i] = 2
		case 'T', 't':
			symbols[i] = 3
		default:
			symbols[i] = GapSymbol
		}
	}
	return symbols
}
