// Package implementing the generalized-pruning machinery: the instruction
// set and its compiler over a subsplit DAG, the executing engine with its
// memory-mapped PLV storage, and the supporting numerics.
package engine

import (
	"math"
)

// Sum of two log-space numbers without leaving log space. A -Inf operand
// (zero probability) passes straight through.
func LogAdd(x, y float64) float64 {
	if math.IsInf(x, -1) {
		return y
	}
	if math.IsInf(y, -1) {
		return x
	}
	if x < y {
		x, y = y, x
	}
	return x + math.Log1p(math.Exp(y-x))
}
