package prep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// EigenDecomposition of a substitution-rate matrix, supplied by the caller.
// The engine only ever exponentiates it: T(t) = E diag(exp(t lambda)) E^-1.
// Model fitting is out of scope here.
type EigenDecomposition struct {
	Eigenvectors        *mat.Dense // E, StateCount x StateCount
	InverseEigenvectors *mat.Dense // E^-1
	Eigenvalues         []float64
	Stationary          []float64
}

func (ed *EigenDecomposition) Validate() error {
	for name, m := range map[string]*mat.Dense{
		"eigenvectors":         ed.Eigenvectors,
		"inverse eigenvectors": ed.InverseEigenvectors,
	} {
		if m == nil {
			return fmt.Errorf("%s missing", name)
		}
		if r, c := m.Dims(); r != StateCount || c != StateCount {
			return fmt.Errorf("%s are %dx%d, expected %dx%d", name, r, c, StateCount, StateCount)
		}
	}
	if len(ed.Eigenvalues) != StateCount {
		return fmt.Errorf("%d eigenvalues, expected %d", len(ed.Eigenvalues), StateCount)
	}
	if len(ed.Stationary) != StateCount {
		return fmt.Errorf("stationary distribution has %d entries, expected %d", len(ed.Stationary), StateCount)
	}
	var sum float64
	for _, p := range ed.Stationary {
		if p < 0 {
			return fmt.Errorf("negative stationary probability %g", p)
		}
		sum += p
	}
	if sum < 1-1e-9 || sum > 1+1e-9 {
		return fmt.Errorf("stationary distribution sums to %g", sum)
	}
	return nil
}

// JC69 returns the Jukes-Cantor eigendecomposition in closed form.
func JC69() *EigenDecomposition {
	return &EigenDecomposition{
		Eigenvectors: mat.NewDense(StateCount, StateCount, []float64{
			1, 2, 0, 0.5,
			1, -2, 0.5, 0,
			1, 2, 0, -0.5,
			1, -2, -0.5, 0,
		}),
		InverseEigenvectors: mat.NewDense(StateCount, StateCount, []float64{
			0.25, 0.25, 0.25, 0.25,
			0.125, -0.125, 0.125, -0.125,
			0, 1, 0, -1,
			1, 0, -1, 0,
		}),
		Eigenvalues: []float64{0, -4.0 / 3.0, -4.0 / 3.0, -4.0 / 3.0},
		Stationary:  []float64{0.25, 0.25, 0.25, 0.25},
	}
}
