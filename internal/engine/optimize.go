package engine

import (
	"math"
)

const invGold = 0.3819660112501051

// BrentMinimize finds a local minimum of f on [a, b] by Brent's combined
// parabolic-interpolation and golden-section search, derivative-free, to
// roughly significantDigits of relative precision on the argument. Returns
// the minimizer and its value.
func BrentMinimize(f func(float64) float64, a, b float64, significantDigits, maxIter int) (float64, float64) {
	tol := math.Pow(10, -float64(significantDigits))
	x := a + invGold*(b-a)
	w, v := x, x
	fx := f(x)
	fw, fv := fx, fx
	var d, e float64
	for iter := 0; iter < maxIter; iter++ {
		mid := 0.5 * (a + b)
		tol1 := tol*math.Abs(x) + 1e-10
		tol2 := 2 * tol1
		if math.Abs(x-mid) <= tol2-0.5*(b-a) {
			break
		}
		golden := true
		if math.Abs(e) > tol1 {
			// Try a parabolic fit through x, w, v.
			r := (x - w) * (fx - fv)
			q := (x - v) * (fx - fw)
			p := (x-v)*q - (x-w)*r
			q = 2 * (q - r)
			if q > 0 {
				p = -p
			}
			q = math.Abs(q)
			prev := e
			e = d
			if math.Abs(p) < math.Abs(0.5*q*prev) && p > q*(a-x) && p < q*(b-x) {
				d = p / q
				u := x + d
				if u-a < tol2 || b-u < tol2 {
					d = math.Copysign(tol1, mid-x)
				}
				golden = false
			}
		}
		if golden {
			if x >= mid {
				e = a - x
			} else {
				e = b - x
			}
			d = invGold * e
		}
		var u float64
		if math.Abs(d) >= tol1 {
			u = x + d
		} else {
			u = x + math.Copysign(tol1, d)
		}
		fu := f(u)
		if fu <= fx {
			if u >= x {
				a = x
			} else {
				b = x
			}
			v, w, x = w, x, u
			fv, fw, fx = fw, fx, fu
		} else {
			if u < x {
				a = u
			} else {
				b = u
			}
			switch {
			case fu <= fw || w == x:
				v, w = w, u
				fv, fw = fw, fu
			case fu <= fv || v == x || v == w:
				v, fv = u, fu
			}
		}
	}
	return x, fx
}

// GradientAscent climbs f from start with a fixed step size until the
// relative improvement drops below relTol or maxIter steps elapse. f
// returns the value and its derivative; the argument stays in [min, max].
func GradientAscent(f func(float64) (float64, float64), start, relTol, stepSize, min, max float64, maxIter int) (float64, float64) {
	x := start
	fx, dfx := f(x)
	for iter := 0; iter < maxIter; iter++ {
		next := math.Min(max, math.Max(min, x+stepSize*dfx))
		fNext, dNext := f(next)
		converged := math.Abs(fNext-fx) < math.Abs(relTol*fx)
		x, fx, dfx = next, fNext, dNext
		if converged {
			break
		}
	}
	return x, fx
}
