// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stability

import (
	"fmt"
	"math/cmplx"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// Roots returns the zeros of p as eigenvalues of its companion matrix,
// ordered by descending real part.
func Roots(p Poly) ([]complex128, error) {
	p = p.trim()
	n := len(p) - 1
	if n < 1 {
		return nil, nil
	}

	c := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		c.Set(0, j, -p[j+1]/p[0])
	}
	for i := 1; i < n; i++ {
		c.Set(i, i-1, 1)
	}

	var eig mat.Eigen
	if !eig.Factorize(c, mat.EigenNone) {
		return nil, fmt.Errorf("%w: eigen decomposition did not converge", ErrAnalysisFailure)
	}
	roots := eig.Values(nil)
	slices.SortFunc(roots, func(a, b complex128) int {
		switch {
		case real(a) > real(b):
			return -1
		case real(a) < real(b):
			return 1
		}
		return 0
	})
	return roots, nil
}

// ClosedLoopPoles are the roots of Den + Num of L(s), the poles of the unity
// feedback loop L/(1+L).
func (a *Analyzer) ClosedLoopPoles(kp, ti, tf float64) ([]complex128, error) {
	L, err := a.OpenLoop(kp, ti, tf)
	if err != nil {
		return nil, err
	}
	return Roots(L.Den.Add(L.Num))
}

// Stable reports whether every pole lies strictly in the left half plane.
func Stable(poles []complex128) bool {
	for _, p := range poles {
		if real(p) >= 0 || cmplx.IsNaN(p) {
			return false
		}
	}
	return true
}
