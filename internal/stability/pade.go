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

// PadeOrder is the order of the rational approximation used for the
// process dead time.
const PadeOrder = 3

// Pade returns the [n/n] Padé approximation of e^{-T·s}, normalized so the
// leading denominator coefficient is 1. T == 0 gives unity.
func Pade(T float64, n int) TransferFunction {
	if T == 0 || n <= 0 {
		return Gain(1)
	}

	num := make(Poly, n+1)
	den := make(Poly, n+1)
	num[n], den[n] = 1, 1

	cn, cd := 1.0, 1.0
	for k := 1; k <= n; k++ {
		f := T * float64(n-k+1) / float64(2*n-k+1) / float64(k)
		cn *= -f
		cd *= f
		num[n-k] = cn
		den[n-k] = cd
	}

	lead := den[0]
	return TransferFunction{Num: num.Scale(1 / lead), Den: den.Scale(1 / lead)}
}
