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

// Poly is a real polynomial in s, coefficients in descending powers.
// Poly{2, 0, 1} is 2s² + 1.
type Poly []float64

func (p Poly) Degree() int {
	return len(p.trim()) - 1
}

func (p Poly) Mul(q Poly) Poly {
	if len(p) == 0 || len(q) == 0 {
		return nil
	}
	out := make(Poly, len(p)+len(q)-1)
	for i, a := range p {
		for j, b := range q {
			out[i+j] += a * b
		}
	}
	return out
}

// Add aligns the constant terms and sums.
func (p Poly) Add(q Poly) Poly {
	if len(q) > len(p) {
		p, q = q, p
	}
	out := make(Poly, len(p))
	copy(out, p)
	off := len(p) - len(q)
	for i, b := range q {
		out[off+i] += b
	}
	return out
}

func (p Poly) Scale(k float64) Poly {
	out := make(Poly, len(p))
	for i, a := range p {
		out[i] = k * a
	}
	return out
}

// Eval uses Horner's scheme.
func (p Poly) Eval(s complex128) complex128 {
	var acc complex128
	for _, a := range p {
		acc = acc*s + complex(a, 0)
	}
	return acc
}

func (p Poly) trim() Poly {
	for i, a := range p {
		if a != 0 {
			return p[i:]
		}
	}
	return nil
}
