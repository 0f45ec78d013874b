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

import "math/cmplx"

// TransferFunction is a SISO rational function Num(s)/Den(s).
type TransferFunction struct {
	Num Poly
	Den Poly
}

func Gain(k float64) TransferFunction {
	return TransferFunction{Num: Poly{k}, Den: Poly{1}}
}

// FirstOrderLag is k/(tau·s + 1). tau == 0 degenerates to a pure gain.
func FirstOrderLag(k, tau float64) TransferFunction {
	if tau == 0 {
		return Gain(k)
	}
	return TransferFunction{Num: Poly{k}, Den: Poly{tau, 1}}
}

// Series multiplies the given transfer functions in order.
func Series(parts ...TransferFunction) TransferFunction {
	out := Gain(1)
	for _, g := range parts {
		out = TransferFunction{
			Num: out.Num.Mul(g.Num),
			Den: out.Den.Mul(g.Den),
		}
	}
	return out
}

func (g TransferFunction) Eval(s complex128) complex128 {
	d := g.Den.Eval(s)
	if d == 0 {
		return cmplx.Inf()
	}
	return g.Num.Eval(s) / d
}

// FreqResp evaluates G(jω).
func (g TransferFunction) FreqResp(w float64) complex128 {
	return g.Eval(complex(0, w))
}
