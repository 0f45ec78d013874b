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
	"airheater/internal/params"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
)

type Bode struct {
	Frequencies []float64 `json:"w"`            // rad/s
	MagnitudeDb []float64 `json:"magnitude_db"` // 20·log10|L(jω)|
	PhaseDeg    []float64 `json:"phase_deg"`    // unwrapped along the sweep
}

// LogSpace returns n points spaced evenly in log10 between 10^a and 10^b.
func LogSpace(a, b float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{math.Pow(10, a)}
	}
	return floats.LogSpan(make([]float64, n), math.Pow(10, a), math.Pow(10, b))
}

func DefaultFrequencies() []float64 {
	return LogSpace(-3, 2, 1000)
}

// Bode evaluates the open loop over freqs. A nil or empty freqs uses
// DefaultFrequencies.
func (a *Analyzer) Bode(kp, ti, tf float64, freqs []float64) (Bode, error) {
	L, err := a.OpenLoop(kp, ti, tf)
	if err != nil {
		return Bode{}, err
	}
	if len(freqs) == 0 {
		freqs = DefaultFrequencies()
	}

	b := Bode{
		Frequencies: append([]float64(nil), freqs...),
		MagnitudeDb: make([]float64, len(freqs)),
		PhaseDeg:    make([]float64, len(freqs)),
	}
	for i, w := range freqs {
		if !(w > 0) || math.IsInf(w, 0) {
			return Bode{}, fmt.Errorf("%w: frequency %g rad/s", params.ErrInvalidParameter, w)
		}
		h := L.FreqResp(w)
		b.MagnitudeDb[i] = 20 * math.Log10(cmplx.Abs(h))
		b.PhaseDeg[i] = degrees(cmplx.Phase(h))
		if i > 0 {
			b.PhaseDeg[i] = unwrapNear(b.PhaseDeg[i], b.PhaseDeg[i-1])
		}
	}
	return b, nil
}
