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
	"math"
	"math/cmplx"
)

// sweep range for locating crossovers, log10 rad/s
const (
	sweepLo     = -4.0
	sweepHi     = 3.0
	sweepPoints = 7001
	refineSteps = 60
)

type marginSet struct {
	gm, pm    float64
	w180, wgc float64
}

// margins finds every gain and phase crossover of L(jω) on a dense log
// sweep, refines each one by bisection and keeps the most critical: the gain
// margin closest to 1 and the phase margin closest to 0.
func margins(L TransferFunction) (marginSet, error) {
	ws := LogSpace(sweepLo, sweepHi, sweepPoints)
	mag := make([]float64, len(ws))
	phase := make([]float64, len(ws))
	for i, w := range ws {
		h := L.FreqResp(w)
		mag[i] = cmplx.Abs(h)
		phase[i] = degrees(cmplx.Phase(h))
		if i > 0 {
			phase[i] = unwrapNear(phase[i], phase[i-1])
		}
		if math.IsNaN(mag[i]) || math.IsInf(mag[i], 0) {
			return marginSet{}, fmt.Errorf("%w: |L(j%g)| = %v", ErrAnalysisFailure, w, mag[i])
		}
	}

	best := marginSet{gm: math.NaN(), pm: math.NaN()}
	for i := 0; i+1 < len(ws); i++ {
		a, b := mag[i]-1, mag[i+1]-1
		if a == 0 || a*b < 0 {
			w := bisect(ws[i], ws[i+1], func(w float64) float64 {
				return cmplx.Abs(L.FreqResp(w)) - 1
			})
			pm := wrap180(phaseNear(L, w, phase[i]) + 180)
			if math.IsNaN(best.pm) || math.Abs(pm) < math.Abs(best.pm) {
				best.pm, best.wgc = pm, w
			}
		}

		lo, hi := math.Min(phase[i], phase[i+1]), math.Max(phase[i], phase[i+1])
		for k := math.Ceil((lo + 180) / 360); k*360-180 <= hi; k++ {
			target := k*360 - 180
			// a crossing exactly on the right endpoint is picked up by the
			// next interval
			if phase[i+1] == target && i+2 < len(ws) {
				continue
			}
			ref := phase[i]
			w := bisect(ws[i], ws[i+1], func(w float64) float64 {
				return phaseNear(L, w, ref) - target
			})
			gm := 1 / cmplx.Abs(L.FreqResp(w))
			if math.IsNaN(best.gm) || math.Abs(math.Log(gm)) < math.Abs(math.Log(best.gm)) {
				best.gm, best.w180 = gm, w
			}
		}
	}

	if math.IsNaN(best.pm) {
		return marginSet{}, fmt.Errorf("%w: no gain crossover in [1e%g, 1e%g] rad/s", ErrAnalysisFailure, sweepLo, sweepHi)
	}
	if math.IsNaN(best.gm) {
		return marginSet{}, fmt.Errorf("%w: no phase crossover in [1e%g, 1e%g] rad/s", ErrAnalysisFailure, sweepLo, sweepHi)
	}
	return best, nil
}

// bisect finds a sign change of f in [lo, hi], halving in log frequency.
func bisect(lo, hi float64, f func(float64) float64) float64 {
	flo := f(lo)
	if flo == 0 {
		return lo
	}
	for range refineSteps {
		mid := math.Sqrt(lo * hi)
		fm := f(mid)
		if fm == 0 {
			return mid
		}
		if (fm < 0) == (flo < 0) {
			lo, flo = mid, fm
		} else {
			hi = mid
		}
	}
	return math.Sqrt(lo * hi)
}

func phaseNear(L TransferFunction, w, ref float64) float64 {
	return unwrapNear(degrees(cmplx.Phase(L.FreqResp(w))), ref)
}

// unwrapNear shifts deg by whole turns to lie within 180° of ref.
func unwrapNear(deg, ref float64) float64 {
	return deg - 360*math.Round((deg-ref)/360)
}

// wrap180 maps an angle into (-180, 180].
func wrap180(deg float64) float64 {
	d := math.Mod(deg+180, 360)
	if d <= 0 {
		d += 360
	}
	return d - 180
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
