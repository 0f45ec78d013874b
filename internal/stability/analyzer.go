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
	"errors"
	"fmt"
	"math"
)

var ErrAnalysisFailure = errors.New("stability analysis failed")

// ContinuousPI is the ideal PI Kp·(Ti·s + 1)/(Ti·s) used for frequency
// analysis. The real-time loop runs pictrl.PIController, whose forward
// Euler integral and anti-windup clamp this model leaves out.
type ContinuousPI struct {
	Kp float64
	Ti float64
}

func (c ContinuousPI) TransferFunction() TransferFunction {
	return TransferFunction{
		Num: Poly{c.Kp * c.Ti, c.Kp},
		Den: Poly{c.Ti, 0},
	}
}

// Analyzer holds the fixed plant constants. It has no mutable state and is
// safe for concurrent use.
type Analyzer struct {
	Kh     float64 // process gain, °C/V
	ThetaT float64 // time constant, s
	ThetaD float64 // dead time, s
}

func NewAnalyzer(kh, thetaT, thetaD float64) (*Analyzer, error) {
	switch {
	case kh == 0 || math.IsNaN(kh) || math.IsInf(kh, 0):
		return nil, fmt.Errorf("%w: kh must be finite and non-zero (got %g)", params.ErrInvalidParameter, kh)
	case !(thetaT > 0) || math.IsInf(thetaT, 0):
		return nil, fmt.Errorf("%w: theta_t must be > 0 (got %g)", params.ErrInvalidParameter, thetaT)
	case !(thetaD >= 0) || math.IsInf(thetaD, 0):
		return nil, fmt.Errorf("%w: theta_d must be >= 0 (got %g)", params.ErrInvalidParameter, thetaD)
	}
	return &Analyzer{Kh: kh, ThetaT: thetaT, ThetaD: thetaD}, nil
}

// Process is Kh/(θt·s + 1) in series with the Padé approximated dead time.
func (a *Analyzer) Process() TransferFunction {
	return Series(FirstOrderLag(a.Kh, a.ThetaT), Pade(a.ThetaD, PadeOrder))
}

func Filter(tf float64) TransferFunction {
	return FirstOrderLag(1, tf)
}

// OpenLoop is L(s) = C(s)·P(s)·F(s).
func (a *Analyzer) OpenLoop(kp, ti, tf float64) (TransferFunction, error) {
	if !(kp > 0) || math.IsInf(kp, 0) {
		return TransferFunction{}, fmt.Errorf("%w: kp must be > 0 (got %g)", params.ErrInvalidParameter, kp)
	}
	if !(ti > 0) || math.IsInf(ti, 0) {
		return TransferFunction{}, fmt.Errorf("%w: ti must be > 0 (got %g)", params.ErrInvalidParameter, ti)
	}
	if !(tf >= 0) || math.IsInf(tf, 0) {
		return TransferFunction{}, fmt.Errorf("%w: tf must be >= 0 (got %g)", params.ErrInvalidParameter, tf)
	}
	return Series(ContinuousPI{Kp: kp, Ti: ti}.TransferFunction(), a.Process(), Filter(tf)), nil
}

type Result struct {
	GainMargin         float64 `json:"gain_margin"`
	GainMarginDb       float64 `json:"gain_margin_db"`
	PhaseMargin        float64 `json:"phase_margin"` // degrees, (-180, 180]
	CriticalGain       float64 `json:"critical_gain"`
	GainCrossoverFreq  float64 `json:"crossover_freq"` // rad/s
	PhaseCrossoverFreq float64 `json:"w180"`           // rad/s

	// every closed-loop pole in the left half plane
	Stable bool `json:"stable"`
}

// Acceptable reports whether the closed loop is stable and the margins
// meet the usual design rule of more than 6 dB gain margin and more than
// 30° phase margin. The margins alone can look healthy for an unstable
// loop when a higher phase crossing is the one kept.
func (r Result) Acceptable() bool {
	return r.Stable && r.GainMarginDb > 6 && r.PhaseMargin > 30
}

func (r Result) String() string {
	return fmt.Sprintf("gm=%.2f (%.1f dB) pm=%.1f° kc=%.2f wgc=%.3f w180=%.3f stable=%t",
		r.GainMargin, r.GainMarginDb, r.PhaseMargin, r.CriticalGain, r.GainCrossoverFreq, r.PhaseCrossoverFreq, r.Stable)
}

func (a *Analyzer) Analyze(kp, ti, tf float64) (Result, error) {
	L, err := a.OpenLoop(kp, ti, tf)
	if err != nil {
		return Result{}, err
	}
	m, err := margins(L)
	if err != nil {
		return Result{}, err
	}
	poles, err := Roots(L.Den.Add(L.Num))
	if err != nil {
		return Result{}, err
	}
	return Result{
		GainMargin:         m.gm,
		GainMarginDb:       20 * math.Log10(m.gm),
		PhaseMargin:        m.pm,
		CriticalGain:       kp * m.gm,
		GainCrossoverFreq:  m.wgc,
		PhaseCrossoverFreq: m.w180,
		Stable:             Stable(poles),
	}, nil
}
