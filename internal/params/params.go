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

package params

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidParameter = errors.New("invalid parameter")

// Loop is the live configuration of the control loop. It is always
// replaced as a whole, never mutated field by field.
type Loop struct {
	Setpoint float64 `json:"setpoint"`
	Kp       float64 `json:"kp"`
	Ti       float64 `json:"ti"`
	NoiseStd float64 `json:"noise_std"`
	FilterTf float64 `json:"filter_tf"`
}

// Range is an inclusive [Min, Max] interval. A zero Range is unbounded.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) unbounded() bool {
	return r.Min == 0 && r.Max == 0
}

func (r Range) Contains(v float64) bool {
	if r.unbounded() {
		return true
	}
	return v >= r.Min && v <= r.Max
}

// Limits are the operator-facing ranges for each loop parameter.
type Limits struct {
	Setpoint Range `json:"setpoint"`
	Kp       Range `json:"kp"`
	Ti       Range `json:"ti"`
	NoiseStd Range `json:"noise_std"`
	FilterTf Range `json:"filter_tf"`
}

// DefaultLimits matches the ranges of the operator dashboard sliders.
func DefaultLimits() Limits {
	return Limits{
		Setpoint: Range{Min: 20, Max: 50},
		Kp:       Range{Min: 0.1, Max: 5},
		Ti:       Range{Min: 0.1, Max: 20},
		NoiseStd: Range{Min: 0, Max: 1},
		FilterTf: Range{Min: 0.1, Max: 2},
	}
}

// Validate checks the structural constraints every parameter set must
// satisfy, then the configured limits.
func (l Limits) Validate(p Loop) error {
	for name, v := range map[string]float64{
		"setpoint":  p.Setpoint,
		"kp":        p.Kp,
		"ti":        p.Ti,
		"noise_std": p.NoiseStd,
		"filter_tf": p.FilterTf,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidParameter, name)
		}
	}
	if p.Kp <= 0 {
		return fmt.Errorf("%w: kp must be > 0 (got %g)", ErrInvalidParameter, p.Kp)
	}
	if p.Ti <= 0 {
		return fmt.Errorf("%w: ti must be > 0 (got %g)", ErrInvalidParameter, p.Ti)
	}
	if p.NoiseStd < 0 {
		return fmt.Errorf("%w: noise_std must be >= 0 (got %g)", ErrInvalidParameter, p.NoiseStd)
	}
	if p.FilterTf < 0 {
		return fmt.Errorf("%w: filter_tf must be >= 0 (got %g)", ErrInvalidParameter, p.FilterTf)
	}

	checks := []struct {
		name string
		v    float64
		r    Range
	}{
		{"setpoint", p.Setpoint, l.Setpoint},
		{"kp", p.Kp, l.Kp},
		{"ti", p.Ti, l.Ti},
		{"noise_std", p.NoiseStd, l.NoiseStd},
		{"filter_tf", p.FilterTf, l.FilterTf},
	}
	for _, c := range checks {
		if !c.r.Contains(c.v) {
			return fmt.Errorf("%w: %s=%g outside [%g, %g]", ErrInvalidParameter, c.name, c.v, c.r.Min, c.r.Max)
		}
	}
	return nil
}
