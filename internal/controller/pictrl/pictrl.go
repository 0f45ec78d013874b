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

package pictrl

import (
	"airheater/internal/params"
	"airheater/pkg/logger"
	"fmt"
	"math"
)

// PIController is the discrete PI used on the real-time loop. The error
// integral is accumulated with forward Euler at a fixed sample time and
// clamped after every step so the integral action alone can never drive
// the output past OutputMax.
type PIController struct {
	Kp, Ti    float64
	Ts        float64
	OutputMin float64
	OutputMax float64

	integral  float64
	prevError float64

	log *logger.Logger
}

func NewPIController(kp, ti, ts float64) (*PIController, error) {
	if ts <= 0 {
		return nil, fmt.Errorf("%w: ts must be > 0 (got %g)", params.ErrInvalidParameter, ts)
	}
	pi := &PIController{
		Ts:        ts,
		OutputMin: 0,
		OutputMax: 5,
		log:       logger.New("PI Control"),
	}
	if err := pi.SetGains(kp, ti); err != nil {
		return nil, err
	}
	return pi, nil
}

// SetGains replaces Kp and Ti. The integral accumulator is kept so a gain
// change does not bump the output.
func (pi *PIController) SetGains(kp, ti float64) error {
	if !(kp > 0) || math.IsInf(kp, 0) {
		return fmt.Errorf("%w: kp must be > 0 (got %g)", params.ErrInvalidParameter, kp)
	}
	if !(ti > 0) || math.IsInf(ti, 0) {
		return fmt.Errorf("%w: ti must be > 0 (got %g)", params.ErrInvalidParameter, ti)
	}
	pi.Kp = kp
	pi.Ti = ti
	return nil
}

// Update returns the saturated control signal in volts.
func (pi *PIController) Update(setpoint, measurement float64) float64 {
	err := setpoint - measurement

	pi.integral += pi.Ts * err
	lim := pi.integralLimit()
	pi.integral = clamp(pi.integral, -lim, lim)

	output := pi.Kp*err + pi.IntegralTerm()
	output = clamp(output, pi.OutputMin, pi.OutputMax)

	pi.prevError = err

	pi.log.Debug("err=%.3f°C, int=%.4f, u=%.3fV", err, pi.integral, output)
	return output
}

// integralLimit is OutputMax/Kp for Ti >= 1. For Ti < 1 it shrinks to
// OutputMax/Kp·Ti, so with Kp=1 and Ti=0.5 the accumulator saturates at
// 2.5 instead of 5. That keeps the integral term (Kp/Ti)·integral within
// OutputMax for every allowed Ti.
func (pi *PIController) integralLimit() float64 {
	return pi.OutputMax / pi.Kp * math.Min(1, pi.Ti)
}

// IntegralTerm is the integral contribution to the output before
// saturation.
func (pi *PIController) IntegralTerm() float64 {
	return pi.Kp / pi.Ti * pi.integral
}

func (pi *PIController) Integral() float64 {
	return pi.integral
}

// PreviousError is the error seen by the last Update. It is kept for
// diagnostics and does not feed back into the output.
func (pi *PIController) PreviousError() float64 {
	return pi.prevError
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
