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

package airheater

import (
	"airheater/internal/params"
	"airheater/pkg/logger"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	InputMin = 0.0 // V
	InputMax = 5.0 // V
)

type Config struct {
	Kh         float64 // process gain, °C/V
	ThetaT     float64 // time constant, s
	Ts         float64 // sample time, s
	Tenv       float64 // ambient temperature, °C
	NoiseStd   float64 // measurement noise, °C
	DelaySteps int
	Seed       uint64
}

func DefaultConfig() Config {
	return Config{
		Kh:         3.5,
		ThetaT:     22.0,
		Ts:         0.1,
		Tenv:       21.5,
		NoiseStd:   0.05,
		DelaySteps: 2,
		Seed:       1,
	}
}

func (c Config) Validate() error {
	if c.ThetaT <= 0 {
		return fmt.Errorf("%w: theta_t must be > 0 (got %g)", params.ErrInvalidParameter, c.ThetaT)
	}
	if c.Ts <= 0 {
		return fmt.Errorf("%w: ts must be > 0 (got %g)", params.ErrInvalidParameter, c.Ts)
	}
	if c.NoiseStd < 0 {
		return fmt.Errorf("%w: noise_std must be >= 0 (got %g)", params.ErrInvalidParameter, c.NoiseStd)
	}
	if c.DelaySteps < 0 {
		return fmt.Errorf("%w: delay_steps must be >= 0 (got %d)", params.ErrInvalidParameter, c.DelaySteps)
	}
	return nil
}

// Heater is a discrete first-order air heater driven through an input
// delay. Temperature() is the noiseless state; Update returns it with
// measurement noise added.
type Heater struct {
	kh, thetaT, ts, tenv float64

	tout  float64
	delay *DelayBuffer
	noise distuv.Normal

	log *logger.Logger
}

func New(c Config) (*Heater, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Ts/c.ThetaT >= 1 {
		// explicit Euler is unstable here, keep going but make it visible
		logger.New("AirHeater").Error("ts/theta_t=%.3f >= 1: discretization will diverge", c.Ts/c.ThetaT)
	}
	return &Heater{
		kh:     c.Kh,
		thetaT: c.ThetaT,
		ts:     c.Ts,
		tenv:   c.Tenv,
		tout:   c.Tenv,
		delay:  NewDelayBuffer(c.DelaySteps),
		noise: distuv.Normal{
			Mu:    0,
			Sigma: c.NoiseStd,
			Src:   rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15),
		},
		log: logger.New("AirHeater"),
	}, nil
}

// Update saturates and delays u, advances the model one sample and
// returns the measured temperature.
func (h *Heater) Update(u float64) float64 {
	u = clamp(u, InputMin, InputMax)
	ud := h.delay.Push(u)

	h.tout += (h.ts / h.thetaT) * (-h.tout + h.kh*ud + h.tenv)

	if h.noise.Sigma == 0 {
		return h.tout
	}
	return h.tout + h.noise.Rand()
}

// Temperature returns the noiseless plant state.
func (h *Heater) Temperature() float64 {
	return h.tout
}

func (h *Heater) SetNoiseStd(std float64) {
	if std < 0 || math.IsNaN(std) {
		h.log.Error("ignoring noise std %v", std)
		return
	}
	h.noise.Sigma = std
}

func (h *Heater) NoiseStd() float64 {
	return h.noise.Sigma
}

func (h *Heater) Ambient() float64 {
	return h.tenv
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
