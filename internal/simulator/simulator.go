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

package simulator

import (
	"airheater/internal/airheater"
	"airheater/internal/controller/lowpass"
	"airheater/internal/controller/pictrl"
	"airheater/internal/params"
	"airheater/internal/telemetry"
	"airheater/pkg/logger"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

var (
	ErrNoData            = errors.New("loop stopped: no data")
	ErrNumericDivergence = errors.New("numeric divergence")
)

type Status int

const (
	StatusOK Status = iota
	StatusNoData
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoData:
		return "no_data"
	case StatusFatal:
		return "fatal"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

type Sample struct {
	Temperature         float64 `json:"temperature"`
	FilteredTemperature float64 `json:"temperature_filtered"`
	ControlSignal       float64 `json:"control_signal"`
}

// StepResult is the outcome of one tick. Err is set only for StatusFatal
// and StatusNoData. SinkErr reports a telemetry failure that did not stop
// the loop.
type StepResult struct {
	Status  Status
	Time    time.Time
	Sample  Sample
	Params  params.Loop
	Err     error
	SinkErr error

	// controller diagnostics after the tick
	Integral      float64
	PreviousError float64
}

type Config struct {
	Plant   airheater.Config
	Initial params.Loop
	Limits  params.Limits
}

// Simulator owns the plant, controller and filter of one run. Step must be
// called from a single goroutine; Start, Stop, IsRunning and
// UpdateParameters are safe from any goroutine.
type Simulator struct {
	heater *airheater.Heater
	pi     *pictrl.PIController
	filter *lowpass.Filter
	limits params.Limits
	sink   telemetry.Sink
	now    func() time.Time

	params  atomic.Pointer[params.Loop]
	applied params.Loop

	running      atomic.Bool
	steps        atomic.Uint64
	sinkFailures atomic.Uint64
	last         atomic.Pointer[StepResult]

	log *logger.Logger
}

func New(c Config, sink telemetry.Sink) (*Simulator, error) {
	if err := c.Limits.Validate(c.Initial); err != nil {
		return nil, fmt.Errorf("initial parameters: %w", err)
	}

	plant := c.Plant
	plant.NoiseStd = c.Initial.NoiseStd
	heater, err := airheater.New(plant)
	if err != nil {
		return nil, err
	}
	pi, err := pictrl.NewPIController(c.Initial.Kp, c.Initial.Ti, plant.Ts)
	if err != nil {
		return nil, err
	}
	filter, err := lowpass.New(c.Initial.FilterTf, plant.Ts, plant.Tenv)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = telemetry.Multi{}
	}

	s := &Simulator{
		heater:  heater,
		pi:      pi,
		filter:  filter,
		limits:  c.Limits,
		sink:    sink,
		now:     time.Now,
		applied: c.Initial,
		log:     logger.New("Simulator"),
	}
	initial := c.Initial
	s.params.Store(&initial)
	return s, nil
}

func (s *Simulator) Start() {
	if !s.running.Swap(true) {
		s.log.Info("started")
	}
}

func (s *Simulator) Stop() {
	if s.running.Swap(false) {
		s.log.Info("stopped")
	}
}

func (s *Simulator) IsRunning() bool {
	return s.running.Load()
}

// UpdateParameters validates p and swaps it in as a whole. Controller
// integral and filter state carry over; the new values take effect on the
// next Step.
func (s *Simulator) UpdateParameters(p params.Loop) error {
	if err := s.limits.Validate(p); err != nil {
		return err
	}
	s.params.Store(&p)
	s.log.Debug("parameters: %+v", p)
	return nil
}

// RestoreParameters takes setpoint and gains from a stored record, keeping
// the current noise and filter settings.
func (s *Simulator) RestoreParameters(r telemetry.Record) error {
	p := s.Parameters()
	p.Setpoint, p.Kp, p.Ti = r.Setpoint, r.Kp, r.Ti
	if err := s.UpdateParameters(p); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	s.log.Info("restored setpoint=%.1f°C kp=%.2f ti=%.2f from %s", p.Setpoint, p.Kp, p.Ti, r.Time.Format(time.RFC3339))
	return nil
}

func (s *Simulator) Parameters() params.Loop {
	return *s.params.Load()
}

func (s *Simulator) Limits() params.Limits {
	return s.limits
}

// Last returns the most recent successful or fatal step.
func (s *Simulator) Last() (StepResult, bool) {
	r := s.last.Load()
	if r == nil {
		return StepResult{}, false
	}
	return *r, true
}

func (s *Simulator) Steps() uint64 {
	return s.steps.Load()
}

func (s *Simulator) SinkFailures() uint64 {
	return s.sinkFailures.Load()
}

// Step advances the loop by one sample.
//
// The controller acts on the noiseless plant state, not on the noisy or
// filtered measurement; the filter only shapes what is reported. Margins
// from the stability analyzer include the filter in the loop, so they are
// conservative with respect to what this loop actually runs.
func (s *Simulator) Step() StepResult {
	if !s.running.Load() {
		return StepResult{Status: StatusNoData, Err: ErrNoData}
	}

	p := *s.params.Load()
	if p != s.applied {
		if err := s.apply(p); err != nil {
			return s.fatal(p, err)
		}
	}

	pv := s.heater.Temperature()
	if !finite(pv) {
		return s.fatal(p, fmt.Errorf("%w: plant state %v", ErrNumericDivergence, pv))
	}

	control := s.pi.Update(p.Setpoint, pv)
	measured := s.heater.Update(control)
	filtered := s.filter.Update(measured)

	for name, v := range map[string]float64{
		"control signal":       control,
		"integral":             s.pi.Integral(),
		"plant state":          s.heater.Temperature(),
		"measured temperature": measured,
		"filtered temperature": filtered,
	} {
		if !finite(v) {
			return s.fatal(p, fmt.Errorf("%w: %s %v", ErrNumericDivergence, name, v))
		}
	}

	res := StepResult{
		Status: StatusOK,
		Time:   s.now(),
		Sample: Sample{
			Temperature:         measured,
			FilteredTemperature: filtered,
			ControlSignal:       control,
		},
		Params:        p,
		Integral:      s.pi.Integral(),
		PreviousError: s.pi.PreviousError(),
	}
	s.steps.Add(1)

	if err := s.sink.Record(telemetry.Record{
		Time:                res.Time,
		Temperature:         measured,
		FilteredTemperature: filtered,
		ControlSignal:       control,
		Setpoint:            p.Setpoint,
		Kp:                  p.Kp,
		Ti:                  p.Ti,
	}); err != nil {
		if !errors.Is(err, telemetry.ErrSinkFailure) {
			err = fmt.Errorf("%w: %w", telemetry.ErrSinkFailure, err)
		}
		res.SinkErr = err
		// one line per burst, not per tick
		if n := s.sinkFailures.Add(1); n == 1 || n%1000 == 0 {
			s.log.Error("telemetry (%d failures): %v", n, err)
		}
	}

	s.last.Store(&res)
	return res
}

func (s *Simulator) apply(p params.Loop) error {
	if p.Kp != s.applied.Kp || p.Ti != s.applied.Ti {
		if err := s.pi.SetGains(p.Kp, p.Ti); err != nil {
			return err
		}
	}
	if p.FilterTf != s.applied.FilterTf {
		if err := s.filter.SetTimeConstant(p.FilterTf); err != nil {
			return err
		}
	}
	if p.NoiseStd != s.applied.NoiseStd {
		s.heater.SetNoiseStd(p.NoiseStd)
	}
	s.applied = p
	return nil
}

func (s *Simulator) fatal(p params.Loop, err error) StepResult {
	s.running.Store(false)
	s.log.Error("stopping loop: %v", err)
	res := StepResult{Status: StatusFatal, Time: s.now(), Params: p, Err: err}
	s.last.Store(&res)
	return res
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
