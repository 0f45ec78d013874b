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
	"airheater/internal/events"
	"airheater/pkg/eventbus"
	"airheater/pkg/logger"
	"context"
	"sync/atomic"
	"time"
)

// Service drives a Simulator at a fixed period and publishes each tick on
// the event bus.
type Service struct {
	sim    *Simulator
	bus    *eventbus.Bus
	period time.Duration
	log    *logger.Logger

	wasRunning bool

	lastTick atomic.Int64 // ns
	maxTick  atomic.Int64 // ns
	overruns atomic.Int64
}

type Timing struct {
	Period   time.Duration `json:"period"`
	LastTick time.Duration `json:"last_tick"`
	MaxTick  time.Duration `json:"max_tick"`
	Overruns int64         `json:"overruns"`
	Steps    uint64        `json:"steps"`
}

func NewService(sim *Simulator, bus *eventbus.Bus, period time.Duration) *Service {
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	return &Service{
		sim:    sim,
		bus:    bus,
		period: period,
		log:    logger.New("Scheduler"),
	}
}

func (s *Service) Run(ctx context.Context) {
	s.log.Info("Running... (period %v)", s.period)
	defer s.log.Info("Stopped")
	defer s.sim.Stop()

	tick := time.NewTicker(s.period)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.tick()
		}
	}
}

func (s *Service) tick() {
	start := time.Now()
	res := s.sim.Step()
	s.observe(time.Since(start))

	running := s.sim.IsRunning()
	switch res.Status {
	case StatusOK:
		s.bus.Publish(events.TopicTelemetry, events.TelemetryUpdate{
			Time:                res.Time,
			Temperature:         res.Sample.Temperature,
			FilteredTemperature: res.Sample.FilteredTemperature,
			ControlSignal:       res.Sample.ControlSignal,
			Setpoint:            res.Params.Setpoint,
		})
	case StatusFatal:
		s.log.Error("loop halted: %v", res.Err)
		s.bus.Publish(events.TopicLoopState, events.LoopStateUpdate{
			Running: false,
			Reason:  res.Err.Error(),
			Time:    res.Time,
		})
		s.wasRunning = false
		return
	}

	if running != s.wasRunning {
		reason := "stopped"
		if running {
			reason = "started"
		}
		s.bus.Publish(events.TopicLoopState, events.LoopStateUpdate{
			Running: running,
			Reason:  reason,
			Time:    start,
		})
		s.wasRunning = running
	}
}

func (s *Service) observe(d time.Duration) {
	ns := int64(d)
	s.lastTick.Store(ns)
	for {
		cur := s.maxTick.Load()
		if ns <= cur || s.maxTick.CompareAndSwap(cur, ns) {
			break
		}
	}
	if d > s.period {
		s.overruns.Add(1)
	}
}

func (s *Service) Timing() Timing {
	return Timing{
		Period:   s.period,
		LastTick: time.Duration(s.lastTick.Load()),
		MaxTick:  time.Duration(s.maxTick.Load()),
		Overruns: s.overruns.Load(),
		Steps:    s.sim.Steps(),
	}
}
