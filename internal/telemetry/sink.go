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

package telemetry

import (
	"airheater/pkg/logger"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var ErrSinkFailure = errors.New("telemetry sink failure")

// Record is one tick of loop telemetry together with the parameters that
// produced it.
type Record struct {
	Time                time.Time `json:"time"`
	Temperature         float64   `json:"temperature"`
	FilteredTemperature float64   `json:"temperature_filtered"`
	ControlSignal       float64   `json:"control_signal"`
	Setpoint            float64   `json:"setpoint"`
	Kp                  float64   `json:"kp"`
	Ti                  float64   `json:"ti"`
}

type Sink interface {
	Record(r Record) error
}

type SinkFunc func(r Record) error

func (f SinkFunc) Record(r Record) error { return f(r) }

// Multi fans a record out to every sink. All sinks are tried; failures are
// joined and wrapped with ErrSinkFailure unless a sink already did.
type Multi []Sink

func (m Multi) Record(r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	if errors.Is(err, ErrSinkFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSinkFailure, err)
}

// Async decouples a slow sink from the control loop. Record never blocks:
// when the queue is full the record is dropped and reported. Run drains
// the queue into the wrapped sink until ctx is cancelled.
type Async struct {
	name  string
	sink  Sink
	queue chan Record
	log   *logger.Logger

	dropped atomic.Int64
	failed  atomic.Int64
}

func NewAsync(name string, sink Sink, depth int) *Async {
	if depth < 1 {
		depth = 1
	}
	return &Async{
		name:  name,
		sink:  sink,
		queue: make(chan Record, depth),
		log:   logger.New("Telemetry/" + name),
	}
}

func (a *Async) Name() string { return a.name }

func (a *Async) Record(r Record) error {
	select {
	case a.queue <- r:
		return nil
	default:
		n := a.dropped.Add(1)
		return fmt.Errorf("%w: %s queue full (%d dropped)", ErrSinkFailure, a.name, n)
	}
}

func (a *Async) Run(ctx context.Context) {
	a.log.Info("Running...")
	defer a.log.Info("Stopped")

	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case r := <-a.queue:
			a.write(r)
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case r := <-a.queue:
			a.write(r)
		default:
			return
		}
	}
}

func (a *Async) write(r Record) {
	if err := a.sink.Record(r); err != nil {
		a.failed.Add(1)
		a.log.Error("record: %v", err)
	}
}

// Stats returns the number of dropped and failed records.
func (a *Async) Stats() (dropped, failed int64) {
	return a.dropped.Load(), a.failed.Load()
}
