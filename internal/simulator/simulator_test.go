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
	"airheater/internal/events"
	"airheater/internal/params"
	"airheater/internal/telemetry"
	"airheater/pkg/eventbus"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	records []telemetry.Record
	err     error
}

func (r *recordingSink) Record(rec telemetry.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func defaultParams() params.Loop {
	return params.Loop{Setpoint: 25, Kp: 2, Ti: 7.5, NoiseStd: 0.05, FilterTf: 0.5}
}

func newTestSimulator(t *testing.T, sink telemetry.Sink) *Simulator {
	t.Helper()
	sim, err := New(Config{
		Plant:   airheater.DefaultConfig(),
		Initial: defaultParams(),
		Limits:  params.DefaultLimits(),
	}, sink)
	require.NoError(t, err)
	return sim
}

func TestStep_StoppedReturnsNoDataWithoutMutation(t *testing.T) {
	sink := &recordingSink{}
	sim := newTestSimulator(t, sink)

	before := sim.heater.Temperature()
	res := sim.Step()
	assert.Equal(t, StatusNoData, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoData)
	assert.Equal(t, before, sim.heater.Temperature())
	assert.Equal(t, 0.0, sim.pi.Integral())
	assert.Equal(t, sim.heater.Ambient(), sim.filter.Value())
	assert.Zero(t, sink.Len())
	assert.Zero(t, sim.Steps())
}

func TestLifecycle_ResumesWhereItLeftOff(t *testing.T) {
	sim := newTestSimulator(t, nil)
	sim.Start()
	sim.Start() // idempotent
	for range 50 {
		require.Equal(t, StatusOK, sim.Step().Status)
	}

	sim.Stop()
	sim.Stop()
	temp, integral, filtered := sim.heater.Temperature(), sim.pi.Integral(), sim.filter.Value()
	for range 10 {
		assert.Equal(t, StatusNoData, sim.Step().Status)
	}
	assert.Equal(t, temp, sim.heater.Temperature())
	assert.Equal(t, integral, sim.pi.Integral())
	assert.Equal(t, filtered, sim.filter.Value())

	sim.Start()
	res := sim.Step()
	require.Equal(t, StatusOK, res.Status)
	assert.NotEqual(t, temp, sim.heater.Temperature())
	assert.Equal(t, uint64(51), sim.Steps())
}

func TestStep_ControllerSeesNoiselessState(t *testing.T) {
	p := defaultParams()
	p.NoiseStd = 1
	sim := newTestSimulator(t, nil)
	require.NoError(t, sim.UpdateParameters(p))
	sim.Start()

	for range 100 {
		pv := sim.heater.Temperature()
		wantErr := p.Setpoint - pv
		res := sim.Step()
		require.Equal(t, StatusOK, res.Status)
		assert.Equal(t, wantErr, res.PreviousError)
	}
}

func TestStep_EmitsTelemetryAndStaysInRange(t *testing.T) {
	sink := &recordingSink{}
	sim := newTestSimulator(t, sink)
	sim.Start()

	for range 3000 {
		res := sim.Step()
		require.Equal(t, StatusOK, res.Status)
		require.GreaterOrEqual(t, res.Sample.ControlSignal, 0.0)
		require.LessOrEqual(t, res.Sample.ControlSignal, 5.0)
	}
	require.Equal(t, 3000, sink.Len())

	last := sink.records[len(sink.records)-1]
	assert.Equal(t, 25.0, last.Setpoint)
	assert.Equal(t, 2.0, last.Kp)
	assert.Equal(t, 7.5, last.Ti)

	// 300 s of simulated time: the loop should have settled near setpoint
	assert.InDelta(t, 25, sim.heater.Temperature(), 0.5)
}

func TestUpdateParameters_ValidatesAndKeepsState(t *testing.T) {
	sim := newTestSimulator(t, nil)
	sim.Start()
	for range 100 {
		sim.Step()
	}
	integral, filtered := sim.pi.Integral(), sim.filter.Value()

	bad := defaultParams()
	bad.Ti = 0
	assert.ErrorIs(t, sim.UpdateParameters(bad), params.ErrInvalidParameter)
	assert.Equal(t, defaultParams(), sim.Parameters())

	next := defaultParams()
	next.Kp, next.Ti, next.FilterTf, next.NoiseStd = 1.5, 10, 1.9, 0
	require.NoError(t, sim.UpdateParameters(next))

	// nothing is applied until the next tick
	assert.Equal(t, integral, sim.pi.Integral())
	assert.Equal(t, filtered, sim.filter.Value())
	assert.InDelta(t, 0.1/0.6, sim.filter.Alpha(), 1e-15)

	res := sim.Step()
	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, next, res.Params)
	assert.Equal(t, 1.5, sim.pi.Kp)
	assert.Equal(t, 10.0, sim.pi.Ti)
	assert.InDelta(t, 0.1/2.0, sim.filter.Alpha(), 1e-15)
	assert.Equal(t, 0.0, sim.heater.NoiseStd())
	// integral carried over and advanced by one step
	assert.InDelta(t, integral+0.1*res.PreviousError, sim.pi.Integral(), 1e-12)
}

func TestStep_SinkFailureDoesNotStopLoop(t *testing.T) {
	boom := errors.New("disk full")
	sink := &recordingSink{err: boom}
	sim := newTestSimulator(t, sink)
	sim.Start()

	for range 5 {
		res := sim.Step()
		assert.Equal(t, StatusOK, res.Status)
		assert.ErrorIs(t, res.SinkErr, telemetry.ErrSinkFailure)
		assert.ErrorIs(t, res.SinkErr, boom)
	}
	assert.True(t, sim.IsRunning())
	assert.Equal(t, uint64(5), sim.SinkFailures())
}

func TestStep_DivergenceStopsLoop(t *testing.T) {
	plant := airheater.DefaultConfig()
	plant.ThetaT = 0.001 // Ts/θt = 100, explicit Euler blows up
	sink := &recordingSink{}
	sim, err := New(Config{Plant: plant, Initial: defaultParams(), Limits: params.DefaultLimits()}, sink)
	require.NoError(t, err)
	sim.Start()

	var res StepResult
	for range 10_000 {
		res = sim.Step()
		if res.Status != StatusOK {
			break
		}
		require.False(t, math.IsInf(res.Sample.Temperature, 0) || math.IsNaN(res.Sample.Temperature))
	}
	require.Equal(t, StatusFatal, res.Status)
	assert.ErrorIs(t, res.Err, ErrNumericDivergence)
	assert.False(t, sim.IsRunning())

	// no garbage telemetry: every emitted record is finite
	for _, r := range sink.records {
		assert.False(t, math.IsInf(r.Temperature, 0) || math.IsNaN(r.Temperature))
	}
	assert.Equal(t, StatusNoData, sim.Step().Status)

	last, ok := sim.Last()
	require.True(t, ok)
	assert.Equal(t, StatusFatal, last.Status)
}

func TestNew_RejectsInvalidInitialParameters(t *testing.T) {
	p := defaultParams()
	p.Kp = -1
	_, err := New(Config{Plant: airheater.DefaultConfig(), Initial: p, Limits: params.DefaultLimits()}, nil)
	assert.ErrorIs(t, err, params.ErrInvalidParameter)
}

func TestRestoreParameters(t *testing.T) {
	sim := newTestSimulator(t, nil)
	err := sim.RestoreParameters(telemetry.Record{Setpoint: 30, Kp: 1.5, Ti: 9})
	require.NoError(t, err)
	p := sim.Parameters()
	assert.Equal(t, 30.0, p.Setpoint)
	assert.Equal(t, 1.5, p.Kp)
	assert.Equal(t, 9.0, p.Ti)
	assert.Equal(t, 0.5, p.FilterTf)

	err = sim.RestoreParameters(telemetry.Record{Setpoint: 30, Kp: 1.5, Ti: 0})
	assert.ErrorIs(t, err, params.ErrInvalidParameter)
	assert.Equal(t, 9.0, sim.Parameters().Ti)
}

func TestConcurrentParameterUpdates(t *testing.T) {
	sim := newTestSimulator(t, nil)
	sim.Start()

	a := defaultParams()
	b := params.Loop{Setpoint: 40, Kp: 4, Ti: 15, NoiseStd: 0.2, FilterTf: 1.5}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() {
		for i := 0; ctx.Err() == nil; i++ {
			if i%2 == 0 {
				sim.UpdateParameters(a)
			} else {
				sim.UpdateParameters(b)
			}
		}
	})

	for range 2000 {
		res := sim.Step()
		require.Equal(t, StatusOK, res.Status)
		// a tick always sees one whole parameter set
		require.True(t, res.Params == a || res.Params == b, "torn parameters: %+v", res.Params)
	}
	cancel()
	wg.Wait()
}

func TestService_PublishesTelemetryAndStateChanges(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	sim := newTestSimulator(t, nil)
	svc := NewService(sim, bus, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetryCh, _ := bus.Subscribe(ctx, events.TopicTelemetry, false)
	stateCh, _ := bus.Subscribe(ctx, events.TopicLoopState, false)

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	sim.Start()
	select {
	case ev := <-stateCh:
		assert.True(t, ev.(events.LoopStateUpdate).Running)
	case <-time.After(time.Second):
		t.Fatal("no loop state event")
	}
	select {
	case ev := <-telemetryCh:
		assert.Equal(t, 25.0, ev.(events.TelemetryUpdate).Setpoint)
	case <-time.After(time.Second):
		t.Fatal("no telemetry event")
	}

	cancel()
	<-done
	assert.False(t, sim.IsRunning())
	assert.Positive(t, svc.Timing().Steps)
}

func TestStep_StalledLogDoesNotBlockLoop(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stalled := telemetry.NewAsync("csv", telemetry.SinkFunc(func(telemetry.Record) error {
		<-release
		return nil
	}), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stalled.Run(ctx)

	history := telemetry.NewHistory(1000)
	sim := newTestSimulator(t, telemetry.Multi{history, stalled})
	sim.Start()

	start := time.Now()
	var failures int
	for range 200 {
		res := sim.Step()
		require.Equal(t, StatusOK, res.Status)
		if res.SinkErr != nil {
			failures++
			assert.ErrorIs(t, res.SinkErr, telemetry.ErrSinkFailure)
			assert.Equal(t, 1, strings.Count(res.SinkErr.Error(), telemetry.ErrSinkFailure.Error()))
		}
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, failures)
	assert.Equal(t, 200, history.Len())
	assert.True(t, sim.IsRunning())
}
