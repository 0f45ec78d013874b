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

package dashboard

import (
	"airheater/internal/airheater"
	"airheater/internal/daq"
	"airheater/internal/events"
	"airheater/internal/params"
	"airheater/internal/simulator"
	"airheater/internal/stability"
	"airheater/internal/telemetry"
	"airheater/pkg/eventbus"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDashboard(t *testing.T) *Dashboard {
	t.Helper()
	history := telemetry.NewHistory(10_000)
	sim, err := simulator.New(simulator.Config{
		Plant:   airheater.DefaultConfig(),
		Initial: params.Loop{Setpoint: 25, Kp: 2, Ti: 7.5, NoiseStd: 0.05, FilterTf: 0.5},
		Limits:  params.DefaultLimits(),
	}, history)
	require.NoError(t, err)
	analyzer, err := stability.NewAnalyzer(3.5, 22, 2)
	require.NoError(t, err)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	return New(Deps{Sim: sim, Analyzer: analyzer, History: history, Bus: bus})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatusStartStop(t *testing.T) {
	d := newTestDashboard(t)

	rec := do(t, d, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusResponse](t, rec)
	assert.False(t, st.Running)
	assert.Equal(t, "no_data", st.Status)
	assert.Equal(t, 25.0, st.Params.Setpoint)
	require.NotNil(t, st.Stability)
	assert.False(t, st.Stability.Acceptable)
	assert.Nil(t, st.Latest)

	rec = do(t, d, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, d.Sim.IsRunning())
	for range 10 {
		d.Sim.Step()
	}

	st = decode[statusResponse](t, do(t, d, http.MethodGet, "/", ""))
	assert.True(t, st.Running)
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, uint64(10), st.Steps)
	require.NotNil(t, st.Latest)

	do(t, d, http.MethodPost, "/stop", "")
	assert.False(t, d.Sim.IsRunning())

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, d, http.MethodGet, "/start", "").Code)
}

func TestUpdateParams(t *testing.T) {
	d := newTestDashboard(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, _ := d.Bus.Subscribe(ctx, events.TopicParameters, false)

	rec := do(t, d, http.MethodPost, "/params", `{"kp": 1.5, "ti": 10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[params.Loop](t, rec)
	assert.Equal(t, params.Loop{Setpoint: 25, Kp: 1.5, Ti: 10, NoiseStd: 0.05, FilterTf: 0.5}, p)
	assert.Equal(t, p, d.Sim.Parameters())

	select {
	case ev := <-updates:
		assert.Equal(t, p, ev.(events.ParametersUpdate).Params)
	case <-time.After(time.Second):
		t.Fatal("no parameters event")
	}

	rec = do(t, d, http.MethodPost, "/params", `{"ti": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "ti")
	assert.Equal(t, p, d.Sim.Parameters())

	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodPost, "/params", `{"gain": 3}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodPost, "/params", `{`).Code)

	got := decode[params.Loop](t, do(t, d, http.MethodGet, "/params", ""))
	assert.Equal(t, p, got)
}

func TestStability(t *testing.T) {
	d := newTestDashboard(t)

	rec := do(t, d, http.MethodGet, "/stability", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, key := range []string{"gain_margin", "gain_margin_db", "phase_margin", "critical_gain", "crossover_freq", "w180", "acceptable", "closed_loop_poles"} {
		assert.Contains(t, body, key)
	}
	assert.Equal(t, true, body["stable"])
	assert.Len(t, body["closed_loop_poles"], 6)

	// preview a gain past the critical gain
	rec = do(t, d, http.MethodGet, "/stability?kp=4.5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[stabilityResponse](t, rec)
	assert.False(t, res.Stable)
	assert.Less(t, res.GainMarginDb, 0.0)

	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodGet, "/stability?ti=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodGet, "/stability?kp=abc", "").Code)
}

func TestBode(t *testing.T) {
	d := newTestDashboard(t)

	b := decode[stability.Bode](t, do(t, d, http.MethodGet, "/bode", ""))
	assert.Len(t, b.Frequencies, 1000)
	assert.Len(t, b.MagnitudeDb, 1000)

	b = decode[stability.Bode](t, do(t, d, http.MethodGet, "/bode?points=50&tf=1", ""))
	assert.Len(t, b.PhaseDeg, 50)
	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodGet, "/bode?points=1", "").Code)

	rec := do(t, d, http.MethodGet, "/bode.png?points=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))
}

func TestHistoryEndpoints(t *testing.T) {
	d := newTestDashboard(t)
	d.Sim.Start()
	for range 20 {
		d.Sim.Step()
	}

	records := decode[[]telemetry.Record](t, do(t, d, http.MethodGet, "/history?minutes=5", ""))
	assert.Len(t, records, 20)

	st := decode[telemetry.Stats](t, do(t, d, http.MethodGet, "/stats", ""))
	assert.Equal(t, 20, st.TotalRecords)

	rec := do(t, d, http.MethodGet, "/export.csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, 21, strings.Count(rec.Body.String(), "\n"))

	// nothing is 30 days old yet
	assert.Equal(t, 0, decode[map[string]int](t, do(t, d, http.MethodPost, "/cleanup?days=30", ""))["removed"])
	assert.Equal(t, 20, decode[map[string]int](t, do(t, d, http.MethodPost, "/cleanup?days=0", ""))["removed"])
	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodPost, "/cleanup?days=-1", "").Code)

	d.Sim.Step()
	assert.Equal(t, 1, decode[map[string]int](t, do(t, d, http.MethodPost, "/clear", ""))["removed"])
	assert.Equal(t, "[]\n", do(t, d, http.MethodGet, "/history", "").Body.String())
	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodGet, "/history?minutes=0", "").Code)
}

type nopRegisters struct{}

func (nopRegisters) ReadFloat(string) (float64, error) { return 3, nil }
func (nopRegisters) WriteFloat(string, float64) error  { return nil }
func (nopRegisters) Close()                            {}

func TestMode(t *testing.T) {
	d := newTestDashboard(t)
	assert.Equal(t, http.StatusNotFound, do(t, d, http.MethodGet, "/mode", "").Code)

	d.Device = daq.New(func(context.Context) (daq.Registers, error) { return nopRegisters{}, nil })
	st := decode[daq.Status](t, do(t, d, http.MethodGet, "/mode", ""))
	assert.Equal(t, daq.ModeSimulator, st.Mode)

	st = decode[daq.Status](t, do(t, d, http.MethodPost, "/mode", `{"mode": "hardware"}`))
	assert.Equal(t, daq.ModeHardware, st.Mode)
	assert.True(t, st.HardwareConnected)

	assert.Equal(t, http.StatusBadRequest, do(t, d, http.MethodPost, "/mode", `{"mode": "turbo"}`).Code)

	status := decode[statusResponse](t, do(t, d, http.MethodGet, "/", ""))
	require.NotNil(t, status.DAQ)
	assert.Equal(t, daq.ModeHardware, status.DAQ.Mode)
}

func TestWebSocket_BroadcastsAndAcceptsCommands(t *testing.T) {
	d := newTestDashboard(t).WithBroadcastInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	srv := httptest.NewServer(d)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://localhost"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer ws.Close()

	// waitFor reads broadcasts until one satisfies cond
	waitFor := func(cond func(liveState) bool) liveState {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			var msg liveState
			require.NoError(t, ws.ReadJSON(&msg))
			if cond(msg) {
				return msg
			}
		}
	}

	first := waitFor(func(liveState) bool { return true })
	assert.False(t, first.Running)
	assert.Equal(t, 2.0, first.Params.Kp)
	require.NotNil(t, first.Stability)

	require.NoError(t, ws.WriteJSON(WebAppRequest{Command: "start"}))
	waitFor(func(s liveState) bool { return s.Running })

	d.Bus.Publish(events.TopicTelemetry, events.TelemetryUpdate{Temperature: 23.5, Setpoint: 25})
	msg := waitFor(func(s liveState) bool { return s.Telemetry != nil })
	assert.Equal(t, 23.5, msg.Telemetry.Temperature)

	next := params.Loop{Setpoint: 30, Kp: 1, Ti: 12, NoiseStd: 0, FilterTf: 1}
	require.NoError(t, ws.WriteJSON(WebAppRequest{Command: "params", Params: &next}))
	msg = waitFor(func(s liveState) bool { return s.Params == next })
	require.NotNil(t, msg.Stability)
	assert.Empty(t, msg.Error)

	bad := next
	bad.Kp = -1
	require.NoError(t, ws.WriteJSON(WebAppRequest{Command: "params", Params: &bad}))
	msg = waitFor(func(s liveState) bool { return s.Error != "" })
	assert.Contains(t, msg.Error, "kp")
	assert.Equal(t, next, d.Sim.Parameters())
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	d := newTestDashboard(t)
	srv := httptest.NewServer(d)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClearAndCleanup_ReachTheDurableLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airheater.csv")
	csvLog, err := telemetry.OpenCSV(path)
	require.NoError(t, err)
	t.Cleanup(func() { csvLog.Close() })

	history := telemetry.NewHistory(10_000)
	sim, err := simulator.New(simulator.Config{
		Plant:   airheater.DefaultConfig(),
		Initial: params.Loop{Setpoint: 25, Kp: 2, Ti: 7.5, NoiseStd: 0.05, FilterTf: 0.5},
		Limits:  params.DefaultLimits(),
	}, telemetry.Multi{history, csvLog})
	require.NoError(t, err)
	analyzer, err := stability.NewAnalyzer(3.5, 22, 2)
	require.NoError(t, err)
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	d := New(Deps{Sim: sim, Analyzer: analyzer, History: history, Log: csvLog, Bus: bus})

	sim.Start()
	for range 20 {
		sim.Step()
	}

	resp := decode[map[string]int](t, do(t, d, http.MethodPost, "/cleanup?days=30", ""))
	assert.Equal(t, 0, resp["log_removed"])
	last, ok, err := telemetry.ReadLatest(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 25.0, last.Setpoint)

	resp = decode[map[string]int](t, do(t, d, http.MethodPost, "/clear", ""))
	assert.Equal(t, 20, resp["removed"])
	assert.Equal(t, 20, resp["log_removed"])

	// nothing left to restore parameters from
	_, ok, err = telemetry.ReadLatest(path)
	require.NoError(t, err)
	assert.False(t, ok)
}
