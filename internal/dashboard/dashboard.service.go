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
	"airheater/internal/daq"
	"airheater/internal/events"
	"airheater/internal/params"
	"airheater/internal/simulator"
	"airheater/internal/stability"
	"airheater/internal/telemetry"
	"airheater/pkg/eventbus"
	"airheater/pkg/logger"
	"context"
	"net/http"
	"time"
)

// LogStore is the durable telemetry log, cleared and pruned along with
// the in-memory history.
type LogStore interface {
	Prune(maxAge time.Duration) (int, error)
	Clear() (int, error)
}

type Deps struct {
	Sim      *simulator.Simulator
	Analyzer *stability.Analyzer
	History  *telemetry.History
	Bus      *eventbus.Bus

	// optional
	Log    LogStore
	Device *daq.Device
	Timing func() simulator.Timing
}

// Dashboard serves the loop's control API and pushes live state to
// websocket clients.
type Dashboard struct {
	Deps

	broadcastInterval time.Duration
	clientQueue       chan WebAppRequest
	clients           *clientSync
	log               *logger.Logger

	// owned by Run
	live liveState

	httpHandler http.Handler
}

type WebAppRequest struct {
	Command string       `json:"command"` // broadcast | start | stop | params
	Params  *params.Loop `json:"params,omitempty"`
}

type liveState struct {
	Running   bool                    `json:"running"`
	Reason    string                  `json:"reason,omitempty"`
	Params    params.Loop             `json:"params"`
	Telemetry *events.TelemetryUpdate `json:"telemetry,omitempty"`
	Stability *stabilitySummary       `json:"stability,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

type stabilitySummary struct {
	stability.Result
	Acceptable bool `json:"acceptable"`
}

func New(deps Deps) *Dashboard {
	d := &Dashboard{
		Deps:              deps,
		broadcastInterval: 200 * time.Millisecond,
		clientQueue:       make(chan WebAppRequest, 8),
		clients:           newClientSync(),
		log:               logger.New("Dashboard"),
	}
	d.httpHandler = d.buildHTTPHandler()
	return d
}

func (d *Dashboard) WithBroadcastInterval(i time.Duration) *Dashboard {
	d.broadcastInterval = i
	return d
}

func (d *Dashboard) Run(ctx context.Context) {
	d.log.Info("Running...")
	defer d.log.Info("Stopped")
	defer d.clients.closeAll()

	telemetryCh, _ := d.Bus.Subscribe(ctx, events.TopicTelemetry, true)
	stateCh, _ := d.Bus.Subscribe(ctx, events.TopicLoopState, true)
	paramsCh, _ := d.Bus.Subscribe(ctx, events.TopicParameters, false)

	tick := time.NewTicker(d.broadcastInterval)
	defer tick.Stop()

	dirty := true
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-telemetryCh:
			if !ok {
				return
			}
			u := ev.(events.TelemetryUpdate)
			d.live.Telemetry = &u
			dirty = true

		case ev, ok := <-stateCh:
			if !ok {
				return
			}
			d.live.Reason = ev.(events.LoopStateUpdate).Reason
			dirty = true

		case _, ok := <-paramsCh:
			if !ok {
				return
			}
			d.live.Stability = nil
			dirty = true

		case req := <-d.clientQueue:
			d.log.Debug("msg from client: %+v", req)
			d.handleClientRequest(req)
			dirty = true

		case <-tick.C:
			if !dirty || d.clients.len() == 0 {
				continue
			}
			d.broadcast()
			dirty = false
		}
	}
}

func (d *Dashboard) handleClientRequest(req WebAppRequest) {
	d.live.Error = ""
	switch req.Command {
	case "broadcast":
	case "start":
		d.Sim.Start()
	case "stop":
		d.Sim.Stop()
	case "params":
		if req.Params == nil {
			d.live.Error = "params: missing body"
			return
		}
		if err := d.updateParameters(*req.Params); err != nil {
			d.live.Error = err.Error()
		}
	default:
		d.live.Error = "unknown command: " + req.Command
	}
}

func (d *Dashboard) updateParameters(p params.Loop) error {
	if err := d.Sim.UpdateParameters(p); err != nil {
		return err
	}
	d.Bus.Publish(events.TopicParameters, events.ParametersUpdate{Params: p})
	return nil
}

func (d *Dashboard) broadcast() {
	p := d.Sim.Parameters()
	d.live.Running = d.Sim.IsRunning()
	if d.live.Stability == nil || d.live.Params != p {
		d.live.Stability = d.summarize(p)
	}
	d.live.Params = p
	d.clients.broadcast(d.live, d.log)
}

// summarize returns nil when the margins cannot be computed.
func (d *Dashboard) summarize(p params.Loop) *stabilitySummary {
	r, err := d.Analyzer.Analyze(p.Kp, p.Ti, p.FilterTf)
	if err != nil {
		d.log.Debug("stability: %v", err)
		return nil
	}
	return &stabilitySummary{Result: r, Acceptable: r.Acceptable()}
}

func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.httpHandler.ServeHTTP(w, r)
}
