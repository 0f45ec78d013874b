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
	"airheater/internal/params"
	"airheater/internal/simulator"
	"airheater/internal/stability"
	"airheater/internal/telemetry"
	"airheater/pkg/logger"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = time.Second

type clientSync struct {
	clients map[*websocket.Conn]bool
	mutex   sync.Mutex
}

func newClientSync() *clientSync {
	return &clientSync{clients: make(map[*websocket.Conn]bool)}
}

func (c *clientSync) broadcast(msg any, log *logger.Logger) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to marshal broadcast: %v", err)
		return
	}
	pm, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		log.Error("failed to prepare message: %v", err)
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for ws := range c.clients {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WritePreparedMessage(pm); err != nil {
			log.Error("failed to write message: %v", err)
			ws.Close()
			delete(c.clients, ws)
		}
	}
}

func (c *clientSync) add(ws *websocket.Conn) {
	c.mutex.Lock()
	c.clients[ws] = true
	c.mutex.Unlock()
}

func (c *clientSync) remove(ws *websocket.Conn) {
	c.mutex.Lock()
	delete(c.clients, ws)
	c.mutex.Unlock()
}

func (c *clientSync) len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.clients)
}

func (c *clientSync) closeAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for ws := range c.clients {
		ws.Close()
		delete(c.clients, ws)
	}
}

func (d *Dashboard) buildHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", d.serveStatus)
	mux.HandleFunc("POST /start", d.serveStart)
	mux.HandleFunc("POST /stop", d.serveStop)
	mux.HandleFunc("GET /params", d.serveParams)
	mux.HandleFunc("POST /params", d.serveUpdateParams)
	mux.HandleFunc("GET /stability", d.serveStability)
	mux.HandleFunc("GET /bode", d.serveBode)
	mux.HandleFunc("GET /bode.png", d.serveBodePNG)
	mux.HandleFunc("GET /history", d.serveHistory)
	mux.HandleFunc("GET /stats", d.serveStats)
	mux.HandleFunc("GET /export.csv", d.serveExport)
	mux.HandleFunc("POST /clear", d.serveClear)
	mux.HandleFunc("POST /cleanup", d.serveCleanup)
	mux.HandleFunc("GET /mode", d.serveMode)
	mux.HandleFunc("POST /mode", d.serveSwitchMode)
	mux.HandleFunc("GET /ws", d.serveWebSockets())
	return mux
}

type statusResponse struct {
	Running      bool              `json:"running"`
	Status       string            `json:"status"`
	Params       params.Loop       `json:"params"`
	Limits       params.Limits     `json:"limits"`
	Latest       *simulator.Sample `json:"latest,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Steps        uint64            `json:"steps"`
	SinkFailures uint64            `json:"sink_failures"`
	Stability    *stabilitySummary `json:"stability,omitempty"`
	Timing       *simulator.Timing `json:"timing,omitempty"`
	DAQ          *daq.Status       `json:"daq,omitempty"`
}

func (d *Dashboard) serveStatus(w http.ResponseWriter, r *http.Request) {
	p := d.Sim.Parameters()
	resp := statusResponse{
		Running:      d.Sim.IsRunning(),
		Status:       simulator.StatusNoData.String(),
		Params:       p,
		Limits:       d.Sim.Limits(),
		Steps:        d.Sim.Steps(),
		SinkFailures: d.Sim.SinkFailures(),
		Stability:    d.summarize(p),
	}
	if last, ok := d.Sim.Last(); ok {
		resp.Status = last.Status.String()
		if last.Status == simulator.StatusOK {
			resp.Latest = &last.Sample
		}
		if last.Err != nil {
			resp.LastError = last.Err.Error()
		}
	}
	if d.Timing != nil {
		t := d.Timing()
		resp.Timing = &t
	}
	if d.Device != nil {
		s := d.Device.Status()
		resp.DAQ = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) serveStart(w http.ResponseWriter, r *http.Request) {
	d.Sim.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": d.Sim.IsRunning()})
}

func (d *Dashboard) serveStop(w http.ResponseWriter, r *http.Request) {
	d.Sim.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": d.Sim.IsRunning()})
}

func (d *Dashboard) serveParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Sim.Parameters())
}

// serveUpdateParams accepts a partial parameter set; fields not present in
// the body keep their current values.
func (d *Dashboard) serveUpdateParams(w http.ResponseWriter, r *http.Request) {
	p := d.Sim.Parameters()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := d.updateParameters(p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// loopQuery reads kp, ti and tf from the query, defaulting to the running
// parameters so a UI can preview margins before applying a change.
func (d *Dashboard) loopQuery(r *http.Request) (kp, ti, tf float64, err error) {
	p := d.Sim.Parameters()
	if kp, err = queryFloat(r, "kp", p.Kp); err != nil {
		return
	}
	if ti, err = queryFloat(r, "ti", p.Ti); err != nil {
		return
	}
	tf, err = queryFloat(r, "tf", p.FilterTf)
	return
}

type stabilityResponse struct {
	stability.Result
	Acceptable      bool         `json:"acceptable"`
	ClosedLoopPoles [][2]float64 `json:"closed_loop_poles"` // [re, im]
}

func (d *Dashboard) serveStability(w http.ResponseWriter, r *http.Request) {
	kp, ti, tf, err := d.loopQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := d.Analyzer.Analyze(kp, ti, tf)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	poles, err := d.Analyzer.ClosedLoopPoles(kp, ti, tf)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := stabilityResponse{
		Result:          res,
		Acceptable:      res.Acceptable(),
		ClosedLoopPoles: make([][2]float64, len(poles)),
	}
	for i, p := range poles {
		resp.ClosedLoopPoles[i] = [2]float64{real(p), imag(p)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) bode(r *http.Request) (stability.Bode, error) {
	kp, ti, tf, err := d.loopQuery(r)
	if err != nil {
		return stability.Bode{}, fmt.Errorf("%w: %w", params.ErrInvalidParameter, err)
	}
	var freqs []float64
	if q := r.URL.Query(); q.Has("points") {
		n, err := strconv.Atoi(q.Get("points"))
		if err != nil || n < 2 || n > 10_000 {
			return stability.Bode{}, fmt.Errorf("%w: points must be in [2, 10000]", params.ErrInvalidParameter)
		}
		freqs = stability.LogSpace(-3, 2, n)
	}
	return d.Analyzer.Bode(kp, ti, tf, freqs)
}

func (d *Dashboard) serveBode(w http.ResponseWriter, r *http.Request) {
	b, err := d.bode(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (d *Dashboard) serveBodePNG(w http.ResponseWriter, r *http.Request) {
	b, err := d.bode(r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var buf bytes.Buffer
	if err := b.WritePNG(&buf, 8, 6); err != nil {
		d.log.Error("bode.png: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

func (d *Dashboard) serveHistory(w http.ResponseWriter, r *http.Request) {
	minutes, err := queryFloat(r, "minutes", 10)
	if err != nil || minutes <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("minutes must be > 0"))
		return
	}
	records := d.History.Recent(time.Duration(minutes * float64(time.Minute)))
	if records == nil {
		records = []telemetry.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (d *Dashboard) serveStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.History.Stats())
}

func (d *Dashboard) serveExport(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("airheater_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := telemetry.WriteCSV(w, d.History.All()); err != nil {
		d.log.Error("export: %v", err)
	}
}

func (d *Dashboard) serveClear(w http.ResponseWriter, r *http.Request) {
	n := d.History.Clear()
	d.log.Info("cleared %d records", n)
	resp := map[string]int{"removed": n}
	if d.Log != nil {
		m, err := d.Log.Clear()
		if err != nil {
			d.log.Error("clear log: %v", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["log_removed"] = m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) serveCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := queryFloat(r, "days", 30)
	if err != nil || days < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("days must be >= 0"))
		return
	}
	maxAge := time.Duration(days * 24 * float64(time.Hour))
	n := d.History.Prune(maxAge)
	d.log.Info("removed %d records older than %g days", n, days)
	resp := map[string]int{"removed": n}
	if d.Log != nil {
		m, err := d.Log.Prune(maxAge)
		if err != nil {
			d.log.Error("prune log: %v", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["log_removed"] = m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) serveMode(w http.ResponseWriter, r *http.Request) {
	if d.Device == nil {
		writeError(w, http.StatusNotFound, daq.ErrNotConnected)
		return
	}
	writeJSON(w, http.StatusOK, d.Device.Status())
}

func (d *Dashboard) serveSwitchMode(w http.ResponseWriter, r *http.Request) {
	if d.Device == nil {
		writeError(w, http.StatusNotFound, daq.ErrNotConnected)
		return
	}
	var req struct {
		Mode daq.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := d.Device.SwitchMode(r.Context(), req.Mode); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d.Device.Status())
}

func (d *Dashboard) serveWebSockets() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			d.log.Debug("checking origin: %s", origin)
			if origin == "" {
				return false
			}
			if strings.Contains(origin, "localhost") {
				return true
			}
			return strings.Contains(origin, r.Host)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.log.Error("failed to upgrade websocket: %v", err)
			return
		}
		d.clients.add(ws)
		defer func() {
			d.clients.remove(ws)
			ws.Close()
		}()

		select {
		case d.clientQueue <- WebAppRequest{Command: "broadcast"}:
		default:
		}

		for {
			var req WebAppRequest
			if err := ws.ReadJSON(&req); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					d.log.Debug("ws ReadJSON: %v", err)
				}
				return
			}
			select {
			case d.clientQueue <- req:
			default:
				d.log.Debug("clientQueue is full; dropping client message")
			}
		}
	}
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, params.ErrInvalidParameter), errors.Is(err, daq.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, stability.ErrAnalysisFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, daq.ErrNotConnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
