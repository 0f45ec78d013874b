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
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// History keeps the most recent records in memory, oldest first. It backs
// the dashboard trend view, statistics and CSV export.
type History struct {
	mu      sync.RWMutex
	records []Record
	limit   int
	now     func() time.Time
}

type Stats struct {
	TotalRecords      int       `json:"total_records"`
	FirstRecord       time.Time `json:"first_record"`
	LastRecord        time.Time `json:"last_record"`
	AvgTemperature    float64   `json:"avg_temperature"`
	MinTemperature    float64   `json:"min_temperature"`
	MaxTemperature    float64   `json:"max_temperature"`
	AvgControlSignal  float64   `json:"avg_control_signal"`
	AvgTrackingError  float64   `json:"avg_tracking_error"`
	StdDevTemperature float64   `json:"stddev_temperature"`
}

func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit, now: time.Now}
}

func (h *History) Record(r Record) error {
	if r.Time.IsZero() {
		r.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) >= h.limit {
		// drop the oldest tenth in one go
		drop := max(h.limit/10, 1)
		h.records = append(h.records[:0], h.records[drop:]...)
	}
	h.records = append(h.records, r)
	return nil
}

func (h *History) Latest() (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return Record{}, false
	}
	return h.records[len(h.records)-1], true
}

// Recent returns the records newer than window, oldest first.
func (h *History) Recent(window time.Duration) []Record {
	cutoff := h.now().Add(-window)
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := h.firstAfter(cutoff)
	out := make([]Record, len(h.records)-i)
	copy(out, h.records[i:])
	return out
}

func (h *History) All() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Clear removes every record and returns how many were removed.
func (h *History) Clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.records)
	h.records = nil
	return n
}

// Prune removes records older than maxAge and returns how many were removed.
func (h *History) Prune(maxAge time.Duration) int {
	cutoff := h.now().Add(-maxAge)
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.firstAfter(cutoff)
	h.records = append(h.records[:0], h.records[i:]...)
	return i
}

func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.records)
	if n == 0 {
		return Stats{}
	}

	temps := make([]float64, n)
	ctrl := make([]float64, n)
	track := make([]float64, n)
	for i, r := range h.records {
		temps[i] = r.Temperature
		ctrl[i] = r.ControlSignal
		track[i] = r.Setpoint - r.Temperature
	}

	mean, std := stat.MeanStdDev(temps, nil)
	if n < 2 {
		std = 0
	}
	return Stats{
		TotalRecords:      n,
		FirstRecord:       h.records[0].Time,
		LastRecord:        h.records[n-1].Time,
		AvgTemperature:    mean,
		MinTemperature:    floats.Min(temps),
		MaxTemperature:    floats.Max(temps),
		AvgControlSignal:  stat.Mean(ctrl, nil),
		AvgTrackingError:  stat.Mean(track, nil),
		StdDevTemperature: std,
	}
}

// firstAfter returns the index of the first record at or after t.
// Records are appended in time order. Caller holds the lock.
func (h *History) firstAfter(t time.Time) int {
	lo, hi := 0, len(h.records)
	for lo < hi {
		mid := (lo + hi) / 2
		if h.records[mid].Time.Before(t) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
