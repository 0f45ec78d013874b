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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(offset time.Duration, temp float64) Record {
	return Record{
		Time:                t0.Add(offset),
		Temperature:         temp,
		FilteredTemperature: temp,
		ControlSignal:       2.5,
		Setpoint:            25,
		Kp:                  2,
		Ti:                  7.5,
	}
}

func newTestHistory(limit int, now time.Time) *History {
	h := NewHistory(limit)
	h.now = func() time.Time { return now }
	return h
}

func TestHistory_RecentAndPrune(t *testing.T) {
	h := newTestHistory(100, t0.Add(10*time.Minute))
	for i := range 10 {
		require.NoError(t, h.Record(rec(time.Duration(i)*time.Minute, float64(20+i))))
	}

	recent := h.Recent(3 * time.Minute)
	require.Len(t, recent, 3) // minutes 7..9, 7 is exactly on the cutoff
	assert.Equal(t, 27.0, recent[0].Temperature)

	removed := h.Prune(5 * time.Minute)
	assert.Equal(t, 5, removed)
	assert.Equal(t, 5, h.Len())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 29.0, latest.Temperature)

	assert.Equal(t, 5, h.Clear())
	_, ok = h.Latest()
	assert.False(t, ok)
}

func TestHistory_Limit(t *testing.T) {
	h := newTestHistory(20, t0)
	for i := range 50 {
		h.Record(rec(time.Duration(i)*time.Second, float64(i)))
	}
	assert.LessOrEqual(t, h.Len(), 20)
	latest, _ := h.Latest()
	assert.Equal(t, 49.0, latest.Temperature)

	all := h.All()
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Time.Before(all[i].Time))
	}
}

func TestHistory_Stats(t *testing.T) {
	h := newTestHistory(100, t0)
	assert.Equal(t, Stats{}, h.Stats())

	h.Record(rec(0, 20))
	st := h.Stats()
	assert.Equal(t, 1, st.TotalRecords)
	assert.Equal(t, 0.0, st.StdDevTemperature)

	h.Record(rec(time.Second, 24))
	h.Record(rec(2*time.Second, 28))
	st = h.Stats()
	assert.Equal(t, 3, st.TotalRecords)
	assert.InDelta(t, 24, st.AvgTemperature, 1e-12)
	assert.Equal(t, 20.0, st.MinTemperature)
	assert.Equal(t, 28.0, st.MaxTemperature)
	assert.InDelta(t, 2.5, st.AvgControlSignal, 1e-12)
	assert.InDelta(t, 1, st.AvgTrackingError, 1e-12)
	assert.InDelta(t, 4, st.StdDevTemperature, 1e-12)
	assert.Equal(t, t0, st.FirstRecord)
	assert.Equal(t, t0.Add(2*time.Second), st.LastRecord)
}

func TestCSVSink_ReadLatestRestoresLastRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "airheater.csv")

	_, ok, err := ReadLatest(path)
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(rec(0, 22)))
	last := rec(time.Second, 23.25)
	last.Setpoint, last.Kp, last.Ti = 30, 1.5, 9
	require.NoError(t, s.Record(last))
	require.NoError(t, s.Close())

	// reopening must not write a second header
	s, err = OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// simulate a torn write
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	f.WriteString("2025-03-01T12:00:02Z,24.1\n")
	f.Close()

	got, ok, err := ReadLatest(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, last, got)

	raw, _ := os.ReadFile(path)
	assert.Equal(t, 1, strings.Count(string(raw), "timestamp,"))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []Record{rec(0, 21.5)}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,temperature,temperature_filtered,control_signal,setpoint,kp,ti", lines[0])
	assert.Equal(t, "2025-03-01T12:00:00Z,21.5,21.5,2.5,25,2,7.5", lines[1])
}

func TestMulti_TriesEverySinkAndWrapsFailure(t *testing.T) {
	var got []string
	boom := errors.New("boom")
	m := Multi{
		SinkFunc(func(Record) error { got = append(got, "a"); return boom }),
		SinkFunc(func(Record) error { got = append(got, "b"); return nil }),
	}
	err := m.Record(rec(0, 20))
	assert.ErrorIs(t, err, ErrSinkFailure)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, got)

	assert.NoError(t, Multi{}.Record(rec(0, 20)))
}

func TestAsync_NeverBlocksAndReportsDrops(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var written []float64
	slow := SinkFunc(func(r Record) error {
		<-release
		mu.Lock()
		written = append(written, r.Temperature)
		mu.Unlock()
		return nil
	})

	a := NewAsync("test", slow, 2)
	require.NoError(t, a.Record(rec(0, 1)))
	require.NoError(t, a.Record(rec(0, 2)))

	start := time.Now()
	err := a.Record(rec(0, 3))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrSinkFailure)
	dropped, _ := a.Stats()
	assert.Equal(t, int64(1), dropped)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	close(release)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1, 2}, written)
}

func TestEmonCMS_PostsFullJSONAndThrottles(t *testing.T) {
	var mu sync.Mutex
	var posts []map[string]float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/input/post", r.URL.Path)
		assert.Equal(t, "airheater", r.URL.Query().Get("node"))
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		var data map[string]float64
		assert.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("fulljson")), &data))
		mu.Lock()
		posts = append(posts, data)
		mu.Unlock()
	}))
	defer srv.Close()

	e := NewEmonCMS(srv.URL, "secret", "airheater", 10*time.Second)
	require.NoError(t, e.Record(rec(0, 22)))
	require.NoError(t, e.Record(rec(time.Second, 23)))
	require.NoError(t, e.Record(rec(11*time.Second, 24)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posts, 2)
	assert.Equal(t, 22.0, posts[0]["temperature"])
	assert.Equal(t, 24.0, posts[1]["temperature"])
	assert.Equal(t, 7.5, posts[1]["ti"])
}

func TestEmonCMS_ReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewEmonCMS(srv.URL, "bad", "airheater", time.Second)
	assert.ErrorIs(t, e.Record(rec(0, 22)), ErrSinkFailure)
}

type flakyWriter struct {
	fail bool
	buf  bytes.Buffer
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		return 0, errors.New("no space left on device")
	}
	return w.buf.Write(p)
}

func TestCSVSink_RecoversAfterWriteFailure(t *testing.T) {
	s, err := OpenCSV(filepath.Join(t.TempDir(), "airheater.csv"))
	require.NoError(t, err)
	defer s.Close()

	w := &flakyWriter{fail: true}
	s.w = w
	s.reset()

	require.NoError(t, s.Record(rec(0, 20)))
	err = s.Flush()
	assert.ErrorIs(t, err, ErrSinkFailure)

	w.fail = false
	require.NoError(t, s.Record(rec(time.Second, 21)))
	require.NoError(t, s.Flush())
	assert.Equal(t, "2025-03-01T12:00:01Z,21,21,2.5,25,2,7.5\n", w.buf.String())
}

func TestCSVSink_PruneAndClearRewriteTheLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airheater.csv")
	s, err := OpenCSV(path)
	require.NoError(t, err)
	s.now = func() time.Time { return t0.Add(10 * time.Minute) }
	for i := range 10 {
		require.NoError(t, s.Record(rec(time.Duration(i)*time.Minute, float64(20+i))))
	}

	removed, err := s.Prune(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	// the sink keeps appending after the rewrite
	require.NoError(t, s.Record(rec(10*time.Minute, 30)))
	require.NoError(t, s.Flush())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, strings.Join(csvHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2025-03-01T12:05:00Z,25,"), lines[1])

	removed, err = s.Clear()
	require.NoError(t, err)
	assert.Equal(t, 6, removed)
	require.NoError(t, s.Close())

	_, ok, err := ReadLatest(path)
	require.NoError(t, err)
	assert.False(t, ok)
	raw, _ = os.ReadFile(path)
	assert.Equal(t, strings.Join(csvHeader, ",")+"\n", string(raw))
}

func TestMulti_WrapsSinkFailureOnce(t *testing.T) {
	m := Multi{SinkFunc(func(Record) error {
		return fmt.Errorf("%w: csv write: disk full", ErrSinkFailure)
	})}
	err := m.Record(rec(0, 20))
	assert.ErrorIs(t, err, ErrSinkFailure)
	assert.Equal(t, 1, strings.Count(err.Error(), ErrSinkFailure.Error()))
}
