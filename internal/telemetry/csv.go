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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"timestamp", "temperature", "temperature_filtered", "control_signal", "setpoint", "kp", "ti",
}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(toRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func toRow(r Record) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		r.Time.UTC().Format(time.RFC3339Nano),
		f(r.Temperature), f(r.FilteredTemperature), f(r.ControlSignal),
		f(r.Setpoint), f(r.Kp), f(r.Ti),
	}
}

func fromRow(row []string) (Record, error) {
	if len(row) != len(csvHeader) {
		return Record{}, fmt.Errorf("expected %d columns, got %d", len(csvHeader), len(row))
	}
	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	vals := make([]float64, len(row)-1)
	for i, s := range row[1:] {
		if vals[i], err = strconv.ParseFloat(s, 64); err != nil {
			return Record{}, fmt.Errorf("%s: %w", csvHeader[i+1], err)
		}
	}
	return Record{
		Time:                ts,
		Temperature:         vals[0],
		FilteredTemperature: vals[1],
		ControlSignal:       vals[2],
		Setpoint:            vals[3],
		Kp:                  vals[4],
		Ti:                  vals[5],
	}, nil
}

// CSVSink appends every record to a CSV file, writing the header when the
// file is new. Writes are buffered; Flush or Close pushes them to disk. A
// failed write drops the buffered rows and the next record starts over on
// a fresh writer.
type CSVSink struct {
	mu   sync.Mutex
	f    *os.File
	w    io.Writer
	cw   *csv.Writer
	path string
	now  func() time.Time
}

func OpenCSV(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}
	s := &CSVSink{path: path, now: time.Now}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSVSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.f, s.w = f, f
	s.reset()
	if info.Size() == 0 {
		if err := s.cw.Write(csvHeader); err != nil {
			f.Close()
			return err
		}
	}
	return nil
}

// reset discards a writer stuck on an earlier error.
func (s *CSVSink) reset() {
	s.cw = csv.NewWriter(s.w)
}

func (s *CSVSink) Record(r Record) error {
	if r.Time.IsZero() {
		r.Time = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cw.Write(toRow(r)); err != nil {
		s.reset()
		return fmt.Errorf("%w: csv write: %w", ErrSinkFailure, err)
	}
	return nil
}

func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *CSVSink) flushLocked() error {
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		s.reset()
		return fmt.Errorf("%w: csv flush: %w", ErrSinkFailure, err)
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.flushLocked(), s.f.Close())
}

// Prune rewrites the log without the rows older than maxAge and returns
// how many were removed. Unparsable rows are dropped as well.
func (s *CSVSink) Prune(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	return s.rewrite(func(r Record) bool { return !r.Time.Before(cutoff) })
}

// Clear empties the log down to its header.
func (s *CSVSink) Clear() (int, error) {
	return s.rewrite(func(Record) bool { return false })
}

func (s *CSVSink) rewrite(keep func(Record) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := errors.Join(s.flushLocked(), s.f.Close()); err != nil {
		return 0, err
	}
	removed, err := filterCSV(s.path, keep)
	if oerr := s.open(); oerr != nil {
		return removed, errors.Join(err, oerr)
	}
	return removed, err
}

func filterCSV(path string, keep func(Record) bool) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cw := csv.NewWriter(out)
	cw.Write(csvHeader)

	removed := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				removed++
				continue
			}
			out.Close()
			return 0, err
		}
		if len(row) > 0 && row[0] == csvHeader[0] {
			continue
		}
		rec, err := fromRow(row)
		if err != nil || !keep(rec) {
			removed++
			continue
		}
		cw.Write(row)
	}
	cw.Flush()
	if err := errors.Join(cw.Error(), out.Close()); err != nil {
		return 0, err
	}
	return removed, os.Rename(tmp, path)
}

func (s *CSVSink) Path() string { return s.path }

// Run flushes the log every interval until ctx is cancelled. The caller
// closes the sink once nothing writes to it anymore.
func (s *CSVSink) Run(ctx context.Context, interval time.Duration) {
	log := logger.New("CSVLog")
	log.Info("Running... (%s)", s.path)
	defer log.Info("Stopped")

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := s.Flush(); err != nil {
				log.Error("flush: %v", err)
			}
		}
	}
}

// ReadLatest returns the last well-formed record of a CSV log. A missing
// or empty file reports ok=false with no error.
func ReadLatest(path string) (Record, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	var last Record
	var found bool
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return last, found, err
		}
		if len(row) > 0 && row[0] == csvHeader[0] {
			continue
		}
		// a crash can leave a truncated last line, skip it
		rec, err := fromRow(row)
		if err != nil {
			continue
		}
		last, found = rec, true
	}
	return last, found, nil
}
