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

package sysmon

import (
	"encoding/json"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"

	"airheater/pkg/logger"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Service reports host and process resource usage next to any metrics
// other services register with it.
type Service struct {
	dir string
	log *logger.Logger

	mu      sync.Mutex
	sources map[string]func() any
}

type Snapshot struct {
	GoVersion  string         `json:"go_version"`
	Goroutines int            `json:"goroutines"`
	CPU        CPU            `json:"cpu"`
	Memory     Memory         `json:"memory"`
	Disk       Disk           `json:"disk"`
	Extra      map[string]any `json:"extra,omitempty"`
}

type CPU struct {
	SystemPercent  float64 `json:"system_percent"`
	ProcessPercent float64 `json:"process_percent"`
}

type Memory struct {
	SystemTotal uint64 `json:"system_total"`
	SystemUsed  uint64 `json:"system_used"`
	SystemFree  uint64 `json:"system_free"`
	ProcessRSS  uint64 `json:"process_rss"`
}

type Disk struct {
	Path  string `json:"path"`
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// New monitors the filesystem holding dir; an empty dir means the working
// directory.
func New(dir string) *Service {
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return &Service{
		dir:     dir,
		log:     logger.New("System Monitor"),
		sources: make(map[string]func() any),
	}
}

// Register adds a named metrics source. f is called on every request and
// must be safe for concurrent use.
func (s *Service) Register(name string, f func() any) {
	s.mu.Lock()
	s.sources[name] = f
	s.mu.Unlock()
}

func (s *Service) Collect() Snapshot {
	snap := Snapshot{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		Disk:       Disk{Path: s.dir},
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPU.SystemPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.Memory.SystemTotal = vmem.Total
		snap.Memory.SystemUsed = vmem.Used
		snap.Memory.SystemFree = vmem.Available
	}
	if total, free, used, err := DiskUsage(s.dir); err == nil {
		snap.Disk.Total, snap.Disk.Free, snap.Disk.Used = total, free, used
	} else {
		s.log.Debug("disk usage %s: %v", s.dir, err)
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := p.MemoryInfo(); err == nil {
			snap.Memory.ProcessRSS = memInfo.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			snap.CPU.ProcessPercent = pct
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sources) > 0 {
		snap.Extra = make(map[string]any, len(s.sources))
		for name, f := range s.sources {
			snap.Extra[name] = f()
		}
	}
	return snap
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := s.Collect()

	if r.Header.Get("Accept") == "application/json" || r.URL.Query().Has("json") {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
		return
	}

	type section struct {
		Name string
		JSON string
	}
	var extra []section
	for name, v := range snap.Extra {
		b, _ := json.MarshalIndent(v, "", "  ")
		extra = append(extra, section{name, string(b)})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, map[string]any{"S": snap, "Extra": extra}); err != nil {
		s.log.Error("render: %v", err)
	}
}

func gb(v uint64) float64 { return float64(v) / (1024 * 1024 * 1024) }
func mb(v uint64) float64 { return float64(v) / (1024 * 1024) }

var page = template.Must(template.New("sysmon").Funcs(template.FuncMap{"gb": gb, "mb": mb}).Parse(`
<!DOCTYPE html>
<html>
<head>
	<title>System Monitor</title>
	<style>
		body { font-family: sans-serif; margin: 2em; background: #f9f9f9; }
		table { border-collapse: collapse; width: 60%; margin-top: 1em; }
		th, td { border: 1px solid #ccc; padding: 0.6em 1em; text-align: left; }
		th { background: #eee; }
		pre { background: #222; color: #eee; padding: 1em; border-radius: 6px; width: 60%; }
	</style>
</head>
<body>
	<h1>System Monitor</h1>
	<p>Go {{.S.GoVersion}}, {{.S.Goroutines}} goroutines</p>
	<h2>CPU</h2>
	<table>
		<tr><th>System %</th><th>Process %</th></tr>
		<tr><td>{{printf "%.2f" .S.CPU.SystemPercent}}</td><td>{{printf "%.2f" .S.CPU.ProcessPercent}}</td></tr>
	</table>
	<h2>Memory</h2>
	<table>
		<tr><th>System Total</th><th>System Used</th><th>System Free</th><th>Process RSS</th></tr>
		<tr>
			<td>{{printf "%.2f GB" (gb .S.Memory.SystemTotal)}}</td>
			<td>{{printf "%.2f GB" (gb .S.Memory.SystemUsed)}}</td>
			<td>{{printf "%.2f GB" (gb .S.Memory.SystemFree)}}</td>
			<td>{{printf "%.2f MB" (mb .S.Memory.ProcessRSS)}}</td>
		</tr>
	</table>
	<h2>Disk ({{.S.Disk.Path}})</h2>
	<table>
		<tr><th>Total</th><th>Used</th><th>Free</th></tr>
		<tr>
			<td>{{printf "%.2f GB" (gb .S.Disk.Total)}}</td>
			<td>{{printf "%.2f GB" (gb .S.Disk.Used)}}</td>
			<td>{{printf "%.2f GB" (gb .S.Disk.Free)}}</td>
		</tr>
	</table>
	{{range .Extra}}
	<h2>{{.Name}}</h2>
	<pre>{{.JSON}}</pre>
	{{end}}
</body>
</html>
`))
