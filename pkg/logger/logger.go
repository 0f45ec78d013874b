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

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
)

type Logger struct {
	prefix string
}

var (
	mu      sync.RWMutex
	base    = log.New(os.Stdout, "", log.LstdFlags)
	logFile *os.File

	debugEnabled atomic.Bool
)

func init() {
	if os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
}

// Init tees all loggers, including ones created earlier, to stdout and the
// file at logPath. Until Init is called output goes to stdout only.
func Init(logPath string) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	base = log.New(io.MultiWriter(os.Stdout, f), "", log.LstdFlags)
	return nil
}

// Close cleans up the log file (call on shutdown)
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	base = log.New(os.Stdout, "", log.LstdFlags)
}

// EnableDebug dynamically turns debug logging on/off
func EnableDebug(on bool) {
	debugEnabled.Store(on)
}

func IsDebug() bool {
	return debugEnabled.Load()
}

func New(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

func (l *Logger) printf(format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()
	base.Printf(format, v...)
}

// caller formats file:line of the logging call site.
func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("(%s:%d) ", filepath.Base(file), line)
}

func (l *Logger) Info(fmtstr string, v ...any) {
	l.printf("[%s] INFO: %s", l.prefix, fmt.Sprintf(fmtstr, v...))
}

func (l *Logger) Error(fmtstr string, v ...any) {
	l.printf("[%s] ERROR: %s%s", l.prefix, caller(), fmt.Sprintf(fmtstr, v...))
}

// Fatal logs and panics; service.Start recovers the panic and shuts the
// process down.
func (l *Logger) Fatal(fmtstr string, v ...any) {
	formatted := fmt.Sprintf(fmtstr, v...)
	l.printf("[%s] FATAL: %s%s", l.prefix, caller(), formatted)
	panic(formatted)
}

func (l *Logger) Debug(fmtstr string, v ...any) {
	if !debugEnabled.Load() {
		return
	}
	l.printf("[%s] DEBUG: %s", l.prefix, fmt.Sprintf(fmtstr, v...))
}
