// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package logfile appends log lines to a daily file and prunes old ones.
package logfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const filePrefix = "server-"

// Rotator is an io.Writer that appends to logs/server-YYYY-MM-DD.log,
// switching files when the date changes. Write errors are swallowed: the
// stdout copy of the log line already went out and there is nowhere left
// to report a logging failure.
type Rotator struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	curDate string
}

func NewRotator(dir string) *Rotator {
	return &Rotator{dir: dir}
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	date := time.Now().Format("2006-01-02")
	if r.file == nil || date != r.curDate {
		if r.file != nil {
			r.file.Close()
			r.file = nil
		}
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return len(p), nil
		}
		path := filepath.Join(r.dir, fmt.Sprintf("%s%s.log", filePrefix, date))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return len(p), nil
		}
		r.file = f
		r.curDate = date
	}

	r.file.Write(p)
	return len(p), nil
}

func (r *Rotator) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// Sweep deletes server-*.log files older than retentionDays. Returns the
// number of files removed.
func Sweep(dir string, retentionDays int) int {
	if retentionDays <= 0 {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".log")
		fileDate, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps at startup and then every 24 h until ctx is cancelled.
func RunSweeper(ctx context.Context, dir string, retentionDays int) {
	Sweep(dir, retentionDays)
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sweep(dir, retentionDays)
		}
	}
}
