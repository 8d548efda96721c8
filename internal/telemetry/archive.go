// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
)

// =============================================================================
// ARCHIVE
// =============================================================================

const (
	decisionsPrefix = "decisions-"
	eventsPrefix    = "events-"
	archiveExt      = ".jsonl"
	archiveDay      = "2006-01-02"
)

// Archive appends records to day-partitioned JSONL files under a directory.
// File names carry the UTC day so retention can work on names alone.
type Archive struct {
	mu  sync.Mutex
	dir string
}

// NewArchive creates the directory if needed. An empty dir defaults to
// ~/.swarm/telemetry.
func NewArchive(dir string) (*Archive, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".swarm", "telemetry")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	return &Archive{dir: dir}, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }

// RecordDecision implements Sink. Write failures are logged, never returned.
func (a *Archive) RecordDecision(ctx context.Context, d Decision) {
	d.stamp()
	if err := a.append(decisionsPrefix, d.Timestamp, d); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "archive decision"})
	}
}

// RecordNodeEvent implements Sink.
func (a *Archive) RecordNodeEvent(ctx context.Context, e NodeEvent) {
	e.stamp()
	if err := a.append(eventsPrefix, e.Timestamp, e); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "archive node event"})
	}
}

func (a *Archive) append(prefix string, ts time.Time, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	name := filepath.Join(a.dir, prefix+ts.UTC().Format(archiveDay)+archiveExt)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Days lists the UTC days that have decision or event files, oldest first.
func (a *Archive) Days() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		if day, _, ok := parseArchiveName(entry.Name()); ok && !entry.IsDir() {
			seen[day] = true
		}
	}
	days := make([]string, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Strings(days)
	return days, nil
}

// LoadDecisions reads all decisions recorded on a UTC day ("2006-01-02").
func (a *Archive) LoadDecisions(day string) ([]Decision, error) {
	var out []Decision
	err := a.scan(decisionsPrefix+day+archiveExt, func(line []byte) error {
		var d Decision
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// LoadNodeEvents reads all node events recorded on a UTC day.
func (a *Archive) LoadNodeEvents(day string) ([]NodeEvent, error) {
	var out []NodeEvent
	err := a.scan(eventsPrefix+day+archiveExt, func(line []byte) error {
		var e NodeEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (a *Archive) scan(name string, fn func([]byte) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(filepath.Join(a.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

// DeleteBefore removes files for days strictly before the given time's
// UTC day and returns how many were removed.
func (a *Archive) DeleteBefore(before time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, err
	}
	cutoff := before.UTC().Format(archiveDay)
	removed := 0
	for _, entry := range entries {
		day, _, ok := parseArchiveName(entry.Name())
		if !ok || entry.IsDir() || day >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func parseArchiveName(name string) (day, prefix string, ok bool) {
	if !strings.HasSuffix(name, archiveExt) {
		return "", "", false
	}
	base := strings.TrimSuffix(name, archiveExt)
	for _, p := range []string{decisionsPrefix, eventsPrefix} {
		if strings.HasPrefix(base, p) {
			day = strings.TrimPrefix(base, p)
			if _, err := time.Parse(archiveDay, day); err != nil {
				return "", "", false
			}
			return day, p, true
		}
	}
	return "", "", false
}
