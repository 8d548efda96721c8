// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore writes one JSON file per checkpoint: BaseDir/<run>/<node>.json.
type FileStore struct {
	// BaseDir holds one directory per run.
	// Default: ~/.swarm/checkpoints/
	BaseDir string

	// MaxRuns limits stored runs; the least recently updated are pruned
	// (0 = unlimited).
	MaxRuns int

	mu sync.Mutex
}

// DefaultMaxRuns is the run limit applied by NewFileStore.
const DefaultMaxRuns = 200

// NewFileStore creates a store under dir, or ~/.swarm/checkpoints when dir
// is empty.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".swarm", "checkpoints")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{BaseDir: dir, MaxRuns: DefaultMaxRuns}, nil
}

// Save implements CheckpointStore.
func (s *FileStore) Save(_ context.Context, cp Checkpoint) error {
	if err := checkIDs(cp.RunID, cp.Node); err != nil {
		return err
	}
	if _, err := encodeState(cp.State); err != nil {
		return err
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := filepath.Join(s.BaseDir, cp.RunID)
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return err
	}
	existing, err := s.readRun(cp.RunID)
	if err != nil {
		return err
	}
	for _, prev := range existing {
		if prev.Seq >= cp.Seq {
			cp.Seq = prev.Seq
		}
	}
	cp.Seq++

	if err := util.AtomicWriteJSON(s.path(cp.RunID, cp.Node), cp, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	s.enforceLimit(cp.RunID)
	return nil
}

// Load implements CheckpointStore.
func (s *FileStore) Load(_ context.Context, runID, node string) (Checkpoint, error) {
	if err := checkIDs(runID, node); err != nil {
		return Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFile(s.path(runID, node), runID, node)
}

// Latest implements CheckpointStore.
func (s *FileStore) Latest(_ context.Context, runID string) (Checkpoint, error) {
	if err := checkIDs(runID, ""); err != nil {
		return Checkpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cps, err := s.readRun(runID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(cps) == 0 {
		return Checkpoint{}, notFound(runID, "")
	}
	best := cps[0]
	for _, cp := range cps[1:] {
		if cp.Seq > best.Seq {
			best = cp
		}
	}
	return best, nil
}

// Runs implements CheckpointStore.
func (s *FileStore) Runs(_ context.Context) ([]RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs()
}

func (s *FileStore) runs() ([]RunInfo, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return nil, err
	}
	out := make([]RunInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidID(entry.Name()) {
			continue
		}
		cps, err := s.readRun(entry.Name())
		if err != nil || len(cps) == 0 {
			continue
		}
		info := RunInfo{RunID: entry.Name(), Checkpoints: len(cps)}
		best := 0
		for _, cp := range cps {
			if cp.Seq > best {
				best = cp.Seq
				info.LastNode = cp.Node
				info.GraphID = cp.GraphID
				info.UpdatedAt = cp.SavedAt
			}
		}
		out = append(out, info)
	}
	sortRuns(out)
	return out, nil
}

// DeleteRun implements CheckpointStore.
func (s *FileStore) DeleteRun(_ context.Context, runID string) error {
	if err := checkIDs(runID, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.BaseDir, runID))
}

// enforceLimit prunes the least recently updated runs beyond MaxRuns,
// never the run just written.
func (s *FileStore) enforceLimit(keep string) {
	if s.MaxRuns <= 0 {
		return
	}
	runs, err := s.runs()
	if err != nil || len(runs) <= s.MaxRuns {
		return
	}
	for _, r := range runs[s.MaxRuns:] {
		if r.RunID == keep {
			continue
		}
		os.RemoveAll(filepath.Join(s.BaseDir, r.RunID))
	}
}

func (s *FileStore) path(runID, node string) string {
	return filepath.Join(s.BaseDir, runID, node+".json")
}

func (s *FileStore) readRun(runID string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(filepath.Join(s.BaseDir, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		node := strings.TrimSuffix(name, ".json")
		cp, err := s.readFile(filepath.Join(s.BaseDir, runID, name), runID, node)
		if err != nil {
			continue // skip partial or foreign files
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *FileStore) readFile(path, runID, node string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, notFound(runID, node)
	}
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s/%s: %w", runID, node, err)
	}
	if cp.State == nil {
		cp.State = map[string]any{}
	}
	return cp, nil
}
