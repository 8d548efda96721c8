// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/budget"
)

// =============================================================================
// CHECKPOINT
// =============================================================================

// Checkpoint is the run state after a node completed.
type Checkpoint struct {
	RunID   string          `json:"run_id"`
	GraphID string          `json:"graph_id,omitempty"`
	Node    string          `json:"node"`
	State   map[string]any  `json:"state"`
	Ledger  budget.Snapshot `json:"ledger"`
	SavedAt time.Time       `json:"saved_at"`
	// Seq orders checkpoints within a run; assigned by the store.
	Seq int `json:"seq"`
}

// RunInfo summarizes the checkpoints of one run.
type RunInfo struct {
	RunID       string    `json:"run_id"`
	GraphID     string    `json:"graph_id,omitempty"`
	LastNode    string    `json:"last_node"`
	Checkpoints int       `json:"checkpoints"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints. Implementations are safe for
// concurrent use.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID, node string) (Checkpoint, error)
	// Latest returns the most recently saved checkpoint of a run.
	Latest(ctx context.Context, runID string) (Checkpoint, error)
	// Runs lists runs, most recently updated first.
	Runs(ctx context.Context) ([]RunInfo, error)
	DeleteRun(ctx context.Context, runID string) error
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrCheckpointNotFound is returned when no checkpoint matches.
// Use errors.Is(err, ErrCheckpointNotFound) to check for this error.
var ErrCheckpointNotFound = &CheckpointError{Message: "checkpoint not found"}

// ErrInvalidID is returned for run ids or node names unsafe to store.
var ErrInvalidID = &CheckpointError{Message: "invalid run id or node name"}

// CheckpointError is a storage-level failure, comparable with errors.Is.
type CheckpointError struct {
	Message string
	RunID   string
	Node    string
}

func (e *CheckpointError) Error() string {
	if e.RunID == "" {
		return e.Message
	}
	if e.Node == "" {
		return fmt.Sprintf("%s: run %s", e.Message, e.RunID)
	}
	return fmt.Sprintf("%s: run %s node %s", e.Message, e.RunID, e.Node)
}

// Is matches on Message so annotated copies match the sentinels.
func (e *CheckpointError) Is(target error) bool {
	t, ok := target.(*CheckpointError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func notFound(runID, node string) error {
	return &CheckpointError{Message: ErrCheckpointNotFound.Message, RunID: runID, Node: node}
}

// SECURITY: ids become file names and SQL keys; keep them to a safe alphabet.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidID reports whether s is usable as a run id or node name.
func ValidID(s string) bool {
	return idPattern.MatchString(s) && s != "." && s != ".."
}

func checkIDs(runID, node string) error {
	if !ValidID(runID) || (node != "" && !ValidID(node)) {
		return &CheckpointError{Message: ErrInvalidID.Message, RunID: runID, Node: node}
	}
	return nil
}

// encodeState serializes state, rejecting values JSON cannot carry.
func encodeState(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint state: %w", err)
	}
	return b, nil
}

func decodeState(b []byte) (map[string]any, error) {
	state := map[string]any{}
	if len(b) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	return state, nil
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type memoryRecord struct {
	cp    Checkpoint
	state []byte
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]memoryRecord
	seq  map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]map[string]memoryRecord),
		seq:  make(map[string]int),
	}
}

// Save implements CheckpointStore.
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if err := checkIDs(cp.RunID, cp.Node); err != nil {
		return err
	}
	b, err := encodeState(cp.State)
	if err != nil {
		return err
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[cp.RunID]++
	cp.Seq = s.seq[cp.RunID]
	cp.State = nil
	if s.runs[cp.RunID] == nil {
		s.runs[cp.RunID] = make(map[string]memoryRecord)
	}
	s.runs[cp.RunID][cp.Node] = memoryRecord{cp: cp, state: b}
	return nil
}

// Load implements CheckpointStore.
func (s *MemoryStore) Load(_ context.Context, runID, node string) (Checkpoint, error) {
	s.mu.RLock()
	rec, ok := s.runs[runID][node]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, notFound(runID, node)
	}
	return rec.checkpoint()
}

// Latest implements CheckpointStore.
func (s *MemoryStore) Latest(_ context.Context, runID string) (Checkpoint, error) {
	s.mu.RLock()
	var best *memoryRecord
	for _, rec := range s.runs[runID] {
		if best == nil || rec.cp.Seq > best.cp.Seq {
			r := rec
			best = &r
		}
	}
	s.mu.RUnlock()
	if best == nil {
		return Checkpoint{}, notFound(runID, "")
	}
	return best.checkpoint()
}

// Runs implements CheckpointStore.
func (s *MemoryStore) Runs(_ context.Context) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunInfo, 0, len(s.runs))
	for runID, nodes := range s.runs {
		info := RunInfo{RunID: runID, Checkpoints: len(nodes)}
		best := 0
		for _, rec := range nodes {
			if rec.cp.Seq > best {
				best = rec.cp.Seq
				info.LastNode = rec.cp.Node
				info.GraphID = rec.cp.GraphID
				info.UpdatedAt = rec.cp.SavedAt
			}
		}
		out = append(out, info)
	}
	sortRuns(out)
	return out, nil
}

// DeleteRun implements CheckpointStore.
func (s *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	delete(s.seq, runID)
	return nil
}

func (r memoryRecord) checkpoint() (Checkpoint, error) {
	state, err := decodeState(r.state)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := r.cp
	cp.State = state
	return cp, nil
}

func sortRuns(runs []RunInfo) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].UpdatedAt.Equal(runs[j].UpdatedAt) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
}
