// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMemorySink_Summary(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySink(10)

	m.RecordDecision(ctx, Decision{TierName: "rules", LatencyMs: 2})
	m.RecordDecision(ctx, Decision{TierName: "classifier", LatencyMs: 40})
	m.RecordDecision(ctx, Decision{TierName: "frontier", Escalated: true, Provider: "claude", LatencyMs: 900, CostUSD: 0.02})
	m.RecordDecision(ctx, Decision{TierName: "none", SafetyFlagged: true})

	s := m.Summary()
	if s.Decisions != 4 {
		t.Fatalf("Decisions = %d, want 4", s.Decisions)
	}
	if s.ByTier["classifier"] != 1 || s.ByTier["frontier"] != 1 {
		t.Errorf("ByTier = %v", s.ByTier)
	}
	if s.ByProvider["claude"] != 1 {
		t.Errorf("ByProvider = %v", s.ByProvider)
	}
	if s.EscalationRate != 0.25 {
		t.Errorf("EscalationRate = %v, want 0.25", s.EscalationRate)
	}
	if s.SafetyFlagged != 1 {
		t.Errorf("SafetyFlagged = %d, want 1", s.SafetyFlagged)
	}
	if s.AvgLatencyMs != 235.5 {
		t.Errorf("AvgLatencyMs = %v, want 235.5", s.AvgLatencyMs)
	}
}

func TestMemorySink_NodeEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySink(3)

	for i := 0; i < 5; i++ {
		m.RecordNodeEvent(ctx, NodeEvent{RunID: "r1", NodeID: "draft", Status: StatusSuccess, Attempt: 1, CostUSD: float64(i)})
	}
	m.RecordNodeEvent(ctx, NodeEvent{RunID: "r2", NodeID: "qa", Status: StatusFailed, Attempt: 1})

	if got := len(m.NodeEvents()); got != 3 {
		t.Errorf("history length = %d, want capacity 3", got)
	}
	if got := len(m.RunEvents("r2")); got != 1 {
		t.Errorf("RunEvents(r2) = %d, want 1", got)
	}

	s := m.Summary()
	if s.NodeAttempts != 6 || s.NodeFailures != 1 {
		t.Errorf("attempts/failures = %d/%d, want 6/1", s.NodeAttempts, s.NodeFailures)
	}
	if s.CostByNode["draft"] != 10 {
		t.Errorf("CostByNode[draft] = %v, want 10", s.CostByNode["draft"])
	}
	if s.TopAttempts[0].CostUSD != 4 {
		t.Errorf("most expensive attempt cost = %v, want 4", s.TopAttempts[0].CostUSD)
	}
	for _, e := range m.NodeEvents() {
		if e.EventID == "" || e.Timestamp.IsZero() {
			t.Errorf("event not stamped: %+v", e)
		}
	}

	// Summary must be a copy
	s.ByTier["x"] = 99
	if m.Summary().ByTier["x"] != 0 {
		t.Error("Summary leaked internal map")
	}

	m.Reset()
	if m.Summary().NodeAttempts != 0 {
		t.Error("Reset did not clear summary")
	}
}

func TestMultiSink_SharedIDs(t *testing.T) {
	a, b := NewMemorySink(0), NewMemorySink(0)
	ms := MultiSink{a, b, Nop{}, LogSink{Debug: true}}
	ms.RecordNodeEvent(context.Background(), NodeEvent{RunID: "r", NodeID: "n", Status: StatusSuccess})

	ea, eb := a.NodeEvents()[0], b.NodeEvents()[0]
	if ea.EventID == "" || ea.EventID != eb.EventID {
		t.Errorf("event ids differ across sinks: %q vs %q", ea.EventID, eb.EventID)
	}
}

func TestPreview(t *testing.T) {
	short := "hello"
	if Preview(short) != short {
		t.Errorf("Preview(%q) changed short input", short)
	}
	long := strings.Repeat("é", 150)
	got := Preview(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != InputPreviewLen+3 {
		t.Errorf("Preview truncated to %d runes", len([]rune(got)))
	}
}

func TestArchive_RoundTripAndRetention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewArchive(dir)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}

	old := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC)
	a.RecordDecision(ctx, Decision{Timestamp: old, Action: "status"})
	a.RecordDecision(ctx, Decision{Timestamp: now, Action: "help"})
	a.RecordNodeEvent(ctx, NodeEvent{Timestamp: now, RunID: "r", NodeID: "a", Status: StatusSuccess})

	days, err := a.Days()
	if err != nil {
		t.Fatalf("Days: %v", err)
	}
	if len(days) != 2 || days[0] != "2025-01-01" || days[1] != "2025-01-03" {
		t.Fatalf("Days = %v", days)
	}

	ds, err := a.LoadDecisions("2025-01-03")
	if err != nil || len(ds) != 1 || ds[0].Action != "help" {
		t.Fatalf("LoadDecisions = %v, %v", ds, err)
	}
	es, err := a.LoadNodeEvents("2025-01-03")
	if err != nil || len(es) != 1 || es[0].NodeID != "a" {
		t.Fatalf("LoadNodeEvents = %v, %v", es, err)
	}
	missing, err := a.LoadDecisions("2030-01-01")
	if err != nil || len(missing) != 0 {
		t.Errorf("missing day = %v, %v", missing, err)
	}

	// Stray files are ignored
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	removed, err := a.DeleteBefore(now)
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	days, _ = a.Days()
	if len(days) != 1 || days[0] != "2025-01-03" {
		t.Errorf("Days after retention = %v", days)
	}
}
