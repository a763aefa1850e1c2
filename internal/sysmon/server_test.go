package sysmon

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestListTools(t *testing.T) {
	t.Parallel()

	s := NewServer(slog.Default())
	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
		if len(tool.InputSchema) == 0 {
			t.Fatalf("tool %s missing input schema", tool.Name)
		}
	}
	if !names["status"] || !names["top_processes"] {
		t.Fatalf("tools=%v", names)
	}
}

func TestCallStatus(t *testing.T) {
	t.Parallel()

	s := NewServer(slog.Default())
	out, err := s.CallTool(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(out.Segments) != 2 {
		t.Fatalf("segments=%d, want text + structured", len(out.Segments))
	}
	var payload statusPayload
	if err := json.Unmarshal(out.Segments[1].JSON, &payload); err != nil {
		t.Fatalf("structured segment: %v", err)
	}
	if payload.Platform == "" {
		t.Fatalf("platform empty")
	}
	if payload.CPUCores <= 0 {
		t.Fatalf("cpu cores=%d", payload.CPUCores)
	}
}

func TestCallTopProcessesLimit(t *testing.T) {
	t.Parallel()

	s := NewServer(slog.Default())
	out, err := s.CallTool(context.Background(), "top_processes", map[string]any{"limit": float64(3), "sort_by": "memory"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var procs []processPayload
	if err := json.Unmarshal(out.Segments[1].JSON, &procs); err != nil {
		t.Fatalf("structured segment: %v", err)
	}
	if len(procs) > 3 {
		t.Fatalf("procs=%d, want <= 3", len(procs))
	}
	for i := 1; i < len(procs); i++ {
		if procs[i].MemoryBytes > procs[i-1].MemoryBytes {
			t.Fatalf("not sorted by memory: %v", procs)
		}
	}
}

func TestCallUnknownTool(t *testing.T) {
	t.Parallel()

	s := NewServer(slog.Default())
	if _, err := s.CallTool(context.Background(), "nope", nil); err == nil {
		t.Fatalf("unknown tool accepted")
	}
}
