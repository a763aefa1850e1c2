// Package sysmon is the built-in tool server: local system monitoring tools
// served in process through the same client interface remote servers use.
package sysmon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/floegence/thinkloop/internal/toolcall"
)

// ServerID is the id the built-in server registers under.
const ServerID = "sysmon"

const (
	snapshotCacheTTL    = 2 * time.Second
	defaultProcessLimit = 10
	maxProcessLimit     = 50
)

var statusSchema = json.RawMessage(`{
	"type": "object",
	"properties": {}
}`)

var topProcessesSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"limit": {"type": "integer", "description": "How many processes to return (default 10, max 50)."},
		"sort_by": {"type": "string", "enum": ["cpu", "memory"], "description": "Sort order, default cpu."}
	}
}`)

type statusPayload struct {
	Platform      string    `json:"platform"`
	CPUUsage      float64   `json:"cpu_usage"`
	CPUCores      int       `json:"cpu_cores"`
	LoadAverage   []float64 `json:"load_average,omitempty"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryPercent float64   `json:"memory_percent"`
	TimestampMs   int64     `json:"timestamp_ms"`
}

type processPayload struct {
	PID         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// Server implements toolcall.ServerClient over gopsutil.
type Server struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snapAt  time.Time
	snap    statusPayload
}

func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log}
}

func (s *Server) ListTools(context.Context) ([]toolcall.ToolSpec, error) {
	return []toolcall.ToolSpec{
		{
			Name:        "status",
			Description: "Current CPU, load, and memory usage of the local machine.",
			InputSchema: statusSchema,
		},
		{
			Name:        "top_processes",
			Description: "The heaviest local processes by CPU or memory.",
			InputSchema: topProcessesSchema,
		},
	}, nil
}

func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*toolcall.CallOutput, error) {
	switch strings.TrimSpace(name) {
	case "status":
		return s.status(ctx)
	case "top_processes":
		return s.topProcesses(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool %q", strings.TrimSpace(name))
	}
}

func (s *Server) status(ctx context.Context) (*toolcall.CallOutput, error) {
	snap := s.getSnapshot(ctx)
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("%s: cpu %.1f%% (%d cores), memory %.1f%% of %d MiB",
		snap.Platform, snap.CPUUsage, snap.CPUCores, snap.MemoryPercent, snap.MemoryTotal/(1<<20))
	return &toolcall.CallOutput{Segments: []toolcall.Segment{
		{Kind: "text", Text: summary},
		{Kind: "structured", JSON: raw},
	}}, nil
}

func (s *Server) topProcesses(ctx context.Context, args map[string]any) (*toolcall.CallOutput, error) {
	limit := defaultProcessLimit
	if raw, ok := args["limit"]; ok {
		if f, ok := raw.(float64); ok && int(f) > 0 {
			limit = int(f)
		}
		if n, ok := raw.(int); ok && n > 0 {
			limit = n
		}
	}
	if limit > maxProcessLimit {
		limit = maxProcessLimit
	}
	sortBy := "cpu"
	if raw, ok := args["sort_by"].(string); ok {
		if v := strings.ToLower(strings.TrimSpace(raw)); v == "memory" {
			sortBy = v
		}
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]processPayload, 0, len(procs))
	for _, p := range procs {
		if p == nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || strings.TrimSpace(name) == "" {
			// Some system processes refuse name lookup; keep a readable fallback.
			name = fmt.Sprintf("[%d]", p.Pid)
		}
		cpuPercent, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			cpuPercent = 0
		}
		var memBytes uint64
		if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			memBytes = memInfo.RSS
		}
		out = append(out, processPayload{PID: p.Pid, Name: name, CPUPercent: cpuPercent, MemoryBytes: memBytes})
	}

	sort.Slice(out, func(i, j int) bool {
		if sortBy == "memory" {
			return out[i].MemoryBytes > out[j].MemoryBytes
		}
		return out[i].CPUPercent > out[j].CPUPercent
	})
	if len(out) > limit {
		out = out[:limit]
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(out))
	for _, p := range out {
		lines = append(lines, fmt.Sprintf("%d %s cpu=%.1f%% mem=%dMiB", p.PID, p.Name, p.CPUPercent, p.MemoryBytes/(1<<20)))
	}
	return &toolcall.CallOutput{Segments: []toolcall.Segment{
		{Kind: "text", Text: strings.Join(lines, "\n")},
		{Kind: "structured", JSON: raw},
	}}, nil
}

func (s *Server) getSnapshot(ctx context.Context) statusPayload {
	now := time.Now()
	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snapAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.snapAt = now
	s.hasSnap = true
	s.mu.Unlock()
	return snap
}

func (s *Server) collect(ctx context.Context) statusPayload {
	out := statusPayload{Platform: runtime.GOOS, TimestampMs: time.Now().UnixMilli()}

	if usage, err := readCPUUsage(ctx); err == nil {
		out.CPUUsage = usage
	} else {
		s.log.Warn("sysmon: cpu percent failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCores = cores
	} else {
		s.log.Warn("sysmon: cpu cores failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("sysmon: load average failed", "error", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		out.MemoryTotal = vm.Total
		out.MemoryUsed = vm.Used
		out.MemoryPercent = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("sysmon: memory failed", "error", err)
	}
	return out
}

// readCPUUsage prefers non-blocking sampling (diff from the last call) and
// falls back to a short blocking interval to bootstrap the counters.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error
	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
