// Package health reports liveness and readiness. Liveness is a cheap
// process-internal check; readiness runs a fixed probe set on an interval
// with per-probe timeouts. Any failing critical probe yields non-ready.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	probeTimeout = 5 * time.Second

	memWarnPercent = 80.0
	memFailPercent = 90.0
)

// Status is one probe outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Probe is a single readiness check.
type Probe struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) (Status, string)
}

// Result is a cached probe outcome.
type Result struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	Status   Status `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Checked  string `json:"checked"`
}

// Checker caches probe results and answers liveness/readiness queries.
type Checker struct {
	probes  []Probe
	logger  *slog.Logger
	started time.Time

	mu      sync.RWMutex
	results map[string]Result

	shuttingDown bool
}

// ToolCounter is the slice of the registry the toolRegistry probe needs.
type ToolCounter interface {
	Count() int
}

// NewChecker builds the fixed probe set: filesystem (critical), memory,
// cpu, toolRegistry (critical).
func NewChecker(sandboxRoot string, tools ToolCounter, logger *slog.Logger) *Checker {
	c := &Checker{
		logger:  logger,
		started: time.Now(),
		results: make(map[string]Result),
	}
	c.probes = []Probe{
		{Name: "filesystem", Critical: true, Run: filesystemProbe(sandboxRoot)},
		{Name: "memory", Critical: false, Run: memoryProbe},
		{Name: "cpu", Critical: false, Run: cpuProbe},
		{Name: "toolRegistry", Critical: true, Run: registryProbe(tools)},
	}
	return c
}

// Uptime returns time since checker construction.
func (c *Checker) Uptime() time.Duration { return time.Since(c.started) }

// Live reports process liveness: false only while tearing down.
func (c *Checker) Live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.shuttingDown
}

// SetShuttingDown flips liveness off during shutdown.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()
}

// Refresh runs every probe once, each bounded by probeTimeout. Wire it to
// a scheduler job.
func (c *Checker) Refresh(ctx context.Context) error {
	for _, p := range c.probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		status, detail := p.Run(pctx)
		cancel()

		c.mu.Lock()
		c.results[p.Name] = Result{
			Name:     p.Name,
			Critical: p.Critical,
			Status:   status,
			Detail:   detail,
			Checked:  time.Now().UTC().Format(time.RFC3339),
		}
		c.mu.Unlock()

		if status == StatusFail {
			c.logger.Warn("readiness probe failing", "probe", p.Name, "critical", p.Critical, "detail", detail)
		}
	}
	return nil
}

// Ready reports readiness plus the probe results backing the verdict.
// Ready is false iff any critical probe fails (or shutdown started).
func (c *Checker) Ready() (bool, []Result) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]Result, 0, len(c.probes))
	ready := !c.shuttingDown
	for _, p := range c.probes {
		res, ok := c.results[p.Name]
		if !ok {
			// Not probed yet; critical probes must have run at least once.
			res = Result{Name: p.Name, Critical: p.Critical, Status: StatusFail, Detail: "not yet probed"}
		}
		if res.Status == StatusFail && p.Critical {
			ready = false
		}
		results = append(results, res)
	}
	return ready, results
}

func filesystemProbe(root string) func(ctx context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		probe := filepath.Join(root, ".readyz-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return StatusFail, fmt.Sprintf("sandbox not writable: %v", err)
		}
		os.Remove(probe)
		return StatusPass, ""
	}
}

func memoryProbe(ctx context.Context) (Status, string) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return StatusWarn, fmt.Sprintf("memory stats unavailable: %v", err)
	}
	detail := fmt.Sprintf("%.1f%% used", vm.UsedPercent)
	switch {
	case vm.UsedPercent >= memFailPercent:
		return StatusFail, detail
	case vm.UsedPercent >= memWarnPercent:
		return StatusWarn, detail
	}
	return StatusPass, detail
}

func cpuProbe(ctx context.Context) (Status, string) {
	// One-second rolling sample; the probe budget allows it.
	percents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil || len(percents) == 0 {
		return StatusWarn, "cpu stats unavailable"
	}
	detail := fmt.Sprintf("%.1f%% busy", percents[0])
	if percents[0] >= 95.0 {
		return StatusWarn, detail
	}
	return StatusPass, detail
}

func registryProbe(tools ToolCounter) func(ctx context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		if tools == nil || tools.Count() == 0 {
			return StatusFail, "no tools registered"
		}
		return StatusPass, fmt.Sprintf("%d tools", tools.Count())
	}
}
