// Package runner executes the archive engine's external collaborators
// (VCS, test runner, version probes) as bounded subprocesses. Every run
// carries a timeout; cancellation sends SIGTERM and escalates to SIGKILL
// after a grace period. Collaborator failures are reported, never fatal.
package runner

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/emergent-company/taskmcp/internal/correlation"
	"github.com/emergent-company/taskmcp/internal/fault"
)

// killGrace is how long a cancelled subprocess gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// Result holds the outcome of a subprocess run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner runs external commands with per-call deadlines.
type Runner struct {
	logger *slog.Logger
	dir    string // working directory for spawned commands
}

// New creates a Runner whose subprocesses run in dir.
func New(dir string, logger *slog.Logger) *Runner {
	return &Runner{logger: logger, dir: dir}
}

// Run executes name with args, bounded by timeout. A deadline overrun or
// non-zero exit is returned as an error alongside whatever output was
// captured; the caller decides whether that is fatal.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}

	log := r.logger.With(
		"cmd", name,
		"duration_ms", time.Since(start).Milliseconds(),
		"correlation_id", correlation.ID(ctx),
	)

	if ctx.Err() == context.DeadlineExceeded {
		log.Warn("subprocess timed out", "timeout", timeout)
		return res, fault.Wrap(fault.CodeTimeout, ctx.Err(), "subprocess timed out")
	}
	if err != nil {
		log.Warn("subprocess failed", "error", err, "exit", res.ExitCode)
		return res, err
	}
	log.Debug("subprocess completed", "exit", res.ExitCode)
	return res, nil
}

// RunShell splits a configured command line on whitespace and runs it.
// Empty command lines are a no-op error the caller degrades on.
func (r *Runner) RunShell(ctx context.Context, timeout time.Duration, cmdline string) (*Result, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, fault.New(fault.CodeInternal, "empty command")
	}
	return r.Run(ctx, timeout, fields[0], fields[1:]...)
}
