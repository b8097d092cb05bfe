package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emergent-company/taskmcp/internal/mcp"
)

var (
	flagBackground bool
	flagDev        bool
	flagPIDFile    string
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve MCP clients over stdin/stdout",
	Long: `Runs the JSON-RPC 2.0 server on stdin/stdout. This is the mode MCP
clients launch as a subprocess; logs go to stderr so stdout stays clean
for the protocol.

With --background the server detaches, writes its PID to --pid-file and
keeps serving until "taskmcp stdio stop".

Examples:
  taskmcp stdio
  taskmcp stdio --working-directory /path/to/repo
  taskmcp stdio --background --pid-file /tmp/taskmcp.pid
  taskmcp stdio status
  taskmcp stdio stop`,
	RunE: runStdio,
}

var stdioStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the stdio server (alias for \"taskmcp stdio\")",
	RunE:  runStdio,
}

var stdioStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background stdio server",
	RunE:  runStdioStop,
}

var stdioStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a background stdio server is running",
	Long: `Exit codes: 0 if the server is running, 1 if it is not,
2 if the PID file cannot be read.`,
	RunE: runStdioStatus,
}

func init() {
	stdioCmd.PersistentFlags().BoolVar(&flagBackground, "background", false, "detach and serve in the background")
	stdioCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "development mode: debug logging")
	stdioCmd.PersistentFlags().StringVar(&flagPIDFile, "pid-file", defaultPIDFile(), "PID file for background mode")
	stdioCmd.AddCommand(stdioStartCmd)
	stdioCmd.AddCommand(stdioStopCmd)
	stdioCmd.AddCommand(stdioStatusCmd)
}

func defaultPIDFile() string {
	return filepath.Join(os.TempDir(), "taskmcp.pid")
}

func runStdio(cmd *cobra.Command, args []string) error {
	if flagBackground {
		return spawnBackground()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagDev {
		cfg.Log.Level = "debug"
	}
	logger := newLogger(cfg.Log.Level)

	logger.Info("starting taskmcp",
		"version", cfg.Server.Version,
		"transport", "stdio",
		"working_directory", cfg.Server.WorkingDirectory,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, _, _, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	server := mcp.NewServer(registry, mcp.ServerInfo{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, logger).WithMaxInflight(cfg.Limits.MaxInflightStdio)

	return server.Run(ctx)
}

// spawnBackground re-executes the binary without --background, detached
// from the terminal, and records its PID.
func spawnBackground() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary: %w", err)
	}

	args := []string{"stdio", "--pid-file", flagPIDFile}
	if flagWorkingDir != "" {
		args = append(args, "--working-directory", flagWorkingDir)
	}
	if flagLogLevel != "" {
		args = append(args, "--log-level", flagLogLevel)
	}
	if flagDev {
		args = append(args, "--dev")
	}

	child := exec.Command(self, args...)
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting background server: %w", err)
	}

	pid := child.Process.Pid
	if err := os.WriteFile(flagPIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		child.Process.Kill()
		return fmt.Errorf("writing PID file: %w", err)
	}

	fmt.Printf("taskmcp running in background (pid %d, pid-file %s)\n", pid, flagPIDFile)
	return child.Process.Release()
}

func runStdioStop(cmd *cobra.Command, args []string) error {
	pid, err := readPIDFile(flagPIDFile)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("stopping pid %d: %w", pid, err)
	}
	os.Remove(flagPIDFile)
	fmt.Printf("stopped taskmcp (pid %d)\n", pid)
	return nil
}

func runStdioStatus(cmd *cobra.Command, args []string) error {
	pid, err := readPIDFile(flagPIDFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmcp: %v\n", err)
		os.Exit(2)
	}
	// Signal 0 probes for existence without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		fmt.Printf("not running (stale pid %d)\n", pid)
		os.Exit(1)
	}
	fmt.Printf("running (pid %d)\n", pid)
	return nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("PID file %s is malformed: %w", path, err)
	}
	return pid, nil
}
