// Command taskmcp runs the Task MCP change-management server.
//
// It exposes the change lifecycle tools (change.open, change.archive,
// change.list, change.release) over two transports: JSON-RPC 2.0 on
// stdio (the default MCP mode) and streaming HTTP (NDJSON and SSE).
//
// Optional environment variables:
//
//	WORKING_DIRECTORY    - repository root containing openspec/ (default: CWD)
//	TASK_MCP_VERSION     - version reported in receipts and handshakes
//	LOG_LEVEL            - debug, info, warn, error (default: info)
//	AUDIT_LOG            - audit log file (default: stderr)
//	TEST_COMMAND         - test runner consulted during archive
//	CLI_COMMAND          - CLI probed with --version (default: openspec)
//	PORT, HOST, TLS_CERT, TLS_KEY, AUTH_TOKENS, ALLOWED_ORIGINS,
//	RATE_LIMIT, MAX_RESPONSE_SIZE_KB, SSE_HEARTBEAT_MS - HTTP mode only
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emergent-company/taskmcp/internal/change"
	"github.com/emergent-company/taskmcp/internal/config"
	"github.com/emergent-company/taskmcp/internal/lock"
	"github.com/emergent-company/taskmcp/internal/mcp"
	"github.com/emergent-company/taskmcp/internal/sandbox"
	changetools "github.com/emergent-company/taskmcp/internal/tools/change"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	flagWorkingDir string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "taskmcp",
	Short: "Repository-scoped change management over MCP",
	Long: `taskmcp manages change folders under openspec/changes/: it opens
them from templates, validates and archives them with signed-off
receipts, and lists them with stable pagination.

Run "taskmcp stdio" to serve MCP clients over stdin/stdout, or
"taskmcp serve" to run the streaming HTTP transport.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagWorkingDir, "working-directory", "", "repository root containing openspec/ (overrides WORKING_DIRECTORY)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.Version = Version

	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskmcp: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies flag overrides on top of the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagWorkingDir != "" {
		cfg.Server.WorkingDirectory = flagWorkingDir
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if Version != "dev" {
		cfg.Server.Version = Version
	}
	return cfg, nil
}

// newLogger builds the structured logger. Logs always go to stderr:
// stdout belongs to the MCP protocol in stdio mode.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildCore wires the sandbox, change store and tool registry shared by
// both transports.
func buildCore(cfg *config.Config, logger *slog.Logger) (*mcp.Registry, *change.Store, *sandbox.Sandbox, error) {
	sb, err := sandbox.New(cfg.Server.WorkingDirectory)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialising sandbox: %w", err)
	}

	locks := lock.NewManager(logger)
	store := change.NewStore(cfg, sb, locks, nil, logger)

	registry := mcp.NewRegistry()
	registry.Register(changetools.NewOpen(store))
	registry.Register(changetools.NewArchive(store))
	registry.Register(changetools.NewList(store))
	registry.Register(changetools.NewRelease(store))
	registry.SetResourceProvider(changetools.NewResources(store))

	return registry, store, sb, nil
}
