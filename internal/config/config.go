// Package config loads server configuration from environment variables.
// Precedence: environment variables > defaults. There is no config file
// surface; the recognised variables are the whole contract.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Task MCP server.
type Config struct {
	Server  ServerConfig
	HTTP    HTTPConfig
	Auth    AuthConfig
	Limits  LimitsConfig
	Archive ArchiveConfig
	Log     LogConfig
}

// ServerConfig holds server identity and the sandbox root.
type ServerConfig struct {
	Name             string
	Version          string // from TASK_MCP_VERSION, else "dev"
	WorkingDirectory string // sandbox root; default CWD
}

// HTTPConfig holds the HTTP transport settings.
type HTTPConfig struct {
	Host           string
	Port           int
	TLSCert        string
	TLSKey         string
	AllowedOrigins []string // supports * wildcards
	HeartbeatMs    int      // SSE keep-alive interval
}

// AuthConfig holds the token set. An empty set disables authentication
// (development mode).
type AuthConfig struct {
	Tokens []string
}

// LimitsConfig holds admission and quota settings.
type LimitsConfig struct {
	RequestsPerMinute   int
	MaxResponseSizeKB   int
	MaxInflightStdio    int
	MaxInflightHTTP     int
	MaxStreamConns      int
	RequestTimeout      time.Duration // non-streaming HTTP deadline
	VCSProbeTimeout     time.Duration
	TestRunnerTimeout   time.Duration
	VersionProbeTimeout time.Duration
}

// ArchiveConfig holds the external collaborator commands the archive
// engine consults. Empty commands degrade to the documented fallbacks.
type ArchiveConfig struct {
	TestCommand string // e.g. "npm test -- --coverage --json"
	CLICommand  string // probed with --version for the receipt
	PerFileCap  int64  // structure validator per-file byte cap
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string // debug, info, warn, error
	AuditPath string // audit log file; empty writes audit lines to stderr
}

// BurstLimit derives the token-bucket burst from the per-minute rate.
func (l LimitsConfig) BurstLimit() int {
	return int(math.Ceil(1.5 * float64(l.RequestsPerMinute)))
}

// MaxResponseBytes is the accumulated per-request body cap in bytes.
func (l LimitsConfig) MaxResponseBytes() int64 {
	return int64(l.MaxResponseSizeKB) * 1024
}

// Load creates a Config by reading environment variables with defaults.
func Load() (*Config, error) {
	wd := os.Getenv("WORKING_DIRECTORY")
	if wd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		wd = cwd
	}

	cfg := &Config{
		Server: ServerConfig{
			Name:             "taskmcp",
			Version:          envOr("TASK_MCP_VERSION", "dev"),
			WorkingDirectory: wd,
		},
		HTTP: HTTPConfig{
			Host:           envOr("HOST", "0.0.0.0"),
			Port:           envInt("PORT", 8443),
			TLSCert:        os.Getenv("TLS_CERT"),
			TLSKey:         os.Getenv("TLS_KEY"),
			AllowedOrigins: envList("ALLOWED_ORIGINS"),
			HeartbeatMs:    envInt("SSE_HEARTBEAT_MS", 25000),
		},
		Auth: AuthConfig{
			Tokens: envList("AUTH_TOKENS"),
		},
		Limits: LimitsConfig{
			RequestsPerMinute:   envInt("RATE_LIMIT", 60),
			MaxResponseSizeKB:   envInt("MAX_RESPONSE_SIZE_KB", 1024),
			MaxInflightStdio:    16,
			MaxInflightHTTP:     100,
			MaxStreamConns:      100,
			RequestTimeout:      30 * time.Second,
			VCSProbeTimeout:     10 * time.Second,
			TestRunnerTimeout:   60 * time.Second,
			VersionProbeTimeout: 10 * time.Second,
		},
		Archive: ArchiveConfig{
			TestCommand: os.Getenv("TEST_COMMAND"),
			CLICommand:  envOr("CLI_COMMAND", "openspec"),
			PerFileCap:  10 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:     envOr("LOG_LEVEL", "info"),
			AuditPath: os.Getenv("AUDIT_LOG"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.HTTP.Port)
	}
	if c.Limits.RequestsPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT must be positive, got %d", c.Limits.RequestsPerMinute)
	}
	if c.Limits.MaxResponseSizeKB < 1 {
		return fmt.Errorf("MAX_RESPONSE_SIZE_KB must be positive, got %d", c.Limits.MaxResponseSizeKB)
	}
	if c.HTTP.HeartbeatMs < 100 {
		return fmt.Errorf("SSE_HEARTBEAT_MS too small: %d", c.HTTP.HeartbeatMs)
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return fmt.Errorf("TLS_CERT and TLS_KEY must be set together")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown LOG_LEVEL: %q", c.Log.Level)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
