package change

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emergent-company/taskmcp/internal/config"
	"github.com/emergent-company/taskmcp/internal/lock"
	"github.com/emergent-company/taskmcp/internal/sandbox"
)

// newTestStore builds a Store over a throwaway sandbox. The working
// directory is outside any VCS checkout, so the archive collaborators
// degrade the way they do on a bare filesystem.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := testConfig(t.TempDir())

	sb, err := sandbox.New(cfg.Server.WorkingDirectory)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(cfg, sb, lock.NewManager(logger), nil, logger)
}

func testConfig(workdir string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Name:             "taskmcp",
			Version:          "1.2.3-test",
			WorkingDirectory: workdir,
		},
		Limits: config.LimitsConfig{
			VCSProbeTimeout:     5 * time.Second,
			TestRunnerTimeout:   5 * time.Second,
			VersionProbeTimeout: 5 * time.Second,
		},
		Archive: config.ArchiveConfig{
			PerFileCap: 1024 * 1024,
		},
	}
}

func mustOpen(t *testing.T, s *Store, slug string) *OpenResult {
	t.Helper()
	res, err := s.Open(context.Background(), OpenParams{Title: "Test: " + slug, Slug: slug})
	require.NoError(t, err)
	return res
}
