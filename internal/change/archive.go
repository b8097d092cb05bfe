package change

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emergent-company/taskmcp/internal/correlation"
	"github.com/emergent-company/taskmcp/internal/fault"
)

// actorModel is the static label recorded in every receipt's actor.
const actorModel = "task-mcp-server"

// changeArchiveVersion is the fixed version of the archive engine itself.
const changeArchiveVersion = "1.0.0"

// Archive validates the change, computes its receipt from deterministic
// sources and writes it atomically. Archiving an already-archived change
// is a no-op success returning the existing receipt. Collaborator
// failures (VCS, test runner, version probes) degrade with a warning and
// never abort the archive.
func (s *Store) Archive(ctx context.Context, slug string) (*Receipt, error) {
	dir, err := s.sb.ChangeDir(slug)
	if err != nil {
		return nil, err
	}

	if existing, err := ReadReceipt(dir); err == nil && existing != nil {
		s.logger.InfoContext(ctx, "change already archived", "slug", slug,
			"correlation_id", correlation.ID(ctx))
		return existing, nil
	}

	// Before touching the lock: acquisition would fail with EIO on a
	// directory that was never opened, masking the real problem.
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.CodeNotFound, "change %q does not exist", slug).
				WithHint("open the change before archiving it")
		}
		return nil, fault.Wrap(fault.CodeIO, err, "inspecting change directory")
	}

	owner := ActorName()
	handle, err := s.locks.Acquire(dir, owner, int(s.timeouts.TestRunnerTimeout.Seconds())+60)
	if err != nil {
		// Our own live lock (e.g. left by a crashed earlier attempt under
		// the same identity) does not block the archive.
		f := fault.From(err)
		if !(f.Code == fault.CodeLocked && f.Context["holder"] == owner) {
			return nil, err
		}
	}
	release := func() {
		if handle != nil {
			if err := handle.Release(); err != nil {
				s.logger.Warn("releasing archive lock", "slug", slug, "error", err)
			}
		} else {
			_, _ = s.locks.ReleaseOwned(dir, owner)
		}
	}

	if faults := s.Validate(dir); len(faults) > 0 {
		release()
		return nil, faults.Lead()
	}

	receipt, err := s.computeReceipt(ctx, slug, dir)
	if err != nil {
		release()
		return nil, err
	}

	if err := writeReceipt(dir, receipt); err != nil {
		release()
		return nil, err
	}
	release()

	s.logger.InfoContext(ctx, "change archived",
		"slug", slug,
		"commits", len(receipt.Commits),
		"files", len(receipt.FilesTouched),
		"correlation_id", correlation.ID(ctx),
	)
	return receipt, nil
}

// computeReceipt assembles the receipt from its deterministic sources.
func (s *Store) computeReceipt(ctx context.Context, slug, dir string) (*Receipt, error) {
	commits := s.probeCommits(ctx, slug)

	files, err := s.filesTouched(ctx, slug, dir)
	if err != nil {
		return nil, err
	}

	r := &Receipt{
		Slug:         slug,
		Commits:      commits,
		FilesTouched: files,
		Tests:        s.probeTests(ctx),
		ArchivedAt:   s.clock().UTC().Truncate(time.Second).Format(time.RFC3339),
		Actor:        Actor{Type: "process", Name: ActorName(), Model: actorModel},
		ToolVersions: map[string]string{
			"taskMcp":       s.version,
			"changeArchive": changeArchiveVersion,
			"cli":           s.probeCLIVersion(ctx),
		},
	}
	if len(commits) > 0 {
		r.GitRange = commits[0] + ".." + commits[len(commits)-1]
	}
	return r, nil
}

// probeCommits returns the short hashes of commits touching the change
// directory, oldest first. Any VCS failure degrades to an empty list.
func (s *Store) probeCommits(ctx context.Context, slug string) []string {
	pathspec := filepath.ToSlash(filepath.Join("openspec", "changes", slug))
	res, err := s.run.Run(ctx, s.timeouts.VCSProbeTimeout,
		"git", "log", "--format=%h", "--reverse", "--", pathspec)
	if err != nil {
		s.logger.WarnContext(ctx, "VCS probe failed, recording no commits",
			"slug", slug, "error", err)
		return []string{}
	}
	var commits []string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commits = append(commits, line)
		}
	}
	if commits == nil {
		commits = []string{}
	}
	return commits
}

// filesTouched unions the files currently under the change directory with
// those the VCS remembers for it, as sorted, deduplicated repo-relative
// POSIX paths.
func (s *Store) filesTouched(ctx context.Context, slug, dir string) ([]string, error) {
	seen := make(map[string]struct{})

	current, err := s.relFiles(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range current {
		if filepath.Base(f) == receiptFile {
			continue
		}
		seen[f] = struct{}{}
	}

	pathspec := filepath.ToSlash(filepath.Join("openspec", "changes", slug))
	res, err := s.run.Run(ctx, s.timeouts.VCSProbeTimeout,
		"git", "log", "--format=", "--name-only", "--", pathspec)
	if err != nil {
		s.logger.WarnContext(ctx, "VCS file history unavailable", "slug", slug, "error", err)
	} else {
		prefix := pathspec + "/"
		for _, line := range strings.Split(string(res.Stdout), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, prefix) {
				continue
			}
			if base := filepath.Base(line); base == receiptFile || base == ".lock" {
				continue
			}
			seen[line] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// probeTests runs the configured test command twice: a coverage pass and
// a second run whose exit status decides passed. Test-file counts come
// from the VCS working-tree status. Any failure along the way yields the
// zero summary.
func (s *Store) probeTests(ctx context.Context) TestsSummary {
	summary := TestsSummary{}
	if s.archive.TestCommand == "" {
		return summary
	}

	added, updated := s.testFileCounts(ctx)
	summary.Added = added
	summary.Updated = updated

	if _, err := s.run.RunShell(ctx, s.timeouts.TestRunnerTimeout, s.archive.TestCommand); err != nil {
		s.logger.WarnContext(ctx, "coverage run failed", "error", err)
		return TestsSummary{}
	}

	res, err := s.run.RunShell(ctx, s.timeouts.TestRunnerTimeout, s.archive.TestCommand)
	if err != nil {
		var f *fault.Error
		if errors.As(err, &f) && f.Code == fault.CodeTimeout {
			s.logger.WarnContext(ctx, "test run timed out")
		} else {
			s.logger.WarnContext(ctx, "test run failed", "error", err)
		}
		return TestsSummary{Added: added, Updated: updated, Passed: false}
	}
	summary.Passed = res.ExitCode == 0
	return summary
}

// testFileCounts inspects the working-tree status for files whose names
// contain ".test." or ".spec." and classifies them as added or updated.
func (s *Store) testFileCounts(ctx context.Context) (added, updated uint32) {
	res, err := s.run.Run(ctx, s.timeouts.VCSProbeTimeout, "git", "status", "--porcelain")
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if len(line) < 4 {
			continue
		}
		status, name := line[:2], strings.TrimSpace(line[3:])
		if !strings.Contains(name, ".test.") && !strings.Contains(name, ".spec.") {
			continue
		}
		switch {
		case status == "??" || strings.Contains(status, "A"):
			added++
		case strings.Contains(status, "M"):
			updated++
		}
	}
	return added, updated
}

// probeCLIVersion asks the external CLI for its version; failures report
// "unknown".
func (s *Store) probeCLIVersion(ctx context.Context) string {
	if s.archive.CLICommand == "" {
		return "unknown"
	}
	res, err := s.run.RunShell(ctx, s.timeouts.VersionProbeTimeout, s.archive.CLICommand+" --version")
	if err != nil {
		s.logger.WarnContext(ctx, "CLI version probe failed", "error", err)
		return "unknown"
	}
	v := strings.TrimSpace(string(res.Stdout))
	if v == "" {
		return "unknown"
	}
	return v
}
