// Package change owns the on-disk change lifecycle: opening from a
// template, structure validation, archival with a deterministic receipt,
// and cursor-stable listing. The filesystem under openspec/changes/ is
// the source of truth; nothing here keeps authoritative state in memory.
package change

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emergent-company/taskmcp/internal/config"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/lock"
	"github.com/emergent-company/taskmcp/internal/runner"
	"github.com/emergent-company/taskmcp/internal/sandbox"
)

// Store mediates all change operations against one sandbox root.
type Store struct {
	sb        *sandbox.Sandbox
	locks     *lock.Manager
	run       *runner.Runner
	templater Templater
	logger    *slog.Logger

	repoRoot string // parent of openspec/, where VCS commands run
	version  string // taskMcp tool version for receipts
	archive  config.ArchiveConfig
	timeouts config.LimitsConfig
	clock    func() time.Time

	mu            sync.Mutex
	observedTotal int // listing high-water mark for the lifetime of the process
}

// NewStore wires a Store from its collaborators. A nil templater selects
// the built-in filesystem templater.
func NewStore(cfg *config.Config, sb *sandbox.Sandbox, locks *lock.Manager, templater Templater, logger *slog.Logger) *Store {
	s := &Store{
		sb:        sb,
		locks:     locks,
		run:       runner.New(cfg.Server.WorkingDirectory, logger),
		templater: templater,
		logger:    logger,
		repoRoot:  cfg.Server.WorkingDirectory,
		version:   cfg.Server.Version,
		archive:   cfg.Archive,
		timeouts:  cfg.Limits,
		clock:     time.Now,
	}
	if s.templater == nil {
		s.templater = &fsTemplater{sb: sb}
	}
	return s
}

// Sandbox exposes the store's sandbox for readiness probes.
func (s *Store) Sandbox() *sandbox.Sandbox { return s.sb }

// Locks exposes the lock manager for listing and tooling.
func (s *Store) Locks() *lock.Manager { return s.locks }

// ActorName returns the process identity used as lock owner and receipt
// actor when the caller supplies none.
func ActorName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("pid-%d@%s", os.Getpid(), host)
}

// OpenParams are the inputs to Open.
type OpenParams struct {
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Rationale string `json:"rationale,omitempty"`
	Template  string `json:"template,omitempty"`
	Owner     string `json:"owner,omitempty"`
	TTL       int    `json:"ttl,omitempty"` // seconds
}

// OpenResult describes a freshly opened change.
type OpenResult struct {
	Slug  string       `json:"slug"`
	URI   string       `json:"uri"`
	Dir   string       `json:"dir"`
	Files []string     `json:"files"`
	Lock  *lock.Record `json:"lock,omitempty"`
}

// Open creates a change directory from a template and, when an owner is
// supplied, claims its lock. Exactly one of two concurrent opens for the
// same slug succeeds; the loser sees ELOCKED with the holder identity.
func (s *Store) Open(ctx context.Context, p OpenParams) (*OpenResult, error) {
	if err := sandbox.ValidateSlug(p.Slug); err != nil {
		return nil, err
	}
	if p.Title == "" {
		return nil, fault.New(fault.CodeInvalidParams, "title is required")
	}
	dir, err := s.sb.ChangeDir(p.Slug)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(dir, "proposal.md")); err == nil {
		return nil, fault.Newf(fault.CodeInvalidParams, "change %q already exists", p.Slug).
			WithHint("pick a different slug or archive the existing change")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "creating change directory")
	}

	// Claim the lock before materialising files so a concurrent open for
	// the same slug loses deterministically. On success the lock outlives
	// this call; it is released by archive or an explicit release.
	var rec *lock.Record
	var handle *lock.Handle
	if p.Owner != "" {
		ttl := p.TTL
		if ttl <= 0 {
			ttl = 300
		}
		h, err := s.locks.Acquire(dir, p.Owner, ttl)
		if err != nil {
			return nil, err
		}
		handle = h
		r, _ := s.locks.Read(dir)
		rec = r
	}

	created, err := s.templater.CreateChange(p.Template, TemplateParams{
		Title:     p.Title,
		Slug:      p.Slug,
		Rationale: p.Rationale,
	})
	if err != nil {
		// The change was never materialised; keeping the lock would make
		// the owner's own retry fail with ELOCKED until the TTL lapses.
		if handle != nil {
			if relErr := handle.Release(); relErr != nil {
				s.logger.Warn("releasing lock after template failure", "slug", p.Slug, "error", relErr)
			}
		}
		return nil, fault.Wrap(fault.CodeTemplate, err, "materialising change template")
	}

	files, err := s.relFiles(created)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "change opened", "slug", p.Slug, "owner", p.Owner)
	return &OpenResult{
		Slug:  p.Slug,
		URI:   "change://" + p.Slug,
		Dir:   created,
		Files: files,
		Lock:  rec,
	}, nil
}

// Release drops the lock on slug if owner holds it. Releasing an unheld
// lock reports released=false without error.
func (s *Store) Release(ctx context.Context, slug, owner string) (bool, error) {
	dir, err := s.sb.ChangeDir(slug)
	if err != nil {
		return false, err
	}
	released, err := s.locks.ReleaseOwned(dir, owner)
	if err != nil {
		return false, err
	}
	if released {
		s.logger.InfoContext(ctx, "lock released", "slug", slug, "owner", owner)
	}
	return released, nil
}

// relFiles lists the files under dir as repo-relative POSIX paths,
// excluding the transient lock file.
func (s *Store) relFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == lock.FileName {
			return nil
		}
		rel, err := filepath.Rel(s.repoRoot, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "listing change files")
	}
	return out, nil
}
