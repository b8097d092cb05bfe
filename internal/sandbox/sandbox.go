// Package sandbox confines every file operation to the canonicalised
// <root>/openspec/ prefix and validates change slugs. Path resolution
// expands every symlink along the full path, including ancestors, before
// the prefix check; symlink chains are bounded so cycles are refused
// rather than looped.
package sandbox

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/emergent-company/taskmcp/internal/fault"
)

// maxLinkDepth bounds symlink expansion across the whole path. A chain
// longer than this is treated as a cycle.
const maxLinkDepth = 40

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// Sandbox anchors resolution at a canonical <workdir>/openspec root.
type Sandbox struct {
	root string // canonical absolute path of <workdir>/openspec
}

// New creates a Sandbox rooted at <workdir>/openspec, creating the
// directory tree if absent.
func New(workdir string) (*Sandbox, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "resolving sandbox root")
	}
	root := filepath.Join(abs, "openspec")
	if err := os.MkdirAll(filepath.Join(root, "changes"), 0o755); err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "creating sandbox root")
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "canonicalising sandbox root")
	}
	return &Sandbox{root: canonical}, nil
}

// Root returns the canonical sandbox root (…/openspec).
func (s *Sandbox) Root() string { return s.root }

// ChangesRoot returns the canonical directory holding all changes.
func (s *Sandbox) ChangesRoot() string { return filepath.Join(s.root, "changes") }

// Resolve canonicalises userPath and guarantees the result is a descendant
// of the sandbox root. Relative paths are taken relative to the root. The
// final path components may not exist yet (creation path); everything that
// does exist is fully symlink-expanded first.
func (s *Sandbox) Resolve(userPath string) (string, error) {
	p := userPath
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	resolved, err := expandLinks(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", fault.Newf(fault.CodePathTraversal, "path escapes sandbox: %s", userPath).
			WithHint("paths must stay inside the openspec/ directory")
	}
	return resolved, nil
}

// ChangeDir validates slug and returns the canonical directory for it.
func (s *Sandbox) ChangeDir(slug string) (string, error) {
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}
	return s.Resolve(filepath.Join("changes", slug))
}

// ValidateSlug checks the slug grammar: 3-64 chars, lowercase
// alphanumerics with internal hyphens.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fault.Newf(fault.CodeBadSlug, "invalid slug: %q", slug).
			WithHint("slugs are 3-64 lowercase alphanumerics with internal hyphens")
	}
	return nil
}

// expandLinks walks path component by component, expanding every symlink
// it meets. Once a component is found to be absent, the remainder is
// appended verbatim: a creation path cannot contain further links. The
// total number of link expansions is bounded by maxLinkDepth.
func expandLinks(path string) (string, error) {
	// Work queue of components left to process, in order.
	queue := splitComponents(path)
	resolved := string(filepath.Separator)
	links := 0
	missing := false

	for len(queue) > 0 {
		comp := queue[0]
		queue = queue[1:]
		switch comp {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, comp)
		if missing {
			resolved = next
			continue
		}

		info, err := os.Lstat(next)
		if err != nil {
			if os.IsNotExist(err) {
				missing = true
				resolved = next
				continue
			}
			return "", fault.Wrap(fault.CodeIO, err, "inspecting path")
		}

		if info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		links++
		if links > maxLinkDepth {
			return "", fault.New(fault.CodeSymlinkCycle, "symlink chain too deep")
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", fault.Wrap(fault.CodeIO, err, "reading symlink")
		}
		if filepath.IsAbs(target) {
			resolved = string(filepath.Separator)
			queue = append(splitComponents(target), queue...)
		} else {
			queue = append(splitComponents(target), queue...)
		}
	}
	return resolved, nil
}

func splitComponents(p string) []string {
	p = strings.TrimPrefix(filepath.Clean(p), string(filepath.Separator))
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, string(filepath.Separator))
}
