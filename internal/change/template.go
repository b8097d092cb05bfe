package change

import (
	"fmt"
	"os"
	"path/filepath"
)

// TemplateParams are the inputs a templater materialises into seed files.
type TemplateParams struct {
	Title     string
	Slug      string
	Rationale string
}

// Templater is the external collaborator that lays out a new change
// directory. Failures surface to callers as ETEMPLATE.
type Templater interface {
	// CreateChange materialises the named template and returns the
	// change directory path.
	CreateChange(template string, p TemplateParams) (string, error)
}

// fsTemplater is the built-in templater. It materialises one of three
// fixed layouts; unknown names fall back to "default".
type fsTemplater struct {
	sb interface {
		ChangeDir(slug string) (string, error)
	}
}

func (t *fsTemplater) CreateChange(template string, p TemplateParams) (string, error) {
	dir, err := t.sb.ChangeDir(p.Slug)
	if err != nil {
		return "", err
	}

	rationale := p.Rationale
	if rationale == "" {
		rationale = "_Why this change is needed._"
	}

	proposal := fmt.Sprintf("# %s\n\n## Why\n\n%s\n\n## What Changes\n\n- TBD\n", p.Title, rationale)
	tasks := "## 1. Implementation\n\n- [ ] 1.1 Draft the proposal\n- [ ] 1.2 Implement the change\n- [ ] 1.3 Verify and archive\n"

	switch template {
	case "feature":
		proposal += "\n## Impact\n\n- Affected specs: TBD\n- Affected code: TBD\n"
	case "bugfix":
		proposal = fmt.Sprintf("# %s\n\n## Problem\n\n%s\n\n## Fix\n\n- TBD\n\n## Regression Risk\n\n- TBD\n", p.Title, rationale)
		tasks = "## 1. Fix\n\n- [ ] 1.1 Reproduce the defect\n- [ ] 1.2 Apply the fix\n- [ ] 1.3 Add a regression test\n"
	}

	files := map[string]string{
		"proposal.md": proposal,
		"tasks.md":    tasks,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", name, err)
		}
	}
	for _, sub := range []string{"specs", "delta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("creating %s/: %w", sub, err)
		}
	}
	return dir, nil
}
