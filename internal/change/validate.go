package change

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"

	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/lock"
)

// taskLine matches a markdown checklist item: "- [ ] ..." or "* [x] ...".
var taskLine = regexp.MustCompile(`(?m)^[-*]\s+\[[ xX]\]\s`)

// denyList holds the byte sequences refused in change file contents. The
// list defends audit logs and terminals that render file contents and is
// fixed: it must not vary with configuration.
var denyList = [][]byte{
	[]byte("<script"),
	[]byte("</script"),
}

// Validate checks the on-disk shape of the change directory and returns
// every problem found, not just the first. It never mutates.
func (s *Store) Validate(dir string) fault.List {
	var faults fault.List

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fault.List{fault.Newf(fault.CodeNotFound, "change directory not found: %s", filepath.Base(dir))}
	}

	proposal := filepath.Join(dir, "proposal.md")
	tasks := filepath.Join(dir, "tasks.md")

	proposalData, perr := os.ReadFile(proposal)
	switch {
	case os.IsNotExist(perr):
		faults = append(faults, fault.New(fault.CodeProposalMissing, "proposal.md is missing").
			WithContext("path", "proposal.md"))
	case perr != nil:
		faults = append(faults, fault.Wrap(fault.CodeIO, perr, "reading proposal.md"))
	case len(bytes.TrimSpace(proposalData)) == 0:
		faults = append(faults, fault.New(fault.CodeContentEmpty, "proposal.md is empty").
			WithContext("path", "proposal.md").
			WithHint("write the proposal before archiving"))
	}

	tasksData, terr := os.ReadFile(tasks)
	switch {
	case os.IsNotExist(terr):
		faults = append(faults, fault.New(fault.CodeTasksMissing, "tasks.md is missing").
			WithContext("path", "tasks.md"))
	case terr != nil:
		faults = append(faults, fault.Wrap(fault.CodeIO, terr, "reading tasks.md"))
	case len(bytes.TrimSpace(tasksData)) == 0:
		faults = append(faults, fault.New(fault.CodeContentEmpty, "tasks.md is empty").
			WithContext("path", "tasks.md").
			WithHint("add at least one checklist item"))
	case !taskLine.Match(tasksData):
		faults = append(faults, fault.New(fault.CodeTasksNoStructure, "tasks.md has no checklist items").
			WithContext("path", "tasks.md").
			WithHint("tasks must contain lines like \"- [ ] do the thing\""))
	}

	// Content and size checks over every file in the change directory.
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == lock.FileName || d.Name() == receiptFile {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		rel = filepath.ToSlash(rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if s.archive.PerFileCap > 0 && fi.Size() > s.archive.PerFileCap {
			faults = append(faults, fault.Newf(fault.CodeFileTooLarge, "%s exceeds the per-file cap", rel).
				WithContext("path", rel).
				WithContext("size", fi.Size()))
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if reason := scanContent(data); reason != "" {
			faults = append(faults, fault.Newf(fault.CodeSecurity, "%s contains %s", rel, reason).
				WithContext("path", rel))
		}
		return nil
	})
	if walkErr != nil {
		faults = append(faults, fault.Wrap(fault.CodeIO, walkErr, "scanning change directory"))
	}

	return faults
}

// scanContent returns a description of the first deny-list hit, or "".
func scanContent(data []byte) string {
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return "control bytes"
		}
	}
	lower := bytes.ToLower(data)
	for _, needle := range denyList {
		if bytes.Contains(lower, needle) {
			return "a denied byte sequence"
		}
	}
	return ""
}
