package change

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/emergent-company/taskmcp/internal/fault"
)

const receiptFile = "receipt.json"

// receiptSchema is the on-disk contract for receipt.json. A change counts
// as archived only when its receipt conforms.
const receiptSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["slug", "commits", "filesTouched", "tests", "archivedAt", "actor", "toolVersions"],
  "properties": {
    "slug": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$"},
    "commits": {"type": "array", "items": {"type": "string"}},
    "gitRange": {"type": "string"},
    "filesTouched": {"type": "array", "items": {"type": "string"}},
    "tests": {
      "type": "object",
      "required": ["added", "updated", "passed"],
      "properties": {
        "added": {"type": "integer", "minimum": 0},
        "updated": {"type": "integer", "minimum": 0},
        "passed": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "archivedAt": {"type": "string"},
    "actor": {
      "type": "object",
      "required": ["type", "name", "model"],
      "properties": {
        "type": {"type": "string"},
        "name": {"type": "string"},
        "model": {"type": "string"}
      },
      "additionalProperties": false
    },
    "toolVersions": {
      "type": "object",
      "required": ["taskMcp", "changeArchive", "cli"],
      "additionalProperties": {"type": "string"}
    }
  },
  "additionalProperties": false
}`

var compiledReceiptSchema = jsonschema.MustCompileString("receipt.json", receiptSchema)

// TestsSummary records what the external test runner reported.
type TestsSummary struct {
	Added   uint32 `json:"added"`
	Updated uint32 `json:"updated"`
	Passed  bool   `json:"passed"`
}

// Actor identifies who performed the archive.
type Actor struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

// Receipt is the canonical record written once at archive. Field order is
// the wire order; Canonical() renders the stable byte form.
type Receipt struct {
	Slug         string            `json:"slug"`
	Commits      []string          `json:"commits"`
	GitRange     string            `json:"gitRange,omitempty"`
	FilesTouched []string          `json:"filesTouched"`
	Tests        TestsSummary      `json:"tests"`
	ArchivedAt   string            `json:"archivedAt"`
	Actor        Actor             `json:"actor"`
	ToolVersions map[string]string `json:"toolVersions"`
}

// Canonical renders the receipt as its stable byte form: fixed key order,
// no extra whitespace, LF-terminated. Given identical inputs the bytes
// are identical across runs.
func (r *Receipt) Canonical() ([]byte, error) {
	// encoding/json emits struct fields in declaration order and sorts
	// map keys, which pins the byte order.
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, err, "encoding receipt")
	}
	return append(data, '\n'), nil
}

// ReadReceipt loads and schema-checks receipt.json in dir. A missing file
// returns (nil, nil); a malformed or non-conforming file is an error, and
// the change does not count as archived.
func ReadReceipt(dir string) (*Receipt, error) {
	data, err := os.ReadFile(filepath.Join(dir, receiptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.CodeIO, err, "reading receipt")
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "parsing receipt")
	}
	if err := compiledReceiptSchema.Validate(doc); err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "receipt does not conform to schema")
	}

	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fault.Wrap(fault.CodeIO, err, "decoding receipt")
	}
	return &r, nil
}

// IsArchived reports whether dir holds a schema-conforming receipt.
func IsArchived(dir string) bool {
	r, err := ReadReceipt(dir)
	return err == nil && r != nil
}

// writeReceipt writes the receipt atomically: canonical bytes to a temp
// sibling, fsync, rename over receipt.json, then fsync the directory so
// the rename is durable. Readers never observe a partial receipt.
func writeReceipt(dir string, r *Receipt) error {
	data, err := r.Canonical()
	if err != nil {
		return err
	}

	// Self-check against the schema before anything reaches disk.
	var doc any
	if err := json.Unmarshal(bytes.TrimSpace(data), &doc); err != nil {
		return fault.Wrap(fault.CodeInternal, err, "re-parsing receipt")
	}
	if err := compiledReceiptSchema.Validate(doc); err != nil {
		return fault.Wrap(fault.CodeInternal, err, "computed receipt does not conform to schema")
	}

	tmp := filepath.Join(dir, receiptFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fault.Wrap(fault.CodeIO, err, "creating receipt temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fault.Wrap(fault.CodeIO, err, "writing receipt")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fault.Wrap(fault.CodeIO, err, "syncing receipt")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.CodeIO, err, "closing receipt temp file")
	}
	if err := os.Rename(tmp, filepath.Join(dir, receiptFile)); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.CodeIO, err, "renaming receipt into place")
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
