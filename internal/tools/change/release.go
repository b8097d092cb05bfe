package change

import (
	"context"
	"encoding/json"

	store "github.com/emergent-company/taskmcp/internal/change"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

// releaseParams defines the input for change.release.
type releaseParams struct {
	Slug  string `json:"slug"`
	Owner string `json:"owner"`
}

// Release drops a change lock without archiving, letting an owner abandon
// an open change.
type Release struct {
	store *store.Store
}

// NewRelease creates the change.release tool.
func NewRelease(s *store.Store) *Release {
	return &Release{store: s}
}

func (t *Release) Name() string { return "change.release" }

func (t *Release) Description() string {
	return "Release the lock on a change if the supplied owner holds it. Releasing an unheld lock is a no-op."
}

func (t *Release) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "slug": {
      "type": "string",
      "description": "Slug of the locked change"
    },
    "owner": {
      "type": "string",
      "description": "Owner identifier that acquired the lock"
    }
  },
  "required": ["slug", "owner"]
}`)
}

func (t *Release) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p releaseParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.Wrap(fault.CodeInvalidParams, err, "invalid change.release parameters")
	}
	if p.Slug == "" || p.Owner == "" {
		return nil, fault.New(fault.CodeInvalidParams, "slug and owner are required")
	}

	released, err := t.store.Release(ctx, p.Slug, p.Owner)
	if err != nil {
		return nil, err
	}
	return mcp.JSONResult(map[string]any{
		"slug":     p.Slug,
		"released": released,
	})
}
