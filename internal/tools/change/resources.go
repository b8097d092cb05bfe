package change

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	store "github.com/emergent-company/taskmcp/internal/change"
	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/mcp"
)

const uriScheme = "change://"

// Resources exposes active changes as change://<slug> MCP resources.
// The set follows the filesystem; nothing is registered ahead of time.
type Resources struct {
	store *store.Store
}

// NewResources creates the resource provider backed by the store.
func NewResources(s *store.Store) *Resources {
	return &Resources{store: s}
}

// ListResources lists every active change as a resource definition.
func (r *Resources) ListResources(ctx context.Context) ([]mcp.ResourceDefinition, error) {
	listing, err := r.store.List(store.ListParams{PageSize: 100})
	if err != nil {
		return nil, err
	}
	defs := make([]mcp.ResourceDefinition, 0, len(listing.Items))
	for _, item := range listing.Items {
		defs = append(defs, mcp.ResourceDefinition{
			URI:         item.URI,
			Name:        item.Title,
			Description: "Active change " + item.Slug,
			MimeType:    "text/markdown",
		})
	}
	return defs, nil
}

// ReadResource returns the proposal and tasks documents of one change.
func (r *Resources) ReadResource(ctx context.Context, uri string) (*mcp.ResourcesReadResult, error) {
	slug, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "unknown resource scheme: %s", uri)
	}
	dir, err := r.store.Sandbox().ChangeDir(slug)
	if err != nil {
		return nil, err
	}

	var contents []mcp.ResourceContent
	for _, name := range []string{"proposal.md", "tasks.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fault.Wrap(fault.CodeIO, err, "reading "+name)
		}
		contents = append(contents, mcp.ResourceContent{
			URI:      uri + "/" + name,
			MimeType: "text/markdown",
			Text:     string(data),
		})
	}
	if len(contents) == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "no such change: %s", slug)
	}
	return &mcp.ResourcesReadResult{Contents: contents}, nil
}
