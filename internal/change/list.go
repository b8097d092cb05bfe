package change

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emergent-company/taskmcp/internal/fault"
	"github.com/emergent-company/taskmcp/internal/sandbox"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ListParams select a page of active changes. A nextPageToken takes
// precedence over page; a malformed token silently restarts at page 1.
type ListParams struct {
	Page          int    `json:"page,omitempty"`
	PageSize      int    `json:"pageSize,omitempty"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

// Item is one active change in a listing.
type Item struct {
	Slug     string    `json:"slug"`
	Title    string    `json:"title"`
	IsLocked bool      `json:"isLocked"`
	Mtime    time.Time `json:"mtime"`
	URI      string    `json:"uri"`
}

// ListResult is a page of the canonical (mtime DESC, slug ASC) order.
type ListResult struct {
	Items             []Item `json:"items"`
	Page              int    `json:"page"`
	PageSize          int    `json:"pageSize"`
	TotalItems        int    `json:"totalItems"`
	TotalPages        int    `json:"totalPages"`
	HasMore           bool   `json:"hasMore"`
	NextPageToken     string `json:"nextPageToken,omitempty"`
	PreviousPageToken string `json:"previousPageToken,omitempty"`
}

// cursor is the decoded form of an opaque page token. It is advisory: the
// server re-scans and seeks, so a tampered token can at worst skip or
// replay results, never escape the sandbox.
type cursor struct {
	Page      uint32 `json:"page"`
	Timestamp string `json:"timestamp"`
	SortKey   string `json:"sortKey"`
}

// List returns one page of active changes in a deterministic total order.
func (s *Store) List(p ListParams) (*ListResult, error) {
	items, err := s.scan()
	if err != nil {
		return nil, err
	}

	sortItems(items)

	total := len(items)
	s.mu.Lock()
	if total < s.observedTotal {
		// Never report fewer items than previously observed in this run.
		total = s.observedTotal
	} else {
		s.observedTotal = total
	}
	s.mu.Unlock()

	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	page := p.Page
	start := 0
	if p.NextPageToken != "" {
		if c, ok := decodeCursor(p.NextPageToken); ok {
			start = seekPast(items, c.SortKey)
			page = int(c.Page) + 1
		} else {
			page = 1
		}
	} else if page < 1 {
		page = 1
	}
	if p.NextPageToken == "" {
		start = (page - 1) * pageSize
	}
	if start > len(items) {
		start = len(items)
	}

	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	pageItems := items[start:end]

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}

	res := &ListResult{
		Items:      pageItems,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
		HasMore:    end < len(items),
	}
	if res.HasMore && len(pageItems) > 0 {
		last := pageItems[len(pageItems)-1]
		res.NextPageToken = encodeCursor(cursor{
			Page:      uint32(page),
			Timestamp: s.clock().UTC().Format(time.RFC3339),
			SortKey:   sortKey(last),
		})
	}
	if page > 1 && start > 0 {
		prevStart := start - pageSize
		if prevStart > 0 && prevStart-1 < len(items) {
			res.PreviousPageToken = encodeCursor(cursor{
				Page:      uint32(page - 2),
				Timestamp: s.clock().UTC().Format(time.RFC3339),
				SortKey:   sortKey(items[prevStart-1]),
			})
		}
	}
	return res, nil
}

// scan collects every active (non-archived) change.
func (s *Store) scan() ([]Item, error) {
	root := s.sb.ChangesRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.CodeIO, err, "reading changes directory")
	}

	var items []Item
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		slug := e.Name()
		if err := sandbox.ValidateSlug(slug); err != nil {
			continue // foreign directories are not changes
		}
		dir := filepath.Join(root, slug)
		if IsArchived(dir) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		locked, _ := s.locks.IsLocked(dir)
		items = append(items, Item{
			Slug:     slug,
			Title:    readTitle(filepath.Join(dir, "proposal.md"), slug),
			IsLocked: locked,
			Mtime:    info.ModTime().UTC(),
			URI:      "change://" + slug,
		})
	}
	return items, nil
}

// sortItems orders by (mtime DESC, slug ASC).
func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Mtime.Equal(items[j].Mtime) {
			return items[i].Mtime.After(items[j].Mtime)
		}
		return items[i].Slug < items[j].Slug
	})
}

// sortKey renders the cursor seek key: <mtime-iso>_<slug>. Mtimes keep
// their full precision; truncating here would make a resumed cursor skip
// every remaining item inside the truncated second.
func sortKey(it Item) string {
	return it.Mtime.UTC().Format(time.RFC3339Nano) + "_" + it.Slug
}

// seekPast returns the index of the first item strictly after the token's
// sort key in canonical order.
func seekPast(items []Item, key string) int {
	ts, slug, ok := strings.Cut(key, "_")
	if !ok {
		return 0
	}
	mtime, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0
	}
	for i, it := range items {
		// After in canonical order: older mtime, or same mtime and
		// lexicographically greater slug.
		if it.Mtime.Before(mtime) || (it.Mtime.Equal(mtime) && it.Slug > slug) {
			return i
		}
	}
	return len(items)
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

func decodeCursor(token string) (cursor, bool) {
	var c cursor
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return c, false
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, false
	}
	if c.SortKey == "" {
		return c, false
	}
	return c, true
}

// readTitle extracts the first "# " heading from proposal.md, falling
// back to the slug.
func readTitle(path, slug string) string {
	f, err := os.Open(path)
	if err != nil {
		return slug
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return slug
}
