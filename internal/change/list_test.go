package change

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedChanges opens n changes with strictly decreasing mtimes so the
// canonical order is change-00, change-01, ...
func seedChanges(t *testing.T, s *Store, n int) []string {
	t.Helper()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	slugs := make([]string, n)
	for i := 0; i < n; i++ {
		slug := fmt.Sprintf("change-%02d", i)
		res := mustOpen(t, s, slug)
		mtime := base.Add(-time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(res.Dir, mtime, mtime))
		slugs[i] = slug
	}
	return slugs
}

func listedSlugs(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Slug
	}
	return out
}

func TestListOrdersByMtimeDescThenSlug(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 4)

	// Two more sharing one mtime: the tie breaks on slug ascending.
	tied := time.Now().Truncate(time.Second)
	for _, slug := range []string{"zz-tied", "aa-tied"} {
		res := mustOpen(t, s, slug)
		require.NoError(t, os.Chtimes(res.Dir, tied, tied))
	}

	res, err := s.List(ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"aa-tied", "zz-tied", "change-00", "change-01", "change-02", "change-03"},
		listedSlugs(res.Items))
}

func TestListPaginationAndTokens(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 5)

	page1, err := s.List(ListParams{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"change-00", "change-01"}, listedSlugs(page1.Items))
	assert.Equal(t, 1, page1.Page)
	assert.Equal(t, 5, page1.TotalItems)
	assert.Equal(t, 3, page1.TotalPages)
	assert.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextPageToken)

	page2, err := s.List(ListParams{PageSize: 2, NextPageToken: page1.NextPageToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"change-02", "change-03"}, listedSlugs(page2.Items))
	assert.Equal(t, 2, page2.Page)
	assert.True(t, page2.HasMore)

	page3, err := s.List(ListParams{PageSize: 2, NextPageToken: page2.NextPageToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"change-04"}, listedSlugs(page3.Items))
	assert.False(t, page3.HasMore)
	assert.Empty(t, page3.NextPageToken)
}

func TestListTokenSurvivesDeletion(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 5)

	page1, err := s.List(ListParams{PageSize: 2})
	require.NoError(t, err)

	// An item from the first page disappears between requests. The cursor
	// seeks past its sort key, so nothing on later pages is skipped.
	require.NoError(t, os.RemoveAll(filepath.Join(s.sb.ChangesRoot(), "change-00")))

	page2, err := s.List(ListParams{PageSize: 2, NextPageToken: page1.NextPageToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"change-02", "change-03"}, listedSlugs(page2.Items))
}

func TestListCursorKeepsSubSecondOrder(t *testing.T) {
	s := newTestStore(t)

	// Three changes inside the same wall-clock second. The cursor's sort
	// key must carry the full mtime precision or resuming after the first
	// page would skip the rest of the second.
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for slug, offset := range map[string]time.Duration{
		"sub-aa": 800 * time.Millisecond,
		"sub-bb": 500 * time.Millisecond,
		"sub-cc": 200 * time.Millisecond,
	} {
		res := mustOpen(t, s, slug)
		mtime := base.Add(offset)
		require.NoError(t, os.Chtimes(res.Dir, mtime, mtime))
	}

	var got []string
	token := ""
	for i := 0; i < 4; i++ {
		res, err := s.List(ListParams{PageSize: 1, NextPageToken: token})
		require.NoError(t, err)
		got = append(got, listedSlugs(res.Items)...)
		if !res.HasMore {
			break
		}
		token = res.NextPageToken
	}
	assert.Equal(t, []string{"sub-aa", "sub-bb", "sub-cc"}, got)
}

func TestListMalformedTokenRestartsAtPageOne(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 3)

	for _, token := range []string{"garbage", "bm90IGpzb24=", "e30="} {
		res, err := s.List(ListParams{PageSize: 2, NextPageToken: token})
		require.NoError(t, err, token)
		assert.Equal(t, 1, res.Page, token)
		assert.Equal(t, []string{"change-00", "change-01"}, listedSlugs(res.Items), token)
	}
}

func TestListPageSizeBounds(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 3)

	res, err := s.List(ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 50, res.PageSize)

	res, err = s.List(ListParams{PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, res.PageSize)
}

func TestListExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 2)

	_, err := s.Archive(context.Background(), "change-00")
	require.NoError(t, err)

	res, err := s.List(ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"change-01"}, listedSlugs(res.Items))
}

func TestListSkipsForeignDirectories(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 1)
	require.NoError(t, os.MkdirAll(filepath.Join(s.sb.ChangesRoot(), "Not A Slug"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.sb.ChangesRoot(), "stray.txt"), []byte("x"), 0o644))

	res, err := s.List(ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"change-00"}, listedSlugs(res.Items))
}

func TestListTotalItemsIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	seedChanges(t, s, 3)

	first, err := s.List(ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, first.TotalItems)

	require.NoError(t, os.RemoveAll(filepath.Join(s.sb.ChangesRoot(), "change-02")))

	second, err := s.List(ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, second.TotalItems, "totalItems never shrinks within a run")
	assert.Len(t, second.Items, 2)
}

func TestListReportsTitleAndLockState(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Open(context.Background(), OpenParams{
		Title: "Add rate limiting",
		Slug:  "add-rate-limit",
		Owner: "alice",
	})
	require.NoError(t, err)

	res, err := s.List(ListParams{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Add rate limiting", res.Items[0].Title)
	assert.True(t, res.Items[0].IsLocked)
	assert.Equal(t, "change://add-rate-limit", res.Items[0].URI)
}
