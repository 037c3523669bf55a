package todo

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "todos"))
	require.NoError(t, err)
	return s
}

func ptr[T any](v T) *T { return &v }

func TestCreate_RootAndChild(t *testing.T) {
	s := newTestStore(t)

	root, err := s.Create("", models.WorkItem{Title: "Fix login bug", Project: "api"})
	require.NoError(t, err)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, models.TypeTask, root.Type)
	assert.Equal(t, models.StatusPending, root.Status)
	assert.Equal(t, models.PriorityMedium, root.Priority)
	assert.Equal(t, "general", root.Area)

	child, err := s.Create(root.ID, models.WorkItem{Title: "Add regression test"})
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, int64(0), child.OrderIndex)
	assert.Equal(t, "api", child.Project, "project inherited from parent")

	tree, err := s.BuildTree()
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, root.ID, tree[0].Item.ID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, child.ID, tree[0].Children[0].Item.ID)
	assert.Equal(t, 1, tree[0].Children[0].Item.Depth)
	assert.Equal(t, int64(0), tree[0].Children[0].Item.OrderIndex)
}

func TestCreate_OrderIndex(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	r1, err := s.Create("", models.WorkItem{Title: "one"})
	require.NoError(t, err)
	r2, err := s.Create("", models.WorkItem{Title: "two"})
	require.NoError(t, err)
	assert.Greater(t, r2.OrderIndex, r1.OrderIndex, "roots created later sort after earlier ones")

	for i := 0; i < 3; i++ {
		c, err := s.Create(r1.ID, models.WorkItem{Title: "child"})
		require.NoError(t, err)
		assert.Equal(t, int64(i), c.OrderIndex)
	}
}

func TestCreate_ConcurrentSiblingsGetDistinctOrder(t *testing.T) {
	s := newTestStore(t)
	parent, err := s.Create("", models.WorkItem{Title: "Epic"})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(parent.ID, models.WorkItem{Title: "child " + string(rune('a'+i))})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	children, err := s.ListChildren(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, n)
	order := make([]int, 0, n)
	for _, c := range children {
		order = append(order, int(c.OrderIndex))
	}
	sort.Ints(order)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
}

func TestCreate_Validation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("", models.WorkItem{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = s.Create("", models.WorkItem{Title: "x", Type: "saga"})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = s.Create("missing", models.WorkItem{Title: "x"})
	assert.ErrorIs(t, err, ErrParentNotFound)

	items, err := s.ListAll()
	require.NoError(t, err)
	assert.Empty(t, items, "rejected creates write nothing")
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get("01J0000000000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get("../etc/passwd")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return created }
	item, err := s.Create("", models.WorkItem{Title: "Draft", Description: "first"})
	require.NoError(t, err)

	later := created.Add(time.Hour)
	s.now = func() time.Time { return later }
	updated, ok, err := s.Update(item.ID, Patch{
		Status:   ptr(models.StatusInProgress),
		Tags:     ptr([]string{"payments"}),
		Category: &models.Category{ID: "backend", Name: "Backend", Team: "platform", Color: "#10b981"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusInProgress, updated.Status)
	assert.Equal(t, "Draft", updated.Title)
	assert.Equal(t, "first", updated.Description)
	assert.Equal(t, later, updated.UpdatedAt)
	assert.Equal(t, created, updated.CreatedAt)

	got, ok, err := s.Get(item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, updated, got)

	_, ok, err = s.Update("nope", Patch{Title: ptr("x")})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Update(item.ID, Patch{Priority: ptr(models.Priority("urgent"))})
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestDelete_Cascade(t *testing.T) {
	s := newTestStore(t)
	root, _ := s.Create("", models.WorkItem{Title: "root"})
	a, _ := s.Create(root.ID, models.WorkItem{Title: "a"})
	a1, _ := s.Create(a.ID, models.WorkItem{Title: "a1"})
	b, _ := s.Create(root.ID, models.WorkItem{Title: "b"})

	ok, err := s.Delete(a.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, id := range []string{a.ID, a1.ID} {
		_, found, err := s.Get(id)
		require.NoError(t, err)
		assert.False(t, found)
	}
	for _, id := range []string{root.ID, b.ID} {
		_, found, err := s.Get(id)
		require.NoError(t, err)
		assert.True(t, found)
	}

	ok, err = s.Delete(a.ID, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_NoCascadeLeavesOrphansAsRoots(t *testing.T) {
	s := newTestStore(t)
	root, _ := s.Create("", models.WorkItem{Title: "root"})
	child, _ := s.Create(root.ID, models.WorkItem{Title: "child"})

	ok, err := s.Delete(root.ID, false)
	require.NoError(t, err)
	require.True(t, ok)

	tree, err := s.BuildTree()
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, child.ID, tree[0].Item.ID)
}

func TestMove_RecomputesSubtreeDepth(t *testing.T) {
	s := newTestStore(t)
	r1, _ := s.Create("", models.WorkItem{Title: "r1"})
	r2, _ := s.Create("", models.WorkItem{Title: "r2"})
	a, _ := s.Create(r1.ID, models.WorkItem{Title: "a"})
	a1, _ := s.Create(a.ID, models.WorkItem{Title: "a1"})
	a2, _ := s.Create(a1.ID, models.WorkItem{Title: "a2"})
	_, _ = s.Create(r2.ID, models.WorkItem{Title: "existing"})

	moved, ok, err := s.Move(a.ID, r2.ID, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, moved.Depth)
	assert.Equal(t, int64(1), moved.OrderIndex, "appended after existing sibling")

	// Promote the subtree root; descendants follow.
	moved, _, err = s.Move(a1.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Depth)
	got, _, err := s.Get(a2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Depth)

	// Demote under a deep node.
	_, _, err = s.Move(a1.ID, a.ID, ptr(int64(7)))
	require.NoError(t, err)
	got1, _, _ := s.Get(a1.ID)
	got2, _, _ := s.Get(a2.ID)
	assert.Equal(t, 2, got1.Depth)
	assert.Equal(t, int64(7), got1.OrderIndex)
	assert.Equal(t, 3, got2.Depth)

	assertDepthInvariant(t, s)
}

func TestMove_Errors(t *testing.T) {
	s := newTestStore(t)
	r, _ := s.Create("", models.WorkItem{Title: "r"})
	c, _ := s.Create(r.ID, models.WorkItem{Title: "c"})

	_, _, err := s.Move(r.ID, c.ID, nil)
	assert.ErrorIs(t, err, ErrCycle)
	_, _, err = s.Move(r.ID, r.ID, nil)
	assert.ErrorIs(t, err, ErrCycle)
	_, _, err = s.Move(c.ID, "ghost", nil)
	assert.ErrorIs(t, err, ErrParentNotFound)
	_, ok, err := s.Move("ghost", "", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListChildren_Sorted(t *testing.T) {
	s := newTestStore(t)
	r, _ := s.Create("", models.WorkItem{Title: "r"})
	first, _ := s.Create(r.ID, models.WorkItem{Title: "first"})
	second, _ := s.Create(r.ID, models.WorkItem{Title: "second"})
	_, _, err := s.Move(first.ID, r.ID, ptr(int64(5)))
	require.NoError(t, err)

	kids, err := s.ListChildren(r.ID)
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, second.ID, kids[0].ID)
	assert.Equal(t, first.ID, kids[1].ID)
}

func TestRecordFileLayout(t *testing.T) {
	s := newTestStore(t)
	item, err := s.Create("", models.WorkItem{Title: "Layout", Description: "Body text."})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.Dir(), item.ID+".md"))
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "---\n"))
	assert.Contains(t, text, "parent_id: null\n")
	assert.Contains(t, text, "# Layout\n\n## Description\n\nBody text.\n\n<!-- forge:generated -->\n## Details")
}

func assertDepthInvariant(t *testing.T, s *Store) {
	t.Helper()
	items, err := s.ListAll()
	require.NoError(t, err)
	byID := make(map[string]models.WorkItem)
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, it := range items {
		if it.ParentID == "" {
			assert.Equal(t, 0, it.Depth, "root %s", it.Title)
			continue
		}
		p, ok := byID[it.ParentID]
		require.True(t, ok)
		assert.Equal(t, p.Depth+1, it.Depth, "child %s", it.Title)
	}
}
