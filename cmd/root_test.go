package cmd

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/gittest"
	"github.com/joescharf/forge/internal/models"
)

func TestGetManager_Shared(t *testing.T) {
	testEnv(t)
	assert.Same(t, getManager(), getManager())
}

func TestTodoStore_SharedAcrossCallers(t *testing.T) {
	dir := testEnv(t)
	gittest.InitRepo(t, filepath.Join(dir, "workspaces", "api", "main"))

	first, err := todoStore("api")
	require.NoError(t, err)
	second, err := todoStore("api")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = todoStore("web")
	assert.Error(t, err)

	parent, err := first.Create("", models.WorkItem{Title: "Epic", Project: "api"})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts, err := todoStore("api")
			if err == nil {
				_, err = ts.Create(parent.ID, models.WorkItem{Title: "Child"})
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	children, err := first.ListChildren(parent.ID)
	require.NoError(t, err)
	order := make([]int, 0, len(children))
	for _, c := range children {
		order = append(order, int(c.OrderIndex))
	}
	sort.Ints(order)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
}
