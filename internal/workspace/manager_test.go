package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/branch"
	"github.com/joescharf/forge/internal/git"
	"github.com/joescharf/forge/internal/gittest"
	"github.com/joescharf/forge/internal/models"
)

// newTestManager returns a Manager whose root holds project "api" with a
// committed primary checkout.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	gittest.InitRepo(t, filepath.Join(root, "api", "main"))
	return NewManager(Options{Root: root}, git.NewClient(0), nil)
}

func TestProjectExists(t *testing.T) {
	m := newTestManager(t)
	assert.True(t, m.ProjectExists("api"))
	assert.False(t, m.ProjectExists("web"))
	assert.False(t, m.ProjectExists(""))

	require.NoError(t, os.MkdirAll(filepath.Join(m.Root(), "empty", "main"), 0o755))
	assert.False(t, m.ProjectExists("empty"))

	projects, err := m.ListProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, projects)
}

func TestCreateWorkspace_SeedsMetadataAndIsListed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, "api", "feat-payments", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "api", "feat-payments"), ws.Path)
	assert.Equal(t, "main", ws.BaseBranch)
	assert.Equal(t, models.WorkspaceActive, ws.Status)

	for _, dir := range []string{TodosPath(ws.Path), LogsPath(ws.Path), AgentsPath(ws.Path)} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
	desc, ok, err := ReadDescriptor(ws.Path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "api", desc.Scope)
	assert.Equal(t, "feat-payments", desc.Branch)
	assert.Equal(t, "main", desc.Base)
	assert.False(t, desc.CreatedAt.IsZero())

	assert.True(t, m.ProjectExists("api"))
	list, err := m.ListWorkspaces(ctx, "api")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Primary)
	assert.Equal(t, "main", list[0].Branch)
	assert.Equal(t, "feat-payments", list[1].Branch)
	assert.Equal(t, "main", list[1].BaseBranch)
	assert.False(t, list[1].LastModified.IsZero())

	// Seeded metadata is excluded and leaves the workspace clean.
	dirty, err := git.NewClient(0).IsDirty(ctx, ws.Path)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestCreateWorkspace_NormalizesName(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.CreateWorkspace(context.Background(), "api", "Fix Login Bug", "main")
	require.NoError(t, err)
	assert.Equal(t, "fix-login-bug", ws.Branch)
}

func TestCreateWorkspace_Errors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateWorkspace(ctx, "api", "payments", "")
	assert.ErrorIs(t, err, branch.ErrInvalidName)

	_, err = m.CreateWorkspace(ctx, "web", "feat-x", "")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = m.CreateWorkspace(ctx, "api", "feat-x", "")
	require.NoError(t, err)
	_, err = m.CreateWorkspace(ctx, "api", "feat-x", "")
	assert.ErrorIs(t, err, ErrWorkspaceExists)
	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, filepath.Join(m.Root(), "api", "feat-x"), werr.Path)

	require.NoError(t, m.DeactivateBranch(ctx, "api", "feat-x", false))
	_, err = m.CreateWorkspace(ctx, "api", "feat-x", "")
	assert.ErrorIs(t, err, ErrBranchExists)
}

func TestCreateWorkspace_MainReturnsPrimary(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.CreateWorkspace(context.Background(), "api", "main", "")
	require.NoError(t, err)
	assert.True(t, ws.Primary)
	assert.Equal(t, m.PrimaryPath("api"), ws.Path)
}

func TestRemoveWorkspace_RefusesUnsavedChanges(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	ws, err := m.CreateWorkspace(ctx, "api", "feat-x", "")
	require.NoError(t, err)

	gittest.WriteFile(t, ws.Path, "wip.txt", "draft")
	err = m.RemoveWorkspace(ctx, "api", "feat-x", false)
	assert.ErrorIs(t, err, ErrUnsavedChanges)

	gittest.Commit(t, ws.Path, "wip")
	err = m.RemoveWorkspace(ctx, "api", "feat-x", false)
	assert.ErrorIs(t, err, ErrUnsavedChanges, "committed but unpublished work is protected")

	require.NoError(t, m.RemoveWorkspace(ctx, "api", "feat-x", true))
	_, err = os.Stat(ws.Path)
	assert.True(t, os.IsNotExist(err))

	err = m.RemoveWorkspace(ctx, "api", "feat-x", false)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestMainIsProtected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	assert.ErrorIs(t, m.RemoveWorkspace(ctx, "api", "main", true), ErrMainProtected)
	assert.ErrorIs(t, m.DeactivateBranch(ctx, "api", "main", true), ErrMainProtected)
	assert.ErrorIs(t, m.DeleteBranch(ctx, "api", "main", true), ErrMainProtected)
}

func TestDeactivateAndReactivate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, "api", "feat-x", "")
	require.NoError(t, err)
	gittest.WriteFile(t, ws.Path, "feature.txt", "done")
	gittest.Commit(t, ws.Path, "feature")

	require.NoError(t, m.DeactivateBranch(ctx, "api", "feat-x", true))
	set, err := m.GetAllBranches(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, set.Active)
	assert.Equal(t, []string{"feat-x"}, set.Inactive)

	again, err := m.ActivateBranch(ctx, "api", "feat-x", "")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(again.Path, "feature.txt"))
	require.NoError(t, err, "reactivation restores committed history")

	same, err := m.ActivateBranch(ctx, "api", "feat-x", "")
	require.NoError(t, err)
	assert.Equal(t, again.Path, same.Path)

	set, err = m.GetAllBranches(ctx, "api")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "feat-x"}, set.Active)
	assert.Empty(t, set.Inactive)
}

func TestActivateBranch_NewBranchFromBase(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.ActivateBranch(context.Background(), "api", "docs-readme", "main")
	require.NoError(t, err)
	assert.Equal(t, "docs-readme", ws.Branch)
	_, err = os.Stat(filepath.Join(ws.Path, "README.md"))
	assert.NoError(t, err)
}

func TestCloneProject(t *testing.T) {
	remote := gittest.NewRemote(t)
	m := NewManager(Options{Root: t.TempDir()}, git.NewClient(0), nil)
	ctx := context.Background()

	ws, err := m.CloneProject(ctx, remote.Bare, "svc")
	require.NoError(t, err)
	assert.True(t, ws.Primary)
	assert.True(t, m.ProjectExists("svc"))
	_, err = os.Stat(TodosPath(ws.Path))
	assert.NoError(t, err)

	// Second clone is a no-op.
	_, err = m.CloneProject(ctx, "/does/not/exist", "svc")
	assert.NoError(t, err)
}

func TestActivateBranch_TracksRemoteBranch(t *testing.T) {
	remote := gittest.NewRemote(t)
	remote.PushUpstream(t, "feat-remote", map[string]string{"remote.txt": "x"}, "remote work")

	m := NewManager(Options{Root: t.TempDir()}, git.NewClient(0), nil)
	ctx := context.Background()
	_, err := m.CloneProject(ctx, remote.Bare, "svc")
	require.NoError(t, err)

	ws, err := m.ActivateBranch(ctx, "svc", "feat-remote", "")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws.Path, "remote.txt"))
	assert.NoError(t, err)
}

func TestSweep_PrunesMissingWorktrees(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	ws, err := m.CreateWorkspace(ctx, "api", "feat-gone", "")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(ws.Path))

	list, err := m.ListWorkspaces(ctx, "api")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, models.WorkspaceAbandoned, list[1].Status)

	m.Sweep(ctx)
	list, err = m.ListWorkspaces(ctx, "api")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListWorkspaces_UnknownProject(t *testing.T) {
	m := newTestManager(t)
	_, err := m.ListWorkspaces(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestProjectTodosPath_KeepsPrimaryClean(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	dir, err := m.ProjectTodosPath("api")
	require.NoError(t, err)
	assert.Equal(t, TodosPath(m.PrimaryPath("api")), dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.json"), []byte("{}"), 0o644))

	dirty, err := git.NewClient(0).IsDirty(ctx, m.PrimaryPath("api"))
	require.NoError(t, err)
	assert.False(t, dirty)

	_, err = m.ProjectTodosPath("web")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
