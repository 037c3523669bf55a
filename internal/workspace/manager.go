// Package workspace maps (project, branch) pairs to isolated git worktrees
// laid out as <root>/<project>/<branch>, with main reserved for the primary checkout.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/branch"
	"github.com/joescharf/forge/internal/git"
	"github.com/joescharf/forge/internal/models"
)

// Options configures a Manager.
type Options struct {
	Root              string
	Remote            string
	IntegrationBranch string
}

// Manager owns every workspace under a single root directory.
type Manager struct {
	root        string
	remote      string
	integration string
	git         git.Client
	log         *zap.Logger

	mu sync.Mutex
}

// NewManager returns a Manager rooted at opts.Root.
func NewManager(opts Options, gc git.Client, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.IntegrationBranch == "" {
		opts.IntegrationBranch = branch.Main
	}
	return &Manager{
		root:        opts.Root,
		remote:      opts.Remote,
		integration: opts.IntegrationBranch,
		git:         gc,
		log:         log.Named("workspace"),
	}
}

// Root returns the directory holding all projects.
func (m *Manager) Root() string { return m.root }

// Remote returns the upstream remote name.
func (m *Manager) Remote() string { return m.remote }

// IntegrationBranch returns the shared upstream branch new workspaces start from.
func (m *Manager) IntegrationBranch() string { return m.integration }

// PrimaryPath returns the canonical main checkout of project.
func (m *Manager) PrimaryPath(project string) string {
	return filepath.Join(m.root, project, branch.Main)
}

// WorkspacePath returns the path a branch workspace of project lives at.
func (m *Manager) WorkspacePath(project, name string) string {
	return filepath.Join(m.root, project, name)
}

// ProjectExists reports whether project has a primary checkout with a valid repository.
func (m *Manager) ProjectExists(project string) bool {
	if project == "" {
		return false
	}
	_, err := gogit.PlainOpen(m.PrimaryPath(project))
	return err == nil
}

// ListProjects returns every project under the root with a valid primary checkout.
func (m *Manager) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() && m.ProjectExists(e.Name()) {
			projects = append(projects, e.Name())
		}
	}
	return projects, nil
}

func (m *Manager) requireProject(op, project string) error {
	if !m.ProjectExists(project) {
		return &Error{Op: op, Project: project, Path: m.PrimaryPath(project), Err: ErrProjectNotFound}
	}
	return nil
}

// ListWorkspaces enumerates every worktree of project, primary first.
func (m *Manager) ListWorkspaces(ctx context.Context, project string) ([]models.Workspace, error) {
	if err := m.requireProject("list", project); err != nil {
		return nil, err
	}
	primary := m.PrimaryPath(project)
	infos, err := m.git.WorktreeList(ctx, primary)
	if err != nil {
		return nil, &Error{Op: "list", Project: project, Path: primary, Err: err}
	}

	out := make([]models.Workspace, 0, len(infos))
	for i, info := range infos {
		if info.Bare {
			continue
		}
		ws := models.Workspace{
			Project: project,
			Branch:  info.Branch,
			Path:    info.Path,
			Primary: i == 0,
			Status:  models.WorkspaceActive,
		}
		if info.Prunable {
			ws.Status = models.WorkspaceAbandoned
		} else {
			ws.LastModified = m.lastModified(ctx, info.Path)
			if desc, ok, _ := ReadDescriptor(info.Path); ok {
				ws.BaseBranch = desc.Base
			}
		}
		out = append(out, ws)
	}
	return out, nil
}

// Get returns the workspace of project checked out on name.
func (m *Manager) Get(ctx context.Context, project, name string) (models.Workspace, bool, error) {
	list, err := m.ListWorkspaces(ctx, project)
	if err != nil {
		return models.Workspace{}, false, err
	}
	for _, ws := range list {
		if ws.Branch == name {
			return ws, true, nil
		}
	}
	return models.Workspace{}, false, nil
}

func (m *Manager) lastModified(ctx context.Context, path string) time.Time {
	if t, err := m.git.LastCommitDate(ctx, path); err == nil {
		return t
	}
	if fi, err := os.Stat(path); err == nil {
		return fi.ModTime()
	}
	return time.Time{}
}

func (m *Manager) primaryWorkspace(ctx context.Context, project string) models.Workspace {
	p := m.PrimaryPath(project)
	return models.Workspace{
		Project:      project,
		Branch:       branch.Main,
		Path:         p,
		Primary:      true,
		Status:       models.WorkspaceActive,
		LastModified: m.lastModified(ctx, p),
	}
}

// normalize validates name and returns its normalized form.
func normalize(op, project, name string) (string, error) {
	if err := branch.Check(name); err != nil {
		return "", &Error{Op: op, Project: project, Branch: name, Err: err}
	}
	return branch.Normalize(name), nil
}

// CreateWorkspace creates a new branch from base checked out at a fresh
// workspace path. For main it returns the primary checkout unchanged.
func (m *Manager) CreateWorkspace(ctx context.Context, project, name, base string) (models.Workspace, error) {
	name, err := normalize("create", project, name)
	if err != nil {
		return models.Workspace{}, err
	}
	if name == branch.Main {
		return m.primaryWorkspace(ctx, project), nil
	}
	if err := m.requireProject("create", project); err != nil {
		return models.Workspace{}, err
	}
	if base == "" {
		base = m.integration
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorkspacePath(project, name)
	if _, err := os.Stat(path); err == nil {
		return models.Workspace{}, &Error{Op: "create", Project: project, Branch: name, Path: path, Err: ErrWorkspaceExists}
	}
	primary := m.PrimaryPath(project)
	exists, err := m.git.BranchExists(ctx, primary, name)
	if err != nil {
		return models.Workspace{}, &Error{Op: "create", Project: project, Branch: name, Path: path, Err: err}
	}
	if exists {
		return models.Workspace{}, &Error{Op: "create", Project: project, Branch: name, Path: path, Err: ErrBranchExists}
	}
	if err := m.git.WorktreeAdd(ctx, primary, path, name, base, true); err != nil {
		return models.Workspace{}, &Error{Op: "create", Project: project, Branch: name, Path: path, Err: err}
	}
	if err := m.seed(project, name, base, path); err != nil {
		return models.Workspace{}, &Error{Op: "create", Project: project, Branch: name, Path: path, Err: err}
	}
	m.log.Info("workspace created", zap.String("project", project), zap.String("branch", name),
		zap.String("base", base), zap.String("path", path))
	return m.newWorkspace(project, name, base, path), nil
}

// ActivateBranch checks out an existing or new branch into a workspace.
// An existing local branch is reused; a branch that only exists upstream is
// tracked; otherwise a new branch is created from base. Activating a branch
// that already has a workspace returns it.
func (m *Manager) ActivateBranch(ctx context.Context, project, name, base string) (models.Workspace, error) {
	name, err := normalize("activate", project, name)
	if err != nil {
		return models.Workspace{}, err
	}
	if name == branch.Main {
		return m.primaryWorkspace(ctx, project), nil
	}
	if err := m.requireProject("activate", project); err != nil {
		return models.Workspace{}, err
	}
	if base == "" {
		base = m.integration
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	primary := m.PrimaryPath(project)
	path := m.WorkspacePath(project, name)
	if _, err := os.Stat(path); err == nil {
		infos, err := m.git.WorktreeList(ctx, primary)
		if err != nil {
			return models.Workspace{}, &Error{Op: "activate", Project: project, Branch: name, Path: path, Err: err}
		}
		for _, info := range infos {
			if info.Branch == name && !info.Prunable {
				return m.newWorkspace(project, name, base, path), nil
			}
		}
		return models.Workspace{}, &Error{Op: "activate", Project: project, Branch: name, Path: path, Err: ErrWorkspaceExists}
	}

	local, err := m.git.BranchExists(ctx, primary, name)
	if err != nil {
		return models.Workspace{}, &Error{Op: "activate", Project: project, Branch: name, Path: path, Err: err}
	}
	switch {
	case local:
		err = m.git.WorktreeAdd(ctx, primary, path, name, "", false)
	default:
		remote, rerr := m.git.RemoteBranchExists(ctx, primary, m.remote, name)
		if rerr != nil {
			return models.Workspace{}, &Error{Op: "activate", Project: project, Branch: name, Path: path, Err: rerr}
		}
		start := base
		if remote {
			start = m.remote + "/" + name
		}
		err = m.git.WorktreeAdd(ctx, primary, path, name, start, true)
	}
	if err != nil {
		return models.Workspace{}, &Error{Op: "activate", Project: project, Branch: name, Path: path, Err: err}
	}
	if err := m.seed(project, name, base, path); err != nil {
		return models.Workspace{}, &Error{Op: "activate", Project: project, Branch: name, Path: path, Err: err}
	}
	m.log.Info("branch activated", zap.String("project", project), zap.String("branch", name),
		zap.Bool("existing", local), zap.String("path", path))
	return m.newWorkspace(project, name, base, path), nil
}

// DeactivateBranch removes the workspace of a branch and keeps the branch reference.
func (m *Manager) DeactivateBranch(ctx context.Context, project, name string, force bool) error {
	return m.removeWorkspace(ctx, "deactivate", project, name, force)
}

// RemoveWorkspace removes the workspace of a branch. Without force it refuses
// when the workspace has uncommitted or unpublished changes.
func (m *Manager) RemoveWorkspace(ctx context.Context, project, name string, force bool) error {
	return m.removeWorkspace(ctx, "remove", project, name, force)
}

func (m *Manager) removeWorkspace(ctx context.Context, op, project, name string, force bool) error {
	name = branch.Normalize(name)
	if name == branch.Main {
		return &Error{Op: op, Project: project, Branch: name, Err: ErrMainProtected}
	}
	if err := m.requireProject(op, project); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	primary := m.PrimaryPath(project)
	path := m.WorkspacePath(project, name)
	if _, err := os.Stat(path); err != nil {
		return &Error{Op: op, Project: project, Branch: name, Path: path, Err: ErrWorkspaceNotFound}
	}
	if !force {
		if err := m.checkSaved(ctx, name, path); err != nil {
			return &Error{Op: op, Project: project, Branch: name, Path: path, Err: err}
		}
	}
	if err := m.git.WorktreeRemove(ctx, primary, path, force); err != nil {
		return &Error{Op: op, Project: project, Branch: name, Path: path, Err: err}
	}
	m.log.Info("workspace removed", zap.String("op", op), zap.String("project", project),
		zap.String("branch", name), zap.Bool("force", force))
	return nil
}

// checkSaved returns ErrUnsavedChanges when the workspace is dirty or has
// commits not present upstream.
func (m *Manager) checkSaved(ctx context.Context, name, path string) error {
	dirty, err := m.git.IsDirty(ctx, path)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%w: uncommitted changes", ErrUnsavedChanges)
	}
	compare := m.remote + "/" + name
	remote, err := m.git.RemoteBranchExists(ctx, path, m.remote, name)
	if err != nil {
		return err
	}
	if !remote {
		compare = m.integration
		if desc, ok, _ := ReadDescriptor(path); ok && desc.Base != "" {
			compare = desc.Base
		}
	}
	unpushed, err := m.git.HasUnpushedCommits(ctx, path, compare)
	if err != nil {
		return err
	}
	if unpushed {
		return fmt.Errorf("%w: commits not in %s", ErrUnsavedChanges, compare)
	}
	return nil
}

// DeleteBranch removes a branch reference. The branch must not have a workspace.
func (m *Manager) DeleteBranch(ctx context.Context, project, name string, force bool) error {
	name = branch.Normalize(name)
	if name == branch.Main {
		return &Error{Op: "delete-branch", Project: project, Branch: name, Err: ErrMainProtected}
	}
	if err := m.requireProject("delete-branch", project); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.git.DeleteBranch(ctx, m.PrimaryPath(project), name, force); err != nil {
		return &Error{Op: "delete-branch", Project: project, Branch: name, Err: err}
	}
	return nil
}

// CloneProject materializes the primary checkout of project from remoteURL.
// It is a no-op when the project already exists.
func (m *Manager) CloneProject(ctx context.Context, remoteURL, project string) (models.Workspace, error) {
	if m.ProjectExists(project) {
		return m.primaryWorkspace(ctx, project), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	primary := m.PrimaryPath(project)
	if err := os.MkdirAll(filepath.Dir(primary), 0o755); err != nil {
		return models.Workspace{}, &Error{Op: "clone", Project: project, Path: primary, Err: err}
	}
	if err := m.git.Clone(ctx, remoteURL, primary); err != nil {
		return models.Workspace{}, &Error{Op: "clone", Project: project, Path: primary, Err: err}
	}
	if err := m.seed(project, branch.Main, "", primary); err != nil {
		return models.Workspace{}, &Error{Op: "clone", Project: project, Path: primary, Err: err}
	}
	m.log.Info("project cloned", zap.String("project", project), zap.String("remote", remoteURL))
	return m.primaryWorkspace(ctx, project), nil
}

// GetAllBranches splits the local branches of project into those with a
// workspace and those that exist only as references.
func (m *Manager) GetAllBranches(ctx context.Context, project string) (models.BranchSet, error) {
	var set models.BranchSet
	if err := m.requireProject("branches", project); err != nil {
		return set, err
	}
	primary := m.PrimaryPath(project)
	repo, err := gogit.PlainOpen(primary)
	if err != nil {
		return set, &Error{Op: "branches", Project: project, Path: primary, Err: err}
	}
	refs, err := repo.Branches()
	if err != nil {
		return set, &Error{Op: "branches", Project: project, Path: primary, Err: err}
	}
	var all []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		all = append(all, ref.Name().Short())
		return nil
	})
	if err != nil {
		return set, &Error{Op: "branches", Project: project, Path: primary, Err: err}
	}

	infos, err := m.git.WorktreeList(ctx, primary)
	if err != nil {
		return set, &Error{Op: "branches", Project: project, Path: primary, Err: err}
	}
	checkedOut := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.Branch != "" && !info.Prunable {
			checkedOut[info.Branch] = true
		}
	}
	sort.Strings(all)
	for _, b := range all {
		if checkedOut[b] {
			set.Active = append(set.Active, b)
		} else {
			set.Inactive = append(set.Inactive, b)
		}
	}
	return set, nil
}

// Sweep prunes stale worktree records for every project. Failures are logged
// and skipped.
func (m *Manager) Sweep(ctx context.Context) {
	projects, err := m.ListProjects()
	if err != nil {
		m.log.Warn("sweep: list projects", zap.Error(err))
		return
	}
	for _, p := range projects {
		if err := m.git.WorktreePrune(ctx, m.PrimaryPath(p)); err != nil {
			m.log.Warn("sweep: prune worktrees", zap.String("project", p), zap.Error(err))
			continue
		}
		m.log.Debug("sweep: pruned", zap.String("project", p))
	}
}

// ProjectTodosPath returns the work-item directory of project's primary
// checkout, excluding the metadata dir from git status first.
func (m *Manager) ProjectTodosPath(project string) (string, error) {
	if err := m.requireProject("todos", project); err != nil {
		return "", err
	}
	primary := m.PrimaryPath(project)
	if err := ensureExcluded(primary); err != nil {
		return "", fmt.Errorf("exclude metadata dir: %w", err)
	}
	return TodosPath(primary), nil
}

func (m *Manager) seed(project, name, base, path string) error {
	if err := ensureExcluded(m.PrimaryPath(project)); err != nil {
		m.log.Warn("exclude metadata dir", zap.String("project", project), zap.Error(err))
	}
	return seedMetadata(path, models.WorkspaceDescriptor{Scope: project, Branch: name, Base: base})
}

func (m *Manager) newWorkspace(project, name, base, path string) models.Workspace {
	now := time.Now().UTC()
	return models.Workspace{
		Project:      project,
		Branch:       name,
		BaseBranch:   base,
		Path:         path,
		Status:       models.WorkspaceActive,
		TestStatus:   models.TestPending,
		LastModified: now,
		LastActivity: now,
	}
}
