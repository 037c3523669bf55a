// Package reconciler keeps every workspace branch converged with its upstream.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/forge/internal/git"
	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/models"
)

// DefaultInterval is the time between background passes.
const DefaultInterval = 5 * time.Minute

// ErrUnknownStrategy is returned for a conflict strategy outside the known set.
var ErrUnknownStrategy = errors.New("unknown conflict strategy")

// Workspaces is the subset of the workspace manager the reconciler walks.
type Workspaces interface {
	ListProjects() ([]string, error)
	ListWorkspaces(ctx context.Context, project string) ([]models.Workspace, error)
	Get(ctx context.Context, project, name string) (models.Workspace, bool, error)
	Remote() string
}

// StatusStore persists the latest status per (project, branch).
type StatusStore interface {
	SaveSyncStatus(ctx context.Context, status *models.SyncStatus) error
	ListSyncStatuses(ctx context.Context, project string) ([]*models.SyncStatus, error)
}

// Config controls the background loop.
type Config struct {
	// Enabled turns the background loop on. RunCycle works either way.
	Enabled bool
	// Interval between passes. Default: 5 minutes.
	Interval time.Duration
	// Concurrency bounds how many projects are checked at once. Default: 4.
	Concurrency int
}

// Reconciler runs periodic sync passes over all workspaces.
type Reconciler struct {
	ws      Workspaces
	git     git.Client
	store   StatusStore
	metrics *metrics.Metrics
	config  Config
	logger  *zap.Logger

	mu        sync.RWMutex
	statuses  map[string]map[string]models.SyncStatus
	lastCycle time.Time
	running   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reconciler. store and m may be nil.
func New(ws Workspaces, gc git.Client, store StatusStore, m *metrics.Metrics, config Config, logger *zap.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ws:       ws,
		git:      gc,
		store:    store,
		metrics:  m,
		config:   config,
		logger:   logger.Named("reconciler"),
		statuses: make(map[string]map[string]models.SyncStatus),
	}
}

// Start runs a pass immediately and then every Interval until Stop or ctx
// ends. It returns at once; a disabled reconciler does nothing.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.config.Enabled {
		r.logger.Info("background reconciler disabled")
		return
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("starting background reconciler", zap.Duration("interval", r.config.Interval))
	go r.run(ctx)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("stopping background reconciler")
	close(stopCh)
	<-doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// IsRunning reports whether the background loop is active.
func (r *Reconciler) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// LastCycle returns when the most recent pass finished.
func (r *Reconciler) LastCycle() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCycle
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	r.cycle(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("background reconciler stopped: context canceled")
			return
		case <-r.stopCh:
			r.logger.Info("background reconciler stopped: stop requested")
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	if _, err := r.RunCycle(ctx); err != nil {
		r.logger.Warn("reconcile pass failed", zap.Error(err))
	}
}

// RunCycle checks every workspace of every project, fast-forwarding clean
// workspaces that are only behind, and returns the resulting statuses
// ordered by project and branch.
func (r *Reconciler) RunCycle(ctx context.Context) ([]models.SyncStatus, error) {
	projects, err := r.ws.ListProjects()
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	var mu sync.Mutex
	byProject := make(map[string][]models.SyncStatus, len(projects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)
	for _, project := range projects {
		g.Go(func() error {
			statuses := r.reconcileProject(gctx, project)
			mu.Lock()
			byProject[project] = statuses
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var all []models.SyncStatus
	counts := make(map[string]int)
	r.mu.Lock()
	for project, statuses := range byProject {
		m := make(map[string]models.SyncStatus, len(statuses))
		for _, st := range statuses {
			m[st.Branch] = st
			counts[string(st.State)]++
		}
		r.statuses[project] = m
		all = append(all, statuses...)
	}
	r.lastCycle = time.Now()
	r.mu.Unlock()

	sortStatuses(all)
	for i := range all {
		r.persist(ctx, &all[i])
	}
	r.metrics.Cycle(counts)
	r.logger.Debug("reconcile pass complete", zap.Int("projects", len(projects)), zap.Int("workspaces", len(all)))
	return all, nil
}

func (r *Reconciler) reconcileProject(ctx context.Context, project string) []models.SyncStatus {
	list, err := r.ws.ListWorkspaces(ctx, project)
	if err != nil {
		r.logger.Warn("list workspaces", zap.String("project", project), zap.Error(err))
		return []models.SyncStatus{{
			Project: project, State: models.SyncError, Message: err.Error(),
			NeedsAttention: true, CheckedAt: time.Now(),
		}}
	}
	var out []models.SyncStatus
	for _, ws := range list {
		if ws.Branch == "" || ws.Status == models.WorkspaceAbandoned {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		out = append(out, r.reconcile(ctx, ws))
	}
	return out
}

// reconcile checks ws and fast-forwards it to <remote>/<branch> when it is
// only behind and clean.
func (r *Reconciler) reconcile(ctx context.Context, ws models.Workspace) models.SyncStatus {
	st := r.Check(ctx, ws)
	if st.State != models.SyncBehind {
		return st
	}
	dirty, err := r.git.IsDirty(ctx, ws.Path)
	if err != nil {
		st.Message += "; could not check for local modifications"
		return st
	}
	if dirty {
		r.logger.Info("skipping fast-forward of modified workspace",
			zap.String("project", ws.Project), zap.String("branch", ws.Branch))
		st.Message += "; local modifications, not fast-forwarded"
		return st
	}
	upstream := r.ws.Remote() + "/" + ws.Branch
	if err := r.git.MergeFFOnly(ctx, ws.Path, upstream); err != nil {
		r.logger.Warn("fast-forward failed", zap.String("project", ws.Project),
			zap.String("branch", ws.Branch), zap.Error(err))
		st.Message += "; fast-forward failed"
		st.NeedsAttention = true
		return st
	}
	r.metrics.FastForward()
	r.logger.Info("fast-forwarded workspace", zap.String("project", ws.Project),
		zap.String("branch", ws.Branch), zap.Int("commits", st.Behind))
	return r.Check(ctx, ws)
}

// Check fetches and classifies one workspace without changing it. Each
// branch is compared with its own remote-tracking branch, <remote>/<branch>.
// For the primary checkout that is the shared integration branch; feature
// workspaces follow their published branch and never merge the integration
// branch in.
func (r *Reconciler) Check(ctx context.Context, ws models.Workspace) models.SyncStatus {
	st := models.SyncStatus{
		Project:   ws.Project,
		Branch:    ws.Branch,
		Path:      ws.Path,
		CheckedAt: time.Now(),
	}
	remote := r.ws.Remote()
	if err := r.git.Fetch(ctx, ws.Path, remote); err != nil {
		r.logger.Debug("fetch failed", zap.String("project", ws.Project), zap.String("branch", ws.Branch), zap.Error(err))
	}

	conflicts, err := r.git.ConflictedFiles(ctx, ws.Path)
	if err != nil {
		return errorStatus(st, err)
	}
	st.Conflicts = conflicts

	published, err := r.git.RemoteBranchExists(ctx, ws.Path, remote, ws.Branch)
	if err != nil {
		return errorStatus(st, err)
	}
	if !published {
		st.State = Classify(0, 0, len(conflicts))
		if st.State == models.SyncSynced {
			st.State = models.SyncAhead
			st.Message = "Branch needs to be published"
		} else {
			st.Message = Message(st.State, 0, 0, len(conflicts))
		}
		st.NeedsAttention = st.State == models.SyncConflict
		return st
	}

	st.Ahead, st.Behind, err = r.git.AheadBehind(ctx, ws.Path, remote+"/"+ws.Branch)
	if err != nil {
		return errorStatus(st, err)
	}
	st.State = Classify(st.Ahead, st.Behind, len(conflicts))
	st.Message = Message(st.State, st.Ahead, st.Behind, len(conflicts))
	st.NeedsAttention = st.State == models.SyncConflict || st.State == models.SyncDiverged
	return st
}

func errorStatus(st models.SyncStatus, err error) models.SyncStatus {
	st.State = models.SyncError
	st.Message = err.Error()
	st.NeedsAttention = true
	return st
}

// Classify applies the precedence conflict > diverged > ahead > behind > synced.
func Classify(ahead, behind, conflicts int) models.SyncState {
	switch {
	case conflicts > 0:
		return models.SyncConflict
	case ahead > 0 && behind > 0:
		return models.SyncDiverged
	case ahead > 0:
		return models.SyncAhead
	case behind > 0:
		return models.SyncBehind
	default:
		return models.SyncSynced
	}
}

// Message renders the human summary of a classified status.
func Message(state models.SyncState, ahead, behind, conflicts int) string {
	switch state {
	case models.SyncConflict:
		return fmt.Sprintf("%d %s unresolved conflicts", conflicts, plural(conflicts, "file has", "files have"))
	case models.SyncDiverged:
		return fmt.Sprintf("Diverged: %d ahead, %d behind", ahead, behind)
	case models.SyncAhead:
		return fmt.Sprintf("Ahead by %d %s", ahead, plural(ahead, "commit", "commits"))
	case models.SyncBehind:
		return fmt.Sprintf("Behind by %d %s", behind, plural(behind, "commit", "commits"))
	case models.SyncSynced:
		return "Up to date"
	}
	return string(state)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// GetProjectsNeedingAttention runs a fresh pass and keeps only conflicted or
// flagged statuses.
func (r *Reconciler) GetProjectsNeedingAttention(ctx context.Context) ([]models.SyncStatus, error) {
	all, err := r.RunCycle(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.SyncStatus
	for _, st := range all {
		if st.State == models.SyncConflict || st.NeedsAttention {
			out = append(out, st)
		}
	}
	return out, nil
}

// Statuses returns the last known statuses for project, or for every project
// when project is empty. Before the first pass it falls back to the store.
func (r *Reconciler) Statuses(ctx context.Context, project string) ([]models.SyncStatus, error) {
	r.mu.RLock()
	var out []models.SyncStatus
	for p, byBranch := range r.statuses {
		if project != "" && p != project {
			continue
		}
		for _, st := range byBranch {
			out = append(out, st)
		}
	}
	r.mu.RUnlock()

	if len(out) == 0 && r.store != nil {
		stored, err := r.store.ListSyncStatuses(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("load sync statuses: %w", err)
		}
		for _, st := range stored {
			out = append(out, *st)
		}
	}
	sortStatuses(out)
	return out, nil
}

func (r *Reconciler) remember(ctx context.Context, st models.SyncStatus) {
	r.mu.Lock()
	if r.statuses[st.Project] == nil {
		r.statuses[st.Project] = make(map[string]models.SyncStatus)
	}
	r.statuses[st.Project][st.Branch] = st
	r.mu.Unlock()
	r.persist(ctx, &st)
}

func (r *Reconciler) persist(ctx context.Context, st *models.SyncStatus) {
	if r.store == nil || st.Branch == "" {
		return
	}
	if err := r.store.SaveSyncStatus(ctx, st); err != nil {
		r.logger.Warn("save sync status", zap.String("project", st.Project),
			zap.String("branch", st.Branch), zap.Error(err))
	}
}

func sortStatuses(list []models.SyncStatus) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Project != list[j].Project {
			return list[i].Project < list[j].Project
		}
		return list[i].Branch < list[j].Branch
	})
}
