// Package orchestrator drives agent sessions through planning, step
// execution, testing, demo capture, and publishing inside isolated workspaces.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/branch"
	"github.com/joescharf/forge/internal/ids"
	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/planner"
	"github.com/joescharf/forge/internal/store"
	"github.com/joescharf/forge/internal/todo"
	"github.com/joescharf/forge/internal/workspace"
)

var (
	ErrInvalidRequest = errors.New("invalid session request")
	// ErrWorkspaceBusy reports a workspace path already bound to a running session.
	ErrWorkspaceBusy = fmt.Errorf("%w: workspace is in use by another session", ErrInvalidRequest)
	errStopped       = errors.New("session stopped")
)

const (
	reasonStopped     = "stopped by user"
	reasonInterrupted = "interrupted by restart"
)

// Workspaces is the subset of the workspace manager sessions need.
type Workspaces interface {
	PrimaryPath(project string) string
	CreateWorkspace(ctx context.Context, project, name, base string) (models.Workspace, error)
	RemoveWorkspace(ctx context.Context, project, name string, force bool) error
	Sweep(ctx context.Context)
}

// Planner turns a requirement into a step plan. It never fails.
type Planner interface {
	PlanTask(ctx context.Context, requirement string, summary planner.Summary) *models.Plan
}

// Checkpointer persists session snapshots.
type Checkpointer interface {
	SaveAgentSession(ctx context.Context, session *models.AgentSession) error
	GetAgentSession(ctx context.Context, id string) (*models.AgentSession, bool, error)
	ListAgentSessions(ctx context.Context, filter store.SessionFilter) ([]*models.AgentSession, error)
}

// WorkItems updates the work item a session is linked to.
type WorkItems interface {
	Update(id string, patch todo.Patch) (models.WorkItem, bool, error)
}

// Options wires an Orchestrator. Only Workspaces and Planner are required.
type Options struct {
	Workspaces Workspaces
	Planner    Planner
	Guide      llm.Provider
	Selector   string
	Runner     CommandRunner
	Publisher  Publisher
	Previewer  Previewer
	Store      Checkpointer
	WorkItems  func(project string) (WorkItems, error)
	Summarize  func(dir string) planner.Summary
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	Policy         Policy
	BaseBranch     string
	TestCommand    string
	PreviewCommand string
	PreviewURL     string
	PreviewTimeout time.Duration
	Publish        bool
}

// StartOptions selects where a session runs.
type StartOptions struct {
	Project string
	// Branch defaults to a name suggested from the requirement.
	Branch string
	Base   string
	// WorkspacePath reuses an existing checkout instead of creating one.
	WorkspacePath string
	WorkItemID    string
}

type entry struct {
	session   *models.AgentSession
	summary   planner.Summary
	owned     bool
	boundPath string
	completed []int
	done      chan struct{}
}

// Orchestrator owns the in-memory session map and its background runs.
type Orchestrator struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	// bound maps a workspace path to the session running in it.
	bound map[string]string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an Orchestrator. Call Initialize before Start to recover
// checkpoints left by a previous process.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = NewExecRunner(0)
	}
	if opts.Summarize == nil {
		opts.Summarize = planner.Summarize
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = branch.Main
	}
	if opts.PreviewTimeout <= 0 {
		opts.PreviewTimeout = 2 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:     opts,
		log:      log.Named("orchestrator"),
		now:      time.Now,
		sessions: make(map[string]*entry),
		bound:    make(map[string]string),
		base:     base,
		cancel:   cancel,
	}
}

// Initialize marks checkpointed sessions that were still running as failed
// and sweeps stale workspaces. Sweep problems are logged, not returned.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.opts.Store != nil {
		stale, err := o.opts.Store.ListAgentSessions(ctx, store.SessionFilter{States: []models.SessionState{
			models.SessionStatePlanning, models.SessionStateExecuting,
			models.SessionStateTesting, models.SessionStateDemoing,
		}})
		if err != nil {
			return fmt.Errorf("load checkpoints: %w", err)
		}
		for _, s := range stale {
			now := o.now()
			s.State = models.SessionStateFailed
			s.LastError = reasonInterrupted
			s.CompletedAt = &now
			s.Workspace.Status = models.WorkspaceFailed
			s.Logs = append(s.Logs, models.LogEntry{Time: now, Level: models.LogError, Step: s.CurrentStep, Message: "Session " + reasonInterrupted})
			if s.Workspace.Path != "" {
				if _, err := os.Stat(s.Workspace.Path); os.IsNotExist(err) {
					s.Workspace.Status = models.WorkspaceAbandoned
					s.Logs = append(s.Logs, models.LogEntry{Time: now, Level: models.LogWarning, Step: s.CurrentStep,
						Message: "Workspace " + s.Workspace.Path + " no longer exists"})
				}
			}
			if err := o.opts.Store.SaveAgentSession(ctx, s); err != nil {
				return fmt.Errorf("checkpoint %s: %w", s.ID, err)
			}
			o.log.Warn("session interrupted by restart", zap.String("session", s.ID),
				zap.String("workspace", s.Workspace.Path), zap.String("status", string(s.Workspace.Status)))
		}
	}
	if o.opts.Workspaces != nil {
		o.opts.Workspaces.Sweep(ctx)
	}
	return nil
}

// Shutdown cancels running sessions and waits for them to unwind or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start plans the requirement, binds a workspace, and runs the session in the
// background. The returned snapshot is in the planning state.
func (o *Orchestrator) Start(ctx context.Context, requirement string, opts StartOptions) (*models.AgentSession, error) {
	requirement = strings.TrimSpace(requirement)
	if requirement == "" {
		return nil, fmt.Errorf("%w: requirement is empty", ErrInvalidRequest)
	}
	if opts.Project == "" && opts.WorkspacePath == "" {
		return nil, fmt.Errorf("%w: project or workspace path is required", ErrInvalidRequest)
	}
	if opts.Base == "" {
		opts.Base = o.opts.BaseBranch
	}

	id := ids.New()
	summaryDir := opts.WorkspacePath
	if summaryDir == "" {
		summaryDir = o.opts.Workspaces.PrimaryPath(opts.Project)
	}
	summary := o.opts.Summarize(summaryDir)
	plan := o.opts.Planner.PlanTask(ctx, requirement, summary)

	ws, owned, err := o.bindWorkspace(ctx, id, requirement, opts)
	if err != nil {
		return nil, err
	}
	ws.SessionID = id
	ws.TaskID = opts.WorkItemID
	ws.TotalSteps = len(plan.Steps)
	ws.TestStatus = models.TestPending
	ws.Status = models.WorkspaceActive
	ws.LastActivity = o.now()

	e := &entry{
		session: &models.AgentSession{
			ID:          id,
			Requirement: requirement,
			WorkItemID:  opts.WorkItemID,
			State:       models.SessionStatePlanning,
			Plan:        plan,
			Workspace:   ws,
			StartedAt:   o.now(),
		},
		summary:   summary,
		owned:     owned,
		boundPath: workspaceKey(ws.Path),
		done:      make(chan struct{}),
	}
	o.appendLog(e, models.LogInfo, fmt.Sprintf("Plan ready: %d steps, %d minutes estimated", len(plan.Steps), plan.TotalEstimatedMinutes))
	if plan.Fallback {
		o.appendLog(e, models.LogWarning, "Using fallback plan")
	}
	o.appendLog(e, models.LogInfo, "Workspace bound at "+ws.Path)

	o.mu.Lock()
	o.sessions[id] = e
	snapshot := e.session.Clone()
	o.mu.Unlock()

	o.opts.Metrics.SessionStarted()
	o.checkpoint(ctx, e)

	o.wg.Add(1)
	go o.run(o.base, e)
	return snapshot, nil
}

func (o *Orchestrator) bindWorkspace(ctx context.Context, id, requirement string, opts StartOptions) (models.Workspace, bool, error) {
	if opts.WorkspacePath != "" {
		info, err := os.Stat(opts.WorkspacePath)
		if err != nil || !info.IsDir() {
			return models.Workspace{}, false, fmt.Errorf("%w: workspace path %s is not a directory", ErrInvalidRequest, opts.WorkspacePath)
		}
		if err := o.claim(opts.WorkspacePath, id); err != nil {
			return models.Workspace{}, false, err
		}
		ws := models.Workspace{Project: opts.Project, Branch: opts.Branch, BaseBranch: opts.Base, Path: opts.WorkspacePath}
		if desc, ok, _ := workspace.ReadDescriptor(opts.WorkspacePath); ok {
			if ws.Branch == "" {
				ws.Branch = desc.Branch
			}
			if desc.Base != "" {
				ws.BaseBranch = desc.Base
			}
		}
		return ws, false, nil
	}

	name := opts.Branch
	suggested := name == ""
	if suggested {
		name = branch.Suggest(requirement)
	}
	ws, err := o.opts.Workspaces.CreateWorkspace(ctx, opts.Project, name, opts.Base)
	if suggested && (errors.Is(err, workspace.ErrBranchExists) || errors.Is(err, workspace.ErrWorkspaceExists)) {
		ws, err = o.opts.Workspaces.CreateWorkspace(ctx, opts.Project, uniqueName(name, id), opts.Base)
	}
	if err != nil {
		return models.Workspace{}, false, err
	}
	if err := o.claim(ws.Path, id); err != nil {
		if !ws.Primary {
			_ = o.opts.Workspaces.RemoveWorkspace(ctx, ws.Project, ws.Branch, true)
		}
		return models.Workspace{}, false, err
	}
	return ws, !ws.Primary, nil
}

// claim binds path to session id unless another session holds it.
func (o *Orchestrator) claim(path, id string) error {
	key := workspaceKey(path)
	o.mu.Lock()
	defer o.mu.Unlock()
	if holder, ok := o.bound[key]; ok && holder != id {
		return fmt.Errorf("%w: %s is held by session %s", ErrWorkspaceBusy, path, holder)
	}
	o.bound[key] = id
	return nil
}

func (o *Orchestrator) release(e *entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bound[e.boundPath] == e.session.ID {
		delete(o.bound, e.boundPath)
	}
}

func workspaceKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// uniqueName suffixes name with the short session id, staying within MaxLength.
func uniqueName(name, id string) string {
	suffix := "-" + ids.Short(id)
	if len(name)+len(suffix) > branch.MaxLength {
		name = strings.TrimRight(name[:branch.MaxLength-len(suffix)], "-/")
	}
	return name + suffix
}

func (o *Orchestrator) run(ctx context.Context, e *entry) {
	defer o.wg.Done()
	defer close(e.done)
	// The path stays bound until the run unwinds, even after a stop.
	defer o.release(e)

	o.linkWorkItem(e, models.StatusInProgress, models.WorkspaceActive)
	if !o.transition(ctx, e, models.SessionStateExecuting) {
		return
	}
	if err := o.executeSteps(ctx, e); err != nil {
		if !errors.Is(err, errStopped) {
			o.fail(ctx, e, err)
		}
		return
	}
	if !o.transition(ctx, e, models.SessionStateTesting) {
		return
	}
	testsRan := o.runTests(ctx, e)
	if !o.transition(ctx, e, models.SessionStateDemoing) {
		return
	}
	o.captureDemo(ctx, e)
	if o.isStopped(e) {
		return
	}
	o.publish(ctx, e, testsRan)
	o.complete(ctx, e)
}

func (o *Orchestrator) executeSteps(ctx context.Context, e *entry) error {
	o.mu.Lock()
	steps := append([]models.Step(nil), e.session.Plan.Steps...)
	ws := e.session.Workspace
	o.mu.Unlock()

	done := make(map[int]bool, len(steps))
	for i, step := range steps {
		if o.isStopped(e) || ctx.Err() != nil {
			return errStopped
		}
		o.mutate(e, func(s *models.AgentSession) {
			s.CurrentStep = step.ID
			s.Workspace.CurrentStep = i + 1
			s.Workspace.StepDescription = step.Title
			s.Workspace.LastActivity = o.now()
		})
		o.appendLog(e, models.LogInfo, fmt.Sprintf("Step %d/%d: %s", i+1, len(steps), step.Title))
		for _, dep := range step.Dependencies {
			if !done[dep] {
				o.appendLog(e, models.LogWarning, fmt.Sprintf("Step %d depends on step %d, which has not completed", step.ID, dep))
			}
		}

		started := o.now()
		if err := o.runStep(ctx, e, ws, step); err != nil {
			if errors.Is(err, errStopped) {
				return err
			}
			return fmt.Errorf("step %d (%s): %w", step.ID, step.Title, err)
		}
		o.opts.Metrics.Step(o.now().Sub(started).Seconds())

		done[step.ID] = true
		o.mu.Lock()
		e.completed = append(e.completed, step.ID)
		o.mu.Unlock()
		o.appendLog(e, models.LogSuccess, fmt.Sprintf("Step %d completed", step.ID))
		o.checkpoint(ctx, e)
	}
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, e *entry, ws models.Workspace, step models.Step) error {
	actions, rejected := o.opts.Policy.ParseActions(o.guidance(ctx, e, step))
	for _, r := range rejected {
		o.opts.Metrics.Command("rejected")
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Skipped %q: %s", r.Line, r.Reason))
	}
	for _, a := range actions {
		if o.isStopped(e) || ctx.Err() != nil {
			return errStopped
		}
		if err := o.perform(ctx, e, ws, a); err != nil {
			if a.TestRelated() {
				o.appendLog(e, models.LogWarning, fmt.Sprintf("Test command failed, continuing: %v", err))
				continue
			}
			return err
		}
	}

	if step.Verification == "" {
		return nil
	}
	check, err := o.opts.Policy.ParseCommand(step.Verification)
	if err != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Verification %q skipped: %v", step.Verification, err))
		return nil
	}
	if err := o.perform(ctx, e, ws, check); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	return nil
}

const guidanceContext = `You are guiding an automated agent through one step of a software task.
Answer with fenced blocks only:
- a ` + "```bash" + ` block, one command per line, for installing dependencies or running
  project scripts (npm, pnpm, yarn, go, pip, python -m pytest, make, cargo)
- a ` + "```file <relative/path>" + ` block holding the complete new contents of a file
No pipes, redirection, command chaining, or variables. Paths are relative to the repository root.
`

func (o *Orchestrator) guidance(ctx context.Context, e *entry, step models.Step) string {
	if o.opts.Guide == nil {
		o.appendLog(e, models.LogInfo, "No AI collaborator configured, step has no actions")
		return ""
	}
	o.mu.Lock()
	goal := e.session.Requirement
	if e.session.Plan != nil && e.session.Plan.Goal != "" {
		goal = e.session.Plan.Goal
	}
	o.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nStep %d: %s\n%s\n", goal, step.ID, step.Title, step.Description)
	if step.Deliverable != "" {
		fmt.Fprintf(&b, "Deliverable: %s\n", step.Deliverable)
	}
	if step.ExitCriteria != "" {
		fmt.Fprintf(&b, "Done when: %s\n", step.ExitCriteria)
	}
	if len(step.Files) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(step.Files, ", "))
	}
	resp, err := o.opts.Guide.Generate(ctx, b.String(), guidanceContext+"\nCodebase:\n"+e.summary.String(), o.opts.Selector)
	if err != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Guidance unavailable: %v", err))
		return ""
	}
	return resp
}

func (o *Orchestrator) perform(ctx context.Context, e *entry, ws models.Workspace, a Action) error {
	if a.Kind == ActionWriteFile {
		target, err := resolveInside(ws.Path, a.Path)
		if err == nil {
			err = os.WriteFile(target, []byte(a.Content), 0o644)
		}
		if err != nil {
			o.opts.Metrics.Command("failed")
			o.appendLog(e, models.LogError, fmt.Sprintf("Write %s failed: %v", a.Path, err))
			return err
		}
		o.opts.Metrics.Command("ok")
		o.appendLog(e, models.LogInfo, "Wrote "+a.Path)
		return nil
	}

	o.appendLog(e, models.LogInfo, "Running "+a.String())
	out, err := o.opts.Runner.Run(ctx, ws.Path, a.Args)
	if err != nil {
		o.opts.Metrics.Command("failed")
		o.appendLog(e, models.LogError, fmt.Sprintf("%v\n%s", err, tail(out, 2000)))
		return err
	}
	o.opts.Metrics.Command("ok")
	return nil
}

// runTests reports whether a test command ran.
func (o *Orchestrator) runTests(ctx context.Context, e *entry) bool {
	line := o.opts.TestCommand
	if line == "" {
		line = DetectTestCommand(e.summary)
	}
	if line == "" {
		o.appendLog(e, models.LogInfo, "No test command configured, skipping tests")
		return false
	}
	a, err := o.opts.Policy.ParseCommand(line)
	if err != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Test command %q skipped: %v", line, err))
		return false
	}

	o.mutate(e, func(s *models.AgentSession) { s.Workspace.TestStatus = models.TestRunning })
	o.appendLog(e, models.LogInfo, "Running tests: "+line)
	started := o.now()
	out, runErr := o.opts.Runner.Run(ctx, e.session.Workspace.Path, a.Args)
	run := models.TestRun{
		Command:  line,
		Passed:   runErr == nil,
		Output:   tail(out, 4000),
		Duration: o.now().Sub(started).Round(time.Millisecond).String(),
		RanAt:    started,
	}
	o.mutate(e, func(s *models.AgentSession) {
		s.Artifacts.TestRuns = append(s.Artifacts.TestRuns, run)
		s.Workspace.TestStatus = models.TestPassed
		if !run.Passed {
			s.Workspace.TestStatus = models.TestFailed
		}
	})
	if runErr != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Tests failed: %v", runErr))
	} else {
		o.appendLog(e, models.LogSuccess, "Tests passed")
	}
	o.checkpoint(ctx, e)
	return true
}

// DetectTestCommand picks a test command from the codebase summary.
func DetectTestCommand(s planner.Summary) string {
	if _, ok := s.Scripts["test"]; ok {
		for _, f := range s.Files {
			switch f {
			case "pnpm-lock.yaml":
				return "pnpm test"
			case "yarn.lock":
				return "yarn test"
			}
		}
		return "npm test"
	}
	switch s.Language {
	case "go":
		return "go test ./..."
	case "rust":
		return "cargo test"
	case "python":
		return "python -m pytest"
	}
	return ""
}

func (o *Orchestrator) captureDemo(ctx context.Context, e *entry) {
	if o.opts.PreviewCommand == "" || o.opts.PreviewURL == "" || o.opts.Previewer == nil {
		o.appendLog(e, models.LogInfo, "No preview configured, skipping demo capture")
		return
	}
	a, err := o.opts.Policy.ParseCommand(o.opts.PreviewCommand)
	if err != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Preview command skipped: %v", err))
		return
	}
	dest := filepath.Join(workspace.AgentsPath(e.session.Workspace.Path), e.session.ID, "preview.html")
	ctx, cancel := context.WithTimeout(ctx, o.opts.PreviewTimeout)
	defer cancel()
	if err := o.opts.Previewer.Capture(ctx, e.session.Workspace.Path, a.Args, o.opts.PreviewURL, dest); err != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Demo capture failed: %v", err))
		return
	}
	o.mutate(e, func(s *models.AgentSession) {
		s.Artifacts.Screenshots = append(s.Artifacts.Screenshots, dest)
	})
	o.appendLog(e, models.LogSuccess, "Captured preview at "+dest)
}

func (o *Orchestrator) publish(ctx context.Context, e *entry, testsRan bool) {
	if o.opts.Publisher == nil {
		return
	}
	o.mu.Lock()
	ws := e.session.Workspace
	o.mu.Unlock()

	changed, err := o.opts.Publisher.ChangedFiles(ctx, ws)
	if err != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Could not list changed files: %v", err))
	}
	o.mutate(e, func(s *models.AgentSession) {
		s.Artifacts.ChangedFiles = changed
		s.Workspace.ChangedFiles = changed
	})
	if !o.opts.Publish {
		o.appendLog(e, models.LogInfo, fmt.Sprintf("Publishing disabled, %d changed files left in workspace", len(changed)))
		return
	}
	if len(changed) == 0 {
		o.appendLog(e, models.LogInfo, "No changes to publish")
		return
	}

	o.mu.Lock()
	snapshot := e.session.Clone()
	completed := append([]int(nil), e.completed...)
	o.mu.Unlock()

	url, err := o.opts.Publisher.Publish(ctx, ws, title(snapshot), describe(snapshot, completed, testsRan))
	if err != nil {
		o.appendLog(e, models.LogError, fmt.Sprintf("Publishing failed, work is preserved in %s: %v", ws.Path, err))
		return
	}
	o.mutate(e, func(s *models.AgentSession) { s.Artifacts.PullRequestURL = url })
	if url != "" {
		o.appendLog(e, models.LogSuccess, "Opened change request "+url)
	} else {
		o.appendLog(e, models.LogSuccess, "Pushed branch "+ws.Branch)
	}
}

func title(s *models.AgentSession) string {
	t := s.Requirement
	if s.Plan != nil && s.Plan.Goal != "" {
		t = s.Plan.Goal
	}
	t = strings.Join(strings.Fields(t), " ")
	if len(t) > 72 {
		t = strings.TrimSpace(t[:69]) + "..."
	}
	return t
}

func (o *Orchestrator) complete(ctx context.Context, e *entry) {
	now := o.now()
	var pr string
	ok := o.mutate(e, func(s *models.AgentSession) {
		s.State = models.SessionStateCompleted
		s.CompletedAt = &now
		s.Workspace.Status = models.WorkspaceCompleted
		s.Workspace.LastActivity = now
		pr = s.Artifacts.PullRequestURL
	})
	if !ok {
		return
	}
	o.appendLog(e, models.LogSuccess, "Session completed")
	status := models.StatusDone
	if pr != "" {
		status = models.StatusInReview
	}
	o.linkWorkItem(e, status, models.WorkspaceCompleted)
	o.opts.Metrics.SessionFinished(string(models.SessionStateCompleted))
	o.checkpoint(ctx, e)
}

func (o *Orchestrator) fail(ctx context.Context, e *entry, cause error) {
	now := o.now()
	ok := o.mutate(e, func(s *models.AgentSession) {
		s.State = models.SessionStateFailed
		s.LastError = cause.Error()
		s.CompletedAt = &now
		s.Workspace.Status = models.WorkspaceFailed
	})
	if !ok {
		return
	}
	o.appendLog(e, models.LogError, "Session failed: "+cause.Error())
	o.linkWorkItem(e, models.StatusPending, models.WorkspaceFailed)
	o.opts.Metrics.SessionFinished(string(models.SessionStateFailed))
	o.checkpoint(ctx, e)
}

// Stop removes the session's workspace and fails the session with
// "stopped by user". found is false for unknown sessions.
func (o *Orchestrator) Stop(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	e, ok := o.sessions[id]
	if !ok {
		o.mu.Unlock()
		return false, nil
	}
	active := !e.session.State.Terminal()
	if active {
		now := o.now()
		e.session.State = models.SessionStateFailed
		e.session.LastError = reasonStopped
		e.session.CompletedAt = &now
		e.session.Workspace.Status = models.WorkspaceAbandoned
	}
	ws := e.session.Workspace
	owned := e.owned
	o.mu.Unlock()

	if active {
		o.appendLog(e, models.LogWarning, "Session "+reasonStopped)
		o.linkWorkItem(e, models.StatusPending, models.WorkspaceAbandoned)
		o.opts.Metrics.SessionFinished(string(models.SessionStateFailed))
	}

	var removeErr error
	if owned && !ws.Primary {
		err := o.opts.Workspaces.RemoveWorkspace(ctx, ws.Project, ws.Branch, true)
		switch {
		case err == nil:
			o.appendLog(e, models.LogInfo, "Removed workspace "+ws.Path)
		case errors.Is(err, workspace.ErrWorkspaceNotFound):
		default:
			removeErr = fmt.Errorf("remove workspace: %w", err)
			o.appendLog(e, models.LogError, removeErr.Error())
		}
	}
	o.checkpoint(ctx, e)
	return true, removeErr
}

// Get returns a snapshot of a session from memory or, failing that, the
// checkpoint store.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.AgentSession, bool, error) {
	o.mu.Lock()
	e, ok := o.sessions[id]
	var snapshot *models.AgentSession
	if ok {
		snapshot = e.session.Clone()
	}
	o.mu.Unlock()
	if ok {
		return snapshot, true, nil
	}
	if o.opts.Store == nil {
		return nil, false, nil
	}
	return o.opts.Store.GetAgentSession(ctx, id)
}

// Active returns snapshots of sessions that have not reached a terminal state.
func (o *Orchestrator) Active() []*models.AgentSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*models.AgentSession
	for _, e := range o.sessions {
		if !e.session.State.Terminal() {
			out = append(out, e.session.Clone())
		}
	}
	sortSessions(out)
	return out
}

// List returns every known session, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]*models.AgentSession, error) {
	o.mu.Lock()
	seen := make(map[string]bool, len(o.sessions))
	out := make([]*models.AgentSession, 0, len(o.sessions))
	for id, e := range o.sessions {
		seen[id] = true
		out = append(out, e.session.Clone())
	}
	o.mu.Unlock()

	if o.opts.Store != nil {
		stored, err := o.opts.Store.ListAgentSessions(ctx, store.SessionFilter{})
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, s := range stored {
			if !seen[s.ID] {
				out = append(out, s)
			}
		}
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(list []*models.AgentSession) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.After(list[j].StartedAt)
		}
		return list[i].ID > list[j].ID
	})
}

// Logs returns the audit log of a session.
func (o *Orchestrator) Logs(ctx context.Context, id string) ([]models.LogEntry, bool, error) {
	s, ok, err := o.Get(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return s.Logs, true, nil
}

// Wait blocks until the session's background run returns or ctx ends.
// Sessions known only from checkpoints return immediately.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.AgentSession, bool, error) {
	o.mu.Lock()
	e, ok := o.sessions[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}
	return o.Get(ctx, id)
}

func (o *Orchestrator) isStopped(e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.session.State.Terminal()
}

// mutate applies fn unless the session already reached a terminal state.
func (o *Orchestrator) mutate(e *entry, fn func(s *models.AgentSession)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.session.State.Terminal() {
		return false
	}
	fn(e.session)
	return true
}

func (o *Orchestrator) transition(ctx context.Context, e *entry, to models.SessionState) bool {
	if !o.mutate(e, func(s *models.AgentSession) { s.State = to }) {
		return false
	}
	o.appendLog(e, models.LogInfo, "State: "+string(to))
	o.checkpoint(ctx, e)
	return true
}

func (o *Orchestrator) appendLog(e *entry, level models.LogLevel, msg string) {
	o.mu.Lock()
	step := e.session.CurrentStep
	e.session.Logs = append(e.session.Logs, models.LogEntry{Time: o.now(), Level: level, Step: step, Message: msg})
	id := e.session.ID
	o.mu.Unlock()

	fields := []zap.Field{zap.String("session", id), zap.Int("step", step)}
	switch level {
	case models.LogError:
		o.log.Error(msg, fields...)
	case models.LogWarning:
		o.log.Warn(msg, fields...)
	default:
		o.log.Info(msg, fields...)
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, e *entry) {
	if o.opts.Store == nil {
		return
	}
	o.mu.Lock()
	snapshot := e.session.Clone()
	o.mu.Unlock()
	if err := o.opts.Store.SaveAgentSession(context.WithoutCancel(ctx), snapshot); err != nil {
		o.log.Warn("checkpoint failed", zap.String("session", snapshot.ID), zap.Error(err))
	}
}

func (o *Orchestrator) linkWorkItem(e *entry, status models.WorkItemStatus, wsStatus models.WorkspaceStatus) {
	o.mu.Lock()
	itemID := e.session.WorkItemID
	ws := e.session.Workspace
	o.mu.Unlock()
	if itemID == "" {
		return
	}
	if o.opts.WorkItems == nil {
		o.appendLog(e, models.LogWarning, "Work item "+itemID+" not updated: no work-item store configured")
		return
	}
	items, err := o.opts.WorkItems(ws.Project)
	if err != nil {
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Work item store unavailable: %v", err))
		return
	}
	wsState := string(wsStatus)
	_, found, err := items.Update(itemID, todo.Patch{
		Status:          &status,
		BranchName:      &ws.Branch,
		WorkspacePath:   &ws.Path,
		WorkspaceStatus: &wsState,
	})
	switch {
	case err != nil:
		o.appendLog(e, models.LogWarning, fmt.Sprintf("Work item %s not updated: %v", itemID, err))
	case !found:
		o.appendLog(e, models.LogWarning, "Work item "+itemID+" not found")
	default:
		o.appendLog(e, models.LogInfo, fmt.Sprintf("Work item %s is now %s", itemID, status))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
