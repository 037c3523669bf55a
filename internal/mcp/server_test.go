package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/orchestrator"
	"github.com/joescharf/forge/internal/todo"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

type mockSessions struct {
	sessions []*models.AgentSession
	started  []orchestrator.StartOptions
	stopped  []string
	listErr  error
}

func (m *mockSessions) Start(_ context.Context, requirement string, opts orchestrator.StartOptions) (*models.AgentSession, error) {
	m.started = append(m.started, opts)
	s := &models.AgentSession{
		ID:          fmt.Sprintf("sess-%d", len(m.sessions)+1),
		Requirement: requirement,
		State:       models.SessionStatePlanning,
		Plan: &models.Plan{Steps: []models.Step{
			{ID: 1, Title: "Add toggle component"},
			{ID: 2, Title: "Persist preference"},
		}},
		Workspace: models.Workspace{Project: opts.Project, Branch: "feat-add-dark-mode", Path: "/ws/webapp/feat-add-dark-mode"},
		StartedAt: time.Now(),
	}
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *mockSessions) Stop(_ context.Context, id string) (bool, error) {
	for _, s := range m.sessions {
		if s.ID == id {
			m.stopped = append(m.stopped, id)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockSessions) Get(_ context.Context, id string) (*models.AgentSession, bool, error) {
	for _, s := range m.sessions {
		if s.ID == id {
			return s, true, nil
		}
	}
	return nil, false, nil
}

func (m *mockSessions) List(context.Context) ([]*models.AgentSession, error) {
	return m.sessions, m.listErr
}

type mockSync struct {
	statuses []models.SyncStatus
	cycles   int
}

func (m *mockSync) RunCycle(context.Context) ([]models.SyncStatus, error) {
	m.cycles++
	return m.statuses, nil
}

func (m *mockSync) Statuses(_ context.Context, project string) ([]models.SyncStatus, error) {
	var out []models.SyncStatus
	for _, st := range m.statuses {
		if project == "" || st.Project == project {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *mockSync) ResolveConflicts(_ context.Context, project, branch string, strategy models.ConflictStrategy) (models.Resolution, error) {
	if !strategy.Valid() {
		return models.Resolution{}, errors.New("unknown conflict strategy")
	}
	return models.Resolution{Project: project, Branch: branch, Strategy: strategy, Resolved: []string{"docs/guide.md"}, Finalized: true}, nil
}

type mockWorkspaces struct{}

func (mockWorkspaces) ListWorkspaces(_ context.Context, project string) ([]models.Workspace, error) {
	if project != "webapp" {
		return nil, fmt.Errorf("list %s: project not found", project)
	}
	return []models.Workspace{{Project: "webapp", Branch: "main", Primary: true}}, nil
}

type mockClassifier struct{}

func (mockClassifier) Classify(_ context.Context, title, _ string) todo.Classification {
	if strings.Contains(strings.ToLower(title), "crash") {
		return todo.Classification{Type: models.TypeBug, Priority: models.PriorityCritical, Area: "backend"}
	}
	return todo.Classification{Type: models.TypeTask, Priority: models.PriorityMedium, Area: "general"}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *mockSessions, *mockSync, *todo.Store) {
	t.Helper()
	ts, err := todo.NewStore(t.TempDir())
	require.NoError(t, err)

	ms := &mockSessions{sessions: []*models.AgentSession{
		{ID: "a1", Requirement: "Add search", State: models.SessionStateExecuting, CurrentStep: 2,
			Workspace: models.Workspace{Project: "webapp", Branch: "feat-add-search", TotalSteps: 4},
			Logs: []models.LogEntry{
				{Level: models.LogInfo, Message: "one"},
				{Level: models.LogInfo, Message: "two"},
				{Level: models.LogSuccess, Message: "three"},
			}},
		{ID: "b2", Requirement: "Fix invoices", State: models.SessionStateFailed, LastError: "stopped by user",
			Workspace: models.Workspace{Project: "billing", Branch: "fix-invoices"}},
	}}
	sy := &mockSync{statuses: []models.SyncStatus{
		{Project: "billing", Branch: "main", State: models.SyncSynced, Message: "Up to date"},
		{Project: "webapp", Branch: "main", State: models.SyncDiverged, NeedsAttention: true},
	}}
	srv := NewServer(Options{
		Sessions:   ms,
		Sync:       sy,
		Workspaces: mockWorkspaces{},
		Todos: func(project string) (*todo.Store, error) {
			if project != "webapp" {
				return nil, fmt.Errorf("project not found: %s", project)
			}
			return ts, nil
		},
		Classifier: mockClassifier{},
	})
	return srv, ms, sy, ts
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
	assert.Equal(t, "dev", srv.version)
}

func TestHandleListSessions(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleListSessions(ctx, callToolReq("forge_list_sessions", nil))
	require.NoError(t, err)
	var all []sessionOut
	resultJSON(t, result, &all)
	assert.Len(t, all, 2)

	result, err = srv.handleListSessions(ctx, callToolReq("forge_list_sessions", map[string]any{"project": "webapp"}))
	require.NoError(t, err)
	var webapp []sessionOut
	resultJSON(t, result, &webapp)
	require.Len(t, webapp, 1)
	assert.Equal(t, 2, webapp[0].Step)
	assert.Equal(t, 4, webapp[0].TotalSteps)

	result, err = srv.handleListSessions(ctx, callToolReq("forge_list_sessions", map[string]any{"state": "failed"}))
	require.NoError(t, err)
	var failed []sessionOut
	resultJSON(t, result, &failed)
	require.Len(t, failed, 1)
	assert.Equal(t, "stopped by user", failed[0].LastError)
}

func TestHandleListSessions_Error(t *testing.T) {
	srv, ms, _, _ := newTestServer(t)
	ms.listErr = errors.New("disk full")

	result, err := srv.handleListSessions(context.Background(), callToolReq("forge_list_sessions", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "disk full")
}

func TestHandleSessionStatus(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleSessionStatus(ctx, callToolReq("forge_session_status", map[string]any{"id": "a1", "log_lines": 2}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out struct {
		Session sessionOut        `json:"session"`
		Logs    []models.LogEntry `json:"logs"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, "executing", out.Session.State)
	require.Len(t, out.Logs, 2)
	assert.Equal(t, "three", out.Logs[1].Message)

	result, err = srv.handleSessionStatus(ctx, callToolReq("forge_session_status", map[string]any{"id": "zz"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleSessionStatus(ctx, callToolReq("forge_session_status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleStartSession(t *testing.T) {
	srv, ms, _, _ := newTestServer(t)

	result, err := srv.handleStartSession(context.Background(), callToolReq("forge_start_session", map[string]any{
		"requirement":  "Add dark mode toggle",
		"project":      "webapp",
		"work_item_id": "w-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out struct {
		Session sessionOut `json:"session"`
		Path    string     `json:"path"`
		Steps   []string   `json:"steps"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, "planning", out.Session.State)
	assert.Equal(t, []string{"1. Add toggle component", "2. Persist preference"}, out.Steps)
	require.Len(t, ms.started, 1)
	assert.Equal(t, "w-1", ms.started[0].WorkItemID)
}

func TestHandleStartSession_MissingArgs(t *testing.T) {
	srv, ms, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStartSession(ctx, callToolReq("forge_start_session", map[string]any{"project": "webapp"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "requirement")

	result, err = srv.handleStartSession(ctx, callToolReq("forge_start_session", map[string]any{"requirement": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.started)
}

func TestHandleStopSession(t *testing.T) {
	srv, ms, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleStopSession(ctx, callToolReq("forge_stop_session", map[string]any{"id": "a1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"a1"}, ms.stopped)

	result, err = srv.handleStopSession(ctx, callToolReq("forge_stop_session", map[string]any{"id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSyncStatus(t *testing.T) {
	srv, _, sy, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleSyncStatus(ctx, callToolReq("forge_sync_status", nil))
	require.NoError(t, err)
	var all []models.SyncStatus
	resultJSON(t, result, &all)
	assert.Len(t, all, 2)
	assert.Equal(t, 0, sy.cycles)

	result, err = srv.handleSyncStatus(ctx, callToolReq("forge_sync_status", map[string]any{"refresh": true, "attention_only": true}))
	require.NoError(t, err)
	var attention []models.SyncStatus
	resultJSON(t, result, &attention)
	require.Len(t, attention, 1)
	assert.Equal(t, models.SyncDiverged, attention[0].State)
	assert.Equal(t, 1, sy.cycles)
}

func TestHandleResolveConflicts(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleResolveConflicts(ctx, callToolReq("forge_resolve_conflicts", map[string]any{
		"project": "webapp", "branch": "main", "strategy": "auto-merge",
	}))
	require.NoError(t, err)
	var res models.Resolution
	resultJSON(t, result, &res)
	assert.True(t, res.Finalized)
	assert.Equal(t, models.StrategyAutoMerge, res.Strategy)

	result, err = srv.handleResolveConflicts(ctx, callToolReq("forge_resolve_conflicts", map[string]any{
		"project": "webapp", "branch": "main", "strategy": "rebase",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleResolveConflicts(ctx, callToolReq("forge_resolve_conflicts", map[string]any{"project": "webapp"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListWorkspaces(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleListWorkspaces(ctx, callToolReq("forge_list_workspaces", map[string]any{"project": "webapp"}))
	require.NoError(t, err)
	var list []models.Workspace
	resultJSON(t, result, &list)
	require.Len(t, list, 1)
	assert.True(t, list[0].Primary)

	result, err = srv.handleListWorkspaces(ctx, callToolReq("forge_list_workspaces", map[string]any{"project": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleTodoTree(t *testing.T) {
	srv, _, _, ts := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleTodoTree(ctx, callToolReq("forge_todo_tree", map[string]any{"project": "webapp"}))
	require.NoError(t, err)
	assert.Equal(t, "No work items.", resultText(t, result))

	epic, err := ts.Create("", models.WorkItem{Title: "Checkout", Type: models.TypeEpic})
	require.NoError(t, err)
	done := models.StatusDone
	story, err := ts.Create(epic.ID, models.WorkItem{Title: "Card form", Type: models.TypeStory})
	require.NoError(t, err)
	_, _, err = ts.Update(story.ID, todo.Patch{Status: &done})
	require.NoError(t, err)
	_, err = ts.Create(epic.ID, models.WorkItem{Title: "Receipts"})
	require.NoError(t, err)

	result, err = srv.handleTodoTree(ctx, callToolReq("forge_todo_tree", map[string]any{"project": "webapp"}))
	require.NoError(t, err)
	text := resultText(t, result)
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "- ["+epic.ID+"] Checkout"))
	assert.True(t, strings.HasPrefix(lines[1], "  - ["+story.ID+"] Card form"))

	result, err = srv.handleTodoTree(ctx, callToolReq("forge_todo_tree", map[string]any{"project": "webapp", "status": "done"}))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "Checkout", "ancestors of matches are kept")
	assert.Contains(t, text, "Card form")
	assert.NotContains(t, text, "Receipts")
}

func TestHandleCreateTodo(t *testing.T) {
	srv, _, _, ts := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleCreateTodo(ctx, callToolReq("forge_create_todo", map[string]any{
		"project": "webapp", "title": "App crashes on login",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var item models.WorkItem
	resultJSON(t, result, &item)
	assert.Equal(t, models.TypeBug, item.Type)
	assert.Equal(t, models.PriorityCritical, item.Priority)
	assert.Equal(t, "backend", item.Area)
	assert.Equal(t, "webapp", item.Project)

	result, err = srv.handleCreateTodo(ctx, callToolReq("forge_create_todo", map[string]any{
		"project": "webapp", "title": "Write docs", "type": "story", "priority": "low", "parent_id": item.ID,
	}))
	require.NoError(t, err)
	var child models.WorkItem
	resultJSON(t, result, &child)
	assert.Equal(t, models.TypeStory, child.Type)
	assert.Equal(t, models.PriorityLow, child.Priority)
	assert.Equal(t, 1, child.Depth)

	all, err := ts.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	result, err = srv.handleCreateTodo(ctx, callToolReq("forge_create_todo", map[string]any{
		"project": "webapp", "title": "x", "type": "saga",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
