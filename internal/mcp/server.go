package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/orchestrator"
	"github.com/joescharf/forge/internal/todo"
)

// Sessions is the orchestrator surface exposed as tools.
type Sessions interface {
	Start(ctx context.Context, requirement string, opts orchestrator.StartOptions) (*models.AgentSession, error)
	Stop(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*models.AgentSession, bool, error)
	List(ctx context.Context) ([]*models.AgentSession, error)
}

// Sync is the reconciler surface exposed as tools.
type Sync interface {
	RunCycle(ctx context.Context) ([]models.SyncStatus, error)
	Statuses(ctx context.Context, project string) ([]models.SyncStatus, error)
	ResolveConflicts(ctx context.Context, project, branch string, strategy models.ConflictStrategy) (models.Resolution, error)
}

// Workspaces lists the checkouts of a project.
type Workspaces interface {
	ListWorkspaces(ctx context.Context, project string) ([]models.Workspace, error)
}

// Classifier fills in type, priority and area for a new work item.
type Classifier interface {
	Classify(ctx context.Context, title, description string) todo.Classification
}

// Options wires a Server. Classifier may be nil.
type Options struct {
	Sessions   Sessions
	Sync       Sync
	Workspaces Workspaces
	Todos      func(project string) (*todo.Store, error)
	Classifier Classifier
	Version    string
}

// Server exposes sessions, sync state, workspaces and work items as MCP tools.
type Server struct {
	sessions   Sessions
	sync       Sync
	workspaces Workspaces
	todos      func(project string) (*todo.Store, error)
	classifier Classifier
	version    string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		sessions:   opts.Sessions,
		sync:       opts.Sync,
		workspaces: opts.Workspaces,
		todos:      opts.Todos,
		classifier: opts.Classifier,
		version:    opts.Version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("forge", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.startSessionTool())
	srv.AddTool(s.stopSessionTool())
	srv.AddTool(s.syncStatusTool())
	srv.AddTool(s.resolveConflictsTool())
	srv.AddTool(s.listWorkspacesTool())
	srv.AddTool(s.todoTreeTool())
	srv.AddTool(s.createTodoTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type sessionOut struct {
	ID          string `json:"id"`
	Requirement string `json:"requirement"`
	Project     string `json:"project"`
	Branch      string `json:"branch"`
	State       string `json:"state"`
	Step        int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	LastError   string `json:"last_error,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	StartedAt   string `json:"started_at"`
}

func toSessionOut(s *models.AgentSession) sessionOut {
	return sessionOut{
		ID:          s.ID,
		Requirement: s.Requirement,
		Project:     s.Workspace.Project,
		Branch:      s.Workspace.Branch,
		State:       string(s.State),
		Step:        s.CurrentStep,
		TotalSteps:  s.Workspace.TotalSteps,
		LastError:   s.LastError,
		PRURL:       s.Artifacts.PullRequestURL,
		StartedAt:   s.StartedAt.Format(time.RFC3339),
	}
}

// forge_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_list_sessions",
		mcp.WithDescription("List agent sessions, newest first. Returns id, requirement, project, branch, state and progress."),
		mcp.WithString("project", mcp.Description("Filter by project name")),
		mcp.WithString("state", mcp.Description("Filter by state: planning, executing, testing, demoing, completed, failed")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := request.GetString("project", "")
	state := request.GetString("state", "")

	list, err := s.sessions.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	out := make([]sessionOut, 0, len(list))
	for _, sess := range list {
		if project != "" && sess.Workspace.Project != project {
			continue
		}
		if state != "" && string(sess.State) != state {
			continue
		}
		out = append(out, toSessionOut(sess))
	}
	return jsonResult(out, "sessions")
}

// forge_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_session_status",
		mcp.WithDescription("Get one session with its plan, workspace, artifacts and the most recent log lines."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithNumber("log_lines", mcp.Description("Number of trailing log lines to include (default 20)")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	sess, ok, err := s.sessions.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load session: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	n := request.GetInt("log_lines", 20)
	logs := sess.Logs
	if n >= 0 && len(logs) > n {
		logs = logs[len(logs)-n:]
	}
	result := map[string]any{
		"session":   toSessionOut(sess),
		"plan":      sess.Plan,
		"workspace": sess.Workspace,
		"artifacts": sess.Artifacts,
		"logs":      logs,
	}
	return jsonResult(result, "session")
}

// forge_start_session
func (s *Server) startSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_start_session",
		mcp.WithDescription("Plan a requirement and execute it in an isolated workspace. Returns immediately with the session in the planning state; poll forge_session_status for progress."),
		mcp.WithString("requirement", mcp.Required(), mcp.Description("What to build, in plain language")),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("branch", mcp.Description("Branch name (default: suggested from the requirement)")),
		mcp.WithString("base", mcp.Description("Base branch (default: integration branch)")),
		mcp.WithString("work_item_id", mcp.Description("Work item to link and update as the session progresses")),
	)
	return tool, s.handleStartSession
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requirement, err := request.RequireString("requirement")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: requirement"), nil
	}
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	sess, err := s.sessions.Start(ctx, requirement, orchestrator.StartOptions{
		Project:    project,
		Branch:     request.GetString("branch", ""),
		Base:       request.GetString("base", ""),
		WorkItemID: request.GetString("work_item_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}

	steps := make([]string, 0)
	if sess.Plan != nil {
		for _, st := range sess.Plan.Steps {
			steps = append(steps, fmt.Sprintf("%d. %s", st.ID, st.Title))
		}
	}
	result := map[string]any{
		"session": toSessionOut(sess),
		"path":    sess.Workspace.Path,
		"steps":   steps,
	}
	return jsonResult(result, "session")
}

// forge_stop_session
func (s *Server) stopSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_stop_session",
		mcp.WithDescription("Stop a session and remove the workspace it created."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleStopSession
}

func (s *Server) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	ok, err := s.sessions.Stop(ctx, id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	result := map[string]any{"id": id, "stopped": true}
	if err != nil {
		result["warning"] = err.Error()
	}
	return jsonResult(result, "result")
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

// forge_sync_status
func (s *Server) syncStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_sync_status",
		mcp.WithDescription("Show how each workspace branch relates to its upstream: synced, ahead, behind, diverged, conflict or error."),
		mcp.WithString("project", mcp.Description("Limit to one project")),
		mcp.WithBoolean("refresh", mcp.Description("Run a reconcile pass first instead of returning the last known state")),
		mcp.WithBoolean("attention_only", mcp.Description("Only return workspaces that need attention")),
	)
	return tool, s.handleSyncStatus
}

func (s *Server) handleSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project := request.GetString("project", "")
	if request.GetBool("refresh", false) {
		if _, err := s.sync.RunCycle(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reconcile failed: %v", err)), nil
		}
	}
	list, err := s.sync.Statuses(ctx, project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load sync status: %v", err)), nil
	}
	out := make([]models.SyncStatus, 0, len(list))
	attentionOnly := request.GetBool("attention_only", false)
	for _, st := range list {
		if attentionOnly && !st.NeedsAttention {
			continue
		}
		out = append(out, st)
	}
	return jsonResult(out, "sync status")
}

// forge_resolve_conflicts
func (s *Server) resolveConflictsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_resolve_conflicts",
		mcp.WithDescription("Resolve merge conflicts in a workspace and finalize the merge when none remain."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch of the conflicted workspace")),
		mcp.WithString("strategy", mcp.Required(),
			mcp.Enum(string(models.StrategyAcceptOurs), string(models.StrategyAcceptTheirs),
				string(models.StrategyAutoMerge), string(models.StrategyManualReview)),
			mcp.Description("accept-ours, accept-theirs, auto-merge (documents keep both sides) or manual-review")),
	)
	return tool, s.handleResolveConflicts
}

func (s *Server) handleResolveConflicts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	branch, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}
	strategy, err := request.RequireString("strategy")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: strategy"), nil
	}
	res, err := s.sync.ResolveConflicts(ctx, project, branch, models.ConflictStrategy(strategy))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve conflicts: %v", err)), nil
	}
	return jsonResult(res, "resolution")
}

// ---------------------------------------------------------------------------
// Workspaces and work items
// ---------------------------------------------------------------------------

// forge_list_workspaces
func (s *Server) listWorkspacesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_list_workspaces",
		mcp.WithDescription("List the workspaces of a project, primary checkout first."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
	)
	return tool, s.handleListWorkspaces
}

func (s *Server) handleListWorkspaces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	list, err := s.workspaces.ListWorkspaces(ctx, project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list workspaces: %v", err)), nil
	}
	return jsonResult(list, "workspaces")
}

// forge_todo_tree
func (s *Server) todoTreeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_todo_tree",
		mcp.WithDescription("Return the project's work items as an indented outline, one line per item with id, type, status and title."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("status", mcp.Description("Only show items with this status (ancestors are kept for context)")),
	)
	return tool, s.handleTodoTree
}

func (s *Server) handleTodoTree(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	store, err := s.todos(project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open work items: %v", err)), nil
	}
	tree, err := store.BuildTree()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build tree: %v", err)), nil
	}
	status := models.WorkItemStatus(request.GetString("status", ""))

	var b strings.Builder
	for _, n := range tree {
		writeOutline(&b, n, 0, status)
	}
	if b.Len() == 0 {
		return mcp.NewToolResultText("No work items."), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

// writeOutline renders n and its children, skipping subtrees with no item
// matching status.
func writeOutline(b *strings.Builder, n *models.TreeNode, indent int, status models.WorkItemStatus) bool {
	var sub strings.Builder
	matched := status == "" || n.Item.Status == status
	for _, c := range n.Children {
		if writeOutline(&sub, c, indent+1, status) {
			matched = true
		}
	}
	if !matched {
		return false
	}
	fmt.Fprintf(b, "%s- [%s] %s (%s, %s, %s)\n", strings.Repeat("  ", indent),
		n.Item.ID, n.Item.Title, n.Item.Type, n.Item.Status, n.Item.Priority)
	b.WriteString(sub.String())
	return true
}

// forge_create_todo
func (s *Server) createTodoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("forge_create_todo",
		mcp.WithDescription("Create a work item, optionally under a parent. Type, priority and area are inferred from the text when omitted. Returns the created item as JSON."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Work item title")),
		mcp.WithString("description", mcp.Description("Longer description")),
		mcp.WithString("parent_id", mcp.Description("Parent work item ID")),
		mcp.WithString("type", mcp.Description("epic, feature, story, task, subtask or bug")),
		mcp.WithString("priority", mcp.Description("low, medium, high or critical")),
	)
	return tool, s.handleCreateTodo
}

func (s *Server) handleCreateTodo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	store, err := s.todos(project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open work items: %v", err)), nil
	}

	item := models.WorkItem{
		Title:       title,
		Description: request.GetString("description", ""),
		Type:        models.WorkItemType(request.GetString("type", "")),
		Priority:    models.Priority(request.GetString("priority", "")),
		Project:     project,
	}
	if s.classifier != nil && (item.Type == "" || item.Priority == "") {
		c := s.classifier.Classify(ctx, item.Title, item.Description)
		if item.Type == "" {
			item.Type = c.Type
		}
		if item.Priority == "" {
			item.Priority = c.Priority
		}
		item.Area = c.Area
	}

	created, err := store.Create(request.GetString("parent_id", ""), item)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create work item: %v", err)), nil
	}
	return jsonResult(created, "work item")
}
