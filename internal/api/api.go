package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/orchestrator"
	"github.com/joescharf/forge/internal/reconciler"
	"github.com/joescharf/forge/internal/todo"
	"github.com/joescharf/forge/internal/workspace"
)

// Sessions is the orchestrator surface the API exposes.
type Sessions interface {
	Start(ctx context.Context, requirement string, opts orchestrator.StartOptions) (*models.AgentSession, error)
	Stop(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*models.AgentSession, bool, error)
	List(ctx context.Context) ([]*models.AgentSession, error)
	Logs(ctx context.Context, id string) ([]models.LogEntry, bool, error)
}

// Sync is the reconciler surface the API exposes.
type Sync interface {
	RunCycle(ctx context.Context) ([]models.SyncStatus, error)
	Statuses(ctx context.Context, project string) ([]models.SyncStatus, error)
	GetProjectsNeedingAttention(ctx context.Context) ([]models.SyncStatus, error)
	ResolveConflicts(ctx context.Context, project, branch string, strategy models.ConflictStrategy) (models.Resolution, error)
}

// Workspaces lists the checkouts of a project.
type Workspaces interface {
	ListWorkspaces(ctx context.Context, project string) ([]models.Workspace, error)
}

// Options wires a Server. Metrics may be nil to omit /metrics.
type Options struct {
	Sessions   Sessions
	Sync       Sync
	Workspaces Workspaces
	Todos      func(project string) (*todo.Store, error)
	Metrics    http.Handler
	Logger     *zap.Logger
}

// Server provides the REST API handlers.
type Server struct {
	sessions   Sessions
	sync       Sync
	workspaces Workspaces
	todos      func(project string) (*todo.Store, error)
	metrics    http.Handler
	log        *zap.Logger
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sessions:   opts.Sessions,
		sync:       opts.Sync,
		workspaces: opts.Workspaces,
		todos:      opts.Todos,
		metrics:    opts.Metrics,
		log:        log.Named("api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/logs", s.sessionLogs)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.stopSession)

	mux.HandleFunc("GET /api/v1/sync", s.syncStatuses)
	mux.HandleFunc("POST /api/v1/sync/run", s.runSync)
	mux.HandleFunc("GET /api/v1/sync/attention", s.syncAttention)
	mux.HandleFunc("GET /api/v1/sync/{project}", s.syncStatuses)
	mux.HandleFunc("POST /api/v1/sync/{project}/{branch}/resolve", s.resolveConflicts)

	mux.HandleFunc("GET /api/v1/projects/{project}/workspaces", s.listWorkspaces)
	mux.HandleFunc("GET /api/v1/projects/{project}/todos", s.listTodos)
	mux.HandleFunc("POST /api/v1/projects/{project}/todos", s.createTodo)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrWorkspaceBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, reconciler.ErrUnknownStrategy),
		errors.Is(err, todo.ErrInvalidItem),
		errors.Is(err, todo.ErrCycle):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrProjectNotFound),
		errors.Is(err, workspace.ErrWorkspaceNotFound),
		errors.Is(err, todo.ErrParentNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrWorkspaceExists),
		errors.Is(err, workspace.ErrBranchExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	project := q.Get("project")
	var states map[models.SessionState]bool
	if v := q.Get("state"); v != "" {
		states = make(map[models.SessionState]bool)
		for _, st := range strings.Split(v, ",") {
			states[models.SessionState(strings.TrimSpace(st))] = true
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	out := make([]*models.AgentSession, 0, len(list))
	for _, sess := range list {
		if project != "" && sess.Workspace.Project != project {
			continue
		}
		if states != nil && !states[sess.State] {
			continue
		}
		out = append(out, sess)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type startRequest struct {
	Requirement   string `json:"requirement"`
	Project       string `json:"project"`
	Branch        string `json:"branch"`
	Base          string `json:"base"`
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.Requirement, orchestrator.StartOptions{
		Project:       req.Project,
		Branch:        req.Branch,
		Base:          req.Base,
		WorkspacePath: req.WorkspacePath,
		WorkItemID:    req.WorkItemID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) sessionLogs(w http.ResponseWriter, r *http.Request) {
	logs, ok, err := s.sessions.Logs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.sessions.Stop(r.Context(), id)
	if !ok && err == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	resp := map[string]any{"id": id, "stopped": ok}
	if err != nil {
		// The session is stopped even when workspace cleanup failed.
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Sync ---

func (s *Server) syncStatuses(w http.ResponseWriter, r *http.Request) {
	list, err := s.sync.Statuses(r.Context(), r.PathValue("project"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request) {
	list, err := s.sync.RunCycle(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) syncAttention(w http.ResponseWriter, r *http.Request) {
	list, err := s.sync.GetProjectsNeedingAttention(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) resolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.sync.ResolveConflicts(r.Context(), r.PathValue("project"), r.PathValue("branch"),
		models.ConflictStrategy(req.Strategy))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func nonNil(list []models.SyncStatus) []models.SyncStatus {
	if list == nil {
		return []models.SyncStatus{}
	}
	return list
}

// --- Projects ---

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.workspaces.ListWorkspaces(r.Context(), r.PathValue("project"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) listTodos(w http.ResponseWriter, r *http.Request) {
	store, err := s.todos(r.PathValue("project"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("flat") == "true" {
		items, err := store.ListAll()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}
	tree, err := store.BuildTree()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tree == nil {
		tree = []*models.TreeNode{}
	}
	writeJSON(w, http.StatusOK, tree)
}

type createTodoRequest struct {
	ParentID    string              `json:"parent_id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Type        models.WorkItemType `json:"type"`
	Priority    models.Priority     `json:"priority"`
	Area        string              `json:"area"`
	Tags        []string            `json:"tags"`
}

func (s *Server) createTodo(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	var req createTodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	store, err := s.todos(project)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	item, err := store.Create(req.ParentID, models.WorkItem{
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Priority:    req.Priority,
		Area:        req.Area,
		Tags:        req.Tags,
		Project:     project,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}
