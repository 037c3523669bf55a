package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/forge/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the orchestrator and reconciler checkpoint concurrently.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Agent Sessions ---

const sessionColumns = `id, requirement, work_item_id, state, current_step, plan, workspace, logs, artifacts, last_error, started_at, completed_at`

// SaveAgentSession upserts the full session snapshot. Called after every step.
func (s *SQLiteStore) SaveAgentSession(ctx context.Context, session *models.AgentSession) error {
	if session == nil || session.ID == "" {
		return errors.New("save agent session: missing id")
	}
	plan, err := json.Marshal(session.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	ws, err := json.Marshal(session.Workspace)
	if err != nil {
		return fmt.Errorf("encode workspace: %w", err)
	}
	logs, err := json.Marshal(nonNilLogs(session.Logs))
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}
	artifacts, err := json.Marshal(session.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	var completed sql.NullTime
	if session.CompletedAt != nil {
		completed = sql.NullTime{Time: session.CompletedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, requirement, work_item_id, project, branch, state, current_step, plan, workspace, logs, artifacts, last_error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			requirement=excluded.requirement, work_item_id=excluded.work_item_id,
			project=excluded.project, branch=excluded.branch, state=excluded.state,
			current_step=excluded.current_step, plan=excluded.plan, workspace=excluded.workspace,
			logs=excluded.logs, artifacts=excluded.artifacts, last_error=excluded.last_error,
			started_at=excluded.started_at, completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		session.ID, session.Requirement, session.WorkItemID,
		session.Workspace.Project, session.Workspace.Branch,
		string(session.State), session.CurrentStep,
		string(plan), string(ws), string(logs), string(artifacts),
		session.LastError, session.StartedAt.UTC(), completed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save agent session: %w", err)
	}
	return nil
}

// GetAgentSession returns the last checkpoint of a session. ok is false when none exists.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, id string) (*models.AgentSession, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	session, err := scanAgentSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// ListAgentSessions returns sessions newest first.
func (s *SQLiteStore) ListAgentSessions(ctx context.Context, filter SessionFilter) ([]*models.AgentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE 1=1`
	var args []any

	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.AgentSession
	for rows.Next() {
		session, err := scanAgentSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteAgentSession removes a checkpoint. Deleting an unknown id is not an error.
func (s *SQLiteStore) DeleteAgentSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM agent_sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgentSession(sc scanner) (*models.AgentSession, error) {
	session := &models.AgentSession{}
	var state, plan, ws, logs, artifacts string
	var completed sql.NullTime

	if err := sc.Scan(&session.ID, &session.Requirement, &session.WorkItemID,
		&state, &session.CurrentStep, &plan, &ws, &logs, &artifacts,
		&session.LastError, &session.StartedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent session: %w", err)
	}

	session.State = models.SessionState(state)
	if completed.Valid {
		t := completed.Time
		session.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(plan), &session.Plan); err != nil {
		return nil, fmt.Errorf("decode plan for %s: %w", session.ID, err)
	}
	if err := json.Unmarshal([]byte(ws), &session.Workspace); err != nil {
		return nil, fmt.Errorf("decode workspace for %s: %w", session.ID, err)
	}
	if err := json.Unmarshal([]byte(logs), &session.Logs); err != nil {
		return nil, fmt.Errorf("decode logs for %s: %w", session.ID, err)
	}
	if err := json.Unmarshal([]byte(artifacts), &session.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts for %s: %w", session.ID, err)
	}
	return session, nil
}

func nonNilLogs(logs []models.LogEntry) []models.LogEntry {
	if logs == nil {
		return []models.LogEntry{}
	}
	return logs
}

// --- Sync Statuses ---

// SaveSyncStatus records the latest reconciler result for a (project, branch).
func (s *SQLiteStore) SaveSyncStatus(ctx context.Context, status *models.SyncStatus) error {
	conflicts := status.Conflicts
	if conflicts == nil {
		conflicts = []string{}
	}
	data, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("encode conflicts: %w", err)
	}
	checked := status.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_statuses (project, branch, path, state, ahead, behind, conflicts, message, needs_attention, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project, branch) DO UPDATE SET
			path=excluded.path, state=excluded.state, ahead=excluded.ahead, behind=excluded.behind,
			conflicts=excluded.conflicts, message=excluded.message,
			needs_attention=excluded.needs_attention, checked_at=excluded.checked_at`,
		status.Project, status.Branch, status.Path, string(status.State),
		status.Ahead, status.Behind, string(data), status.Message,
		boolToInt(status.NeedsAttention), checked.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save sync status: %w", err)
	}
	return nil
}

// ListSyncStatuses returns stored statuses ordered by project and branch.
// An empty project lists every project.
func (s *SQLiteStore) ListSyncStatuses(ctx context.Context, project string) ([]*models.SyncStatus, error) {
	query := `SELECT project, branch, path, state, ahead, behind, conflicts, message, needs_attention, checked_at FROM sync_statuses`
	var args []any
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY project, branch"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.SyncStatus
	for rows.Next() {
		st := &models.SyncStatus{}
		var state, conflicts string
		var attention int
		if err := rows.Scan(&st.Project, &st.Branch, &st.Path, &state, &st.Ahead, &st.Behind,
			&conflicts, &st.Message, &attention, &st.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan sync status: %w", err)
		}
		st.State = models.SyncState(state)
		st.NeedsAttention = attention != 0
		if err := json.Unmarshal([]byte(conflicts), &st.Conflicts); err != nil {
			return nil, fmt.Errorf("decode conflicts: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
