package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string, state models.SessionState, started time.Time) *models.AgentSession {
	return &models.AgentSession{
		ID:          id,
		Requirement: "Add dark mode toggle",
		State:       state,
		Workspace: models.Workspace{
			SessionID: id,
			Project:   "webapp",
			Branch:    "feat/dark-mode",
			Path:      "/tmp/ws/webapp/feat/dark-mode",
			Status:    models.WorkspaceActive,
		},
		StartedAt: started,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

func TestAgentSession_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := testSession("S1", models.SessionStateExecuting, started)
	sess.WorkItemID = "W1"
	sess.CurrentStep = 2
	sess.Plan = &models.Plan{
		Goal:                  "Add dark mode toggle",
		Steps:                 []models.Step{{ID: 1, Title: "Analyze"}, {ID: 2, Title: "Implement", Dependencies: []int{1}}},
		TotalEstimatedMinutes: 60,
	}
	sess.Logs = []models.LogEntry{{Time: started, Level: models.LogInfo, Step: 1, Message: "started"}}
	sess.Artifacts.ChangedFiles = []string{"src/theme.ts"}

	require.NoError(t, s.SaveAgentSession(ctx, sess))

	got, ok, err := s.GetAgentSession(ctx, "S1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SessionStateExecuting, got.State)
	assert.Equal(t, "W1", got.WorkItemID)
	assert.Equal(t, 2, got.CurrentStep)
	require.NotNil(t, got.Plan)
	assert.Len(t, got.Plan.Steps, 2)
	assert.Equal(t, []int{1}, got.Plan.Steps[1].Dependencies)
	assert.Equal(t, "feat/dark-mode", got.Workspace.Branch)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "started", got.Logs[0].Message)
	assert.Equal(t, []string{"src/theme.ts"}, got.Artifacts.ChangedFiles)
	assert.True(t, started.Equal(got.StartedAt))
	assert.Nil(t, got.CompletedAt)
}

func TestAgentSession_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("S1", models.SessionStatePlanning, time.Now())
	require.NoError(t, s.SaveAgentSession(ctx, sess))

	done := time.Now()
	sess.State = models.SessionStateCompleted
	sess.CompletedAt = &done
	sess.LastError = ""
	require.NoError(t, s.SaveAgentSession(ctx, sess))

	got, ok, err := s.GetAgentSession(ctx, "S1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.SessionStateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)

	all, err := s.ListAgentSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAgentSession_GetMissing(t *testing.T) {
	s := newTestStore(t)

	got, ok, err := s.GetAgentSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestAgentSession_SaveRequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveAgentSession(context.Background(), &models.AgentSession{})
	assert.Error(t, err)
}

func TestListAgentSessions_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveAgentSession(ctx, testSession("A", models.SessionStateCompleted, base)))
	require.NoError(t, s.SaveAgentSession(ctx, testSession("B", models.SessionStateExecuting, base.Add(time.Minute))))
	other := testSession("C", models.SessionStateTesting, base.Add(2*time.Minute))
	other.Workspace.Project = "api"
	require.NoError(t, s.SaveAgentSession(ctx, other))

	all, err := s.ListAgentSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "C", all[0].ID, "newest first")

	webapp, err := s.ListAgentSessions(ctx, SessionFilter{Project: "webapp"})
	require.NoError(t, err)
	assert.Len(t, webapp, 2)

	running, err := s.ListAgentSessions(ctx, SessionFilter{
		States: []models.SessionState{models.SessionStatePlanning, models.SessionStateExecuting, models.SessionStateTesting, models.SessionStateDemoing},
	})
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "C", running[0].ID)
	assert.Equal(t, "B", running[1].ID)

	limited, err := s.ListAgentSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteAgentSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAgentSession(ctx, testSession("S1", models.SessionStateFailed, time.Now())))
	require.NoError(t, s.DeleteAgentSession(ctx, "S1"))
	require.NoError(t, s.DeleteAgentSession(ctx, "S1"))

	_, ok, err := s.GetAgentSession(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncStatus_SaveAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSyncStatus(ctx, &models.SyncStatus{
		Project: "webapp", Branch: "main", State: models.SyncSynced, Message: "Up to date",
	}))
	require.NoError(t, s.SaveSyncStatus(ctx, &models.SyncStatus{
		Project: "webapp", Branch: "feat/x", State: models.SyncConflict,
		Conflicts: []string{"README.md", "go.mod"}, Message: "2 files have unresolved conflicts",
		NeedsAttention: true,
	}))
	require.NoError(t, s.SaveSyncStatus(ctx, &models.SyncStatus{
		Project: "api", Branch: "main", State: models.SyncBehind, Behind: 3,
	}))

	webapp, err := s.ListSyncStatuses(ctx, "webapp")
	require.NoError(t, err)
	require.Len(t, webapp, 2)
	assert.Equal(t, "feat/x", webapp[0].Branch)
	assert.True(t, webapp[0].NeedsAttention)
	assert.Equal(t, []string{"README.md", "go.mod"}, webapp[0].Conflicts)
	assert.Equal(t, "main", webapp[1].Branch)
	assert.Empty(t, webapp[1].Conflicts)
	assert.False(t, webapp[1].CheckedAt.IsZero())

	all, err := s.ListSyncStatuses(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSyncStatus_UpsertReplacesPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSyncStatus(ctx, &models.SyncStatus{
		Project: "webapp", Branch: "main", State: models.SyncBehind, Behind: 2, NeedsAttention: true,
	}))
	require.NoError(t, s.SaveSyncStatus(ctx, &models.SyncStatus{
		Project: "webapp", Branch: "main", State: models.SyncSynced,
	}))

	got, err := s.ListSyncStatuses(ctx, "webapp")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.SyncSynced, got[0].State)
	assert.Equal(t, 0, got[0].Behind)
	assert.False(t, got[0].NeedsAttention)
}
