package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/git"
	"github.com/joescharf/forge/internal/gittest"
	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/store"
	"github.com/joescharf/forge/internal/workspace"
)

type fixture struct {
	remote  *gittest.Remote
	mgr     *workspace.Manager
	rec     *Reconciler
	store   *store.SQLiteStore
	metrics *metrics.Metrics
	primary string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	remote := gittest.NewRemote(t)
	primary := filepath.Join(root, "webapp", "main")
	remote.Clone(t, primary)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	gc := git.NewClient(0)
	mgr := workspace.NewManager(workspace.Options{Root: root}, gc, nil)
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		remote:  remote,
		mgr:     mgr,
		rec:     New(mgr, gc, s, m, Config{}, nil),
		store:   s,
		metrics: m,
		primary: primary,
	}
}

func statusFor(t *testing.T, list []models.SyncStatus, branch string) models.SyncStatus {
	t.Helper()
	for _, st := range list {
		if st.Branch == branch {
			return st
		}
	}
	require.Failf(t, "status not found", "branch %s in %v", branch, list)
	return models.SyncStatus{}
}

// conflictOnMain leaves the primary checkout mid-merge with file conflicted.
func (f *fixture) conflictOnMain(t *testing.T, file, local, upstream string) {
	t.Helper()
	f.remote.PushUpstream(t, "main", map[string]string{file: upstream}, "upstream edit")
	gittest.WriteFile(t, f.primary, file, local)
	gittest.Commit(t, f.primary, "local edit")
	gittest.Run(t, f.primary, "fetch", "origin")
	_, err := gittest.TryRun(f.primary, "merge", "origin/main")
	require.Error(t, err, "merge should conflict")
}

func TestRunCycle_SyncedWorkspace(t *testing.T) {
	f := newFixture(t)

	statuses, err := f.rec.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	st := statuses[0]
	assert.Equal(t, "webapp", st.Project)
	assert.Equal(t, "main", st.Branch)
	assert.Equal(t, models.SyncSynced, st.State)
	assert.Equal(t, "Up to date", st.Message)
	assert.False(t, st.NeedsAttention)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconcileCycles))
}

func TestRunCycle_FastForwardsCleanBehindWorkspace(t *testing.T) {
	f := newFixture(t)
	f.remote.PushUpstream(t, "main", map[string]string{"a.txt": "a\n"}, "one")
	f.remote.PushUpstream(t, "main", map[string]string{"b.txt": "b\n"}, "two")

	before := f.rec.Check(context.Background(), models.Workspace{Project: "webapp", Branch: "main", Path: f.primary})
	assert.Equal(t, models.SyncBehind, before.State)
	assert.Equal(t, 2, before.Behind)
	assert.Equal(t, 0, before.Ahead)
	assert.Equal(t, "Behind by 2 commits", before.Message)

	statuses, err := f.rec.RunCycle(context.Background())
	require.NoError(t, err)
	st := statusFor(t, statuses, "main")
	assert.Equal(t, models.SyncSynced, st.State)
	assert.FileExists(t, filepath.Join(f.primary, "b.txt"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FastForwards))
}

func TestRunCycle_SkipsDirtyWorkspace(t *testing.T) {
	f := newFixture(t)
	f.remote.PushUpstream(t, "main", map[string]string{"a.txt": "a\n"}, "one")
	gittest.WriteFile(t, f.primary, "README.md", "# local edit in progress\n")

	statuses, err := f.rec.RunCycle(context.Background())
	require.NoError(t, err)
	st := statusFor(t, statuses, "main")
	assert.Equal(t, models.SyncBehind, st.State)
	assert.Contains(t, st.Message, "not fast-forwarded")
	assert.NoFileExists(t, filepath.Join(f.primary, "a.txt"))

	data, err := os.ReadFile(filepath.Join(f.primary, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# local edit in progress\n", string(data))
}

func TestRunCycle_UnpublishedBranchIsAhead(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.CreateWorkspace(context.Background(), "webapp", "feat-payments", "")
	require.NoError(t, err)

	statuses, err := f.rec.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	st := statusFor(t, statuses, "feat-payments")
	assert.Equal(t, models.SyncAhead, st.State)
	assert.Equal(t, "Branch needs to be published", st.Message)
	assert.False(t, st.NeedsAttention)
}

func TestRunCycle_DivergedNeedsAttention(t *testing.T) {
	f := newFixture(t)
	f.remote.PushUpstream(t, "main", map[string]string{"a.txt": "a\n"}, "upstream")
	gittest.WriteFile(t, f.primary, "b.txt", "b\n")
	gittest.Commit(t, f.primary, "local")

	attention, err := f.rec.GetProjectsNeedingAttention(context.Background())
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, models.SyncDiverged, attention[0].State)
	assert.Equal(t, "Diverged: 1 ahead, 1 behind", attention[0].Message)
}

func TestConflictDetectionAndAutoMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.conflictOnMain(t, "README.md", "# test\nlocal notes\n", "# test\nupstream notes\n")

	attention, err := f.rec.GetProjectsNeedingAttention(ctx)
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, models.SyncConflict, attention[0].State)
	assert.Equal(t, []string{"README.md"}, attention[0].Conflicts)
	assert.Equal(t, "1 file has unresolved conflicts", attention[0].Message)

	res, err := f.rec.ResolveConflicts(ctx, "webapp", "main", models.StrategyAutoMerge)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, res.Resolved)
	assert.Empty(t, res.Remaining)
	assert.True(t, res.Finalized)

	data, err := os.ReadFile(filepath.Join(f.primary, "README.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "## Local version")
	assert.Contains(t, string(data), "local notes")
	assert.Contains(t, string(data), "upstream notes")

	statuses, err := f.rec.Statuses(ctx, "webapp")
	require.NoError(t, err)
	st := statusFor(t, statuses, "main")
	assert.Equal(t, models.SyncAhead, st.State)
	assert.Equal(t, 2, st.Ahead)
}

func TestResolveConflicts_AutoMergeKeepsLocalStructuredFile(t *testing.T) {
	f := newFixture(t)
	f.conflictOnMain(t, "config.json", "{\"port\": 8080}\n", "{\"port\": 9090}\n")

	res, err := f.rec.ResolveConflicts(context.Background(), "webapp", "main", models.StrategyAutoMerge)
	require.NoError(t, err)
	assert.True(t, res.Finalized)

	data, err := os.ReadFile(filepath.Join(f.primary, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\"port\": 8080}\n", string(data))
}

func TestResolveConflicts_AcceptTheirs(t *testing.T) {
	f := newFixture(t)
	f.conflictOnMain(t, "config.json", "{\"port\": 8080}\n", "{\"port\": 9090}\n")

	res, err := f.rec.ResolveConflicts(context.Background(), "webapp", "main", models.StrategyAcceptTheirs)
	require.NoError(t, err)
	assert.True(t, res.Finalized)

	data, err := os.ReadFile(filepath.Join(f.primary, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\"port\": 9090}\n", string(data))
}

func TestResolveConflicts_ManualReviewLeavesFiles(t *testing.T) {
	f := newFixture(t)
	f.conflictOnMain(t, "README.md", "# local\n", "# upstream\n")

	res, err := f.rec.ResolveConflicts(context.Background(), "webapp", "main", models.StrategyManualReview)
	require.NoError(t, err)
	assert.Empty(t, res.Resolved)
	assert.Equal(t, []string{"README.md"}, res.Remaining)
	assert.False(t, res.Finalized)

	out := gittest.Run(t, f.primary, "diff", "--name-only", "--diff-filter=U")
	assert.Equal(t, "README.md", out)
}

func TestResolveConflicts_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.ResolveConflicts(ctx, "webapp", "main", "rebase-everything")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = f.rec.ResolveConflicts(ctx, "webapp", "feat-missing", models.StrategyAcceptOurs)
	assert.ErrorIs(t, err, workspace.ErrWorkspaceNotFound)

	res, err := f.rec.ResolveConflicts(ctx, "webapp", "main", models.StrategyAcceptOurs)
	require.NoError(t, err)
	assert.Empty(t, res.Remaining)
	assert.False(t, res.Finalized)
}

func TestStatuses_FallsBackToStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rec.RunCycle(ctx)
	require.NoError(t, err)

	fresh := New(f.mgr, git.NewClient(0), f.store, nil, Config{}, nil)
	statuses, err := fresh.Statuses(ctx, "webapp")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.SyncSynced, statuses[0].State)

	none, err := fresh.Statuses(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	rec := New(f.mgr, git.NewClient(0), nil, nil, Config{Enabled: true, Interval: time.Hour}, nil)

	rec.Start(context.Background())
	assert.True(t, rec.IsRunning())
	require.Eventually(t, func() bool { return !rec.LastCycle().IsZero() }, 10*time.Second, 20*time.Millisecond,
		"first pass runs immediately")

	rec.Stop()
	assert.False(t, rec.IsRunning())
	rec.Stop()
}

func TestStart_Disabled(t *testing.T) {
	f := newFixture(t)
	rec := New(f.mgr, git.NewClient(0), nil, nil, Config{Enabled: false}, nil)

	rec.Start(context.Background())
	assert.False(t, rec.IsRunning())
	assert.True(t, rec.LastCycle().IsZero())
	rec.Stop()
}
