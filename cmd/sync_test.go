package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/models"
)

func TestSyncStatusRun_ReadsRecordedStatuses(t *testing.T) {
	testEnv(t)
	var buf bytes.Buffer
	ui.Out = &buf

	s, err := getStore()
	require.NoError(t, err)
	require.NoError(t, s.SaveSyncStatus(context.Background(), &models.SyncStatus{
		Project: "webapp", Branch: "feat-payments", State: models.SyncConflict,
		Conflicts: []string{"README.md"}, Message: "1 conflicted file", NeedsAttention: true,
		CheckedAt: time.Now().UTC(),
	}))

	require.NoError(t, syncStatusRun("webapp"))
	out := buf.String()
	assert.Contains(t, out, "feat-payments")
	assert.Contains(t, out, "README.md")

	buf.Reset()
	require.NoError(t, syncStatusRun("billing"))
	assert.NotContains(t, buf.String(), "feat-payments")
}

func TestFilterProject(t *testing.T) {
	list := []models.SyncStatus{{Project: "a", Branch: "main"}, {Project: "b", Branch: "main"}, {Project: "a", Branch: "fix-x"}}
	got := filterProject(list, "a")
	require.Len(t, got, 2)
	assert.Equal(t, "fix-x", got[1].Branch)
}

func TestSyncResolveRun_RejectsUnknownStrategy(t *testing.T) {
	testEnv(t)

	err := syncResolveRun("webapp", "main", models.ConflictStrategy("rebase"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}
