package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/models"
)

func TestGitPublisher_RefusesBaseBranch(t *testing.T) {
	// No git or gh client: the guard must return before either is touched.
	p := &GitPublisher{Remote: "origin"}

	tests := []struct {
		name string
		ws   models.Workspace
	}{
		{"primary checkout", models.Workspace{Branch: "main", BaseBranch: "main", Primary: true}},
		{"branch equals base", models.Workspace{Branch: "develop", BaseBranch: "develop"}},
		{"default base", models.Workspace{Branch: "main"}},
		{"no branch", models.Workspace{BaseBranch: "main"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := p.Publish(context.Background(), tt.ws, "title", "body")
			require.ErrorIs(t, err, ErrPublishToBase)
			assert.Empty(t, url)
		})
	}
}

func TestDescribe(t *testing.T) {
	s := &models.AgentSession{
		ID:          "01J0SESSION",
		Requirement: "Add dark mode toggle",
		Plan:        twoStepPlan(),
		Artifacts:   models.Artifacts{TestRuns: []models.TestRun{{Command: "go test ./...", Passed: true}}},
	}

	body := describe(s, []int{1}, true)
	assert.Contains(t, body, "- [x] 1. Install")
	assert.Contains(t, body, "- [ ] 2. Implement")
	assert.Contains(t, body, "- Toggle switches theme")
	assert.Contains(t, body, "Tests passed.")
	assert.True(t, strings.HasSuffix(body, "Session: `01J0SESSION`\n"))

	assert.Contains(t, describe(s, nil, false), "No test command was run.")
}
