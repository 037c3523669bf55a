package todo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/models"
)

func stubProvider(resp string, err error) llm.Provider {
	return llm.ProviderFunc(func(context.Context, string, string, string) (string, error) {
		return resp, err
	})
}

func TestClassify_UsesCollaborator(t *testing.T) {
	c := NewClassifier(stubProvider("Sure:\n{\"type\":\"Story\",\"priority\":\"high\",\"area\":\"Frontend\"}", nil), "", nil)
	got := c.Classify(context.Background(), "Checkout page", "")
	assert.Equal(t, Classification{Type: models.TypeStory, Priority: models.PriorityHigh, Area: "frontend"}, got)
}

func TestClassify_FallsBack(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
	}{
		{"nil provider", nil},
		{"error", stubProvider("", errors.New("boom"))},
		{"no json", stubProvider("I cannot help with that", nil)},
		{"malformed", stubProvider(`{"type": }`, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewClassifier(tt.provider, "", nil).Classify(context.Background(), "Login crash on submit", "")
			assert.True(t, got.Fallback)
			assert.Equal(t, models.TypeBug, got.Type)
			assert.Equal(t, models.PriorityHigh, got.Priority)
		})
	}
}

func TestClassify_PartialAnswerFilledFromHeuristics(t *testing.T) {
	c := NewClassifier(stubProvider(`{"type":"saga","priority":"critical"}`, nil), "", nil)
	got := c.Classify(context.Background(), "Update README install guide", "")
	assert.Equal(t, models.TypeFeature, got.Type)
	assert.Equal(t, models.PriorityCritical, got.Priority)
	assert.Equal(t, "docs", got.Area)
}

func TestHeuristic(t *testing.T) {
	tests := []struct {
		title    string
		typ      models.WorkItemType
		priority models.Priority
		area     string
	}{
		{"Fix the migration", models.TypeBug, models.PriorityMedium, "data"},
		{"Refactor cache worker", models.TypeTask, models.PriorityMedium, "backend"},
		{"Payments epic", models.TypeEpic, models.PriorityMedium, "general"},
		{"As a user I can reset my password", models.TypeStory, models.PriorityMedium, "general"},
		{"Security hole in API endpoint", models.TypeFeature, models.PriorityCritical, "api"},
		{"Minor button spacing", models.TypeFeature, models.PriorityLow, "frontend"},
		{"Add e2e tests for checkout", models.TypeFeature, models.PriorityMedium, "testing"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got := Heuristic(tt.title, "")
			assert.Equal(t, tt.typ, got.Type)
			assert.Equal(t, tt.priority, got.Priority)
			assert.Equal(t, tt.area, got.Area)
			assert.True(t, got.Fallback)
		})
	}
}
