package todo

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/models"
)

// Classification is the inferred type, priority, and functional area of a work item.
type Classification struct {
	Type     models.WorkItemType `json:"type"`
	Priority models.Priority     `json:"priority"`
	Area     string              `json:"area"`
	Fallback bool                `json:"fallback"`
}

// Classifier asks the AI collaborator to classify work items and falls back
// to keyword heuristics whenever the answer is missing or unusable.
type Classifier struct {
	provider llm.Provider
	selector string
	log      *zap.Logger
}

// NewClassifier returns a Classifier. A nil provider always uses heuristics.
func NewClassifier(p llm.Provider, selector string, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{provider: p, selector: selector, log: log.Named("classifier")}
}

const classifyContext = `You classify software work items. Return ONLY a JSON object with these fields:
- "type": one of "epic", "feature", "story", "task", "subtask", "bug"
- "priority": one of "low", "medium", "high", "critical"
- "area": a short lowercase functional area such as "frontend", "backend", "api", "infra", "data", "docs", "testing", or "general"`

func buildClassifyPrompt(title, description string) string {
	var sb strings.Builder
	sb.WriteString("Title: ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(description)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Classify never fails; any collaborator problem yields the heuristic result.
func (c *Classifier) Classify(ctx context.Context, title, description string) Classification {
	if c.provider == nil {
		return Heuristic(title, description)
	}
	resp, err := c.provider.Generate(ctx, buildClassifyPrompt(title, description), classifyContext, c.selector)
	if err != nil {
		c.log.Warn("classification failed, using heuristics", zap.Error(err))
		return Heuristic(title, description)
	}
	obj, ok := llm.FirstJSONObject(resp)
	if !ok {
		c.log.Warn("classification response had no JSON object, using heuristics")
		return Heuristic(title, description)
	}
	var raw struct {
		Type     string `json:"type"`
		Priority string `json:"priority"`
		Area     string `json:"area"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		c.log.Warn("classification response unparsable, using heuristics", zap.Error(err))
		return Heuristic(title, description)
	}

	h := Heuristic(title, description)
	out := Classification{
		Type:     models.WorkItemType(strings.ToLower(strings.TrimSpace(raw.Type))),
		Priority: models.Priority(strings.ToLower(strings.TrimSpace(raw.Priority))),
		Area:     strings.ToLower(strings.TrimSpace(raw.Area)),
	}
	if !ValidType(out.Type) {
		out.Type = h.Type
	}
	if !ValidPriority(out.Priority) {
		out.Priority = h.Priority
	}
	if out.Area == "" {
		out.Area = h.Area
	}
	return out
}

// Heuristic classifies by keyword. Bug keywords are checked before chore
// keywords (e.g. "fix the migration" is a bug).
func Heuristic(title, description string) Classification {
	text := strings.ToLower(title + " " + description)
	return Classification{
		Type:     heuristicType(strings.ToLower(title), text),
		Priority: heuristicPriority(text),
		Area:     heuristicArea(text),
		Fallback: true,
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func heuristicType(title, text string) models.WorkItemType {
	switch {
	case containsAny(title, []string{"epic", "initiative", "roadmap"}):
		return models.TypeEpic
	case containsAny(text, []string{"issue with", "not working"}),
		containsAny(title, []string{"fix ", "fix:", "fixed", "fixes", "fixing", "bug", "broken", "crash", "error", "regression", "fail", "fault", "defect"}),
		strings.HasSuffix(title, "fix"):
		return models.TypeBug
	case containsAny(text, []string{"as a user", "as an admin", "so that i"}):
		return models.TypeStory
	case containsAny(title, []string{"refactor", "cleanup", "clean up", "update dep", "migrate", "upgrade", "rename", "reorganize", "chore", "lint"}):
		return models.TypeTask
	}
	return models.TypeFeature
}

func heuristicPriority(text string) models.Priority {
	switch {
	case containsAny(text, []string{"critical", "production down", "data loss", "security", "p0"}):
		return models.PriorityCritical
	case containsAny(text, []string{"urgent", "blocker", "crash", "asap", "p1"}):
		return models.PriorityHigh
	case containsAny(text, []string{"minor", "nice to have", "cosmetic", "trivial", "low priority", "cleanup", "clean up"}):
		return models.PriorityLow
	}
	return models.PriorityMedium
}

var areaKeywords = []struct {
	area  string
	words []string
}{
	{"docs", []string{"readme", "documentation", "docs", "guide"}},
	{"testing", []string{"test", "tests", "testing", "coverage", "e2e"}},
	{"infra", []string{"deploy", "docker", "kubernetes", "ci", "pipeline", "terraform"}},
	{"data", []string{"migration", "schema", "database", "sql", "etl"}},
	{"api", []string{"endpoint", "api", "graphql", "rest"}},
	{"frontend", []string{"ui", "page", "button", "css", "component", "layout", "frontend"}},
	{"backend", []string{"server", "service", "worker", "queue", "backend", "cache"}},
}

func heuristicArea(text string) string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, a := range areaKeywords {
		for _, w := range a.words {
			if words[w] {
				return a.area
			}
		}
	}
	return "general"
}
