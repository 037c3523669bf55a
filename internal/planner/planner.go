// Package planner turns a free-text requirement and a codebase summary into
// an ordered step plan, falling back to a fixed plan whenever the AI
// collaborator is unavailable or its answer is unusable.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/models"
)

// DefaultStepMinutes is the estimate given to steps that declare none.
const DefaultStepMinutes = 30

var (
	errNoJSON  = errors.New("no JSON object in response")
	errNoSteps = errors.New("plan has no steps array")
)

// Planner produces and refines step plans.
type Planner struct {
	provider llm.Provider
	selector string
	log      *zap.Logger
}

// New returns a Planner. A nil provider always yields the fallback plan.
func New(p llm.Provider, selector string, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{provider: p, selector: selector, log: log.Named("planner")}
}

const planContext = `You are a senior engineer planning a change to an existing codebase.
Return ONLY a JSON object of this shape:
{
  "goal": "one sentence",
  "steps": [
    {
      "id": 1,
      "title": "short imperative title",
      "description": "what to do",
      "deliverable": "what exists when done",
      "exit_criteria": "how to tell it is done",
      "estimated_minutes": 30,
      "dependencies": [],
      "verification": "optional single command that exits 0 when the step is done",
      "files": ["paths/touched"]
    }
  ],
  "total_estimated_minutes": 30,
  "success_criteria": ["..."],
  "risks": ["..."]
}
Steps run in order. Dependencies list ids of earlier steps.

Codebase:
`

// PlanTask never fails: any collaborator problem yields FallbackPlan.
func (p *Planner) PlanTask(ctx context.Context, requirement string, summary Summary) *models.Plan {
	if p.provider == nil {
		return FallbackPlan(requirement)
	}
	resp, err := p.provider.Generate(ctx, "Requirement:\n"+requirement, planContext+summary.String(), p.selector)
	if err != nil {
		p.log.Warn("planning call failed, using fallback plan", zap.Error(err))
		return FallbackPlan(requirement)
	}
	plan, err := ParsePlan(resp, requirement)
	if err != nil {
		p.log.Warn("plan response unusable, using fallback plan", zap.Error(err))
		return FallbackPlan(requirement)
	}
	p.log.Info("plan created", zap.Int("steps", len(plan.Steps)), zap.Int("minutes", plan.TotalEstimatedMinutes))
	return plan
}

// Refine asks the collaborator to revise plan per feedback. On any failure
// the original plan is returned unchanged.
func (p *Planner) Refine(ctx context.Context, plan *models.Plan, feedback string) *models.Plan {
	if p.provider == nil || plan == nil {
		return plan
	}
	current, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return plan
	}
	prompt := fmt.Sprintf("Current plan:\n%s\n\nFeedback:\n%s\n\nReturn the complete revised plan.", current, feedback)
	resp, err := p.provider.Generate(ctx, prompt, planContext, p.selector)
	if err != nil {
		p.log.Warn("refine call failed, keeping plan", zap.Error(err))
		return plan
	}
	revised, err := ParsePlan(resp, plan.Goal)
	if err != nil {
		p.log.Warn("refine response unusable, keeping plan", zap.Error(err))
		return plan
	}
	return revised
}

// FallbackPlan is the deterministic analyze, implement, verify plan.
func FallbackPlan(requirement string) *models.Plan {
	goal := strings.TrimSpace(requirement)
	if goal == "" {
		goal = "Complete the requested change"
	}
	steps := []models.Step{
		{
			ID:               1,
			Title:            "Analyze requirements",
			Description:      "Review the requirement and the affected code: " + goal,
			Deliverable:      "Understanding of the change and the files involved",
			ExitCriteria:     "Affected files and approach identified",
			EstimatedMinutes: 30,
			Dependencies:     []int{},
		},
		{
			ID:               2,
			Title:            "Implement changes",
			Description:      "Make the code changes needed for: " + goal,
			Deliverable:      "Working implementation",
			ExitCriteria:     "Code builds and the feature behaves as described",
			EstimatedMinutes: 90,
			Dependencies:     []int{1},
		},
		{
			ID:               3,
			Title:            "Verify and test",
			Description:      "Run the test suite and check the change end to end",
			Deliverable:      "Passing tests",
			ExitCriteria:     "All tests pass",
			EstimatedMinutes: 30,
			Dependencies:     []int{2},
		},
	}
	return &models.Plan{
		Goal:                  goal,
		Steps:                 steps,
		TotalEstimatedMinutes: 150,
		SuccessCriteria:       []string{"Requirement implemented", "Tests pass"},
		Fallback:              true,
	}
}

type rawStep struct {
	ID                  any      `json:"id"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	Deliverable         string   `json:"deliverable"`
	ExitCriteria        string   `json:"exit_criteria"`
	ExitCriteriaAlt     string   `json:"exitCriteria"`
	EstimatedMinutes    any      `json:"estimated_minutes"`
	EstimatedMinutesAlt any      `json:"estimatedMinutes"`
	Dependencies        []any    `json:"dependencies"`
	Verification        string   `json:"verification"`
	Files               []string `json:"files"`
}

type rawPlan struct {
	Goal               string          `json:"goal"`
	Steps              json.RawMessage `json:"steps"`
	TotalEstimated     any             `json:"total_estimated_minutes"`
	TotalEstimatedAlt  any             `json:"totalEstimatedMinutes"`
	SuccessCriteria    []string        `json:"success_criteria"`
	SuccessCriteriaAlt []string        `json:"successCriteria"`
	Risks              []string        `json:"risks"`
}

// ParsePlan extracts the first JSON object from text and normalizes it.
func ParsePlan(text, requirement string) (*models.Plan, error) {
	obj, ok := llm.FirstJSONObject(text)
	if !ok {
		return nil, errNoJSON
	}
	var raw rawPlan
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	var steps []rawStep
	if len(raw.Steps) == 0 || json.Unmarshal(raw.Steps, &steps) != nil || len(steps) == 0 {
		return nil, errNoSteps
	}
	return normalize(raw, steps, requirement), nil
}

func normalize(raw rawPlan, rs []rawStep, requirement string) *models.Plan {
	ids := make([]int, len(rs))
	seen := make(map[int]bool, len(rs))
	renumber := false
	for i, s := range rs {
		id, ok := toInt(s.ID)
		if !ok || id <= 0 {
			id = i + 1
		}
		if seen[id] {
			renumber = true
		}
		seen[id] = true
		ids[i] = id
	}
	if renumber {
		seen = make(map[int]bool, len(rs))
		for i := range ids {
			ids[i] = i + 1
			seen[i+1] = true
		}
	}

	plan := &models.Plan{
		Goal:            strings.TrimSpace(raw.Goal),
		SuccessCriteria: firstNonEmpty(raw.SuccessCriteria, raw.SuccessCriteriaAlt),
		Risks:           raw.Risks,
	}
	if plan.Goal == "" {
		plan.Goal = strings.TrimSpace(requirement)
	}

	sum := 0
	for i, s := range rs {
		step := models.Step{
			ID:           ids[i],
			Title:        strings.TrimSpace(s.Title),
			Description:  strings.TrimSpace(s.Description),
			Deliverable:  strings.TrimSpace(s.Deliverable),
			ExitCriteria: strings.TrimSpace(s.ExitCriteria),
			Verification: strings.TrimSpace(s.Verification),
			Files:        s.Files,
			Dependencies: []int{},
		}
		if step.ExitCriteria == "" {
			step.ExitCriteria = strings.TrimSpace(s.ExitCriteriaAlt)
		}
		if step.Title == "" {
			step.Title = fmt.Sprintf("Step %d", step.ID)
		}
		if step.Description == "" {
			step.Description = step.Title
		}
		if step.Deliverable == "" {
			step.Deliverable = "Completed: " + step.Title
		}
		if step.ExitCriteria == "" {
			step.ExitCriteria = fmt.Sprintf("Step %d deliverable is in place", step.ID)
		}
		est, ok := toInt(s.EstimatedMinutes)
		if !ok {
			est, ok = toInt(s.EstimatedMinutesAlt)
		}
		if !ok || est <= 0 {
			est = DefaultStepMinutes
		}
		step.EstimatedMinutes = est
		sum += est

		for _, d := range s.Dependencies {
			dep, ok := toInt(d)
			if ok && seen[dep] && dep != step.ID && !slices.Contains(step.Dependencies, dep) {
				step.Dependencies = append(step.Dependencies, dep)
			}
		}
		plan.Steps = append(plan.Steps, step)
	}

	total, ok := toInt(raw.TotalEstimated)
	if !ok {
		total, ok = toInt(raw.TotalEstimatedAlt)
	}
	if !ok || total <= 0 {
		total = sum
	}
	plan.TotalEstimatedMinutes = total
	return plan
}

// toInt coerces JSON numbers and numeric strings to int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.Abs(n) > 1e9 || n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
