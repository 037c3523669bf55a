package models

// Step is one ordered action in a Plan.
type Step struct {
	ID               int      `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Deliverable      string   `json:"deliverable"`
	ExitCriteria     string   `json:"exit_criteria"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Dependencies     []int    `json:"dependencies"`
	Verification     string   `json:"verification,omitempty"`
	Files            []string `json:"files,omitempty"`
}

// Plan is the ordered step list produced for one task.
type Plan struct {
	Goal                  string   `json:"goal"`
	Steps                 []Step   `json:"steps"`
	TotalEstimatedMinutes int      `json:"total_estimated_minutes"`
	SuccessCriteria       []string `json:"success_criteria,omitempty"`
	Risks                 []string `json:"risks,omitempty"`
	Fallback              bool     `json:"fallback"`
}

// StepByID returns the step with the given id.
func (p *Plan) StepByID(id int) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.Dependencies = append([]int(nil), s.Dependencies...)
		s.Files = append([]string(nil), s.Files...)
		c.Steps[i] = s
	}
	c.SuccessCriteria = append([]string(nil), p.SuccessCriteria...)
	c.Risks = append([]string(nil), p.Risks...)
	return &c
}
