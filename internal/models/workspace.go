package models

import "time"

// WorkspaceStatus is the lifecycle state of a workspace session.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceCompleted WorkspaceStatus = "completed"
	WorkspaceFailed    WorkspaceStatus = "failed"
	WorkspaceMerged    WorkspaceStatus = "merged"
	WorkspaceAbandoned WorkspaceStatus = "abandoned"
)

// TestStatus tracks the most recent test run in a workspace.
type TestStatus string

const (
	TestPending TestStatus = "pending"
	TestRunning TestStatus = "running"
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
)

// Workspace is one isolated checkout bound to a branch.
type Workspace struct {
	SessionID       string          `json:"session_id,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	Project         string          `json:"project"`
	Branch          string          `json:"branch"`
	BaseBranch      string          `json:"base_branch,omitempty"`
	Path            string          `json:"path"`
	Primary         bool            `json:"primary"`
	Status          WorkspaceStatus `json:"status"`
	CurrentStep     int             `json:"current_step"`
	TotalSteps      int             `json:"total_steps"`
	StepDescription string          `json:"step_description,omitempty"`
	ChangedFiles    []string        `json:"changed_files,omitempty"`
	TestStatus      TestStatus      `json:"test_status,omitempty"`
	LastModified    time.Time       `json:"last_modified"`
	LastActivity    time.Time       `json:"last_activity"`
}

// WorkspaceDescriptor is the JSON file seeded into every secondary workspace.
type WorkspaceDescriptor struct {
	Scope     string    `json:"scope"`
	Branch    string    `json:"branch"`
	Base      string    `json:"base"`
	CreatedAt time.Time `json:"created_at"`
}

// BranchSet splits a project's branches by whether a workspace is checked out.
type BranchSet struct {
	Active   []string `json:"active"`
	Inactive []string `json:"inactive"`
}
