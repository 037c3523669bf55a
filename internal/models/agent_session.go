package models

import "time"

// SessionState is a node in the agent session state machine.
type SessionState string

const (
	SessionStatePlanning  SessionState = "planning"
	SessionStateExecuting SessionState = "executing"
	SessionStateTesting   SessionState = "testing"
	SessionStateDemoing   SessionState = "demoing"
	SessionStateCompleted SessionState = "completed"
	SessionStateFailed    SessionState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateFailed
}

// LogLevel classifies an audit log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one timestamped line of a session's audit trail.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Step    int       `json:"step"`
	Message string    `json:"message"`
}

// TestRun records the output of one test command invocation.
type TestRun struct {
	Command  string    `json:"command"`
	Passed   bool      `json:"passed"`
	Output   string    `json:"output"`
	Duration string    `json:"duration"`
	RanAt    time.Time `json:"ran_at"`
}

// Artifacts collects everything a session produced besides code.
type Artifacts struct {
	Screenshots    []string  `json:"screenshots"`
	DemoVideo      string    `json:"demo_video,omitempty"`
	ChangedFiles   []string  `json:"changed_files"`
	TestRuns       []TestRun `json:"test_runs"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
}

// AgentSession binds one Plan to one Workspace and tracks orchestration state.
type AgentSession struct {
	ID          string       `json:"id"`
	Requirement string       `json:"requirement"`
	WorkItemID  string       `json:"work_item_id,omitempty"`
	State       SessionState `json:"state"`
	Plan        *Plan        `json:"plan,omitempty"`
	Workspace   Workspace    `json:"workspace"`
	CurrentStep int          `json:"current_step"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	Logs        []LogEntry   `json:"logs"`
	Artifacts   Artifacts    `json:"artifacts"`
}

// Clone returns a deep copy safe to hand to readers while the session keeps running.
func (s *AgentSession) Clone() *AgentSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Plan != nil {
		c.Plan = s.Plan.Clone()
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	c.Workspace.ChangedFiles = append([]string(nil), s.Workspace.ChangedFiles...)
	c.Logs = append([]LogEntry(nil), s.Logs...)
	c.Artifacts.Screenshots = append([]string(nil), s.Artifacts.Screenshots...)
	c.Artifacts.ChangedFiles = append([]string(nil), s.Artifacts.ChangedFiles...)
	c.Artifacts.TestRuns = append([]TestRun(nil), s.Artifacts.TestRuns...)
	return &c
}
