package models

import "time"

// WorkItemType classifies a node in the work-item tree.
type WorkItemType string

const (
	TypeEpic    WorkItemType = "epic"
	TypeFeature WorkItemType = "feature"
	TypeStory   WorkItemType = "story"
	TypeTask    WorkItemType = "task"
	TypeSubtask WorkItemType = "subtask"
	TypeBug     WorkItemType = "bug"
)

// WorkItemStatus is the progress state of a work item.
type WorkItemStatus string

const (
	StatusPending    WorkItemStatus = "pending"
	StatusPlanned    WorkItemStatus = "planned"
	StatusInProgress WorkItemStatus = "in-progress"
	StatusInReview   WorkItemStatus = "in-review"
	StatusDone       WorkItemStatus = "done"
	StatusDeferred   WorkItemStatus = "deferred"
)

// Priority ranks work items from low to critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Category is the smart-category tag used for grouping.
type Category struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Team  string `json:"team" yaml:"team"`
	Color string `json:"color" yaml:"color"`
}

// WorkItem is one node in the hierarchical task tree.
type WorkItem struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Type            WorkItemType   `json:"type"`
	Status          WorkItemStatus `json:"status"`
	Priority        Priority       `json:"priority"`
	Area            string         `json:"area"`
	ParentID        string         `json:"parent_id,omitempty"`
	Depth           int            `json:"depth"`
	OrderIndex      int64          `json:"order_index"`
	Project         string         `json:"project"`
	Effort          string         `json:"effort,omitempty"`
	Assignee        string         `json:"assignee,omitempty"`
	DueDate         string         `json:"due_date,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Category        *Category      `json:"category,omitempty"`
	BranchName      string         `json:"branch_name,omitempty"`
	WorkspacePath   string         `json:"workspace_path,omitempty"`
	WorkspaceStatus string         `json:"workspace_status,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TreeNode is a work item with its ordered children.
type TreeNode struct {
	Item     *WorkItem   `json:"item"`
	Children []*TreeNode `json:"children"`
}
