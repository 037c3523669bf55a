package models

import "time"

// SyncState classifies a workspace branch relative to its upstream.
type SyncState string

const (
	SyncSynced   SyncState = "synced"
	SyncAhead    SyncState = "ahead"
	SyncBehind   SyncState = "behind"
	SyncDiverged SyncState = "diverged"
	SyncConflict SyncState = "conflict"
	SyncError    SyncState = "error"
)

// SyncStatus is the reconciliation result for one (project, branch).
type SyncStatus struct {
	Project        string    `json:"project"`
	Branch         string    `json:"branch"`
	Path           string    `json:"path"`
	State          SyncState `json:"state"`
	Ahead          int       `json:"ahead"`
	Behind         int       `json:"behind"`
	Conflicts      []string  `json:"conflicts"`
	Message        string    `json:"message"`
	NeedsAttention bool      `json:"needs_attention"`
	CheckedAt      time.Time `json:"checked_at"`
}

// ConflictStrategy selects how ResolveConflicts treats unmerged files.
type ConflictStrategy string

const (
	StrategyAcceptOurs   ConflictStrategy = "accept-ours"
	StrategyAcceptTheirs ConflictStrategy = "accept-theirs"
	StrategyAutoMerge    ConflictStrategy = "auto-merge"
	StrategyManualReview ConflictStrategy = "manual-review"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyAcceptOurs, StrategyAcceptTheirs, StrategyAutoMerge, StrategyManualReview:
		return true
	}
	return false
}

// Resolution reports what ResolveConflicts did.
type Resolution struct {
	Project   string           `json:"project"`
	Branch    string           `json:"branch"`
	Strategy  ConflictStrategy `json:"strategy"`
	Resolved  []string         `json:"resolved"`
	Remaining []string         `json:"remaining"`
	Finalized bool             `json:"finalized"`
	Message   string           `json:"message"`
}
