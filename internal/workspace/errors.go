package workspace

import (
	"errors"
	"fmt"
)

var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrWorkspaceExists   = errors.New("workspace already exists")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrBranchExists      = errors.New("branch already exists")
	ErrMainProtected     = errors.New("main workspace cannot be removed or deactivated")
	ErrUnsavedChanges    = errors.New("workspace has uncommitted or unpublished changes")
)

// Error carries the project, branch, and path an operation failed on.
type Error struct {
	Op      string
	Project string
	Branch  string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Project)
	if e.Branch != "" {
		msg += "/" + e.Branch
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
