// Package git wraps the git command line for worktree, branch, sync, and
// conflict operations. Every call runs with a bounded timeout.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single git invocation when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Bare     bool
	Detached bool
	Prunable bool
}

// CommandError is returned when a git invocation fails.
type CommandError struct {
	Dir    string
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := "git " + strings.Join(e.Args, " ")
	if e.Dir != "" {
		msg += " (in " + e.Dir + ")"
	}
	if e.TimedOut() {
		return msg + ": timed out"
	}
	if e.Output != "" {
		return msg + ": " + e.Output
	}
	return msg + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error { return e.Err }

// TimedOut reports whether the command was killed by its deadline.
func (e *CommandError) TimedOut() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ExitCode returns the process exit code, or -1 if the process did not exit normally.
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Client defines the git operations used by workspaces, sessions, and the reconciler.
// All methods take a path since forge operates on many checkouts.
type Client interface {
	CurrentBranch(ctx context.Context, path string) (string, error)
	LastCommitDate(ctx context.Context, path string) (time.Time, error)
	BranchList(ctx context.Context, path string) ([]string, error)
	BranchExists(ctx context.Context, path, branch string) (bool, error)
	RemoteBranchExists(ctx context.Context, path, remote, branch string) (bool, error)
	DeleteBranch(ctx context.Context, path, branch string, force bool) error
	IsDirty(ctx context.Context, path string) (bool, error)
	StatusFiles(ctx context.Context, path string) ([]string, error)
	HasUnpushedCommits(ctx context.Context, path, base string) (bool, error)
	WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error)
	WorktreeAdd(ctx context.Context, repo, path, branch, base string, newBranch bool) error
	WorktreeRemove(ctx context.Context, repo, path string, force bool) error
	WorktreePrune(ctx context.Context, repo string) error
	Fetch(ctx context.Context, path, remote string) error
	AheadBehind(ctx context.Context, path, upstream string) (ahead, behind int, err error)
	ConflictedFiles(ctx context.Context, path string) ([]string, error)
	IsMergeInProgress(ctx context.Context, path string) (bool, error)
	MergeFFOnly(ctx context.Context, path, ref string) error
	CheckoutOurs(ctx context.Context, path, file string) error
	CheckoutTheirs(ctx context.Context, path, file string) error
	ShowStage(ctx context.Context, path string, stage int, file string) (string, bool, error)
	Add(ctx context.Context, path string, files ...string) error
	Commit(ctx context.Context, path, message string) error
	CommitNoEdit(ctx context.Context, path string) error
	Push(ctx context.Context, path, remote, branch string) error
	Clone(ctx context.Context, url, dest string) error
	RemoteURL(ctx context.Context, path string) (string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct {
	Timeout time.Duration
}

// NewClient returns a RealClient. A zero timeout uses DefaultTimeout.
func NewClient(timeout time.Duration) *RealClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RealClient{Timeout: timeout}
}

func (c *RealClient) run(ctx context.Context, path string, args ...string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullArgs := args
	if path != "" {
		fullArgs = append([]string{"-C", path}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		return "", &CommandError{Dir: path, Args: args, Output: out, Err: err}
	}
	return stdout.String(), nil
}

func (c *RealClient) git(ctx context.Context, path string, args ...string) (string, error) {
	out, err := c.run(ctx, path, args...)
	return strings.TrimSpace(out), err
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// isExitCode reports whether err is a CommandError with the given exit code.
func isExitCode(err error, code int) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.ExitCode() == code
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return c.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) LastCommitDate(ctx context.Context, path string) (time.Time, error) {
	out, err := c.git(ctx, path, "log", "-1", "--format=%cI")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, out)
}

func (c *RealClient) BranchList(ctx context.Context, path string) ([]string, error) {
	out, err := c.git(ctx, path, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *RealClient) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	_, err := c.git(ctx, path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		if isExitCode(err, 1) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *RealClient) RemoteBranchExists(ctx context.Context, path, remote, branch string) (bool, error) {
	_, err := c.git(ctx, path, "show-ref", "--verify", "--quiet", "refs/remotes/"+remote+"/"+branch)
	if err != nil {
		if isExitCode(err, 1) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *RealClient) DeleteBranch(ctx context.Context, path, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.git(ctx, path, "branch", flag, branch)
	return err
}

func (c *RealClient) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := c.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// StatusFiles returns the paths reported by `git status --porcelain`, including untracked files.
func (c *RealClient) StatusFiles(ctx context.Context, path string) ([]string, error) {
	out, err := c.run(ctx, path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return ParseStatusPorcelain(out), nil
}

func (c *RealClient) HasUnpushedCommits(ctx context.Context, path, base string) (bool, error) {
	out, err := c.git(ctx, path, "log", base+"..HEAD", "--oneline")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	out, err := c.git(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

func (c *RealClient) WorktreeAdd(ctx context.Context, repo, path, branch, base string, newBranch bool) error {
	args := []string{"worktree", "add", path, branch}
	if newBranch {
		args = []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			args = append(args, base)
		}
	}
	_, err := c.git(ctx, repo, args...)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repo, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.git(ctx, repo, args...)
	return err
}

func (c *RealClient) WorktreePrune(ctx context.Context, repo string) error {
	_, err := c.git(ctx, repo, "worktree", "prune")
	return err
}

func (c *RealClient) Fetch(ctx context.Context, path, remote string) error {
	_, err := c.git(ctx, path, "fetch", "--prune", remote)
	return err
}

// AheadBehind counts commits on HEAD not in upstream (ahead) and in upstream not in HEAD (behind).
func (c *RealClient) AheadBehind(ctx context.Context, path, upstream string) (int, int, error) {
	out, err := c.git(ctx, path, "rev-list", "--left-right", "--count", "HEAD..."+upstream)
	if err != nil {
		return 0, 0, err
	}
	return ParseLeftRightCount(out)
}

func (c *RealClient) ConflictedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := c.git(ctx, path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *RealClient) IsMergeInProgress(ctx context.Context, path string) (bool, error) {
	_, err := c.git(ctx, path, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	if err != nil {
		if isExitCode(err, 1) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *RealClient) MergeFFOnly(ctx context.Context, path, ref string) error {
	_, err := c.git(ctx, path, "merge", "--ff-only", ref)
	return err
}

func (c *RealClient) CheckoutOurs(ctx context.Context, path, file string) error {
	_, err := c.git(ctx, path, "checkout", "--ours", "--", file)
	return err
}

func (c *RealClient) CheckoutTheirs(ctx context.Context, path, file string) error {
	_, err := c.git(ctx, path, "checkout", "--theirs", "--", file)
	return err
}

// ShowStage returns the content of file at index stage (1 base, 2 ours, 3 theirs).
// found is false when the stage does not exist, e.g. a file added on one side only.
func (c *RealClient) ShowStage(ctx context.Context, path string, stage int, file string) (string, bool, error) {
	out, err := c.run(ctx, path, "show", ":"+strconv.Itoa(stage)+":"+file)
	if err != nil {
		if isExitCode(err, 128) {
			return "", false, nil
		}
		return "", false, err
	}
	return out, true, nil
}

func (c *RealClient) Add(ctx context.Context, path string, files ...string) error {
	args := []string{"add"}
	if len(files) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, "--")
		args = append(args, files...)
	}
	_, err := c.git(ctx, path, args...)
	return err
}

func (c *RealClient) Commit(ctx context.Context, path, message string) error {
	_, err := c.git(ctx, path, "commit", "-m", message)
	return err
}

func (c *RealClient) CommitNoEdit(ctx context.Context, path string) error {
	_, err := c.git(ctx, path, "commit", "--no-edit")
	return err
}

func (c *RealClient) Push(ctx context.Context, path, remote, branch string) error {
	_, err := c.git(ctx, path, "push", "-u", remote, branch)
	return err
}

func (c *RealClient) Clone(ctx context.Context, url, dest string) error {
	_, err := c.git(ctx, "", "clone", url, dest)
	return err
}

func (c *RealClient) RemoteURL(ctx context.Context, path string) (string, error) {
	out, err := c.git(ctx, path, "remote", "get-url", "origin")
	if err != nil {
		return "", nil // no remote is not an error
	}
	return out, nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Detached = true
		case strings.HasPrefix(line, "prunable"):
			current.Prunable = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ParseStatusPorcelain extracts file paths from `git status --porcelain` v1 output.
// Renames report the destination path.
func ParseStatusPorcelain(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		if _, to, ok := strings.Cut(p, " -> "); ok {
			p = to
		}
		files = append(files, strings.Trim(p, `"`))
	}
	return files
}

// ParseLeftRightCount parses "<left>\t<right>" from `rev-list --left-right --count`.
func ParseLeftRightCount(out string) (int, int, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	left, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parse ahead count: %w", err)
	}
	right, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parse behind count: %w", err)
	}
	return left, right, nil
}
