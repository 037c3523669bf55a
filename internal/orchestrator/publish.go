package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/forge/internal/git"
	"github.com/joescharf/forge/internal/models"
)

// ErrPublishToBase is returned for a workspace checked out on the branch its
// change request would target.
var ErrPublishToBase = errors.New("refusing to publish the integration branch")

// Publisher packages a workspace's changes into a reviewable change request.
type Publisher interface {
	ChangedFiles(ctx context.Context, ws models.Workspace) ([]string, error)
	Publish(ctx context.Context, ws models.Workspace, title, body string) (string, error)
}

// GitPublisher commits, pushes, and opens a pull request with gh.
type GitPublisher struct {
	Git    git.Client
	GitHub git.GitHubClient
	Remote string
}

// NewGitPublisher returns a GitPublisher pushing to remote.
func NewGitPublisher(gc git.Client, gh git.GitHubClient, remote string) *GitPublisher {
	if remote == "" {
		remote = "origin"
	}
	return &GitPublisher{Git: gc, GitHub: gh, Remote: remote}
}

// ChangedFiles lists uncommitted paths in the workspace.
func (p *GitPublisher) ChangedFiles(ctx context.Context, ws models.Workspace) ([]string, error) {
	return p.Git.StatusFiles(ctx, ws.Path)
}

// Publish commits any pending changes, pushes the branch, and returns the
// pull request URL. A nil GitHub client stops after the push. The primary
// checkout and the base branch itself are never published.
func (p *GitPublisher) Publish(ctx context.Context, ws models.Workspace, title, body string) (string, error) {
	base := ws.BaseBranch
	if base == "" {
		base = "main"
	}
	if ws.Primary || ws.Branch == "" || ws.Branch == base {
		return "", fmt.Errorf("%w: %s targets %s", ErrPublishToBase, ws.Branch, base)
	}

	dirty, err := p.Git.IsDirty(ctx, ws.Path)
	if err != nil {
		return "", fmt.Errorf("check status: %w", err)
	}
	if dirty {
		if err := p.Git.Add(ctx, ws.Path); err != nil {
			return "", fmt.Errorf("stage changes: %w", err)
		}
		if err := p.Git.Commit(ctx, ws.Path, title); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
	}
	if err := p.Git.Push(ctx, ws.Path, p.Remote, ws.Branch); err != nil {
		return "", fmt.Errorf("push %s: %w", ws.Branch, err)
	}
	if p.GitHub == nil {
		return "", nil
	}
	url, err := p.GitHub.CreatePullRequest(ctx, ws.Path, git.PullRequestRequest{
		Base:  base,
		Head:  ws.Branch,
		Title: title,
		Body:  body,
	})
	if err != nil {
		return "", fmt.Errorf("open pull request: %w", err)
	}
	return url, nil
}

// describe assembles the change request body from the session's plan.
func describe(s *models.AgentSession, completed []int, testsRan bool) string {
	var b strings.Builder
	plan := s.Plan
	goal := s.Requirement
	if plan != nil && plan.Goal != "" {
		goal = plan.Goal
	}
	fmt.Fprintf(&b, "## Goal\n\n%s\n\n", goal)
	if plan != nil && len(plan.Steps) > 0 {
		b.WriteString("## Steps completed\n\n")
		done := make(map[int]bool, len(completed))
		for _, id := range completed {
			done[id] = true
		}
		for _, step := range plan.Steps {
			mark := " "
			if done[step.ID] {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %d. %s\n", mark, step.ID, step.Title)
		}
		b.WriteString("\n")
	}
	if plan != nil && len(plan.SuccessCriteria) > 0 {
		b.WriteString("## Success criteria\n\n")
		for _, c := range plan.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Tests\n\n")
	switch {
	case !testsRan:
		b.WriteString("No test command was run.\n")
	case lastTestPassed(s.Artifacts.TestRuns):
		b.WriteString("Tests passed.\n")
	default:
		b.WriteString("Tests ran and reported failures; see the session log.\n")
	}
	fmt.Fprintf(&b, "\nSession: `%s`\n", s.ID)
	return b.String()
}

func lastTestPassed(runs []models.TestRun) bool {
	return len(runs) > 0 && runs[len(runs)-1].Passed
}
