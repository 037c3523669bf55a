package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// PullRequestRequest describes a change request to open.
type PullRequestRequest struct {
	Base  string
	Head  string
	Title string
	Body  string
	Draft bool
}

// GitHubClient wraps the gh CLI for opening reviewable change requests.
type GitHubClient interface {
	CreatePullRequest(ctx context.Context, dir string, req PullRequestRequest) (string, error)
}

// RealGitHubClient implements GitHubClient using the gh CLI.
type RealGitHubClient struct {
	Timeout time.Duration
}

// NewGitHubClient returns a new RealGitHubClient.
func NewGitHubClient(timeout time.Duration) *RealGitHubClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RealGitHubClient{Timeout: timeout}
}

func (c *RealGitHubClient) gh(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("gh %s: %w", args[0], ctx.Err())
		}
		return "", fmt.Errorf("gh %s: %s", strings.Join(args[:2], " "), strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CreatePullRequest opens a pull request from dir and returns its URL.
func (c *RealGitHubClient) CreatePullRequest(ctx context.Context, dir string, req PullRequestRequest) (string, error) {
	args := []string{"pr", "create",
		"--base", req.Base,
		"--head", req.Head,
		"--title", req.Title,
		"--body", req.Body,
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	out, err := c.gh(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return ParsePullRequestURL(out), nil
}

// ParsePullRequestURL returns the last URL-looking line of gh output.
func ParsePullRequestURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		l := strings.TrimSpace(lines[i])
		if strings.HasPrefix(l, "https://") || strings.HasPrefix(l, "http://") {
			return l
		}
	}
	return ""
}
