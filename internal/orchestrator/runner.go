package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds every command run inside a workspace.
const DefaultCommandTimeout = 10 * time.Minute

const maxOutput = 16 * 1024

// CommandRunner executes one argv inside dir and returns combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args []string) (string, error)
}

// ExecRunner runs commands with os/exec under a per-command timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner returns an ExecRunner. A non-positive timeout uses DefaultCommandTimeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

// Run executes args[0] with args[1:] in dir. No shell is involved.
func (r *ExecRunner) Run(ctx context.Context, dir string, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=true", "GIT_TERMINAL_PROMPT=0")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := truncate(out.String(), maxOutput)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("%s: timed out after %s", strings.Join(args, " "), r.Timeout)
		}
		return output, fmt.Errorf("%s: %w", strings.Join(args, " "), err)
	}
	return output, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
