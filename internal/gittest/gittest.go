// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Run executes git in dir and returns trimmed combined output, failing the test on error.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// TryRun executes git in dir and returns the error instead of failing.
func TryRun(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Configure sets a committer identity so commits work on CI.
func Configure(t testing.TB, dir string) {
	t.Helper()
	Run(t, dir, "config", "user.email", "test@test.com")
	Run(t, dir, "config", "user.name", "Test")
	Run(t, dir, "config", "commit.gpgsign", "false")
}

// InitRepo creates a repository on branch main in dir with one commit.
func InitRepo(t testing.TB, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	Run(t, dir, "init")
	Run(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	Configure(t, dir)
	WriteFile(t, dir, "README.md", "# test\n")
	Commit(t, dir, "initial commit")
}

// WriteFile writes content to name inside dir, creating parents.
func WriteFile(t testing.TB, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// Commit stages everything in dir and commits it.
func Commit(t testing.TB, dir, msg string) {
	t.Helper()
	Run(t, dir, "add", "-A")
	Run(t, dir, "commit", "-m", msg)
}

// Remote is a bare upstream plus a clone used to push upstream changes.
type Remote struct {
	Bare     string
	Upstream string
}

// NewRemote creates a bare repository with one commit on main and a working
// clone of it that tests use to advance upstream history.
func NewRemote(t testing.TB) *Remote {
	t.Helper()
	root := t.TempDir()
	seed := filepath.Join(root, "seed")
	InitRepo(t, seed)

	bare := filepath.Join(root, "remote.git")
	Run(t, root, "clone", "--bare", seed, bare)
	Run(t, bare, "symbolic-ref", "HEAD", "refs/heads/main")

	upstream := filepath.Join(root, "upstream")
	Run(t, root, "clone", bare, upstream)
	Configure(t, upstream)
	return &Remote{Bare: bare, Upstream: upstream}
}

// Clone clones the remote into dest and configures an identity.
func (r *Remote) Clone(t testing.TB, dest string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	Run(t, filepath.Dir(dest), "clone", r.Bare, dest)
	Configure(t, dest)
}

// PushUpstream commits files on branch in the upstream clone and pushes them.
func (r *Remote) PushUpstream(t testing.TB, branch string, files map[string]string, msg string) {
	t.Helper()
	Run(t, r.Upstream, "fetch", "origin")
	if _, err := TryRun(r.Upstream, "rev-parse", "--verify", "refs/remotes/origin/"+branch); err == nil {
		Run(t, r.Upstream, "checkout", "-B", branch, "origin/"+branch)
	} else {
		Run(t, r.Upstream, "checkout", "-B", branch)
	}
	for name, content := range files {
		WriteFile(t, r.Upstream, name, content)
	}
	Commit(t, r.Upstream, msg)
	Run(t, r.Upstream, "push", "-u", "origin", branch)
}
