// Package daemon tracks the background forge server through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
)

// pollInterval is how often Stop checks whether the process has exited.
var pollInterval = 100 * time.Millisecond

// PIDFile records the PID of a detached server process.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a PIDFile at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records pid, creating the parent directory if needed.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded PID.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file content %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Claim fails with ErrAlreadyRunning while a live process owns the file and
// clears a stale one otherwise. The caller writes the new PID afterwards.
func (p *PIDFile) Claim() error {
	if pid, ok := p.IsRunning(); ok {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}
	return p.Remove()
}

// Stop sends term and waits up to grace for the process to exit, then sends
// kill. The file is removed once the process is gone. killed reports whether
// the kill signal was needed.
func (p *PIDFile) Stop(grace time.Duration, term, kill syscall.Signal) (pid int, killed bool, err error) {
	pid, ok := p.IsRunning()
	if !ok {
		_ = p.Remove()
		return pid, false, ErrNotRunning
	}
	if err := p.Signal(term); err != nil {
		return pid, false, fmt.Errorf("signal PID %d: %w", pid, err)
	}
	if p.waitExit(grace) {
		return pid, false, p.Remove()
	}
	if err := p.Signal(kill); err != nil {
		return pid, false, fmt.Errorf("kill PID %d: %w", pid, err)
	}
	p.waitExit(grace)
	return pid, true, p.Remove()
}

func (p *PIDFile) waitExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, running := p.IsRunning(); !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
