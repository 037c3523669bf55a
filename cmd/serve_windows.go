//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs has nothing to detach on Windows.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals end a foreground serve, mcp or watch loop.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// The daemon package turns either signal into a process kill on Windows.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
