// Package bashexec executes the engine's helper shell fragments: compose
// postprocess scripts and other one-shot bash snippets that do not need the
// target-rootfs sandbox (for sandboxed spawns see Sandbox).
//
// - All fragments run in "bash strict mode": http://redsymbol.net/articles/unofficial-bash-strict-mode/
// - Scripts carry a "name" so failures identify themselves in logs.
// - The code to execute is piped via an inherited fd instead of `-c`, which
//   avoids argument length limits and keeps the output of e.g. `ps` readable.
// - prctl(PR_SET_PDEATHSIG) lifecycle-binds the script to the caller, so an
//   aborted transaction cannot leak helpers.
package bashexec

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// StrictMode enables http://redsymbol.net/articles/unofficial-bash-strict-mode/
const StrictMode = "set -euo pipefail"

// BashRunner is a wrapper for executing in-memory bash scripts.
type BashRunner struct {
	name string
	cmd  *exec.Cmd
}

// NewBashRunner creates a bash executor from an in-memory shell script.
func NewBashRunner(name, src string, args ...string) (*BashRunner, error) {
	// This will be proxied to fd 3
	f, err := os.CreateTemp("", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, strings.NewReader(src)); err != nil {
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		return nil, err
	}

	bashCmd := fmt.Sprintf("%s\n. /proc/self/fd/3\n", StrictMode)
	fullargs := append([]string{"-c", bashCmd, name}, args...)
	cmd := exec.Command("/bin/bash", fullargs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
	cmd.ExtraFiles = append(cmd.ExtraFiles, f)

	return &BashRunner{
		name: name,
		cmd:  cmd,
	}, nil
}

// SetDir makes the script run with the given working directory.
func (r *BashRunner) SetDir(dir string) {
	r.cmd.Dir = dir
}

// Run spawns the script, gathering stdout/stderr into a buffer that is
// displayed only on error.
func (r *BashRunner) Run() error {
	buf, err := r.cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to execute internal script %s: %w\n%s", r.name, err, buf)
	}
	return nil
}

// Run spawns a named script (without any arguments),
// gathering stdout/stderr into a buffer that is displayed only on error.
func Run(name, cmd string) error {
	sh, err := NewBashRunner(name, cmd)
	if err != nil {
		return err
	}
	return sh.Run()
}

// RunIn is Run with the script's working directory set, used for compose
// postprocess scripts that operate on a scratch rootfs.
func RunIn(dir, name, cmd string) error {
	sh, err := NewBashRunner(name, cmd)
	if err != nil {
		return err
	}
	sh.SetDir(dir)
	return sh.Run()
}

// RunA spawns an anonymous script, and is otherwise the same as `Run`.
func RunA(cmd string) error {
	sh, err := NewBashRunner("", cmd)
	if err != nil {
		return err
	}
	return sh.Run()
}
