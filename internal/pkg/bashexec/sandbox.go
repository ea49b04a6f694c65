package bashexec

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// Sandbox runs commands against a target rootfs under bwrap with a
// read-only /usr, private /var and /tmp, and the API filesystems mounted.
// Used for the spawns the engine cannot do in-process: depmod, dracut,
// semodule.
type Sandbox struct {
	// RootfsDir is the tree the command runs in.
	RootfsDir string
	// Binds are extra source:dest read-write binds.
	Binds []string
	// Env is appended to the child environment.
	Env []string
}

// Command builds the bwrap invocation for argv.
func (s *Sandbox) Command(argv ...string) *exec.Cmd {
	args := []string{
		"--dev", "/dev",
		"--proc", "/proc",
		"--dir", "/run",
		"--tmpfs", "/tmp",
		"--tmpfs", "/var",
		"--chdir", "/",
		"--die-with-parent",
		"--unshare-pid",
		"--unshare-net",
		"--ro-bind", s.RootfsDir + "/usr", "/usr",
		"--symlink", "usr/lib", "/lib",
		"--symlink", "usr/lib64", "/lib64",
		"--symlink", "usr/bin", "/bin",
		"--symlink", "usr/sbin", "/sbin",
	}
	if _, err := os.Stat(s.RootfsDir + "/etc"); err == nil {
		args = append(args, "--bind", s.RootfsDir+"/etc", "/etc")
	} else {
		args = append(args, "--ro-bind", s.RootfsDir+"/usr/etc", "/etc")
	}
	for _, b := range s.Binds {
		src, dest, _ := strings.Cut(b, ":")
		args = append(args, "--bind", src, dest)
	}
	args = append(args, argv...)

	cmd := exec.Command("bwrap", args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
	return cmd
}

// Run executes argv in the sandbox, buffering output for the error path.
func (s *Sandbox) Run(argv ...string) error {
	cmd := s.Command(argv...)
	buf, err := cmd.CombinedOutput()
	if err != nil {
		return errdefs.Wrapf(errdefs.SandboxSpawnFailed, err, "sandboxed %s failed\n%s", argv[0], buf)
	}
	return nil
}
