package ostree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/kargs"
)

// CLISysroot manages deployments through the ostree admin commands, reading
// state directly from the sysroot layout.
type CLISysroot struct {
	path string
	repo Repo
	run  commander

	// bootedPath overrides /proc/cmdline discovery in tests.
	bootedPath string
}

// OpenSysroot opens the sysroot rooted at path.
func OpenSysroot(path string) *CLISysroot {
	s := &CLISysroot{
		path: path,
		repo: OpenRepo(filepath.Join(path, "ostree/repo")),
	}
	s.run = s.execAdmin
	return s
}

func (s *CLISysroot) execAdmin(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"admin", "--sysroot=" + s.path}, args...)
	log.WithField("args", full).Debug("running ostree")
	cmd := exec.CommandContext(ctx, "ostree", full...)
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(ee.Stderr))
		}
		return nil, errdefs.Wrapf(errdefs.StoreIoError, err, "ostree admin %s: %s", strings.Join(args, " "), stderr)
	}
	return out, nil
}

// Path returns the sysroot path.
func (s *CLISysroot) Path() string { return s.path }

// Repo returns the sysroot's object store.
func (s *CLISysroot) Repo() Repo { return s.repo }

// DeploymentID forms the stable identifier for a deployment.
func DeploymentID(osname, checksum string, serial int) string {
	return fmt.Sprintf("%s-%s.%d", osname, checksum, serial)
}

// bootedDeployPath resolves the running deployment's directory from the
// kernel command line's ostree= argument.
func (s *CLISysroot) bootedDeployPath() string {
	if s.bootedPath != "" {
		return s.bootedPath
	}
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return ""
	}
	ka, err := kargs.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return ""
	}
	vals := ka.ValuesOf("ostree")
	if len(vals) == 0 {
		return ""
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(s.path, vals[0]))
	if err != nil {
		return ""
	}
	return resolved
}

// Deployments scans the sysroot deployment roots, default boot order first.
func (s *CLISysroot) Deployments() ([]Deployment, error) {
	deployDir := filepath.Join(s.path, "ostree/deploy")
	osDirs, err := os.ReadDir(deployDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.StoreIoError, err, "reading deployments")
	}

	bootedPath := s.bootedDeployPath()
	var deployments []Deployment
	for _, osDir := range osDirs {
		if !osDir.IsDir() {
			continue
		}
		osname := osDir.Name()
		dDir := filepath.Join(deployDir, osname, "deploy")
		entries, err := os.ReadDir(dDir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			name := ent.Name()
			dot := strings.LastIndex(name, ".")
			if dot <= 0 {
				continue
			}
			serial, err := strconv.Atoi(name[dot+1:])
			if err != nil {
				continue
			}
			csum := name[:dot]
			d := Deployment{
				ID:           DeploymentID(osname, csum, serial),
				OSName:       osname,
				Checksum:     csum,
				DeploySerial: serial,
			}
			if origin, err := os.ReadFile(filepath.Join(dDir, name+".origin")); err == nil {
				d.Origin = origin
			}
			if resolved, err := filepath.EvalSymlinks(filepath.Join(dDir, name)); err == nil && resolved == bootedPath && bootedPath != "" {
				d.Booted = true
			}
			deployments = append(deployments, d)
		}
	}

	order, err := s.bootOrder()
	if err == nil && len(order) > 0 {
		rank := func(d Deployment) int {
			for i, id := range order {
				if id == d.ID {
					return i
				}
			}
			return len(order)
		}
		sort.SliceStable(deployments, func(i, j int) bool {
			return rank(deployments[i]) < rank(deployments[j])
		})
	}

	if staged, err := s.StagedDeployment(); err == nil && staged != nil {
		for i := range deployments {
			if deployments[i].ID == staged.ID {
				deployments[i].Staged = true
			}
		}
	}
	return deployments, nil
}

// bootOrder reads the deployment ids in bootloader order from the marker the
// deploy path maintains.
func (s *CLISysroot) bootOrder() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.path, "ostree/deploy-order"))
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(data)), nil
}

func (s *CLISysroot) writeBootOrder(ids []string) error {
	return os.WriteFile(filepath.Join(s.path, "ostree/deploy-order"), []byte(strings.Join(ids, "\n")+"\n"), 0644)
}

// BootedDeployment returns the running deployment.
func (s *CLISysroot) BootedDeployment() (*Deployment, error) {
	deployments, err := s.Deployments()
	if err != nil {
		return nil, err
	}
	for i := range deployments {
		if deployments[i].Booted {
			return &deployments[i], nil
		}
	}
	return nil, errdefs.New(errdefs.NoBootedDeployment, "not currently booted into an ostree deployment")
}

// StagedDeployment returns the staged deployment, or nil.
func (s *CLISysroot) StagedDeployment() (*Deployment, error) {
	data, err := os.ReadFile(filepath.Join(s.path, "run/ostree/staged-deployment"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return nil, nil
	}
	serial, _ := strconv.Atoi(fields[2])
	return &Deployment{
		ID:           DeploymentID(fields[0], fields[1], serial),
		OSName:       fields[0],
		Checksum:     fields[1],
		DeploySerial: serial,
		Staged:       true,
	}, nil
}

// MergeDeployment picks the deployment new work merges against for osname.
func (s *CLISysroot) MergeDeployment(osname string) (*Deployment, error) {
	deployments, err := s.Deployments()
	if err != nil {
		return nil, err
	}
	if osname == "" {
		booted, err := s.BootedDeployment()
		if err != nil {
			return nil, err
		}
		osname = booted.OSName
	}
	// The list is boot-ordered, so a pending deployment precedes the booted
	// one; the first match is the merge target.
	for i := range deployments {
		if deployments[i].OSName == osname {
			return &deployments[i], nil
		}
	}
	return nil, errdefs.Newf(errdefs.NoBootedDeployment, "no deployments found for os %q", osname)
}

// PendingAndRollback splits the deployment list around the booted one.
func (s *CLISysroot) PendingAndRollback(osname string) (pending, rollback *Deployment, err error) {
	deployments, err := s.Deployments()
	if err != nil {
		return nil, nil, err
	}
	bootedSeen := false
	for i := range deployments {
		d := deployments[i]
		if d.OSName != osname {
			continue
		}
		switch {
		case d.Booted:
			bootedSeen = true
		case !bootedSeen && pending == nil:
			pending = &deployments[i]
		case bootedSeen && rollback == nil:
			rollback = &deployments[i]
		}
	}
	return pending, rollback, nil
}

// Deploy writes a new deployment via ostree admin deploy.
func (s *CLISysroot) Deploy(ctx context.Context, osname, checksum string, originData []byte, merge *Deployment, kargList []string, flags DeployFlags) (*Deployment, error) {
	originFile, err := os.CreateTemp("", "origin")
	if err != nil {
		return nil, err
	}
	defer os.Remove(originFile.Name())
	if _, err := originFile.Write(originData); err != nil {
		return nil, err
	}
	if err := originFile.Close(); err != nil {
		return nil, err
	}

	args := []string{"deploy", "--os=" + osname, "--origin-file=" + originFile.Name(), "--retain"}
	for _, k := range kargList {
		args = append(args, "--karg="+k)
	}
	if flags.Stage {
		args = append(args, "--stage")
		if flags.LockFinalization {
			args = append(args, "--lock-finalization")
		}
	}
	args = append(args, checksum)
	if _, err := s.run(ctx, args...); err != nil {
		return nil, errdefs.Wrap(errdefs.StoreWriteError, err, "deploying")
	}

	deployments, err := s.Deployments()
	if err != nil {
		return nil, err
	}
	var ids []string
	for i := range deployments {
		ids = append(ids, deployments[i].ID)
		if deployments[i].Checksum == checksum && deployments[i].OSName == osname {
			defer func() { _ = s.writeBootOrder(ids) }()
			return &deployments[i], nil
		}
	}
	return nil, errdefs.New(errdefs.StoreWriteError, "deployment not found after deploy")
}

// WriteDeployments reorders the deployment list; index 0 boots by default.
func (s *CLISysroot) WriteDeployments(ctx context.Context, deployments []Deployment) error {
	current, err := s.Deployments()
	if err != nil {
		return err
	}
	if len(deployments) == 0 {
		return errdefs.New(errdefs.StoreIoError, "refusing to write an empty deployment list")
	}
	for i := range current {
		if current[i].ID == deployments[0].ID && i != 0 {
			if _, err := s.run(ctx, "set-default", strconv.Itoa(i)); err != nil {
				return err
			}
			break
		}
	}
	ids := make([]string, 0, len(deployments))
	for _, d := range deployments {
		ids = append(ids, d.ID)
	}
	return s.writeBootOrder(ids)
}

// FinalizeStaged finalizes a staged deployment ahead of reboot.
func (s *CLISysroot) FinalizeStaged(ctx context.Context) error {
	_, err := s.run(ctx, "finalize-staged")
	return err
}

// Cleanup prunes orphaned deployment roots and repository objects.
func (s *CLISysroot) Cleanup(ctx context.Context) error {
	if _, err := s.run(ctx, "cleanup"); err != nil {
		return err
	}
	return s.repo.Prune(ctx)
}
