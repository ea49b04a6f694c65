package main

/*
	Definition for the rpm-ostreed command. The daemon serves the update
	engine's request surface over a local socket; `compose-tree` runs the
	server-side compose path directly.
*/

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/v22/journal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coreos/rpm-ostree/internal/pkg/compose"
	"github.com/coreos/rpm-ostree/internal/pkg/daemon"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/coreos/rpm-ostree/internal/pkg/resolver"
)

var (
	version = "devel"

	sysrootPath string
	debug       bool
	socketPath  string

	cmdRoot = &cobra.Command{
		Use:   "rpm-ostreed [command]",
		Short: "rpm-ostree daemon",
		Long: `Privileged daemon managing hybrid image/package OS updates:
deployments, package layering and rollbacks on an ostree sysroot`,
		PersistentPreRun: preRun,
	}

	cmdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s version %s\n", cmd.Root().Name(), version)
		},
	}

	cmdServe = &cobra.Command{
		Use:   "serve",
		Short: "Serve the transaction request surface",
		RunE:  runServe,
	}

	cmdStatus = &cobra.Command{
		Use:   "status",
		Short: "Print deployment status as JSON",
		RunE:  runStatus,
	}

	composeTreefile string
	composeRootfs   string
	composeReposDir string
	composeForce    bool

	cmdComposeTree = &cobra.Command{
		Use:   "compose-tree",
		Short: "Compose a base commit from a treefile",
		RunE:  runComposeTree,
	}
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&sysrootPath, "sysroot", "/", "path to the managed sysroot")
	cmdRoot.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmdServe.Flags().StringVar(&socketPath, "socket", "/run/rpm-ostree/api.sock", "request socket path")
	cmdComposeTree.Flags().StringVar(&composeTreefile, "treefile", "", "treefile path (required)")
	cmdComposeTree.Flags().StringVar(&composeRootfs, "rootfs", "", "scratch rootfs directory (required)")
	cmdComposeTree.Flags().StringVar(&composeReposDir, "repos-dir", "/etc/yum.repos.d", "rpm-md repo configuration directory")
	cmdComposeTree.Flags().BoolVar(&composeForce, "force-nocache", false, "compose even when inputs are unchanged")
	cmdRoot.AddCommand(cmdVersion, cmdServe, cmdStatus, cmdComposeTree)
}

func preRun(cmd *cobra.Command, args []string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	if journal.Enabled() {
		_ = journal.Send(fmt.Sprintf("rpm-ostreed %s starting", version), journal.PriInfo, nil)
	}
}

func newRuntime() *daemon.Runtime {
	sysroot := ostree.OpenSysroot(sysrootPath)
	return daemon.NewRuntime(sysroot, &resolver.ExecBackend{})
}

func runServe(cmd *cobra.Command, args []string) error {
	rt := newRuntime()
	go func() {
		if err := rt.WatchShutdown(cmd.Context()); err != nil {
			log.WithError(err).Warn("shutdown watcher exited")
		}
	}()
	srv := daemon.NewServer(rt, socketPath)
	log.WithField("socket", socketPath).Info("serving requests")
	return srv.ListenAndServe()
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt := newRuntime()
	data, err := rt.StatusJSON()
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

func runComposeTree(cmd *cobra.Command, args []string) error {
	if composeTreefile == "" || composeRootfs == "" {
		return fmt.Errorf("compose-tree requires --treefile and --rootfs")
	}
	tf, err := compose.LoadTreefile(composeTreefile)
	if err != nil {
		return err
	}
	repoConfigs, err := resolver.LoadRepoConfigs(composeReposDir)
	if err != nil {
		return err
	}

	repo := ostree.OpenRepo(sysrootPath + "/ostree/repo")
	composer := compose.New(repo, &resolver.ExecBackend{}, tf)
	res, err := composer.Run(cmd.Context(), composeRootfs, repoConfigs, compose.Options{Force: composeForce})
	if err != nil {
		return err
	}
	if res.Unchanged {
		log.Info("No changes.")
		return nil
	}
	log.WithFields(log.Fields{"commit": res.Checksum, "version": res.Version}).Info("Committed")
	return nil
}

func main() {
	log.SetOutput(os.Stderr)
	if err := cmdRoot.Execute(); err != nil {
		log.WithError(err).Fatal("rpm-ostreed failed")
	}
}
