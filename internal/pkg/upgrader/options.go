package upgrader

import (
	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// Options is the shared option vocabulary of the deploy-family requests.
type Options struct {
	Osname               string
	AllowDowngrade       bool
	CacheOnly            bool
	DownloadOnly         bool
	DownloadMetadataOnly bool
	NoPullBase           bool
	NoOverrides          bool
	NoLayering           bool
	NoInitramfs          bool
	Reboot               bool
	Stage                bool
	LockFinalization     bool
	SkipPurge            bool
	DryRun               bool
}

// Modifiers are the requested origin edits.
type Modifiers struct {
	// SetRefspec rebases to a new refspec string.
	SetRefspec string
	// CustomOriginURL/Description annotate a checksum rebase.
	CustomOriginURL         string
	CustomOriginDescription string
	// SetRevision pins (or with "", unpins) the base commit.
	SetRevision    string
	RevisionIsSet  bool

	InstallPackages      []string
	InstallLocalPackages []string
	UninstallPackages    []string
	UninstallAll         bool

	OverrideRemove       []string
	OverrideReplaceLocal []string
	OverrideReset        []string

	AppendKargs  []string
	DeleteKargs  []string
	ReplaceKargs []string

	// RegenerateInitramfs toggles client-side initramfs regeneration.
	RegenerateInitramfs    *bool
	InitramfsArgs          []string
	InitramfsEtcTrack      []string
	InitramfsEtcUntrack    []string
	InitramfsEtcUntrackAll bool

	// Repos names the rpm-md repositories to enable; empty means every
	// repo enabled in configuration.
	Repos []string
	// AllowInactive downgrades already-installed layering requests.
	AllowInactive bool
}

func (m *Modifiers) hasOverrideEdits() bool {
	return len(m.OverrideRemove) > 0 || len(m.OverrideReplaceLocal) > 0 || len(m.OverrideReset) > 0
}

// Validate rejects conflicting option combinations before any state is
// touched.
func Validate(opts Options, mods Modifiers) error {
	if opts.SkipPurge && mods.SetRefspec == "" {
		return errdefs.New(errdefs.ConflictingOptions, "Can't specify skip-purge without a rebase")
	}
	if opts.NoPullBase && (mods.SetRefspec != "" || mods.RevisionIsSet) {
		return errdefs.New(errdefs.ConflictingOptions, "Can't specify no-pull-base if setting a new refspec or revision")
	}
	if opts.CacheOnly && opts.DownloadOnly {
		return errdefs.New(errdefs.ConflictingOptions, "Can't specify cache-only and download-only")
	}
	if opts.NoOverrides && mods.hasOverrideEdits() {
		return errdefs.New(errdefs.ConflictingOptions, "Can't specify no-overrides with override modifiers")
	}
	return nil
}
