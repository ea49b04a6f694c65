// Package origin models the per-deployment declaration of what a deployment
// should be: the base refspec plus package layering, overrides, initramfs and
// kernel-argument modifications. It round-trips the on-disk origin file,
// preserving keys it does not understand.
package origin

import (
	"crypto/sha512"
	"encoding/hex"
	"path"
	"sort"
	"strings"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/keyfile"
	"github.com/coreos/rpm-ostree/lang/maps"
)

const (
	groupOrigin       = "origin"
	groupPackages     = "packages"
	groupOverrides    = "overrides"
	groupInitramfs    = "initramfs"
	groupInitramfsEtc = "initramfs-etc"

	keyRefspec         = "refspec"
	keyBaseRefspec     = "baserefspec"
	keyBackingRefspec  = "custom-backing-refspec"
	keyOverrideCommit  = "override-commit"
	keyCustomURL       = "custom-origin-url"
	keyCustomDesc      = "custom-origin-description"
	keyRojigVersion    = "rojig-override-version"
	keyKargs           = "kargs"
	keyRequested       = "requested"
	keyRequestedLocal  = "requested-local"
	keyRemove          = "remove"
	keyReplaceLocal    = "replace-local"
	keyRegenerate      = "regenerate"
	keyInitramfsArgs   = "args"
	keyTrack           = "track"
)

// OverrideKind selects which override table an operation acts on.
type OverrideKind int

const (
	// OverrideRemove drops a base package.
	OverrideRemove OverrideKind = iota
	// OverrideReplaceLocal replaces a base package with a local RPM.
	OverrideReplaceLocal
)

// Origin is the parsed origin document plus mutation helpers. All mutators
// preserve the structural invariants; violations return InvalidOrigin.
type Origin struct {
	kf *keyfile.File

	refspec      Refspec
	rojigVersion string

	packages      map[string]bool
	packagesLocal map[string]string // nevra -> header sha256

	overridesRemove       map[string]bool
	overridesReplaceLocal map[string]string

	regenerateInitramfs bool
	initramfsArgs       []string
	initramfsEtc        map[string]bool

	kernelArgs []string

	overrideCommit string
	customURL      string
	customDesc     string
}

// New returns an origin following the given refspec with no modifications.
func New(refspec Refspec) *Origin {
	return &Origin{
		kf:                    &keyfile.File{},
		refspec:               refspec,
		packages:              map[string]bool{},
		packagesLocal:         map[string]string{},
		overridesRemove:       map[string]bool{},
		overridesReplaceLocal: map[string]string{},
		initramfsEtc:          map[string]bool{},
	}
}

// Load parses an origin file.
func Load(data []byte) (*Origin, error) {
	kf, err := keyfile.Parse(data)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.InvalidOrigin, err, "parsing origin")
	}

	refspecStr, ok := kf.Get(groupOrigin, keyRefspec)
	if !ok {
		if refspecStr, ok = kf.Get(groupOrigin, keyBaseRefspec); !ok {
			if refspecStr, ok = kf.Get(groupOrigin, keyBackingRefspec); !ok {
				return nil, errdefs.New(errdefs.InvalidOrigin, "no refspec in origin")
			}
		}
	}
	refspec, err := ParseRefspec(refspecStr)
	if err != nil {
		return nil, err
	}

	o := New(refspec)
	o.kf = kf

	for _, name := range kf.GetList(groupPackages, keyRequested) {
		o.packages[name] = true
	}
	var perr error
	parsePinned := func(items []string, dest map[string]string) {
		for _, item := range items {
			idx := strings.LastIndex(item, ":")
			if idx <= 0 || idx == len(item)-1 {
				perr = errdefs.Newf(errdefs.InvalidOrigin, "malformed pinned package %q; expected NEVRA:SHA256", item)
				return
			}
			dest[item[:idx]] = item[idx+1:]
		}
	}
	parsePinned(kf.GetList(groupPackages, keyRequestedLocal), o.packagesLocal)
	parsePinned(kf.GetList(groupOverrides, keyReplaceLocal), o.overridesReplaceLocal)
	if perr != nil {
		return nil, perr
	}
	for _, name := range kf.GetList(groupOverrides, keyRemove) {
		o.overridesRemove[name] = true
	}

	if v, ok := kf.Get(groupInitramfs, keyRegenerate); ok {
		o.regenerateInitramfs = v == "true"
	}
	o.initramfsArgs = kf.GetList(groupInitramfs, keyInitramfsArgs)
	for _, p := range kf.GetList(groupInitramfsEtc, keyTrack) {
		o.initramfsEtc[p] = true
	}
	o.kernelArgs = kf.GetList(groupOrigin, keyKargs)

	o.overrideCommit, _ = kf.Get(groupOrigin, keyOverrideCommit)
	o.customURL, _ = kf.Get(groupOrigin, keyCustomURL)
	o.customDesc, _ = kf.Get(groupOrigin, keyCustomDesc)
	o.rojigVersion, _ = kf.Get(groupOrigin, keyRojigVersion)

	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Origin) validate() error {
	for name := range o.overridesRemove {
		if o.packages[name] {
			return errdefs.Newf(errdefs.InvalidOrigin, "package %q is both layered and removed", name)
		}
	}
	if o.refspec.Kind == RefspecChecksum && o.overrideCommit != "" {
		return errdefs.New(errdefs.InvalidOrigin, "override-commit is invalid for a pinned-checksum refspec")
	}
	return nil
}

func sortedPinned(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for nevra, sha := range m {
		out = append(out, nevra+":"+sha)
	}
	sort.Strings(out)
	return out
}

// Serialize renders the origin file. Unknown keys from a prior Load are
// emitted in their original positions.
func (o *Origin) Serialize() []byte {
	kf := o.kf

	refspecKey := keyRefspec
	if o.MayRequireLocalAssembly() {
		refspecKey = keyBaseRefspec
		kf.Delete(groupOrigin, keyRefspec)
	} else {
		kf.Delete(groupOrigin, keyBaseRefspec)
	}
	kf.Set(groupOrigin, refspecKey, o.refspec.String())

	setOrDelete := func(group, key, value string) {
		if value == "" {
			kf.Delete(group, key)
		} else {
			kf.Set(group, key, value)
		}
	}
	setOrDelete(groupOrigin, keyOverrideCommit, o.overrideCommit)
	setOrDelete(groupOrigin, keyCustomURL, o.customURL)
	setOrDelete(groupOrigin, keyCustomDesc, o.customDesc)
	setOrDelete(groupOrigin, keyRojigVersion, o.rojigVersion)
	kf.SetList(groupOrigin, keyKargs, o.kernelArgs)

	kf.SetList(groupPackages, keyRequested, maps.SortedKeys(o.packages))
	kf.SetList(groupPackages, keyRequestedLocal, sortedPinned(o.packagesLocal))
	kf.SetList(groupOverrides, keyRemove, maps.SortedKeys(o.overridesRemove))
	kf.SetList(groupOverrides, keyReplaceLocal, sortedPinned(o.overridesReplaceLocal))

	if o.regenerateInitramfs || len(o.initramfsArgs) > 0 {
		kf.SetBool(groupInitramfs, keyRegenerate, o.regenerateInitramfs)
		kf.SetList(groupInitramfs, keyInitramfsArgs, o.initramfsArgs)
	} else {
		kf.Delete(groupInitramfs, keyRegenerate)
		kf.Delete(groupInitramfs, keyInitramfsArgs)
	}
	kf.SetList(groupInitramfsEtc, keyTrack, maps.SortedKeys(o.initramfsEtc))

	return kf.Serialize()
}

// StateDigest is the SHA-512 of the canonical serialization, recorded as
// rpmostree.state-sha512 on layered commits.
func (o *Origin) StateDigest() string {
	sum := sha512.Sum512(o.Serialize())
	return hex.EncodeToString(sum[:])
}

// Refspec returns the current base refspec.
func (o *Origin) Refspec() Refspec { return o.refspec }

// Classify returns the refspec kind.
func (o *Origin) Classify() RefspecKind { return o.refspec.Kind }

// OverrideCommit returns the pinned commit, if any.
func (o *Origin) OverrideCommit() string { return o.overrideCommit }

// CustomOrigin returns the free-form provenance url and description.
func (o *Origin) CustomOrigin() (string, string) { return o.customURL, o.customDesc }

// RojigVersion returns the rojig version pin, if any.
func (o *Origin) RojigVersion() string { return o.rojigVersion }

// Packages returns the sorted layered package names.
func (o *Origin) Packages() []string { return maps.SortedKeys(o.packages) }

// LocalPackages returns the local-RPM layers as nevra -> header sha256.
func (o *Origin) LocalPackages() map[string]string {
	out := make(map[string]string, len(o.packagesLocal))
	for k, v := range o.packagesLocal {
		out[k] = v
	}
	return out
}

// RemovalOverrides returns the sorted removed base package names.
func (o *Origin) RemovalOverrides() []string { return maps.SortedKeys(o.overridesRemove) }

// ReplacementOverrides returns the local-RPM base replacements.
func (o *Origin) ReplacementOverrides() map[string]string {
	out := make(map[string]string, len(o.overridesReplaceLocal))
	for k, v := range o.overridesReplaceLocal {
		out[k] = v
	}
	return out
}

// RegenerateInitramfs reports whether client-side initramfs regeneration is on.
func (o *Origin) RegenerateInitramfs() bool { return o.regenerateInitramfs }

// InitramfsArgs returns extra dracut arguments.
func (o *Origin) InitramfsArgs() []string { return append([]string(nil), o.initramfsArgs...) }

// InitramfsEtcFiles returns the tracked /etc paths, sorted.
func (o *Origin) InitramfsEtcFiles() []string { return maps.SortedKeys(o.initramfsEtc) }

// KernelArgs returns the origin's kernel argument list in order.
func (o *Origin) KernelArgs() []string { return append([]string(nil), o.kernelArgs...) }

// SetKernelArgs records the full kernel argument list.
func (o *Origin) SetKernelArgs(args []string) {
	o.kernelArgs = append([]string(nil), args...)
}

// MayRequireLocalAssembly reports whether this origin needs a layered commit
// rather than the plain base commit.
func (o *Origin) MayRequireLocalAssembly() bool {
	return len(o.packages) > 0 || len(o.packagesLocal) > 0 ||
		len(o.overridesRemove) > 0 || len(o.overridesReplaceLocal) > 0 ||
		o.regenerateInitramfs || len(o.initramfsEtc) > 0
}

// LayeringType describes how a new deployment must be assembled.
type LayeringType int

const (
	// LayeringNone deploys the base commit as is.
	LayeringNone LayeringType = iota
	// LayeringLocal needs postprocessing (initramfs etc.) but no rpm-md.
	LayeringLocal
	// LayeringRpmmdRepos needs a depsolve against rpm-md repositories.
	LayeringRpmmdRepos
)

// Layering classifies the assembly work this origin requires.
func (o *Origin) Layering() LayeringType {
	if len(o.packages) > 0 {
		return LayeringRpmmdRepos
	}
	if o.MayRequireLocalAssembly() {
		return LayeringLocal
	}
	return LayeringNone
}

// SetRebase switches the base refspec. A no-op change is rejected for
// ostree and rojig refspecs; rebasing to an identical checksum is accepted
// since it may change only the custom-origin fields.
func (o *Origin) SetRebase(refspec Refspec, customURL, customDesc string) error {
	if refspec.Kind != RefspecChecksum && (customURL != "" || customDesc != "") {
		return errdefs.New(errdefs.InvalidOrigin, "custom origin fields require a pinned-checksum refspec")
	}
	if o.refspec.Equal(refspec) && refspec.Kind != RefspecChecksum {
		return errdefs.Newf(errdefs.AlreadyRequested, "already on %s", refspec.String())
	}
	o.refspec = refspec
	o.customURL = customURL
	o.customDesc = customDesc
	// A rebase drops any pin on the previous branch.
	o.overrideCommit = ""
	if refspec.Kind != RefspecRojig {
		o.rojigVersion = ""
	}
	return nil
}

// SetOverrideCommit pins (or with an empty checksum, unpins) the base commit
// without changing the refspec.
func (o *Origin) SetOverrideCommit(checksum string) error {
	if checksum != "" && o.refspec.Kind == RefspecChecksum {
		return errdefs.New(errdefs.InvalidOrigin, "refspec is already a pinned checksum")
	}
	o.overrideCommit = checksum
	return nil
}

// SetRojigVersion pins the rojig package version; empty unpins.
func (o *Origin) SetRojigVersion(version string) error {
	if version != "" && o.refspec.Kind != RefspecRojig {
		return errdefs.New(errdefs.InvalidOrigin, "rojig version pin requires a rojig refspec")
	}
	o.rojigVersion = version
	return nil
}

// AddPackages requests layering of the named packages. Local packages are
// passed as NEVRA:SHA256 pairs. Returns whether the set changed; requesting
// an already-requested name fails unless idempotent is set.
func (o *Origin) AddPackages(names []string, isLocal, idempotent bool) (bool, error) {
	changed := false
	for _, name := range names {
		var plain string
		var sha string
		if isLocal {
			idx := strings.LastIndex(name, ":")
			if idx <= 0 || idx == len(name)-1 {
				return changed, errdefs.Newf(errdefs.InvalidOrigin, "malformed pinned package %q; expected NEVRA:SHA256", name)
			}
			plain, sha = name[:idx], name[idx+1:]
		} else {
			plain = name
		}

		if o.overridesRemove[plain] {
			return changed, errdefs.Newf(errdefs.InvalidOrigin, "package %q is already removed via override", plain)
		}
		exists := o.packages[plain]
		if isLocal {
			_, exists = o.packagesLocal[plain]
		}
		if exists {
			if idempotent {
				continue
			}
			return changed, errdefs.Newf(errdefs.AlreadyRequested, "package %q is already requested", plain)
		}

		if isLocal {
			o.packagesLocal[plain] = sha
		} else {
			o.packages[plain] = true
		}
		changed = true
	}
	return changed, nil
}

// RemovePackages drops layering requests. Unknown names fail unless
// idempotent is set.
func (o *Origin) RemovePackages(names []string, idempotent bool) (bool, error) {
	changed := false
	for _, name := range names {
		switch {
		case o.packages[name]:
			delete(o.packages, name)
		default:
			if _, ok := o.packagesLocal[name]; !ok {
				if idempotent {
					continue
				}
				return changed, errdefs.Newf(errdefs.NotLayered, "package %q is not requested", name)
			}
			delete(o.packagesLocal, name)
		}
		changed = true
	}
	return changed, nil
}

// RemoveAllPackages clears every layering request.
func (o *Origin) RemoveAllPackages() (bool, error) {
	changed := len(o.packages) > 0 || len(o.packagesLocal) > 0
	o.packages = map[string]bool{}
	o.packagesLocal = map[string]string{}
	return changed, nil
}

// AddOverrides records overrides. For OverrideRemove items are package
// names; for OverrideReplaceLocal they are NEVRA:SHA256 pairs.
func (o *Origin) AddOverrides(items []string, kind OverrideKind) error {
	for _, item := range items {
		switch kind {
		case OverrideRemove:
			if o.packages[item] {
				return errdefs.Newf(errdefs.InvalidOrigin, "cannot remove layered package %q", item)
			}
			if o.overridesRemove[item] {
				return errdefs.Newf(errdefs.AlreadyRequested, "override for %q already exists", item)
			}
			o.overridesRemove[item] = true
		case OverrideReplaceLocal:
			idx := strings.LastIndex(item, ":")
			if idx <= 0 || idx == len(item)-1 {
				return errdefs.Newf(errdefs.InvalidOrigin, "malformed pinned package %q; expected NEVRA:SHA256", item)
			}
			nevra, sha := item[:idx], item[idx+1:]
			if _, ok := o.overridesReplaceLocal[nevra]; ok {
				return errdefs.Newf(errdefs.AlreadyRequested, "override for %q already exists", nevra)
			}
			o.overridesReplaceLocal[nevra] = sha
		}
	}
	return nil
}

// RemoveOverride drops one override; reports whether it existed.
func (o *Origin) RemoveOverride(key string, kind OverrideKind) bool {
	switch kind {
	case OverrideRemove:
		if o.overridesRemove[key] {
			delete(o.overridesRemove, key)
			return true
		}
	case OverrideReplaceLocal:
		if _, ok := o.overridesReplaceLocal[key]; ok {
			delete(o.overridesReplaceLocal, key)
			return true
		}
	}
	return false
}

// RemoveAllOverrides clears both override tables.
func (o *Origin) RemoveAllOverrides() (bool, error) {
	changed := len(o.overridesRemove) > 0 || len(o.overridesReplaceLocal) > 0
	o.overridesRemove = map[string]bool{}
	o.overridesReplaceLocal = map[string]string{}
	return changed, nil
}

// SetRegenerateInitramfs toggles client-side initramfs regeneration.
func (o *Origin) SetRegenerateInitramfs(on bool, args []string) {
	o.regenerateInitramfs = on
	if on {
		o.initramfsArgs = append([]string(nil), args...)
	} else {
		o.initramfsArgs = nil
	}
}

// TrackInitramfsEtc tracks /etc paths for inclusion in the initramfs.
func (o *Origin) TrackInitramfsEtc(paths []string) (bool, error) {
	changed := false
	for _, p := range paths {
		clean := path.Clean(p)
		if clean != "/etc" && !strings.HasPrefix(clean, "/etc/") {
			return changed, errdefs.Newf(errdefs.InitramfsEtcOutsideEtc, "path %q is outside /etc", p)
		}
		if !o.initramfsEtc[clean] {
			o.initramfsEtc[clean] = true
			changed = true
		}
	}
	return changed, nil
}

// UntrackInitramfsEtc stops tracking the given paths.
func (o *Origin) UntrackInitramfsEtc(paths []string) bool {
	changed := false
	for _, p := range paths {
		clean := path.Clean(p)
		if o.initramfsEtc[clean] {
			delete(o.initramfsEtc, clean)
			changed = true
		}
	}
	return changed
}

// UntrackAllInitramfsEtc clears the tracked path set.
func (o *Origin) UntrackAllInitramfsEtc() bool {
	changed := len(o.initramfsEtc) > 0
	o.initramfsEtc = map[string]bool{}
	return changed
}
