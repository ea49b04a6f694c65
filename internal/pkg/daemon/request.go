package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/upgrader"
)

// Method names accepted on the request surface.
const (
	MethodDeploy             = "Deploy"
	MethodUpgrade            = "Upgrade"
	MethodRebase             = "Rebase"
	MethodInstall            = "Install"
	MethodUninstall          = "Uninstall"
	MethodOverrideReplace    = "OverrideReplace"
	MethodOverrideRemove     = "OverrideRemove"
	MethodOverrideReset      = "OverrideReset"
	MethodKernelArgs         = "KernelArgs"
	MethodInitramfsState     = "InitramfsState"
	MethodInitramfsEtc       = "InitramfsEtc"
	MethodCleanup            = "Cleanup"
	MethodRefreshMd          = "RefreshMd"
	MethodRollback           = "Rollback"
	MethodFinalizeDeployment = "FinalizeDeployment"
	MethodModifyYumRepo      = "ModifyYumRepo"
)

// Request is the JSON envelope of one daemon method call. FDs received over
// the transport are resolved to paths before the request reaches the
// runtime; modifiers reference them by index.
type Request struct {
	Method    string                 `json:"method"`
	Osname    string                 `json:"osname,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
	Modifiers map[string]interface{} `json:"modifiers,omitempty"`
	FDPaths   []string               `json:"-"`
}

func optBool(m map[string]interface{}, key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

func optString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func optStrings(m map[string]interface{}, key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// resolveFDs maps integer fd indices in a modifier to their paths.
func (req *Request) resolveFDs(key string) ([]string, error) {
	raw, ok := req.Modifiers[key]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, errdefs.Newf(errdefs.ConflictingOptions, "modifier %q must be a list of fd indices", key)
	}
	var paths []string
	for _, item := range items {
		idx, ok := toInt(item)
		if !ok {
			return nil, errdefs.Newf(errdefs.ConflictingOptions, "modifier %q holds a non-integer fd index", key)
		}
		if idx < 0 || idx >= len(req.FDPaths) {
			return nil, errdefs.Newf(errdefs.ConflictingOptions, "fd index %d out of range", idx)
		}
		paths = append(paths, req.FDPaths[idx])
	}
	return paths, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// parse translates the request into engine options and modifiers. Unknown
// option keys are ignored for forward compatibility; conflicting
// combinations are rejected by upgrader.Validate.
func (req *Request) parse() (upgrader.Options, upgrader.Modifiers, error) {
	o := req.Options
	opts := upgrader.Options{
		Osname:               req.Osname,
		AllowDowngrade:       optBool(o, "allow-downgrade"),
		CacheOnly:            optBool(o, "cache-only"),
		DownloadOnly:         optBool(o, "download-only"),
		DownloadMetadataOnly: optBool(o, "download-metadata-only"),
		NoPullBase:           optBool(o, "no-pull-base"),
		NoOverrides:          optBool(o, "no-overrides"),
		NoLayering:           optBool(o, "no-layering"),
		NoInitramfs:          optBool(o, "no-initramfs"),
		Reboot:               optBool(o, "reboot"),
		Stage:                optBool(o, "stage"),
		LockFinalization:     optBool(o, "lock-finalization"),
		SkipPurge:            optBool(o, "skip-purge"),
		DryRun:               optBool(o, "dry-run"),
	}

	m := req.Modifiers
	mods := upgrader.Modifiers{
		SetRefspec:              optString(m, "set-refspec"),
		CustomOriginURL:         optString(m, "custom-origin-url"),
		CustomOriginDescription: optString(m, "custom-origin-description"),
		InstallPackages:         optStrings(m, "install-packages"),
		UninstallPackages:       optStrings(m, "uninstall-packages"),
		UninstallAll:            optBool(m, "uninstall-all"),
		OverrideRemove:          optStrings(m, "override-remove-packages"),
		OverrideReset:           optStrings(m, "override-reset-packages"),
		AppendKargs:             optStrings(m, "append-kargs"),
		DeleteKargs:             optStrings(m, "delete-kargs"),
		ReplaceKargs:            optStrings(m, "replace-kargs"),
		InitramfsArgs:           optStrings(m, "initramfs-args"),
		InitramfsEtcTrack:       optStrings(m, "track-initramfs-etc"),
		InitramfsEtcUntrack:     optStrings(m, "untrack-initramfs-etc"),
		InitramfsEtcUntrackAll:  optBool(m, "untrack-all-initramfs-etc"),
		Repos:                   optStrings(m, "enable-repos"),
		AllowInactive:           optBool(m, "allow-inactive"),
	}
	if v, ok := m["set-revision"]; ok {
		s, ok := v.(string)
		if !ok {
			return opts, mods, errdefs.New(errdefs.ConflictingOptions, "set-revision must be a string")
		}
		mods.SetRevision = s
		mods.RevisionIsSet = true
	}
	if v, ok := m["regenerate-initramfs"]; ok {
		b, ok := v.(bool)
		if !ok {
			return opts, mods, errdefs.New(errdefs.ConflictingOptions, "regenerate-initramfs must be a boolean")
		}
		mods.RegenerateInitramfs = &b
	}

	local, err := req.resolveFDs("install-local-packages")
	if err != nil {
		return opts, mods, err
	}
	mods.InstallLocalPackages = local

	replace, err := req.resolveFDs("override-replace-local-packages")
	if err != nil {
		return opts, mods, err
	}
	mods.OverrideReplaceLocal = replace

	if err := upgrader.Validate(opts, mods); err != nil {
		return opts, mods, err
	}
	return opts, mods, nil
}

// Title renders a human-readable transaction title.
func (req *Request) Title() string {
	switch req.Method {
	case MethodInstall:
		return fmt.Sprintf("install: %v", optStrings(req.Modifiers, "install-packages"))
	case MethodUninstall:
		return fmt.Sprintf("uninstall: %v", optStrings(req.Modifiers, "uninstall-packages"))
	case MethodRebase:
		return fmt.Sprintf("rebase: %s", optString(req.Modifiers, "set-refspec"))
	default:
		return req.Method
	}
}
