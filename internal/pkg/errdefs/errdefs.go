// Package errdefs defines the error kinds shared across the update engine.
// Callers match on a kind with errors.Is; the message chain carries the
// human-readable context frames.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

// Input errors.
const (
	InvalidOrigin      Kind = "invalid-origin"
	InvalidRefspec     Kind = "invalid-refspec"
	ConflictingOptions Kind = "conflicting-options"
	UnknownPackage     Kind = "unknown-package"
	RepoNotFound       Kind = "repo-not-found"
	AlreadyRequested   Kind = "already-requested"
	NotLayered         Kind = "not-layered"
)

// Policy errors.
const (
	NonRootOwnershipUnsupported Kind = "non-root-ownership-unsupported"
	InitramfsEtcOutsideEtc      Kind = "initramfs-etc-outside-etc"
	LayerConflict               Kind = "layer-conflict"
	PolicyLoadFailure           Kind = "policy-load-failure"
	SignatureVerifyFailed       Kind = "signature-verify-failed"
	RpmParseError               Kind = "rpm-parse-error"
	RpmVerifyError              Kind = "rpm-verify-error"
	UnsupportedCpioEntry        Kind = "unsupported-cpio-entry"
)

// Resource errors.
const (
	NetworkError       Kind = "network-error"
	DiskFull           Kind = "disk-full"
	StoreIoError       Kind = "store-io-error"
	StoreWriteError    Kind = "store-write-error"
	SandboxSpawnFailed Kind = "sandbox-spawn-failed"
)

// State errors.
const (
	NoBootedDeployment     Kind = "no-booted-deployment"
	NoRollbackDeployment   Kind = "no-rollback-deployment"
	StagedDeploymentExists Kind = "staged-deployment-exists"
	TransactionInProgress  Kind = "transaction-in-progress"
	Cancelled              Kind = "cancelled"
)

// Consistency errors.
const (
	PasswdMismatch     Kind = "passwd-mismatch"
	GroupMismatch      Kind = "group-mismatch"
	InputhashCollision Kind = "inputhash-collision"
)

// Error is an engine error with a kind.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is reports kind equality so that errors.Is(err, errdefs.New(kind, ""))
// style sentinels work; in practice callers use IsKind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.kind == e.kind
	}
	return false
}

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf returns a formatted error of the given kind.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Wrapf annotates err with a kind and a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// IsKind reports whether any error in err's chain carries the kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.kind == kind {
			return true
		}
		err = e.err
		if err == nil {
			break
		}
	}
	return false
}

// KindOf returns the outermost kind in err's chain, or "" when err carries
// none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}
