// Package kargs edits kernel command-line argument lists with the same
// semantics the bootloader configuration uses: arguments are ordered, a key
// may appear multiple times with distinct values, and a bare key is distinct
// from a key with an empty value.
package kargs

import (
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// Arg is one kernel command-line token.
type Arg struct {
	Key      string
	Value    string
	HasValue bool
}

func (a Arg) String() string {
	if a.HasValue {
		return a.Key + "=" + a.Value
	}
	return a.Key
}

// Args is an ordered kernel argument list.
type Args struct {
	args []Arg
}

// New returns an empty argument list.
func New() *Args {
	return &Args{}
}

// Parse tokenizes a full command line, honoring shell quoting so values
// containing spaces survive a round trip.
func Parse(cmdline string) (*Args, error) {
	tokens, err := shellquote.Split(cmdline)
	if err != nil {
		return nil, errors.Wrap(err, "parsing kernel arguments")
	}
	ka := New()
	for _, tok := range tokens {
		ka.Append(tok)
	}
	return ka, nil
}

func split(s string) Arg {
	if idx := strings.Index(s, "="); idx >= 0 {
		return Arg{Key: s[:idx], Value: s[idx+1:], HasValue: true}
	}
	return Arg{Key: s}
}

// Append adds an argument at the end, keeping any existing instances.
func (k *Args) Append(s string) {
	k.args = append(k.args, split(s))
}

// AppendIfMissing adds the argument only when its key is not yet present.
// Reports whether the list changed.
func (k *Args) AppendIfMissing(s string) bool {
	arg := split(s)
	for _, a := range k.args {
		if a.Key == arg.Key {
			return false
		}
	}
	k.args = append(k.args, arg)
	return true
}

func (k *Args) indicesOf(key string) []int {
	var idxs []int
	for i, a := range k.args {
		if a.Key == key {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// Delete removes an argument. A bare key deletes the single instance of that
// key and fails when the key is absent or ambiguous; key=value deletes that
// exact pair.
func (k *Args) Delete(s string) error {
	arg := split(s)
	idxs := k.indicesOf(arg.Key)
	if len(idxs) == 0 {
		return errors.Errorf("no karg %q found", arg.Key)
	}

	if !arg.HasValue {
		if len(idxs) > 1 {
			return errors.Errorf("multiple values for karg %q, specify %s=value", arg.Key, arg.Key)
		}
		k.args = append(k.args[:idxs[0]], k.args[idxs[0]+1:]...)
		return nil
	}

	for _, i := range idxs {
		if k.args[i].HasValue && k.args[i].Value == arg.Value {
			k.args = append(k.args[:i], k.args[i+1:]...)
			return nil
		}
		// "key=" also deletes a bare key.
		if !k.args[i].HasValue && arg.Value == "" {
			k.args = append(k.args[:i], k.args[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("no karg %q found", s)
}

// Replace rewrites an argument. key=value requires the key to have exactly
// one instance; key=old=new rewrites the instance carrying old.
func (k *Args) Replace(s string) error {
	arg := split(s)
	idxs := k.indicesOf(arg.Key)
	if len(idxs) == 0 {
		return errors.Errorf("no karg %q found for replacement", arg.Key)
	}
	if !arg.HasValue {
		return errors.Errorf("replacement %q lacks a value", s)
	}

	if old, new, twoSplit := strings.Cut(arg.Value, "="); twoSplit {
		for _, i := range idxs {
			if k.args[i].HasValue && k.args[i].Value == old {
				k.args[i].Value = new
				return nil
			}
		}
		return errors.Errorf("no karg %s=%s found for replacement", arg.Key, old)
	}

	if len(idxs) > 1 {
		return errors.Errorf("multiple values for karg %q, use %s=oldval=newval", arg.Key, arg.Key)
	}
	k.args[idxs[0]] = arg
	return nil
}

// Has reports whether the key is present.
func (k *Args) Has(key string) bool {
	return len(k.indicesOf(key)) > 0
}

// ValuesOf returns the values recorded for key, in order.
func (k *Args) ValuesOf(key string) []string {
	var vals []string
	for _, i := range k.indicesOf(key) {
		vals = append(vals, k.args[i].Value)
	}
	return vals
}

// List returns the arguments as strings in order.
func (k *Args) List() []string {
	out := make([]string, 0, len(k.args))
	for _, a := range k.args {
		out = append(out, a.String())
	}
	return out
}

// String joins the arguments into a command line.
func (k *Args) String() string {
	return strings.Join(k.List(), " ")
}
