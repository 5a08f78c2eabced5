// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package derivation provides the derivation data model:
// the on-disk ".drv" encoding, hashing modulo fixed-output derivations,
// and the immutable [Derivation] values registered for building.
package derivation

import (
	"bytes"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"zb.256lights.llc/zbcore/internal/aterm"
	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/nix"
)

// Output describes one artifact produced by a derivation.
// The zero value is a floating output.
type Output struct {
	hash      nix.Hash
	recursive bool
}

// FloatingOutput returns an output whose path is derived
// from the derivation's identity hash.
func FloatingOutput() Output {
	return Output{}
}

// FixedOutput returns an output whose content hash is known in advance.
// If recursive is true, h is a hash of the output's NAR serialization.
func FixedOutput(h nix.Hash, recursive bool) Output {
	return Output{hash: h, recursive: recursive}
}

// IsFixed reports whether the output declares an expected hash.
func (out Output) IsFixed() bool {
	return !out.hash.IsZero()
}

// Hash returns the output's expected hash, if it is fixed.
func (out Output) Hash() (_ nix.Hash, ok bool) {
	return out.hash, out.IsFixed()
}

// IsRecursive reports whether a fixed output is hashed recursively.
func (out Output) IsRecursive() bool {
	return out.IsFixed() && out.recursive
}

// String returns a short description of the output, such as "floating" or "r:sha256:...".
func (out Output) String() string {
	if !out.IsFixed() {
		return "floating"
	}
	if out.recursive {
		return "r:" + out.hash.Base16()
	}
	return out.hash.Base16()
}

// A Template holds the fields of a [Derivation] under construction.
// The zero value is an empty template.
type Template struct {
	Name     string
	Platform string
	Builder  string
	Args     []string
	Env      map[string]string
	// Inputs is the set of store paths the derivation reads.
	Inputs  sets.Sorted[store.Path]
	Outputs map[string]Output
}

// Derivation validates the template and returns an immutable [Derivation].
// The template may be reused or modified afterward
// without affecting the returned derivation.
func (t *Template) Derivation() (*Derivation, error) {
	if !store.IsValidName(t.Name) {
		return nil, fmt.Errorf("new derivation: invalid name %q", t.Name)
	}
	if strings.HasSuffix(t.Name, store.DerivationExt) {
		return nil, fmt.Errorf("new derivation %s: name must not end in %s", t.Name, store.DerivationExt)
	}
	if len(t.Outputs) == 0 {
		return nil, fmt.Errorf("new derivation %s: no outputs", t.Name)
	}
	for id := range t.Outputs {
		if !IsValidOutputName(id) {
			return nil, fmt.Errorf("new derivation %s: invalid output name %q", t.Name, id)
		}
	}
	for p := range t.Inputs.Values() {
		if !strings.HasPrefix(string(p), "/") {
			return nil, fmt.Errorf("new derivation %s: input %q is not absolute", t.Name, p)
		}
	}

	drv := &Derivation{
		name:     t.Name,
		platform: t.Platform,
		builder:  t.Builder,
		args:     slices.Clone(t.Args),
		env:      maps.Clone(t.Env),
		inputs:   t.Inputs.Clone(),
		outputs:  maps.Clone(t.Outputs),
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(drv.appendHashText(nil))
	drv.hash = h.SumHash()
	return drv, nil
}

// A Derivation is an immutable build recipe.
// Its identity hash is computed once, at construction,
// and two derivations with the same hash are considered the same derivation.
type Derivation struct {
	name     string
	platform string
	builder  string
	args     []string
	env      map[string]string
	inputs   *sets.Sorted[store.Path]
	outputs  map[string]Output

	hash nix.Hash
}

// Name returns the derivation's symbolic name.
func (drv *Derivation) Name() string { return drv.name }

// Platform returns the system the derivation builds on.
func (drv *Derivation) Platform() string { return drv.platform }

// Builder returns the path of the build program.
func (drv *Derivation) Builder() string { return drv.builder }

// Args returns a copy of the builder arguments.
func (drv *Derivation) Args() []string { return slices.Clone(drv.args) }

// Env returns an iterator over the environment in key order.
func (drv *Derivation) Env() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, k := range slices.Sorted(maps.Keys(drv.env)) {
			if !yield(k, drv.env[k]) {
				return
			}
		}
	}
}

// Inputs returns an iterator over the derivation's input paths in ascending order.
func (drv *Derivation) Inputs() iter.Seq[store.Path] {
	return drv.inputs.Values()
}

// Outputs returns an iterator over the derivation's outputs in identifier order.
func (drv *Derivation) Outputs() iter.Seq2[string, Output] {
	return func(yield func(string, Output) bool) {
		for _, id := range slices.Sorted(maps.Keys(drv.outputs)) {
			if !yield(id, drv.outputs[id]) {
				return
			}
		}
	}
}

// Output returns the output with the given identifier.
func (drv *Derivation) Output(id string) (_ Output, ok bool) {
	out, ok := drv.outputs[id]
	return out, ok
}

// IsFixedOutput reports whether drv has exactly one output,
// named "out", whose hash is known in advance.
func (drv *Derivation) IsFixedOutput() bool {
	out, ok := drv.outputs[store.DefaultOutputName]
	return ok && len(drv.outputs) == 1 && out.IsFixed()
}

// Hash returns the derivation's identity hash.
func (drv *Derivation) Hash() nix.Hash {
	return drv.hash
}

// Compare orders derivations by their identity hashes.
func (drv *Derivation) Compare(other *Derivation) int {
	return bytes.Compare(drv.hash.Bytes(nil), other.hash.Bytes(nil))
}

// Template returns a mutable copy of the derivation's fields.
func (drv *Derivation) Template() *Template {
	return &Template{
		Name:     drv.name,
		Platform: drv.platform,
		Builder:  drv.builder,
		Args:     slices.Clone(drv.args),
		Env:      maps.Clone(drv.env),
		Inputs:   *drv.inputs.Clone(),
		Outputs:  maps.Clone(drv.outputs),
	}
}

// OutputName returns the store object name of the output with the given identifier.
// The primary output uses the bare derivation name;
// other outputs append "-" and the identifier.
func (drv *Derivation) OutputName(id string) string {
	if id == store.DefaultOutputName {
		return drv.name
	}
	return drv.name + "-" + id
}

// OutputPath computes the store path of the output with the given identifier.
// Fixed outputs are addressed by their expected hash;
// floating outputs by the derivation's identity hash.
func (drv *Derivation) OutputPath(dir store.Directory, id string) (store.Path, error) {
	out, ok := drv.outputs[id]
	if !ok {
		return "", fmt.Errorf("derivation %s has no output %q", drv.name, id)
	}
	if h, isFixed := out.Hash(); isFixed {
		return store.MakeFixedOutputPath(dir, out.recursive, h, drv.OutputName(id))
	}
	return store.MakeOutputPath(dir, id, drv.hash, drv.name)
}

// appendHashText appends the text whose SHA-256 is the identity hash.
// Floating outputs contribute only their identifier.
func (drv *Derivation) appendHashText(buf []byte) []byte {
	buf = append(buf, "Derive("...)
	buf = aterm.AppendString(buf, drv.name)
	buf = append(buf, ",["...)
	first := true
	for id, out := range drv.Outputs() {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, id)
		if h, isFixed := out.Hash(); isFixed {
			method := "flat"
			if out.recursive {
				method = "recursive"
			}
			buf = append(buf, ',')
			buf = aterm.AppendString(buf, method)
			buf = append(buf, ',')
			buf = aterm.AppendString(buf, h.Type().String())
			buf = append(buf, ',')
			buf = aterm.AppendString(buf, h.RawBase16())
		}
		buf = append(buf, ')')
	}
	buf = append(buf, "],"...)
	buf = aterm.AppendList(buf, drv.inputs.Values())
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.platform)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.builder)
	buf = append(buf, ',')
	buf = aterm.AppendList(buf, slices.Values(drv.args))
	buf = append(buf, ",["...)
	first = true
	for k, v := range drv.Env() {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, v)
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)
	return buf
}

// IsValidOutputName reports whether the given string is valid as an output identifier.
// Identifiers may not contain the separators of the path-with-outputs notation.
func IsValidOutputName(id string) bool {
	return id != "" && !strings.ContainsAny(id, "!,") && store.IsValidName(id)
}
