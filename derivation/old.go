// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package derivation

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"

	"zb.256lights.llc/zbcore/internal/aterm"
	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/nix"
)

// An OldDerivation is the on-disk form of a derivation,
// as stored in a ".drv" file.
// Unlike [Derivation], it records which outputs of each input derivation are used
// and carries each output's path explicitly.
type OldDerivation struct {
	// Outputs maps output identifiers to their declarations.
	Outputs map[string]*OldOutput
	// InputDerivations maps ".drv" paths of input derivations
	// to the identifiers of the outputs used from them.
	InputDerivations map[store.Path]*sets.Sorted[string]
	// InputSources is the set of plain store paths that the derivation reads.
	InputSources sets.Sorted[store.Path]

	Platform string
	Builder  string
	Args     []string
	Env      map[string]string
}

// OldOutput is a single output of an [OldDerivation].
type OldOutput struct {
	Path store.Path
	// HashAlgo is the hash algorithm name (e.g. "sha256"),
	// optionally prefixed with "r:" for a recursive (NAR) hash.
	// Empty for floating outputs.
	HashAlgo string
	// Hash is the base-16 expected content hash.
	// Empty for floating outputs.
	Hash string
}

// HashInfo parses the output's expected hash.
// It returns an error if the output does not declare a valid hash.
func (out *OldOutput) HashInfo() (h nix.Hash, recursive bool, err error) {
	algo, recursive := strings.CutPrefix(out.HashAlgo, "r:")
	typ, err := nix.ParseHashType(algo)
	if err != nil {
		return nix.Hash{}, false, fmt.Errorf("unknown hash algorithm %q", algo)
	}
	bits, err := hex.DecodeString(out.Hash)
	if err != nil {
		return nix.Hash{}, false, fmt.Errorf("parse %v hash: %v", typ, err)
	}
	if got, want := len(bits), typ.Size(); got != want {
		return nix.Hash{}, false, fmt.Errorf("parse %v hash: incorrect size (got %d bytes but %v uses %d)", typ, got, typ, want)
	}
	return nix.NewHash(typ, bits), recursive, nil
}

// IsFixedOutput reports whether drv has exactly one output
// named [store.DefaultOutputName] that declares an expected hash.
// Any other shape is floating, even if some outputs declare hashes.
func (drv *OldDerivation) IsFixedOutput() bool {
	if len(drv.Outputs) != 1 {
		return false
	}
	out := drv.Outputs[store.DefaultOutputName]
	return out != nil && out.Hash != ""
}

// References returns the store paths the derivation file refers to:
// its input sources and input derivations.
// Outputs are not references.
func (drv *OldDerivation) References() *sets.Sorted[store.Path] {
	refs := drv.InputSources.Clone()
	refs.AddSeq(maps.Keys(drv.InputDerivations))
	return refs
}

// StorePath computes the path the marshalled derivation
// would have as a text store object named name+[store.DerivationExt].
func (drv *OldDerivation) StorePath(dir store.Directory, name string) (store.Path, []byte, error) {
	if strings.HasSuffix(name, store.DerivationExt) {
		return "", nil, fmt.Errorf("compute derivation path for %s: name must not end in %s", name, store.DerivationExt)
	}
	data, err := drv.MarshalText()
	if err != nil {
		return "", nil, err
	}
	p, err := store.MakeTextPath(dir, name+store.DerivationExt, data, drv.References())
	if err != nil {
		return "", nil, fmt.Errorf("compute derivation path for %s: %v", name, err)
	}
	return p, data, nil
}

// Clone returns a deep copy of drv.
func (drv *OldDerivation) Clone() *OldDerivation {
	drv2 := &OldDerivation{
		Outputs:          make(map[string]*OldOutput, len(drv.Outputs)),
		InputDerivations: make(map[store.Path]*sets.Sorted[string], len(drv.InputDerivations)),
		InputSources:     *drv.InputSources.Clone(),
		Platform:         drv.Platform,
		Builder:          drv.Builder,
		Args:             slices.Clone(drv.Args),
		Env:              maps.Clone(drv.Env),
	}
	for id, out := range drv.Outputs {
		out2 := *out
		drv2.Outputs[id] = &out2
	}
	for p, ids := range drv.InputDerivations {
		drv2.InputDerivations[p] = ids.Clone()
	}
	return drv2
}

// inputEntry is an element of the input derivation list.
// key is either a ".drv" path or, when hashing, the base-16 hash of one.
type inputEntry struct {
	key     string
	outputs *sets.Sorted[string]
}

// MarshalText encodes the derivation in its canonical text form.
// Outputs, input derivations, and environment variables
// are written in lexicographic key order.
func (drv *OldDerivation) MarshalText() ([]byte, error) {
	inputs := make([]inputEntry, 0, len(drv.InputDerivations))
	for _, p := range slices.Sorted(maps.Keys(drv.InputDerivations)) {
		inputs = append(inputs, inputEntry{string(p), drv.InputDerivations[p]})
	}
	return drv.appendText(nil, inputs)
}

func (drv *OldDerivation) appendText(buf []byte, inputs []inputEntry) ([]byte, error) {
	buf = append(buf, "Derive(["...)
	for i, id := range slices.Sorted(maps.Keys(drv.Outputs)) {
		out := drv.Outputs[id]
		if out == nil {
			return nil, fmt.Errorf("marshal derivation: output %q is nil", id)
		}
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, id)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, string(out.Path))
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, out.HashAlgo)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, out.Hash)
		buf = append(buf, ')')
	}

	buf = append(buf, "],["...)
	for i, in := range inputs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, in.key)
		buf = append(buf, ',')
		buf = aterm.AppendList(buf, in.outputs.Values())
		buf = append(buf, ')')
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendList(buf, drv.InputSources.Values())
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.Platform)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.Builder)
	buf = append(buf, ',')
	buf = aterm.AppendList(buf, slices.Values(drv.Args))

	buf = append(buf, ",["...)
	for i, k := range slices.Sorted(maps.Keys(drv.Env)) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, "])"...)
	return buf, nil
}

// ParseOldDerivation decodes a derivation from its text form.
func ParseOldDerivation(data []byte) (*OldDerivation, error) {
	drv := new(OldDerivation)
	if err := drv.UnmarshalText(data); err != nil {
		return nil, err
	}
	return drv, nil
}

// UnmarshalText decodes a derivation from its text form into drv,
// replacing its previous contents.
func (drv *OldDerivation) UnmarshalText(data []byte) error {
	rest, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return fmt.Errorf("parse derivation: 'Derive' constructor not found")
	}
	r := bytes.NewReader(rest)
	*drv = OldDerivation{}
	if err := drv.parseTuple(aterm.NewScanner(r)); err != nil {
		return fmt.Errorf("parse derivation: %w", err)
	}
	if r.Len() > 0 {
		return fmt.Errorf("parse derivation: trailing data")
	}
	return nil
}

func (drv *OldDerivation) parseTuple(s *aterm.Scanner) error {
	if _, err := s.Expect(aterm.LParen); err != nil {
		return err
	}

	if _, err := s.Expect(aterm.LBracket); err != nil {
		return fmt.Errorf("outputs: %w", err)
	}
	drv.Outputs = make(map[string]*OldOutput)
	for {
		more, err := s.More()
		if err != nil {
			return fmt.Errorf("outputs: %w", err)
		}
		if !more {
			break
		}
		id, out, err := parseOutput(s)
		if err != nil {
			return err
		}
		if _, dup := drv.Outputs[id]; dup {
			return fmt.Errorf("multiple outputs named %q", id)
		}
		drv.Outputs[id] = out
	}

	if _, err := s.Expect(aterm.LBracket); err != nil {
		return fmt.Errorf("input derivations: %w", err)
	}
	drv.InputDerivations = make(map[store.Path]*sets.Sorted[string])
	for {
		more, err := s.More()
		if err != nil {
			return fmt.Errorf("input derivations: %w", err)
		}
		if !more {
			break
		}
		drvPath, ids, err := parseInputDerivation(s)
		if err != nil {
			return err
		}
		if _, dup := drv.InputDerivations[drvPath]; dup {
			return fmt.Errorf("multiple input derivations for %s", drvPath)
		}
		drv.InputDerivations[drvPath] = ids
	}

	err := s.ReadStrings(func(val string) error {
		p, err := parsePath(val)
		if err != nil {
			return err
		}
		drv.InputSources.Add(p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("input sources: %w", err)
	}

	if drv.Platform, err = s.ReadString(); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	if drv.Builder, err = s.ReadString(); err != nil {
		return fmt.Errorf("builder: %w", err)
	}
	err = s.ReadStrings(func(arg string) error {
		drv.Args = append(drv.Args, arg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("builder args: %w", err)
	}

	if err := drv.parseEnv(s); err != nil {
		return fmt.Errorf("env: %w", err)
	}

	if _, err := s.Expect(aterm.RParen); err != nil {
		return err
	}
	return nil
}

func parseOutput(s *aterm.Scanner) (id string, out *OldOutput, err error) {
	if _, err := s.Expect(aterm.LParen); err != nil {
		return "", nil, fmt.Errorf("output: %w", err)
	}
	id, err = s.ReadString()
	if err != nil {
		return "", nil, fmt.Errorf("output: id: %w", err)
	}
	pathString, err := s.ReadString()
	if err != nil {
		return "", nil, fmt.Errorf("output %s: path: %w", id, err)
	}
	out = new(OldOutput)
	if out.Path, err = parsePath(pathString); err != nil {
		return "", nil, fmt.Errorf("output %s: %w", id, err)
	}
	if out.HashAlgo, err = s.ReadString(); err != nil {
		return "", nil, fmt.Errorf("output %s: hash algorithm: %w", id, err)
	}
	if out.Hash, err = s.ReadString(); err != nil {
		return "", nil, fmt.Errorf("output %s: hash: %w", id, err)
	}
	if _, err := s.Expect(aterm.RParen); err != nil {
		return "", nil, fmt.Errorf("output %s: %w", id, err)
	}
	return id, out, nil
}

func parseInputDerivation(s *aterm.Scanner) (drvPath store.Path, ids *sets.Sorted[string], err error) {
	if _, err := s.Expect(aterm.LParen); err != nil {
		return "", nil, fmt.Errorf("input derivation: %w", err)
	}
	pathString, err := s.ReadString()
	if err != nil {
		return "", nil, fmt.Errorf("input derivation: %w", err)
	}
	drvPath, err = parsePath(pathString)
	if err != nil {
		return "", nil, fmt.Errorf("input derivation: %w", err)
	}
	ids = new(sets.Sorted[string])
	err = s.ReadStrings(func(id string) error {
		ids.Add(id)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("input derivation %s: output ids: %w", drvPath, err)
	}
	if _, err := s.Expect(aterm.RParen); err != nil {
		return "", nil, fmt.Errorf("input derivation %s: %w", drvPath, err)
	}
	return drvPath, ids, nil
}

func (drv *OldDerivation) parseEnv(s *aterm.Scanner) error {
	if _, err := s.Expect(aterm.LBracket); err != nil {
		return err
	}
	drv.Env = make(map[string]string)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		switch tok.Kind {
		case aterm.RBracket:
			return nil
		case aterm.LParen:
		default:
			return fmt.Errorf("expected ']' or '(', found %v", tok)
		}

		k, err := s.ReadString()
		if err != nil {
			return err
		}
		if _, dup := drv.Env[k]; dup {
			return fmt.Errorf("multiple entries for %s", k)
		}
		v, err := s.ReadString()
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		if _, err := s.Expect(aterm.RParen); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		drv.Env[k] = v
	}
}

// parsePath checks a path read from a derivation file.
// Derivation files only require paths to be absolute.
func parsePath(s string) (store.Path, error) {
	if !strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("bad path %q in derivation", s)
	}
	return store.Path(s), nil
}
