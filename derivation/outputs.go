// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"fmt"
	"strings"

	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
)

// PathWithOutputs is a store path with an optional set of requested outputs,
// written as "<path>!<id1>,<id2>,...".
type PathWithOutputs struct {
	Path store.Path
	// Outputs is the set of requested output identifiers.
	// An empty set requests every output.
	Outputs *sets.Sorted[string]
}

// ParsePathWithOutputs parses the result of [PathWithOutputs.String].
// A string without "!" requests all outputs.
func ParsePathWithOutputs(s string) (PathWithOutputs, error) {
	pathPart, idsPart, hasOutputs := strings.Cut(s, "!")
	p, err := store.ParsePath(pathPart)
	if err != nil {
		return PathWithOutputs{}, fmt.Errorf("parse %q: %v", s, err)
	}
	result := PathWithOutputs{Path: p, Outputs: new(sets.Sorted[string])}
	if !hasOutputs {
		return result, nil
	}
	for id := range strings.SplitSeq(idsPart, ",") {
		if !IsValidOutputName(id) {
			return PathWithOutputs{}, fmt.Errorf("parse %q: invalid output name %q", s, id)
		}
		result.Outputs.Add(id)
	}
	return result, nil
}

// String returns the path followed by "!" and the comma-separated outputs,
// or just the path if no specific outputs are requested.
func (p PathWithOutputs) String() string {
	if p.Outputs.Len() == 0 {
		return string(p.Path)
	}
	return string(p.Path) + "!" + sets.Join(p.Outputs, ",")
}

// MarshalText returns the same string as [PathWithOutputs.String].
func (p PathWithOutputs) MarshalText() ([]byte, error) {
	if p.Path == "" {
		return nil, fmt.Errorf("marshal path with outputs: empty path")
	}
	return []byte(p.String()), nil
}

// UnmarshalText parses the text in the same way as [ParsePathWithOutputs].
func (p *PathWithOutputs) UnmarshalText(data []byte) error {
	var err error
	*p, err = ParsePathWithOutputs(string(data))
	return err
}

// Want reports whether the output with the given identifier is requested.
func (p PathWithOutputs) Want(id string) bool {
	return WantOutput(id, p.Outputs)
}

// WantOutput reports whether id is in wanted.
// An empty set wants every output.
func WantOutput(id string, wanted *sets.Sorted[string]) bool {
	return wanted.Len() == 0 || wanted.Has(id)
}
