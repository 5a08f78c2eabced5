// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/sha256"
	"fmt"
	"io"

	"zb.256lights.llc/zbcore/sets"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// DefaultOutputName is the name of the primary output of a derivation.
const DefaultOutputName = "out"

// MakeOutputPath computes the path of a derivation output
// whose location is derived from the derivation's identity hash.
// Outputs other than [DefaultOutputName] have "-" and the output name
// appended to the store object name.
func MakeOutputPath(dir Directory, outputName string, drvHash nix.Hash, drvName string) (Path, error) {
	name := drvName
	if outputName != DefaultOutputName {
		name += "-" + outputName
	}
	p, err := makeStorePath(dir, "output:"+outputName, drvHash, name, nil)
	if err != nil {
		return "", fmt.Errorf("compute output path for %s!%s: %v", drvName, outputName, err)
	}
	return p, nil
}

// MakeFixedOutputPath computes the path of a store object
// whose content hash is known in advance.
// If recursive is true, h is the hash of the object's NAR serialization;
// otherwise it is the hash of a flat file.
func MakeFixedOutputPath(dir Directory, recursive bool, h nix.Hash, name string) (Path, error) {
	if h.IsZero() {
		return "", fmt.Errorf("compute fixed output path for %s: missing hash", name)
	}
	if recursive && h.Type() == nix.SHA256 {
		return makeStorePath(dir, "source", h, name, nil)
	}
	h2 := nix.NewHasher(nix.SHA256)
	h2.WriteString("fixed:out:")
	if recursive {
		h2.WriteString("r:")
	}
	h2.WriteString(h.Base16())
	h2.WriteString(":")
	return makeStorePath(dir, "output:out", h2.SumHash(), name, nil)
}

// MakeTextPath computes the path of a text file (e.g. a ".drv" file)
// with the given content and references.
func MakeTextPath(dir Directory, name string, data []byte, refs *sets.Sorted[Path]) (Path, error) {
	h := nix.NewHasher(nix.SHA256)
	h.Write(data)
	return makeStorePath(dir, "text", h.SumHash(), name, refs)
}

// makeStorePath computes a store path
// according to https://nixos.org/manual/nix/stable/protocols/store-path.
func makeStorePath(dir Directory, typ string, hash nix.Hash, name string, refs *sets.Sorted[Path]) (Path, error) {
	if !IsValidName(name) {
		return "", fmt.Errorf("invalid store object name %q", name)
	}
	h := sha256.New()
	io.WriteString(h, typ)
	for ref := range refs.Values() {
		io.WriteString(h, ":")
		io.WriteString(h, string(ref))
	}
	io.WriteString(h, ":")
	io.WriteString(h, hash.Base16())
	io.WriteString(h, ":")
	io.WriteString(h, string(dir))
	io.WriteString(h, ":")
	io.WriteString(h, name)
	fingerprintHash := h.Sum(nil)
	compressed := make([]byte, 20)
	nix.CompressHash(compressed, fingerprintHash)
	digest := nixbase32.EncodeToString(compressed)
	return dir.Object(digest + "-" + name)
}
