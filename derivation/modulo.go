// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// A Hasher computes derivation hashes modulo fixed-output derivations.
// The hash of a derivation is the SHA-256 of its text form
// with each input derivation path replaced by the input's own hash.
// Fixed-output derivations hash only their declared output,
// so changes to how they are built do not propagate to their dependents.
//
// A Hasher memoizes the hash of every ".drv" file it reads.
// Entries are never invalidated, since store objects do not change.
// It is safe to call methods on a Hasher from multiple goroutines.
type Hasher struct {
	store store.Store

	mu    sync.Mutex
	cache map[store.Path]nix.Hash
}

// NewHasher returns a new [Hasher] that reads input derivations from s.
func NewHasher(s store.Store) *Hasher {
	return &Hasher{
		store: s,
		cache: make(map[store.Path]nix.Hash),
	}
}

// An InvalidInputError is returned by [Hasher] methods
// when an input derivation cannot be read from the store.
type InvalidInputError struct {
	Path store.Path
	Err  error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("input derivation %s: %v", e.Path, e.Err)
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// HashModulo returns the hash of drv modulo fixed-output derivations.
func (h *Hasher) HashModulo(ctx context.Context, drv *OldDerivation) (nix.Hash, error) {
	return h.hashModulo(ctx, drv, nil)
}

// HashPath reads the derivation at drvPath from the store
// and returns its hash modulo fixed-output derivations.
func (h *Hasher) HashPath(ctx context.Context, drvPath store.Path) (nix.Hash, error) {
	return h.hashInput(ctx, drvPath, nil)
}

// Cached returns the memoized hash for drvPath, if any.
func (h *Hasher) Cached(drvPath store.Path) (nix.Hash, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hash, ok := h.cache[drvPath]
	return hash, ok
}

func (h *Hasher) hashModulo(ctx context.Context, drv *OldDerivation, stack []store.Path) (nix.Hash, error) {
	if drv.IsFixedOutput() {
		return hashFixed(drv.Outputs[store.DefaultOutputName]), nil
	}

	// Inputs that reduce to the same hash have their output sets merged.
	byHash := make(map[string]*sets.Sorted[string], len(drv.InputDerivations))
	for _, drvPath := range slices.Sorted(maps.Keys(drv.InputDerivations)) {
		inputHash, err := h.hashInput(ctx, drvPath, stack)
		if err != nil {
			return nix.Hash{}, err
		}
		key := inputHash.RawBase16()
		if ids := byHash[key]; ids != nil {
			ids.AddSet(drv.InputDerivations[drvPath])
		} else {
			byHash[key] = drv.InputDerivations[drvPath].Clone()
		}
	}
	inputs := make([]inputEntry, 0, len(byHash))
	for _, key := range slices.Sorted(maps.Keys(byHash)) {
		inputs = append(inputs, inputEntry{key, byHash[key]})
	}

	data, err := drv.appendText(nil, inputs)
	if err != nil {
		return nix.Hash{}, err
	}
	hasher := nix.NewHasher(nix.SHA256)
	hasher.Write(data)
	return hasher.SumHash(), nil
}

// hashFixed returns the hash of a fixed-output derivation,
// which covers only the output's declared hash and path.
func hashFixed(out *OldOutput) nix.Hash {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("fixed:out:")
	h.WriteString(out.HashAlgo)
	h.WriteString(":")
	h.WriteString(out.Hash)
	h.WriteString(":")
	h.WriteString(string(out.Path))
	return h.SumHash()
}

func (h *Hasher) hashInput(ctx context.Context, drvPath store.Path, stack []store.Path) (nix.Hash, error) {
	if hash, ok := h.Cached(drvPath); ok {
		return hash, nil
	}
	if i := slices.Index(stack, drvPath); i >= 0 {
		cycle := make([]string, 0, len(stack)-i+1)
		for _, p := range stack[i:] {
			cycle = append(cycle, string(p))
		}
		cycle = append(cycle, string(drvPath))
		return nix.Hash{}, fmt.Errorf("hash derivation: cycle: %s", strings.Join(cycle, " -> "))
	}
	if err := ctx.Err(); err != nil {
		return nix.Hash{}, err
	}

	drv, err := h.read(ctx, drvPath)
	if err != nil {
		return nix.Hash{}, err
	}
	log.Debugf(ctx, "Hashing %s", drvPath)
	hash, err := h.hashModulo(ctx, drv, append(stack, drvPath))
	if err != nil {
		var inputErr *InvalidInputError
		if errors.As(err, &inputErr) || ctx.Err() != nil {
			return nix.Hash{}, err
		}
		return nix.Hash{}, fmt.Errorf("hash %s: %w", drvPath, err)
	}

	h.mu.Lock()
	h.cache[drvPath] = hash
	h.mu.Unlock()
	return hash, nil
}

func (h *Hasher) read(ctx context.Context, drvPath store.Path) (*OldDerivation, error) {
	if !drvPath.IsDerivation() {
		return nil, &InvalidInputError{Path: drvPath, Err: errors.New("not a derivation")}
	}
	valid, err := h.store.IsValidPath(ctx, drvPath)
	if err != nil {
		return nil, &InvalidInputError{Path: drvPath, Err: err}
	}
	if !valid {
		return nil, &InvalidInputError{Path: drvPath, Err: store.ErrNotValid}
	}
	data, err := store.ReadFile(ctx, h.store, drvPath)
	if err != nil {
		return nil, &InvalidInputError{Path: drvPath, Err: err}
	}
	drv, err := ParseOldDerivation(data)
	if err != nil {
		return nil, &InvalidInputError{Path: drvPath, Err: err}
	}
	return drv, nil
}
