// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package registry provides an in-memory index
// from predicted store paths to the derivations that produce them.
package registry

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"

	"zb.256lights.llc/zbcore/derivation"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// A Key identifies an entry in a [Registry].
// Keys are either derived from a [derivation.Derivation]'s identity hash
// or from the ".drv" path of a legacy derivation.
// The two kinds never compare equal.
type Key struct {
	legacy bool
	id     string
}

// HashKey returns the key for a derivation with the given identity hash.
func HashKey(h nix.Hash) Key {
	return Key{id: h.Base16()}
}

// LegacyKey returns the key for a legacy derivation
// identified only by its ".drv" path.
func LegacyKey(drvPath store.Path) Key {
	return Key{legacy: true, id: string(drvPath)}
}

// IsLegacy reports whether k was created by [LegacyKey].
func (k Key) IsLegacy() bool {
	return k.legacy
}

// String returns "legacy:" followed by the ".drv" path for legacy keys
// or the identity hash in "sha256:<hex>" form.
func (k Key) String() string {
	if k.legacy {
		return "legacy:" + k.id
	}
	return k.id
}

// Compare orders keys: hash keys first, then legacy keys,
// each lexicographically.
func (k Key) Compare(k2 Key) int {
	switch {
	case !k.legacy && k2.legacy:
		return -1
	case k.legacy && !k2.legacy:
		return 1
	default:
		return strings.Compare(k.id, k2.id)
	}
}

// An Entry describes a registered derivation.
type Entry struct {
	Key Key
	// Derivation is nil for legacy entries.
	Derivation *derivation.Derivation
	// Outputs maps each output path to its output identifier.
	// Legacy entries have empty identifiers.
	Outputs map[store.Path]string
}

// A ConflictError is returned when registering an output path
// that another entry already produces.
type ConflictError struct {
	Path     store.Path
	Existing Key
	New      Key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("register %v: %s is already produced by %v", e.New, e.Path, e.Existing)
}

// Registry maps output paths to the derivations that produce them.
// Every path in the build map belongs to exactly one registered entry.
// The zero value is not usable; create registries with [New].
// It is safe to call methods on a Registry from multiple goroutines.
type Registry struct {
	dir store.Directory

	mu       sync.RWMutex
	entries  map[Key]*entry
	buildMap map[store.Path]Key
}

type entry struct {
	drv     *derivation.Derivation
	outputs map[store.Path]string
}

// New returns an empty registry whose output paths are computed in dir.
func New(dir store.Directory) *Registry {
	return &Registry{
		dir:      dir,
		entries:  make(map[Key]*entry),
		buildMap: make(map[store.Path]Key),
	}
}

// Dir returns the store directory passed to [New].
func (r *Registry) Dir() store.Directory {
	return r.dir
}

// Add registers drv and all of its output paths.
// Adding a derivation with the same identity hash as a registered one
// returns the existing output paths without modifying the registry.
// A fixed-output derivation whose output path is already produced
// by another fixed-output derivation fetches the same content,
// so Add returns its output paths without modifying the registry.
// If any output path is otherwise already produced by a different entry,
// Add returns a [*ConflictError] and the registry is unchanged.
func (r *Registry) Add(ctx context.Context, drv *derivation.Derivation) (map[string]store.Path, error) {
	key := HashKey(drv.Hash())
	outputs := make(map[store.Path]string)
	result := make(map[string]store.Path)
	for id := range drv.Outputs() {
		p, err := drv.OutputPath(r.dir, id)
		if err != nil {
			return nil, fmt.Errorf("register %s: %v", drv.Name(), err)
		}
		outputs[p] = id
		result[id] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return result, nil
	}
	if drv.IsFixedOutput() && r.producedByFixedOutput(result[store.DefaultOutputName]) {
		log.Debugf(ctx, "%s (%v) output already produced by a fixed-output derivation", drv.Name(), key)
		return result, nil
	}
	if err := r.checkConflicts(key, maps.Keys(outputs)); err != nil {
		return nil, err
	}
	r.entries[key] = &entry{drv: drv, outputs: outputs}
	for p := range outputs {
		r.buildMap[p] = key
	}
	log.Debugf(ctx, "Registered %s (%v) with %d output(s)", drv.Name(), key, len(outputs))
	return result, nil
}

// Remove unregisters drv and all of its output paths.
// It is a no-op if no derivation with drv's identity hash is registered.
func (r *Registry) Remove(ctx context.Context, drv *derivation.Derivation) {
	r.remove(ctx, HashKey(drv.Hash()))
}

// AddLegacy registers a legacy derivation, identified only by its ".drv" path,
// as the producer of the given output paths.
// Registering the same drvPath again adds to its set of outputs.
// If any output path is already produced by a different entry,
// AddLegacy returns a [*ConflictError] and the registry is unchanged.
func (r *Registry) AddLegacy(ctx context.Context, drvPath store.Path, outputPaths iter.Seq[store.Path]) error {
	if !drvPath.IsDerivation() {
		return fmt.Errorf("register legacy derivation %s: not a %s file", drvPath, store.DerivationExt)
	}
	key := LegacyKey(drvPath)
	paths := slices.Collect(outputPaths)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkConflicts(key, slices.Values(paths)); err != nil {
		return err
	}
	e := r.entries[key]
	if e == nil {
		e = &entry{outputs: make(map[store.Path]string)}
		r.entries[key] = e
	}
	for _, p := range paths {
		e.outputs[p] = ""
		r.buildMap[p] = key
	}
	log.Debugf(ctx, "Registered legacy %s with %d output(s)", drvPath, len(e.outputs))
	return nil
}

// RemoveLegacy unregisters the legacy derivation at drvPath
// and all of its output paths.
// It is a no-op if drvPath is not registered.
func (r *Registry) RemoveLegacy(ctx context.Context, drvPath store.Path) {
	r.remove(ctx, LegacyKey(drvPath))
}

func (r *Registry) remove(ctx context.Context, key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		return
	}
	for p := range e.outputs {
		delete(r.buildMap, p)
	}
	delete(r.entries, key)
	log.Debugf(ctx, "Unregistered %v", key)
}

// producedByFixedOutput reports whether path is registered
// as the output of a fixed-output derivation.
// The caller must hold r.mu.
func (r *Registry) producedByFixedOutput(path store.Path) bool {
	key, ok := r.buildMap[path]
	if !ok {
		return false
	}
	e := r.entries[key]
	return e.drv != nil && e.drv.IsFixedOutput()
}

// checkConflicts returns an error if any of the paths
// are produced by an entry other than key.
// The caller must hold r.mu.
func (r *Registry) checkConflicts(key Key, paths iter.Seq[store.Path]) error {
	for _, p := range slices.Sorted(paths) {
		if owner, ok := r.buildMap[p]; ok && owner != key {
			return &ConflictError{Path: p, Existing: owner, New: key}
		}
	}
	return nil
}

// Lookup returns the entry that produces path.
// A path that is not registered (such as a plain source file)
// is reported with ok = false.
func (r *Registry) Lookup(path store.Path) (_ Entry, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.buildMap[path]
	if !ok {
		return Entry{}, false
	}
	return r.entries[key].export(key), true
}

// Get returns the entry with the given key.
func (r *Registry) Get(key Key) (_ Entry, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[key]
	if e == nil {
		return Entry{}, false
	}
	return e.export(key), true
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns an iterator over a snapshot of the registered entries
// in [Key.Compare] order.
func (r *Registry) All() iter.Seq[Entry] {
	r.mu.RLock()
	snapshot := make([]Entry, 0, len(r.entries))
	for key, e := range r.entries {
		snapshot = append(snapshot, e.export(key))
	}
	r.mu.RUnlock()
	slices.SortFunc(snapshot, func(a, b Entry) int {
		return a.Key.Compare(b.Key)
	})
	return slices.Values(snapshot)
}

func (e *entry) export(key Key) Entry {
	return Entry{
		Key:        key,
		Derivation: e.drv,
		Outputs:    maps.Clone(e.outputs),
	}
}
