// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package registry

import (
	"crypto/sha256"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"zb.256lights.llc/zbcore/derivation"
	"zb.256lights.llc/zbcore/internal/testcontext"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/nix"
)

const testDir store.Directory = "/zb/store"

func newDerivation(tb testing.TB, name string, outputs map[string]derivation.Output) *derivation.Derivation {
	tb.Helper()
	tmpl := &derivation.Template{
		Name:     name,
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Args:     []string{"-c", "build " + name},
		Outputs:  outputs,
	}
	drv, err := tmpl.Derivation()
	if err != nil {
		tb.Fatal(err)
	}
	return drv
}

func floating(ids ...string) map[string]derivation.Output {
	m := make(map[string]derivation.Output)
	for _, id := range ids {
		m[id] = derivation.FloatingOutput()
	}
	return m
}

func TestAddLookupRemove(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	r := New(testDir)
	drv := newDerivation(t, "hello", floating("out", "dev"))
	paths, err := r.Add(ctx, drv)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("Add(...) = %v; want 2 paths", paths)
	}
	for id, p := range paths {
		want, err := drv.OutputPath(testDir, id)
		if err != nil {
			t.Fatal(err)
		}
		if p != want {
			t.Errorf("Add(...)[%q] = %s; want %s", id, p, want)
		}
		e, ok := r.Lookup(p)
		if !ok {
			t.Errorf("Lookup(%s) not found after Add", p)
			continue
		}
		if e.Derivation.Compare(drv) != 0 {
			t.Errorf("Lookup(%s).Derivation hash = %v; want %v", p, e.Derivation.Hash(), drv.Hash())
		}
		if e.Key != HashKey(drv.Hash()) {
			t.Errorf("Lookup(%s).Key = %v; want %v", p, e.Key, HashKey(drv.Hash()))
		}
		if got := e.Outputs[p]; got != id {
			t.Errorf("Lookup(%s).Outputs[%s] = %q; want %q", p, p, got, id)
		}
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d; want 1", got)
	}

	r.Remove(ctx, drv)
	for _, p := range paths {
		if e, ok := r.Lookup(p); ok {
			t.Errorf("Lookup(%s) = %v after Remove; want not found", p, e.Key)
		}
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len() = %d after Remove; want 0", got)
	}

	// Removing again is a no-op.
	r.Remove(ctx, drv)
}

func TestAddDeduplicates(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	r := New(testDir)
	drv1 := newDerivation(t, "hello", floating("out"))
	drv2 := newDerivation(t, "hello", floating("out"))
	paths1, err := r.Add(ctx, drv1)
	if err != nil {
		t.Fatal(err)
	}
	paths2, err := r.Add(ctx, drv2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(paths1, paths2); diff != "" {
		t.Errorf("output paths (-first +second):\n%s", diff)
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d; want 1", got)
	}
}

func TestAddFixedOutput(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	bits := sha256.Sum256([]byte("hello"))
	h := nix.NewHash(nix.SHA256, bits[:])
	r := New(testDir)
	drv := newDerivation(t, "src", map[string]derivation.Output{
		"out": derivation.FixedOutput(h, false),
		"doc": derivation.FixedOutput(h, true),
	})
	paths, err := r.Add(ctx, drv)
	if err != nil {
		t.Fatal(err)
	}
	wantOut, err := store.MakeFixedOutputPath(testDir, false, h, "src")
	if err != nil {
		t.Fatal(err)
	}
	wantDoc, err := store.MakeFixedOutputPath(testDir, true, h, "src-doc")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]store.Path{"out": wantOut, "doc": wantDoc}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("Add(...) (-want +got):\n%s", diff)
	}
}

func TestAddSameFixedOutput(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	bits := sha256.Sum256([]byte("hello"))
	h := nix.NewHash(nix.SHA256, bits[:])
	r := New(testDir)

	// Two different fetchers for the same content share an output path.
	fetch1 := newDerivation(t, "src", map[string]derivation.Output{"out": derivation.FixedOutput(h, false)})
	tmpl := fetch1.Template()
	tmpl.Args = []string{"-c", "fetch from mirror"}
	fetch2, err := tmpl.Derivation()
	if err != nil {
		t.Fatal(err)
	}
	if fetch1.Compare(fetch2) == 0 {
		t.Fatal("fetch derivations have the same hash")
	}

	paths1, err := r.Add(ctx, fetch1)
	if err != nil {
		t.Fatal(err)
	}
	paths2, err := r.Add(ctx, fetch2)
	if err != nil {
		t.Fatalf("Add(fetch2): %v", err)
	}
	if diff := cmp.Diff(paths1, paths2); diff != "" {
		t.Errorf("output paths (-fetch1 +fetch2):\n%s", diff)
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d; want 1", got)
	}
	if e, ok := r.Lookup(paths1["out"]); !ok || e.Key != HashKey(fetch1.Hash()) {
		t.Errorf("Lookup(%s) = %v, %t; want %v", paths1["out"], e.Key, ok, HashKey(fetch1.Hash()))
	}

	// Removing the unregistered fetcher leaves the path buildable.
	r.Remove(ctx, fetch2)
	if _, ok := r.Lookup(paths1["out"]); !ok {
		t.Errorf("Lookup(%s) not found after Remove(fetch2)", paths1["out"])
	}
}

func TestAddConflict(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	bits := sha256.Sum256([]byte("hello"))
	h := nix.NewHash(nix.SHA256, bits[:])
	r := New(testDir)
	fetch := newDerivation(t, "src", map[string]derivation.Output{"out": derivation.FixedOutput(h, false)})
	outPath, err := fetch.OutputPath(testDir, "out")
	if err != nil {
		t.Fatal(err)
	}

	const drvPath store.Path = "/zb/store/ffffffffffffffffffffffffffffffff-src.drv"
	if err := r.AddLegacy(ctx, drvPath, slices.Values([]store.Path{outPath})); err != nil {
		t.Fatal(err)
	}
	_, err = r.Add(ctx, fetch)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Add(fetch) error = %v; want *ConflictError", err)
	}
	if conflict.Path != outPath || conflict.Existing != LegacyKey(drvPath) || conflict.New != HashKey(fetch.Hash()) {
		t.Errorf("conflict = %+v; want {Path: %s, Existing: %v, New: %v}", conflict, outPath, LegacyKey(drvPath), HashKey(fetch.Hash()))
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d after conflict; want 1", got)
	}
	if e, ok := r.Lookup(outPath); !ok || e.Key != LegacyKey(drvPath) {
		t.Errorf("Lookup(%s) changed after conflict", outPath)
	}
}

func TestLegacy(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	r := New(testDir)
	drv := newDerivation(t, "hello", floating("out"))
	newPaths, err := r.Add(ctx, drv)
	if err != nil {
		t.Fatal(err)
	}

	const drvPath store.Path = "/zb/store/ffffffffffffffffffffffffffffffff-hello.drv"
	legacyOut := store.Path("/zb/store/00000000000000000000000000000000-hello")
	if err := r.AddLegacy(ctx, drvPath, slices.Values([]store.Path{legacyOut})); err != nil {
		t.Fatal(err)
	}
	if got := r.Len(); got != 2 {
		t.Errorf("Len() = %d; want 2", got)
	}

	e, ok := r.Lookup(legacyOut)
	if !ok {
		t.Fatalf("Lookup(%s) not found", legacyOut)
	}
	if !e.Key.IsLegacy() || e.Key != LegacyKey(drvPath) || e.Derivation != nil {
		t.Errorf("Lookup(%s) = {Key: %v, Derivation: %v}; want legacy entry for %s", legacyOut, e.Key, e.Derivation, drvPath)
	}
	e, ok = r.Lookup(newPaths["out"])
	if !ok || e.Key.IsLegacy() {
		t.Errorf("Lookup(%s) = %v, %t; want hash entry", newPaths["out"], e.Key, ok)
	}

	// Legacy paths cannot take over paths owned by new derivations.
	err = r.AddLegacy(ctx, drvPath, slices.Values([]store.Path{newPaths["out"]}))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("AddLegacy(%s, [%s]) error = %v; want *ConflictError", drvPath, newPaths["out"], err)
	}

	r.RemoveLegacy(ctx, drvPath)
	if _, ok := r.Lookup(legacyOut); ok {
		t.Errorf("Lookup(%s) found after RemoveLegacy", legacyOut)
	}
	if _, ok := r.Lookup(newPaths["out"]); !ok {
		t.Errorf("Lookup(%s) not found after removing unrelated legacy entry", newPaths["out"])
	}
}

func TestAddLegacyRequiresDrv(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	r := New(testDir)
	err := r.AddLegacy(ctx, "/zb/store/ffffffffffffffffffffffffffffffff-hello", slices.Values([]store.Path(nil)))
	if err == nil {
		t.Error("AddLegacy with non-.drv path did not return an error")
	}
}

func TestKeysDisjoint(t *testing.T) {
	bits := sha256.Sum256([]byte("hello"))
	h := nix.NewHash(nix.SHA256, bits[:])
	hashKey := HashKey(h)
	legacyKey := LegacyKey(store.Path(h.Base16()))
	if hashKey == legacyKey {
		t.Errorf("HashKey(%v) == LegacyKey(%q)", h, h.Base16())
	}
	if hashKey.Compare(legacyKey) >= 0 {
		t.Errorf("%v.Compare(%v) >= 0; want hash keys first", hashKey, legacyKey)
	}
}

func TestAll(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	r := New(testDir)
	var want []Key
	for _, name := range []string{"a", "b", "c"} {
		drv := newDerivation(t, name, floating("out"))
		if _, err := r.Add(ctx, drv); err != nil {
			t.Fatal(err)
		}
		want = append(want, HashKey(drv.Hash()))
	}
	const drvPath store.Path = "/zb/store/ffffffffffffffffffffffffffffffff-legacy.drv"
	if err := r.AddLegacy(ctx, drvPath, slices.Values([]store.Path(nil))); err != nil {
		t.Fatal(err)
	}
	slices.SortFunc(want, Key.Compare)
	want = append(want, LegacyKey(drvPath))

	var got []Key
	for e := range r.All() {
		got = append(got, e.Key)
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b Key) bool { return a == b })); diff != "" {
		t.Errorf("All() keys (-want +got):\n%s", diff)
	}
}

func TestConcurrentAdd(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	r := New(testDir)
	drvs := make([]*derivation.Derivation, 16)
	for i := range drvs {
		drvs[i] = newDerivation(t, "pkg", floating("out", "lib"))
		tmpl := drvs[i].Template()
		tmpl.Env = map[string]string{"i": string(rune('a' + i))}
		var err error
		drvs[i], err = tmpl.Derivation()
		if err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for _, drv := range drvs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Add(ctx, drv); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := r.Len(); got != len(drvs) {
		t.Errorf("Len() = %d; want %d", got, len(drvs))
	}

	for _, drv := range drvs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Remove(ctx, drv)
		}()
	}
	wg.Wait()
	if got := r.Len(); got != 0 {
		t.Errorf("Len() = %d after removing all; want 0", got)
	}
}
