// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package storetest provides an in-memory store for tests.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"zb.256lights.llc/zbcore/derivation"
	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
)

// Memory is an in-memory [store.Store].
// The zero value is an empty store using [store.DefaultDirectory].
type Memory struct {
	// Dir is the store directory.
	// If empty, [store.DefaultDirectory] is used.
	Dir store.Directory

	mu      sync.Mutex
	objects map[store.Path][]byte
	opens   map[store.Path]int
}

func (m *Memory) dir() store.Directory {
	if m.Dir == "" {
		return store.DefaultDirectory
	}
	return m.Dir
}

// IsValidPath reports whether path has been added to the store.
func (m *Memory) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

// Open returns a reader for the contents of path.
func (m *Memory) Open(ctx context.Context, path store.Path) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, store.ErrNotValid)
	}
	if m.opens == nil {
		m.opens = make(map[store.Path]int)
	}
	m.opens[path]++
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenCount returns the number of times path was opened.
func (m *Memory) OpenCount(path store.Path) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[path]
}

// Put stores data at path without computing its address.
// It is useful for planting invalid objects.
func (m *Memory) Put(path store.Path, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[store.Path][]byte)
	}
	m.objects[path] = bytes.Clone(data)
}

// AddText adds a text file (e.g. a ".drv" file)
// with the given content and references to the store.
func (m *Memory) AddText(name string, data []byte, refs *sets.Sorted[store.Path]) (store.Path, error) {
	p, err := store.MakeTextPath(m.dir(), name, data, refs)
	if err != nil {
		return "", fmt.Errorf("add text %s: %v", name, err)
	}
	m.Put(p, data)
	return p, nil
}

// AddDerivation marshals drv and adds it to the store as name+".drv".
func (m *Memory) AddDerivation(name string, drv *derivation.OldDerivation) (store.Path, error) {
	p, data, err := drv.StorePath(m.dir(), name)
	if err != nil {
		return "", fmt.Errorf("add derivation %s: %v", name, err)
	}
	m.Put(p, data)
	return p, nil
}
