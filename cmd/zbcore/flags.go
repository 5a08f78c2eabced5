// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"github.com/spf13/pflag"
	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
)

var (
	_ pflag.Value = (*storeDirectoryFlag)(nil)
	_ pflag.Value = storePathSetFlag{}
)

type storeDirectoryFlag store.Directory

func (f *storeDirectoryFlag) Type() string  { return "string" }
func (f storeDirectoryFlag) String() string { return string(f) }
func (f storeDirectoryFlag) Get() any       { return store.Directory(f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := store.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}

// storePathSetFlag is a repeatable flag that collects store paths.
type storePathSetFlag struct {
	set *sets.Sorted[store.Path]
}

func (f storePathSetFlag) Type() string { return "path" }

func (f storePathSetFlag) String() string {
	return sets.Join(f.set, ",")
}

func (f storePathSetFlag) Get() any { return f.set }

func (f storePathSetFlag) Set(s string) error {
	p, err := store.ParsePath(s)
	if err != nil {
		return err
	}
	f.set.Add(p)
	return nil
}
