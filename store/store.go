// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package store provides store paths and the minimal store interface
// that the derivation hashing engine depends on.
package store

import (
	"context"
	"errors"
	"io"
)

// DerivationExt is the file extension for a marshalled derivation.
const DerivationExt = ".drv"

// Store is the subset of store operations used to read derivations.
type Store interface {
	// IsValidPath reports whether the store object exists
	// and has been registered as complete.
	IsValidPath(ctx context.Context, path Path) (bool, error)
	// Open opens the contents of a store object that is a regular file.
	// Open returns an error wrapping [ErrNotValid]
	// if the path is not a valid store object.
	Open(ctx context.Context, path Path) (io.ReadCloser, error)
}

// ErrNotValid is returned by [Store] implementations
// when a path does not name a valid store object.
var ErrNotValid = errors.New("not a valid store path")

// ReadFile reads the entire contents of the store object at path.
func ReadFile(ctx context.Context, s Store, path Path) ([]byte, error) {
	f, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
