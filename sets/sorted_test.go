// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package sets

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSorted(t *testing.T) {
	s := NewSorted("out", "dev", "out", "bin")
	if diff := cmp.Diff([]string{"bin", "dev", "out"}, slices.Collect(s.Values())); diff != "" {
		t.Errorf("NewSorted(...) (-want +got):\n%s", diff)
	}
	if !s.Has("dev") {
		t.Error("s.Has(\"dev\") = false; want true")
	}
	s.Delete("dev")
	if s.Has("dev") {
		t.Error("after Delete, s.Has(\"dev\") = true; want false")
	}
	if got, want := s.Len(), 2; got != want {
		t.Errorf("s.Len() = %d; want %d", got, want)
	}

	clone := s.Clone()
	clone.Add("lib")
	if s.Has("lib") {
		t.Error("adding to clone modified original")
	}
	if s.Equal(clone) {
		t.Errorf("%v.Equal(%v) = true; want false", s.elems, clone.elems)
	}
	s.Add("lib")
	if !s.Equal(clone) {
		t.Errorf("%v.Equal(%v) = false; want true", s.elems, clone.elems)
	}

	if got, want := Join(s, ","), "bin,lib,out"; got != want {
		t.Errorf("Join(s, \",\") = %q; want %q", got, want)
	}

	var nilSet *Sorted[string]
	if nilSet.Len() != 0 || nilSet.Has("x") {
		t.Error("nil set is not empty")
	}
	if diff := cmp.Diff([]string(nil), slices.Collect(nilSet.Values()), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("nil set values (-want +got):\n%s", diff)
	}
}
