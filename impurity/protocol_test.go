// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package impurity

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestReadRequest(t *testing.T) {
	const dir = "/commands"
	tests := []struct {
		name     string
		data     string
		wantPath string
		wantArgs []string
		err      bool
	}{
		{
			name:     "NoArgs",
			data:     "fetch\x00",
			wantPath: "/commands/fetch",
		},
		{
			name:     "Args",
			data:     "impure-command.sh\x00arg1\x00arg2\x00",
			wantPath: "/commands/impure-command.sh",
			wantArgs: []string{"arg1", "arg2"},
		},
		{
			name:     "EmptyArg",
			data:     "fetch\x00\x00x\x00",
			wantPath: "/commands/fetch",
			wantArgs: []string{"", "x"},
		},
		{
			name:     "SlashResets",
			data:     "../../bin/sh\x00",
			wantPath: "/commands/sh",
		},
		{
			name:     "LeadingSlash",
			data:     "/etc/passwd\x00",
			wantPath: "/commands/passwd",
		},
		{
			name: "TrailingSlash",
			data: "bin/\x00",
			err:  true,
		},
		{
			name: "Empty",
			data: "\x00",
			err:  true,
		},
		{
			name: "Dot",
			data: ".\x00",
			err:  true,
		},
		{
			name: "DotDot",
			data: "foo/..\x00",
			err:  true,
		},
		{
			name: "UnterminatedName",
			data: "fetch",
			err:  true,
		},
		{
			name: "NoData",
			data: "",
			err:  true,
		},
		{
			name: "UnterminatedArg",
			data: "fetch\x00arg1\x00arg2",
			err:  true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path, args, err := readRequest(bufio.NewReader(strings.NewReader(test.data)), dir)
			if err != nil {
				if !test.err {
					t.Errorf("readRequest(%q): %v", test.data, err)
				}
				return
			}
			if test.err {
				t.Fatalf("readRequest(%q) = %q, %q, <nil>; want error", test.data, path, args)
			}
			if path != test.wantPath {
				t.Errorf("path = %q; want %q", path, test.wantPath)
			}
			if diff := cmp.Diff(test.wantArgs, args, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("args (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadRequestUnexpectedEOF(t *testing.T) {
	_, _, err := readRequest(bufio.NewReader(strings.NewReader("fetch\x00arg")), "/commands")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("readRequest error = %v; want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestAppendRequest(t *testing.T) {
	got, err := appendRequest(nil, "impure-command.sh", []string{"arg1", "", "arg2"})
	if err != nil {
		t.Fatal(err)
	}
	const want = "impure-command.sh\x00arg1\x00\x00arg2\x00"
	if string(got) != want {
		t.Errorf("appendRequest(...) = %q; want %q", got, want)
	}

	path, args, err := readRequest(bufio.NewReader(strings.NewReader(string(got))), "/commands")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/commands/impure-command.sh" {
		t.Errorf("path = %q; want %q", path, "/commands/impure-command.sh")
	}
	if diff := cmp.Diff([]string{"arg1", "", "arg2"}, args); diff != "" {
		t.Errorf("args (-want +got):\n%s", diff)
	}

	if _, err := appendRequest(nil, "a\x00b", nil); err == nil {
		t.Error("appendRequest with NUL in name did not return an error")
	}
	if _, err := appendRequest(nil, "a", []string{"x\x00y"}); err == nil {
		t.Error("appendRequest with NUL in argument did not return an error")
	}
}

func TestStatusBinary(t *testing.T) {
	tests := []struct {
		status Status
		data   []byte
		str    string
	}{
		{ExitStatus(0), []byte{0, 0}, "exit status 0"},
		{ExitStatus(3), []byte{0, 3}, "exit status 3"},
		{SignalStatus(syscall.SIGTERM), []byte{1, byte(syscall.SIGTERM)}, "signal: " + syscall.SIGTERM.String()},
		{ExecFailedStatus(syscall.EACCES), []byte{2, byte(syscall.EACCES)}, "exec: " + syscall.EACCES.Error()},
	}
	for _, test := range tests {
		got, err := test.status.MarshalBinary()
		if err != nil {
			t.Errorf("%v.MarshalBinary(): %v", test.status, err)
		} else if !cmp.Equal(got, test.data) {
			t.Errorf("%v.MarshalBinary() = %v; want %v", test.status, got, test.data)
		}

		var parsed Status
		if err := parsed.UnmarshalBinary(test.data); err != nil {
			t.Errorf("UnmarshalBinary(%v): %v", test.data, err)
		} else if parsed != test.status {
			t.Errorf("UnmarshalBinary(%v) = %v; want %v", test.data, parsed, test.status)
		}

		if got := test.status.String(); got != test.str {
			t.Errorf("String() = %q; want %q", got, test.str)
		}
	}

	for _, bad := range [][]byte{nil, {0}, {0, 0, 0}, {3, 0}} {
		var s Status
		if err := s.UnmarshalBinary(bad); err == nil {
			t.Errorf("UnmarshalBinary(%v) = %v, <nil>; want error", bad, s)
		}
	}
	if _, err := ExitStatus(256).MarshalBinary(); err == nil {
		t.Error("ExitStatus(256).MarshalBinary() did not return an error")
	}
}

func TestStatusAccessors(t *testing.T) {
	if s := ExitStatus(0); !s.Success() || !s.Exited() || s.ExitCode() != 0 || s.ExecError() != nil {
		t.Errorf("ExitStatus(0) accessors wrong: %v", s)
	}
	if s := ExitStatus(1); s.Success() || s.ExitCode() != 1 {
		t.Errorf("ExitStatus(1) accessors wrong: %v", s)
	}
	s := SignalStatus(syscall.SIGKILL)
	if sig, ok := s.Signal(); !ok || sig != syscall.SIGKILL {
		t.Errorf("SignalStatus(SIGKILL).Signal() = %v, %t; want %v, true", sig, ok, syscall.SIGKILL)
	}
	if s.Exited() || s.ExitCode() != -1 || s.Success() {
		t.Errorf("SignalStatus(SIGKILL) reports exit: %v", s)
	}
	s = ExecFailedStatus(syscall.ENOENT)
	if err := s.ExecError(); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("ExecFailedStatus(ENOENT).ExecError() = %v; want %v", err, syscall.ENOENT)
	}
	if _, ok := s.Signal(); ok || s.Exited() {
		t.Errorf("ExecFailedStatus(ENOENT) reports signal or exit: %v", s)
	}
}
