// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFilePerm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foo.txt")
	if err := WriteFilePerm(path, []byte("hello"), 0o444); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got&0o222 != 0 {
		t.Errorf("mode = %v; want no write bits", got)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q; want %q", got, "hello")
	}
}
