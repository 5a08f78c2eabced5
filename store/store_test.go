// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/sha256"
	"testing"

	"zb.256lights.llc/zbcore/sets"
	"zombiezen.com/go/nix"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		err     bool
		dir     Directory
		digest  string
		name    string
		isDrv   bool
		drvName string
	}{
		{
			path:   "/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1",
			dir:    "/zb/store",
			digest: "s66mzxpvicwk07gjbjfw9izjfa797vsw",
			name:   "hello-2.12.1",
		},
		{
			path:    "/nix/store/0006yk8jxi0nmbz09fq86zl037c1wx9b-automake-1.16.5.tar.xz.drv",
			dir:     "/nix/store",
			digest:  "0006yk8jxi0nmbz09fq86zl037c1wx9b",
			name:    "automake-1.16.5.tar.xz.drv",
			isDrv:   true,
			drvName: "automake-1.16.5.tar.xz",
		},
		{path: "", err: true},
		{path: "zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello", err: true},
		{path: "/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw", err: true},
		{path: "/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-", err: true},
		{path: "/zb/store/eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee-hello", err: true},
		{path: "/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw_hello", err: true},
		{path: "/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello world", err: true},
	}
	for _, test := range tests {
		got, err := ParsePath(test.path)
		if err != nil {
			if !test.err {
				t.Errorf("ParsePath(%q): %v", test.path, err)
			}
			continue
		}
		if test.err {
			t.Errorf("ParsePath(%q) = %q, <nil>; want error", test.path, got)
			continue
		}
		if got.Dir() != test.dir {
			t.Errorf("ParsePath(%q).Dir() = %q; want %q", test.path, got.Dir(), test.dir)
		}
		if got.Digest() != test.digest {
			t.Errorf("ParsePath(%q).Digest() = %q; want %q", test.path, got.Digest(), test.digest)
		}
		if got.Name() != test.name {
			t.Errorf("ParsePath(%q).Name() = %q; want %q", test.path, got.Name(), test.name)
		}
		if got.IsDerivation() != test.isDrv {
			t.Errorf("ParsePath(%q).IsDerivation() = %t; want %t", test.path, got.IsDerivation(), test.isDrv)
		}
		if drvName, isDrv := got.DerivationName(); drvName != test.drvName && isDrv {
			t.Errorf("ParsePath(%q).DerivationName() = %q, true; want %q, true", test.path, drvName, test.drvName)
		}
	}
}

func TestDirectoryParsePath(t *testing.T) {
	const dir Directory = "/zb/store"
	got, sub, err := dir.ParsePath("/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello/bin/hello")
	if err != nil {
		t.Fatal(err)
	}
	if want := Path("/zb/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello"); got != want {
		t.Errorf("store path = %q; want %q", got, want)
	}
	if sub != "bin/hello" {
		t.Errorf("sub = %q; want %q", sub, "bin/hello")
	}

	if _, _, err := dir.ParsePath("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello"); err == nil {
		t.Error("path outside directory did not return an error")
	}
}

func TestDirectoryObject(t *testing.T) {
	const dir Directory = "/zb/store"
	if _, err := dir.Object("s66mzxpvicwk07gjbjfw9izjfa797vsw-hello"); err != nil {
		t.Error(err)
	}
	for _, name := range []string{"", ".", "..", "a/b"} {
		if p, err := dir.Object(name); err == nil {
			t.Errorf("dir.Object(%q) = %q, <nil>; want error", name, p)
		}
	}
}

func TestCleanDirectory(t *testing.T) {
	got, err := CleanDirectory("/zb//store/")
	if err != nil || got != "/zb/store" {
		t.Errorf("CleanDirectory(\"/zb//store/\") = %q, %v; want \"/zb/store\", <nil>", got, err)
	}
	if _, err := CleanDirectory("zb/store"); err == nil {
		t.Error("CleanDirectory(\"zb/store\") did not return an error")
	}
}

func TestDirectoryFromEnvironment(t *testing.T) {
	t.Setenv("ZB_STORE_DIR", "")
	if got, err := DirectoryFromEnvironment(); err != nil || got != DefaultDirectory {
		t.Errorf("DirectoryFromEnvironment() = %q, %v; want %q, <nil>", got, err, DefaultDirectory)
	}
	t.Setenv("ZB_STORE_DIR", "/opt/zb/store")
	if got, err := DirectoryFromEnvironment(); err != nil || got != "/opt/zb/store" {
		t.Errorf("DirectoryFromEnvironment() = %q, %v; want \"/opt/zb/store\", <nil>", got, err)
	}
}

func TestMakeFixedOutputPath(t *testing.T) {
	automakeHash, err := nix.ParseHash("sha256:f01d58cd6d9d77fbdca9eb4bbd5ead1988228fdb73d6f7a201f5f8d6b118b469")
	if err != nil {
		t.Fatal(err)
	}
	helloBits := sha256.Sum256([]byte("hello"))
	helloHash := nix.NewHash(nix.SHA256, helloBits[:])

	tests := []struct {
		dir       Directory
		recursive bool
		hash      nix.Hash
		name      string
		want      Path
	}{
		{
			dir:  "/nix/store",
			hash: automakeHash,
			name: "automake-1.16.5.tar.xz",
			want: "/nix/store/gmaq49vzfrkvr714y4fhfxv100ijihin-automake-1.16.5.tar.xz",
		},
		{
			dir:       "/zb/store",
			recursive: true,
			hash:      helloHash,
			name:      "hello",
			want:      "/zb/store/crx3d2d5m1vyd2s46mbwdvmmzs7pvc5k-hello",
		},
	}
	for _, test := range tests {
		got, err := MakeFixedOutputPath(test.dir, test.recursive, test.hash, test.name)
		if err != nil {
			t.Errorf("MakeFixedOutputPath(%q, %t, %v, %q): %v", test.dir, test.recursive, test.hash, test.name, err)
			continue
		}
		if got != test.want {
			t.Errorf("MakeFixedOutputPath(%q, %t, %v, %q) = %q; want %q", test.dir, test.recursive, test.hash, test.name, got, test.want)
		}
	}

	if _, err := MakeFixedOutputPath("/zb/store", false, nix.Hash{}, "hello"); err == nil {
		t.Error("MakeFixedOutputPath with zero hash did not return an error")
	}
}

func TestMakeOutputPath(t *testing.T) {
	bits := sha256.Sum256([]byte("hello"))
	h := nix.NewHash(nix.SHA256, bits[:])
	tests := []struct {
		outputName string
		want       Path
	}{
		{"out", "/zb/store/l3yr7ac66hb4k98zqnl99nsvdi97ppi6-hello"},
		{"dev", "/zb/store/byfq7sbasw2fjcyr6af0mw1ndv0pkvxx-hello-dev"},
	}
	for _, test := range tests {
		got, err := MakeOutputPath("/zb/store", test.outputName, h, "hello")
		if err != nil {
			t.Errorf("MakeOutputPath(\"/zb/store\", %q, %v, \"hello\"): %v", test.outputName, h, err)
			continue
		}
		if got != test.want {
			t.Errorf("MakeOutputPath(\"/zb/store\", %q, %v, \"hello\") = %q; want %q", test.outputName, h, got, test.want)
		}
	}
}

func TestMakeTextPath(t *testing.T) {
	data := []byte("Hello, World!\n")
	tests := []struct {
		refs *sets.Sorted[Path]
		want Path
	}{
		{nil, "/zb/store/1h7spha5cxsy8738awlxsxq3mibq6jzr-hello.txt"},
		{
			sets.NewSorted[Path]("/zb/store/ffffffffffffffffffffffffffffffff-dep"),
			"/zb/store/l5mwpsql8ag3ihanzz4vnvm7njxsx0pw-hello.txt",
		},
	}
	for _, test := range tests {
		got, err := MakeTextPath("/zb/store", "hello.txt", data, test.refs)
		if err != nil {
			t.Error(err)
			continue
		}
		if got != test.want {
			t.Errorf("MakeTextPath(\"/zb/store\", \"hello.txt\", %q, %v) = %q; want %q", data, test.refs, got, test.want)
		}
	}

	if _, err := MakeTextPath("/zb/store", "bad/name", data, nil); err == nil {
		t.Error("MakeTextPath with invalid name did not return an error")
	}
}
