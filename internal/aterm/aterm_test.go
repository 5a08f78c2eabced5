// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package aterm

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var stringTests = []struct {
	s     string
	aterm string
}{
	{"", `""`},
	{"x", `"x"`},
	{"\n", `"\n"`},
	{"\r", `"\r"`},
	{"\t", `"\t"`},
	{"\\", `"\\"`},
	{"\"", `"\""`},
}

func TestScanner(t *testing.T) {
	type scannerTest struct {
		aterm string
		want  []Token
		err   bool
		tail  string
	}

	tests := []scannerTest{
		{
			aterm: `()`,
			want: []Token{
				{Kind: LParen},
				{Kind: RParen},
			},
		},
		{
			aterm: `[]`,
			want: []Token{
				{Kind: LBracket},
				{Kind: RBracket},
			},
		},
		{
			aterm: `("x")`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
				{Kind: RParen},
			},
		},
		{
			aterm: `("x","y","z")`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
				{Kind: String, Value: "y"},
				{Kind: String, Value: "z"},
				{Kind: RParen},
			},
		},
		{
			aterm: `("x",)`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
			},
			err: true,
		},
		{
			aterm: `("x",,"y")`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
			},
			err:  true,
			tail: `"y")`,
		},
		{
			aterm: `("x"]`,
			want: []Token{
				{Kind: LParen},
				{Kind: String, Value: "x"},
			},
			err: true,
		},
		{
			aterm: `[)`,
			want: []Token{
				{Kind: LBracket},
			},
			err: true,
		},
		{
			aterm: `)`,
			want:  []Token{},
			err:   true,
		},
		{
			aterm: `[`,
			want: []Token{
				{Kind: LBracket},
			},
			err: true,
		},
	}
	for _, test := range stringTests {
		tests = append(tests, scannerTest{
			aterm: test.aterm,
			want: []Token{
				{Kind: String, Value: test.s},
			},
		})
	}

	for _, test := range tests {
		r := strings.NewReader(test.aterm)
		s := NewScanner(r)
		var got []Token
		for {
			tok, err := s.ReadToken()
			if err != nil {
				if !test.err && err != io.EOF {
					t.Errorf("While scanning %s: %v", test.aterm, err)
				}
				if test.err && err == io.EOF {
					t.Errorf("Scanning %s did not result in an error", test.aterm)
				}
				break
			}
			got = append(got, tok)
		}
		if diff := cmp.Diff(test.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("tokens for %s (-want +got):\n%s", test.aterm, diff)
		}
		if got := test.aterm[len(test.aterm)-r.Len():]; got != test.tail {
			t.Errorf("after scanning %s, remaining data = %q; want %q", test.aterm, got, test.tail)
		}
	}
}

func TestSyntaxErrorOffset(t *testing.T) {
	s := NewScanner(strings.NewReader(`["a";"b"]`))
	for range 2 {
		if _, err := s.ReadToken(); err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.ReadToken()
	var syntaxErr *SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("ReadToken() error = %v; want *SyntaxError", err)
	}
	if got, want := syntaxErr.Offset, int64(5); got != want {
		t.Errorf("error offset = %d; want %d", got, want)
	}
}

func TestMaxStringLength(t *testing.T) {
	s := NewScanner(strings.NewReader(`"abcdef"`))
	s.MaxStringLength = 3
	if tok, err := s.ReadToken(); err == nil {
		t.Errorf("ReadToken() = %v, <nil>; want error", tok)
	}

	s = NewScanner(strings.NewReader(`"` + strings.Repeat("x", 10000) + `"`))
	tok, err := s.ReadToken()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(tok.Value); got != 10000 {
		t.Errorf("len(ReadToken().Value) = %d; want 10000", got)
	}
}

func TestReadStrings(t *testing.T) {
	s := NewScanner(strings.NewReader(`(["a","b\n"],[],"c")`))
	if _, err := s.Expect(LParen); err != nil {
		t.Fatal(err)
	}
	var got []string
	collect := func(x string) error {
		got = append(got, x)
		return nil
	}
	if err := s.ReadStrings(collect); err != nil {
		t.Fatal(err)
	}
	if err := s.ReadStrings(collect); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b\n"}, got); diff != "" {
		t.Errorf("strings (-want +got):\n%s", diff)
	}
	if more, err := s.More(); err != nil || !more {
		t.Fatalf("s.More() = %t, %v; want true, <nil>", more, err)
	}
	if got, err := s.ReadString(); err != nil || got != "c" {
		t.Errorf("s.ReadString() = %q, %v; want \"c\", <nil>", got, err)
	}
	if more, err := s.More(); err != nil || more {
		t.Fatalf("s.More() = %t, %v; want false, <nil>", more, err)
	}
	if _, err := s.ReadToken(); err != io.EOF {
		t.Errorf("s.ReadToken() error = %v; want %v", err, io.EOF)
	}
}

func TestReadStringsWrongKind(t *testing.T) {
	s := NewScanner(strings.NewReader(`["a",("b")]`))
	err := s.ReadStrings(func(string) error { return nil })
	if err == nil {
		t.Error("ReadStrings did not return an error")
	}
}

func TestAppendString(t *testing.T) {
	for _, test := range stringTests {
		got := string(AppendString(nil, test.s))
		if got != test.aterm {
			t.Errorf("AppendString(nil, %q) = %q; want %q", test.s, got, test.aterm)
		}
	}
}

func TestAppendList(t *testing.T) {
	tests := []struct {
		elems []string
		want  string
	}{
		{nil, `[]`},
		{[]string{"a"}, `["a"]`},
		{[]string{"a", "b\t"}, `["a","b\t"]`},
	}
	for _, test := range tests {
		got := string(AppendList(nil, slices.Values(test.elems)))
		if got != test.want {
			t.Errorf("AppendList(nil, %q) = %s; want %s", test.elems, got, test.want)
		}
	}
}

func FuzzString(f *testing.F) {
	for _, test := range stringTests {
		f.Add(test.s)
	}

	f.Fuzz(func(t *testing.T, s string) {
		aterm := AppendString(nil, s)
		r := bytes.NewReader(aterm)
		scanner := NewScanner(r)
		got, err := scanner.ReadToken()
		if err != nil {
			t.Fatal(err)
		}
		want := Token{Kind: String, Value: s}
		if got != want {
			t.Errorf("got %v; want %v", got, want)
		}
		if r.Len() > 0 {
			t.Errorf("trailing data %q", s[len(s)-r.Len():])
		}
		if got, err := scanner.ReadToken(); err != io.EOF {
			t.Errorf("ReadToken() #2 = %v, %v; want _, %v", got, err, io.EOF)
		}
	})
}
