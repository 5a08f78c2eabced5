// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package aterm implements the subset of the ASCII ATerm format
// used by derivation files: strings, lists, and tuples.
package aterm

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
)

// A Token holds a string or a delimiter.
type Token struct {
	Kind  TokenKind
	Value string
}

// String returns the token in ATerm text format.
func (tok Token) String() string {
	switch tok.Kind {
	case 0:
		return "Token()"
	case String:
		return string(AppendString(nil, tok.Value))
	case LParen, RParen, LBracket, RBracket:
		return string(tok.Kind)
	default:
		var buf []byte
		buf = append(buf, "Token("...)
		buf = AppendString(buf, string(tok.Kind))
		buf = append(buf, ","...)
		buf = AppendString(buf, tok.Value)
		buf = append(buf, ")"...)
		return string(buf)
	}
}

// TokenKind is an ATerm text format delimiter.
// Used to differentiate [Token] values.
type TokenKind byte

// Defined token kinds.
const (
	String   TokenKind = '"'
	LParen   TokenKind = '('
	RParen   TokenKind = ')'
	LBracket TokenKind = '['
	RBracket TokenKind = ']'
)

func (kind TokenKind) String() string {
	return string(kind)
}

func (kind TokenKind) describe() string {
	if kind == String {
		return "string"
	}
	return "'" + string(kind) + "'"
}

var closingTokens = map[TokenKind]TokenKind{
	LParen:   RParen,
	LBracket: RBracket,
}

// A SyntaxError describes malformed ATerm input.
type SyntaxError struct {
	// Offset is the number of bytes read before the error was detected.
	Offset int64
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("parse aterm: offset %d: %s", e.Offset, e.Msg)
}

// Scanner reads ATerm text format tokens from a stream.
type Scanner struct {
	// MaxStringLength is the largest string (after unescaping)
	// that the scanner will accept.
	// Zero means no limit.
	MaxStringLength int

	r      io.ByteReader
	offset int64
	err    error
	curr   Token
	stack  []TokenKind
	first  bool // no comma required
	unread bool
}

// NewScanner returns a new scanner that reads from r.
func NewScanner(r io.ByteReader) *Scanner {
	return &Scanner{
		r:     r,
		first: true,
	}
}

// Offset returns the number of bytes consumed from the underlying reader.
func (s *Scanner) Offset() int64 {
	return s.offset
}

func (s *Scanner) readByte() (byte, error) {
	b, err := s.r.ReadByte()
	if err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	}
	if err != nil {
		return 0, err
	}
	s.offset++
	return b, nil
}

func (s *Scanner) fail(format string, args ...any) error {
	s.err = &SyntaxError{Offset: s.offset, Msg: fmt.Sprintf(format, args...)}
	return s.err
}

// ReadToken reads the next token from the underlying reader.
// ReadToken returns [io.EOF] if and only if the scanner has read a single complete value.
func (s *Scanner) ReadToken() (Token, error) {
	if s.unread {
		s.unread = false
		return s.curr, nil
	}
	if s.err != nil {
		return Token{}, s.err
	}

	s.curr = Token{}
	if len(s.stack) == 0 && !s.first {
		// Stop after one value so the caller can inspect trailing data.
		s.err = io.EOF
		return Token{}, s.err
	}
	b, err := s.readByte()
	if err != nil {
		return Token{}, err
	}

	comma := false
	if len(s.stack) > 0 && !s.first {
		term := byte(s.stack[len(s.stack)-1])
		switch b {
		case ',':
			b, err = s.readByte()
			if err != nil {
				return Token{}, err
			}
			comma = true
		case term:
			s.stack = s.stack[:len(s.stack)-1]
			s.curr = Token{Kind: TokenKind(b)}
			s.first = false
			return s.curr, nil
		default:
			return Token{}, s.fail("unexpected %q (expected %q or ',')", b, term)
		}
	}

	switch b {
	case '[', '(':
		s.stack = append(s.stack, closingTokens[TokenKind(b)])
		s.curr = Token{Kind: TokenKind(b)}
		s.first = true
	case '"':
		value, err := s.parseString()
		if err != nil {
			// The scanner loses its place inside a string.
			s.err = err
			return Token{}, err
		}
		s.curr = Token{Kind: String, Value: value}
		s.first = false
	case ']', ')':
		if comma {
			return Token{}, s.fail("unexpected %q (expected value)", b)
		}
		if len(s.stack) == 0 {
			return Token{}, s.fail("unexpected %q (does not match)", b)
		}
		if term := byte(s.stack[len(s.stack)-1]); b != term {
			return Token{}, s.fail("unexpected %q (expected %q)", b, term)
		}
		s.stack = s.stack[:len(s.stack)-1]
		s.curr = Token{Kind: TokenKind(b)}
		s.first = false
	default:
		return Token{}, s.fail("unexpected character %q (expected value)", b)
	}
	return s.curr, nil
}

var errInvalidUnreadToken = errors.New("parse aterm: invalid use of UnreadToken")

// UnreadToken causes the next call to [Scanner.ReadToken]
// to return the last token read.
// If the last operation was not a successful call to ReadToken,
// UnreadToken will return an error.
func (s *Scanner) UnreadToken() error {
	if s.unread || s.curr.Kind == 0 {
		return errInvalidUnreadToken
	}
	s.unread = true
	return nil
}

// Expect reads the next token and returns an error
// if it is not of the given kind.
func (s *Scanner) Expect(kind TokenKind) (Token, error) {
	tok, err := s.ReadToken()
	if err != nil {
		return Token{}, err
	}
	if tok.Kind != kind {
		return tok, fmt.Errorf("expected %s, found %v", kind.describe(), tok)
	}
	return tok, nil
}

// ReadString reads a single string token.
func (s *Scanner) ReadString() (string, error) {
	tok, err := s.Expect(String)
	return tok.Value, err
}

// More reports whether the current list or tuple has another element.
// If it returns false, the closing delimiter has been consumed.
func (s *Scanner) More() (bool, error) {
	tok, err := s.ReadToken()
	if err != nil {
		return false, err
	}
	if tok.Kind == RBracket || tok.Kind == RParen {
		return false, nil
	}
	if err := s.UnreadToken(); err != nil {
		return false, err
	}
	return true, nil
}

// ReadStrings reads a bracketed list of strings,
// calling f for each element in order.
func (s *Scanner) ReadStrings(f func(string) error) error {
	if _, err := s.Expect(LBracket); err != nil {
		return err
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		switch tok.Kind {
		case String:
			if err := f(tok.Value); err != nil {
				return err
			}
		case RBracket:
			return nil
		default:
			return fmt.Errorf("expected string or ']', found %v", tok)
		}
	}
}

func (s *Scanner) parseString() (string, error) {
	sb := new(strings.Builder)
	for {
		c, err := s.readByte()
		if err != nil {
			return sb.String(), fmt.Errorf("parse aterm string: %w", err)
		}

		if c == '"' {
			return sb.String(), nil
		}
		if s.MaxStringLength > 0 && sb.Len() >= s.MaxStringLength {
			return sb.String(), &SyntaxError{Offset: s.offset, Msg: "string too large"}
		}

		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		c, err = s.readByte()
		if err != nil {
			return sb.String(), fmt.Errorf("parse aterm string: %w", err)
		}
		switch c {
		case '"', '\\':
			sb.WriteByte(c)
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		default:
			if c < ' ' || c >= 127 {
				return "", &SyntaxError{Offset: s.offset, Msg: fmt.Sprintf("non-text escape character %q", c)}
			}
			return "", &SyntaxError{Offset: s.offset, Msg: fmt.Sprintf("unknown escape sequence '\\%c'", c)}
		}
	}
}

// AppendString appends the string to dst as an ATerm text format double-quoted string.
// Only '"', '\\', '\n', '\r', and '\t' are escaped.
func AppendString(dst []byte, s string) []byte {
	size := len(s) + len(`""`)
	for _, c := range []byte(s) {
		if c == '"' || c == '\\' || c == '\n' || c == '\r' || c == '\t' {
			size++
		}
	}

	dst = slices.Grow(dst, size)
	dst = append(dst, '"')
	for _, c := range []byte(s) {
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\n':
			dst = append(dst, `\n`...)
		case '\r':
			dst = append(dst, `\r`...)
		case '\t':
			dst = append(dst, `\t`...)
		default:
			dst = append(dst, c)
		}
	}
	dst = append(dst, '"')
	return dst
}

// AppendList appends the strings in seq to dst as a bracketed ATerm list.
func AppendList[S ~string](dst []byte, seq iter.Seq[S]) []byte {
	dst = append(dst, '[')
	first := true
	for x := range seq {
		if !first {
			dst = append(dst, ',')
		}
		first = false
		dst = AppendString(dst, string(x))
	}
	return append(dst, ']')
}
