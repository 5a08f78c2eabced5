// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package impurity

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"syscall"
)

// Environment variables used by the broker and its clients.
const (
	// SocketEnv names the environment variable that holds
	// the descriptor number of a builder's control socket.
	SocketEnv = "ZB_IMPURITY_SOCKET"
	// RequestIDEnv names the environment variable that holds
	// the request ID in a handler process.
	RequestIDEnv = "ZB_IMPURITY_REQUEST_ID"
)

// HandlerFD is the descriptor number of the request socket
// in a handler process.
const HandlerFD = 3

// ErrBrokerClosed is returned by [Client] methods
// when the broker closes a connection before completing a request.
var ErrBrokerClosed = errors.New("impurity broker closed connection")

// Config is the fixed context shared by every command a broker runs.
type Config struct {
	// CommandsDir is the directory of allow-listed commands.
	CommandsDir string
	// DrvFile is the path of the derivation being built.
	DrvFile string
	// TmpDir is the build's temporary directory.
	TmpDir string
	// ChrootDir is the root of the build's sandbox.
	ChrootDir string
}

// argv returns the argument vector for running the command at path.
func (cfg *Config) argv(path string, args []string) []string {
	argv := make([]string, 0, 4+len(args))
	argv = append(argv, path, cfg.DrvFile, cfg.TmpDir, cfg.ChrootDir)
	argv = append(argv, args...)
	return argv
}

// appendRequest appends the wire encoding of a command request to dst.
func appendRequest(dst []byte, name string, args []string) ([]byte, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return dst, fmt.Errorf("command name %q contains NUL", name)
	}
	dst = append(dst, name...)
	dst = append(dst, 0)
	for i, arg := range args {
		if strings.IndexByte(arg, 0) >= 0 {
			return dst, fmt.Errorf("argument %d (%q) contains NUL", i+1, arg)
		}
		dst = append(dst, arg...)
		dst = append(dst, 0)
	}
	return dst, nil
}

// readRequest reads a command request from r
// and returns the path of the command inside commandsDir
// along with the caller's arguments.
// The request ends when r returns [io.EOF].
func readRequest(r *bufio.Reader, commandsDir string) (path string, args []string, err error) {
	var name []byte
	for {
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", nil, fmt.Errorf("read command name: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return "", nil, fmt.Errorf("read command name: %w", err)
		}
		if c == 0 {
			break
		}
		if c == '/' {
			name = name[:0]
			continue
		}
		name = append(name, c)
	}
	switch string(name) {
	case "", ".", "..":
		return "", nil, fmt.Errorf("invalid command name %q", name)
	}

	for {
		arg, err := r.ReadString(0)
		if err == io.EOF {
			if arg != "" {
				return "", nil, fmt.Errorf("read argument %d: %w", len(args)+1, io.ErrUnexpectedEOF)
			}
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("read argument %d: %w", len(args)+1, err)
		}
		args = append(args, arg[:len(arg)-1])
	}
	return filepath.Join(commandsDir, string(name)), args, nil
}

// Status is the outcome of an impure command.
// The zero value is a successful exit.
type Status struct {
	tag   byte
	value int
}

const (
	statusExited     byte = 0
	statusSignaled   byte = 1
	statusExecFailed byte = 2
)

// StatusRecordSize is the size in bytes of a status record on the wire.
const StatusRecordSize = 2

// ExitStatus returns the status of a command that exited with the given code.
func ExitStatus(code int) Status {
	return Status{tag: statusExited, value: code}
}

// SignalStatus returns the status of a command terminated by sig.
func SignalStatus(sig syscall.Signal) Status {
	return Status{tag: statusSignaled, value: int(sig)}
}

// ExecFailedStatus returns the status of a command
// that could not be started because of errno.
func ExecFailedStatus(errno syscall.Errno) Status {
	return Status{tag: statusExecFailed, value: int(errno)}
}

// Exited reports whether the command exited normally.
func (s Status) Exited() bool {
	return s.tag == statusExited
}

// ExitCode returns the command's exit code
// or -1 if the command did not exit normally.
func (s Status) ExitCode() int {
	if !s.Exited() {
		return -1
	}
	return s.value
}

// Success reports whether the command exited with a zero exit code.
func (s Status) Success() bool {
	return s.Exited() && s.value == 0
}

// Signal returns the signal that terminated the command, if any.
func (s Status) Signal() (_ syscall.Signal, ok bool) {
	if s.tag != statusSignaled {
		return 0, false
	}
	return syscall.Signal(s.value), true
}

// ExecError returns the error that prevented the command from starting
// or nil if the command started.
// The returned error is a [syscall.Errno].
func (s Status) ExecError() error {
	if s.tag != statusExecFailed {
		return nil
	}
	return syscall.Errno(s.value)
}

// String returns a human-readable description of s.
func (s Status) String() string {
	switch s.tag {
	case statusExited:
		return fmt.Sprintf("exit status %d", s.value)
	case statusSignaled:
		return "signal: " + syscall.Signal(s.value).String()
	case statusExecFailed:
		return "exec: " + syscall.Errno(s.value).Error()
	default:
		return fmt.Sprintf("status(%d, %d)", s.tag, s.value)
	}
}

// AppendBinary appends the wire encoding of s to dst.
func (s Status) AppendBinary(dst []byte) ([]byte, error) {
	if s.tag > statusExecFailed {
		return dst, fmt.Errorf("marshal %v: unknown kind", s)
	}
	if s.value < 0 || s.value > 0xff {
		return dst, fmt.Errorf("marshal %v: value out of range", s)
	}
	return append(dst, s.tag, byte(s.value)), nil
}

// MarshalBinary returns the wire encoding of s.
func (s Status) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, StatusRecordSize))
}

// UnmarshalBinary decodes a status record.
func (s *Status) UnmarshalBinary(data []byte) error {
	if len(data) != StatusRecordSize {
		return fmt.Errorf("unmarshal status: got %d bytes (expected %d)", len(data), StatusRecordSize)
	}
	if data[0] > statusExecFailed {
		return fmt.Errorf("unmarshal status: unknown kind %d", data[0])
	}
	*s = Status{tag: data[0], value: int(data[1])}
	return nil
}
