// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

// Package fdpass transfers open file descriptors
// over Unix domain sockets using SCM_RIGHTS control messages.
package fdpass

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Send writes a single zero byte to conn
// with the descriptors of files attached as one SCM_RIGHTS message.
// The caller retains ownership of files.
func Send(conn *net.UnixConn, files ...*os.File) error {
	if len(files) == 0 {
		return errors.New("send fds: no files")
	}
	fds := make([]int, 0, len(files))
	for _, f := range files {
		fds = append(fds, int(f.Fd()))
	}
	oob := unix.UnixRights(fds...)
	n, oobn, err := conn.WriteMsgUnix([]byte{0}, oob, nil)
	if err != nil {
		return fmt.Errorf("send fds: %w", err)
	}
	if n != 1 || oobn != len(oob) {
		return fmt.Errorf("send fds: short write")
	}
	return nil
}

// Receive reads a single byte from conn
// and returns the descriptors attached to it as files.
// Receive returns an error if the message does not carry exactly n descriptors.
// If the peer has closed the connection, Receive returns [io.EOF].
// The returned files are close-on-exec.
func Receive(conn *net.UnixConn, n int) ([]*os.File, error) {
	if n <= 0 {
		return nil, fmt.Errorf("receive fds: invalid count %d", n)
	}
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(n*4))
	nr, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("receive fds: %w", err)
	}
	if nr == 0 && oobn == 0 {
		return nil, io.EOF
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("receive fds: %v", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		// Lets os.NewFile use the runtime poller,
		// so Close interrupts blocked reads and writes.
		unix.SetNonblock(fd, true)
	}
	if len(fds) != n {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("receive fds: got %d descriptors (expected %d)", len(fds), n)
	}
	files := make([]*os.File, len(fds))
	for i, fd := range fds {
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("fd%d", fd))
	}
	return files, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, msg := range msgs {
		if msg.Header.Level != unix.SOL_SOCKET || msg.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msg)
		if err != nil {
			for _, fd := range fds {
				unix.Close(fd)
			}
			return nil, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// Socketpair returns a pair of connected Unix stream sockets.
// Both files are close-on-exec.
func Socketpair() (*os.File, *os.File, error) {
	fds, err := socketpair()
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return os.NewFile(uintptr(fds[0]), "socketpair0"),
		os.NewFile(uintptr(fds[1]), "socketpair1"),
		nil
}

// FileConn returns a [*net.UnixConn] for the socket f.
// f is closed whether or not FileConn succeeds.
func FileConn(f *os.File) (*net.UnixConn, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s is not a Unix socket", f.Name())
	}
	return uc, nil
}

// Pair returns a pair of connected [*net.UnixConn] values.
func Pair() (*net.UnixConn, *net.UnixConn, error) {
	f1, f2, err := Socketpair()
	if err != nil {
		return nil, nil, err
	}
	c1, err := FileConn(f1)
	if err != nil {
		f2.Close()
		return nil, nil, err
	}
	c2, err := FileConn(f2)
	if err != nil {
		c1.Close()
		return nil, nil, err
	}
	return c1, c2, nil
}
