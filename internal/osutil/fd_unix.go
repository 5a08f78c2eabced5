// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package osutil

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// InheritedFile returns the open file descriptor fd
// that the process inherited from its parent.
// The descriptor is marked close-on-exec
// so that it is not leaked into further subprocesses.
func InheritedFile(fd int, name string) (*os.File, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%s: invalid file descriptor %d", name, fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("%s: file descriptor %d: %w", name, fd, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name), nil
}

// ParseInheritedFile parses s as a decimal file descriptor number
// and calls [InheritedFile].
func ParseInheritedFile(s string, name string) (*os.File, error) {
	fd, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a file descriptor", name, s)
	}
	return InheritedFile(fd, name)
}
