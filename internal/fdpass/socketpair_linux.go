// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fdpass

import "golang.org/x/sys/unix"

func socketpair() ([2]int, error) {
	return unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
}
