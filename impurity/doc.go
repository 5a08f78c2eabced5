// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package impurity implements a broker that runs allow-listed impure commands
// on behalf of sandboxed builders.
//
// A builder holds one end of a control socket.
// To make a request, it writes a single byte to the control socket
// and receives a freshly created request socket
// attached to a one-byte reply as an SCM_RIGHTS message.
// On the request socket, the builder writes the command name
// followed by a NUL byte, then zero or more NUL-terminated arguments,
// then shuts down its write side.
// The broker replies with the write end of the command's stdin pipe
// and the read ends of its stdout and stderr pipes in a single SCM_RIGHTS message.
// Once the command finishes, the broker writes a two-byte status record
// and closes the request socket.
// The first byte of the status record is 0 if the command exited
// (the second byte is the exit code),
// 1 if the command was terminated by a signal (the second byte is the signal number),
// or 2 if the command could not be started (the second byte is the errno value).
//
// Builders written for brokers that only report exits and signals
// must treat a first byte of 2 as a failure to start the command
// rather than as an unknown tag.
// Such brokers reported a failed exec as a zero byte
// followed by the error code, which is indistinguishable from an exit status.
//
// Every slash in a command name discards the bytes before it,
// so names always resolve to a file directly inside the commands directory.
// Commands are started with the arguments:
//
//	commandPath drvFile tmpDir chrootDir args...
package impurity
