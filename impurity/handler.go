// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package impurity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
	"zb.256lights.llc/zbcore/internal/fdpass"
	"zb.256lights.llc/zbcore/internal/osutil"
	"zombiezen.com/go/log"
)

// HandlerConn returns the request socket inherited by a handler process
// as descriptor [HandlerFD].
func HandlerConn() (*net.UnixConn, error) {
	f, err := osutil.InheritedFile(HandlerFD, "impurity-request")
	if err != nil {
		return nil, err
	}
	conn, err := fdpass.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("request socket: %v", err)
	}
	return conn, nil
}

// ServeRequest handles a single request on conn
// and closes conn before returning.
// It reads the command and its arguments,
// sends the command's standard stream pipes to the caller,
// runs the command to completion, and writes its status record.
//
// Malformed requests are reported as errors without writing to conn.
// The caller observes the closed connection.
func ServeRequest(ctx context.Context, conn *net.UnixConn, cfg *Config) error {
	defer conn.Close()

	path, args, err := readRequest(bufio.NewReader(conn), cfg.CommandsDir)
	if err != nil {
		return fmt.Errorf("impurity request: %w", err)
	}
	log.Debugf(ctx, "Running %s %q", path, args)

	p, err := newStdioPipes()
	if err != nil {
		return fmt.Errorf("impurity request: %v", err)
	}
	defer p.close()
	if err := fdpass.Send(conn, p.stdinW, p.stdoutR, p.stderrR); err != nil {
		return fmt.Errorf("impurity request: %w", err)
	}
	// The caller has its own copies now.
	p.closeCallerEnds()

	c := exec.CommandContext(ctx, path)
	c.Args = cfg.argv(path, args)
	c.Stdin = p.stdinR
	c.Stdout = p.stdoutW
	c.Stderr = p.stderrW
	setCancelFunc(c)
	status, err := runCommand(c, p.closeCommandEnds)
	if err != nil {
		return fmt.Errorf("impurity request: run %s: %w", path, err)
	}
	log.Debugf(ctx, "%s finished: %v", path, status)

	record, err := status.MarshalBinary()
	if err != nil {
		return fmt.Errorf("impurity request: %v", err)
	}
	if _, err := conn.Write(record); err != nil {
		return fmt.Errorf("impurity request: write status: %w", err)
	}
	return nil
}

// runCommand starts c and waits for it to finish.
// afterStart is called once the command has its own copies of its stdio.
func runCommand(c *exec.Cmd, afterStart func()) (Status, error) {
	err := c.Start()
	afterStart()
	if err != nil {
		var errno syscall.Errno
		if errors.As(err, &errno) && errno <= 0xff {
			return ExecFailedStatus(errno), nil
		}
		return Status{}, err
	}
	waitErr := c.Wait()
	ws, ok := c.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		if waitErr == nil {
			waitErr = errors.New("unknown wait status")
		}
		return Status{}, waitErr
	}
	if ws.Signaled() {
		return SignalStatus(ws.Signal()), nil
	}
	return ExitStatus(ws.ExitStatus()), nil
}

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}

// stdioPipes holds both ends of a command's standard stream pipes.
type stdioPipes struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func newStdioPipes() (*stdioPipes, error) {
	p := new(stdioPipes)
	var err error
	p.stdinR, p.stdinW, err = os.Pipe()
	if err != nil {
		return nil, err
	}
	p.stdoutR, p.stdoutW, err = os.Pipe()
	if err != nil {
		p.close()
		return nil, err
	}
	p.stderrR, p.stderrW, err = os.Pipe()
	if err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *stdioPipes) closeCallerEnds() {
	closeFiles(&p.stdinW, &p.stdoutR, &p.stderrR)
}

func (p *stdioPipes) closeCommandEnds() {
	closeFiles(&p.stdinR, &p.stdoutW, &p.stderrW)
}

func (p *stdioPipes) close() {
	p.closeCallerEnds()
	p.closeCommandEnds()
}

func closeFiles(files ...**os.File) {
	for _, f := range files {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
}
