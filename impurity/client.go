// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package impurity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"zb.256lights.llc/zbcore/internal/fdpass"
	"zb.256lights.llc/zbcore/internal/osutil"
	"zombiezen.com/go/xcontext"
)

// A Client sends requests to a [Broker] over a control socket.
// It is safe to call methods on a Client from multiple goroutines.
type Client struct {
	mu   sync.Mutex
	conn *net.UnixConn
}

// NewClient returns a client that uses the given control socket.
func NewClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn}
}

// ClientFromEnvironment returns a client for the control socket
// whose descriptor number is stored in [SocketEnv].
func ClientFromEnvironment() (*Client, error) {
	s := os.Getenv(SocketEnv)
	if s == "" {
		return nil, fmt.Errorf("%s not set", SocketEnv)
	}
	f, err := osutil.ParseInheritedFile(s, SocketEnv)
	if err != nil {
		return nil, err
	}
	conn, err := fdpass.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", SocketEnv, err)
	}
	return NewClient(conn), nil
}

// Close closes the control socket,
// which ends the broker's session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Process is an impure command started by [Client.Start].
type Process struct {
	// Stdin is connected to the command's standard input.
	// Close it to signal end of input.
	Stdin *os.File
	// Stdout is connected to the command's standard output.
	Stdout *os.File
	// Stderr is connected to the command's standard error.
	Stderr *os.File

	ctx    context.Context
	conn   *net.UnixConn
	closer io.Closer
}

// Start requests that the broker run the named command with the given arguments.
// Canceling ctx closes the request socket,
// after which the broker can no longer report the command's status.
// The caller is responsible for closing the returned process's pipes
// and calling [Process.Wait].
func (c *Client) Start(ctx context.Context, name string, args ...string) (*Process, error) {
	req, err := appendRequest(nil, name, args)
	if err != nil {
		return nil, fmt.Errorf("impure command %s: %v", name, err)
	}
	conn, err := c.newRequest()
	if err != nil {
		return nil, fmt.Errorf("impure command %s: %w", name, err)
	}
	closer := xcontext.CloseWhenDone(ctx, conn)

	if _, err := conn.Write(req); err != nil {
		closer.Close()
		if isClosed(err) {
			err = ErrBrokerClosed
		}
		return nil, fmt.Errorf("impure command %s: send request: %w", name, contextError(ctx, err))
	}
	if err := conn.CloseWrite(); err != nil {
		closer.Close()
		if isClosed(err) {
			err = ErrBrokerClosed
		}
		return nil, fmt.Errorf("impure command %s: send request: %w", name, contextError(ctx, err))
	}
	pipes, err := fdpass.Receive(conn, 3)
	if isClosed(err) {
		err = ErrBrokerClosed
	}
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("impure command %s: %w", name, contextError(ctx, err))
	}
	return &Process{
		Stdin:  pipes[0],
		Stdout: pipes[1],
		Stderr: pipes[2],
		ctx:    ctx,
		conn:   conn,
		closer: closer,
	}, nil
}

// newRequest signals the broker and receives a request socket.
func (c *Client) newRequest() (*net.UnixConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write([]byte{1}); err != nil {
		if isClosed(err) {
			return nil, ErrBrokerClosed
		}
		return nil, err
	}
	files, err := fdpass.Receive(c.conn, 1)
	if isClosed(err) {
		return nil, ErrBrokerClosed
	}
	if err != nil {
		return nil, err
	}
	return fdpass.FileConn(files[0])
}

// Wait waits for the command to finish and returns its status.
// Wait closes the request socket but not the process's pipes.
func (p *Process) Wait() (Status, error) {
	defer p.closer.Close()
	var buf [StatusRecordSize]byte
	_, err := io.ReadFull(p.conn, buf[:])
	if isClosed(err) {
		err = ErrBrokerClosed
	}
	if err != nil {
		return Status{}, fmt.Errorf("wait for impure command: %w", contextError(p.ctx, err))
	}
	var status Status
	if err := status.UnmarshalBinary(buf[:]); err != nil {
		return Status{}, fmt.Errorf("wait for impure command: %v", err)
	}
	return status, nil
}

// Run runs the named command to completion.
// The command reads from stdin and writes to stdout and stderr.
// A nil stdin gives the command an empty input
// and a nil stdout or stderr discards the respective output.
// Run returns a non-nil error only if the broker could not report a status
// or copying a stream failed.
//
// Run closes the command's standard input once the command finishes.
// If a Read from stdin blocks,
// the goroutine copying from it may outlive the call to Run
// until that Read returns.
func (c *Client) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) (Status, error) {
	p, err := c.Start(ctx, name, args...)
	if err != nil {
		return Status{}, err
	}
	defer p.Stdout.Close()
	defer p.Stderr.Close()

	closeStdin := sync.OnceValue(p.Stdin.Close)
	defer closeStdin()
	go func() {
		defer closeStdin()
		if stdin != nil {
			// Commands may exit before reading all their input.
			io.Copy(p.Stdin, stdin)
		}
	}()
	g := new(errgroup.Group)
	g.Go(func() error {
		return copyOutput(stdout, p.Stdout)
	})
	g.Go(func() error {
		return copyOutput(stderr, p.Stderr)
	})

	status, err := p.Wait()
	closeStdin()
	if err != nil {
		p.Stdout.Close()
		p.Stderr.Close()
		g.Wait()
		return Status{}, err
	}
	if err := g.Wait(); err != nil {
		return status, fmt.Errorf("impure command %s: %w", name, err)
	}
	return status, nil
}

func copyOutput(dst io.Writer, src io.Reader) error {
	if dst == nil {
		dst = io.Discard
	}
	_, err := io.Copy(dst, src)
	return err
}

// isClosed reports whether err indicates that the broker closed the connection.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOTCONN)
}

func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
