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
	"os/exec"

	"github.com/google/uuid"
	"zb.256lights.llc/zbcore/internal/fdpass"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// A Broker accepts requests on a control socket
// and starts one handler process per request.
type Broker struct {
	// Control is the socket on which callers signal requests.
	Control *net.UnixConn
	// Command returns an unstarted command for the handler process
	// of the request with the given ID.
	// The handler process should call [HandlerConn] and [ServeRequest].
	// The broker passes the request socket to the process
	// as descriptor [HandlerFD]
	// and adds [RequestIDEnv] to its environment.
	Command func(ctx context.Context, requestID uuid.UUID) *exec.Cmd
	// Metrics is optional.
	Metrics *Metrics
}

// Serve accepts requests until the peer closes the control socket,
// in which case Serve returns nil.
// Serve closes b.Control before returning.
// Failing to create or send a request socket
// or to start a handler process is fatal and ends Serve with an error.
// Serve does not wait for running handler processes.
func (b *Broker) Serve(ctx context.Context) error {
	closer := xcontext.CloseWhenDone(ctx, b.Control)
	defer closer.Close()

	buf := make([]byte, 1)
	for {
		_, err := b.Control.Read(buf)
		if errors.Is(err, io.EOF) {
			log.Debugf(ctx, "Impurity broker control socket closed")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("impurity broker: read control socket: %w", err)
		}
		if err := b.startRequest(ctx); err != nil {
			return fmt.Errorf("impurity broker: %w", err)
		}
	}
}

func (b *Broker) startRequest(ctx context.Context) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	callerEnd, handlerEnd, err := fdpass.Socketpair()
	if err != nil {
		return err
	}
	defer callerEnd.Close()
	defer handlerEnd.Close()
	if err := fdpass.Send(b.Control, callerEnd); err != nil {
		return err
	}

	c := b.Command(ctx, id)
	c.ExtraFiles = []*os.File{handlerEnd}
	c.Env = append(c.Environ(), RequestIDEnv+"="+id.String())
	if err := c.Start(); err != nil {
		return fmt.Errorf("start handler for request %v: %w", id, err)
	}
	b.Metrics.started()
	log.Debugf(ctx, "Started handler (pid %d) for request %v", c.Process.Pid, id)

	go func() {
		err := c.Wait()
		b.Metrics.finished(err)
		if err != nil {
			log.Warnf(ctx, "Handler for request %v: %v", id, err)
		} else {
			log.Debugf(ctx, "Handler for request %v done", id)
		}
	}()
	return nil
}
