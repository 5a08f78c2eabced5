// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zb.256lights.llc/zbcore/impurity"
	"zb.256lights.llc/zbcore/internal/fdpass"
	"zb.256lights.llc/zbcore/internal/osutil"
	"zombiezen.com/go/log"
)

func newImpurityCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "impurity COMMAND",
		Short:                 "run allow-listed impure commands for builders",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(
		newImpurityBrokerCommand(g),
		newImpurityExecCommand(g),
		newImpurityHandlerCommand(g),
	)
	return c
}

// impurityConfigFlags registers the flags that describe a build's impurity context.
func impurityConfigFlags(c *cobra.Command, cfg *impurity.Config) {
	c.Flags().StringVar(&cfg.CommandsDir, "commands", "", "`dir`ectory of allow-listed commands")
	c.Flags().StringVar(&cfg.DrvFile, "drv", "", "`path` of the derivation being built")
	c.Flags().StringVar(&cfg.TmpDir, "tmp", "", "build temporary `dir`ectory")
	c.Flags().StringVar(&cfg.ChrootDir, "chroot", "", "build sandbox root `dir`ectory")
}

func validateImpurityConfig(cfg *impurity.Config) error {
	if cfg.CommandsDir == "" {
		return fmt.Errorf("--commands not set")
	}
	if !filepath.IsAbs(cfg.CommandsDir) {
		return fmt.Errorf("--commands=%s is not absolute", cfg.CommandsDir)
	}
	return nil
}

type impurityBrokerOptions struct {
	impurity.Config
	socketFD      int
	systemd       bool
	metricsListen string
}

func newImpurityBrokerCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:   "broker [options]",
		Short: "serve impurity requests from a builder",
		Long: "Serve impurity requests from a builder.\n\n" +
			"The control socket is taken from --socket-fd, " +
			"from systemd socket activation with --systemd, " +
			"or from the descriptor number in " + impurity.SocketEnv + ".",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &impurityBrokerOptions{socketFD: -1}
	impurityConfigFlags(c, &opts.Config)
	c.Flags().IntVar(&opts.socketFD, "socket-fd", -1, "descriptor `number` of the control socket")
	c.Flags().BoolVar(&opts.systemd, "systemd", false, "use the control socket passed by systemd socket activation")
	c.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on `addr`ess")
	c.MarkFlagsMutuallyExclusive("socket-fd", "systemd")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runImpurityBroker(cmd.Context(), g, opts)
	}
	return c
}

func runImpurityBroker(ctx context.Context, g *globalConfig, opts *impurityBrokerOptions) error {
	if err := validateImpurityConfig(&opts.Config); err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	control, err := opts.controlSocket()
	if err != nil {
		return err
	}

	b := &impurity.Broker{
		Control: control,
		Command: func(ctx context.Context, requestID uuid.UUID) *exec.Cmd {
			args := []string{
				"impurity", "handler",
				"--commands=" + opts.CommandsDir,
				"--drv=" + opts.DrvFile,
				"--tmp=" + opts.TmpDir,
				"--chroot=" + opts.ChrootDir,
			}
			if g.Debug {
				args = append(args, "--debug")
			}
			c := exec.Command(exe, args...)
			c.Stderr = os.Stderr
			return c
		},
	}
	if opts.metricsListen == "" {
		return b.Serve(ctx)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	b.Metrics = impurity.NewMetrics(reg)
	l, err := net.Listen("tcp", opts.metricsListen)
	if err != nil {
		control.Close()
		return err
	}
	log.Infof(ctx, "Serving metrics on http://%v/metrics", l.Addr())
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	mux := http.NewServeMux()
	mux.Handle("/metrics", handlers.MethodHandler{
		http.MethodGet:  metricsHandler,
		http.MethodHead: metricsHandler,
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	grp, grpCtx := errgroup.WithContext(serveCtx)
	grp.Go(func() error {
		defer stopMetrics()
		return b.Serve(grpCtx)
	})
	grp.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}

// controlSocket returns the broker's control socket
// as selected by the command-line options.
func (opts *impurityBrokerOptions) controlSocket() (*net.UnixConn, error) {
	var f *os.File
	var err error
	switch {
	case opts.systemd:
		files := activation.Files(true)
		if len(files) != 1 {
			for _, f := range files {
				f.Close()
			}
			return nil, fmt.Errorf("systemd passed %d sockets (need exactly 1)", len(files))
		}
		f = files[0]
	case opts.socketFD >= 0:
		f, err = osutil.InheritedFile(opts.socketFD, "impurity-control")
	default:
		s := os.Getenv(impurity.SocketEnv)
		if s == "" {
			return nil, fmt.Errorf("no control socket (set --socket-fd, --systemd, or %s)", impurity.SocketEnv)
		}
		f, err = osutil.ParseInheritedFile(s, impurity.SocketEnv)
	}
	if err != nil {
		return nil, err
	}
	conn, err := fdpass.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("control socket: %v", err)
	}
	return conn, nil
}

func newImpurityHandlerCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "handler [options]",
		Short:                 "serve a single impurity request on descriptor " + strconv.Itoa(impurity.HandlerFD),
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		Hidden:                true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	cfg := new(impurity.Config)
	impurityConfigFlags(c, cfg)
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runImpurityHandler(cmd.Context(), cfg)
	}
	return c
}

func runImpurityHandler(ctx context.Context, cfg *impurity.Config) error {
	requestID := os.Getenv(impurity.RequestIDEnv)
	if requestID == "" {
		requestID = "(unknown)"
	}
	if err := validateImpurityConfig(cfg); err != nil {
		return fmt.Errorf("request %s: %v", requestID, err)
	}
	conn, err := impurity.HandlerConn()
	if err != nil {
		return fmt.Errorf("request %s: %v", requestID, err)
	}
	log.Debugf(ctx, "Serving request %s", requestID)
	if err := impurity.ServeRequest(ctx, conn, cfg); err != nil {
		return fmt.Errorf("request %s: %w", requestID, err)
	}
	return nil
}

func newImpurityExecCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:   "exec NAME [ARG [...]]",
		Short: "run an allow-listed impure command through the broker",
		Long: "Run an allow-listed impure command through the broker " +
			"whose control socket descriptor is in " + impurity.SocketEnv + ". " +
			"Standard streams are relayed to the command, " +
			"and zbcore exits with the command's exit code.",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().SetInterspersed(false)
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runImpurityExec(cmd.Context(), args[0], args[1:])
	}
	return c
}

func runImpurityExec(ctx context.Context, name string, args []string) error {
	client, err := impurity.ClientFromEnvironment()
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Run(ctx, os.Stdin, os.Stdout, os.Stderr, name, args...)
	if err != nil {
		return err
	}
	switch {
	case status.Success():
		return nil
	case status.Exited():
		client.Close()
		os.Exit(status.ExitCode())
		return nil
	default:
		return fmt.Errorf("%s: %v", name, status)
	}
}
