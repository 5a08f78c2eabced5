// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// zbcore is the command-line interface to the zb derivation core:
// it inspects and hashes derivations, manages a local store,
// and runs the impurity broker.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zb.256lights.llc/zbcore/internal/localstore"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "zbcore",
		Short:         "zb derivation core",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeFiles(configFiles()); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().Var((*storeDirectoryFlag)(&g.Directory), "store", "path to store `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.RealDirectory, "real-store", g.RealDirectory, "`path` where store objects are located on the local filesystem")
	rootCommand.PersistentFlags().StringVar(&g.StoreDB, "store-db", g.StoreDB, "`path` to store database")
	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newDerivationCommand(g),
		newImpurityCommand(g),
		newStoreCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// openStore opens the local store described by the configuration.
func (g *globalConfig) openStore() (*localstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(g.StoreDB), 0o755); err != nil {
		return nil, err
	}
	return localstore.Open(g.Directory, g.StoreDB, &localstore.Options{
		RealDir: g.RealDirectory,
	}), nil
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		output := log.New(os.Stderr, "zbcore: ", log.StdFlags, nil)
		if term.IsTerminal(int(os.Stderr.Fd())) {
			// Interactive sessions don't need timestamps.
			output = log.New(os.Stderr, "zbcore: ", 0, nil)
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: output,
		})
	})
}
