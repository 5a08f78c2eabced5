// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"zb.256lights.llc/zbcore/internal/localstore"
	"zb.256lights.llc/zbcore/sets"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/log"
)

func newStoreCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "store COMMAND",
		Short:                 "inspect or modify the local store",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(
		newStoreAddTextCommand(g),
		newStoreListCommand(g),
		newStoreReferencesCommand(g),
		newStoreRegisterCommand(g),
	)
	return c
}

// withStore opens the local store for the duration of f.
func withStore(ctx context.Context, g *globalConfig, f func(*localstore.Store) error) error {
	s, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	return f(s)
}

type storeRegisterOptions struct {
	path store.Path
	refs *sets.Sorted[store.Path]
}

func newStoreRegisterCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "register [options] PATH",
		Short:                 "mark a store object present on disk as valid",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &storeRegisterOptions{refs: new(sets.Sorted[store.Path])}
	c.Flags().Var(storePathSetFlag{opts.refs}, "ref", "add a reference to `path` (can be passed multiple times)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		var err error
		opts.path, err = g.Directory.Object(args[0])
		if err != nil {
			opts.path, _, err = g.Directory.ParsePath(args[0])
			if err != nil {
				return err
			}
		}
		return runStoreRegister(cmd.Context(), g, opts)
	}
	return c
}

func runStoreRegister(ctx context.Context, g *globalConfig, opts *storeRegisterOptions) error {
	return withStore(ctx, g, func(s *localstore.Store) error {
		return s.Register(ctx, opts.path, opts.refs)
	})
}

type storeAddTextOptions struct {
	name  string
	input io.Reader
	refs  *sets.Sorted[store.Path]
}

func newStoreAddTextCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "add-text [options] NAME [FILE]",
		Short:                 "add a text file to the store",
		DisableFlagsInUseLine: true,
		Args:                  cobra.RangeArgs(1, 2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &storeAddTextOptions{refs: new(sets.Sorted[store.Path])}
	c.Flags().Var(storePathSetFlag{opts.refs}, "ref", "add a reference to `path` (can be passed multiple times)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.name = args[0]
		opts.input = os.Stdin
		if len(args) > 1 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			opts.input = f
		}
		return runStoreAddText(cmd.Context(), g, opts)
	}
	return c
}

func runStoreAddText(ctx context.Context, g *globalConfig, opts *storeAddTextOptions) error {
	data, err := io.ReadAll(opts.input)
	if err != nil {
		return err
	}
	return withStore(ctx, g, func(s *localstore.Store) error {
		path, err := s.AddText(ctx, opts.name, data, opts.refs)
		if err != nil {
			return err
		}
		_, err = fmt.Println(path)
		return err
	})
}

type storeListOptions struct {
	long bool
}

func newStoreListCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "ls [options]",
		Short:                 "list valid store objects",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(storeListOptions)
	c.Flags().BoolVarP(&opts.long, "long", "l", false, "show registration times")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreList(cmd.Context(), g, opts)
	}
	return c
}

func runStoreList(ctx context.Context, g *globalConfig, opts *storeListOptions) error {
	return withStore(ctx, g, func(s *localstore.Store) error {
		list, err := s.List(ctx)
		if err != nil {
			return err
		}
		for _, info := range list {
			if opts.long {
				_, err = fmt.Printf("%s\t%s\n", info.RegistrationTime.UTC().Format(time.RFC3339), info.Path)
			} else {
				_, err = fmt.Println(info.Path)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func newStoreReferencesCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "refs PATH",
		Short:                 "list the references of a store object",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		path, _, err := g.Directory.ParsePath(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), g, func(s *localstore.Store) error {
			refs, err := s.References(cmd.Context(), path)
			if err != nil {
				return err
			}
			for ref := range refs.Values() {
				if _, err := fmt.Println(ref); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return c
}
