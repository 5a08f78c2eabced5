// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"zb.256lights.llc/zbcore/derivation"
	"zb.256lights.llc/zbcore/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

func newDerivationCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "derivation COMMAND",
		Short:                 "query derivations",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(
		newDerivationHashCommand(g),
		newDerivationShowCommand(g),
	)
	return c
}

type derivationShowOptions struct {
	files      []string
	jsonFormat bool
}

func newDerivationShowCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "show [options] FILE [...]",
		Short:                 "show the contents of one or more derivations",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(derivationShowOptions)
	c.Flags().BoolVar(&opts.jsonFormat, "json", false, "print derivation as JSON")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.files = args
		return runDerivationShow(cmd.Context(), g, opts)
	}
	return c
}

func runDerivationShow(ctx context.Context, g *globalConfig, opts *derivationShowOptions) error {
	for _, drvPath := range opts.files {
		drvBytes, err := os.ReadFile(drvPath)
		if err != nil {
			return err
		}
		drv, err := derivation.ParseOldDerivation(drvBytes)
		if err != nil {
			return fmt.Errorf("%s: %v", drvPath, err)
		}

		if !opts.jsonFormat {
			if len(opts.files) > 1 {
				drvBytes = append(drvBytes, '\n')
			}
			if _, err := os.Stdout.Write(drvBytes); err != nil {
				return err
			}
			continue
		}

		jsonData, err := marshalDerivationJSON(drvPath, g.Directory, drv)
		if err != nil {
			return err
		}
		jsonData = append(jsonData, '\n')
		if _, err := os.Stdout.Write(jsonData); err != nil {
			return err
		}
	}
	return nil
}

// inferDerivationName returns the derivation name for a ".drv" file,
// stripping the digest if the file looks like a store object.
func inferDerivationName(dir store.Directory, path string) string {
	baseName := filepath.Base(path)
	if p, err := dir.Object(baseName); err == nil {
		baseName = p.Name()
	}
	return strings.TrimSuffix(baseName, store.DerivationExt)
}

func marshalDerivationJSON(drvPath string, dir store.Directory, drv *derivation.OldDerivation) ([]byte, error) {
	type jsonDerivationOutput struct {
		Path     string `json:"path,omitempty"`
		HashAlgo string `json:"hashAlgo,omitempty"`
		Hash     string `json:"hash,omitempty"`
	}

	type jsonDerivation struct {
		Path        string `json:"drvPath"`
		Name        string `json:"name"`
		FixedOutput bool   `json:"fixedOutput"`

		System  string            `json:"system"`
		Builder string            `json:"builder"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`

		InputSources     []string            `json:"inputSrcs"`
		InputDerivations map[string][]string `json:"inputDrvs"`

		Outputs map[string]jsonDerivationOutput `json:"outputs"`
	}

	j := &jsonDerivation{
		Path:        drvPath,
		Name:        inferDerivationName(dir, drvPath),
		FixedOutput: drv.IsFixedOutput(),
		System:      drv.Platform,
		Builder:     drv.Builder,
		Args:        drv.Args,
		Env:         drv.Env,

		InputSources: collectStringSlice(drv.InputSources.Values()),
		InputDerivations: maps.Collect(func(yield func(string, []string) bool) {
			for inputPath, outputs := range drv.InputDerivations {
				if !yield(string(inputPath), collectStringSlice(outputs.Values())) {
					return
				}
			}
		}),
		Outputs: maps.Collect(func(yield func(string, jsonDerivationOutput) bool) {
			for id, out := range drv.Outputs {
				j := jsonDerivationOutput{
					Path:     string(out.Path),
					HashAlgo: out.HashAlgo,
					Hash:     out.Hash,
				}
				if !yield(id, j) {
					return
				}
			}
		}),
	}

	data, err := jsonv2.Marshal(j, jsonv2.Deterministic(true))
	if err != nil {
		return nil, fmt.Errorf("marshal derivation %s: %v", drvPath, err)
	}
	return data, nil
}

func collectStringSlice[S ~string](seq iter.Seq[S]) []string {
	slice := []string{}
	for s := range seq {
		slice = append(slice, string(s))
	}
	return slice
}

type derivationHashOptions struct {
	paths []string
	jobs  int
}

func newDerivationHashCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:   "hash [options] PATH [...]",
		Short: "compute the hash of derivations modulo fixed-output derivations",
		Long: "Compute the hash of derivations modulo fixed-output derivations.\n\n" +
			"Arguments in the store directory are read from the local store. " +
			"Any other argument is read as a derivation file " +
			"whose inputs must be in the local store.",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(derivationHashOptions)
	c.Flags().IntVarP(&opts.jobs, "jobs", "j", 4, "number of derivations to hash in parallel")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.paths = args
		return runDerivationHash(cmd.Context(), g, opts)
	}
	return c
}

func runDerivationHash(ctx context.Context, g *globalConfig, opts *derivationHashOptions) error {
	if opts.jobs < 1 {
		return fmt.Errorf("--jobs must be positive")
	}
	s, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	// Hashes are shared through the hasher's cache,
	// so common inputs are only read once.
	hasher := derivation.NewHasher(s)
	results := make([]nix.Hash, len(opts.paths))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(opts.jobs)
	for i, arg := range opts.paths {
		if grpCtx.Err() != nil {
			break
		}
		grp.Go(func() error {
			var err error
			results[i], err = hashDerivationArg(grpCtx, g.Directory, hasher, arg)
			return err
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	for i, h := range results {
		if _, err := fmt.Printf("%s\t%v\n", opts.paths[i], h.Base16()); err != nil {
			return err
		}
	}
	return nil
}

func hashDerivationArg(ctx context.Context, dir store.Directory, hasher *derivation.Hasher, arg string) (nix.Hash, error) {
	if drvPath, sub, err := dir.ParsePath(arg); err == nil && sub == "" {
		return hasher.HashPath(ctx, drvPath)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nix.Hash{}, err
	}
	drv, err := derivation.ParseOldDerivation(data)
	if err != nil {
		return nix.Hash{}, fmt.Errorf("%s: %v", arg, err)
	}
	h, err := hasher.HashModulo(ctx, drv)
	if err != nil {
		return nix.Hash{}, fmt.Errorf("%s: %w", arg, err)
	}
	return h, nil
}
