// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newImpurityCommand(g *globalConfig) *cobra.Command {
	return &cobra.Command{
		Use:                   "impurity COMMAND",
		Short:                 "run allow-listed impure commands for builders",
		DisableFlagsInUseLine: true,
		Hidden:                true,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("impurity broker not supported on %s", runtime.GOOS)
		},
	}
}
