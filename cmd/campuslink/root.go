// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the CampusLink CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campuslink",
		Short: "CampusLink - realtime relay for the campus social network",
		Long: `CampusLink relays chat messages, posts and notifications to connected
clients over websockets, with room based fan-out and optional Redis
backplane for running several relay instances.`,
		SilenceUsage: true,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewRelayCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewNotifyCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
