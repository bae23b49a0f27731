// Package cmd provides the CLI commands for keywarden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keywarden/keywarden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "keywarden",
	Short: "Keywarden - delegated session-key authorization",
	Long: `Keywarden is an authorization engine for delegated session keys.

An account grants a session key to an agent with a per-transaction
spending cap, a rolling daily budget, a target allow-list, an expiry,
and an optional grant condition. Every action the agent attempts is
checked against the grant before it executes, and usage is metered
against the daily budget.

Quick start:
  1. Create a config file: keywarden.yaml
  2. Run: keywarden serve

Configuration:
  Config is loaded from keywarden.yaml in the current directory,
  $HOME/.keywarden/, or /etc/keywarden/.

  Environment variables can override config values with the KEYWARDEN_
  prefix. Example: KEYWARDEN_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the authorization server
  keys        Manage session keys (import)
  hash-key    Generate an admin key hash for the config file
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./keywarden.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
