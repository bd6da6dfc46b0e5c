// Package cmd provides the CLI commands for mcpmux.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpmux/mcpmux/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpmux",
	Short: "mcpmux - an aggregating proxy for the Model Context Protocol",
	Long: `mcpmux presents itself to a single MCP client as one MCP server,
while spawning and multiplexing any number of upstream MCP servers as child
processes. It namespaces each upstream's tools, prompts, and resources and
forwards calls to the owning upstream.

Quick start:
  1. Create a config file: mcpmux.yaml
  2. Run: mcpmux run

Configuration:
  Config is loaded from mcpmux.yaml in the current directory, $HOME/.mcpmux/,
  or /etc/mcpmux/.

  Environment variables can override config values with the MCPMUX_ prefix.
  Example: MCPMUX_SERVER_LOG_LEVEL=DEBUG`,
}

// exitCodeError lets runRun request a specific process exit code (spec.md
// §6: 1 configuration error, 2 runtime fatal error) without calling
// os.Exit directly, so deferred cleanup still runs first.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func configError(err error) error  { return &exitCodeError{code: 1, err: err} }
func runtimeFatal(err error) error { return &exitCodeError{code: 2, err: err} }

// Execute runs the root command. Exit codes follow spec.md §6.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpmux.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
