// Command tradingd is the entry point for the options trading runtime
// (spec §6 CLI surface). It follows the teacher's cmd/bot/main.go shape —
// load config, wire components, handle SIGINT/SIGTERM — but exposes it as
// cobra subcommands (run, auth, status, signals, positions, stop) instead
// of the teacher's single flag.StringVar-configured binary, since the
// spec's CLI surface needs more than one verb.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per spec §6.
const (
	exitOK            = 0
	exitRuntimeError  = 1
	exitAuthRequired  = 2
	exitConfigInvalid = 3
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "tradingd",
		Short: "Options trading runtime for the Indian equity and derivatives market",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newAuthCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSignalsCmd())
	root.AddCommand(newPositionsCmd())
	root.AddCommand(newStopCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}
