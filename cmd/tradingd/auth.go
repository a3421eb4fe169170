package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiteflow/optionsrt/internal/config"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Validate broker authentication non-interactively and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runAuth())
			return nil
		},
	}
}

// runAuth implements the Orchestrator startup step 3 (spec §4.12) in
// isolation, so an operator can check credentials before committing to a
// full `run` that would otherwise fail fast at the same point.
func runAuth() int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfigInvalid
	}

	logger := newLogger(cfg)
	bc, err := buildBrokerClient(cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := bc.Authenticate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "authentication failed: %v\n", err)
		return exitAuthRequired
	}
	if !bc.SessionValid(ctx) {
		fmt.Fprintln(os.Stderr, "authentication reported success but session is not valid")
		return exitAuthRequired
	}

	fmt.Println("broker session valid")
	return exitOK
}
