package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Send a graceful shutdown signal to a running tradingd started with `run`",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runStop(pidFile))
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "tradingd.pid", "path the running process's pid was written to by `run`")
	return cmd
}

// runStop reads the pid file `run` wrote and delivers SIGTERM, the same
// signal run's own signal.Notify handler treats as a graceful-shutdown
// request (spec §4.12) — there is no separate IPC channel, since the
// Orchestrator's shutdown path is already driven entirely by context
// cancellation triggered from a signal handler.
func runStop(pidFile string) int {
	raw, err := os.ReadFile(pidFile) // #nosec G304 -- pidFile is an operator-provided path
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read pid file %q: %v (is tradingd running?)\n", pidFile, err)
		return exitRuntimeError
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pid file %q did not contain a valid pid: %v\n", pidFile, err)
		return exitRuntimeError
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not find process %d: %v\n", pid, err)
		return exitRuntimeError
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "could not signal process %d: %v\n", pid, err)
		return exitRuntimeError
	}

	fmt.Printf("sent SIGTERM to tradingd (pid %d)\n", pid)
	return exitOK
}
