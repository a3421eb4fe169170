package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/config"
	"github.com/kiteflow/optionsrt/internal/metrics"
	"github.com/kiteflow/optionsrt/internal/orchestrator"
	"github.com/kiteflow/optionsrt/internal/statusapi"
)

func newRunCmd() *cobra.Command {
	var pidFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading runtime and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			code := runDaemon(pidFile)
			if code != exitOK {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "tradingd.pid", "path to write the running process id, consumed by the stop subcommand")
	return cmd
}

// runDaemon implements the Orchestrator startup sequence of spec §4.12 and
// blocks supervising every loop until a shutdown signal arrives, mirroring
// the teacher's run()-returns-exit-code shape in cmd/bot/main.go.
func runDaemon(pidFile string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfigInvalid
	}

	logger := newLogger(cfg)
	logger.WithField("mode", cfg.Mode).Info("tradingd: starting")

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)

	bc, err := buildBrokerClient(cfg, reg, logger)
	if err != nil {
		logger.WithError(err).Error("tradingd: failed to build broker client")
		return exitRuntimeError
	}

	orch, err := orchestrator.New(cfg, bc, reg, logger)
	if err != nil {
		logger.WithError(err).Error("tradingd: failed to construct orchestrator")
		return exitRuntimeError
	}

	if err := writePIDFile(pidFile); err != nil {
		logger.WithError(err).Warn("tradingd: could not write pid file; stop subcommand will not find this process")
	} else {
		defer os.Remove(pidFile)
	}

	var statusSrv *statusapi.Server
	if cfg.StatusAPI.Enabled {
		statusSrv = statusapi.New(statusapi.Config{Addr: cfg.StatusAPI.Addr}, orch, promReg, logger)
		go func() {
			if err := statusSrv.ListenAndServe(context.Background()); err != nil {
				logger.WithError(err).Error("tradingd: status API server error")
			}
		}()
		logger.WithField("addr", cfg.StatusAPI.Addr).Info("tradingd: status API listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logger.WithField("signal", s.String()).Info("tradingd: shutdown signal received")
		orch.Stop()
		cancel()
	}()

	runErr := orch.Start(ctx)

	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tradingd: status API shutdown error")
		}
	}

	if runErr != nil {
		logger.WithError(runErr).Error("tradingd: runtime exited with error")
		return exitRuntimeError
	}
	logger.Info("tradingd: shutdown complete")
	return exitOK
}

// buildBrokerClient constructs the BrokerClient capability (spec §6). A
// real Kite/Zerodha HTTP client is out of this core's scope (spec §1); only
// the simulated client used for PAPER/LOG_ONLY dry-runs is built in-repo,
// wrapped identically to how a real client would be per
// internal/broker.NewCircuitBreakerClient.
func buildBrokerClient(cfg *config.Config, reg *metrics.Registry, logger *logrus.Logger) (broker.Client, error) {
	provider := cfg.Broker.Provider
	if provider == "" {
		provider = "simulated"
	}

	var inner broker.Client
	switch provider {
	case "simulated":
		inner = broker.NewSimulatedClient()
	default:
		return nil, fmt.Errorf("unsupported broker provider %q: no broker client is wired for it in this build; use %q or supply one", provider, "simulated")
	}

	var openTotal *prometheus.CounterVec
	if reg != nil {
		openTotal = reg.CircuitBreakerOpenTotal
	}
	stdLogger := newStdLogger(logger)
	return broker.NewCircuitBreakerClient(provider, inner, openTotal, stdLogger), nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
