package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kiteflow/optionsrt/internal/config"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/statusapi"
)

// statusHTTPClient is the shared http.Client for the read-only CLI
// surface talking to a running tradingd's status API (spec §6/§7); a
// running `run` process is the only thing that can answer these queries,
// so these subcommands are thin HTTP clients, not a second component
// graph.
var statusHTTPClient = &http.Client{Timeout: 5 * time.Second}

func statusAddr(cfg *config.Config) string {
	addr := cfg.StatusAPI.Addr
	if len(addr) > 0 && addr[0] == ':' {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func fetchJSON(url string, v interface{}) error {
	resp, err := statusHTTPClient.Get(url) // #nosec G107 -- url is built from operator's own config
	if err != nil {
		return fmt.Errorf("contacting status API at %s: %w (is tradingd running with status_api.enabled: true?)", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("status API returned %s: %s", resp.Status, body["error"])
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report per-loop health, pending signals, and open positions for a running tradingd",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				os.Exit(exitConfigInvalid)
			}
			var st statusapi.StatusResponse
			if err := fetchJSON(statusAddr(cfg)+"/status", &st); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitRuntimeError)
			}
			printStatus(st)
			return nil
		},
	}
}

func printStatus(st statusapi.StatusResponse) {
	fmt.Printf("now:            %s\n", st.Now.Format(time.RFC3339))
	fmt.Printf("market open:    %v\n", st.MarketOpen)
	fmt.Printf("pending signals: %d\n", st.PendingSignals)
	fmt.Printf("open positions:  %d\n", st.OpenPositions)
	if st.WarningFlagged > 0 {
		fmt.Printf("⚠ warning-flagged positions: %d\n", st.WarningFlagged)
	}
	fmt.Println("loops:")
	for _, l := range st.Loops {
		stale := l.StaleFor
		if stale == "" {
			stale = "never run"
		}
		fmt.Printf("  %-24s last=%s (%s ago)\n", l.Name, l.LastIteration.Format(time.RFC3339), stale)
	}
}

func newSignalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "List signals generated so far in the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				os.Exit(exitConfigInvalid)
			}
			var signals []models.Signal
			if err := fetchJSON(statusAddr(cfg)+"/signals", &signals); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitRuntimeError)
			}
			if len(signals) == 0 {
				fmt.Println("no signals this session")
				return nil
			}
			for _, s := range signals {
				fmt.Printf("%-36s %-8s %-10s %-6s %-10s status=%s age=%s\n",
					s.SignalID, s.Symbol, s.Strategy, s.Action, s.Timeframe, s.Status,
					humanize.Time(s.CreatedAt))
			}
			return nil
		},
	}
}

func newPositionsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List open positions (or all of the current session's with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				os.Exit(exitConfigInvalid)
			}
			url := statusAddr(cfg) + "/positions"
			if all {
				url += "?all=true"
			}
			var positions []models.Position
			if err := fetchJSON(url, &positions); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitRuntimeError)
			}
			if len(positions) == 0 {
				fmt.Println("no positions")
				return nil
			}
			for _, p := range positions {
				pnl := p.UnrealizedPnL
				if p.Status == models.PositionClosed {
					pnl = p.RealizedPnL
				}
				flag := ""
				if p.WarningFlag {
					flag = " ⚠ " + p.WarningReason
				}
				fmt.Printf("%-36s %-20s %-6s qty=%-5d entry=%-8.2f pnl=%s%s\n",
					p.PositionID, p.OptionSymbol, p.Status, p.Quantity, p.EntryPremium,
					humanize.FormatFloat("#,###.##", pnl), flag)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include closed positions from the current session")
	return cmd
}
