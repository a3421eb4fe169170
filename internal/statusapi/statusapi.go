// Package statusapi serves the read-only JSON introspection endpoint the CLI
// surface of spec §6/§7 talks to (`status`, `signals`, `positions`): per-loop
// health (last successful iteration), pending-signal counts, open positions,
// and any positions flagged with warning_flag. It carries no HTML/UI — the
// spec's Non-goal excludes dashboards, not a machine-readable status
// surface — so it is a much smaller generalization of the teacher's
// internal/dashboard/server.go: same chi.Mux-plus-middleware-stack shape,
// JSON-only responses instead of the teacher's html/template dashboard.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/positionmonitor"
	"github.com/kiteflow/optionsrt/internal/runner"
	"github.com/kiteflow/optionsrt/internal/store"
)

// Orchestrator is the narrow surface statusapi needs from
// internal/orchestrator.Orchestrator, kept as an interface so tests can
// supply a fake without constructing a full component graph.
type Orchestrator interface {
	Store() store.Store
	Clock() *clock.Clock
	Runners() []*runner.Runner
	PositionMonitor() *positionmonitor.Monitor
}

// Config configures Server.
type Config struct {
	Addr string
}

// Server is the statusapi component. It owns its own *http.Server and chi
// router, started/stopped explicitly by the caller (cmd/tradingd's `run`
// command), not by Orchestrator itself — the status surface is allowed to
// keep serving stale-but-readable data for a moment during shutdown.
type Server struct {
	router *chi.Mux
	http   *http.Server
	orch   Orchestrator
	logger *logrus.Logger
}

// New constructs a Server wired to orch. gatherer may be nil, in which case
// the /metrics endpoint is omitted; cmd/tradingd passes the same
// *prometheus.Registry it handed to orchestrator.New, since that concrete
// type satisfies both prometheus.Registerer and prometheus.Gatherer.
func New(cfg Config, orch Orchestrator, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{router: chi.NewRouter(), orch: orch, logger: logger}
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.setupRoutes(gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/signals", s.handleSignals)
	s.router.Get("/positions", s.handlePositions)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// ListenAndServe blocks, serving until ctx is cancelled or Shutdown is
// called directly.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// LoopHealth reports one supervised loop's last-iteration time, per spec §7
// ("CLI status reports per-loop health").
type LoopHealth struct {
	Name          string    `json:"name"`
	LastIteration time.Time `json:"last_iteration"`
	StaleFor      string    `json:"stale_for,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Now             time.Time    `json:"now"`
	MarketOpen      bool         `json:"market_open"`
	Loops           []LoopHealth `json:"loops"`
	PendingSignals  int          `json:"pending_signals"`
	OpenPositions   int          `json:"open_positions"`
	WarningFlagged  int          `json:"warning_flagged_positions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ck := s.orch.Clock()
	now := ck.Now()

	var loops []LoopHealth
	for _, rn := range s.orch.Runners() {
		last := rn.LastIteration()
		loops = append(loops, LoopHealth{Name: "runner/" + rn.AssetClass(), LastIteration: last, StaleFor: staleFor(now, last)})
	}
	if pm := s.orch.PositionMonitor(); pm != nil {
		last := pm.LastIteration()
		loops = append(loops, LoopHealth{Name: "positionmonitor", LastIteration: last, StaleFor: staleFor(now, last)})
	}

	sessionStart := ck.SessionStart(now)
	signals, err := s.orch.Store().RecentSignals(ctx, sessionStart, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending := 0
	for _, sig := range signals {
		if sig.Status == models.SignalNew || sig.Status == models.SignalProcessing {
			pending++
		}
	}

	open, err := s.orch.Store().OpenPositions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	warning := 0
	for _, p := range open {
		if p.WarningFlag {
			warning++
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Now: now, MarketOpen: ck.IsMarketOpen(now), Loops: loops,
		PendingSignals: pending, OpenPositions: len(open), WarningFlagged: warning,
	})
}

func staleFor(now, last time.Time) string {
	if last.IsZero() {
		return "never run"
	}
	return now.Sub(last).Round(time.Second).String()
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ck := s.orch.Clock()
	since := ck.SessionStart(ck.Now())
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	limit := 50
	signals, err := s.orch.Store().RecentSignals(ctx, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.URL.Query().Get("all") == "true" {
		since := s.orch.Clock().SessionStart(s.orch.Clock().Now())
		positions, err := s.orch.Store().RecentPositions(ctx, since, 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, positions)
		return
	}
	positions, err := s.orch.Store().OpenPositions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
