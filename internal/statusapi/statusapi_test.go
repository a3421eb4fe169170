package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/positionmonitor"
	"github.com/kiteflow/optionsrt/internal/runner"
	"github.com/kiteflow/optionsrt/internal/store"
)

// fakeOrchestrator implements the Orchestrator interface against a real
// JSONStore and Clock, with no supervised loops — enough to exercise every
// statusapi route without constructing the full component graph.
type fakeOrchestrator struct {
	st store.Store
	ck *clock.Clock
}

func (f *fakeOrchestrator) Store() store.Store                         { return f.st }
func (f *fakeOrchestrator) Clock() *clock.Clock                        { return f.ck }
func (f *fakeOrchestrator) Runners() []*runner.Runner                  { return nil }
func (f *fakeOrchestrator) PositionMonitor() *positionmonitor.Monitor  { return nil }

func newTestServer(t *testing.T) (*Server, *fakeOrchestrator) {
	t.Helper()
	st, err := store.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	ck := clock.New(nil)
	orch := &fakeOrchestrator{st: st, ck: ck}
	return New(Config{Addr: ":0"}, orch, nil, nil), orch
}

func TestStatusAPI_Health(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusAPI_StatusReportsPendingAndOpenCounts(t *testing.T) {
	s, orch := newTestServer(t)
	ctx := context.Background()
	now := orch.ck.Now()

	sig := models.Signal{
		SignalID: "sig_1", CreatedAt: now, Symbol: "NIFTY", AssetClass: "index",
		Strategy: "momentum", Action: models.ActionBuy, UnderlyingPrice: 100,
		TargetPrice: 110, StopLossPrice: 90, Confidence: 0.5, Timeframe: clock.TF5Min,
		BucketStart: now, Status: models.SignalNew,
	}
	require.NoError(t, orch.st.InsertSignal(ctx, sig))

	pos := models.Position{
		PositionID: "pos_1", SignalID: "sig_1", Mode: models.ModePaper,
		OptionSymbol: "NIFTYCE", Underlying: "NIFTY", Strike: 100, OptionType: models.OptionCall,
		Expiry: now.AddDate(0, 0, 7), EntryTS: now, EntryPremium: 10, Quantity: 50, LotSize: 50,
		StopLossPremium: 7, TargetPremium: 15, Status: models.PositionOpen, UpdatedAt: now,
		WarningFlag: true,
	}
	require.NoError(t, orch.st.InsertPosition(ctx, pos))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.PendingSignals)
	require.Equal(t, 1, resp.OpenPositions)
	require.Equal(t, 1, resp.WarningFlagged)
}

func TestStatusAPI_SignalsAndPositionsEndpoints(t *testing.T) {
	s, orch := newTestServer(t)
	ctx := context.Background()
	now := orch.ck.Now()

	sig := models.Signal{
		SignalID: "sig_2", CreatedAt: now, Symbol: "BANKNIFTY", AssetClass: "index",
		Strategy: "momentum", Action: models.ActionSell, UnderlyingPrice: 100,
		TargetPrice: 90, StopLossPrice: 110, Confidence: 0.5, Timeframe: clock.TF5Min,
		BucketStart: now, Status: models.SignalExecuted,
	}
	require.NoError(t, orch.st.InsertSignal(ctx, sig))

	req := httptest.NewRequest(http.MethodGet, "/signals", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var signals []models.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signals))
	require.Len(t, signals, 1)

	req = httptest.NewRequest(http.MethodGet, "/positions", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 0) // no open positions inserted in this test
}

func TestStatusAPI_ListenAndServeRespectsShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after context cancellation")
	}
}
