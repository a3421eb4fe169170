package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
)

// SimulatedClient is an in-memory Client used for PAPER mode and tests. It
// never reaches a network; quotes and chains are seeded by the caller
// (typically internal/mock fixtures) and orders fill instantly at the
// requested limit price, generalizing the teacher's sandbox-mode Tradier
// wrapper into a network-free fake.
type SimulatedClient struct {
	mu        sync.Mutex
	quotes    map[string]Quote
	chains    map[string][]models.OptionContract
	margin    float64
	orders    map[string]OrderStatus
	sessionOK bool
	positions []BrokerPosition
}

// NewSimulatedClient constructs an empty simulated broker. Seed data via
// SetQuotes/SetOptionChain before use.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		quotes:    make(map[string]Quote),
		chains:    make(map[string][]models.OptionContract),
		margin:    1_000_000,
		orders:    make(map[string]OrderStatus),
		sessionOK: true,
	}
}

// SetQuotes replaces the quote fixture table.
func (s *SimulatedClient) SetQuotes(q map[string]Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = q
}

// SetOptionChain replaces the option chain fixture for one underlying.
func (s *SimulatedClient) SetOptionChain(underlying string, chain []models.OptionContract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[underlying] = chain
}

// SetMargin overrides the available margin figure.
func (s *SimulatedClient) SetMargin(m float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.margin = m
}

// SetPositions overrides the fixture returned by Positions, used by tests
// exercising startup reconciliation against a simulated broker.
func (s *SimulatedClient) SetPositions(positions []BrokerPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
}

func (s *SimulatedClient) Quote(_ context.Context, symbols []string) (map[string]Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.quotes[sym]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

func (s *SimulatedClient) OHLC(ctx context.Context, symbols []string) (map[string]OHLC, error) {
	quotes, err := s.Quote(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(map[string]OHLC, len(quotes))
	for sym, q := range quotes {
		out[sym] = OHLC{Symbol: sym, Open: q.LTP, High: q.LTP, Low: q.LTP, Close: q.LTP, LastPrice: q.LTP, VolumeCum: q.VolumeCum}
	}
	return out, nil
}

// HistoricalData returns no candles; SimulatedClient is meant for sessions
// where Store already holds seeded history. Runners needing backfill in
// tests should seed Store directly instead.
func (s *SimulatedClient) HistoricalData(_ context.Context, _ string, _ clock.Timeframe, _, _ time.Time) ([]models.Candle, error) {
	return nil, nil
}

func (s *SimulatedClient) OptionChain(_ context.Context, underlying string) ([]models.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OptionContract(nil), s.chains[underlying]...), nil
}

func (s *SimulatedClient) PlaceOrder(_ context.Context, spec OrderSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID := fmt.Sprintf("SIM_%s", uuid.NewString())
	s.orders[orderID] = OrderStatus{
		Status:       OrderComplete,
		FillAvgPrice: spec.LimitPrice,
		FilledQty:    spec.Quantity,
	}
	return orderID, nil
}

func (s *SimulatedClient) OrderStatus(_ context.Context, orderID string) (OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("simulated broker: unknown order %q", orderID)
	}
	return st, nil
}

func (s *SimulatedClient) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.orders[orderID]; ok {
		st.Status = OrderCancelled
		s.orders[orderID] = st
	}
	return nil
}

func (s *SimulatedClient) AvailableMargin(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.margin, nil
}

func (s *SimulatedClient) Authenticate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionOK = true
	return nil
}

func (s *SimulatedClient) SessionValid(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionOK
}

func (s *SimulatedClient) Positions(_ context.Context) ([]BrokerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BrokerPosition(nil), s.positions...), nil
}

var _ Client = (*SimulatedClient)(nil)
