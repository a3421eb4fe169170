// Package broker defines the narrow BrokerClient capability the core
// trading runtime depends on (spec §6) and a circuit-breaker-wrapped
// decorator generalized from the teacher's never-materialized
// NewCircuitBreakerBroker reference in cmd/bot/main.go.
package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
)

// Quote is a single symbol's current market snapshot.
type Quote struct {
	Symbol    string
	LTP       float64
	VolumeCum float64
	Bid       float64
	Ask       float64
	OI        float64
}

// OHLC is a symbol's current-day bar, used by Runners to seed ticks for
// asset classes where the vendor feed is OHLC-shaped rather than LTP-only.
type OHLC struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	LastPrice float64
	VolumeCum float64
}

// OrderSide is the direction of a broker order.
type OrderSide string

// Order sides.
const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderSpec describes an order to place.
type OrderSpec struct {
	Symbol        string
	Side          OrderSide
	Quantity      int
	LimitPrice    float64
	ClientOrderID string
}

// OrderState is the lifecycle state of a placed order (spec §6).
type OrderState string

// Order states.
const (
	OrderPending   OrderState = "PENDING"
	OrderComplete  OrderState = "COMPLETE"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
)

// OrderStatus is the result of polling an order.
type OrderStatus struct {
	Status       OrderState
	FillAvgPrice float64
	FilledQty    int
	Reason       string
}

// Client is the minimum capability the core requires from a broker
// integration (spec §6). Authentication, HTTP transport, and rate-limiting
// internals are out of scope — only this narrow surface is consumed.
type Client interface {
	Quote(ctx context.Context, symbols []string) (map[string]Quote, error)
	OHLC(ctx context.Context, symbols []string) (map[string]OHLC, error)
	HistoricalData(ctx context.Context, symbol string, tf clock.Timeframe, from, to time.Time) ([]models.Candle, error)
	OptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (orderID string, err error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	AvailableMargin(ctx context.Context) (float64, error)
	Authenticate(ctx context.Context) error
	SessionValid(ctx context.Context) bool
	// Positions returns every position the broker currently reports as open
	// for this account, used by the orchestrator's startup reconciliation.
	Positions(ctx context.Context) ([]BrokerPosition, error)
}

// BrokerPosition is one broker-reported open position, as returned by
// Client.Positions.
type BrokerPosition struct {
	TradingSymbol string
	Quantity      int
}

// NewClientOrderID derives a deterministic, collision-resistant client order
// ID: a sha256 hash of the canonical fields truncated to 8 hex characters,
// plus a crypto/rand nonce, generalizing the teacher's placeStrangleOrder
// scheme (cmd/bot/trading_cycle.go) from a fixed two-leg strangle key to an
// arbitrary field list shared by Executor and PositionMonitor.
func NewClientOrderID(prefix string, fields ...string) string {
	canonical := strings.Join(fields, "|")
	sum := sha256.Sum256([]byte(canonical))
	base := fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(sum[:])[:8])

	nonceBytes := make([]byte, 2)
	if _, err := rand.Read(nonceBytes); err != nil {
		// A uuid already draws from crypto/rand internally, so it is a safe
		// fallback source of entropy if the direct read fails.
		return base + "-" + uuid.NewString()[:4]
	}
	return base + "-" + hex.EncodeToString(nonceBytes)
}
