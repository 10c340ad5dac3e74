package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockex/pkg/app/core/engine"
	"github.com/uhyunpark/stockex/pkg/app/core/order"
	"github.com/uhyunpark/stockex/pkg/app/core/orderbook"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// ExecutionInfo is what happened to one order in a submit, cancel or sweep.
type ExecutionInfo struct {
	Order    order.Order     `json:"order"`
	Status   string          `json:"status"` // "resting", "partially_filled", "filled", "rejected"
	Filled   int64           `json:"filled"`
	Notional decimal.Decimal `json:"notional"`
	Fills    []order.Fill    `json:"fills"`
}

func toExecutionInfo(x engine.Execution) ExecutionInfo {
	fills := x.Fills
	if fills == nil {
		fills = []order.Fill{}
	}
	return ExecutionInfo{
		Order:    x.Order,
		Status:   x.Status.String(),
		Filled:   x.Filled(),
		Notional: x.Notional(),
		Fills:    fills,
	}
}

func toExecutionInfos(xs []engine.Execution) []ExecutionInfo {
	out := make([]ExecutionInfo, len(xs))
	for i, x := range xs {
		out[i] = toExecutionInfo(x)
	}
	return out
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	ExecutionInfo
	Triggered []ExecutionInfo     `json:"triggered"`
	Message   string              `json:"message,omitempty"`
	Unsettled []engine.Adjustment `json:"unsettled,omitempty"` // ledger deltas that failed
}

type CancelOrderResponse struct {
	Canceled  order.Order     `json:"canceled"`
	Triggered []ExecutionInfo `json:"triggered"`
}

type EstimateResponse struct {
	Estimate decimal.Decimal `json:"estimate"`
}

type SweepResponse struct {
	Instrument string          `json:"instrument"`
	Triggered  []ExecutionInfo `json:"triggered"`
}

// PriceLevel is one aggregated price of a book side
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   int64           `json:"size"`
	Orders int             `json:"orders"`
}

// BookSnapshot represents current orderbook state
type BookSnapshot struct {
	Instrument string           `json:"instrument"`
	Bids       []PriceLevel     `json:"bids"` // Sorted high to low
	Asks       []PriceLevel     `json:"asks"` // Sorted low to high
	Spread     *decimal.Decimal `json:"spread,omitempty"`
	Timestamp  int64            `json:"timestamp"` // Unix milliseconds
}

func toLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Size: l.Qty, Orders: l.Count}
	}
	return out
}

func toBookSnapshot(d orderbook.Depth, now time.Time) BookSnapshot {
	snap := BookSnapshot{
		Instrument: d.Instrument,
		Bids:       toLevels(d.Bids),
		Asks:       toLevels(d.Asks),
		Timestamp:  now.UnixMilli(),
	}
	if spread, ok := d.Spread(); ok {
		snap.Spread = &spread
	}
	return snap
}

type HealthResponse struct {
	Status        string `json:"status"`
	LocalLedger   bool   `json:"localLedger"`
	DroppedTrades uint64 `json:"droppedTrades"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// AmountRequest is the body of deposit and withdraw requests.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:AAPL", "book:AAPL"]
}

// WSAck answers a subscription request.
type WSAck struct {
	Type     string   `json:"type"` // "subscribed", "unsubscribed" or "error"
	Channels []string `json:"channels,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// TradeUpdate is broadcast on trades:{instrument} when a trade executes
type TradeUpdate struct {
	Type         string          `json:"type"` // "trade"
	Instrument   string          `json:"instrument"`
	Price        decimal.Decimal `json:"price"`
	Size         int64           `json:"size"`
	Side         string          `json:"side"` // taker side
	TakerOrderID string          `json:"takerOrderId"`
	MakerOrderID string          `json:"makerOrderId"`
	Timestamp    int64           `json:"timestamp"`
}

// BookUpdate is broadcast on book:{instrument} after the book changes
type BookUpdate struct {
	Type string `json:"type"` // "book"
	BookSnapshot
}
