package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// ErrSettlement matches any *SettlementError with errors.Is.
var ErrSettlement = errors.New("settlement failed")

// Adjustment is one balance delta owed for a match.
type Adjustment struct {
	OrderID string          `json:"orderId"`
	Owner   string          `json:"owner"`
	Amount  decimal.Decimal `json:"amount"`
}

type FailedAdjustment struct {
	Adjustment
	Err error `json:"-"`
}

// SettlementError reports deltas the ledger did not apply. The book
// mutation they belong to is already committed, so each one needs to be
// retried or compensated by the operator.
type SettlementError struct {
	Failed []FailedAdjustment
}

func (e *SettlementError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		parts[i] = fmt.Sprintf("%s %s (order %s): %v", f.Owner, f.Amount, f.OrderID, f.Err)
	}
	return fmt.Sprintf("%s: %d adjustment(s): %s", ErrSettlement, len(e.Failed), strings.Join(parts, "; "))
}

func (e *SettlementError) Is(target error) bool { return target == ErrSettlement }

func (e *SettlementError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f.Err
	}
	return errs
}

// adjustments computes the deltas for a taker's fills: the buyer pays and
// the seller receives price × quantity per fill.
func adjustments(taker order.Order, fills []order.Fill) []Adjustment {
	total := decimal.Zero
	out := make([]Adjustment, 0, len(fills)+1)
	out = append(out, Adjustment{OrderID: taker.ID, Owner: taker.Owner})
	for _, f := range fills {
		v := f.Value()
		total = total.Add(v)
		if taker.Side == order.Sell {
			v = v.Neg()
		}
		out = append(out, Adjustment{OrderID: f.OrderID, Owner: f.Owner, Amount: v})
	}
	if taker.Side == order.Buy {
		total = total.Neg()
	}
	out[0].Amount = total
	return out
}

// settle applies the deltas for one match. The book is already written
// back, so a failing adjustment is recorded on the turn and the rest still
// go through.
func (e *Engine) settle(ctx context.Context, t *turn, taker order.Order, fills []order.Fill) {
	// The trade is committed; a caller going away must not stop settlement.
	ctx = context.WithoutCancel(ctx)
	for _, adj := range adjustments(taker, fills) {
		if adj.Amount.IsZero() {
			continue
		}
		if err := e.ledger.AdjustBalance(ctx, adj.Owner, adj.Amount); err != nil {
			e.log.Errorw("settlement_failed", "order", adj.OrderID, "owner", adj.Owner, "amount", adj.Amount.String(), "err", err)
			t.failed = append(t.failed, FailedAdjustment{Adjustment: adj, Err: err})
		}
	}
}
