package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// StopSlippage is applied to the stop price when valuing STOP and
// STOP_LIMIT orders, whose execution price is unknown until they fire.
var StopSlippage = decimal.RequireFromString("1.02")

// Estimate values an order against the current book without placing it.
// MARKET walks the opposing book until filled or out of liquidity and
// values any unfilled remainder at zero. LIMIT walks only crossing prices
// and values the remainder at its own limit.
func (e *Engine) Estimate(ctx context.Context, d order.Descriptor) (decimal.Decimal, error) {
	o, err := d.Validate()
	if err != nil {
		return decimal.Zero, err
	}

	switch o.Kind {
	case order.Stop, order.StopLimit:
		return o.StopPrice.Mul(decimal.NewFromInt(o.Quantity)).Mul(StopSlippage), nil
	case order.Market, order.Limit:
	default:
		return decimal.Zero, fmt.Errorf("%w: kind %d", order.ErrInvalidOrder, o.Kind)
	}

	unlock := e.locks.lock(o.Instrument)
	book, err := e.view.OrdersOn(ctx, o.Instrument, o.Side.Opposite())
	unlock()
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	remaining := o.Quantity
	for _, maker := range book {
		if remaining == 0 || !o.Crosses(*maker.LimitPrice) {
			break
		}
		qty := min(remaining, maker.Quantity)
		total = total.Add(maker.LimitPrice.Mul(decimal.NewFromInt(qty)))
		remaining -= qty
	}
	if o.Kind == order.Limit && remaining > 0 {
		total = total.Add(o.LimitPrice.Mul(decimal.NewFromInt(remaining)))
	}
	return total, nil
}
