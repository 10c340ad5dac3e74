package orderbook

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// Source is the read side of the order repository the view is built from.
// Orders come back in arrival order.
type Source interface {
	FindByInstrumentAndSide(ctx context.Context, instrument string, side order.Side) ([]order.Order, error)
}

type PriceLevel struct {
	Price decimal.Decimal
	Qty   int64 // total qty at this price level
	Count int   // resting orders at this price level
}

// View derives price-time ordered books from the repository on every call.
// Nothing is cached: the matching path mutates the repository between
// calls and a stale book would match against quantity that is gone.
type View struct {
	src Source
}

func NewView(src Source) *View {
	return &View{src: src}
}

// OrdersOn returns the matchable orders on one side of an instrument, best
// first. BUY is sorted by limit price descending, SELL ascending, and equal
// prices keep arrival order. Conditional orders and MARKET residuals carry no
// price and are not part of the book.
func (v *View) OrdersOn(ctx context.Context, instrument string, side order.Side) ([]order.Order, error) {
	all, err := v.src.FindByInstrumentAndSide(ctx, instrument, side)
	if err != nil {
		return nil, fmt.Errorf("load %s %s orders: %w", instrument, side, err)
	}

	book := make([]order.Order, 0, len(all))
	for _, o := range all {
		if o.Quantity > 0 && o.Priced() {
			book = append(book, o)
		}
	}

	sort.SliceStable(book, func(i, j int) bool {
		return better(side, book[i], book[j])
	})
	return book, nil
}

// better reports whether a has priority over b on the given side.
func better(side order.Side, a, b order.Order) bool {
	if c := a.LimitPrice.Cmp(*b.LimitPrice); c != 0 {
		if side == order.Buy {
			return c > 0
		}
		return c < 0
	}
	return a.ArrivalSeq < b.ArrivalSeq
}

// BestPrice returns the head price of one side. ok is false when the side
// has no liquidity.
func (v *View) BestPrice(ctx context.Context, instrument string, side order.Side) (price decimal.Decimal, ok bool, err error) {
	book, err := v.OrdersOn(ctx, instrument, side)
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(book) == 0 {
		return decimal.Zero, false, nil
	}
	return *book[0].LimitPrice, true, nil
}

// Levels aggregates one side into price levels, best first.
func (v *View) Levels(ctx context.Context, instrument string, side order.Side) ([]PriceLevel, error) {
	book, err := v.OrdersOn(ctx, instrument, side)
	if err != nil {
		return nil, err
	}

	var levels []PriceLevel
	for _, o := range book {
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(*o.LimitPrice) {
			levels[n-1].Qty += o.Quantity
			levels[n-1].Count++
			continue
		}
		levels = append(levels, PriceLevel{Price: *o.LimitPrice, Qty: o.Quantity, Count: 1})
	}
	return levels, nil
}

// Depth is both sides of an instrument's book.
type Depth struct {
	Instrument string
	Bids       []PriceLevel // high to low
	Asks       []PriceLevel // low to high
}

func (v *View) Depth(ctx context.Context, instrument string) (Depth, error) {
	bids, err := v.Levels(ctx, instrument, order.Buy)
	if err != nil {
		return Depth{}, err
	}
	asks, err := v.Levels(ctx, instrument, order.Sell)
	if err != nil {
		return Depth{}, err
	}
	return Depth{Instrument: instrument, Bids: bids, Asks: asks}, nil
}

// Spread returns best ask minus best bid; ok is false for a one-sided book.
func (d Depth) Spread() (decimal.Decimal, bool) {
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return decimal.Zero, false
	}
	return d.Asks[0].Price.Sub(d.Bids[0].Price), true
}
