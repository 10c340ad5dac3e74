package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// turn is the state of one locked pass over an instrument: the orders that
// fired and still have to be matched, the ids that already fired (an order
// fires at most once per turn), and ledger failures to report at the end.
type turn struct {
	queue   []order.Order
	visited map[string]bool
	failed  []FailedAdjustment
}

func newTurn() *turn {
	return &turn{visited: make(map[string]bool)}
}

func (t *turn) err() error {
	if len(t.failed) == 0 {
		return nil
	}
	return &SettlementError{Failed: t.failed}
}

// Submit validates and places an order, matching it against the opposing
// book and then matching every conditional order that fires as a result.
//
// A non-nil Result is returned with ErrRejected when an all-or-none order
// was refused, and with a *SettlementError when the book changed but the
// ledger could not be updated. Validation failures return a nil Result.
func (e *Engine) Submit(ctx context.Context, d order.Descriptor) (*Result, error) {
	o, err := d.Validate()
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(o.Instrument)
	defer unlock()

	o.ArrivalSeq = e.seq.Next()
	o.CreatedAt = e.clock.Now().UTC()

	t := newTurn()
	ex, err := e.process(ctx, t, o)
	res := &Result{Execution: ex}
	rejected := errors.Is(err, order.ErrRejected)
	if err != nil && !rejected {
		return res, errors.Join(err, t.err())
	}

	triggered, drainErr := e.drain(ctx, t)
	res.Triggered = triggered
	if rejected {
		return res, errors.Join(err, drainErr, t.err())
	}
	return res, errors.Join(drainErr, t.err())
}

// process runs one order through the engine while the instrument lock is
// held. Conditional orders rest; MARKET and LIMIT orders match.
func (e *Engine) process(ctx context.Context, t *turn, o order.Order) (Execution, error) {
	switch o.Kind {
	case order.Stop, order.StopLimit:
		saved, err := e.repo.Save(ctx, o)
		if err != nil {
			return Execution{Order: o}, fmt.Errorf("save order: %w", err)
		}
		e.log.Infow("order_resting", "id", saved.ID, "instrument", saved.Instrument, "side", saved.Side,
			"kind", saved.Kind, "qty", saved.Quantity, "stop", saved.StopPrice)
		if err := e.sweep(ctx, t, saved.Instrument); err != nil {
			return Execution{Order: saved, Status: order.StatusResting}, err
		}
		return Execution{Order: saved, Status: order.StatusResting}, nil
	case order.Market, order.Limit:
		return e.match(ctx, t, o)
	default:
		return Execution{Order: o}, fmt.Errorf("%w: kind %d", order.ErrInvalidOrder, o.Kind)
	}
}

func (e *Engine) match(ctx context.Context, t *turn, o order.Order) (Execution, error) {
	taker, err := e.repo.Save(ctx, o)
	if err != nil {
		return Execution{Order: o}, fmt.Errorf("save order: %w", err)
	}
	e.log.Infow("order_submitted", "id", taker.ID, "instrument", taker.Instrument, "side", taker.Side,
		"kind", taker.Kind, "qty", taker.Quantity, "limit", taker.LimitPrice, "seq", taker.ArrivalSeq)
	e.bookChanged(taker.Instrument)

	armed, err := e.fire(ctx, t, taker.Instrument)
	if err != nil {
		return Execution{Order: taker}, err
	}

	book, err := e.view.OrdersOn(ctx, taker.Instrument, taker.Side.Opposite())
	if err != nil {
		return Execution{Order: taker}, err
	}

	placed := taker.Quantity
	var (
		fills  []order.Fill
		makers []order.Order
	)
	for _, maker := range book {
		if taker.Quantity == 0 || !taker.Crosses(*maker.LimitPrice) {
			break
		}
		qty := min(taker.Quantity, maker.Quantity)
		taker.Quantity -= qty
		maker.Quantity -= qty
		fills = append(fills, order.Fill{
			OrderID:  maker.ID,
			Owner:    maker.Owner,
			Quantity: qty,
			Price:    *maker.LimitPrice,
		})
		makers = append(makers, maker)
	}

	if taker.AllOrNone && taker.Quantity > 0 {
		if taker.StopPrice == nil {
			return e.reject(ctx, t, taker, placed, armed)
		}
		// Fall back to a stop order for the remainder; the fills so far stand.
		switch taker.Kind {
		case order.Limit:
			taker.Kind = order.StopLimit
		case order.Market:
			taker.Kind = order.Stop
		case order.Stop, order.StopLimit:
		}
		e.log.Infow("order_converted", "id", taker.ID, "kind", taker.Kind, "remaining", taker.Quantity, "stop", taker.StopPrice)
	}

	for _, maker := range makers {
		if maker.Quantity == 0 {
			err = e.repo.Delete(ctx, maker.ID)
		} else {
			_, err = e.repo.Save(ctx, maker)
		}
		if err != nil {
			return Execution{Order: taker, Fills: fills}, fmt.Errorf("write back order %s: %w", maker.ID, err)
		}
	}
	if taker.Quantity == 0 {
		err = e.repo.Delete(ctx, taker.ID)
	} else {
		taker, err = e.repo.Save(ctx, taker)
	}
	if err != nil {
		return Execution{Order: taker, Fills: fills}, fmt.Errorf("write back order %s: %w", taker.ID, err)
	}

	ex := Execution{Order: taker, Fills: fills, Status: statusOf(taker, fills)}
	if len(fills) > 0 {
		e.log.Infow("order_matched", "id", taker.ID, "instrument", taker.Instrument, "fills", len(fills),
			"filled", ex.Filled(), "notional", ex.Notional().String(), "remaining", taker.Quantity, "status", ex.Status)
		e.publish(taker, fills)
		e.settle(ctx, t, taker, fills)
		e.bookChanged(taker.Instrument)
	}

	if err := e.sweep(ctx, t, taker.Instrument); err != nil {
		return ex, err
	}
	return ex, nil
}

// reject drops an all-or-none order that cannot fill. Nothing is written
// back and nothing is settled, and the conditional orders its placement
// fired are stored again as they were, so the book is left unchanged.
func (e *Engine) reject(ctx context.Context, t *turn, taker order.Order, placed int64, armed []order.Order) (Execution, error) {
	if err := e.repo.Delete(ctx, taker.ID); err != nil {
		return Execution{Order: taker}, fmt.Errorf("delete rejected order %s: %w", taker.ID, err)
	}
	restored := make(map[string]bool, len(armed))
	for _, o := range armed {
		if _, err := e.repo.Save(ctx, o); err != nil {
			return Execution{Order: taker}, fmt.Errorf("restore order %s: %w", o.ID, err)
		}
		restored[o.ID] = true
		delete(t.visited, o.ID)
		e.log.Infow("stop_restored", "id", o.ID, "instrument", o.Instrument, "kind", o.Kind, "rejected", taker.ID)
	}
	t.queue = slices.DeleteFunc(t.queue, func(q order.Order) bool { return restored[q.ID] })
	taker.Quantity = placed
	e.log.Infow("order_rejected", "id", taker.ID, "instrument", taker.Instrument, "owner", taker.Owner,
		"qty", placed, "reason", "all_or_none")
	e.bookChanged(taker.Instrument)
	return Execution{Order: taker, Status: order.StatusRejected},
		fmt.Errorf("%w: all-or-none order %s cannot fill %d", order.ErrRejected, taker.ID, placed)
}

// drain matches fired orders in the order they fired. An order may have
// been filled as a maker before its own turn, so it is re-read first.
func (e *Engine) drain(ctx context.Context, t *turn) ([]Execution, error) {
	var out []Execution
	for len(t.queue) > 0 {
		next := t.queue[0]
		t.queue = t.queue[1:]

		cur, err := e.repo.FindByID(ctx, next.ID)
		if errors.Is(err, order.ErrNotFound) {
			next.Quantity = 0
			out = append(out, Execution{Order: next, Status: order.StatusFilled})
			continue
		}
		if err != nil {
			return out, err
		}

		ex, err := e.process(ctx, t, cur)
		out = append(out, ex)
		if err != nil && !errors.Is(err, order.ErrRejected) {
			return out, err
		}
	}
	return out, nil
}

func statusOf(o order.Order, fills []order.Fill) order.Status {
	switch {
	case o.Quantity == 0:
		return order.StatusFilled
	case len(fills) > 0:
		return order.StatusPartiallyFilled
	default:
		return order.StatusResting
	}
}

func (e *Engine) publish(taker order.Order, fills []order.Fill) {
	if e.OnTrade == nil {
		return
	}
	now := e.clock.Now().UTC()
	for _, f := range fills {
		e.OnTrade(order.Trade{
			Instrument:   taker.Instrument,
			TakerOrderID: taker.ID,
			TakerOwner:   taker.Owner,
			TakerSide:    taker.Side,
			MakerOrderID: f.OrderID,
			MakerOwner:   f.Owner,
			Price:        f.Price,
			Quantity:     f.Quantity,
			Timestamp:    now,
		})
	}
}
