package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// Sweep fires every conditional order of the instrument whose stop
// condition holds and matches the fired orders. Running it again without a
// book mutation in between fires nothing.
func (e *Engine) Sweep(ctx context.Context, instrument string) ([]Execution, error) {
	unlock := e.locks.lock(instrument)
	defer unlock()

	t := newTurn()
	if err := e.sweep(ctx, t, instrument); err != nil {
		return nil, err
	}
	out, err := e.drain(ctx, t)
	return out, errors.Join(err, t.err())
}

// SweepAll sweeps every instrument that has resting conditional orders. A
// failing instrument does not stop the others; the errors are joined.
func (e *Engine) SweepAll(ctx context.Context) ([]Execution, error) {
	all, err := e.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	seen := make(map[string]bool)
	var instruments []string
	for _, o := range all {
		if o.Kind.Conditional() && !seen[o.Instrument] {
			seen[o.Instrument] = true
			instruments = append(instruments, o.Instrument)
		}
	}
	sort.Strings(instruments)

	var (
		out  []Execution
		errs []error
	)
	for _, inst := range instruments {
		ex, err := e.Sweep(ctx, inst)
		out = append(out, ex...)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", inst, err))
		}
	}
	return out, errors.Join(errs...)
}

// sweep converts fired conditional orders and queues them on the turn. A
// BUY stop fires once the best SELL reaches its stop price; a SELL stop
// once the best BUY falls to it. The conversion is persisted at once so a
// fired order is never seen as conditional again.
func (e *Engine) sweep(ctx context.Context, t *turn, instrument string) error {
	_, err := e.fire(ctx, t, instrument)
	return err
}

// fire is sweep returning the fired orders as they were stored before
// activation, so a rejected turn can put them back.
func (e *Engine) fire(ctx context.Context, t *turn, instrument string) ([]order.Order, error) {
	var fired []order.Order
	for _, side := range []order.Side{order.Buy, order.Sell} {
		best, ok, err := e.view.BestPrice(ctx, instrument, side.Opposite())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		resting, err := e.repo.FindByInstrumentAndSide(ctx, instrument, side)
		if err != nil {
			return nil, fmt.Errorf("load %s %s orders: %w", instrument, side, err)
		}
		for _, o := range resting {
			if t.visited[o.ID] || !o.Triggered(best) || idle(o, best) {
				continue
			}
			fired = append(fired, o)
		}
	}

	sort.SliceStable(fired, func(i, j int) bool { return fired[i].ArrivalSeq < fired[j].ArrivalSeq })
	armed := make([]order.Order, 0, len(fired))
	for _, o := range fired {
		armed = append(armed, o.Clone())
		from := o.Kind
		o.Activate()
		saved, err := e.repo.Save(ctx, o)
		if err != nil {
			return armed, fmt.Errorf("activate order %s: %w", o.ID, err)
		}
		t.visited[saved.ID] = true
		t.queue = append(t.queue, saved)
		e.log.Infow("stop_triggered", "id", saved.ID, "instrument", instrument, "side", saved.Side,
			"from", from, "to", saved.Kind, "stop", saved.StopPrice)
	}
	return armed, nil
}

// idle reports whether firing o could only put it back where it is: an
// all-or-none order whose activated form does not cross the best opposing
// price fills nothing and falls back to the same stop.
func idle(o order.Order, best decimal.Decimal) bool {
	if !o.AllOrNone {
		return false
	}
	a := o.Clone()
	a.Activate()
	return !a.Crosses(best)
}
