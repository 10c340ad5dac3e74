// Package engine matches orders for an exchange. It reads books through an
// orderbook.View, persists every mutation to a Repository before settling
// cash through a Ledger, and fires conditional orders whose stop condition
// is met.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
	"github.com/uhyunpark/stockex/pkg/app/core/orderbook"
	"github.com/uhyunpark/stockex/pkg/util"
)

// Repository is the order store the engine matches against. Save assigns an
// id on first save and returns the stored copy. List methods return orders
// in arrival order. Delete of an unknown id is not an error.
type Repository interface {
	Save(ctx context.Context, o order.Order) (order.Order, error)
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (order.Order, error)
	FindAll(ctx context.Context) ([]order.Order, error)
	FindByInstrumentAndSide(ctx context.Context, instrument string, side order.Side) ([]order.Order, error)
	FindByOwner(ctx context.Context, owner string) ([]order.Order, error)
}

// Ledger applies signed deltas to a user's available funds.
type Ledger interface {
	AdjustBalance(ctx context.Context, owner string, amount decimal.Decimal) error
}

// Engine is safe for concurrent use. OnTrade and OnBookChange must be set
// before the first call and are invoked while the instrument is locked, so
// they must not call back into the engine.
type Engine struct {
	repo   Repository
	ledger Ledger
	view   *orderbook.View
	locks  *instrumentLocks
	seq    *util.Sequencer
	clock  util.Clock
	log    *zap.SugaredLogger

	OnTrade      func(order.Trade)
	OnBookChange func(instrument string)
}

// New builds an engine over repo and ledger. The arrival sequencer resumes
// after the highest ArrivalSeq already stored so restarts keep time
// priority.
func New(ctx context.Context, repo Repository, ledger Ledger, clock util.Clock, log *zap.SugaredLogger) (*Engine, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	existing, err := repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	var last uint64
	for _, o := range existing {
		if o.ArrivalSeq > last {
			last = o.ArrivalSeq
		}
	}

	return &Engine{
		repo:   repo,
		ledger: ledger,
		view:   orderbook.NewView(repo),
		locks:  newInstrumentLocks(),
		seq:    util.NewSequencer(last),
		clock:  clock,
		log:    log,
	}, nil
}

// Execution is what happened to one order during a turn.
type Execution struct {
	Order  order.Order  `json:"order"`
	Fills  []order.Fill `json:"fills"`
	Status order.Status `json:"status"`
}

// Filled returns the quantity matched during the turn.
func (x Execution) Filled() int64 {
	var n int64
	for _, f := range x.Fills {
		n += f.Quantity
	}
	return n
}

// Notional returns Σ price × quantity over the fills.
func (x Execution) Notional() decimal.Decimal {
	total := decimal.Zero
	for _, f := range x.Fills {
		total = total.Add(f.Value())
	}
	return total
}

// Result reports a Submit turn: the submitted order and every conditional
// order that fired and was matched during the same turn.
type Result struct {
	Execution
	Triggered []Execution
}

// GetOrder returns one stored order.
func (e *Engine) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return e.repo.FindByID(ctx, id)
}

func (e *Engine) ListOrders(ctx context.Context) ([]order.Order, error) {
	return e.repo.FindAll(ctx)
}

func (e *Engine) OrdersForOwner(ctx context.Context, owner string) ([]order.Order, error) {
	return e.repo.FindByOwner(ctx, owner)
}

// OrdersOn returns the priority-sorted book for one side.
func (e *Engine) OrdersOn(ctx context.Context, instrument string, side order.Side) ([]order.Order, error) {
	return e.view.OrdersOn(ctx, instrument, side)
}

func (e *Engine) Depth(ctx context.Context, instrument string) (orderbook.Depth, error) {
	return e.view.Depth(ctx, instrument)
}

// Cancel removes a stored order and re-checks the instrument's stop
// orders, since removing liquidity can move the best price.
func (e *Engine) Cancel(ctx context.Context, id string) (order.Order, []Execution, error) {
	o, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return order.Order{}, nil, err
	}

	unlock := e.locks.lock(o.Instrument)
	defer unlock()

	// Re-read under the lock; a match may have filled it meanwhile.
	o, err = e.repo.FindByID(ctx, id)
	if err != nil {
		return order.Order{}, nil, err
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return order.Order{}, nil, fmt.Errorf("delete order %s: %w", id, err)
	}
	e.log.Infow("order_canceled", "id", id, "instrument", o.Instrument, "owner", o.Owner, "remaining", o.Quantity)
	e.bookChanged(o.Instrument)

	t := newTurn()
	if err := e.sweep(ctx, t, o.Instrument); err != nil {
		return o, nil, err
	}
	triggered, err := e.drain(ctx, t)
	return o, triggered, errors.Join(err, t.err())
}

func (e *Engine) bookChanged(instrument string) {
	if e.OnBookChange != nil {
		e.OnBookChange(instrument)
	}
}
