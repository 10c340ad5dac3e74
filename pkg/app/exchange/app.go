// Package exchange wires the matching engine to its ledger and event sinks
// and is what the API and the order feeder talk to.
package exchange

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockex/pkg/app/core/engine"
	"github.com/uhyunpark/stockex/pkg/app/core/ledger"
	"github.com/uhyunpark/stockex/pkg/app/core/order"
	"github.com/uhyunpark/stockex/pkg/app/core/orderbook"
	"github.com/uhyunpark/stockex/pkg/events"
)

// ErrNoLocalLedger is returned by account operations when settlement goes
// to a remote ledger service.
var ErrNoLocalLedger = errors.New("balances are kept by a remote ledger")

type App struct {
	engine   *engine.Engine
	accounts *ledger.Manager
	trades   *events.Dispatcher
	log      *zap.SugaredLogger

	mu    sync.Mutex
	dirty map[string]bool // instruments whose book changed since the last notification
	wake  chan struct{}

	// Set before Run. Both are called from the App's own goroutines, never
	// while an instrument is locked.
	OnTrade      func(order.Trade)
	OnBookChange func(orderbook.Depth)
}

// NewApp takes over eng's trade and book hooks. accounts may be nil when
// eng settles against a remote ledger.
func NewApp(eng *engine.Engine, accounts *ledger.Manager, log *zap.SugaredLogger, sinks ...events.Sink) *App {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &App{
		engine:   eng,
		accounts: accounts,
		log:      log,
		dirty:    make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
	sinks = append(sinks, events.SinkFunc(a.forwardTrades))
	a.trades = events.NewDispatcher(4096, log, sinks...)

	eng.OnTrade = a.trades.Publish
	eng.OnBookChange = a.markDirty
	return a
}

func (a *App) forwardTrades(_ context.Context, trades []order.Trade) error {
	if a.OnTrade == nil {
		return nil
	}
	for _, t := range trades {
		a.OnTrade(t)
	}
	return nil
}

func (a *App) markDirty(instrument string) {
	a.mu.Lock()
	a.dirty[instrument] = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *App) takeDirty() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.dirty))
	for inst := range a.dirty {
		out = append(out, inst)
	}
	clear(a.dirty)
	sort.Strings(out)
	return out
}

// Run delivers trade and book notifications and, when sweepEvery is
// positive, periodically re-checks every instrument's stop orders. It
// blocks until ctx is done.
func (a *App) Run(ctx context.Context, sweepEvery time.Duration) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.trades.Run(ctx)
	}()

	var sweep <-chan time.Time
	if sweepEvery > 0 {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			a.notifyBooks(context.Background())
			return
		case <-a.wake:
			a.notifyBooks(ctx)
		case <-sweep:
			fired, err := a.engine.SweepAll(ctx)
			if err != nil {
				a.log.Warnw("periodic_sweep_failed", "err", err)
			} else if len(fired) > 0 {
				a.log.Infow("periodic_sweep", "fired", len(fired))
			}
		}
	}
}

func (a *App) notifyBooks(ctx context.Context) {
	for _, inst := range a.takeDirty() {
		if a.OnBookChange == nil {
			continue
		}
		depth, err := a.engine.Depth(ctx, inst)
		if err != nil {
			a.log.Warnw("book_snapshot_failed", "instrument", inst, "err", err)
			continue
		}
		a.OnBookChange(depth)
	}
}

// ============================================================================
// Orders
// ============================================================================

func (a *App) Submit(ctx context.Context, d order.Descriptor) (*engine.Result, error) {
	return a.engine.Submit(ctx, d)
}

func (a *App) Cancel(ctx context.Context, id string) (order.Order, []engine.Execution, error) {
	return a.engine.Cancel(ctx, id)
}

func (a *App) Estimate(ctx context.Context, d order.Descriptor) (decimal.Decimal, error) {
	return a.engine.Estimate(ctx, d)
}

func (a *App) Sweep(ctx context.Context, instrument string) ([]engine.Execution, error) {
	return a.engine.Sweep(ctx, instrument)
}

func (a *App) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return a.engine.GetOrder(ctx, id)
}

func (a *App) ListOrders(ctx context.Context) ([]order.Order, error) {
	return a.engine.ListOrders(ctx)
}

func (a *App) OrdersForOwner(ctx context.Context, owner string) ([]order.Order, error) {
	return a.engine.OrdersForOwner(ctx, owner)
}

func (a *App) OrdersOn(ctx context.Context, instrument string, side order.Side) ([]order.Order, error) {
	return a.engine.OrdersOn(ctx, instrument, side)
}

func (a *App) Depth(ctx context.Context, instrument string) (orderbook.Depth, error) {
	return a.engine.Depth(ctx, instrument)
}

// Instruments lists every instrument with at least one stored order.
func (a *App) Instruments(ctx context.Context) ([]string, error) {
	all, err := a.engine.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, o := range all {
		if !seen[o.Instrument] {
			seen[o.Instrument] = true
			out = append(out, o.Instrument)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DroppedTrades reports trades lost because the event buffer was full.
func (a *App) DroppedTrades() uint64 { return a.trades.Dropped() }

// ============================================================================
// Balances
// ============================================================================

func (a *App) LocalLedger() bool { return a.accounts != nil }

func (a *App) AdjustBalance(ctx context.Context, owner string, amount decimal.Decimal) error {
	if a.accounts == nil {
		return ErrNoLocalLedger
	}
	return a.accounts.AdjustBalance(ctx, owner, amount)
}

func (a *App) Deposit(ctx context.Context, owner string, amount decimal.Decimal) error {
	if a.accounts == nil {
		return ErrNoLocalLedger
	}
	return a.accounts.Deposit(ctx, owner, amount)
}

func (a *App) Withdraw(ctx context.Context, owner string, amount decimal.Decimal) error {
	if a.accounts == nil {
		return ErrNoLocalLedger
	}
	return a.accounts.Withdraw(ctx, owner, amount)
}

func (a *App) GetAccount(ctx context.Context, owner string) (ledger.Account, error) {
	if a.accounts == nil {
		return ledger.Account{}, ErrNoLocalLedger
	}
	return a.accounts.GetAccount(ctx, owner)
}

func (a *App) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	if a.accounts == nil {
		return nil, ErrNoLocalLedger
	}
	return a.accounts.ListAccounts(ctx)
}
