package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/stockex/pkg/app/core/engine"
	"github.com/uhyunpark/stockex/pkg/app/core/ledger"
	"github.com/uhyunpark/stockex/pkg/app/core/order"
	"github.com/uhyunpark/stockex/pkg/app/core/orderbook"
	"github.com/uhyunpark/stockex/pkg/storage"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	store := storage.NewMemoryStore()
	accounts := ledger.NewManager(store, nil, log)
	eng, err := engine.New(context.Background(), store, accounts, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	return NewApp(eng, accounts, log)
}

func TestAppNotifiesTradesAndBooks(t *testing.T) {
	app := newTestApp(t)

	var mu sync.Mutex
	var trades []order.Trade
	var depths []orderbook.Depth
	gotTrade := make(chan struct{}, 1)
	app.OnTrade = func(tr order.Trade) {
		mu.Lock()
		trades = append(trades, tr)
		mu.Unlock()
		select {
		case gotTrade <- struct{}{}:
		default:
		}
	}
	app.OnBookChange = func(d orderbook.Depth) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.Run(ctx, 0)
		close(done)
	}()

	if _, err := app.Submit(ctx, order.Descriptor{Instrument: "AAPL", Side: order.Sell, Kind: order.Limit,
		Quantity: 2, LimitPrice: order.Price("10"), Owner: "s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Submit(ctx, order.Descriptor{Instrument: "AAPL", Side: order.Buy, Kind: order.Market,
		Quantity: 1, Owner: "b"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-gotTrade:
	case <-time.After(2 * time.Second):
		t.Fatal("no trade notification")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(trades) != 1 || trades[0].Quantity != 1 || !trades[0].Price.Equal(decimal.NewFromInt(10)) {
		t.Errorf("trades = %+v", trades)
	}
	if len(depths) == 0 || depths[0].Instrument != "AAPL" {
		t.Errorf("depths = %+v", depths)
	}

	bal, err := app.GetAccount(context.Background(), "s")
	if err != nil || !bal.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("seller account = %+v, %v", bal, err)
	}
}

func TestAppInstruments(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	for _, inst := range []string{"MSFT", "AAPL", "MSFT"} {
		if _, err := app.Submit(ctx, order.Descriptor{Instrument: inst, Side: order.Buy, Kind: order.Limit,
			Quantity: 1, LimitPrice: order.Price("1"), Owner: "b"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := app.Instruments(ctx)
	if err != nil || len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Errorf("Instruments = %v, %v", got, err)
	}
}

func TestAppWithoutLocalLedger(t *testing.T) {
	store := storage.NewMemoryStore()
	eng, err := engine.New(context.Background(), store, ledger.NewHTTPLedger("http://127.0.0.1:0", time.Second), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	app := NewApp(eng, nil, nil)
	if app.LocalLedger() {
		t.Error("LocalLedger = true")
	}
	if err := app.Deposit(context.Background(), "x", decimal.NewFromInt(1)); !errors.Is(err, ErrNoLocalLedger) {
		t.Errorf("Deposit err = %v", err)
	}
}

func TestFeederTick(t *testing.T) {
	app := newTestApp(t)
	cfg := DefaultFeederConfig()
	cfg.Seed = 42
	cfg.BatchSize = 100
	cfg.Instruments = []string{"AAPL", "MSFT"}

	f := NewFeeder(app, cfg, zaptest.NewLogger(t).Sugar())
	f.Tick(context.Background())
	f.Tick(context.Background())

	s := f.Stats()
	if s.Submitted+s.Rejected+s.Failed != 200 {
		t.Errorf("stats = %+v, want 200 submissions", s)
	}
	if s.Failed != 0 {
		t.Errorf("failed = %d", s.Failed)
	}

	for _, inst := range cfg.Instruments {
		d, err := app.Depth(context.Background(), inst)
		if err != nil {
			t.Fatal(err)
		}
		if spread, ok := d.Spread(); ok && !spread.IsPositive() {
			t.Errorf("%s book crossed: spread %s", inst, spread)
		}
	}
}

func TestGeneratorPricesWithinBand(t *testing.T) {
	g := NewOrderGenerator(FeederConfig{NumAccounts: 3, Instruments: []string{"X"}, BasePrice: decimal.NewFromInt(100), Seed: 1})
	lo, hi := decimal.NewFromInt(95), decimal.NewFromInt(105)
	for i := 0; i < 500; i++ {
		d := g.GenerateOrder()
		if _, err := d.Validate(); err != nil {
			t.Fatalf("generated invalid order %+v: %v", d, err)
		}
		for _, p := range []*decimal.Decimal{d.LimitPrice, d.StopPrice} {
			if p != nil && (p.LessThan(lo) || p.GreaterThan(hi)) {
				t.Fatalf("price %s out of band", p)
			}
		}
	}
}
