package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
	"github.com/uhyunpark/stockex/pkg/storage"
	"github.com/uhyunpark/stockex/pkg/util"
)

type recordingLedger struct {
	mu     sync.Mutex
	deltas map[string]decimal.Decimal
	calls  int
	fail   map[string]error
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{deltas: make(map[string]decimal.Decimal), fail: make(map[string]error)}
}

func (l *recordingLedger) AdjustBalance(_ context.Context, owner string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[owner]; err != nil {
		return err
	}
	l.calls++
	l.deltas[owner] = l.deltas[owner].Add(amount)
	return nil
}

func (l *recordingLedger) balance(owner string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deltas[owner]
}

func (l *recordingLedger) net() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := decimal.Zero
	for _, v := range l.deltas {
		sum = sum.Add(v)
	}
	return sum
}

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, *recordingLedger) {
	t.Helper()
	repo := storage.NewMemoryStore()
	led := newRecordingLedger()
	e, err := New(context.Background(), repo, led, nil, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, repo, led
}

func lim(inst string, side order.Side, qty int64, px, owner string) order.Descriptor {
	return order.Descriptor{Instrument: inst, Side: side, Kind: order.Limit, Quantity: qty, LimitPrice: order.Price(px), Owner: owner}
}

func mkt(inst string, side order.Side, qty int64, owner string) order.Descriptor {
	return order.Descriptor{Instrument: inst, Side: side, Kind: order.Market, Quantity: qty, Owner: owner}
}

func stop(inst string, side order.Side, qty int64, stopPx, owner string) order.Descriptor {
	return order.Descriptor{Instrument: inst, Side: side, Kind: order.Stop, Quantity: qty, StopPrice: order.Price(stopPx), Owner: owner}
}

func stopLimit(inst string, side order.Side, qty int64, stopPx, limitPx, owner string) order.Descriptor {
	return order.Descriptor{Instrument: inst, Side: side, Kind: order.StopLimit, Quantity: qty,
		StopPrice: order.Price(stopPx), LimitPrice: order.Price(limitPx), Owner: owner}
}

func submit(t *testing.T, e *Engine, d order.Descriptor) *Result {
	t.Helper()
	res, err := e.Submit(context.Background(), d)
	if err != nil {
		t.Fatalf("Submit(%+v): %v", d, err)
	}
	return res
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceTimePriority(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()

	at11 := submit(t, e, lim("AAPL", order.Sell, 1, "11", "s1"))
	at10 := submit(t, e, lim("AAPL", order.Sell, 1, "10", "s2"))

	res := submit(t, e, mkt("AAPL", order.Buy, 1, "b"))
	if len(res.Fills) != 1 || res.Fills[0].OrderID != at10.Order.ID || !res.Fills[0].Price.Equal(dec("10")) {
		t.Fatalf("fills = %+v, want one fill against the order at 10", res.Fills)
	}
	if res.Status != order.StatusFilled {
		t.Errorf("status = %s", res.Status)
	}
	if _, err := repo.FindByID(ctx, at10.Order.ID); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("filled maker still stored: %v", err)
	}
	if o, _ := repo.FindByID(ctx, at11.Order.ID); o.Quantity != 1 {
		t.Errorf("order at 11 touched: %+v", o)
	}

	// Equal prices: earliest arrival first.
	first := submit(t, e, lim("MSFT", order.Sell, 1, "10", "early"))
	submit(t, e, lim("MSFT", order.Sell, 1, "10", "late"))
	res = submit(t, e, mkt("MSFT", order.Buy, 1, "b"))
	if len(res.Fills) != 1 || res.Fills[0].OrderID != first.Order.ID {
		t.Errorf("tie fills = %+v, want %s", res.Fills, first.Order.ID)
	}
}

func TestLimitNeverWorseThanLimit(t *testing.T) {
	e, _, led := newTestEngine(t)

	submit(t, e, lim("AAPL", order.Sell, 5, "101", "s"))
	res := submit(t, e, lim("AAPL", order.Buy, 5, "100", "b"))
	if len(res.Fills) != 0 || res.Status != order.StatusResting {
		t.Fatalf("BUY 100 filled against SELL 101: %+v", res.Execution)
	}

	res = submit(t, e, lim("AAPL", order.Sell, 3, "99", "s2"))
	if len(res.Fills) != 1 || !res.Fills[0].Price.Equal(dec("100")) || res.Fills[0].Quantity != 3 {
		t.Fatalf("fills = %+v, want 3 @ 100 (resting price)", res.Fills)
	}
	if !led.balance("b").Equal(dec("-300")) || !led.balance("s2").Equal(dec("300")) {
		t.Errorf("balances b=%s s2=%s", led.balance("b"), led.balance("s2"))
	}

	// Inclusive crossing: equal prices trade.
	res = submit(t, e, lim("AAPL", order.Buy, 1, "101", "b2"))
	if len(res.Fills) != 1 || !res.Fills[0].Price.Equal(dec("101")) {
		t.Errorf("BUY 101 vs SELL 101 fills = %+v", res.Fills)
	}
}

func TestQuantityConservation(t *testing.T) {
	e, repo, led := newTestEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	sideTotal := func(side order.Side) int64 {
		all, err := repo.FindByInstrumentAndSide(ctx, "AAPL", side)
		if err != nil {
			t.Fatal(err)
		}
		var n int64
		for _, o := range all {
			n += o.Quantity
		}
		return n
	}

	for i := 0; i < 200; i++ {
		side := order.Buy
		if rng.Intn(2) == 0 {
			side = order.Sell
		}
		qty := int64(rng.Intn(9) + 1)
		var d order.Descriptor
		if rng.Intn(5) == 0 {
			d = mkt("AAPL", side, qty, fmt.Sprintf("u%d", rng.Intn(4)))
		} else {
			d = lim("AAPL", side, qty, fmt.Sprintf("%d", 95+rng.Intn(11)), fmt.Sprintf("u%d", rng.Intn(4)))
		}

		buyBefore, sellBefore := sideTotal(order.Buy), sideTotal(order.Sell)
		res := submit(t, e, d)
		buyAfter, sellAfter := sideTotal(order.Buy), sideTotal(order.Sell)

		if side == order.Buy {
			buyBefore += qty
		} else {
			sellBefore += qty
		}
		buyRemoved, sellRemoved := buyBefore-buyAfter, sellBefore-sellAfter
		if buyRemoved != sellRemoved || buyRemoved != res.Filled() {
			t.Fatalf("step %d: buy removed %d, sell removed %d, filled %d", i, buyRemoved, sellRemoved, res.Filled())
		}
	}
	if !led.net().IsZero() {
		t.Errorf("ledger net = %s, want 0", led.net())
	}
}

func TestStopTriggersOnceSellReachesStop(t *testing.T) {
	e, repo, led := newTestEngine(t)
	ctx := context.Background()

	st := submit(t, e, stop("AAPL", order.Buy, 3, "50", "stopper"))
	if st.Status != order.StatusResting || len(st.Triggered) != 0 {
		t.Fatalf("stop = %+v", st)
	}

	submit(t, e, lim("AAPL", order.Sell, 2, "49", "s1"))
	if o, _ := repo.FindByID(ctx, st.Order.ID); o.Kind != order.Stop {
		t.Fatalf("stop fired with best sell 49: %+v", o)
	}
	// Take out the 49 offer so the next one becomes best.
	submit(t, e, lim("AAPL", order.Buy, 2, "49", "b1"))

	res := submit(t, e, lim("AAPL", order.Sell, 5, "50", "s2"))
	if len(res.Triggered) != 1 {
		t.Fatalf("triggered = %+v, want 1", res.Triggered)
	}
	tr := res.Triggered[0]
	if tr.Order.ID != st.Order.ID || tr.Order.Kind != order.Market || tr.Status != order.StatusFilled {
		t.Errorf("triggered execution = %+v", tr)
	}
	if len(tr.Fills) != 1 || tr.Fills[0].Quantity != 3 || !tr.Fills[0].Price.Equal(dec("50")) {
		t.Errorf("triggered fills = %+v", tr.Fills)
	}
	if o, _ := repo.FindByID(ctx, res.Order.ID); o.Quantity != 2 {
		t.Errorf("SELL 50 remaining = %d, want 2", o.Quantity)
	}
	if !led.balance("stopper").Equal(dec("-150")) {
		t.Errorf("stopper balance = %s", led.balance("stopper"))
	}
}

func TestStopLimitRespectsLimitAfterTrigger(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()

	sl := submit(t, e, stopLimit("AAPL", order.Sell, 10, "95", "94", "s"))

	res := submit(t, e, lim("AAPL", order.Buy, 5, "93", "b1"))
	if len(res.Triggered) != 1 {
		t.Fatalf("triggered = %+v", res.Triggered)
	}
	tr := res.Triggered[0]
	if tr.Order.Kind != order.Limit || len(tr.Fills) != 0 || tr.Status != order.StatusResting {
		t.Fatalf("SELL LIMIT 94 traded against BID 93: %+v", tr)
	}
	if !tr.Order.LimitPrice.Equal(dec("94")) {
		t.Errorf("limit price = %s", tr.Order.LimitPrice)
	}

	res = submit(t, e, lim("AAPL", order.Buy, 4, "94", "b2"))
	if len(res.Fills) != 1 || res.Fills[0].OrderID != sl.Order.ID || !res.Fills[0].Price.Equal(dec("94")) {
		t.Errorf("fills = %+v", res.Fills)
	}
	if o, _ := repo.FindByID(ctx, sl.Order.ID); o.Quantity != 6 {
		t.Errorf("stop-limit remaining = %d, want 6", o.Quantity)
	}
}

func TestEstimate(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()
	submit(t, e, lim("AAPL", order.Sell, 4, "5", "s1"))
	submit(t, e, lim("AAPL", order.Sell, 10, "6", "s2"))
	submit(t, e, lim("AAPL", order.Buy, 3, "4", "b1"))

	tests := []struct {
		name string
		d    order.Descriptor
		want string
	}{
		{"market buy", mkt("AAPL", order.Buy, 10, "x"), "56"},
		{"limit buy remainder at limit", lim("AAPL", order.Buy, 10, "5", "x"), "50"},
		{"market buy beyond liquidity", mkt("AAPL", order.Buy, 20, "x"), "80"},
		{"limit buy fully crossing", lim("AAPL", order.Buy, 6, "7", "x"), "32"},
		{"market sell", mkt("AAPL", order.Sell, 5, "x"), "12"},
		{"limit sell no cross", lim("AAPL", order.Sell, 2, "4.5", "x"), "9"},
		{"stop", stop("AAPL", order.Buy, 10, "50", "x"), "510"},
		{"stop limit", stopLimit("AAPL", order.Sell, 2, "3", "2", "x"), "6.12"},
		{"empty book", mkt("MSFT", order.Buy, 10, "x"), "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Estimate(ctx, tt.d)
			if err != nil {
				t.Fatalf("Estimate: %v", err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Errorf("Estimate = %s, want %s", got, tt.want)
			}
		})
	}

	all, _ := repo.FindAll(ctx)
	if len(all) != 3 {
		t.Errorf("Estimate mutated the repository: %d orders", len(all))
	}
	if _, err := e.Estimate(ctx, mkt("AAPL", order.Buy, 0, "x")); !errors.Is(err, order.ErrInvalidOrder) {
		t.Errorf("zero quantity err = %v", err)
	}
}

func TestAllOrNoneRejected(t *testing.T) {
	e, repo, led := newTestEngine(t)
	ctx := context.Background()
	maker := submit(t, e, lim("AAPL", order.Sell, 4, "5", "s"))

	d := lim("AAPL", order.Buy, 10, "6", "b")
	d.AllOrNone = true
	res, err := e.Submit(ctx, d)
	if !errors.Is(err, order.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if res == nil || res.Status != order.StatusRejected || len(res.Fills) != 0 {
		t.Fatalf("result = %+v", res)
	}

	all, _ := repo.FindAll(ctx)
	if len(all) != 1 || all[0].ID != maker.Order.ID || all[0].Quantity != 4 {
		t.Errorf("book after rejection = %+v", all)
	}
	if led.calls != 0 {
		t.Errorf("ledger calls = %d, want 0", led.calls)
	}
}

func TestAllOrNoneFallsBackToStop(t *testing.T) {
	e, repo, led := newTestEngine(t)
	ctx := context.Background()
	submit(t, e, lim("AAPL", order.Sell, 4, "5", "s"))

	d := lim("AAPL", order.Buy, 10, "5", "b")
	d.AllOrNone = true
	d.StopPrice = order.Price("7")
	res := submit(t, e, d)

	if res.Status != order.StatusPartiallyFilled || res.Filled() != 4 {
		t.Fatalf("execution = %+v", res.Execution)
	}
	stored, err := repo.FindByID(ctx, res.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Kind != order.StopLimit || stored.Quantity != 6 || !stored.LimitPrice.Equal(dec("5")) {
		t.Errorf("stored = %+v, want STOP_LIMIT 6 @ 5", stored)
	}
	if !led.balance("b").Equal(dec("-20")) || !led.balance("s").Equal(dec("20")) {
		t.Errorf("balances b=%s s=%s", led.balance("b"), led.balance("s"))
	}

	m := mkt("AAPL", order.Buy, 3, "m")
	m.AllOrNone = true
	m.StopPrice = order.Price("9")
	res = submit(t, e, m)
	if stored, _ := repo.FindByID(ctx, res.Order.ID); stored.Kind != order.Stop || stored.Quantity != 3 {
		t.Errorf("market fallback stored = %+v", stored)
	}
}

func TestSweepIdempotent(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()

	// Place orders behind the engine's back so only Sweep can fire them.
	if _, err := repo.Save(ctx, order.Order{Instrument: "AAPL", Side: order.Sell, Kind: order.Limit,
		Quantity: 5, LimitPrice: order.Price("50"), Owner: "s", ArrivalSeq: 1}); err != nil {
		t.Fatal(err)
	}
	st, err := repo.Save(ctx, order.Order{Instrument: "AAPL", Side: order.Buy, Kind: order.Stop,
		Quantity: 2, StopPrice: order.Price("45"), Owner: "b", ArrivalSeq: 2})
	if err != nil {
		t.Fatal(err)
	}

	first, err := e.Sweep(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(first) != 1 || first[0].Order.ID != st.ID || first[0].Filled() != 2 {
		t.Fatalf("first sweep = %+v", first)
	}

	second, err := e.Sweep(ctx, "AAPL")
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second sweep fired %d orders", len(second))
	}
}

func TestSweepAll(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()
	for i, inst := range []string{"AAPL", "MSFT"} {
		_, _ = repo.Save(ctx, order.Order{Instrument: inst, Side: order.Buy, Kind: order.Limit,
			Quantity: 1, LimitPrice: order.Price("10"), Owner: "b", ArrivalSeq: uint64(2*i + 1)})
		_, _ = repo.Save(ctx, order.Order{Instrument: inst, Side: order.Sell, Kind: order.Stop,
			Quantity: 1, StopPrice: order.Price("12"), Owner: "s", ArrivalSeq: uint64(2*i + 2)})
	}
	got, err := e.SweepAll(ctx)
	if err != nil {
		t.Fatalf("SweepAll: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("SweepAll fired %d, want 2", len(got))
	}
}

func TestSettlementFailureSurfaces(t *testing.T) {
	e, repo, led := newTestEngine(t)
	ctx := context.Background()
	maker := submit(t, e, lim("AAPL", order.Sell, 2, "10", "s"))
	led.fail["s"] = errors.New("ledger down")

	res, err := e.Submit(ctx, mkt("AAPL", order.Buy, 2, "b"))
	if !errors.Is(err, ErrSettlement) {
		t.Fatalf("err = %v, want ErrSettlement", err)
	}
	var se *SettlementError
	if !errors.As(err, &se) || len(se.Failed) != 1 || se.Failed[0].Owner != "s" || !se.Failed[0].Amount.Equal(dec("20")) {
		t.Fatalf("settlement error = %+v", se)
	}
	if res == nil || res.Filled() != 2 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := repo.FindByID(ctx, maker.Order.ID); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("book not written back: %v", err)
	}
	if !led.balance("b").Equal(dec("-20")) {
		t.Errorf("taker was not settled: %s", led.balance("b"))
	}
}

func TestCancel(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()

	top := submit(t, e, lim("AAPL", order.Buy, 1, "100", "b1"))
	submit(t, e, lim("AAPL", order.Buy, 5, "90", "b2"))
	st := submit(t, e, stop("AAPL", order.Sell, 2, "95", "s"))

	canceled, triggered, err := e.Cancel(ctx, top.Order.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.ID != top.Order.ID {
		t.Errorf("canceled = %+v", canceled)
	}
	if len(triggered) != 1 || triggered[0].Order.ID != st.Order.ID || triggered[0].Filled() != 2 {
		t.Fatalf("triggered = %+v", triggered)
	}
	if !triggered[0].Fills[0].Price.Equal(dec("90")) {
		t.Errorf("fill price = %s", triggered[0].Fills[0].Price)
	}

	if _, err := repo.FindByID(ctx, top.Order.ID); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("canceled order still stored: %v", err)
	}
	if _, _, err := e.Cancel(ctx, "missing"); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("Cancel(missing) err = %v", err)
	}
}

func TestSubmitInvalid(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()
	res, err := e.Submit(ctx, order.Descriptor{Instrument: "AAPL", Side: order.Buy, Kind: order.Limit, Quantity: 1, Owner: "b"})
	if !errors.Is(err, order.ErrInvalidOrder) || res != nil {
		t.Fatalf("Submit = %+v, %v", res, err)
	}
	all, _ := repo.FindAll(ctx)
	if len(all) != 0 {
		t.Errorf("invalid order persisted: %+v", all)
	}
}

func TestMarketResidualRestsOutsideBook(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()
	submit(t, e, lim("AAPL", order.Sell, 2, "10", "s"))

	res := submit(t, e, mkt("AAPL", order.Buy, 5, "b"))
	if res.Status != order.StatusPartiallyFilled || res.Order.Quantity != 3 {
		t.Fatalf("execution = %+v", res.Execution)
	}
	if o, err := repo.FindByID(ctx, res.Order.ID); err != nil || o.Kind != order.Market {
		t.Errorf("residual = %+v, %v", o, err)
	}
	book, _ := e.OrdersOn(ctx, "AAPL", order.Buy)
	if len(book) != 0 {
		t.Errorf("market residual in book: %+v", book)
	}
}

func TestSequenceResumes(t *testing.T) {
	repo := storage.NewMemoryStore()
	ctx := context.Background()
	_, _ = repo.Save(ctx, order.Order{Instrument: "AAPL", Side: order.Buy, Kind: order.Limit,
		Quantity: 1, LimitPrice: order.Price("1"), Owner: "b", ArrivalSeq: 41})

	e, err := New(ctx, repo, newRecordingLedger(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := submit(t, e, lim("AAPL", order.Buy, 1, "1", "b"))
	if res.Order.ArrivalSeq != 42 {
		t.Errorf("ArrivalSeq = %d, want 42", res.Order.ArrivalSeq)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	e, _, led := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := []string{"AAPL", "MSFT"}[i%2]
			side := order.Buy
			if i%4 >= 2 {
				side = order.Sell
			}
			if _, err := e.Submit(ctx, lim(inst, side, int64(i%3+1), "10", fmt.Sprintf("u%d", i))); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, inst := range []string{"AAPL", "MSFT"} {
		depth, err := e.Depth(ctx, inst)
		if err != nil {
			t.Fatal(err)
		}
		if len(depth.Bids) > 0 && len(depth.Asks) > 0 {
			t.Errorf("%s book is crossed: %+v", inst, depth)
		}
	}
	if !led.net().IsZero() {
		t.Errorf("ledger net = %s", led.net())
	}
}

func TestOnTradeHook(t *testing.T) {
	e, _, _ := newTestEngine(t)
	var trades []order.Trade
	var books []string
	e.OnTrade = func(tr order.Trade) { trades = append(trades, tr) }
	e.OnBookChange = func(inst string) { books = append(books, inst) }

	maker := submit(t, e, lim("AAPL", order.Sell, 2, "10", "s"))
	taker := submit(t, e, lim("AAPL", order.Buy, 1, "10", "b"))

	if len(trades) != 1 {
		t.Fatalf("trades = %+v", trades)
	}
	tr := trades[0]
	if tr.TakerOrderID != taker.Order.ID || tr.MakerOrderID != maker.Order.ID || tr.TakerSide != order.Buy || tr.Quantity != 1 {
		t.Errorf("trade = %+v", tr)
	}
	if len(books) == 0 || books[0] != "AAPL" {
		t.Errorf("book changes = %v", books)
	}
}

func TestSubmitStampsOrdersAndTrades(t *testing.T) {
	start := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := util.NewManualClock(start)
	e, err := New(context.Background(), storage.NewMemoryStore(), newRecordingLedger(), clock, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	var trades []order.Trade
	e.OnTrade = func(tr order.Trade) { trades = append(trades, tr) }

	maker := submit(t, e, lim("AAPL", order.Sell, 1, "10", "s"))
	clock.Advance(time.Second)
	submit(t, e, lim("AAPL", order.Buy, 1, "10", "b"))

	if !maker.Order.CreatedAt.Equal(start) {
		t.Errorf("maker CreatedAt = %v, want %v", maker.Order.CreatedAt, start)
	}
	if len(trades) != 1 || !trades[0].Timestamp.Equal(start.Add(time.Second)) {
		t.Errorf("trades = %+v", trades)
	}
}

func TestCancelSurfacesSettlementFailure(t *testing.T) {
	e, _, led := newTestEngine(t)
	ctx := context.Background()

	submit(t, e, lim("AAPL", order.Sell, 2, "60", "s1"))
	cheap := submit(t, e, lim("AAPL", order.Sell, 1, "40", "s2"))
	st := submit(t, e, stop("AAPL", order.Buy, 2, "50", "stopper"))
	led.fail["stopper"] = errors.New("ledger down")

	// Removing the ask at 40 lifts the best ask to 60 and fires the stop.
	_, triggered, err := e.Cancel(ctx, cheap.Order.ID)
	if !errors.Is(err, ErrSettlement) {
		t.Fatalf("Cancel err = %v, want ErrSettlement", err)
	}
	var se *SettlementError
	if !errors.As(err, &se) || len(se.Failed) != 1 || !se.Failed[0].Amount.Equal(dec("-120")) {
		t.Fatalf("settlement error = %+v", se)
	}
	if len(triggered) != 1 || triggered[0].Order.ID != st.Order.ID || triggered[0].Filled() != 2 {
		t.Errorf("triggered = %+v", triggered)
	}
}

func TestAllOrNoneRejectionRestoresStops(t *testing.T) {
	e, repo, led := newTestEngine(t)
	ctx := context.Background()

	bid := submit(t, e, lim("AAPL", order.Buy, 5, "100", "b"))
	st := submit(t, e, stop("AAPL", order.Buy, 3, "90", "stopper"))

	// Placing the ask at 100 fires the buy stop before the walk finds
	// too little to fill all 10.
	d := lim("AAPL", order.Sell, 10, "100", "s")
	d.AllOrNone = true
	res, err := e.Submit(ctx, d)
	if !errors.Is(err, order.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if len(res.Triggered) != 0 {
		t.Errorf("triggered = %+v, want none", res.Triggered)
	}

	stored, err := repo.FindByID(ctx, st.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Kind != order.Stop || stored.Quantity != 3 || !stored.StopPrice.Equal(dec("90")) {
		t.Errorf("stop after rejection = %+v", stored)
	}
	if b, _ := repo.FindByID(ctx, bid.Order.ID); b.Quantity != 5 {
		t.Errorf("bid after rejection = %+v", b)
	}
	if all, _ := repo.FindAll(ctx); len(all) != 2 {
		t.Errorf("stored orders = %d, want 2", len(all))
	}
	if led.calls != 0 {
		t.Errorf("ledger calls = %d, want 0", led.calls)
	}

	// The restored stop still fires once an ask is placed normally.
	res = submit(t, e, lim("AAPL", order.Sell, 1, "95", "s2"))
	if len(res.Triggered) != 1 || res.Triggered[0].Order.ID != st.Order.ID {
		t.Errorf("triggered after a later ask = %+v", res.Triggered)
	}
}

func TestSweepIdempotentWithAllOrNoneStop(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()

	submit(t, e, lim("AAPL", order.Sell, 5, "55", "s"))
	d := stopLimit("AAPL", order.Buy, 2, "50", "52", "b")
	d.AllOrNone = true
	aon := submit(t, e, d)

	// The stop condition holds but the limit of 52 cannot reach 55, so
	// firing would only fall back to the same stop.
	for i := 0; i < 2; i++ {
		fired, err := e.Sweep(ctx, "AAPL")
		if err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
		if len(fired) != 0 {
			t.Errorf("sweep %d fired %+v", i, fired)
		}
	}
	if stored, _ := repo.FindByID(ctx, aon.Order.ID); stored.Kind != order.StopLimit {
		t.Errorf("stored kind = %s, want STOP_LIMIT", stored.Kind)
	}

	// An ask at 52 fires it; as a LIMIT at 52 it is then filled by that ask.
	res := submit(t, e, lim("AAPL", order.Sell, 3, "52", "s2"))
	if len(res.Triggered) != 1 || res.Triggered[0].Order.ID != aon.Order.ID || res.Triggered[0].Status != order.StatusFilled {
		t.Fatalf("triggered = %+v", res.Triggered)
	}
	if res.Filled() != 2 || res.Fills[0].OrderID != aon.Order.ID {
		t.Errorf("fills = %+v", res.Fills)
	}
	if fired, _ := e.Sweep(ctx, "AAPL"); len(fired) != 0 {
		t.Errorf("sweep after fill fired %+v", fired)
	}
}

func TestSweepAllContinuesPastSettlementFailure(t *testing.T) {
	e, repo, led := newTestEngine(t)
	ctx := context.Background()
	for i, inst := range []string{"AAPL", "MSFT"} {
		_, _ = repo.Save(ctx, order.Order{Instrument: inst, Side: order.Buy, Kind: order.Limit,
			Quantity: 1, LimitPrice: order.Price("10"), Owner: "b", ArrivalSeq: uint64(2*i + 1)})
		_, _ = repo.Save(ctx, order.Order{Instrument: inst, Side: order.Sell, Kind: order.Stop,
			Quantity: 1, StopPrice: order.Price("12"), Owner: "s-" + inst, ArrivalSeq: uint64(2*i + 2)})
	}
	led.fail["s-AAPL"] = errors.New("ledger down")

	got, err := e.SweepAll(ctx)
	if !errors.Is(err, ErrSettlement) {
		t.Fatalf("SweepAll err = %v, want ErrSettlement", err)
	}
	if len(got) != 2 {
		t.Errorf("SweepAll fired %d, want 2", len(got))
	}
	if !led.balance("s-MSFT").Equal(dec("10")) {
		t.Errorf("MSFT seller balance = %s, want 10", led.balance("s-MSFT"))
	}
}

// brokenRepo fails book reads once its ledger has been called.
type brokenRepo struct {
	*storage.MemoryStore
	broken bool
}

func (r *brokenRepo) FindByInstrumentAndSide(ctx context.Context, instrument string, side order.Side) ([]order.Order, error) {
	if r.broken {
		return nil, errors.New("disk gone")
	}
	return r.MemoryStore.FindByInstrumentAndSide(ctx, instrument, side)
}

type breakingLedger struct{ repo *brokenRepo }

func (l breakingLedger) AdjustBalance(context.Context, string, decimal.Decimal) error {
	l.repo.broken = true
	return errors.New("ledger down")
}

func TestSubmitKeepsSettlementFailureOnLaterError(t *testing.T) {
	ctx := context.Background()
	repo := &brokenRepo{MemoryStore: storage.NewMemoryStore()}
	e, err := New(ctx, repo, breakingLedger{repo: repo}, nil, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	submit(t, e, lim("AAPL", order.Sell, 1, "10", "s"))

	res, err := e.Submit(ctx, mkt("AAPL", order.Buy, 1, "b"))
	if !errors.Is(err, ErrSettlement) {
		t.Fatalf("err = %v, want ErrSettlement joined with the sweep error", err)
	}
	if err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Errorf("err = %v, want the sweep error too", err)
	}
	if res == nil || res.Filled() != 1 {
		t.Errorf("result = %+v", res)
	}
}
