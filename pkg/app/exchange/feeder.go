package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// FeederConfig controls synthetic order flow.
type FeederConfig struct {
	BatchSize   int           // orders per tick
	Interval    time.Duration // time between batches
	NumAccounts int           // simulated traders
	Instruments []string
	BasePrice   decimal.Decimal // prices are drawn within ±5% of this
	Seed        int64           // 0 means time-based
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		NumAccounts: 50,
		Instruments: []string{"AAPL"},
		BasePrice:   decimal.NewFromInt(100),
	}
}

// OrderGenerator creates random order descriptors for load and demo runs.
type OrderGenerator struct {
	accounts    []string
	instruments []string
	baseCents   int64
	rng         *rand.Rand
}

func NewOrderGenerator(cfg FeederConfig) *OrderGenerator {
	if cfg.NumAccounts <= 0 {
		cfg.NumAccounts = 1
	}
	accounts := make([]string, cfg.NumAccounts)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("trader_%d", i+1)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	base := cfg.BasePrice
	if !base.IsPositive() {
		base = decimal.NewFromInt(100)
	}
	return &OrderGenerator{
		accounts:    accounts,
		instruments: cfg.Instruments,
		baseCents:   base.Shift(2).IntPart(),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// price draws a two-decimal price within ±5% of the base.
func (g *OrderGenerator) price() *decimal.Decimal {
	spread := g.baseCents / 20
	cents := g.baseCents
	if spread > 0 {
		cents += g.rng.Int63n(2*spread+1) - spread
	}
	if cents < 1 {
		cents = 1
	}
	p := decimal.New(cents, -2)
	return &p
}

// GenerateOrder returns a random descriptor: 70% LIMIT, 15% MARKET,
// 10% STOP, 5% STOP_LIMIT, either side with equal odds.
func (g *OrderGenerator) GenerateOrder() order.Descriptor {
	d := order.Descriptor{
		Instrument: g.instruments[g.rng.Intn(len(g.instruments))],
		Owner:      g.accounts[g.rng.Intn(len(g.accounts))],
		Side:       order.Buy,
		Quantity:   int64(g.rng.Intn(100) + 1),
	}
	if g.rng.Intn(2) == 1 {
		d.Side = order.Sell
	}

	r := g.rng.Intn(100)
	switch {
	case r < 70:
		d.Kind = order.Limit
		d.LimitPrice = g.price()
	case r < 85:
		d.Kind = order.Market
	case r < 95:
		d.Kind = order.Stop
		d.StopPrice = g.price()
	default:
		d.Kind = order.StopLimit
		d.StopPrice = g.price()
		d.LimitPrice = g.price()
	}
	return d
}

func (g *OrderGenerator) GenerateBatch(count int) []order.Descriptor {
	batch := make([]order.Descriptor, count)
	for i := range batch {
		batch[i] = g.GenerateOrder()
	}
	return batch
}

// FeederStats summarizes a feeder run.
type FeederStats struct {
	Submitted int
	Canceled  int
	Rejected  int
	Failed    int
	Fills     int
}

// Feeder submits generated orders to an App and cancels about one in ten
// of the orders it left resting.
type Feeder struct {
	app     *App
	gen     *OrderGenerator
	cfg     FeederConfig
	log     *zap.SugaredLogger
	resting []string
	stats   FeederStats
}

func NewFeeder(app *App, cfg FeederConfig, log *zap.SugaredLogger) *Feeder {
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = DefaultFeederConfig().Instruments
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feeder{app: app, gen: NewOrderGenerator(cfg), cfg: cfg, log: log}
}

// Tick submits one batch.
func (f *Feeder) Tick(ctx context.Context) {
	for _, d := range f.gen.GenerateBatch(f.cfg.BatchSize) {
		if len(f.resting) > 0 && f.gen.rng.Intn(10) == 0 {
			f.cancelOne(ctx)
		}

		res, err := f.app.Submit(ctx, d)
		switch {
		case errors.Is(err, order.ErrRejected):
			f.stats.Rejected++
			continue
		case res == nil:
			f.stats.Failed++
			f.log.Warnw("feeder_submit_failed", "err", err)
			continue
		case err != nil:
			f.stats.Failed++
			f.log.Warnw("feeder_submit_failed", "id", res.Order.ID, "err", err)
		}
		f.stats.Submitted++
		f.stats.Fills += len(res.Fills)
		if res.Order.Quantity > 0 {
			f.resting = append(f.resting, res.Order.ID)
		}
	}
}

func (f *Feeder) cancelOne(ctx context.Context) {
	i := f.gen.rng.Intn(len(f.resting))
	id := f.resting[i]
	f.resting = append(f.resting[:i], f.resting[i+1:]...)

	_, _, err := f.app.Cancel(ctx, id)
	switch {
	case err == nil:
		f.stats.Canceled++
	case errors.Is(err, order.ErrNotFound):
		// already filled
	default:
		f.log.Warnw("feeder_cancel_failed", "id", id, "err", err)
	}
}

func (f *Feeder) Stats() FeederStats { return f.stats }

// StartFeeder runs a Feeder in the background until the returned cancel
// func is called or ctx is done.
func StartFeeder(ctx context.Context, app *App, cfg FeederConfig, log *zap.SugaredLogger) context.CancelFunc {
	f := NewFeeder(app, cfg, log)
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultFeederConfig().Interval
	}

	feedCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		start := time.Now()
		f.log.Infow("feeder_started", "batch", f.cfg.BatchSize, "interval", interval, "instruments", f.cfg.Instruments)

		for {
			select {
			case <-feedCtx.Done():
				s := f.Stats()
				f.log.Infow("feeder_stopped", "submitted", s.Submitted, "canceled", s.Canceled,
					"rejected", s.Rejected, "failed", s.Failed, "fills", s.Fills,
					"elapsed", time.Since(start).Round(time.Second))
				return
			case <-ticker.C:
				f.Tick(feedCtx)
			}
		}
	}()
	return cancel
}
