// Package events fans executed trades out to downstream sinks without
// holding up matching.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// Sink receives trades in the order they were executed.
type Sink interface {
	PublishTrades(ctx context.Context, trades []order.Trade) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, trades []order.Trade) error

func (f SinkFunc) PublishTrades(ctx context.Context, trades []order.Trade) error {
	return f(ctx, trades)
}

// Nop discards trades.
type Nop struct{}

func (Nop) PublishTrades(context.Context, []order.Trade) error { return nil }

// Dispatcher queues trades and delivers them to every sink from one
// goroutine. Publish never blocks: when the buffer is full the trade is
// dropped and counted.
type Dispatcher struct {
	ch    chan order.Trade
	sinks []Sink
	log   *zap.SugaredLogger

	mu      sync.Mutex
	dropped uint64
}

func NewDispatcher(buffer int, log *zap.SugaredLogger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{ch: make(chan order.Trade, buffer), sinks: sinks, log: log}
}

func (d *Dispatcher) Publish(t order.Trade) {
	select {
	case d.ch <- t:
	default:
		d.mu.Lock()
		d.dropped++
		n := d.dropped
		d.mu.Unlock()
		d.log.Warnw("trade_dropped", "instrument", t.Instrument, "taker", t.TakerOrderID, "dropped_total", n)
	}
}

// Dropped returns how many trades were lost to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers trades until ctx is done, then flushes what is queued.
// Trades that arrive together are handed to sinks as one batch.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.deliver(context.Background(), d.collect(nil))
			return
		case t := <-d.ch:
			d.deliver(ctx, d.collect([]order.Trade{t}))
		}
	}
}

func (d *Dispatcher) collect(batch []order.Trade) []order.Trade {
	for {
		select {
		case t := <-d.ch:
			batch = append(batch, t)
		default:
			return batch
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, batch []order.Trade) {
	if len(batch) == 0 {
		return
	}
	for _, s := range d.sinks {
		if err := s.PublishTrades(ctx, batch); err != nil {
			d.log.Errorw("trade_publish_failed", "trades", len(batch), "err", err)
		}
	}
}
