package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each trade as a JSON message keyed by instrument, so
// trades of one instrument stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (k *KafkaSink) PublishTrades(ctx context.Context, trades []order.Trade) error {
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode trade: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Instrument),
			Value: value,
			Time:  t.Timestamp,
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d trade(s): %w", len(msgs), err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
