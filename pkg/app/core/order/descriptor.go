package order

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Descriptor is what a client submits or asks to have valued.
type Descriptor struct {
	Instrument string           `json:"instrument"`
	Side       Side             `json:"side"`
	Kind       Kind             `json:"kind"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
	AllOrNone  bool             `json:"allOrNone"`
	Owner      string           `json:"owner"`
}

// Validate checks the descriptor and builds an unpersisted Order from it.
// MARKET and STOP orders never carry a limit price; one supplied by the
// client is dropped.
func (d Descriptor) Validate() (Order, error) {
	instrument := strings.TrimSpace(d.Instrument)
	if instrument == "" {
		return Order{}, fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	}
	if strings.TrimSpace(d.Owner) == "" {
		return Order{}, fmt.Errorf("%w: owner is required", ErrInvalidOrder)
	}
	if d.Side != Buy && d.Side != Sell {
		return Order{}, fmt.Errorf("%w: side is required", ErrInvalidOrder)
	}
	if d.Quantity <= 0 {
		return Order{}, fmt.Errorf("%w: quantity must be positive: %d", ErrInvalidOrder, d.Quantity)
	}
	if err := checkPrice("limitPrice", d.LimitPrice); err != nil {
		return Order{}, err
	}
	if err := checkPrice("stopPrice", d.StopPrice); err != nil {
		return Order{}, err
	}

	o := Order{
		Instrument: instrument,
		Side:       d.Side,
		Kind:       d.Kind,
		Quantity:   d.Quantity,
		AllOrNone:  d.AllOrNone,
		Owner:      strings.TrimSpace(d.Owner),
		StopPrice:  copyPrice(d.StopPrice),
	}

	switch d.Kind {
	case Market:
	case Limit:
		if d.LimitPrice == nil {
			return Order{}, fmt.Errorf("%w: LIMIT order requires limitPrice", ErrInvalidOrder)
		}
		o.LimitPrice = copyPrice(d.LimitPrice)
	case Stop:
		if d.StopPrice == nil {
			return Order{}, fmt.Errorf("%w: STOP order requires stopPrice", ErrInvalidOrder)
		}
	case StopLimit:
		if d.LimitPrice == nil || d.StopPrice == nil {
			return Order{}, fmt.Errorf("%w: STOP_LIMIT order requires limitPrice and stopPrice", ErrInvalidOrder)
		}
		o.LimitPrice = copyPrice(d.LimitPrice)
	default:
		return Order{}, fmt.Errorf("%w: kind is required", ErrInvalidOrder)
	}

	return o, nil
}

func checkPrice(field string, p *decimal.Decimal) error {
	if p != nil && !p.IsPositive() {
		return fmt.Errorf("%w: %s must be positive: %s", ErrInvalidOrder, field, p.String())
	}
	return nil
}

func copyPrice(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Price is a convenience for building descriptors and tests.
func Price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
