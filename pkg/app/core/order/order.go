package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("invalid side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
	}
}

// Kind is the closed set of order kinds. Every switch over Kind in this
// module lists all four values.
type Kind int8

const (
	Market Kind = iota + 1
	Limit
	Stop
	StopLimit
)

func (k Kind) String() string {
	switch k {
	case Market:
		return "MARKET"
	case Limit:
		return "LIMIT"
	case Stop:
		return "STOP"
	case StopLimit:
		return "STOP_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// Conditional reports whether the kind waits for a trigger before matching.
func (k Kind) Conditional() bool {
	switch k {
	case Stop, StopLimit:
		return true
	case Market, Limit:
		return false
	default:
		return false
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < Market || k > StopLimit {
		return nil, fmt.Errorf("invalid kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind accepts the canonical names plus the "_ORDER" suffixed forms
// ("MARKET_ORDER", "STOP_LIMIT_ORDER") used by older clients.
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "_ORDER")
	name = strings.ReplaceAll(name, "-", "_")
	switch name {
	case "MARKET":
		return Market, nil
	case "LIMIT":
		return Limit, nil
	case "STOP":
		return Stop, nil
	case "STOP_LIMIT", "STOPLIMIT":
		return StopLimit, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidOrder, s)
	}
}

// Status is reported back to submitters; it is never stored.
type Status int8

const (
	StatusResting Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusResting:
		return "resting"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Order is a resting or in-flight order. Quantity is the remaining,
// unfilled size and only ever decreases.
type Order struct {
	ID         string           `json:"id"`
	Instrument string           `json:"instrument"`
	Side       Side             `json:"side"`
	Kind       Kind             `json:"kind"`
	Quantity   int64            `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
	AllOrNone  bool             `json:"allOrNone"`
	Owner      string           `json:"owner"`
	ArrivalSeq uint64           `json:"arrivalSeq"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Clone returns a deep copy so callers can mutate quantities and prices
// without touching the stored value.
func (o Order) Clone() Order {
	cp := o
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		cp.LimitPrice = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		cp.StopPrice = &p
	}
	return cp
}

// Priced reports whether the order carries a limit price and can therefore
// provide liquidity to the book.
func (o *Order) Priced() bool {
	return o.Kind == Limit && o.LimitPrice != nil
}

// Crosses reports whether a LIMIT order at o's limit would trade against a
// resting price. MARKET orders cross everything.
func (o *Order) Crosses(price decimal.Decimal) bool {
	switch o.Kind {
	case Market:
		return true
	case Limit:
		if o.Side == Buy {
			return o.LimitPrice.GreaterThanOrEqual(price)
		}
		return o.LimitPrice.LessThanOrEqual(price)
	case Stop, StopLimit:
		return false
	default:
		return false
	}
}

// Triggered reports whether a conditional order's stop condition holds
// against the best resting price on the opposing side.
func (o *Order) Triggered(bestOpposing decimal.Decimal) bool {
	if !o.Kind.Conditional() || o.StopPrice == nil {
		return false
	}
	if o.Side == Buy {
		return bestOpposing.GreaterThanOrEqual(*o.StopPrice)
	}
	return bestOpposing.LessThanOrEqual(*o.StopPrice)
}

// Activate converts a triggered conditional order into its matchable form.
func (o *Order) Activate() {
	switch o.Kind {
	case Stop:
		o.Kind = Market
	case StopLimit:
		o.Kind = Limit
	case Market, Limit:
	}
}

// Fill is one match against a resting order. Price is always the resting
// order's limit price.
type Fill struct {
	OrderID  string          `json:"orderId"`
	Owner    string          `json:"owner"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Value returns price × quantity.
func (f Fill) Value() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// Trade is a fill seen from the taker's side, as published to event sinks.
type Trade struct {
	Instrument   string          `json:"instrument"`
	TakerOrderID string          `json:"takerOrderId"`
	TakerOwner   string          `json:"takerOwner"`
	TakerSide    Side            `json:"takerSide"`
	MakerOrderID string          `json:"makerOrderId"`
	MakerOwner   string          `json:"makerOwner"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int64           `json:"quantity"`
	Timestamp    time.Time       `json:"timestamp"`
}
