package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// prepare checks an order before it is stored and assigns an id on first
// save.
func prepare(o order.Order) (order.Order, error) {
	if o.Quantity <= 0 {
		return order.Order{}, fmt.Errorf("%w: cannot store order with quantity %d", order.ErrInvalidOrder, o.Quantity)
	}
	o = o.Clone()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return o, nil
}

// byArrival sorts orders in submission order.
func byArrival(orders []order.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].ArrivalSeq != orders[j].ArrivalSeq {
			return orders[i].ArrivalSeq < orders[j].ArrivalSeq
		}
		return orders[i].ID < orders[j].ID
	})
}
