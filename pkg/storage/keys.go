package storage

import (
	"fmt"

	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// Pebble key schema:
//
//	ord:{id}                              → Order (JSON)
//	oix:{instrument}:{side}:{seq}:{id}    → empty, book index
//	own:{owner}:{seq}:{id}                → empty, owner index
//	acc:{owner}                           → Account (JSON)
//
// seq is the arrival sequence zero-padded to 20 digits so that a prefix
// scan returns orders in arrival order.
const (
	prefixOrder      = "ord:"
	prefixBookIndex  = "oix:"
	prefixOwnerIndex = "own:"
	prefixAccount    = "acc:"
)

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func bookPrefix(instrument string, side order.Side) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixBookIndex, instrument, side))
}

func bookKey(o order.Order) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", bookPrefix(o.Instrument, o.Side), o.ArrivalSeq, o.ID))
}

func ownerPrefix(owner string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOwnerIndex, owner))
}

func ownerKey(o order.Order) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", ownerPrefix(o.Owner), o.ArrivalSeq, o.ID))
}

func accountKey(owner string) []byte {
	return []byte(prefixAccount + owner)
}

// idFromIndexKey returns the order id, the segment after the last ':'.
func idFromIndexKey(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return string(k[i+1:])
		}
	}
	return string(k)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
