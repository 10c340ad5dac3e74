package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/stockex/pkg/app/core/ledger"
	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// PebbleStore keeps orders and accounts in a local Pebble database. Orders
// are stored once under their id and referenced from two secondary indexes
// (book and owner) whose keys sort in arrival order.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes read-modify-write of index entries
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) get(id string) (order.Order, bool, error) {
	val, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return order.Order{}, false, nil
	}
	if err != nil {
		return order.Order{}, false, fmt.Errorf("get order %s: %w", id, err)
	}
	defer closer.Close()

	var o order.Order
	if err := decodeJSON(val, &o); err != nil {
		return order.Order{}, false, fmt.Errorf("order %s: %w", id, err)
	}
	return o, true, nil
}

// Save inserts or replaces the order, assigning an id on first save.
func (s *PebbleStore) Save(ctx context.Context, o order.Order) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	o, err := prepare(o)
	if err != nil {
		return order.Order{}, err
	}
	val, err := encodeJSON(o)
	if err != nil {
		return order.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	prev, found, err := s.get(o.ID)
	if err != nil {
		return order.Order{}, err
	}
	if found {
		_ = b.Delete(bookKey(prev), nil)
		_ = b.Delete(ownerKey(prev), nil)
	}
	if err := b.Set(orderKey(o.ID), val, nil); err != nil {
		return order.Order{}, err
	}
	if err := b.Set(bookKey(o), nil, nil); err != nil {
		return order.Order{}, err
	}
	if err := b.Set(ownerKey(o), nil, nil); err != nil {
		return order.Order{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return order.Order{}, fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return o.Clone(), nil
}

// Delete removes the order and its index entries. Deleting an unknown id is
// not an error.
func (s *PebbleStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, found, err := s.get(id)
	if err != nil || !found {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(orderKey(id), nil)
	_ = b.Delete(bookKey(prev), nil)
	_ = b.Delete(ownerKey(prev), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) FindByID(ctx context.Context, id string) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	o, found, err := s.get(id)
	if err != nil {
		return order.Order{}, err
	}
	if !found {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o, nil
}

func (s *PebbleStore) FindAll(ctx context.Context) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan orders: %w", err)
	}
	defer iter.Close()

	var out []order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := decodeJSON(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("order %s: %w", iter.Key(), err)
		}
		out = append(out, o)
	}
	byArrival(out)
	return out, nil
}

// scanIndex resolves every id under an index prefix, in key (arrival) order.
func (s *PebbleStore) scanIndex(ctx context.Context, prefix []byte) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer iter.Close()

	var out []order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		o, found, err := s.get(idFromIndexKey(iter.Key()))
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *PebbleStore) FindByInstrumentAndSide(ctx context.Context, instrument string, side order.Side) ([]order.Order, error) {
	all, err := s.scanIndex(ctx, bookPrefix(instrument, side))
	if err != nil {
		return nil, err
	}
	// Instruments may contain ':' so the prefix alone is not exact.
	out := all[:0]
	for _, o := range all {
		if o.Instrument == instrument && o.Side == side {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *PebbleStore) FindByOwner(ctx context.Context, owner string) ([]order.Order, error) {
	all, err := s.scanIndex(ctx, ownerPrefix(owner))
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	return out, nil
}

// ============================================================================
// Account Persistence Methods
// ============================================================================

var _ ledger.Store = (*PebbleStore)(nil)

func (s *PebbleStore) SaveAccount(ctx context.Context, acc ledger.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeJSON(acc)
	if err != nil {
		return err
	}
	if err := s.db.Set(accountKey(acc.Owner), data, pebble.Sync); err != nil {
		return fmt.Errorf("save account %s: %w", acc.Owner, err)
	}
	return nil
}

func (s *PebbleStore) LoadAccount(ctx context.Context, owner string) (ledger.Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, false, err
	}
	data, closer, err := s.db.Get(accountKey(owner))
	if errors.Is(err, pebble.ErrNotFound) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("get account %s: %w", owner, err)
	}
	defer closer.Close()

	var acc ledger.Account
	if err := decodeJSON(data, &acc); err != nil {
		return ledger.Account{}, false, fmt.Errorf("account %s: %w", owner, err)
	}
	return acc, true, nil
}

func (s *PebbleStore) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan accounts: %w", err)
	}
	defer iter.Close()

	var out []ledger.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc ledger.Account
		if err := decodeJSON(iter.Value(), &acc); err != nil {
			return nil, fmt.Errorf("account %s: %w", iter.Key(), err)
		}
		out = append(out, acc)
	}
	return out, nil
}
