package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/stockex/pkg/app/core/ledger"
	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

// MemoryStore is a process-local order repository and account store. It
// hands out copies, never references into its maps.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]order.Order
	accounts map[string]ledger.Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]order.Order),
		accounts: make(map[string]ledger.Account),
	}
}

func (s *MemoryStore) Save(ctx context.Context, o order.Order) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	o, err := prepare(o)
	if err != nil {
		return order.Order{}, err
	}
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
	return o.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.orders, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	s.mu.RLock()
	o, ok := s.orders[id]
	s.mu.RUnlock()
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) filter(ctx context.Context, keep func(order.Order) bool) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []order.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()
	byArrival(out)
	return out, nil
}

func (s *MemoryStore) FindAll(ctx context.Context) ([]order.Order, error) {
	return s.filter(ctx, func(order.Order) bool { return true })
}

func (s *MemoryStore) FindByInstrumentAndSide(ctx context.Context, instrument string, side order.Side) ([]order.Order, error) {
	return s.filter(ctx, func(o order.Order) bool {
		return o.Instrument == instrument && o.Side == side
	})
}

func (s *MemoryStore) FindByOwner(ctx context.Context, owner string) ([]order.Order, error) {
	return s.filter(ctx, func(o order.Order) bool { return o.Owner == owner })
}

var _ ledger.Store = (*MemoryStore)(nil)

func (s *MemoryStore) SaveAccount(ctx context.Context, acc ledger.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.accounts[acc.Owner] = acc
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadAccount(ctx context.Context, owner string) (ledger.Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, false, err
	}
	s.mu.RLock()
	acc, ok := s.accounts[owner]
	s.mu.RUnlock()
	return acc, ok, nil
}

func (s *MemoryStore) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]ledger.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}
