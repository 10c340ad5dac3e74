package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockex/pkg/util"
)

// Manager is the in-process balance ledger. It keeps an in-memory cache in
// front of a Store and persists every change before returning.
//
// AdjustBalance never refuses a debit: the engine does not reserve funds
// ahead of matching, so a settlement can take a balance below zero.
// Withdraw is the only operation that checks available funds.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*Account // owner -> account (in-memory cache)
	store    Store
	clock    util.Clock
	log      *zap.SugaredLogger
}

func NewManager(store Store, clock util.Clock, log *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		accounts: make(map[string]*Account),
		store:    store,
		clock:    clock,
		log:      log,
	}
}

// getAccountLocked loads or creates an account (assumes lock is held)
func (m *Manager) getAccountLocked(ctx context.Context, owner string) (*Account, error) {
	if acc, ok := m.accounts[owner]; ok {
		return acc, nil
	}

	stored, ok, err := m.store.LoadAccount(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", owner, err)
	}
	acc := NewAccount(owner)
	if ok {
		acc = &stored
	}
	m.accounts[owner] = acc
	return acc, nil
}

// commitLocked applies delta to a copy, persists it, and only then swaps
// it into the cache so a failed write leaves the cached balance untouched.
func (m *Manager) commitLocked(ctx context.Context, acc *Account, delta decimal.Decimal) error {
	next := *acc
	next.apply(delta, m.clock.Now())
	if err := m.store.SaveAccount(ctx, next); err != nil {
		return fmt.Errorf("save account %s: %w", acc.Owner, err)
	}
	*acc = next
	return nil
}

// AdjustBalance applies a signed delta to the owner's funds, creating the
// account on first use.
func (m *Manager) AdjustBalance(ctx context.Context, owner string, amount decimal.Decimal) error {
	if owner == "" {
		return fmt.Errorf("%w: empty owner", ErrInvalidAmount)
	}
	if amount.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.getAccountLocked(ctx, owner)
	if err != nil {
		return err
	}
	if err := m.commitLocked(ctx, acc, amount); err != nil {
		return err
	}

	m.log.Debugw("balance_adjusted", "owner", owner, "delta", amount.String(), "balance", acc.Balance.String())
	return nil
}

// Deposit adds funds to an account
// Creates account if it doesn't exist
func (m *Manager) Deposit(ctx context.Context, owner string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive: %s", ErrInvalidAmount, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.getAccountLocked(ctx, owner)
	if err != nil {
		return err
	}
	return m.commitLocked(ctx, acc, amount)
}

// Withdraw removes funds from an account
// Returns error if insufficient available balance
func (m *Manager) Withdraw(ctx context.Context, owner string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdraw amount must be positive: %s", ErrInvalidAmount, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.getAccountLocked(ctx, owner)
	if err != nil {
		return err
	}
	if acc.Balance.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, acc.Balance, amount)
	}
	return m.commitLocked(ctx, acc, amount.Neg())
}

// GetAccount returns a copy of the owner's account.
func (m *Manager) GetAccount(ctx context.Context, owner string) (Account, error) {
	m.mu.RLock()
	acc, ok := m.accounts[owner]
	m.mu.RUnlock()
	if ok {
		return *acc, nil
	}

	stored, found, err := m.store.LoadAccount(ctx, owner)
	if err != nil {
		return Account{}, fmt.Errorf("load account %s: %w", owner, err)
	}
	if !found {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, owner)
	}
	return stored, nil
}

// Balance returns the owner's current balance, zero for unknown owners.
func (m *Manager) Balance(ctx context.Context, owner string) (decimal.Decimal, error) {
	acc, err := m.GetAccount(ctx, owner)
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// ListAccounts returns all accounts known to the store, sorted by owner.
func (m *Manager) ListAccounts(ctx context.Context) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	byOwner := make(map[string]Account, len(stored)+len(m.accounts))
	for _, acc := range stored {
		byOwner[acc.Owner] = acc
	}
	for owner, acc := range m.accounts {
		byOwner[owner] = *acc
	}

	out := make([]Account, 0, len(byOwner))
	for _, acc := range byOwner {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}
