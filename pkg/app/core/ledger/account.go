package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Account is one user's available funds.
type Account struct {
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`

	// Cumulative statistics
	Credited    decimal.Decimal `json:"credited"`
	Debited     decimal.Decimal `json:"debited"`
	Adjustments int64           `json:"adjustments"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAccount creates an account with zero balance
func NewAccount(owner string) *Account {
	return &Account{Owner: owner}
}

// apply adds a signed delta and updates the running totals.
func (a *Account) apply(delta decimal.Decimal, at time.Time) {
	a.Balance = a.Balance.Add(delta)
	if delta.IsPositive() {
		a.Credited = a.Credited.Add(delta)
	} else {
		a.Debited = a.Debited.Add(delta.Neg())
	}
	a.Adjustments++
	a.UpdatedAt = at
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.Owner == "" {
		return fmt.Errorf("account has no owner")
	}
	if a.Credited.IsNegative() || a.Debited.IsNegative() {
		return fmt.Errorf("negative totals: credited=%s debited=%s", a.Credited, a.Debited)
	}
	if !a.Credited.Sub(a.Debited).Equal(a.Balance) {
		return fmt.Errorf("balance %s does not match credited %s - debited %s", a.Balance, a.Credited, a.Debited)
	}
	return nil
}

// Store persists accounts. Implementations live in pkg/storage.
type Store interface {
	SaveAccount(ctx context.Context, acc Account) error
	// LoadAccount returns ok=false when the owner has no account yet.
	LoadAccount(ctx context.Context, owner string) (acc Account, ok bool, err error)
	LoadAccounts(ctx context.Context) ([]Account, error)
}
