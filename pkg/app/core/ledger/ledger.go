// Package ledger holds the balance-ledger side of settlement: an in-process
// account manager, an HTTP client for a remote ledger service, and a
// retrying wrapper that bounds how long settlement waits on either.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Ledger applies signed deltas to a user's available funds.
type Ledger interface {
	AdjustBalance(ctx context.Context, owner string, amount decimal.Decimal) error
}

var (
	_ Ledger = (*Manager)(nil)
	_ Ledger = (*HTTPLedger)(nil)
	_ Ledger = (*Retrying)(nil)
)

// PermanentError marks a ledger failure that retrying cannot fix, such as
// the remote service refusing the request.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent ledger error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
