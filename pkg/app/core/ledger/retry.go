package ledger

import (
	"context"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RetryConfig bounds settlement retries: Attempts retries after the first
// call, starting at Backoff and doubling.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Backoff: 50 * time.Millisecond}
}

// Retrying wraps a Ledger with exponential backoff. Permanent errors and
// context cancellation are returned at once.
type Retrying struct {
	next Ledger
	r    *retrier.Retrier
	log  *zap.SugaredLogger
}

type permanentClassifier struct{}

func (permanentClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case isPermanent(err):
		return retrier.Fail
	default:
		return retrier.Retry
	}
}

func NewRetrying(next Ledger, cfg RetryConfig, log *zap.SugaredLogger) *Retrying {
	if cfg.Attempts < 0 {
		cfg.Attempts = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultRetryConfig().Backoff
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Retrying{
		next: next,
		r:    retrier.New(retrier.ExponentialBackoff(cfg.Attempts, cfg.Backoff), permanentClassifier{}),
		log:  log,
	}
}

func (l *Retrying) AdjustBalance(ctx context.Context, owner string, amount decimal.Decimal) error {
	attempt := 0
	return l.r.RunCtx(ctx, func(ctx context.Context) error {
		attempt++
		err := l.next.AdjustBalance(ctx, owner, amount)
		if err != nil {
			l.log.Warnw("ledger_adjust_failed", "owner", owner, "amount", amount.String(), "attempt", attempt, "err", err)
		}
		return err
	})
}
