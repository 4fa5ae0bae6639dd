package transaction

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// RetryPolicy bounds how Run retries a transaction that hit a conflict.
type RetryPolicy struct {
	// MaxAttempts is the number of transactions Run starts at most, the first one included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewRetryPolicy(conf config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    conf.MaxAttempts,
		InitialBackoff: conf.InitialBackoff.Duration,
		MaxBackoff:     conf.MaxBackoff.Duration,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.MaxElapsedTime = 0
	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Run runs fn in a new transaction and commits it. If fn or the commit fails with a retryable error, the transaction
// is rolled back and fn runs again in a fresh transaction after a backoff, up to policy.MaxAttempts times. Any other
// error rolls the transaction back and is returned at once.
func Run(ctx context.Context, m *Manager, policy RetryPolicy, fn func(ctx context.Context, txn *Transaction) error) (Result, error) {
	var (
		res     Result
		attempt int
	)
	op := func() error {
		attempt++
		txn, err := m.Begin(ctx)
		if err != nil {
			return classify(err)
		}
		if err = fn(ctx, txn); err != nil {
			abandon(ctx, txn, err)
			return classify(err)
		}
		res, err = txn.Commit(ctx)
		if err != nil {
			abandon(ctx, txn, err)
			return classify(err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Info("transaction conflict, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	return res, err
}

func classify(err error) error {
	if IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// abandon rolls back a transaction that failed, unless it already finished.
func abandon(ctx context.Context, txn *Transaction, cause error) {
	res, err := txn.Rollback(ctx)
	if err == nil {
		return
	}
	if done, ok := errors.Cause(err).(*ErrTransactionAlreadyComplete); ok && done.State == record.StateRolledBack {
		return
	}
	log.Warn("could not roll back failed transaction", zap.String("txn", txn.ID()), zap.Stringer("state", res.State),
		zap.NamedError("cause", cause), zap.Error(err))
}
