package transaction

import (
	"context"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// drive locks the item of req for rec and applies req to it, clearing foreign locks of finished or abandoned
// transactions on the way. It returns the item as rec's transaction now sees it.
func (m *Manager) drive(ctx context.Context, rec *record.Record, req *record.Request) (storage.Item, error) {
	t := req.Target()
	for i := 0; i < m.conf.MaxCASAttempts; i++ {
		if err := m.checkLease(ctx, rec); err != nil {
			return nil, err
		}
		view, foreign, err := m.tryAcquire(ctx, rec, req)
		if foreign != nil {
			if err := m.resolveForeign(ctx, rec.ID, t, foreign); err != nil {
				return nil, err
			}
			continue
		}
		switch {
		case err == nil:
			if w := rec.WriteFor(t.Table, t.Key); w != nil && w.Kind == record.KindDelete {
				view = nil
			}
			return view, nil
		case storage.IsConditionFailed(err):
			log.Debug("lock attempt lost a race, retrying", zap.String("txn", rec.ID), zap.Stringer("item", t))
			continue
		case err == lock.ErrExpectationFailed:
			return nil, &ErrConditionCheckFailed{TxID: rec.ID, RequestID: req.ID, Item: t}
		case errors.Cause(err) == record.ErrInvalidUpdate:
			return nil, &ErrInvalidRequest{Reason: err.Error()}
		default:
			return nil, storeErr("acquire lock", err)
		}
	}
	return nil, &ErrTransactionConflict{TxID: rec.ID, Item: t, Reason: "item kept changing"}
}

// tryAcquire makes one lock attempt under the item's latch. If the item is held by another transaction it returns
// that lock instead.
func (m *Manager) tryAcquire(ctx context.Context, rec *record.Record, req *record.Request) (storage.Item, *lock.Lock, error) {
	defer m.latch(req.Target())()
	current, l, err := m.locks.Read(ctx, req.Target())
	if err != nil {
		return nil, nil, err
	}
	if l != nil && l.Owner != rec.ID {
		return nil, l, nil
	}
	view, err := m.locks.Acquire(ctx, rec.ID, req, current, m.clock.Now())
	return view, nil, err
}

// checkLease rolls rec back when it has gone longer than the staleness threshold without a record write. Other
// clients are free to roll it back by then, so placing more locks would race them.
func (m *Manager) checkLease(ctx context.Context, rec *record.Record) error {
	age := rec.Age(m.clock.Now())
	if age < m.conf.StaleTxnThreshold.Duration {
		return nil
	}
	log.Warn("transaction outlived its lease, rolling it back",
		zap.String("txn", rec.ID), zap.Duration("age", age), zap.Duration("threshold", m.conf.StaleTxnThreshold.Duration))
	if _, err := m.rollback(ctx, rec); err != nil {
		return err
	}
	return &ErrTransactionConflict{TxID: rec.ID, Reason: "transaction went stale and was rolled back"}
}

// resolveForeign deals with the lock l of another transaction on t. Locks of committed, rolled back, abandoned or
// vanished transactions are finished on their behalf. A lock of a live transaction is a conflict.
func (m *Manager) resolveForeign(ctx context.Context, txID string, t record.Target, l *lock.Lock) error {
	foreign, err := m.loadRecord(ctx, l.Owner)
	if err != nil {
		return err
	}
	if foreign == nil {
		conflictCounter.WithLabelValues("orphan").Inc()
		log.Warn("lock without transaction record, rolling the item back", zap.String("owner", l.Owner), zap.Stringer("item", t))
		return storeErr("restore orphan", m.restore(ctx, l.Owner, t))
	}
	switch foreign.State {
	case record.StateCommitted:
		conflictCounter.WithLabelValues("committed").Inc()
		w := foreign.WriteFor(t.Table, t.Key)
		return storeErr("release committed", m.release(ctx, foreign.ID, t, w != nil && w.Kind == record.KindDelete))
	case record.StateRolledBack:
		conflictCounter.WithLabelValues("rolled_back").Inc()
		return storeErr("restore rolled back", m.restore(ctx, foreign.ID, t))
	}
	if age := foreign.Age(m.clock.Now()); age >= m.conf.StaleTxnThreshold.Duration {
		conflictCounter.WithLabelValues("stale").Inc()
		log.Warn("rolling back stale transaction", zap.String("txn", txID), zap.String("stale", foreign.ID),
			zap.Duration("age", age))
		_, err := m.rollback(ctx, foreign)
		if _, ok := errors.Cause(err).(*ErrTransactionAlreadyComplete); ok {
			// It committed meanwhile; the next attempt releases its lock.
			return nil
		}
		return err
	}
	conflictCounter.WithLabelValues("conflict").Inc()
	return &ErrTransactionConflict{TxID: txID, Item: t, Owner: foreign.ID}
}
