package transaction

import (
	"context"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
)

// errUnchanged is returned by a record mutation that finds nothing to change.
var errUnchanged = errors.New("record unchanged")

// loadRecord returns the record of txID, or nil if there is none.
func (m *Manager) loadRecord(ctx context.Context, txID string) (*record.Record, error) {
	item, err := m.st.Get(ctx, m.conf.TransactionsTable, txID)
	if err != nil {
		return nil, storeErr("load record", err)
	}
	rec, err := record.FromItem(txID, item)
	if err != nil {
		return nil, &ErrCorruptRecord{TxID: txID, Err: err}
	}
	return rec, nil
}

func (m *Manager) mustLoad(ctx context.Context, txID string) (*record.Record, error) {
	rec, err := m.loadRecord(ctx, txID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &ErrTransactionNotFound{TxID: txID}
	}
	return rec, nil
}

// updateRecord applies mutate to rec and writes it back conditioned on the version rec was read at. When the
// condition fails the record is read again and mutate runs on the fresh copy. mutate may return errUnchanged to
// skip the write, in which case the record is returned as read.
func (m *Manager) updateRecord(ctx context.Context, rec *record.Record, mutate func(r *record.Record) error) (*record.Record, error) {
	for i := 0; i < m.conf.MaxCASAttempts; i++ {
		next := rec.Clone()
		if err := mutate(next); err != nil {
			if err == errUnchanged {
				return rec, nil
			}
			return nil, err
		}
		next.Version = rec.Version + 1
		next.LastModified = m.clock.Now()
		err := m.st.Put(ctx, m.conf.TransactionsTable, rec.ID, next.ToItem(),
			storage.When().AttrEquals(record.AttrVersion, storage.N(rec.Version)))
		if err == nil {
			return next, nil
		}
		if !storage.IsConditionFailed(err) {
			return nil, storeErr("update record", err)
		}
		if rec, err = m.mustLoad(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return nil, &ErrTransactionConflict{TxID: rec.ID, Reason: "record kept changing"}
}
