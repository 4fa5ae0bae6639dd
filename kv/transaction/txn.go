package transaction

import (
	"context"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
)

// Transaction is a handle on one transaction. It holds nothing but the id, so handles are cheap and any number of
// them, in any process, may refer to the same transaction.
//
// Every operation takes a request id. Resubmitting an operation with the same id after an error whose outcome is
// unknown is safe; an empty id draws a fresh random one, which gives up that protection.
type Transaction struct {
	m  *Manager
	id string
}

func (txn *Transaction) ID() string {
	return txn.id
}

// Get reads an item within the transaction. The item stays locked until the transaction ends, so later reads
// repeat, and the transaction sees its own writes.
func (txn *Transaction) Get(ctx context.Context, requestID, table, key string) (storage.Item, error) {
	return txn.Do(ctx, &record.Request{ID: requestID, Kind: record.KindGet, Table: table, Key: key})
}

// Put replaces the item with item if expected holds.
func (txn *Transaction) Put(ctx context.Context, requestID, table, key string, item storage.Item, expected ...storage.Check) (storage.Item, error) {
	if item == nil {
		item = storage.Item{}
	}
	return txn.Do(ctx, &record.Request{ID: requestID, Kind: record.KindPut, Table: table, Key: key, Item: item,
		Expected: expected})
}

// Update applies actions to the item, creating it if it does not exist, if expected holds.
func (txn *Transaction) Update(ctx context.Context, requestID, table, key string, actions []record.Action, expected ...storage.Check) (storage.Item, error) {
	return txn.Do(ctx, &record.Request{ID: requestID, Kind: record.KindUpdate, Table: table, Key: key,
		Actions: actions, Expected: expected})
}

// Delete removes the item when the transaction commits, if expected holds.
func (txn *Transaction) Delete(ctx context.Context, requestID, table, key string, expected ...storage.Check) error {
	_, err := txn.Do(ctx, &record.Request{ID: requestID, Kind: record.KindDelete, Table: table, Key: key,
		Expected: expected})
	return err
}

// Do submits req to the transaction.
func (txn *Transaction) Do(ctx context.Context, req *record.Request) (storage.Item, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return txn.m.AddRequest(ctx, txn.id, req)
}

func (txn *Transaction) Commit(ctx context.Context) (Result, error) {
	return txn.m.Commit(ctx, txn.id)
}

func (txn *Transaction) Rollback(ctx context.Context) (Result, error) {
	return txn.m.Rollback(ctx, txn.id)
}

func (txn *Transaction) Resume(ctx context.Context) (Result, error) {
	return txn.m.Resume(ctx, txn.id)
}
