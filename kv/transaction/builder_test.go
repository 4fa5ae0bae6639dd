package transaction

// This file contains utility code for testing transactions.

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = "T"

var errInjected = errors.New("injected store failure")

// faultStorage wraps a store and fails writes chosen by the test, which is how tests crash a client between two
// protocol steps.
type faultStorage struct {
	storage.Storage
	mu     sync.Mutex
	failOn func(op, table, key string) bool
}

func (fs *faultStorage) fail(op, table, key string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.failOn != nil && fs.failOn(op, table, key)
}

// setFault makes every write to table/key fail. An empty key matches every key of table.
func (fs *faultStorage) setFault(table, key string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failOn = func(_, t, k string) bool {
		return t == table && (key == "" || k == key)
	}
}

func (fs *faultStorage) clearFault() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failOn = nil
}

func (fs *faultStorage) Put(ctx context.Context, table, key string, item storage.Item, cond *storage.Condition) error {
	if fs.fail("put", table, key) {
		return errInjected
	}
	return fs.Storage.Put(ctx, table, key, item, cond)
}

func (fs *faultStorage) Delete(ctx context.Context, table, key string, cond *storage.Condition) error {
	if fs.fail("delete", table, key) {
		return errInjected
	}
	return fs.Storage.Delete(ctx, table, key, cond)
}

// testBuilder is a helper type for running transaction tests.
type testBuilder struct {
	t     *testing.T
	ctx   context.Context
	conf  *config.Config
	mem   *storage.MemStorage
	st    *faultStorage
	clock *ManualClock
	m     *Manager

	mu    sync.Mutex
	txnID int
}

func newBuilder(t *testing.T) *testBuilder {
	mem := storage.NewMemStorage()
	b := &testBuilder{
		t:     t,
		ctx:   context.Background(),
		conf:  config.NewTestConfig(),
		mem:   mem,
		st:    &faultStorage{Storage: mem},
		clock: NewManualClock(time.Unix(1600000000, 0)),
	}
	b.m = b.newManager()
	return b
}

// newManager returns another Manager on the same store, standing in for a separate client process.
func (b *testBuilder) newManager() *Manager {
	return NewManager(b.st, b.conf, WithClock(b.clock), WithIDGenerator(b.nextID))
}

func (b *testBuilder) nextID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txnID++
	return fmt.Sprintf("tx%d", b.txnID)
}

func (b *testBuilder) begin() *Transaction {
	txn, err := b.m.Begin(b.ctx)
	require.Nil(b.t, err)
	return txn
}

// set writes an item directly, outside any transaction.
func (b *testBuilder) set(key string, item storage.Item) {
	b.mem.Set(table, key, item)
}

// raw returns the stored item including lock metadata.
func (b *testBuilder) raw(key string) storage.Item {
	item, err := b.mem.Get(b.ctx, table, key)
	require.Nil(b.t, err)
	return item
}

func (b *testBuilder) get(key string) storage.Item {
	item, err := b.m.Get(b.ctx, table, key)
	require.Nil(b.t, err)
	return item
}

func (b *testBuilder) record(txID string) *record.Record {
	rec, err := b.m.Record(b.ctx, txID)
	require.Nil(b.t, err)
	return rec
}

func (b *testBuilder) staleness() {
	b.clock.Advance(b.conf.StaleTxnThreshold.Duration + time.Millisecond)
}

func (b *testBuilder) assertUnlocked(key string) {
	assert.Nil(b.t, lock.Parse(b.raw(key)), "item %s is still locked", key)
}

func (b *testBuilder) assertLockedBy(key, txID string) {
	l := lock.Parse(b.raw(key))
	if assert.NotNil(b.t, l, "item %s is not locked", key) {
		assert.Equal(b.t, txID, l.Owner)
	}
}

func (b *testBuilder) assertNoImages() {
	assert.Equal(b.t, 0, b.mem.Len(b.conf.ImagesTable))
}

func v(n int64) storage.Item {
	return storage.Item{"v": storage.N(n)}
}

func errorIs(t *testing.T, err error, target interface{}) {
	require.NotNil(t, err)
	assert.IsType(t, target, errors.Cause(err), "unexpected error %v", err)
}
