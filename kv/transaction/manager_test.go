package transaction

import (
	"testing"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Put then commit makes the item visible and leaves nothing behind.
func TestPutCommit(t *testing.T) {
	b := newBuilder(t)
	tx1 := b.begin()
	result, err := tx1.Put(b.ctx, "r1", table, "a", v(1))
	require.Nil(t, err)
	assert.Equal(t, v(1), result)

	res, err := tx1.Commit(b.ctx)
	require.Nil(t, err)
	assert.Equal(t, record.StateCommitted, res.State)
	assert.True(t, res.Completed)

	assert.Equal(t, v(1), b.get("a"))
	b.assertUnlocked("a")
	b.assertNoImages()
	rec := b.record(tx1.ID())
	assert.Equal(t, record.StateCommitted, rec.State)
	assert.True(t, rec.Completed)
}

// A second transaction cannot take a lock held by a fresh pending one, and outside readers see the image.
func TestConflictWithPendingTransaction(t *testing.T) {
	b := newBuilder(t)
	tx1 := b.begin()
	_, err := tx1.Put(b.ctx, "r1", table, "a", v(1))
	require.Nil(t, err)

	tx2 := b.newManager()
	txn2, err := tx2.Begin(b.ctx)
	require.Nil(t, err)
	_, err = txn2.Put(b.ctx, "r1", table, "a", v(2))
	errorIs(t, err, &ErrTransactionConflict{})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, record.StatePending, b.record(txn2.ID()).State)

	// "a" did not exist before tx1.
	assert.Nil(t, b.get("a"))
	b.assertLockedBy("a", tx1.ID())
}

func TestConflictReadsImageOfExistingItem(t *testing.T) {
	b := newBuilder(t)
	b.set("a", v(0))
	tx1 := b.begin()
	_, err := tx1.Put(b.ctx, "r1", table, "a", v(1))
	require.Nil(t, err)

	assert.Equal(t, v(0), b.get("a"))
	uncommitted, err := b.m.Read(b.ctx, table, "a", ReadUncommitted)
	require.Nil(t, err)
	assert.Equal(t, v(1), uncommitted)

	// Read your own writes.
	own, err := tx1.Get(b.ctx, "g1", table, "a")
	require.Nil(t, err)
	assert.Equal(t, v(1), own)

	_, err = tx1.Commit(b.ctx)
	require.Nil(t, err)
	assert.Equal(t, v(1), b.get("a"))
}

// Resubmitting a request id replays its result without applying it again.
func TestIdempotentUpdate(t *testing.T) {
	b := newBuilder(t)
	b.set("a", v(1))
	tx1 := b.begin()
	inc := []record.Action{record.Add("v", 1)}

	first, err := tx1.Update(b.ctx, "r1", table, "a", inc)
	require.Nil(t, err)
	second, err := tx1.Update(b.ctx, "r1", table, "a", inc)
	require.Nil(t, err)
	assert.Equal(t, v(2), first)
	assert.Equal(t, first, second)

	_, err = tx1.Commit(b.ctx)
	require.Nil(t, err)
	assert.Equal(t, v(2), b.get("a"))
	assert.Len(t, b.record(tx1.ID()).Requests, 1)
}

// The first attempt applied the update but died before recording its result.
func TestIdempotentUpdateAfterLostResult(t *testing.T) {
	b := newBuilder(t)
	b.set("a", v(1))
	tx1 := b.begin()
	inc := []record.Action{record.Add("v", 1)}

	// The append and the lock succeed, the write finalizing the request fails.
	writes := 0
	b.st.mu.Lock()
	b.st.failOn = func(op, tbl, key string) bool {
		if tbl != b.conf.TransactionsTable {
			return false
		}
		writes++
		return writes == 2
	}
	b.st.mu.Unlock()
	_, err := tx1.Update(b.ctx, "r1", table, "a", inc)
	errorIs(t, err, &ErrStoreUnavailable{})
	b.st.clearFault()
	assert.False(t, b.record(tx1.ID()).Requests[0].Finalized)
	assert.True(t, lock.Parse(b.raw("a")).Applied)

	again, err := tx1.Update(b.ctx, "r1", table, "a", inc)
	require.Nil(t, err)
	assert.Equal(t, v(2), again)
	assert.True(t, b.record(tx1.ID()).Requests[0].Finalized)

	_, err = tx1.Commit(b.ctx)
	require.Nil(t, err)
	assert.Equal(t, v(2), b.get("a"))
}

func TestDuplicateRequestID(t *testing.T) {
	b := newBuilder(t)
	tx1 := b.begin()
	_, err := tx1.Put(b.ctx, "r1", table, "a", v(1))
	require.Nil(t, err)
	_, err = tx1.Put(b.ctx, "r1", table, "a", v(2))
	errorIs(t, err, &ErrDuplicateRequest{})
	_, err = tx1.Put(b.ctx, "r1", table, "b", v(1))
	errorIs(t, err, &ErrDuplicateRequest{})
}

func TestOneWritePerItem(t *testing.T) {
	b := newBuilder(t)
	b.set("a", v(1))
	tx1 := b.begin()

	got, err := tx1.Get(b.ctx, "g1", table, "a")
	require.Nil(t, err)
	assert.Equal(t, v(1), got)
	require.Nil(t, tx1.Delete(b.ctx, "d1", table, "a"))
	_, err = tx1.Put(b.ctx, "p1", table, "a", v(2))
	errorIs(t, err, &ErrInvalidRequest{})

	got, err = tx1.Get(b.ctx, "g2", table, "a")
	require.Nil(t, err)
	assert.Nil(t, got)
	// The delete is not visible outside before commit.
	assert.Equal(t, v(1), b.get("a"))

	_, err = tx1.Commit(b.ctx)
	require.Nil(t, err)
	assert.Nil(t, b.get("a"))
	assert.Nil(t, b.raw("a"))
}

func TestInvalidRequests(t *testing.T) {
	b := newBuilder(t)
	tx1 := b.begin()
	_, err := tx1.Put(b.ctx, "r1", table, "a", storage.Item{lock.AttrOwner: storage.S("me")})
	errorIs(t, err, &ErrInvalidRequest{})
	_, err = tx1.Put(b.ctx, "r2", b.conf.TransactionsTable, "a", v(1))
	errorIs(t, err, &ErrInvalidRequest{})
	_, err = tx1.Put(b.ctx, "r3", table, "", v(1))
	errorIs(t, err, &ErrInvalidRequest{})

	b.set("n", storage.Item{"v": storage.S("text")})
	_, err = tx1.Update(b.ctx, "r4", table, "n", []record.Action{record.Add("v", 1)})
	errorIs(t, err, &ErrInvalidRequest{})

	_, err = b.m.AddRequest(b.ctx, "nope", &record.Request{ID: "r", Kind: record.KindGet, Table: table, Key: "a"})
	errorIs(t, err, &ErrTransactionNotFound{})

	// The hash key attribute of the dynamodb engine.
	_, err = tx1.Put(b.ctx, "r9", table, "z", storage.Item{b.conf.Storage.DynamoDB.KeyAttribute: storage.S("k")})
	errorIs(t, err, &ErrInvalidRequest{})
	_, err = tx1.Put(b.ctx, "r5", table, "z", storage.Item{"v": {}})
	errorIs(t, err, &ErrInvalidRequest{})
	_, err = tx1.Update(b.ctx, "r6", table, "z", []record.Action{record.Set("v", storage.Value{})})
	errorIs(t, err, &ErrInvalidRequest{})
	_, err = tx1.Update(b.ctx, "r7", table, "z", []record.Action{{Kind: 9, Attr: "v"}})
	errorIs(t, err, &ErrInvalidRequest{})
	_, err = b.m.AddRequest(b.ctx, tx1.ID(), &record.Request{ID: "r8", Kind: record.KindUpdate, Table: table, Key: "z",
		Actions: []record.Action{record.Remove("v")}, Expected: []storage.Check{{Attr: "v"}}})
	errorIs(t, err, &ErrInvalidRequest{})
	rec := b.record(tx1.ID())
	for _, id := range []string{"r5", "r6", "r7", "r8"} {
		assert.Nil(t, rec.FindID(id))
	}
}

// SET, ADD and REMOVE in one update survive a reload of the record at commit.
func TestUpdateWithRemoveCommits(t *testing.T) {
	b := newBuilder(t)
	b.set("a", storage.Item{"v": storage.N(1), "old": storage.S("x"), "keep": storage.S("k")})
	tx1 := b.begin()
	actions := []record.Action{record.Set("s", storage.S("new")), record.Add("v", 2), record.Remove("old")}
	result, err := tx1.Update(b.ctx, "r1", table, "a", actions)
	require.Nil(t, err)
	want := storage.Item{"v": storage.N(3), "s": storage.S("new"), "keep": storage.S("k")}
	assert.Equal(t, want, result)
	assert.Equal(t, actions, b.record(tx1.ID()).Requests[0].Actions)

	res, err := tx1.Commit(b.ctx)
	require.Nil(t, err)
	assert.Equal(t, record.StateCommitted, res.State)
	assert.True(t, res.Completed)

	got := b.get("a")
	assert.Equal(t, want, got)
	_, ok := got["old"]
	assert.False(t, ok)
	b.assertUnlocked("a")
	b.assertNoImages()
}

func TestRollbackRestoresItems(t *testing.T) {
	b := newBuilder(t)
	b.set("a", v(1))
	tx1 := b.begin()
	_, err := tx1.Put(b.ctx, "r1", table, "a", v(2))
	require.Nil(t, err)
	_, err = tx1.Put(b.ctx, "r2", table, "b", v(3))
	require.Nil(t, err)
	require.Nil(t, tx1.Delete(b.ctx, "r3", table, "c"))

	res, err := tx1.Rollback(b.ctx)
	require.Nil(t, err)
	assert.Equal(t, record.StateRolledBack, res.State)
	assert.True(t, res.Completed)

	assert.Equal(t, v(1), lock.Strip(b.raw("a")))
	b.assertUnlocked("a")
	assert.Nil(t, b.raw("b"))
	assert.Nil(t, b.raw("c"))
	b.assertNoImages()

	_, err = tx1.Commit(b.ctx)
	errorIs(t, err, &ErrTransactionAlreadyComplete{})
	_, err = tx1.Put(b.ctx, "r4", table, "a", v(9))
	errorIs(t, err, &ErrTransactionAlreadyComplete{})

	// Rolling back again is a no-op.
	res, err = tx1.Rollback(b.ctx)
	require.Nil(t, err)
	assert.Equal(t, record.StateRolledBack, res.State)
}

// An item whose lock vanished before commit cannot be committed; the rest of the transaction is rolled back.
func TestCommitRequiresHeldLocks(t *testing.T) {
	b := newBuilder(t)
	b.set("b", v(5))
	tx1 := b.begin()
	_, err := tx1.Put(b.ctx, "r1", table, "a", v(1))
	require.Nil(t, err)
	_, err = tx1.Update(b.ctx, "r2", table, "b", []record.Action{record.Add("v", 1)})
	require.Nil(t, err)

	// Someone outside the protocol overwrites "a" and drops the lock.
	b.set("a", lock.Strip(b.raw("a")))

	res, err := tx1.Commit(b.ctx)
	errorIs(t, err, &ErrItemNotLocked{})
	assert.Equal(t, &ErrItemNotLocked{TxID: tx1.ID(), Item: record.Target{Table: table, Key: "a"}}, errors.Cause(err))
	assert.Equal(t, record.StateRolledBack, res.State)
	assert.Equal(t, record.StateRolledBack, b.record(tx1.ID()).State)
	assert.Equal(t, v(5), b.get("b"))
	b.assertUnlocked("b")
}
