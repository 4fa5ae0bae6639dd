package sweeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/image"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = "T"

var errInjected = errors.New("injected store failure")

// faultStorage fails every write matched by failOn.
type faultStorage struct {
	storage.Storage
	mu     sync.Mutex
	failOn func(table, key string) bool
}

func (fs *faultStorage) setFault(f func(table, key string) bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failOn = f
}

func (fs *faultStorage) fail(table, key string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.failOn != nil && fs.failOn(table, key)
}

func (fs *faultStorage) Put(ctx context.Context, table, key string, item storage.Item, cond *storage.Condition) error {
	if fs.fail(table, key) {
		return errInjected
	}
	return fs.Storage.Put(ctx, table, key, item, cond)
}

func (fs *faultStorage) Delete(ctx context.Context, table, key string, cond *storage.Condition) error {
	if fs.fail(table, key) {
		return errInjected
	}
	return fs.Storage.Delete(ctx, table, key, cond)
}

type sweepSuite struct {
	t     *testing.T
	ctx   context.Context
	conf  *config.Config
	mem   *storage.MemStorage
	st    *faultStorage
	clock *transaction.ManualClock
	m     *transaction.Manager
}

func newSweepSuite(t *testing.T) *sweepSuite {
	mem := storage.NewMemStorage()
	s := &sweepSuite{
		t:     t,
		ctx:   context.Background(),
		conf:  config.NewTestConfig(),
		mem:   mem,
		st:    &faultStorage{Storage: mem},
		clock: transaction.NewManualClock(time.Unix(1600000000, 0)),
	}
	s.m = s.newManager()
	return s
}

func (s *sweepSuite) newManager() *transaction.Manager {
	return transaction.NewManager(s.st, s.conf, transaction.WithClock(s.clock))
}

func (s *sweepSuite) newSweeper() *Sweeper {
	return New(s.newManager(), s.conf.Sweep)
}

func (s *sweepSuite) put(key string, n int64) *transaction.Transaction {
	txn, err := s.m.Begin(s.ctx)
	require.Nil(s.t, err)
	_, err = txn.Put(s.ctx, "", table, key, storage.Item{"v": storage.N(n)})
	require.Nil(s.t, err)
	return txn
}

func (s *sweepSuite) staleness() {
	s.clock.Advance(s.conf.StaleTxnThreshold.Duration + time.Millisecond)
}

func (s *sweepSuite) sweep(sw *Sweeper) Result {
	res, err := sw.Sweep(s.ctx, s.conf.Sweep.AgeThreshold.Duration)
	require.Nil(s.t, err)
	return res
}

func (s *sweepSuite) raw(key string) storage.Item {
	item, err := s.mem.Get(s.ctx, table, key)
	require.Nil(s.t, err)
	return item
}

func (s *sweepSuite) assertGone(txID string) {
	_, err := s.m.Record(s.ctx, txID)
	require.NotNil(s.t, err)
	assert.IsType(s.t, &transaction.ErrTransactionNotFound{}, errors.Cause(err))
}

func (s *sweepSuite) state(txID string) record.State {
	rec, err := s.m.Record(s.ctx, txID)
	require.Nil(s.t, err)
	return rec.State
}

// An abandoned transaction is rolled back once it is stale. Its record stays until a later sweep finds it old.
func TestSweepRollsBackAbandoned(t *testing.T) {
	s := newSweepSuite(t)
	txn := s.put("a", 1)
	sw := s.newSweeper()

	res := s.sweep(sw)
	assert.Equal(t, Result{StillPending: 1}, res)
	assert.NotNil(t, lock.Parse(s.raw("a")))

	s.staleness()
	res = s.sweep(sw)
	assert.Equal(t, Result{Swept: 1, RolledBack: 1}, res)
	assert.Nil(t, s.raw("a"))
	item, err := s.m.Get(s.ctx, table, "a")
	require.Nil(t, err)
	assert.Nil(t, item)
	assert.Equal(t, 0, s.mem.Len(s.conf.ImagesTable))

	// The client can still learn the outcome.
	assert.Equal(t, record.StateRolledBack, s.state(txn.ID()))
	resumed, err := s.m.Resume(s.ctx, txn.ID())
	require.Nil(t, err)
	assert.Equal(t, record.StateRolledBack, resumed.State)
	assert.True(t, resumed.Completed)

	res = s.sweep(sw)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, record.StateRolledBack, s.state(txn.ID()))

	s.staleness()
	res = s.sweep(sw)
	assert.Equal(t, Result{Deleted: 1}, res)
	s.assertGone(txn.ID())
	assert.Nil(t, s.raw("a"))
}

func TestSweepRestoresExistingItem(t *testing.T) {
	s := newSweepSuite(t)
	s.mem.Set(table, "a", storage.Item{"v": storage.N(1)})
	txn := s.put("a", 2)
	s.staleness()

	res := s.sweep(s.newSweeper())
	assert.Equal(t, 1, res.RolledBack)
	assert.Equal(t, storage.Item{"v": storage.N(1)}, lock.Strip(s.raw("a")))
	assert.Nil(t, lock.Parse(s.raw("a")))
	assert.Equal(t, record.StateRolledBack, s.state(txn.ID()))
	assert.Equal(t, 0, s.mem.Len(s.conf.ImagesTable))
}

// A client that crashed after asking to commit, with every lock applied, is committed by the sweep.
func TestSweepCommitsRequested(t *testing.T) {
	s := newSweepSuite(t)
	txn := s.put("a", 1)

	writes := 0
	s.st.setFault(func(tbl, _ string) bool {
		if tbl != s.conf.TransactionsTable {
			return false
		}
		writes++
		return writes == 2
	})
	_, err := txn.Commit(s.ctx)
	require.NotNil(t, err)
	s.st.setFault(nil)
	rec, err := s.m.Record(s.ctx, txn.ID())
	require.Nil(t, err)
	require.Equal(t, record.StatePending, rec.State)
	require.True(t, rec.CommitRequested)

	s.staleness()
	res := s.sweep(s.newSweeper())
	assert.Equal(t, Result{Swept: 1, Committed: 1}, res)
	assert.Equal(t, storage.Item{"v": storage.N(1)}, lock.Strip(s.raw("a")))
	assert.Nil(t, lock.Parse(s.raw("a")))
	assert.Equal(t, record.StateCommitted, s.state(txn.ID()))
}

// A committed transaction whose cleanup failed is finished by the sweep and, being final already, deleted.
func TestSweepFinishesCommitted(t *testing.T) {
	s := newSweepSuite(t)
	txn := s.put("a", 1)
	_, err := txn.Put(s.ctx, "", table, "b", storage.Item{"v": storage.N(1)})
	require.Nil(t, err)

	s.st.setFault(func(tbl, key string) bool { return tbl == table && key == "b" })
	res, err := txn.Commit(s.ctx)
	require.Nil(t, err)
	assert.Equal(t, record.StateCommitted, res.State)
	assert.False(t, res.Completed)
	s.st.setFault(nil)
	assert.NotNil(t, lock.Parse(s.raw("b")))

	s.staleness()
	swept := s.sweep(s.newSweeper())
	assert.Equal(t, Result{Deleted: 1}, swept)
	for _, key := range []string{"a", "b"} {
		assert.Equal(t, storage.Item{"v": storage.N(1)}, lock.Strip(s.raw(key)))
		assert.Nil(t, lock.Parse(s.raw(key)))
	}
	s.assertGone(txn.ID())
}

func TestSweepLeavesFailedCleanup(t *testing.T) {
	s := newSweepSuite(t)
	txn := s.put("a", 1)
	s.staleness()

	s.st.setFault(func(tbl, _ string) bool { return tbl == table })
	res := s.sweep(s.newSweeper())
	assert.Equal(t, Result{Swept: 1, RolledBack: 1, Errors: 1}, res)
	rec, err := s.m.Record(s.ctx, txn.ID())
	require.Nil(t, err)
	assert.Equal(t, record.StateRolledBack, rec.State)
	assert.False(t, rec.Completed)

	s.st.setFault(nil)
	s.staleness()
	res = s.sweep(s.newSweeper())
	assert.Equal(t, Result{Deleted: 1}, res)
	assert.Nil(t, s.raw("a"))
	s.assertGone(txn.ID())
}

// A record that cannot be parsed is counted and skipped; the others are still swept.
func TestSweepSkipsCorruptRecord(t *testing.T) {
	s := newSweepSuite(t)
	first := s.put("a", 1)
	s.mem.Set(s.conf.TransactionsTable, "bad", storage.Item{
		record.AttrState:    storage.S("P"),
		record.AttrVersion:  storage.N(1),
		record.AttrDate:     storage.N(s.clock.Now().UnixNano()),
		record.AttrRequests: storage.B([]byte{1, 1, byte(record.KindPut)}),
	})
	second := s.put("b", 2)
	s.staleness()

	res := s.sweep(s.newSweeper())
	assert.Equal(t, Result{Swept: 2, RolledBack: 2, Errors: 1}, res)
	assert.Equal(t, record.StateRolledBack, s.state(first.ID()))
	assert.Equal(t, record.StateRolledBack, s.state(second.ID()))
	assert.Nil(t, s.raw("a"))
	assert.Nil(t, s.raw("b"))
	raw, err := s.mem.Get(s.ctx, s.conf.TransactionsTable, "bad")
	require.Nil(t, err)
	assert.NotNil(t, raw)
}

// Images left behind by transactions whose record is gone are dropped.
func TestSweepDropsOrphanImages(t *testing.T) {
	s := newSweepSuite(t)
	live := s.put("a", 1)
	s.mem.Set(table, "b", storage.Item{"v": storage.N(2)})
	other := s.put("b", 3)
	images := image.NewStore(s.mem, s.conf.ImagesTable)
	require.Nil(t, images.Save(s.ctx, "finished", table, "c", storage.Item{"v": storage.N(0)}))
	require.Equal(t, 2, s.mem.Len(s.conf.ImagesTable))

	res := s.sweep(s.newSweeper())
	assert.Equal(t, Result{StillPending: 2, Images: 1}, res)
	assert.Equal(t, 1, s.mem.Len(s.conf.ImagesTable))
	img, err := images.Load(s.ctx, other.ID(), table, "b")
	require.Nil(t, err)
	assert.Equal(t, storage.Item{"v": storage.N(2)}, img)
	assert.Equal(t, record.StatePending, s.state(live.ID()))
}

// Sweepers racing over the same transactions resolve them once and delete each record exactly once.
func TestConcurrentSweepers(t *testing.T) {
	s := newSweepSuite(t)
	s.conf.Sweep.Rate = 1000
	const txns = 10
	for i := 0; i < txns; i++ {
		s.put(fmt.Sprintf("k%d", i), int64(i))
	}

	var (
		mu       sync.Mutex
		deleted  int
		resolved int
	)
	race := func() {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.newSweeper().Sweep(s.ctx, s.conf.Sweep.AgeThreshold.Duration)
				assert.Nil(t, err)
				mu.Lock()
				deleted += res.Deleted
				resolved += res.RolledBack
				mu.Unlock()
			}()
		}
		wg.Wait()
	}
	s.staleness()
	race()
	assert.Equal(t, 0, deleted)
	assert.True(t, resolved >= txns)
	assert.Equal(t, txns, s.mem.Len(s.conf.TransactionsTable))

	s.staleness()
	race()
	s.staleness()
	deleted += s.sweep(s.newSweeper()).Deleted

	assert.Equal(t, txns, deleted)
	assert.Equal(t, 0, s.mem.Len(s.conf.TransactionsTable))
	assert.Equal(t, 0, s.mem.Len(s.conf.ImagesTable))
	for i := 0; i < txns; i++ {
		assert.Nil(t, s.raw(fmt.Sprintf("k%d", i)))
	}
}
