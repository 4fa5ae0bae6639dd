package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/image"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/latches"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager runs transactions against a Storage. It keeps no state about any transaction between calls: everything
// lives in the Transactions and Images tables, so any Manager, in any process, can continue a transaction started
// by another.
type Manager struct {
	conf    *config.Config
	st      storage.Storage
	images  *image.Store
	locks   *lock.Protocol
	latches *latches.Latches
	clock   Clock
	newID   func() string
}

type Option func(*Manager)

// WithClock makes the Manager read time from c.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithIDGenerator makes Begin use gen for transaction ids. Ids must be globally unique.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

func NewManager(st storage.Storage, conf *config.Config, opts ...Option) *Manager {
	images := image.NewStore(st, conf.ImagesTable)
	m := &Manager{
		conf:    conf,
		st:      st,
		images:  images,
		locks:   lock.NewProtocol(st, images, conf.MaxCASAttempts),
		latches: latches.NewLatches(),
		clock:   systemClock{},
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is the outcome of Commit, Rollback and Resume.
type Result struct {
	TxID  string
	State record.State
	// Completed reports that every item of the transaction has been unlocked. Otherwise a later Resume or sweep
	// finishes the cleanup.
	Completed bool
}

func resultOf(rec *record.Record) Result {
	return Result{TxID: rec.ID, State: rec.State, Completed: rec.Completed}
}

// Config returns the configuration of m.
func (m *Manager) Config() *config.Config {
	return m.conf
}

// Now returns the time according to m's clock.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Begin starts a new PENDING transaction.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	rec := record.New(m.newID(), m.clock.Now())
	err := m.st.Put(ctx, m.conf.TransactionsTable, rec.ID, rec.ToItem(), storage.IfAbsent())
	if storage.IsConditionFailed(err) {
		return nil, &ErrInvalidRequest{Reason: "transaction id " + rec.ID + " already in use"}
	}
	if err != nil {
		return nil, storeErr("begin", err)
	}
	txnCounter.WithLabelValues("begin").Inc()
	log.Debug("transaction started", zap.String("txn", rec.ID))
	return &Transaction{m: m, id: rec.ID}, nil
}

// Load returns a handle on an existing transaction.
func (m *Manager) Load(ctx context.Context, txID string) (*Transaction, error) {
	if _, err := m.mustLoad(ctx, txID); err != nil {
		return nil, err
	}
	return &Transaction{m: m, id: txID}, nil
}

// Record returns the current Transaction Record of txID.
func (m *Manager) Record(ctx context.Context, txID string) (*record.Record, error) {
	return m.mustLoad(ctx, txID)
}

// AddRequest runs req in transaction txID and returns the item as the transaction sees it afterwards. Requests are
// idempotent on req.ID: resubmitting a request returns the result recorded for it and applies nothing again, and
// reusing an id for a different operation fails with ErrDuplicateRequest.
//
// If the item is held by another live transaction, AddRequest fails at once with ErrTransactionConflict and txID
// stays PENDING. If the expected attributes of req do not hold, txID is rolled back and ErrConditionCheckFailed is
// returned.
func (m *Manager) AddRequest(ctx context.Context, txID string, req *record.Request) (storage.Item, error) {
	start := time.Now()
	defer func() {
		txnDuration.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())
	}()
	if err := m.validate(req); err != nil {
		return nil, err
	}
	rec, err := m.mustLoad(ctx, txID)
	if err != nil {
		return nil, err
	}
	if prior := rec.FindID(req.ID); prior != nil && prior.Finalized {
		if !prior.SamePayload(req) {
			return nil, &ErrDuplicateRequest{TxID: txID, RequestID: req.ID}
		}
		log.Debug("request replayed", zap.String("txn", txID), zap.Stringer("request", prior))
		return prior.Result.Clone(), nil
	}

	rec, err = m.updateRecord(ctx, rec, func(r *record.Record) error {
		if r.State != record.StatePending {
			return &ErrTransactionAlreadyComplete{TxID: r.ID, State: r.State}
		}
		if prior := r.FindID(req.ID); prior != nil {
			if !prior.SamePayload(req) {
				return &ErrDuplicateRequest{TxID: r.ID, RequestID: req.ID}
			}
			// Resubmission of a request that never finished: drive it again.
			return errUnchanged
		}
		if req.IsWrite() {
			if w := r.WriteFor(req.Table, req.Key); w != nil {
				return &ErrInvalidRequest{Reason: "item " + req.Target().String() + " is already written by request " + w.ID}
			}
		}
		added := req.Clone()
		added.Finalized = false
		added.Result = nil
		r.Requests = append(r.Requests, added)
		return nil
	})
	if err != nil {
		return nil, err
	}
	req = rec.FindID(req.ID)
	if req.Finalized {
		return req.Result.Clone(), nil
	}

	result, err := m.drive(ctx, rec, req)
	if err != nil {
		return nil, m.failRequest(ctx, rec, err)
	}

	_, err = m.updateRecord(ctx, rec, func(r *record.Record) error {
		if r.State != record.StatePending {
			return &ErrTransactionAlreadyComplete{TxID: r.ID, State: r.State}
		}
		fr := r.FindID(req.ID)
		if fr.Finalized {
			return errUnchanged
		}
		fr.Finalized = true
		fr.Result = result.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// failRequest rolls the transaction back if a request's condition failed and passes err on.
func (m *Manager) failRequest(ctx context.Context, rec *record.Record, err error) error {
	if _, ok := errors.Cause(err).(*ErrConditionCheckFailed); !ok {
		return err
	}
	log.Info("request condition failed, rolling back transaction", zap.String("txn", rec.ID), zap.Error(err))
	if _, rbErr := m.rollback(ctx, rec); rbErr != nil {
		log.Warn("rollback after failed condition did not finish", zap.String("txn", rec.ID), zap.Error(rbErr))
	}
	return err
}

func (m *Manager) validate(req *record.Request) error {
	switch {
	case req.ID == "":
		return &ErrInvalidRequest{Reason: "missing request id"}
	case req.Table == "" || req.Key == "":
		return &ErrInvalidRequest{Reason: "missing table or key"}
	case req.Table == m.conf.TransactionsTable || req.Table == m.conf.ImagesTable:
		return &ErrInvalidRequest{Reason: "table " + req.Table + " is reserved for transaction metadata"}
	}
	switch req.Kind {
	case record.KindGet, record.KindPut, record.KindUpdate, record.KindDelete:
	default:
		return &ErrInvalidRequest{Reason: "unknown request kind " + req.Kind.String()}
	}
	for _, attr := range req.Attrs() {
		if lock.IsReserved(attr) {
			return &ErrInvalidRequest{Reason: "attribute " + attr + " is reserved"}
		}
	}
	for name, v := range req.Item {
		if !v.Valid() {
			return &ErrInvalidRequest{Reason: "attribute " + name + " has no value"}
		}
	}
	for _, a := range req.Actions {
		switch a.Kind {
		case record.ActionSet, record.ActionAdd:
			if !a.Value.Valid() {
				return &ErrInvalidRequest{Reason: "action on " + a.Attr + " has no value"}
			}
		case record.ActionRemove:
		default:
			return &ErrInvalidRequest{Reason: "unknown action on " + a.Attr}
		}
	}
	for _, c := range req.Expected {
		if !c.Absent && !c.Value.Valid() {
			return &ErrInvalidRequest{Reason: "check on " + c.Attr + " has no value"}
		}
	}
	return nil
}

// Commit commits txID. Every request must hold its lock; requests that were never finished are driven again first.
// Once the record is COMMITTED the commit is durable, and failures while unlocking only leave Completed unset.
func (m *Manager) Commit(ctx context.Context, txID string) (Result, error) {
	start := time.Now()
	defer func() {
		txnDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	}()
	rec, err := m.mustLoad(ctx, txID)
	if err != nil {
		return Result{}, err
	}
	switch rec.State {
	case record.StateRolledBack:
		return resultOf(rec), &ErrTransactionAlreadyComplete{TxID: txID, State: rec.State}
	case record.StateCommitted:
		return m.finish(ctx, rec)
	}
	rec, err = m.updateRecord(ctx, rec, func(r *record.Record) error {
		if r.State != record.StatePending {
			return &ErrTransactionAlreadyComplete{TxID: r.ID, State: r.State}
		}
		if r.CommitRequested {
			return errUnchanged
		}
		r.CommitRequested = true
		return nil
	})
	if err != nil {
		if _, ok := errors.Cause(err).(*ErrTransactionAlreadyComplete); ok {
			return m.Commit(ctx, txID)
		}
		return Result{TxID: txID}, err
	}
	for _, req := range rec.Requests {
		if req.Finalized {
			continue
		}
		if _, err := m.drive(ctx, rec, req); err != nil {
			return resultOf(rec), m.failRequest(ctx, rec, err)
		}
	}
	unlocked, err := m.firstUnapplied(ctx, rec)
	if err != nil {
		return resultOf(rec), err
	}
	if unlocked != nil {
		log.Warn("request lost its lock before commit, rolling back",
			zap.String("txn", rec.ID), zap.Stringer("request", unlocked))
		res, rbErr := m.rollback(ctx, rec)
		if rbErr != nil {
			log.Warn("rollback after lost lock did not finish", zap.String("txn", rec.ID), zap.Error(rbErr))
			res = resultOf(rec)
		}
		return res, &ErrItemNotLocked{TxID: rec.ID, Item: unlocked.Target()}
	}
	return m.commit(ctx, rec)
}

// commit moves a PENDING record whose requests all hold their locks to COMMITTED and unlocks its items.
func (m *Manager) commit(ctx context.Context, rec *record.Record) (Result, error) {
	id := rec.ID
	rec, err := m.updateRecord(ctx, rec, func(r *record.Record) error {
		if r.State != record.StatePending {
			return &ErrTransactionAlreadyComplete{TxID: r.ID, State: r.State}
		}
		r.State = record.StateCommitted
		return nil
	})
	if err != nil {
		return Result{TxID: id}, err
	}
	txnCounter.WithLabelValues("committed").Inc()
	log.Info("transaction committed", zap.String("txn", rec.ID), zap.Int("requests", len(rec.Requests)))
	return m.finish(ctx, rec)
}

// Rollback rolls txID back. It fails with ErrTransactionAlreadyComplete if txID has committed.
func (m *Manager) Rollback(ctx context.Context, txID string) (Result, error) {
	start := time.Now()
	defer func() {
		txnDuration.WithLabelValues("rollback").Observe(time.Since(start).Seconds())
	}()
	rec, err := m.mustLoad(ctx, txID)
	if err != nil {
		return Result{}, err
	}
	return m.rollback(ctx, rec)
}

// rollback marks rec ROLLED_BACK before touching any item, then restores its items.
func (m *Manager) rollback(ctx context.Context, rec *record.Record) (Result, error) {
	id := rec.ID
	rec, err := m.updateRecord(ctx, rec, func(r *record.Record) error {
		switch r.State {
		case record.StateCommitted:
			return &ErrTransactionAlreadyComplete{TxID: r.ID, State: r.State}
		case record.StateRolledBack:
			return errUnchanged
		}
		r.State = record.StateRolledBack
		return nil
	})
	if err != nil {
		return Result{TxID: id}, err
	}
	txnCounter.WithLabelValues("rolled_back").Inc()
	log.Info("transaction rolled back", zap.String("txn", rec.ID), zap.Int("requests", len(rec.Requests)))
	return m.finish(ctx, rec)
}

// Resume drives txID to a final state using only what is stored. A PENDING transaction whose client asked to commit
// is committed if every request holds its lock with its change applied; any other PENDING transaction is rolled
// back. A COMMITTED or ROLLED_BACK transaction gets its
// remaining items unlocked.
func (m *Manager) Resume(ctx context.Context, txID string) (Result, error) {
	start := time.Now()
	defer func() {
		txnDuration.WithLabelValues("resume").Observe(time.Since(start).Seconds())
	}()
	rec, err := m.mustLoad(ctx, txID)
	if err != nil {
		return Result{}, err
	}
	return m.resume(ctx, rec)
}

func (m *Manager) resume(ctx context.Context, rec *record.Record) (Result, error) {
	if rec.State.IsTerminal() {
		return m.finish(ctx, rec)
	}
	applied := false
	if rec.CommitRequested {
		var err error
		if applied, err = m.allApplied(ctx, rec); err != nil {
			return resultOf(rec), err
		}
	}
	if applied {
		res, err := m.commit(ctx, rec)
		if _, ok := errors.Cause(err).(*ErrTransactionAlreadyComplete); ok {
			// Someone else decided first; finish whatever they decided.
			return m.Resume(ctx, rec.ID)
		}
		return res, err
	}
	res, err := m.rollback(ctx, rec)
	if _, ok := errors.Cause(err).(*ErrTransactionAlreadyComplete); ok {
		return m.Resume(ctx, rec.ID)
	}
	return res, err
}

// allApplied reports whether every request of rec holds its lock, with the change of PUT and UPDATE applied.
func (m *Manager) allApplied(ctx context.Context, rec *record.Record) (bool, error) {
	req, err := m.firstUnapplied(ctx, rec)
	return req == nil && err == nil, err
}

// firstUnapplied returns the first request of rec that does not hold its lock with its change applied.
func (m *Manager) firstUnapplied(ctx context.Context, rec *record.Record) (*record.Request, error) {
	for _, req := range rec.Requests {
		_, l, err := m.locks.Read(ctx, req.Target())
		if err != nil {
			return nil, storeErr("inspect lock", err)
		}
		if l == nil || l.Owner != rec.ID || (req.Mutates() && !l.Applied) {
			log.Debug("request does not hold an applied lock", zap.String("txn", rec.ID), zap.Stringer("request", req))
			return req, nil
		}
	}
	return nil, nil
}

// finish unlocks or restores every item of a terminal record and marks it completed. Items that cannot be
// finished now are left for a later Resume or sweep.
func (m *Manager) finish(ctx context.Context, rec *record.Record) (Result, error) {
	if rec.Completed {
		return resultOf(rec), nil
	}
	for _, t := range rec.Targets() {
		var err error
		if rec.State == record.StateCommitted {
			w := rec.WriteFor(t.Table, t.Key)
			err = m.release(ctx, rec.ID, t, w != nil && w.Kind == record.KindDelete)
		} else {
			err = m.restore(ctx, rec.ID, t)
		}
		if err != nil {
			log.Error("item cleanup failed, leaving it for the sweeper",
				zap.String("txn", rec.ID), zap.Stringer("state", rec.State), zap.Stringer("item", t), zap.Error(err))
			return resultOf(rec), nil
		}
	}
	done, err := m.updateRecord(ctx, rec, func(r *record.Record) error {
		if r.Completed {
			return errUnchanged
		}
		r.Completed = true
		return nil
	})
	if err != nil {
		log.Warn("could not mark transaction completed", zap.String("txn", rec.ID), zap.Error(err))
		return resultOf(rec), nil
	}
	log.Debug("transaction completed", zap.String("txn", done.ID), zap.Stringer("state", done.State))
	return resultOf(done), nil
}

// Delete removes the record of a finished transaction, finishing its cleanup first if needed.
func (m *Manager) Delete(ctx context.Context, txID string) error {
	rec, err := m.mustLoad(ctx, txID)
	if err != nil {
		return err
	}
	if rec.State == record.StatePending {
		return &ErrInvalidRequest{Reason: "transaction " + txID + " is still pending"}
	}
	if !rec.Completed {
		res, err := m.finish(ctx, rec)
		if err != nil {
			return err
		}
		if !res.Completed {
			return &ErrTransactionConflict{TxID: txID, Reason: "cleanup is not finished"}
		}
		if rec, err = m.mustLoad(ctx, txID); err != nil {
			return err
		}
	}
	for _, t := range rec.Targets() {
		if err := m.images.Drop(ctx, txID, t.Table, t.Key); err != nil {
			return storeErr("drop image", err)
		}
	}
	err = m.st.Delete(ctx, m.conf.TransactionsTable, txID,
		storage.When().AttrEquals(record.AttrVersion, storage.N(rec.Version)))
	if storage.IsConditionFailed(err) {
		return &ErrTransactionConflict{TxID: txID, Reason: "record changed while deleting"}
	}
	if err != nil {
		return storeErr("delete record", err)
	}
	log.Debug("transaction record deleted", zap.String("txn", txID))
	return nil
}

// ScanRecords calls fn with every Transaction Record until fn returns false. A record that cannot be parsed is
// passed as a nil rec with an *ErrCorruptRecord, and the scan goes on unless fn stops it.
func (m *Manager) ScanRecords(ctx context.Context, fn func(rec *record.Record, err error) bool) error {
	err := m.st.Scan(ctx, m.conf.TransactionsTable, func(key string, item storage.Item) bool {
		rec, err := record.FromItem(key, item)
		if err != nil {
			return fn(nil, &ErrCorruptRecord{TxID: key, Err: err})
		}
		return fn(rec, nil)
	})
	return storeErr("scan records", err)
}

// DropOrphanImages deletes the Images of transactions that no longer have a record. Images of transactions for
// which keep returns true are not looked at. It returns the number of images deleted.
func (m *Manager) DropOrphanImages(ctx context.Context, keep func(txID string) bool) (int, error) {
	var candidates []imageRef
	err := m.images.Scan(ctx, func(txID, table, key string) bool {
		if !keep(txID) {
			candidates = append(candidates, imageRef{txID: txID, target: record.Target{Table: table, Key: key}})
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return 0, storeErr("scan images", err)
	}
	dropped := 0
	orphan := map[string]bool{}
	for _, ref := range candidates {
		isOrphan, seen := orphan[ref.txID]
		if !seen {
			// Begin writes the record before any image, so a missing record means a finished transaction.
			rec, err := m.loadRecord(ctx, ref.txID)
			if _, corrupt := errors.Cause(err).(*ErrCorruptRecord); err != nil && !corrupt {
				return dropped, err
			}
			isOrphan = rec == nil && err == nil
			orphan[ref.txID] = isOrphan
		}
		if !isOrphan {
			continue
		}
		// A lock left behind by the vanished transaction is restored from this image when someone meets it.
		_, l, err := m.locks.Read(ctx, ref.target)
		if err != nil {
			return dropped, storeErr("read item", err)
		}
		if l != nil && l.Owner == ref.txID {
			continue
		}
		if err := m.images.Drop(ctx, ref.txID, ref.target.Table, ref.target.Key); err != nil {
			return dropped, storeErr("drop image", err)
		}
		log.Debug("orphan image dropped", zap.String("txn", ref.txID), zap.Stringer("item", ref.target))
		dropped++
	}
	return dropped, nil
}

type imageRef struct {
	txID   string
	target record.Target
}

func (m *Manager) release(ctx context.Context, txID string, t record.Target, deleted bool) error {
	defer m.latch(t)()
	return absorbNotLocked(m.locks.Release(ctx, txID, t, deleted))
}

func (m *Manager) restore(ctx context.Context, txID string, t record.Target) error {
	defer m.latch(t)()
	return absorbNotLocked(m.locks.Restore(ctx, txID, t))
}

// absorbNotLocked treats an item that is no longer locked as already finished.
func absorbNotLocked(err error) error {
	if err == lock.ErrNotLocked {
		return nil
	}
	return err
}

// latch takes the in-process latch of t and returns its release.
func (m *Manager) latch(t record.Target) func() {
	keys := [][]byte{codec.EncodeParts(t.Table, t.Key)}
	m.latches.WaitForLatches(keys)
	return func() {
		m.latches.ReleaseLatches(keys)
	}
}
