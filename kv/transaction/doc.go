package transaction

// The transaction package implements multi-item transactions on top of a Storage whose only atomic operation is a
// conditional write to a single item (see kv/storage). A transaction groups GET, PUT, UPDATE and DELETE requests on
// any number of items so that either all of their effects become visible or none do, and reads made outside a
// transaction never observe a change of a transaction that has not committed.
//
// There is no coordinator and no in-process state that outlives a call. Any number of Managers, in any number of
// processes, may run transactions against the same tables, and any of them may crash at any point. Everything needed
// to finish a transaction is kept in the store:
//
// *Transaction Records* (the record package) live in the Transactions table, one item per transaction id. A record
// holds the state (PENDING, COMMITTED or ROLLED_BACK), the ordered list of requests, a version counter and the time
// of the last write. Every record write is conditioned on the version it read, so two actors racing to decide the
// fate of a transaction cannot both win: the first conditional write moving PENDING to COMMITTED or ROLLED_BACK
// decides.
//
// *Item locks* (the lock package) are attributes embedded in the locked item itself: the owning transaction id, a
// transient flag (the item did not exist before the owner created it), an applied flag (the owner's PUT or UPDATE
// is already written into the item) and a version which every protocol write increments. Locking an unlocked item
// and applying the request to it is one conditional write, guarded by the version read just before.
//
// *Images* (the image package) live in the Images table. Before the write which applies a change to an existing
// item, the item's attributes are saved as the image of (transaction, item). Rollback writes the image back, and a
// reader who finds an item locked by a pending transaction returns the image instead of the item.
//
// ## Lifecycle
//
// Begin writes a PENDING record. AddRequest first appends the request to the record, so that anyone resuming the
// transaction knows about the item, then locks and applies it (see drive), then marks the request finalized along
// with its result. Request ids make AddRequest idempotent: a finalized request returns its recorded result, and an
// unfinalized one is driven again, where the applied flag stops a change being applied twice.
//
// When drive meets a lock of another transaction it reads that transaction's record:
//
//   - COMMITTED: the lock is left over from an unfinished commit; drive releases it and tries again.
//   - ROLLED_BACK: the lock is left over from an unfinished rollback; drive restores the item and tries again.
//   - PENDING but not written for longer than the staleness threshold: the owner is presumed dead; drive rolls the
//     whole transaction back and tries again.
//   - PENDING and fresh: drive fails with ErrTransactionConflict. It never waits.
//   - no record at all: the lock is an orphan and is rolled back.
//
// Commit first marks the record as commit-requested, then drives any unfinalized request again, then moves the
// record from PENDING to COMMITTED once every request holds its lock. That conditional write is the commit point;
// releasing the locks afterwards is cleanup which Resume or the sweeper finish if the committer dies. Rollback moves
// the record to ROLLED_BACK before restoring any item for the same reason. When every item is finished the record is
// marked completed and may be deleted.
//
// Resume decides a PENDING transaction from the store alone: if its client asked to commit and every request holds
// an applied lock it commits, otherwise it rolls back. The sweeper package runs Resume for every record older than
// a threshold. A record it resolves stays so the client can still read the outcome; a later sweep deletes it once
// it is old again, and drops images whose transaction has no record left.
//
// Commit fails with ErrItemNotLocked, rolling the transaction back, if a request no longer holds its lock when the
// commit point is reached.
//
// A Manager also refuses to place new locks once its own record is older than the staleness threshold, rolling
// itself back instead, since other clients may be rolling it back at the same time.
//
// Latches (the latches package) serialise goroutines of one Manager which work on the same item. They only save
// conditional write attempts; correctness never depends on them.
