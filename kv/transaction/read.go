package transaction

import (
	"context"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// IsolationLevel selects what a read outside any transaction may observe.
type IsolationLevel int

const (
	// ReadCommitted never returns a change of a transaction that has not committed.
	ReadCommitted IsolationLevel = iota
	// ReadUncommitted returns the current attributes of an item, including changes of pending transactions.
	ReadUncommitted
)

func (l IsolationLevel) String() string {
	if l == ReadUncommitted {
		return "read-uncommitted"
	}
	return "read-committed"
}

// Get reads an item outside any transaction with ReadCommitted isolation. It returns nil if the item does not
// exist.
func (m *Manager) Get(ctx context.Context, table, key string) (storage.Item, error) {
	return m.Read(ctx, table, key, ReadCommitted)
}

// Read reads an item outside any transaction. It never takes a lock and never blocks on one: an item locked by a
// pending transaction is served from that transaction's image.
func (m *Manager) Read(ctx context.Context, table, key string, level IsolationLevel) (storage.Item, error) {
	t := record.Target{Table: table, Key: key}
	for i := 0; i < m.conf.MaxCASAttempts; i++ {
		current, l, err := m.locks.Read(ctx, t)
		if err != nil {
			return nil, storeErr("read", err)
		}
		if l == nil {
			return lock.Strip(current), nil
		}
		if level == ReadUncommitted {
			return l.View(current), nil
		}
		item, ok, err := m.committedView(ctx, t, current, l)
		if err != nil {
			return nil, err
		}
		if ok {
			return item, nil
		}
		log.Debug("image vanished under read, reading again", zap.Stringer("item", t), zap.String("owner", l.Owner))
	}
	return nil, &ErrTransactionConflict{Item: t, Reason: "item kept changing under read"}
}

// committedView returns the last committed state of an item locked by l. It reports false when the image it needs
// is gone, which means the owner finished in between and the item must be read again.
func (m *Manager) committedView(ctx context.Context, t record.Target, current storage.Item, l *lock.Lock) (storage.Item, bool, error) {
	owner, err := m.loadRecord(ctx, l.Owner)
	if err != nil {
		return nil, false, err
	}
	if owner != nil && owner.State == record.StateCommitted {
		if w := owner.WriteFor(t.Table, t.Key); w != nil && w.Kind == record.KindDelete {
			return nil, true, nil
		}
		return l.View(current), true, nil
	}
	switch {
	case l.Transient:
		return nil, true, nil
	case l.Applied:
		img, err := m.images.Load(ctx, l.Owner, t.Table, t.Key)
		if err != nil {
			return nil, false, storeErr("load image", err)
		}
		return img, img != nil, nil
	default:
		return lock.Strip(current), true, nil
	}
}
