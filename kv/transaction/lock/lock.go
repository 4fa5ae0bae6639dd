package lock

import (
	"fmt"
	"strings"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
)

// Lock metadata is embedded in the locked item itself, under attribute names no caller may use.
const (
	ReservedPrefix = "_Tx"

	AttrOwner     = "_TxId"
	AttrTransient = "_TxT"
	AttrApplied   = "_TxA"
	AttrDate      = "_TxD"
	// AttrVersion counts protocol writes to the item. It stays after unlock and every conditional write of the
	// protocol is guarded by it.
	AttrVersion = "_TxV"
)

// Lock is the lock state of one item.
type Lock struct {
	// Owner is the id of the transaction holding the lock.
	Owner string
	// Transient is set when the item did not exist before Owner locked it.
	Transient bool
	// Applied is set once Owner's PUT or UPDATE has been written into the visible attributes.
	Applied bool
	Date    time.Time
}

// IsReserved reports whether attr belongs to the lock protocol.
func IsReserved(attr string) bool {
	return strings.HasPrefix(attr, ReservedPrefix)
}

// Parse returns the lock held on item, or nil if item is absent or unlocked.
func Parse(item storage.Item) *Lock {
	owner, ok := item[AttrOwner]
	if !ok {
		return nil
	}
	l := &Lock{Owner: owner.S}
	_, l.Transient = item[AttrTransient]
	_, l.Applied = item[AttrApplied]
	if d, ok := item[AttrDate]; ok {
		l.Date = time.Unix(0, d.N)
	}
	return l
}

// Version returns the protocol version of item, zero for an absent item or one never written by the protocol.
func Version(item storage.Item) int64 {
	return item[AttrVersion].N
}

// Strip returns the user attributes of item, dropping all lock metadata. It returns nil for nil.
func Strip(item storage.Item) storage.Item {
	if item == nil {
		return nil
	}
	user := make(storage.Item, len(item))
	for name, v := range item {
		if !IsReserved(name) {
			user[name] = v
		}
	}
	return user
}

// View returns the item as the lock owner sees it: absent while a transient item carries no applied write.
func (l *Lock) View(item storage.Item) storage.Item {
	if l.Transient && !l.Applied {
		return nil
	}
	return Strip(item)
}

// Embed returns user plus the lock metadata of l at the given item version.
func (l *Lock) Embed(user storage.Item, version int64) storage.Item {
	item := make(storage.Item, len(user)+5)
	for name, v := range user {
		item[name] = v
	}
	item[AttrOwner] = storage.S(l.Owner)
	item[AttrDate] = storage.N(l.Date.UnixNano())
	item[AttrVersion] = storage.N(version)
	if l.Transient {
		item[AttrTransient] = storage.N(1)
	}
	if l.Applied {
		item[AttrApplied] = storage.N(1)
	}
	return item
}

func (l *Lock) String() string {
	return fmt.Sprintf("lock{owner: %s, transient: %v, applied: %v}", l.Owner, l.Transient, l.Applied)
}

// unlocked returns user as an unlocked item at the given version.
func unlocked(user storage.Item, version int64) storage.Item {
	item := make(storage.Item, len(user)+1)
	for name, v := range user {
		item[name] = v
	}
	item[AttrVersion] = storage.N(version)
	return item
}

// unchanged is the condition that item, as read, has not been written since.
func unchanged(item storage.Item) *storage.Condition {
	if item == nil {
		return storage.IfAbsent()
	}
	cond := storage.When()
	if owner, ok := item[AttrOwner]; ok {
		cond.AttrEquals(AttrOwner, owner)
	} else {
		cond.AttrAbsent(AttrOwner)
	}
	if v, ok := item[AttrVersion]; ok {
		cond.AttrEquals(AttrVersion, v)
	} else {
		cond.AttrAbsent(AttrVersion)
	}
	return cond
}
