package storage

import (
	"context"

	"github.com/pingcap/errors"
)

// Storage represents the keyed store that the transaction layer is built on. Items live in named tables and are
// addressed by a string key. The only atomic primitive is a conditional write against exactly one item: there are
// no multi-item transactions, and everything the transaction layer guarantees is derived from Put and Delete with
// a Condition.
//
// Reads must be strongly consistent: a Get issued after a successful Put observes that Put.
type Storage interface {
	Start() error
	Stop() error
	// Get returns the item stored at key in table. It returns (nil, nil) if there is no such item.
	Get(ctx context.Context, table, key string) (Item, error)
	// Put replaces the item at key with item if cond holds for the current item. A nil cond always holds.
	// If cond does not hold, Put returns ErrConditionFailed and the store is unchanged.
	Put(ctx context.Context, table, key string, item Item, cond *Condition) error
	// Delete removes the item at key if cond holds. Deleting an absent item whose condition holds is not an error.
	Delete(ctx context.Context, table, key string, cond *Condition) error
	// Scan calls fn for each item in table, in no particular order, until fn returns false.
	Scan(ctx context.Context, table string, fn func(key string, item Item) bool) error
}

// ErrConditionFailed is returned by Put and Delete when the write's condition does not hold.
var ErrConditionFailed = errors.New("storage: conditional write failed")

// IsConditionFailed reports whether err was caused by a failed write condition.
func IsConditionFailed(err error) bool {
	return errors.Cause(err) == ErrConditionFailed
}
