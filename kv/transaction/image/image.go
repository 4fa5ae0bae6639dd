package image

import (
	"context"
	"encoding/hex"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap/errors"
)

// Store keeps the Image of an item: its user attributes as they were just before a transaction first changed it.
// Images live in their own table keyed by (transaction id, table, key) and are written before the lock which
// makes them necessary, so a lock whose applied flag is set always has an image behind it.
type Store struct {
	st    storage.Storage
	table string
}

func NewStore(st storage.Storage, table string) *Store {
	return &Store{st: st, table: table}
}

// Key returns the key of the image of table/key taken by txID. The parts are memcomparable encoded and hex
// printed, so the key is a valid string on every engine and images of one transaction sort together.
func Key(txID, table, key string) string {
	return hex.EncodeToString(codec.EncodeParts(txID, table, key))
}

// ParseKey splits a key built by Key.
func ParseKey(imageKey string) (txID, table, key string, err error) {
	b, err := hex.DecodeString(imageKey)
	if err != nil {
		return "", "", "", errors.Annotatef(err, "image key %q", imageKey)
	}
	parts, err := codec.DecodeParts(b)
	if err != nil {
		return "", "", "", errors.Annotatef(err, "image key %q", imageKey)
	}
	if len(parts) != 3 {
		return "", "", "", errors.Errorf("image key %q has %d parts", imageKey, len(parts))
	}
	return parts[0], parts[1], parts[2], nil
}

// Save stores attrs as the image of table/key for txID, replacing any earlier image. The caller only saves while
// the item does not yet carry txID's applied changes, so a retried Save writes the same pre-transaction state.
func (s *Store) Save(ctx context.Context, txID, table, key string, attrs storage.Item) error {
	if attrs == nil {
		attrs = storage.Item{}
	}
	return errors.Trace(s.st.Put(ctx, s.table, Key(txID, table, key), attrs, nil))
}

// Load returns the image of table/key for txID, or nil if there is none.
func (s *Store) Load(ctx context.Context, txID, table, key string) (storage.Item, error) {
	item, err := s.st.Get(ctx, s.table, Key(txID, table, key))
	return item, errors.Trace(err)
}

// Drop deletes the image. Dropping a missing image is not an error.
func (s *Store) Drop(ctx context.Context, txID, table, key string) error {
	return errors.Trace(s.st.Delete(ctx, s.table, Key(txID, table, key), nil))
}

// Scan calls fn for every image in the store until fn returns false.
func (s *Store) Scan(ctx context.Context, fn func(txID, table, key string) bool) error {
	var parseErr error
	err := s.st.Scan(ctx, s.table, func(imageKey string, _ storage.Item) bool {
		txID, table, key, err := ParseKey(imageKey)
		if err != nil {
			parseErr = err
			return false
		}
		return fn(txID, table, key)
	})
	if err != nil {
		return errors.Trace(err)
	}
	return parseErr
}
