package engine_util

import (
	"github.com/Connor1996/badger"
	"github.com/Connor1996/badger/y"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type DBIterator interface {
	// Item returns pointer to the current key-value pair.
	Item() DBItem
	// Valid returns false when iteration is done.
	Valid() bool
	// Next would advance the iterator by one. Always check it.Valid() after a Next()
	// to ensure you have access to a valid it.Item().
	Next()
	// Close the iterator
	Close()
}

type DBItem interface {
	// Key returns the key, without the table prefix.
	Key() []byte
	// KeyCopy returns a copy of the key of the item, writing it to dst slice.
	// If nil is passed, or capacity of dst isn't sufficient, a new slice would be allocated and
	// returned.
	KeyCopy(dst []byte) []byte
	// Value retrieves the value of the item.
	Value() ([]byte, error)
	// ValueCopy returns a copy of the value of the item, writing it to dst slice.
	ValueCopy(dst []byte) ([]byte, error)
}

type TableItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *TableItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *TableItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, i.Key())
}

func (i *TableItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *TableItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// BadgerIterator iterates over the keys of one table in a badger transaction.
type BadgerIterator struct {
	iter   *badger.Iterator
	prefix []byte
}

func NewTableIterator(table string, txn *badger.Txn) *BadgerIterator {
	it := &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: TablePrefix(table),
	}
	it.iter.Seek(it.prefix)
	return it
}

func (it *BadgerIterator) Item() DBItem {
	return &TableItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool { return it.iter.ValidForPrefix(it.prefix) }

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

type LdbItem struct {
	key       []byte
	value     []byte
	prefixLen int
}

func (i *LdbItem) Key() []byte {
	return i.key[i.prefixLen:]
}

func (i *LdbItem) KeyCopy(dst []byte) []byte {
	return y.SafeCopy(dst, i.key[i.prefixLen:])
}

func (i *LdbItem) Value() ([]byte, error) {
	return i.value, nil
}

func (i *LdbItem) ValueCopy(dst []byte) ([]byte, error) {
	return y.SafeCopy(dst, i.value), nil
}

// LdbIterator iterates over the keys of one table in a leveldb database.
type LdbIterator struct {
	iter   iterator.Iterator
	prefix []byte
	valid  bool
}

func NewLDBTableIterator(table string, db *leveldb.DB) *LdbIterator {
	prefix := TablePrefix(table)
	it := &LdbIterator{
		iter:   db.NewIterator(util.BytesPrefix(prefix), nil),
		prefix: prefix,
	}
	it.valid = it.iter.First()
	return it
}

func (it *LdbIterator) Item() DBItem {
	return &LdbItem{
		key:       it.iter.Key(),
		value:     it.iter.Value(),
		prefixLen: len(it.prefix),
	}
}

func (it *LdbIterator) Valid() bool { return it.valid }

func (it *LdbIterator) Close() {
	it.iter.Release()
}

func (it *LdbIterator) Next() {
	it.valid = it.iter.Next()
}

// Err returns the first error the underlying leveldb iterator hit, if any.
func (it *LdbIterator) Err() error {
	return it.iter.Error()
}
