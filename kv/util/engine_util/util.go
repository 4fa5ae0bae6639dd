package engine_util

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
)

// KeyWithTable builds the engine key of key in table. Engines without native tables keep all tables in one key
// space; the memcomparable encoding of the table name makes it an unambiguous prefix.
func KeyWithTable(table string, key []byte) []byte {
	return append(TablePrefix(table), key...)
}

// TablePrefix is the common prefix of all engine keys in table.
func TablePrefix(table string) []byte {
	return codec.EncodeBytes([]byte(table))
}

// GetFromTxn reads key in table inside a badger transaction. It returns badger.ErrKeyNotFound if there is no value.
func GetFromTxn(txn *badger.Txn, table string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithTable(table, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}
