package engine_util

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/Connor1996/badger"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func TestEngineUtil(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	require.Nil(t, err)
	defer db.Close()

	require.Nil(t, db.Update(func(txn *badger.Txn) error {
		for _, kv := range []struct{ table, key, val string }{
			{"items", "a", "a1"}, {"items", "b", "b1"}, {"items_x", "a", "x1"}, {"images", "c", "c1"},
		} {
			if err := txn.Set(KeyWithTable(kv.table, []byte(kv.key)), []byte(kv.val)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.Nil(t, db.View(func(txn *badger.Txn) error {
		val, err := GetFromTxn(txn, "items", []byte("a"))
		require.Nil(t, err)
		require.Equal(t, []byte("a1"), val)
		_, err = GetFromTxn(txn, "items", []byte("z"))
		require.Equal(t, badger.ErrKeyNotFound, err)
		return nil
	}))
	require.Nil(t, db.Update(func(txn *badger.Txn) error {
		return txn.Delete(KeyWithTable("items", []byte("a")))
	}))

	txn := db.NewTransaction(false)
	defer txn.Discard()
	it := NewTableIterator("items", txn)
	defer it.Close()
	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().KeyCopy(nil)))
	}
	require.Equal(t, []string{"b"}, keys)
}

func TestLevelDBTableIterator(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine_util_ldb")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	db, err := leveldb.OpenFile(dir, nil)
	require.Nil(t, err)
	defer db.Close()

	require.Nil(t, db.Put(KeyWithTable("t", []byte("a")), []byte("1"), nil))
	require.Nil(t, db.Put(KeyWithTable("t", []byte("b")), []byte("2"), nil))
	require.Nil(t, db.Put(KeyWithTable("tt", []byte("a")), []byte("3"), nil))

	it := NewLDBTableIterator("t", db)
	defer it.Close()
	var values []string
	for ; it.Valid(); it.Next() {
		v, err := it.Item().ValueCopy(nil)
		require.Nil(t, err)
		values = append(values, string(v))
	}
	require.Nil(t, it.Err())
	require.Equal(t, []string{"1", "2"}, values)
}
