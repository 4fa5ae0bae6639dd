package badger_storage

import (
	"context"

	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/util"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// maxConflictRetries bounds how often a conditional write is retried after badger reports that a concurrent
// write to the same key committed first.
const maxConflictRetries = 16

// BadgerStorage is an implementation of `Storage` for a single node. All data is stored locally in one badger
// database; each table is a key prefix. A conditional write reads and writes its item inside a single badger
// update transaction, so badger's conflict detection makes the read-check-write atomic.
type BadgerStorage struct {
	conf *config.Config
	db   *badger.DB
}

func NewBadgerStorage(conf *config.Config) *BadgerStorage {
	return &BadgerStorage{conf: conf}
}

func (s *BadgerStorage) Start() error {
	if err := util.EnsureDir(s.conf.Storage.DBPath); err != nil {
		return err
	}
	opts := badger.DefaultOptions
	opts.Dir = s.conf.Storage.DBPath
	opts.ValueDir = s.conf.Storage.DBPath
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Annotatef(err, "open badger at %s", s.conf.Storage.DBPath)
	}
	s.db = db
	return nil
}

func (s *BadgerStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	return errors.Trace(s.db.Close())
}

func getItem(txn *badger.Txn, table, key string) (storage.Item, error) {
	val, err := engine_util.GetFromTxn(txn, table, []byte(key))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalItem(val)
}

func (s *BadgerStorage) Get(_ context.Context, table, key string) (item storage.Item, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err = getItem(txn, table, key)
		return err
	})
	return item, errors.Trace(err)
}

func (s *BadgerStorage) Put(ctx context.Context, table, key string, item storage.Item, cond *storage.Condition) error {
	val := storage.MarshalItem(item)
	return s.update(ctx, table, key, cond, func(txn *badger.Txn) error {
		return txn.Set(engine_util.KeyWithTable(table, []byte(key)), val)
	})
}

func (s *BadgerStorage) Delete(ctx context.Context, table, key string, cond *storage.Condition) error {
	return s.update(ctx, table, key, cond, func(txn *badger.Txn) error {
		return txn.Delete(engine_util.KeyWithTable(table, []byte(key)))
	})
}

func (s *BadgerStorage) update(ctx context.Context, table, key string, cond *storage.Condition, write func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := getItem(txn, table, key)
			if err != nil {
				return err
			}
			if !cond.Holds(current) {
				return storage.ErrConditionFailed
			}
			return write(txn)
		})
		if err == badger.ErrConflict {
			log.Debug("badger write conflict, retrying", zap.String("table", table), zap.String("key", key), zap.Int("attempt", i))
			continue
		}
		if err == storage.ErrConditionFailed {
			return err
		}
		return errors.Trace(err)
	}
	return errors.Errorf("badger: write to %s/%s kept conflicting after %d attempts", table, key, maxConflictRetries)
}

func (s *BadgerStorage) Scan(ctx context.Context, table string, fn func(key string, item storage.Item) bool) error {
	type kv struct {
		key  string
		item storage.Item
	}
	// Collect first so fn may write to the store without holding a read transaction open.
	var batch []kv
	err := s.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewTableIterator(table, txn)
		defer it.Close()
		for ; it.Valid(); it.Next() {
			dbItem := it.Item()
			val, err := dbItem.ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := storage.UnmarshalItem(val)
			if err != nil {
				return err
			}
			batch = append(batch, kv{key: string(dbItem.KeyCopy(nil)), item: item})
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(e.key, e.item) {
			break
		}
	}
	return nil
}
