package leveldb_storage

import (
	"context"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/util"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// LeveldbStorage is a Storage on a local leveldb database. leveldb has no compare-and-swap, and it holds an
// exclusive lock on its directory, so only one process can ever use a database; a mutex serialising the
// read-check-write of conditional writes therefore gives the same single-item atomicity a shared store would.
type LeveldbStorage struct {
	conf *config.Config
	// mu guards conditional writes.
	mu sync.Mutex
	db *leveldb.DB
}

func NewLeveldbStorage(conf *config.Config) *LeveldbStorage {
	return &LeveldbStorage{conf: conf}
}

func (s *LeveldbStorage) Start() error {
	if err := util.EnsureDir(s.conf.Storage.DBPath); err != nil {
		return err
	}
	db, err := leveldb.OpenFile(s.conf.Storage.DBPath, nil)
	if err != nil {
		return errors.Annotatef(err, "open leveldb at %s", s.conf.Storage.DBPath)
	}
	s.db = db
	return nil
}

func (s *LeveldbStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	return errors.WithStack(s.db.Close())
}

func (s *LeveldbStorage) get(table, key string) (storage.Item, error) {
	v, err := s.db.Get(engine_util.KeyWithTable(table, []byte(key)), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return storage.UnmarshalItem(v)
}

func (s *LeveldbStorage) Get(_ context.Context, table, key string) (storage.Item, error) {
	return s.get(table, key)
}

func (s *LeveldbStorage) Put(_ context.Context, table, key string, item storage.Item, cond *storage.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.get(table, key)
	if err != nil {
		return err
	}
	if !cond.Holds(current) {
		return storage.ErrConditionFailed
	}
	return errors.WithStack(s.db.Put(engine_util.KeyWithTable(table, []byte(key)), storage.MarshalItem(item), nil))
}

func (s *LeveldbStorage) Delete(_ context.Context, table, key string, cond *storage.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.get(table, key)
	if err != nil {
		return err
	}
	if !cond.Holds(current) {
		return storage.ErrConditionFailed
	}
	return errors.WithStack(s.db.Delete(engine_util.KeyWithTable(table, []byte(key)), nil))
}

func (s *LeveldbStorage) Scan(ctx context.Context, table string, fn func(key string, item storage.Item) bool) error {
	// The iterator reads an implicit snapshot, so fn is free to write while we iterate.
	it := engine_util.NewLDBTableIterator(table, s.db)
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		dbItem := it.Item()
		val, err := dbItem.Value()
		if err != nil {
			return err
		}
		item, err := storage.UnmarshalItem(val)
		if err != nil {
			return err
		}
		if !fn(string(dbItem.KeyCopy(nil)), item) {
			break
		}
	}
	return errors.WithStack(it.Err())
}
