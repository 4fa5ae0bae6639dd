package storage

import (
	"context"
	"sync"

	"github.com/petar/GoLLRB/llrb"
)

// MemStorage is a Storage backed by memory. Data is not written to disk, nor shared between processes; it is
// intended for tests and for embedding in a single process. Every table is an ordered tree of items, and one mutex
// makes each conditional write atomic, which is exactly the guarantee a real store gives for a single item.
type MemStorage struct {
	mu     sync.Mutex
	tables map[string]*llrb.LLRB
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		tables: make(map[string]*llrb.LLRB),
	}
}

func (ms *MemStorage) Start() error {
	return nil
}

func (ms *MemStorage) Stop() error {
	return nil
}

func (ms *MemStorage) table(name string) *llrb.LLRB {
	t, ok := ms.tables[name]
	if !ok {
		t = llrb.New()
		ms.tables[name] = t
	}
	return t
}

func (ms *MemStorage) get(table, key string) Item {
	result := ms.table(table).Get(memItem{key: key})
	if result == nil {
		return nil
	}
	return result.(memItem).item
}

func (ms *MemStorage) Get(_ context.Context, table, key string) (Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.get(table, key).Clone(), nil
}

func (ms *MemStorage) Put(_ context.Context, table, key string, item Item, cond *Condition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !cond.Holds(ms.get(table, key)) {
		return ErrConditionFailed
	}
	ms.table(table).ReplaceOrInsert(memItem{key: key, item: item.Clone()})
	return nil
}

func (ms *MemStorage) Delete(_ context.Context, table, key string, cond *Condition) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !cond.Holds(ms.get(table, key)) {
		return ErrConditionFailed
	}
	ms.table(table).Delete(memItem{key: key})
	return nil
}

func (ms *MemStorage) Scan(ctx context.Context, table string, fn func(key string, item Item) bool) error {
	// Copy out under the lock so fn may call back into the store.
	ms.mu.Lock()
	var snapshot []memItem
	ms.table(table).AscendGreaterOrEqual(memItem{}, func(i llrb.Item) bool {
		mi := i.(memItem)
		snapshot = append(snapshot, memItem{key: mi.key, item: mi.item.Clone()})
		return true
	})
	ms.mu.Unlock()

	for _, mi := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(mi.key, mi.item) {
			break
		}
	}
	return nil
}

// Set writes item unconditionally. It is a helper for setting up tests.
func (ms *MemStorage) Set(table, key string, item Item) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.table(table).ReplaceOrInsert(memItem{key: key, item: item.Clone()})
}

// Len returns the number of items in table.
func (ms *MemStorage) Len(table string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.table(table).Len()
}

type memItem struct {
	key  string
	item Item
}

func (it memItem) Less(than llrb.Item) bool {
	return it.key < than.(memItem).key
}
