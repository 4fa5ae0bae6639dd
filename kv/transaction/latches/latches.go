package latches

import (
	"sync"

	"github.com/dgryski/go-farm"
)

// Latching serialises the protocol steps that goroutines of one process run against the same item. Correctness
// across processes comes from conditional writes alone.
//
// A latch is a per-item lock. Only one goroutine can hold a latch at a time and all items that a step touches must be
// latched at once.
//
// Latching is implemented using a single map which maps key fingerprints to a Go WaitGroup. Two keys with the same
// fingerprint share a latch. Access to this map is guarded by a mutex to ensure that latching is atomic and
// consistent.

type Latches struct {
	// Before running a step on an item, the goroutine must have the latch for that item. `Latches` maps each latched
	// key to a WaitGroup. Goroutines who find a key locked should wait on that WaitGroup.
	latchMap map[uint64]*sync.WaitGroup
	// Mutex to guard latchMap. A goroutine must hold this mutex while it makes any change to latchMap.
	latchGuard sync.Mutex
}

// NewLatches creates a new Latches object. There should be one such object per Manager, shared between all
// goroutines using it.
func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[uint64]*sync.WaitGroup)
	return l
}

// AcquireLatches tries lock all Latches specified by keys. If this succeeds, nil is returned. If any of the keys are
// locked, then AcquireLatches requires a WaitGroup which the goroutine can use to be woken when the lock is free.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	// Check none of the keys we want to write are locked.
	for _, key := range keysToLatch {
		if latchWg, ok := l.latchMap[farm.Fingerprint64(key)]; ok {
			// Return a wait group to wait on.
			return latchWg
		}
	}

	// All Latches are available, lock them all with a new wait group.
	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.latchMap[farm.Fingerprint64(key)] = wg
	}

	return nil
}

// ReleaseLatches releases the latches for all keys in keysToUnlatch. It will wakeup any goroutines blocked on one of
// the latches. All keys in keysToUnlatch must have been locked together in one call to AcquireLatches.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			wg := l.latchMap[farm.Fingerprint64(key)]
			wg.Done()
			first = false
		}
		delete(l.latchMap, farm.Fingerprint64(key))
	}
}

// WaitForLatches attempts to lock all keys in keysToLatch using AcquireLatches. If a latch is already locked, then
// WaitForLatches will wait for it to become unlocked then try again. Therefore WaitForLatches may block for an
// unbounded length of time.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}
