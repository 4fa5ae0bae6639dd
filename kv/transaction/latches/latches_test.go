package latches

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	// Acquiring a new latch is ok.
	wg := l.AcquireLatches([][]byte{{}, {3}, {3, 0, 42}})
	assert.Nil(t, wg)

	// Can only acquire once.
	wg = l.AcquireLatches([][]byte{{}})
	assert.NotNil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.NotNil(t, wg)

	// Release then acquire is ok.
	l.ReleaseLatches([][]byte{{3}, {3, 0, 43}})
	wg = l.AcquireLatches([][]byte{{3}})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.NotNil(t, wg)
}

func TestWaitForLatches(t *testing.T) {
	l := NewLatches()
	keys := [][]byte{[]byte("T/a")}
	l.WaitForLatches(keys)

	var mu sync.Mutex
	acquired := false
	done := make(chan struct{})
	go func() {
		l.WaitForLatches(keys)
		mu.Lock()
		acquired = true
		mu.Unlock()
		l.ReleaseLatches(keys)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.False(t, acquired)
	mu.Unlock()
	l.ReleaseLatches(keys)
	<-done
	assert.True(t, acquired)
}
