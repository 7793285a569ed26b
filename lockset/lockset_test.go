package lockset

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireNonBlockingDiscardsWhenBusy(t *testing.T) {
	s := New()

	h1 := s.TryAcquire("k", 0)
	require.True(t, h1.IsLocked())

	h2 := s.TryAcquire("k", 0)
	assert.False(t, h2.IsLocked())
	h2.Release() // no-op, must not panic or double-unlock

	h1.Release()

	h3 := s.TryAcquire("k", 0)
	assert.True(t, h3.IsLocked())
	h3.Release()
}

func TestTryAcquireWaitBlocksUntilReleased(t *testing.T) {
	s := New()
	h1 := s.TryAcquire("k", 0)
	require.True(t, h1.IsLocked())

	acquired := make(chan struct{})
	go func() {
		h2 := s.TryAcquire("k", Wait)
		close(acquired)
		h2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	h1.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired lock after release")
	}
}

func TestEntryRemovedWhenRefcountHitsZero(t *testing.T) {
	s := New()
	h := s.TryAcquire("k", 0)
	h.Release()

	s.mu.Lock()
	_, exists := s.entries["k"]
	s.mu.Unlock()
	assert.False(t, exists, "entry should be removed once unreferenced")
}

func TestConcurrentKeysAreIndependent(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h := s.TryAcquire(fmt.Sprintf("key-%d", n), 0)
			defer h.Release()
			assert.True(t, h.IsLocked(), "a lock on a distinct key must never be busy")
		}(i)
	}
	wg.Wait()
}
