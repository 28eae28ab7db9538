package blob

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableTryLock(t *testing.T) {
	locks := newLockTable()
	release, ok := locks.TryLock("a")
	require.True(t, ok)
	assert.True(t, locks.Busy("a"))

	_, ok = locks.TryLock("a")
	assert.False(t, ok, "second holder must be refused")

	other, ok := locks.TryLock("b")
	require.True(t, ok, "distinct keys are independent")
	other()

	release()
	release()
	assert.False(t, locks.Busy("a"))
	assert.Equal(t, 0, locks.Len(), "idle entries are evicted")
}

func TestLockTableLockWaits(t *testing.T) {
	locks := newLockTable()
	release, ok := locks.TryLock("a")
	require.True(t, ok)

	acquired := make(chan func())
	go func() {
		r, err := locks.Lock(context.Background(), "a")
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	second := <-acquired
	second()
	assert.Equal(t, 0, locks.Len())
}

func TestLockTableLockCanceled(t *testing.T) {
	locks := newLockTable()
	release, ok := locks.TryLock("a")
	require.True(t, ok)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := locks.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, locks.Len())
}

func TestLockTableConcurrentTryLock(t *testing.T) {
	locks := newLockTable()
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	releases := make([]func(), 0, 1)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if r, ok := locks.TryLock("same"); ok {
				mu.Lock()
				winners++
				releases = append(releases, r)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, winners)
	for _, r := range releases {
		r()
	}
	assert.Equal(t, 0, locks.Len())
}
