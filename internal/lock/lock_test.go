package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "org1")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Empty(t, l.locks)
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()

	unlock1, err := l.Lock(context.Background(), "org1")
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := l.Lock(ctx, "org2")
	require.NoError(t, err)
	unlock2()
}

func TestLocalLocker_Timeout(t *testing.T) {
	l := NewLocalLocker()

	unlock, err := l.Lock(context.Background(), "org1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "org1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock() // second call is a no-op

	again, err := l.Lock(context.Background(), "org1")
	require.NoError(t, err)
	again()
}
