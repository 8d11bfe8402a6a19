package nonce

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_AddIsTheDedupCheck(t *testing.T) {
	tr := NewTracker[uint64](8)

	require.True(t, tr.Add(42))
	require.False(t, tr.Add(42))
	require.True(t, tr.Contains(42))
	require.False(t, tr.Contains(7))
}

func TestTracker_ConcurrentAddExactlyOnce(t *testing.T) {
	tr := NewTracker[uint64](1024)

	const goroutines = 32
	const values = 200

	for v := uint64(0); v < values; v++ {
		var wins int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if tr.Add(v) {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), wins, "value %d admitted more than once", v)
	}
}

func TestTracker_FIFOEviction(t *testing.T) {
	const capacity = 16
	const k = 5
	tr := NewTracker[uint32](capacity)

	for v := uint32(0); v < capacity+k; v++ {
		require.True(t, tr.Add(v))
	}

	assert.Equal(t, capacity, tr.Len())
	// The k earliest-inserted values were evicted, the rest remain.
	for v := uint32(0); v < k; v++ {
		assert.False(t, tr.Contains(v), "value %d should have been evicted", v)
	}
	for v := uint32(k); v < capacity+k; v++ {
		assert.True(t, tr.Contains(v), "value %d should still be present", v)
	}
}

func TestTracker_EvictedValueCanReturn(t *testing.T) {
	tr := NewTracker[uint32](2)

	require.True(t, tr.Add(1))
	require.True(t, tr.Add(2))
	require.True(t, tr.Add(3)) // evicts 1
	require.True(t, tr.Add(1)) // 1 reads as new again
	assert.Equal(t, 2, tr.Len())
}

func TestTracker_MinimumCapacity(t *testing.T) {
	tr := NewTracker[int](0)
	require.True(t, tr.Add(1))
	require.True(t, tr.Add(2))
	assert.False(t, tr.Contains(1))
	assert.Equal(t, 1, tr.Len())
}
