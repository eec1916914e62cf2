package portalloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_ReturnsPortInRange(t *testing.T) {
	a := New(30000, 30010)

	port, err := a.Allocate()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 30000)
	assert.Less(t, port, 30010)
}

func TestAllocate_NeverRepeatsWithoutRelease(t *testing.T) {
	a := New(30100, 30110)

	seen := map[int]bool{}
	for i := 0; i < 10; i++ {
		port, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}

	_, err := a.Allocate()
	assert.Error(t, err, "range is exhausted and should report an error rather than block")
}

func TestRelease_IsIdempotentAndFreesTheSlot(t *testing.T) {
	a := New(30200, 30201)

	port, err := a.Allocate()
	require.NoError(t, err)

	a.Release(port)
	a.Release(port) // releasing twice must not panic or corrupt state

	again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestAllocate_ConcurrentCallsNeverCollide(t *testing.T) {
	a := New(30300, 30340)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	errs := 0

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs++
				return
			}
			assert.False(t, seen[port], "port %d handed out to two goroutines", port)
			seen[port] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, len(seen)+errs)
}
