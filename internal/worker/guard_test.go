package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestGuard_SingleFlight(t *testing.T) {
	g := NewGuard(5)
	require.True(t, g.Acquire(TriggerSignal))
	require.Equal(t, StateProcessing, g.State())

	require.False(t, g.Acquire(TriggerSignal))
	require.False(t, g.Acquire(TriggerPoll))
	require.False(t, g.Acquire(TriggerManual))

	require.False(t, g.Release(nil))
	require.Equal(t, StateIdle, g.State())
	require.True(t, g.Acquire(TriggerPoll))
}

func TestGuard_Concurrent(t *testing.T) {
	g := NewGuard(5)
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !g.Acquire(TriggerSignal) {
					continue
				}
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				active.Add(-1)
				g.Release(nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestGuard_EscalatesOnceAtThreshold(t *testing.T) {
	g := NewGuard(3)
	for i := 0; i < 2; i++ {
		require.True(t, g.Acquire(TriggerPoll))
		require.False(t, g.Release(errBoom))
	}
	require.Equal(t, StateIdle, g.State())

	require.True(t, g.Acquire(TriggerPoll))
	require.True(t, g.Release(errBoom))
	require.Equal(t, StateBackingOff, g.State())
	require.Equal(t, 3, g.Failures())

	// signals are dropped while backing off
	require.False(t, g.Acquire(TriggerSignal))

	// a failing trial pass does not escalate again
	require.True(t, g.Acquire(TriggerPoll))
	require.False(t, g.Release(errBoom))
	require.Equal(t, StateBackingOff, g.State())

	// a successful trial pass returns to idle
	require.True(t, g.Acquire(TriggerManual))
	require.False(t, g.Release(nil))
	require.Equal(t, StateIdle, g.State())
	require.Equal(t, 0, g.Failures())
	require.True(t, g.Acquire(TriggerSignal))
}

func TestGuard_Reset(t *testing.T) {
	g := NewGuard(1)
	require.True(t, g.Acquire(TriggerPoll))
	require.True(t, g.Release(errBoom))
	require.Equal(t, StateBackingOff, g.State())
	g.Reset()
	require.Equal(t, StateIdle, g.State())
	require.True(t, g.Acquire(TriggerSignal))
}
