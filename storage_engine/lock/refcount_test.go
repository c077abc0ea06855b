package lock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefRelCheckEdges(t *testing.T) {
	var rc RefCount
	require.False(t, rc.Checked())

	rc.Ref()
	require.True(t, rc.Checked(), "0->1 sets CHECK")
	rc.Ref()
	require.Equal(t, 2, rc.Count())

	require.False(t, rc.Rel())
	require.True(t, rc.Checked())
	require.True(t, rc.Rel(), "last release reports the edge")
	require.False(t, rc.Checked(), "1->0 clears CHECK")
	require.Equal(t, 0, rc.Count())

	require.Panics(t, func() { rc.Rel() })
}

func TestPairedRefsLeaveCountZero(t *testing.T) {
	var rc RefCount
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Ref()
				rc.Rel()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, rc.Count())
	require.False(t, rc.Checked())
}

func TestRefInterlockInitializesOnce(t *testing.T) {
	var rc RefCount
	var inits atomic.Int32
	var wg sync.WaitGroup
	ready := make([]bool, 16)

	for g := range ready {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if rc.RefInterlock() {
				inits.Add(1)
				rc.RefInterlockDone()
			}
			ready[g] = !rc.Checked()
		}(g)
	}
	wg.Wait()

	require.Equal(t, int32(1), inits.Load())
	require.Equal(t, 16, rc.Count())
	for g, ok := range ready {
		require.True(t, ok, "goroutine %d returned before initialization finished", g)
	}
}

func TestRefInterlockAbortRetriesInitialization(t *testing.T) {
	var rc RefCount
	require.True(t, rc.RefInterlock())
	rc.RefInterlockAbort()
	require.Equal(t, 0, rc.Count())
	require.False(t, rc.Checked())

	require.True(t, rc.RefInterlock(), "a failed initializer is retried")
	rc.RefInterlockDone()
	require.False(t, rc.RefInterlock())
	require.Equal(t, 2, rc.Count())
}

func TestRefInterlockWaiterTakesOverFailedInit(t *testing.T) {
	var rc RefCount
	require.True(t, rc.RefInterlock())

	done := make(chan bool)
	go func() { done <- rc.RefInterlock() }()

	rc.RefInterlockAbort()
	require.True(t, <-done, "waiter takes over initialization")
	require.Equal(t, 1, rc.Count())
	rc.RefInterlockDone()
	require.False(t, rc.Checked())
}

func TestRelInterlockTeardownOnLastRelease(t *testing.T) {
	var rc RefCount
	rc.Ref()
	rc.Ref()

	require.False(t, rc.RelInterlock())
	require.True(t, rc.RelInterlock())
	require.Equal(t, 0, rc.Count())
	require.False(t, rc.Checked())
	rc.RelInterlockDone()

	require.True(t, rc.RefInterlock(), "object must be initialized again after teardown")
	rc.RefInterlockDone()
}
