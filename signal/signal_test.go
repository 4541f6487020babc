package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipcerr"
)

func TestOneShotSetTryWait(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)

	assert.Equal(t, ipcerr.NotReady, ipcerr.As(f.TryWait(h)))

	require.NoError(t, f.Set(h))
	require.NoError(t, f.TryWait(h))
	assert.Equal(t, ipcerr.NotReady, ipcerr.As(f.TryWait(h)), "one-shot consumes on wait")
}

func TestCountingSetAccumulates(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(Counting)
	require.NoError(t, err)

	require.NoError(t, f.Set(h))
	require.NoError(t, f.Set(h))

	snap, err := f.Diag(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Count)

	require.NoError(t, f.TryWait(h))
	require.NoError(t, f.TryWait(h))
	assert.Equal(t, ipcerr.NotReady, ipcerr.As(f.TryWait(h)))
}

func TestClearResetsWithoutWaking(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(Counting)
	require.NoError(t, err)
	require.NoError(t, f.Set(h))

	require.NoError(t, f.Clear(h))
	assert.Equal(t, ipcerr.NotReady, ipcerr.As(f.TryWait(h)))
}

func TestWaitBlocksUntilSet(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.Wait(context.Background(), h) }()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.Set(h))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestTimedWaitTimesOut(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)

	err = f.TimedWait(context.Background(), h, 10*time.Millisecond)
	assert.Equal(t, ipcerr.Timeout, ipcerr.As(err))
}

func TestDestroyWakesWaitersWithObjectDestroyed(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.Wait(context.Background(), h) }()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, f.Destroy(h))
	select {
	case err := <-done:
		assert.Equal(t, ipcerr.ObjectDestroyed, ipcerr.As(err))
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Destroy")
	}
}

func TestOperationsAfterDestroyFail(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)
	require.NoError(t, f.Destroy(h))

	assert.Equal(t, ipcerr.InvalidHandle, ipcerr.As(f.Set(h)))
}

func TestDestroyTwiceFails(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)
	require.NoError(t, f.Destroy(h))
	assert.Error(t, f.Destroy(h))
}

func TestWaitsetSubscribeDeliversCurrentStateImmediately(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)

	var got bool
	_, err = f.WaitsetSubscribe(h, func(ready bool, _ any) { got = ready }, nil)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, f.Set(h))
	assert.True(t, got, "subscribed listener must see the Set transition")
}

func TestWaitsetNotifiedOnDestroy(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)
	require.NoError(t, f.Set(h))

	var lastReady bool
	var calls int
	_, err = f.WaitsetSubscribe(h, func(ready bool, _ any) { lastReady = ready; calls++ }, nil)
	require.NoError(t, err)

	require.NoError(t, f.Destroy(h))
	assert.False(t, lastReady)
	assert.GreaterOrEqual(t, calls, 1)
}

// TestOnlyOneWaiterConsumesPerSet parks two timed waiters on a one-shot
// signal and sets it once: Set wakes exactly one waiter, which consumes the
// unit, and the other waiter must not also consume it (it times out).
func TestOnlyOneWaiterConsumesPerSet(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			results <- f.TimedWait(context.Background(), h, 50*time.Millisecond)
		}()
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.Set(h))
	wg.Wait()
	close(results)

	var oks, others int
	for err := range results {
		if err == nil {
			oks++
		} else {
			others++
		}
	}
	assert.Equal(t, 1, oks, "exactly one blocked waiter must successfully consume the single Set")
	assert.Equal(t, 1, others)
}

func TestSetOnDestroyFiresOnDestroy(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(OneShot)
	require.NoError(t, err)

	var released handle.Handle
	f.SetOnDestroy(func(stale handle.Handle) { released = stale })

	require.NoError(t, f.Destroy(h))
	assert.Equal(t, h, released)
}

func TestInvalidHandle(t *testing.T) {
	f := NewFamily(4)
	assert.Equal(t, ipcerr.InvalidHandle, ipcerr.As(f.Set(handle.Invalid)))
}
