package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipcerr"
)

func TestCreateInvalidArgument(t *testing.T) {
	f := NewFamily(4)
	_, err := f.Create(0, 8)
	assert.Equal(t, ipcerr.InvalidArgument, ipcerr.As(err))

	_, err = f.Create(8, 0)
	assert.Equal(t, ipcerr.InvalidArgument, ipcerr.As(err))
}

func TestTrySendTryRecvRoundTrip(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(2, 16)
	require.NoError(t, err)

	require.NoError(t, f.TrySend(h, []byte("hi")))
	buf := make([]byte, 16)
	n, err := f.TryRecv(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
}

func TestTrySendFullReturnsNoSpace(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)

	require.NoError(t, f.TrySend(h, []byte("a")))
	err = f.TrySend(h, []byte("b"))
	assert.Equal(t, ipcerr.NoSpace, ipcerr.As(err))
}

func TestTryRecvEmptyReturnsNotReady(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)

	_, err = f.TryRecv(h, make([]byte, 16))
	assert.Equal(t, ipcerr.NotReady, ipcerr.As(err))
}

func TestFIFOOrdering(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(4, 16)
	require.NoError(t, err)

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, f.TrySend(h, []byte(msg)))
	}
	buf := make([]byte, 16)
	for _, want := range []string{"a", "b", "c"} {
		n, err := f.TryRecv(h, buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
	}
}

func TestSendBlocksUntilSpace(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)
	require.NoError(t, f.TrySend(h, []byte("a")))

	done := make(chan error, 1)
	go func() { done <- f.Send(context.Background(), h, []byte("b")) }()

	time.Sleep(5 * time.Millisecond)
	buf := make([]byte, 16)
	_, err = f.TryRecv(h, buf)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after space freed")
	}
}

func TestRecvBlocksUntilMessage(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)

	done := make(chan error, 1)
	buf := make([]byte, 16)
	go func() {
		_, err := f.Recv(context.Background(), h, buf)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.TrySend(h, []byte("x")))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after send")
	}
}

func TestTimedSendTimesOutWhenFull(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)
	require.NoError(t, f.TrySend(h, []byte("a")))

	err = f.TimedSend(context.Background(), h, []byte("b"), 10*time.Millisecond)
	assert.Equal(t, ipcerr.Timeout, ipcerr.As(err))
}

func TestTimedRecvTimesOutWhenEmpty(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)

	_, err = f.TimedRecv(context.Background(), h, make([]byte, 16), 10*time.Millisecond)
	assert.Equal(t, ipcerr.Timeout, ipcerr.As(err))
}

func TestDestroyWakesBlockedSenderWithObjectDestroyed(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)
	require.NoError(t, f.TrySend(h, []byte("a")))

	done := make(chan error, 1)
	go func() { done <- f.Send(context.Background(), h, []byte("b")) }()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, f.Destroy(h))
	select {
	case err := <-done:
		assert.Equal(t, ipcerr.ObjectDestroyed, ipcerr.As(err), "destroyed must take priority over whatever woke the waiter")
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Destroy")
	}
}

func TestMessageLargerThanSlotRejected(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 4)
	require.NoError(t, err)

	err = f.TrySend(h, []byte("toolong"))
	assert.Equal(t, ipcerr.InvalidArgument, ipcerr.As(err))
}

func TestRecvBufferTooSmallRejected(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)
	require.NoError(t, f.TrySend(h, []byte("hello")))

	_, err = f.TryRecv(h, make([]byte, 2))
	assert.Equal(t, ipcerr.InvalidArgument, ipcerr.As(err))
}

func TestSetOnDestroyFiresOnDestroy(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(2, 16)
	require.NoError(t, err)

	var released handle.Handle
	f.SetOnDestroy(func(stale handle.Handle) { released = stale })

	require.NoError(t, f.Destroy(h))
	assert.Equal(t, h, released)
}

// TestInvariant_DepthZeroImpliesNoRecvWaiters checks that outside the
// narrow window between WakeOne and the woken waiter's own removal, a
// channel at depth zero never has a permanently-queued receiver: every
// blocked Recv either times out, is destroyed, or is woken by a Send that
// simultaneously raises depth above zero.
func TestInvariant_DepthZeroImpliesNoRecvWaiters(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(1, 16)
	require.NoError(t, err)

	recvDone := make(chan error, 1)
	go func() {
		_, err := f.Recv(context.Background(), h, make([]byte, 16))
		recvDone <- err
	}()
	time.Sleep(5 * time.Millisecond)

	snap, err := f.Diag(h)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Depth)
	assert.Equal(t, 1, snap.WaitingReceivers, "the blocked receiver is parked, not holding a phantom message")

	require.NoError(t, f.TrySend(h, []byte("x")))
	select {
	case err := <-recvDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Recv did not wake on Send")
	}

	snap, err = f.Diag(h)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Depth)
	assert.Equal(t, 0, snap.WaitingReceivers, "once the Recv completed, no waiter remains at depth zero")
}

func TestDiagSnapshot(t *testing.T) {
	f := NewFamily(4)
	h, err := f.Create(2, 16)
	require.NoError(t, err)
	require.NoError(t, f.TrySend(h, []byte("x")))

	snap, err := f.Diag(h)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Capacity)
	assert.Equal(t, 1, snap.Depth)
	assert.True(t, snap.Ready)
}
