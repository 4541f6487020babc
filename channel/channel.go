// Package channel implements the Magnolia bounded FIFO channel: a circular
// array of fixed-size message slots with independent send and receive wait
// queues.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipcerr"
	"github.com/joeycumines/magnolia-ipc/ipclog"
	"github.com/joeycumines/magnolia-ipc/waitqueue"
)

const (
	// MaxCapacity bounds the number of slots a single channel may have.
	MaxCapacity = 1 << 16
	// MaxMessageSize bounds the fixed per-slot message size.
	MaxMessageSize = 1 << 20
)

type slot struct {
	data   []byte
	length int
}

type stats struct {
	sends, recvs, sendTimeouts, recvTimeouts uint64
}

// Channel is one bounded FIFO channel instance.
type Channel struct {
	handle.Header

	capacity, messageSize int
	messages              []slot
	head, tail, depth     int

	sendWaiters, recvWaiters         waitqueue.Queue
	waitingSenders, waitingReceivers int

	stats stats
}

// Snapshot is the diagnostic view of a Channel.
type Snapshot struct {
	Type             handle.ObjectType
	Destroyed        bool
	WaitingTasks     int
	Capacity         int
	Depth            int
	MessageSize      int
	WaitingSenders   int
	WaitingReceivers int
	Ready            bool
}

// Family owns the registry and slot storage for every Channel created
// through it.
type Family struct {
	registry *handle.Registry
	mu       sync.RWMutex
	slots    []*Channel
}

// NewFamily creates a Family able to hold up to capacity live channels.
func NewFamily(capacity int) *Family {
	return &Family{
		registry: handle.NewRegistry(handle.TypeChannel, capacity),
		slots:    make([]*Channel, capacity),
	}
}

// SetOnDestroy registers cb to be invoked synchronously whenever a handle
// owned by this Family is released (on Destroy), for callers that want an
// audit trail without polling Diag. It is the generalized realization of
// the original's VFS-descriptor-cleanup callback; cb receives the handle
// that is now invalid.
func (f *Family) SetOnDestroy(cb func(handle.Handle)) { f.registry.OnRelease = cb }

func (f *Family) lookup(h handle.Handle) (*Channel, error) {
	idx, ok := f.registry.Lookup(h)
	if !ok {
		return nil, ipcerr.New(ipcerr.InvalidHandle)
	}
	f.mu.RLock()
	c := f.slots[idx]
	f.mu.RUnlock()
	return c, nil
}

// Create allocates a channel of the given capacity (number of slots) and
// messageSize (bytes per slot).
func (f *Family) Create(capacity, messageSize int) (handle.Handle, error) {
	if capacity <= 0 || messageSize <= 0 || capacity > MaxCapacity || messageSize > MaxMessageSize {
		return handle.Invalid, ipcerr.New(ipcerr.InvalidArgument)
	}

	idx, h, err := f.registry.Allocate()
	if err != nil {
		return handle.Invalid, err
	}

	c := &Channel{
		capacity:    capacity,
		messageSize: messageSize,
		messages:    make([]slot, capacity),
	}
	for i := range c.messages {
		c.messages[i].data = make([]byte, messageSize)
	}
	c.Header.Handle = h
	c.Header.Type = handle.TypeChannel

	f.mu.Lock()
	f.slots[idx] = c
	f.mu.Unlock()
	ipclog.Debug().Uint32("handle", uint32(h)).Int("capacity", capacity).Int("messageSize", messageSize).Msg("channel: created")
	return h, nil
}

// Destroy wakes every waiter on both queues with ObjectDestroyed and
// releases the handle.
func (f *Family) Destroy(h handle.Handle) error {
	c, err := f.lookup(h)
	if err != nil {
		return err
	}

	c.Mu.Lock()
	if c.Destroyed {
		c.Mu.Unlock()
		return ipcerr.New(ipcerr.InvalidHandle)
	}
	c.Destroyed = true
	c.depth, c.head, c.tail = 0, 0, 0
	c.sendWaiters.WakeAll(waitqueue.ResultDestroyed)
	c.recvWaiters.WakeAll(waitqueue.ResultDestroyed)
	c.waitingSenders, c.waitingReceivers, c.WaitingTasks = 0, 0, 0
	c.Mu.Unlock()

	idx, _, _, _ := handle.Unpack(h)
	f.registry.Release(idx)
	ipclog.Debug().Uint32("handle", uint32(h)).Msg("channel: destroyed")
	return nil
}

func (c *Channel) enqueue(message []byte) {
	c.messages[c.tail].length = copy(c.messages[c.tail].data, message)
	c.tail = (c.tail + 1) % c.capacity
	c.depth++
}

func (c *Channel) dequeue(out []byte) int {
	n := copy(out, c.messages[c.head].data[:c.messages[c.head].length])
	c.head = (c.head + 1) % c.capacity
	c.depth--
	return n
}

// waitForSpace blocks the caller on the send queue until the channel is
// not full, destroyed, or the deadline/context fires. c.Mu must be held on
// entry and is held again on return; it is released while blocked.
func (c *Channel) waitForSpace(ctx context.Context, deadline time.Duration) error {
	if deadline == 0 {
		return ipcerr.New(ipcerr.Timeout)
	}

	w := waitqueue.NewWaiter(nil)
	elem := c.sendWaiters.PushBack(w)
	c.waitingSenders++
	c.WaitingTasks++
	c.Mu.Unlock()

	result := waitqueue.Block(ctx, w, deadline)

	c.Mu.Lock()
	c.sendWaiters.Remove(elem)
	c.waitingSenders--
	c.WaitingTasks--

	if c.Destroyed {
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if result == waitqueue.ResultTimeout {
		c.stats.sendTimeouts++
		ipclog.Debug().Uint32("handle", uint32(c.Handle)).Msg("channel: send timeout")
	}
	return ipcerr.New(result.Code())
}

func (c *Channel) waitForMessage(ctx context.Context, deadline time.Duration) error {
	if deadline == 0 {
		return ipcerr.New(ipcerr.Timeout)
	}

	w := waitqueue.NewWaiter(nil)
	elem := c.recvWaiters.PushBack(w)
	c.waitingReceivers++
	c.WaitingTasks++
	c.Mu.Unlock()

	result := waitqueue.Block(ctx, w, deadline)

	c.Mu.Lock()
	c.recvWaiters.Remove(elem)
	c.waitingReceivers--
	c.WaitingTasks--

	if c.Destroyed {
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if result == waitqueue.ResultTimeout {
		c.stats.recvTimeouts++
		ipclog.Debug().Uint32("handle", uint32(c.Handle)).Msg("channel: recv timeout")
	}
	return ipcerr.New(result.Code())
}

func (f *Family) sendInternal(ctx context.Context, h handle.Handle, message []byte, deadline time.Duration) error {
	c, err := f.lookup(h)
	if err != nil {
		return err
	}
	if len(message) == 0 {
		return ipcerr.New(ipcerr.InvalidArgument)
	}
	if len(message) > c.messageSize {
		return ipcerr.New(ipcerr.InvalidArgument)
	}

	c.Mu.Lock()
	if c.Destroyed {
		c.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}

	for c.depth == c.capacity {
		if err := c.waitForSpace(ctx, deadline); err != nil {
			c.Mu.Unlock()
			return err
		}
	}

	c.enqueue(message)
	c.stats.sends++
	c.recvWaiters.WakeOne(waitqueue.ResultOK)
	c.Mu.Unlock()
	return nil
}

// Send blocks indefinitely (subject to ctx) until there is room, then
// enqueues message.
func (f *Family) Send(ctx context.Context, h handle.Handle, message []byte) error {
	return f.sendInternal(ctx, h, message, waitqueue.Forever)
}

// TrySend enqueues message without blocking, failing with NoSpace if full.
func (f *Family) TrySend(h handle.Handle, message []byte) error {
	c, err := f.lookup(h)
	if err != nil {
		return err
	}
	if len(message) == 0 {
		return ipcerr.New(ipcerr.InvalidArgument)
	}
	if len(message) > c.messageSize {
		return ipcerr.New(ipcerr.InvalidArgument)
	}

	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.Destroyed {
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if c.depth == c.capacity {
		return ipcerr.New(ipcerr.NoSpace)
	}

	c.enqueue(message)
	c.stats.sends++
	c.recvWaiters.WakeOne(waitqueue.ResultOK)
	return nil
}

// TimedSend blocks up to deadline for room to become available.
func (f *Family) TimedSend(ctx context.Context, h handle.Handle, message []byte, deadline time.Duration) error {
	return f.sendInternal(ctx, h, message, deadline)
}

func (f *Family) recvInternal(ctx context.Context, h handle.Handle, out []byte, deadline time.Duration) (int, error) {
	c, err := f.lookup(h)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, ipcerr.New(ipcerr.InvalidArgument)
	}

	c.Mu.Lock()
	if c.Destroyed {
		c.Mu.Unlock()
		return 0, ipcerr.New(ipcerr.ObjectDestroyed)
	}

	for c.depth == 0 {
		if err := c.waitForMessage(ctx, deadline); err != nil {
			c.Mu.Unlock()
			return 0, err
		}
	}

	if stored := c.messages[c.head].length; len(out) < stored {
		c.Mu.Unlock()
		return 0, ipcerr.New(ipcerr.InvalidArgument)
	}

	n := c.dequeue(out)
	c.stats.recvs++
	c.sendWaiters.WakeOne(waitqueue.ResultOK)
	c.Mu.Unlock()
	return n, nil
}

// Recv blocks indefinitely (subject to ctx) until a message is available.
func (f *Family) Recv(ctx context.Context, h handle.Handle, out []byte) (int, error) {
	return f.recvInternal(ctx, h, out, waitqueue.Forever)
}

// TryRecv dequeues a message without blocking, failing with NotReady if
// empty.
func (f *Family) TryRecv(h handle.Handle, out []byte) (int, error) {
	c, err := f.lookup(h)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, ipcerr.New(ipcerr.InvalidArgument)
	}

	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.Destroyed {
		return 0, ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if c.depth == 0 {
		return 0, ipcerr.New(ipcerr.NotReady)
	}
	if stored := c.messages[c.head].length; len(out) < stored {
		return 0, ipcerr.New(ipcerr.InvalidArgument)
	}

	n := c.dequeue(out)
	c.stats.recvs++
	c.sendWaiters.WakeOne(waitqueue.ResultOK)
	return n, nil
}

// TimedRecv blocks up to deadline for a message to become available.
func (f *Family) TimedRecv(ctx context.Context, h handle.Handle, out []byte, deadline time.Duration) (int, error) {
	return f.recvInternal(ctx, h, out, deadline)
}

// Diag returns a copy-by-value snapshot of the channel's state.
func (f *Family) Diag(h handle.Handle) (Snapshot, error) {
	c, err := f.lookup(h)
	if err != nil {
		return Snapshot{}, err
	}
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return Snapshot{
		Type:             c.Type,
		Destroyed:        c.Destroyed,
		WaitingTasks:     c.WaitingTasks,
		Capacity:         c.capacity,
		Depth:            c.depth,
		MessageSize:      c.messageSize,
		WaitingSenders:   c.waitingSenders,
		WaitingReceivers: c.waitingReceivers,
		Ready:            c.depth > 0 || c.depth < c.capacity,
	}, nil
}
