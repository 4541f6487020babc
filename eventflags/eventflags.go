// Package eventflags implements the Magnolia event-flags primitive: a
// 32-bit bitmask with ANY/ALL/MASK wait predicates, auto-clear or
// manual-clear semantics, and FIFO-among-satisfied wake ordering.
package eventflags

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipcerr"
	"github.com/joeycumines/magnolia-ipc/ipclog"
	"github.com/joeycumines/magnolia-ipc/waitqueue"
	"github.com/joeycumines/magnolia-ipc/waitset"
)

// Mode selects whether a successful wait clears the bits it matched.
type Mode int

const (
	ManualClear Mode = iota
	AutoClear
)

// MaskMode controls MASK predicate semantics.
type MaskMode int

const (
	MaskExact MaskMode = iota
	MaskSuperset
)

// WaitType selects the predicate a waiter requires.
type WaitType int

const (
	WaitAny WaitType = iota
	WaitAll
	WaitMask
)

type stats struct {
	sets, clears, waits, timeouts uint64
}

// EventFlags is one event-flags object.
type EventFlags struct {
	handle.Header

	mode     Mode
	maskMode MaskMode
	mask     uint32
	ready    bool

	waiters   waitqueue.Queue
	listeners waitset.List
	stats     stats
}

// Snapshot is the diagnostic view of an EventFlags object.
type Snapshot struct {
	Type         handle.ObjectType
	Destroyed    bool
	WaitingTasks int
	Mask         uint32
	Mode         Mode
	MaskMode     MaskMode
	Ready        bool
	ReadyForMask bool
	Sets         uint64
	Clears       uint64
	Waits        uint64
	Timeouts     uint64
}

// Family owns the registry and slot storage for every EventFlags object
// created through it.
type Family struct {
	registry *handle.Registry
	mu       sync.RWMutex
	slots    []*EventFlags
}

// NewFamily creates a Family able to hold up to capacity live objects.
func NewFamily(capacity int) *Family {
	return &Family{
		registry: handle.NewRegistry(handle.TypeEventFlags, capacity),
		slots:    make([]*EventFlags, capacity),
	}
}

// SetOnDestroy registers cb to be invoked synchronously whenever a handle
// owned by this Family is released (on Destroy), for callers that want an
// audit trail without polling Diag. It is the generalized realization of
// the original's VFS-descriptor-cleanup callback; cb receives the handle
// that is now invalid.
func (f *Family) SetOnDestroy(cb func(handle.Handle)) { f.registry.OnRelease = cb }

func (f *Family) lookup(h handle.Handle) (*EventFlags, error) {
	idx, ok := f.registry.Lookup(h)
	if !ok {
		return nil, ipcerr.New(ipcerr.InvalidHandle)
	}
	f.mu.RLock()
	ef := f.slots[idx]
	f.mu.RUnlock()
	return ef, nil
}

// Create allocates a new event-flags object in the given modes.
func (f *Family) Create(mode Mode, maskMode MaskMode) (handle.Handle, error) {
	idx, h, err := f.registry.Allocate()
	if err != nil {
		return handle.Invalid, err
	}
	ef := &EventFlags{mode: mode, maskMode: maskMode}
	ef.Header.Handle = h
	ef.Header.Type = handle.TypeEventFlags
	f.mu.Lock()
	f.slots[idx] = ef
	f.mu.Unlock()
	ipclog.Debug().Uint32("handle", uint32(h)).Msg("eventflags: created")
	return h, nil
}

// Destroy wakes every waiter with ObjectDestroyed, notifies listeners of a
// final not-ready state, and releases the handle.
func (f *Family) Destroy(h handle.Handle) error {
	ef, err := f.lookup(h)
	if err != nil {
		return err
	}

	ef.Mu.Lock()
	if ef.Destroyed {
		ef.Mu.Unlock()
		return ipcerr.New(ipcerr.InvalidHandle)
	}
	ef.Destroyed = true
	ef.mask = 0
	ef.ready = false
	ef.waiters.WakeAll(waitqueue.ResultDestroyed)
	ef.WaitingTasks = 0
	listeners := ef.listeners.Snapshot()
	ef.Mu.Unlock()

	waitset.Notify(listeners, false)

	idx, _, _, _ := handle.Unpack(h)
	f.registry.Release(idx)
	ipclog.Debug().Uint32("handle", uint32(h)).Msg("eventflags: destroyed")
	return nil
}

func validWaitType(wt WaitType) bool {
	return wt == WaitAny || wt == WaitAll || wt == WaitMask
}

// satisfied evaluates the predicate against the event flags' current, live
// mask. Must be called with ef.Mu held.
func (ef *EventFlags) satisfied(wt WaitType, mask uint32) (matched uint32, ok bool) {
	if mask == 0 {
		return 0, false
	}
	current := ef.mask
	switch wt {
	case WaitAny:
		if m := current & mask; m != 0 {
			return m, true
		}
	case WaitAll:
		if current&mask == mask {
			return mask, true
		}
	case WaitMask:
		if ef.maskMode == MaskSuperset {
			if current&mask == mask {
				return mask, true
			}
		} else if current == mask {
			return mask, true
		}
	}
	return 0, false
}

// applyAutoClear clears consumed bits if ef is in auto-clear mode. Must be
// called with ef.Mu held.
func (ef *EventFlags) applyAutoClear(consumed uint32) {
	if consumed != 0 && ef.mode == AutoClear {
		ef.mask &^= consumed
	}
}

func (ef *EventFlags) updateReady() (listeners []*waitset.Listener, notify bool, ready bool) {
	ready = ef.mask != 0
	if ready == ef.ready {
		return nil, false, ready
	}
	ef.ready = ready
	return ef.listeners.Snapshot(), true, ready
}

// Set ORs bits into the mask, then runs the FIFO-among-satisfied wake
// pass, applying each woken waiter's auto-clear effect before the next
// waiter's predicate is (re-)evaluated.
func (f *Family) Set(h handle.Handle, bits uint32) error {
	ef, err := f.lookup(h)
	if err != nil {
		return err
	}

	ef.Mu.Lock()
	if ef.Destroyed {
		ef.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if bits == 0 {
		ef.Mu.Unlock()
		return nil
	}

	ef.mask |= bits
	ef.stats.sets++
	// The ready transition is evaluated before and after the wake pass, so
	// listeners observe each transition in order and end on the
	// post-wake-and-auto-clear readiness, matching ipc_event_flags_set's two
	// update_ready_locked calls.
	preListeners, preNotify, preReady := ef.updateReady()

	ef.waiters.WakePredicate(func(matched uint32) {
		ef.applyAutoClear(matched)
	})

	listeners, notify, ready := ef.updateReady()
	ef.Mu.Unlock()

	if preNotify {
		waitset.Notify(preListeners, preReady)
	}
	if notify {
		waitset.Notify(listeners, ready)
	}
	return nil
}

// Clear ANDs bits out of the mask without waking any waiter.
func (f *Family) Clear(h handle.Handle, bits uint32) error {
	ef, err := f.lookup(h)
	if err != nil {
		return err
	}

	ef.Mu.Lock()
	if ef.Destroyed {
		ef.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if bits == 0 {
		ef.Mu.Unlock()
		return nil
	}
	ef.mask &^= bits
	ef.stats.clears++
	listeners, notify, ready := ef.updateReady()
	ef.Mu.Unlock()

	if notify {
		waitset.Notify(listeners, ready)
	}
	return nil
}

// Read snapshots the current mask.
func (f *Family) Read(h handle.Handle) (uint32, error) {
	ef, err := f.lookup(h)
	if err != nil {
		return 0, err
	}
	ef.Mu.Lock()
	defer ef.Mu.Unlock()
	if ef.Destroyed {
		return 0, ipcerr.New(ipcerr.ObjectDestroyed)
	}
	return ef.mask, nil
}

// TryWait succeeds iff the predicate holds now, applying auto-clear.
func (f *Family) TryWait(h handle.Handle, wt WaitType, mask uint32) error {
	if !validWaitType(wt) || mask == 0 {
		return ipcerr.New(ipcerr.InvalidArgument)
	}
	ef, err := f.lookup(h)
	if err != nil {
		return err
	}

	ef.Mu.Lock()
	if ef.Destroyed {
		ef.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	matched, ok := ef.satisfied(wt, mask)
	if !ok {
		ef.Mu.Unlock()
		return ipcerr.New(ipcerr.NotReady)
	}
	ef.applyAutoClear(matched)
	ef.stats.waits++
	listeners, notify, ready := ef.updateReady()
	ef.Mu.Unlock()

	if notify {
		waitset.Notify(listeners, ready)
	}
	return nil
}

// Wait blocks indefinitely (subject to ctx) for the predicate to hold.
func (f *Family) Wait(ctx context.Context, h handle.Handle, wt WaitType, mask uint32) error {
	return f.timedWait(ctx, h, wt, mask, waitqueue.Forever)
}

// TimedWait blocks up to deadline for the predicate to hold.
func (f *Family) TimedWait(ctx context.Context, h handle.Handle, wt WaitType, mask uint32, deadline time.Duration) error {
	return f.timedWait(ctx, h, wt, mask, deadline)
}

func (f *Family) timedWait(ctx context.Context, h handle.Handle, wt WaitType, mask uint32, deadline time.Duration) error {
	if !validWaitType(wt) || mask == 0 {
		return ipcerr.New(ipcerr.InvalidArgument)
	}
	ef, err := f.lookup(h)
	if err != nil {
		return err
	}

	ef.Mu.Lock()
	if ef.Destroyed {
		ef.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}

	if matched, ok := ef.satisfied(wt, mask); ok {
		ef.applyAutoClear(matched)
		ef.stats.waits++
		listeners, notify, ready := ef.updateReady()
		ef.Mu.Unlock()
		if notify {
			waitset.Notify(listeners, ready)
		}
		return nil
	}

	w := waitqueue.NewWaiter(func() (uint32, bool) {
		return ef.satisfied(wt, mask)
	})
	elem := ef.waiters.PushBack(w)
	ef.WaitingTasks++
	ef.Mu.Unlock()

	result := waitqueue.Block(ctx, w, deadline)

	ef.Mu.Lock()
	ef.waiters.Remove(elem)
	ef.WaitingTasks--

	var (
		listeners []*waitset.Listener
		notify    bool
		ready     bool
		outcome   error
	)
	switch result {
	case waitqueue.ResultOK:
		if ef.Destroyed {
			outcome = ipcerr.New(ipcerr.ObjectDestroyed)
		} else {
			// WakePredicate already applied auto-clear before waking us.
			ef.stats.waits++
			listeners, notify, ready = ef.updateReady()
		}
	case waitqueue.ResultTimeout:
		ef.stats.timeouts++
		listeners, notify, ready = ef.updateReady()
		outcome = ipcerr.New(ipcerr.Timeout)
		ipclog.Debug().Uint32("handle", uint32(h)).Msg("eventflags: wait timeout")
	case waitqueue.ResultDestroyed:
		outcome = ipcerr.New(ipcerr.ObjectDestroyed)
	default:
		outcome = ipcerr.New(ipcerr.Shutdown)
	}
	ef.Mu.Unlock()

	if notify {
		waitset.Notify(listeners, ready)
	}
	return outcome
}

// WaitsetSubscribe registers cb for edge-triggered readiness notifications
// and immediately delivers the current state once.
func (f *Family) WaitsetSubscribe(h handle.Handle, cb waitset.Callback, userData any) (*list.Element, error) {
	ef, err := f.lookup(h)
	if err != nil {
		return nil, err
	}

	ef.Mu.Lock()
	if ef.Destroyed {
		ef.Mu.Unlock()
		return nil, ipcerr.New(ipcerr.InvalidHandle)
	}
	l := &waitset.Listener{Callback: cb, UserData: userData}
	elem := ef.listeners.Subscribe(l)
	ready := ef.mask != 0
	ef.Mu.Unlock()

	cb(ready, userData)
	return elem, nil
}

// WaitsetUnsubscribe removes a previously-registered listener.
func (f *Family) WaitsetUnsubscribe(h handle.Handle, token *list.Element) error {
	ef, err := f.lookup(h)
	if err != nil {
		return err
	}
	ef.Mu.Lock()
	ef.listeners.Unsubscribe(token)
	ef.Mu.Unlock()
	return nil
}

// Diag returns a copy-by-value snapshot of the event flags' state.
// ReadyForMask reports whether query currently intersects the live mask
// (false if query is zero), matching ipc_diag_event_flags_info's
// ready_for_mask field.
func (f *Family) Diag(h handle.Handle, query uint32) (Snapshot, error) {
	ef, err := f.lookup(h)
	if err != nil {
		return Snapshot{}, err
	}
	ef.Mu.Lock()
	defer ef.Mu.Unlock()
	return Snapshot{
		Type:         ef.Type,
		Destroyed:    ef.Destroyed,
		WaitingTasks: ef.WaitingTasks,
		Mask:         ef.mask,
		Mode:         ef.mode,
		MaskMode:     ef.maskMode,
		Ready:        ef.mask != 0,
		ReadyForMask: query != 0 && ef.mask&query != 0,
		Sets:         ef.stats.sets,
		Clears:       ef.stats.clears,
		Waits:        ef.stats.waits,
		Timeouts:     ef.stats.timeouts,
	}, nil
}
