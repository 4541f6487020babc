// Package signal implements the Magnolia one-shot and counting signal
// primitive: a semaphore-like object with try/blocking/timed consume and
// edge-triggered waitset notifications.
package signal

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

// Mode selects one-shot (boolean) versus counting semaphore behavior.
type Mode int

const (
	OneShot Mode = iota
	Counting
)

type stats struct {
	sets, waits, timeouts uint64
}

// Signal is one signal object. Exported methods must be called through a
// Family so handles can be validated against the registry first.
type Signal struct {
	handle.Header

	mode      Mode
	pending   bool
	counter   uint64
	ready     bool
	waiters   waitqueue.Queue
	listeners waitset.List
	stats     stats
}

// Snapshot is the diagnostic, copy-by-value view of a Signal returned under
// its lock.
type Snapshot struct {
	Type         handle.ObjectType
	Destroyed    bool
	WaitingTasks int
	Mode         Mode
	Ready        bool
	Count        uint64
	Sets         uint64
	Waits        uint64
	Timeouts     uint64
}

// Family owns the registry and the backing slot storage for every Signal
// created through it; it is the unit of construction, mirroring the
// original's per-family module-init call.
type Family struct {
	registry *handle.Registry
	mu       sync.RWMutex
	slots    []*Signal
	clock    waitqueue.Clock
}

// NewFamily creates a Family able to hold up to capacity live signals.
func NewFamily(capacity int) *Family {
	return &Family{
		registry: handle.NewRegistry(handle.TypeSignal, capacity),
		slots:    make([]*Signal, capacity),
		clock:    waitqueue.SystemClock,
	}
}

// SetClock replaces the Family's stored time source. No operation of the
// Family reads it; timed waits run on the Go runtime timer via
// waitqueue.Block.
func (f *Family) SetClock(c waitqueue.Clock) { f.clock = c }

// SetOnDestroy registers cb to be invoked synchronously whenever a handle
// owned by this Family is released (on Destroy), for callers that want an
// audit trail without polling Diag. It is the generalized realization of
// the original's VFS-descriptor-cleanup callback; cb receives the handle
// that is now invalid.
func (f *Family) SetOnDestroy(cb func(handle.Handle)) { f.registry.OnRelease = cb }

func (f *Family) lookup(h handle.Handle) (*Signal, error) {
	idx, ok := f.registry.Lookup(h)
	if !ok {
		return nil, ipcerr.New(ipcerr.InvalidHandle)
	}
	f.mu.RLock()
	s := f.slots[idx]
	f.mu.RUnlock()
	return s, nil
}

// Create allocates a new signal of the given mode.
func (f *Family) Create(mode Mode) (handle.Handle, error) {
	idx, h, err := f.registry.Allocate()
	if err != nil {
		return handle.Invalid, err
	}
	s := &Signal{mode: mode}
	s.Header.Handle = h
	s.Header.Type = handle.TypeSignal
	f.mu.Lock()
	f.slots[idx] = s
	f.mu.Unlock()
	ipclog.Debug().Uint32("handle", uint32(h)).Int("mode", int(mode)).Msg("signal: created")
	return h, nil
}

// Destroy wakes every waiter with ObjectDestroyed, notifies listeners of a
// final not-ready state, and releases the handle.
func (f *Family) Destroy(h handle.Handle) error {
	s, err := f.lookup(h)
	if err != nil {
		return err
	}

	s.Mu.Lock()
	if s.Destroyed {
		s.Mu.Unlock()
		return ipcerr.New(ipcerr.InvalidHandle)
	}
	s.Destroyed = true
	s.ready = false
	s.waiters.WakeAll(waitqueue.ResultDestroyed)
	listeners := s.listeners.Snapshot()
	s.Mu.Unlock()

	waitset.Notify(listeners, false)

	idx, _, _, _ := handle.Unpack(h)
	f.registry.Release(idx)
	ipclog.Debug().Uint32("handle", uint32(h)).Msg("signal: destroyed")
	return nil
}

// isReady reports the readiness predicate; must be called with s.Mu held.
func (s *Signal) isReady() bool {
	if s.mode == Counting {
		return s.counter > 0
	}
	return s.pending
}

// updateReady recomputes s.ready and, on a transition, returns the
// listener snapshot to notify after the lock is released. Must be called
// with s.Mu held.
func (s *Signal) updateReady() (listeners []*waitset.Listener, notify bool, newReady bool) {
	newReady = s.isReady()
	if newReady == s.ready {
		return nil, false, newReady
	}
	s.ready = newReady
	return s.listeners.Snapshot(), true, newReady
}

// Set registers an event: increments the counter (counting mode) or sets
// pending (one-shot), wakes exactly one waiter if any are queued, and
// notifies listeners on a readiness transition.
func (f *Family) Set(h handle.Handle) error {
	s, err := f.lookup(h)
	if err != nil {
		return err
	}

	s.Mu.Lock()
	if s.Destroyed {
		s.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}

	if s.mode == Counting {
		s.counter++
	} else {
		s.pending = true
	}
	s.stats.sets++

	listeners, notify, ready := s.updateReady()
	s.waiters.WakeOne(waitqueue.ResultOK)
	s.Mu.Unlock()

	if notify {
		waitset.Notify(listeners, ready)
	}
	return nil
}

// Clear resets the signal to its not-ready state without waking waiters.
func (f *Family) Clear(h handle.Handle) error {
	s, err := f.lookup(h)
	if err != nil {
		return err
	}

	s.Mu.Lock()
	if s.Destroyed {
		s.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	s.pending = false
	s.counter = 0
	listeners, notify, ready := s.updateReady()
	s.Mu.Unlock()

	if notify {
		waitset.Notify(listeners, ready)
	}
	return nil
}

// consumeLocked applies the "consume one unit" effect of a successful
// wait/try_wait. Must be called with s.Mu held and s.isReady() true.
func (s *Signal) consumeLocked() {
	if s.mode == Counting {
		s.counter--
	} else {
		s.pending = false
	}
}

// TryWait consumes one unit if ready, else returns NotReady.
func (f *Family) TryWait(h handle.Handle) error {
	s, err := f.lookup(h)
	if err != nil {
		return err
	}

	s.Mu.Lock()
	if s.Destroyed {
		s.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if !s.isReady() {
		s.Mu.Unlock()
		return ipcerr.New(ipcerr.NotReady)
	}
	s.consumeLocked()
	s.stats.waits++
	listeners, notify, ready := s.updateReady()
	s.Mu.Unlock()

	if notify {
		waitset.Notify(listeners, ready)
	}
	return nil
}

// Wait blocks indefinitely (subject to ctx) until the signal becomes ready,
// then consumes one unit.
func (f *Family) Wait(ctx context.Context, h handle.Handle) error {
	return f.timedWait(ctx, h, waitqueue.Forever)
}

// TimedWait blocks up to deadline for the signal to become ready.
func (f *Family) TimedWait(ctx context.Context, h handle.Handle, deadline time.Duration) error {
	return f.timedWait(ctx, h, deadline)
}

func (f *Family) timedWait(ctx context.Context, h handle.Handle, deadline time.Duration) error {
	s, err := f.lookup(h)
	if err != nil {
		return err
	}

	s.Mu.Lock()
	if s.Destroyed {
		s.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if s.isReady() {
		s.consumeLocked()
		s.stats.waits++
		listeners, notify, ready := s.updateReady()
		s.Mu.Unlock()
		if notify {
			waitset.Notify(listeners, ready)
		}
		return nil
	}

	w := waitqueue.NewWaiter(nil)
	elem := s.waiters.PushBack(w)
	s.WaitingTasks++
	s.stats.waits++
	s.Mu.Unlock()

	result := waitqueue.Block(ctx, w, deadline)

	s.Mu.Lock()
	s.waiters.Remove(elem)
	s.WaitingTasks--

	var (
		listeners []*waitset.Listener
		notify    bool
		ready     bool
		outcome   error
	)
	switch result {
	case waitqueue.ResultOK:
		if s.Destroyed {
			outcome = ipcerr.New(ipcerr.ObjectDestroyed)
		} else if s.isReady() {
			s.consumeLocked()
			s.stats.waits++
			listeners, notify, ready = s.updateReady()
			outcome = nil
		} else {
			// woken but another waiter or operation already consumed the
			// unit first; treat as a spurious wake.
			outcome = ipcerr.New(ipcerr.Shutdown)
		}
	case waitqueue.ResultTimeout:
		s.stats.timeouts++
		listeners, notify, ready = s.updateReady()
		outcome = ipcerr.New(ipcerr.Timeout)
		ipclog.Debug().Uint32("handle", uint32(h)).Msg("signal: wait timeout")
	case waitqueue.ResultDestroyed:
		outcome = ipcerr.New(ipcerr.ObjectDestroyed)
	default:
		outcome = ipcerr.New(ipcerr.Shutdown)
	}
	s.Mu.Unlock()

	if notify {
		waitset.Notify(listeners, ready)
	}
	return outcome
}

// WaitsetSubscribe registers cb for edge-triggered readiness notifications
// and immediately delivers the current state once.
func (f *Family) WaitsetSubscribe(h handle.Handle, cb waitset.Callback, userData any) (*list.Element, error) {
	s, err := f.lookup(h)
	if err != nil {
		return nil, err
	}

	s.Mu.Lock()
	if s.Destroyed {
		s.Mu.Unlock()
		return nil, ipcerr.New(ipcerr.InvalidHandle)
	}
	l := &waitset.Listener{Callback: cb, UserData: userData}
	elem := s.listeners.Subscribe(l)
	ready := s.ready
	s.Mu.Unlock()

	cb(ready, userData)
	return elem, nil
}

// WaitsetUnsubscribe removes a previously-registered listener.
func (f *Family) WaitsetUnsubscribe(h handle.Handle, token *list.Element) error {
	s, err := f.lookup(h)
	if err != nil {
		return err
	}
	s.Mu.Lock()
	s.listeners.Unsubscribe(token)
	s.Mu.Unlock()
	return nil
}

// Diag returns a copy-by-value snapshot of the signal's state.
func (f *Family) Diag(h handle.Handle) (Snapshot, error) {
	s, err := f.lookup(h)
	if err != nil {
		return Snapshot{}, err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	count := s.counter
	if s.mode == OneShot && s.pending {
		count = 1
	}
	return Snapshot{
		Type:         s.Type,
		Destroyed:    s.Destroyed,
		WaitingTasks: s.WaitingTasks,
		Mode:         s.mode,
		Ready:        s.isReady(),
		Count:        count,
		Sets:         s.stats.sets,
		Waits:        s.stats.waits,
		Timeouts:     s.stats.timeouts,
	}, nil
}
