// Package waitqueue implements the FIFO blocking-wait building block shared
// by every Magnolia IPC object family. A Queue is an intrusive list of
// Waiters; each Waiter carries a buffered channel that stands in for the
// park/unpark primitive a preemptive RTOS scheduler would otherwise supply.
//
// The three-phase protocol every family follows is: (1) under the object's
// lock, check the fast-path condition and, if not satisfied, create a
// Waiter and PushBack it; (2) release the lock and call Block, which
// selects on the waiter's result channel, a deadline timer, and the
// caller's context; (3) reacquire the lock, Remove the waiter by its list
// element (an O(1), identity-based removal), and translate the Result into
// an ipcerr.Code.
package waitqueue

import (
	"container/list"
	"context"
	"time"

	"github.com/joeycumines/magnolia-ipc/ipcerr"
)

// Result is the outcome delivered to a blocked Waiter when it is woken.
type Result int

const (
	// ResultOK means the waiter's condition became satisfied.
	ResultOK Result = iota
	// ResultTimeout means the deadline elapsed before a wake.
	ResultTimeout
	// ResultDestroyed means the object was destroyed while the caller waited.
	ResultDestroyed
	// ResultShutdown means the caller's context was canceled.
	ResultShutdown
)

// Code translates a Result into the ipcerr.Code an IPC operation returns.
func (r Result) Code() ipcerr.Code {
	switch r {
	case ResultOK:
		return ipcerr.OK
	case ResultTimeout:
		return ipcerr.Timeout
	case ResultDestroyed:
		return ipcerr.ObjectDestroyed
	case ResultShutdown:
		return ipcerr.Shutdown
	default:
		return ipcerr.InvalidArgument
	}
}

// Forever is the deadline sentinel meaning "block indefinitely", mirroring
// the original scheduler's infinite m_timer_deadline_t.
const Forever time.Duration = -1

// Predicate is evaluated against live, family-specific state each time a
// WakePredicate pass visits a waiter still in the queue. matched carries
// whatever family-specific detail the waiter needs from a successful
// match (for example, the event-flags bits that satisfied it); ok reports
// whether the waiter's condition currently holds.
type Predicate func() (matched uint32, ok bool)

// Waiter is one blocked call. It must be used for exactly one
// PushBack/Block/Remove sequence; it is not reusable.
type Waiter struct {
	result    chan Result
	matched   uint32
	Predicate Predicate
}

// NewWaiter allocates a Waiter ready to be pushed onto a Queue. pred may be
// nil for families that only ever wake in FIFO order without per-waiter
// conditions (signal, channel); event flags supplies one.
func NewWaiter(pred Predicate) *Waiter {
	return &Waiter{result: make(chan Result, 1), Predicate: pred}
}

// Matched returns the matched value recorded by the Predicate the moment
// this waiter was woken via WakePredicate. It is only meaningful after
// Block returns ResultOK for a predicate-bearing waiter.
func (w *Waiter) Matched() uint32 { return w.matched }

// wake delivers result to w exactly once; subsequent calls are no-ops,
// since a Waiter is only ever woken by whichever call observes it first
// (the queue removes it from its list under the same lock).
func (w *Waiter) wake(result Result, matched uint32) {
	w.matched = matched
	select {
	case w.result <- result:
	default:
	}
}

// Queue is a FIFO list of blocked Waiters for one IPC object. All methods
// must be called with the object's own lock held; Queue has no lock of its
// own, matching the original's "wait queue lives inside the object's
// critical section" design.
type Queue struct {
	l list.List
}

// Len reports the number of currently-queued waiters.
func (q *Queue) Len() int { return q.l.Len() }

// PushBack enqueues w at the tail of the FIFO and returns the list element
// identifying it, to be passed to Remove once the caller stops blocking.
func (q *Queue) PushBack(w *Waiter) *list.Element {
	return q.l.PushBack(w)
}

// Remove takes w out of the queue by its list element. It is idempotent:
// Wake* methods unlink the element and clear its Value as part of waking
// it, and Remove does nothing for an element whose Value is nil, so callers
// may call Remove unconditionally after Block returns. Only the paths where
// the waiter timed out or the caller's context was canceled without a wake
// actually unlink anything here.
func (q *Queue) Remove(e *list.Element) {
	if e.Value == nil {
		return
	}
	q.l.Remove(e)
	e.Value = nil
}

// WakeOne wakes the single longest-waiting Waiter, if any, with result.
// It reports whether a waiter was woken.
func (q *Queue) WakeOne(result Result) bool {
	e := q.l.Front()
	if e == nil {
		return false
	}
	w := e.Value.(*Waiter)
	q.l.Remove(e)
	e.Value = nil
	w.wake(result, 0)
	return true
}

// WakeAll wakes every queued Waiter with result and empties the queue.
// This is the destroy-time and shutdown-time broadcast used by every
// family.
func (q *Queue) WakeAll(result Result) {
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*Waiter)
		q.l.Remove(e)
		e.Value = nil
		w.wake(result, 0)
		e = next
	}
}

// WakePredicate walks the queue in FIFO order, evaluating each waiter's
// Predicate against the current, live state (not a snapshot taken before
// the walk began). A waiter whose predicate matches is removed and woken
// with ResultOK; apply, if non-nil, is then called with the matched value
// so the caller can apply a side effect (auto-clearing bits, consuming a
// message) before the next waiter's predicate is evaluated — this
// ordering is load-bearing for event flags' auto-clear semantics, where
// each subsequent waiter must see the mask as it stood after the previous
// waiter's effect was applied.
func (q *Queue) WakePredicate(apply func(matched uint32)) {
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*Waiter)
		if w.Predicate != nil {
			if matched, ok := w.Predicate(); ok {
				q.l.Remove(e)
				e.Value = nil
				if apply != nil {
					apply(matched)
				}
				w.wake(ResultOK, matched)
			}
		}
		e = next
	}
}

// Clock abstracts a monotonic time source, mirroring the external
// scheduler-clock collaborator. SystemClock is the default. Block does not
// consult a Clock: its deadlines run on the Go runtime timer.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, backed by the Go runtime's monotonic
// clock reading.
var SystemClock Clock = systemClock{}

// Block waits for w to be woken, for ctx to be canceled, or for deadline to
// elapse, whichever happens first. deadline == Forever blocks indefinitely
// (subject only to ctx); deadline == 0 polls without blocking, returning
// ResultTimeout immediately if w has not already been woken.
//
// Block does not touch the Queue or the object lock: callers must arrange
// to call it only after releasing the object lock, and must reacquire the
// lock before calling Remove.
func Block(ctx context.Context, w *Waiter, deadline time.Duration) Result {
	if deadline == 0 {
		select {
		case r := <-w.result:
			return r
		default:
			return ResultTimeout
		}
	}

	if deadline == Forever {
		select {
		case r := <-w.result:
			return r
		case <-ctx.Done():
			return ResultShutdown
		}
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case r := <-w.result:
		return r
	case <-timer.C:
		return ResultTimeout
	case <-ctx.Done():
		return ResultShutdown
	}
}
