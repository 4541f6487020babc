// Package waitset implements the edge-triggered listener mechanism shared
// by the signal and event-flags families: a subscriber registers a
// callback that fires only when an object's readiness transitions, not on
// every state change, plus once immediately on subscribe and once more,
// finally, when the object is destroyed.
package waitset

import "container/list"

// Callback is invoked with the object's new readiness and the opaque
// userData supplied at subscribe time. It is always called
// with the owning object's lock released, so it may itself call back into
// the IPC API.
type Callback func(ready bool, userData any)

// Listener is one subscription.
type Listener struct {
	Callback Callback
	UserData any
}

// List is the intrusive list of Listeners attached to one object. Like
// waitqueue.Queue, it has no lock of its own: callers hold the owning
// object's lock while mutating the list, and must drop that lock before
// invoking Notify's callbacks.
type List struct {
	l list.List
}

// Subscribe adds l to the list and returns a token for Unsubscribe.
func (x *List) Subscribe(l *Listener) *list.Element {
	return x.l.PushBack(l)
}

// Unsubscribe removes a previously-subscribed listener. Unsubscribing an
// already-removed or unknown token is a no-op: unsubscribe is idempotent
// cleanup, typically invoked from a defer, and forcing every caller to
// check an error for a call that can't meaningfully fail would be pure
// ceremony.
func (x *List) Unsubscribe(e *list.Element) {
	if e == nil || e.Value == nil {
		return
	}
	x.l.Remove(e)
	e.Value = nil
}

// Snapshot returns the currently-subscribed listeners, for Notify to
// iterate after the caller has released the object lock. Capturing a
// snapshot avoids holding the list across callback invocation, since a
// callback is free to Subscribe or Unsubscribe from within itself.
func (x *List) Snapshot() []*Listener {
	if x.l.Len() == 0 {
		return nil
	}
	out := make([]*Listener, 0, x.l.Len())
	for e := x.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Listener))
	}
	return out
}

// Notify calls every listener's Callback with ready and its own userData.
// The object lock must already be released by the caller before invoking
// Notify, matching the original's practice of dropping the critical
// section around each waitset callback.
func Notify(listeners []*Listener, ready bool) {
	for _, l := range listeners {
		l.Callback(ready, l.UserData)
	}
}
