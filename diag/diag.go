// Package diag implements the cross-family diagnostic dispatcher: given a
// bare handle, it reads the object-type tag packed into it and routes to
// whichever family owns that type, without the caller needing to know
// which family a handle belongs to ahead of time.
package diag

import (
	"github.com/joeycumines/magnolia-ipc/channel"
	"github.com/joeycumines/magnolia-ipc/eventflags"
	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipcerr"
	"github.com/joeycumines/magnolia-ipc/shm"
	"github.com/joeycumines/magnolia-ipc/signal"
)

// ObjectInfo is the minimal, family-agnostic info every handle exposes.
type ObjectInfo struct {
	Type         handle.ObjectType
	Destroyed    bool
	WaitingTasks int
}

// Registry aggregates one Family per object type, so a caller holding an
// arbitrary handle can query it without first knowing its family.
type Registry struct {
	Signal     *signal.Family
	Channel    *channel.Family
	EventFlags *eventflags.Family
	SHM        *shm.Family
}

// ObjectInfo returns the common diagnostic fields for h, dispatching on
// its packed object-type tag.
func (r *Registry) ObjectInfo(h handle.Handle) (ObjectInfo, error) {
	objType, _, _, ok := handle.Unpack(h)
	if !ok {
		return ObjectInfo{}, ipcerr.New(ipcerr.InvalidHandle)
	}

	switch objType {
	case handle.TypeSignal:
		s, err := r.Signal.Diag(h)
		if err != nil {
			return ObjectInfo{}, err
		}
		return ObjectInfo{Type: s.Type, Destroyed: s.Destroyed, WaitingTasks: s.WaitingTasks}, nil
	case handle.TypeChannel:
		c, err := r.Channel.Diag(h)
		if err != nil {
			return ObjectInfo{}, err
		}
		return ObjectInfo{Type: c.Type, Destroyed: c.Destroyed, WaitingTasks: c.WaitingTasks}, nil
	case handle.TypeEventFlags:
		ef, err := r.EventFlags.Diag(h, 0)
		if err != nil {
			return ObjectInfo{}, err
		}
		return ObjectInfo{Type: ef.Type, Destroyed: ef.Destroyed, WaitingTasks: ef.WaitingTasks}, nil
	case handle.TypeSHMRegion:
		i, err := r.SHM.Diag(h)
		if err != nil {
			return ObjectInfo{}, err
		}
		return ObjectInfo{Type: i.Type, Destroyed: i.Destroyed, WaitingTasks: i.WaitingTasks}, nil
	default:
		return ObjectInfo{}, ipcerr.New(ipcerr.InvalidHandle)
	}
}
