// Package handle implements the generational handle registry shared by
// every Magnolia IPC object family: a fixed-size slot table addressed by a
// packed 32-bit Handle, with a generation counter per slot so a stale
// handle from a destroyed object can never alias a newly created one.
package handle

import (
	"sync"

	"github.com/joeycumines/magnolia-ipc/ipcerr"
)

const (
	indexBits = 12
	typeShift = indexBits
	typeBits  = 4
	genShift  = typeShift + typeBits
	genBits   = 16

	indexMask = (1 << indexBits) - 1
	typeMask  = (1 << typeBits) - 1
	genMask   = (1 << genBits) - 1

	// MaxCapacity is the largest slot table a Registry can hold, bounded by
	// the 12-bit index field.
	MaxCapacity = 1 << indexBits
)

// ObjectType tags which IPC family a Handle belongs to.
type ObjectType uint8

const (
	TypeSignal ObjectType = iota + 1
	TypeChannel
	TypeEventFlags
	TypeSHMRegion
)

// Handle is an opaque, packed reference to an IPC object: 12 bits of slot
// index, 4 bits of object type, 16 bits of generation. The zero value,
// Invalid, never refers to a live object.
type Handle uint32

// Invalid is the handle value that can never be returned by Allocate.
const Invalid Handle = 0

// Pack assembles a Handle from its constituent fields. index and
// generation are truncated to their field widths.
func Pack(objType ObjectType, index uint16, generation uint16) Handle {
	return Handle(uint32(index&indexMask) |
		uint32(objType&typeMask)<<typeShift |
		uint32(generation&genMask)<<genShift)
}

// Unpack decomposes h into its fields. ok is false only for the zero
// (Invalid) handle; Unpack does not itself verify that a slot exists or is
// live, only that the handle's shape is non-zero.
func Unpack(h Handle) (objType ObjectType, index uint16, generation uint16, ok bool) {
	if h == Invalid {
		return 0, 0, 0, false
	}
	index = uint16(h & indexMask)
	objType = ObjectType((h >> typeShift) & typeMask)
	generation = uint16((h >> genShift) & genMask)
	return objType, index, generation, true
}

// Registry is a fixed-capacity table of generation counters for a single
// object family. Index allocation and release are the only operations it
// performs itself; the owning family (signal, channel, ...) stores the
// actual object pointer alongside the index by whatever means it prefers
// (this package only guarantees ABA-safe index reuse).
type Registry struct {
	mu         sync.Mutex
	objType    ObjectType
	generation []uint16
	allocated  []bool
	free       []uint16
	// OnRelease, if set, is invoked synchronously by Release after a slot
	// has been returned to the free list, with the handle that was just
	// invalidated. It is the generic realization of the optional
	// destroyed-callback collaborator; registries used purely as index
	// allocators (no external subscriber) leave it nil.
	OnRelease func(Handle)
}

// NewRegistry creates a Registry for the given object family with room for
// capacity live objects. It panics if capacity is non-positive or exceeds
// MaxCapacity, since that indicates a programming error by the caller, not
// a runtime condition.
func NewRegistry(objType ObjectType, capacity int) *Registry {
	if capacity <= 0 || capacity > MaxCapacity {
		panic("handle: NewRegistry: capacity out of range")
	}
	r := &Registry{
		objType:    objType,
		generation: make([]uint16, capacity),
		allocated:  make([]bool, capacity),
		free:       make([]uint16, capacity),
	}
	for i := range r.free {
		r.free[i] = uint16(capacity - 1 - i)
	}
	return r
}

// Allocate reserves a free slot and returns its index along with the
// Handle addressing it at the slot's current generation. It fails with
// NoSpace if the table is full.
func (r *Registry) Allocate() (index uint16, h Handle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return 0, Invalid, ipcerr.New(ipcerr.NoSpace)
	}
	index = r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.allocated[index] = true
	r.generation[index]++
	if r.generation[index] == 0 {
		// skip zero on wrap
		r.generation[index] = 1
	}
	return index, Pack(r.objType, index, r.generation[index]), nil
}

// Release returns index to the free list. The slot's generation was
// already advanced at Allocate time, so a stale handle referencing it
// fails validation on the next Lookup without any further bookkeeping
// here; release invokes OnRelease, if set, with the handle that is now
// invalid.
func (r *Registry) Release(index uint16) {
	r.mu.Lock()
	if !r.allocated[index] {
		r.mu.Unlock()
		return
	}
	stale := Pack(r.objType, index, r.generation[index])
	r.allocated[index] = false
	r.free = append(r.free, index)
	cb := r.OnRelease
	r.mu.Unlock()

	if cb != nil {
		cb(stale)
	}
}

// Lookup verifies that h names a currently-allocated slot of this
// registry's object type and at the slot's current generation, returning
// the slot index on success.
func (r *Registry) Lookup(h Handle) (index uint16, ok bool) {
	objType, idx, gen, valid := Unpack(h)
	if !valid || objType != r.objType || int(idx) >= len(r.generation) {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allocated[idx] || r.generation[idx] != gen {
		return 0, false
	}
	return idx, true
}

// Generation reports the current generation counter for index, for tests
// and diagnostics.
func (r *Registry) Generation(index uint16) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation[index]
}

// Header is embedded by every object family's struct. It carries the
// per-object lock and the bookkeeping fields common to all families:
// the object's own handle, type, destroyed flag, and the count of tasks
// currently blocked on it.
type Header struct {
	Mu           sync.Mutex
	Handle       Handle
	Type         ObjectType
	Destroyed    bool
	WaitingTasks int
}
