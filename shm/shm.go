// Package shm implements the Magnolia shared-memory region: a fixed-size
// byte buffer attached by one or more callers under raw, ring, or packet
// framing, with per-mode blocking read/write and a control channel for
// flush/reset/notify operations.
package shm

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipcerr"
	"github.com/joeycumines/magnolia-ipc/ipclog"
	"github.com/joeycumines/magnolia-ipc/waitqueue"
)

// Mode selects the framing discipline applied to a region's memory.
type Mode int

const (
	// Raw exposes the region as a flat buffer read and written at an
	// attachment-local cursor, with no framing or wait semantics.
	Raw Mode = iota
	// Ring treats the region as a circular byte buffer shared by every
	// attachment, with blocking (or overwrite) semantics on write.
	Ring
	// Packet treats the region as a circular buffer of length-prefixed
	// messages, delivered whole or not at all.
	Packet
)

// RingPolicy selects what a ring-mode write does when the region lacks
// room for the new data.
type RingPolicy int

const (
	// OverwriteBlock makes a full ring behave like a bounded channel: the
	// writer waits (or fails fast, for the non-blocking entry points)
	// until a reader frees enough space.
	OverwriteBlock RingPolicy = iota
	// OverwriteDropOldest discards the oldest bytes in the ring to make
	// room, so a write to a full ring never blocks. A write longer than the
	// ring's capacity (region size minus one) fails with Full.
	OverwriteDropOldest
)

// AccessMode restricts which operations an attachment may perform.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	WriteOnly
	ReadWrite
)

func accessAllowsRead(m AccessMode) bool  { return m == ReadOnly || m == ReadWrite }
func accessAllowsWrite(m AccessMode) bool { return m == WriteOnly || m == ReadWrite }

// ControlCommand selects the operation performed by Family.Control.
type ControlCommand int

const (
	// Flush clears the buffered contents (ring position/packet queue)
	// without disturbing waiters or statistics.
	Flush ControlCommand = iota
	// Reset clears buffered contents and zeroes the region's statistics.
	Reset
	// NotifyReaders wakes every blocked reader with ResultOK, regardless
	// of whether data actually became available.
	NotifyReaders
	// NotifyWriters wakes every blocked writer with ResultOK, regardless
	// of whether space actually became available.
	NotifyWriters
)

// Options configures a region at Create time. The zero value selects
// OverwriteBlock and the family's default packet payload limit.
type Options struct {
	RingPolicy       RingPolicy
	PacketMaxPayload int
}

// AttachOptions configures one attachment. The zero value starts a raw
// cursor at offset zero.
type AttachOptions struct {
	CursorOffset int
}

const defaultPacketMaxPayload = 256

type packetHeader struct {
	length uint16
}

const packetHeaderSize = 2

type stats struct {
	reads, writes               uint64
	readTimeouts, writeTimeouts uint64
	ringOverflows               uint64
	packetDrops                 uint64
	attachments                 uint64
}

// Region is one shared-memory region instance.
type Region struct {
	handle.Header

	mode             Mode
	regionSize       int
	ringPolicy       RingPolicy
	packetMaxPayload int
	memory           []byte

	attachmentCount int

	ringHead, ringTail, ringUsed int

	packetHead, packetTail, packetCount, packetBytes int

	readWaiters, writeWaiters        waitqueue.Queue
	waitingReaders, waitingWriters   int

	stats stats
}

// Attachment is a caller's handle to a Region, carrying its own cursor
// (raw mode) and access restrictions. It is a plain value: callers pass it
// by pointer to Family methods and discard it once Detach succeeds.
type Attachment struct {
	h      handle.Handle
	mode   AccessMode
	cursor int
	region *Region
}

// Attached reports whether the attachment is still valid for use.
func (a *Attachment) Attached() bool { return a.region != nil }

// Info is the diagnostic, copy-by-value view of a Region returned under
// its lock.
type Info struct {
	Type             handle.ObjectType
	Destroyed        bool
	WaitingTasks     int
	Mode             Mode
	RegionSize       int
	AttachmentCount  int
	WaitingReaders   int
	WaitingWriters   int
	RingCapacity     int
	RingUsed         int
	RingOverflows    uint64
	PacketInflight   int
	PacketDrops      uint64
	Readable         bool
	Writable         bool
	ReadTimeouts     uint64
	WriteTimeouts    uint64
}

// Family owns the registry and slot storage for every Region created
// through it.
type Family struct {
	registry *handle.Registry
	mu       sync.RWMutex
	slots    []*Region
}

// NewFamily creates a Family able to hold up to capacity live regions.
func NewFamily(capacity int) *Family {
	return &Family{
		registry: handle.NewRegistry(handle.TypeSHMRegion, capacity),
		slots:    make([]*Region, capacity),
	}
}

// SetOnDestroy registers cb to be invoked synchronously whenever a handle
// owned by this Family is released (which, for shm, happens at whichever
// of Destroy or Detach is last to observe attachmentCount == 0), for
// callers that want an audit trail without polling Diag.
func (f *Family) SetOnDestroy(cb func(handle.Handle)) { f.registry.OnRelease = cb }

func (f *Family) lookup(h handle.Handle) (*Region, error) {
	idx, ok := f.registry.Lookup(h)
	if !ok {
		return nil, ipcerr.New(ipcerr.InvalidHandle)
	}
	f.mu.RLock()
	r := f.slots[idx]
	f.mu.RUnlock()
	return r, nil
}

// Create allocates a region of size bytes in the requested mode. A zero
// opts selects OverwriteBlock and the default packet payload limit.
func (f *Family) Create(size int, mode Mode, opts Options) (handle.Handle, error) {
	if size <= 0 {
		return handle.Invalid, ipcerr.New(ipcerr.InvalidArgument)
	}
	if mode == Ring && size <= 1 {
		return handle.Invalid, ipcerr.New(ipcerr.InvalidArgument)
	}
	if mode == Packet && size <= packetHeaderSize {
		return handle.Invalid, ipcerr.New(ipcerr.InvalidArgument)
	}

	maxPayload := opts.PacketMaxPayload
	if maxPayload == 0 {
		maxPayload = defaultPacketMaxPayload
	}

	if mode == Packet {
		available := size - packetHeaderSize
		if available <= 0 {
			return handle.Invalid, ipcerr.New(ipcerr.InvalidArgument)
		}
		if maxPayload > available {
			maxPayload = available
		}
	}

	idx, h, err := f.registry.Allocate()
	if err != nil {
		return handle.Invalid, err
	}

	r := &Region{
		mode:             mode,
		regionSize:       size,
		ringPolicy:       opts.RingPolicy,
		packetMaxPayload: maxPayload,
		memory:           make([]byte, size),
	}
	r.Header.Handle = h
	r.Header.Type = handle.TypeSHMRegion

	f.mu.Lock()
	f.slots[idx] = r
	f.mu.Unlock()
	ipclog.Debug().Uint32("handle", uint32(h)).Int("mode", int(mode)).Int("size", size).Msg("shm: region created")
	return h, nil
}

// cleanupLocked frees the region's backing memory once it has been
// destroyed and its last attachment has detached. Must be called with
// r.Mu held.
func (r *Region) cleanupLocked() bool {
	if !r.Destroyed || r.attachmentCount != 0 {
		return false
	}
	r.memory = nil
	return true
}

// Destroy wakes every waiter with ObjectDestroyed; the region's memory is
// freed once every outstanding Attachment has Detach-ed.
func (f *Family) Destroy(h handle.Handle) error {
	r, err := f.lookup(h)
	if err != nil {
		return err
	}

	r.Mu.Lock()
	if r.Destroyed {
		r.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	r.Destroyed = true
	r.readWaiters.WakeAll(waitqueue.ResultDestroyed)
	r.writeWaiters.WakeAll(waitqueue.ResultDestroyed)
	r.waitingReaders, r.waitingWriters, r.WaitingTasks = 0, 0, 0
	release := r.cleanupLocked()
	r.Mu.Unlock()

	ipclog.Debug().Uint32("handle", uint32(h)).Msg("shm: region destroyed")
	if release {
		idx, _, _, _ := handle.Unpack(h)
		f.registry.Release(idx)
	}
	return nil
}

// Attach registers a new attachment to the region named by h, with the
// given access restriction. cursorOffset is clamped to zero if it falls
// outside the region.
func (f *Family) Attach(h handle.Handle, access AccessMode, opts AttachOptions) (*Attachment, error) {
	if access != ReadOnly && access != WriteOnly && access != ReadWrite {
		return nil, ipcerr.New(ipcerr.InvalidArgument)
	}
	r, err := f.lookup(h)
	if err != nil {
		return nil, err
	}

	r.Mu.Lock()
	if r.Destroyed {
		r.Mu.Unlock()
		return nil, ipcerr.New(ipcerr.ObjectDestroyed)
	}
	r.attachmentCount++
	r.stats.attachments++
	regionSize := r.regionSize
	r.Mu.Unlock()

	cursor := opts.CursorOffset
	if cursor < 0 || cursor >= regionSize {
		cursor = 0
	}

	return &Attachment{h: h, mode: access, cursor: cursor, region: r}, nil
}

// Detach releases the attachment. It is safe to call once; calling it
// again on an already-detached Attachment returns NotAttached.
func (f *Family) Detach(a *Attachment) error {
	if a == nil || a.region == nil {
		return ipcerr.New(ipcerr.NotAttached)
	}
	r := a.region
	if r.Header.Handle != a.h {
		return ipcerr.New(ipcerr.InvalidHandle)
	}

	r.Mu.Lock()
	if r.attachmentCount > 0 {
		r.attachmentCount--
	}
	release := r.cleanupLocked()
	r.Mu.Unlock()

	if release {
		idx, _, _, _ := handle.Unpack(a.h)
		f.registry.Release(idx)
	}

	a.region = nil
	return nil
}

func validateAttachment(a *Attachment) (*Region, error) {
	if a == nil || a.region == nil {
		return nil, ipcerr.New(ipcerr.NotAttached)
	}
	r := a.region
	if r.Header.Handle != a.h {
		return nil, ipcerr.New(ipcerr.InvalidHandle)
	}
	return r, nil
}

func ringCapacity(r *Region) int {
	if r.regionSize == 0 {
		return 0
	}
	return r.regionSize - 1
}

func ringFreeSpace(r *Region) int {
	capacity := ringCapacity(r)
	if r.ringUsed >= capacity {
		return 0
	}
	return capacity - r.ringUsed
}

func ringDropAmount(r *Region, length int) int {
	free := ringFreeSpace(r)
	if length <= free {
		return 0
	}
	return length - free
}

// ringDropOldest discards drop bytes (or everything buffered, whichever
// is smaller) from the head of the ring to make room for an incoming
// write. Must be called with r.Mu held.
func (r *Region) ringDropOldest(drop int) {
	if drop <= 0 || drop > r.ringUsed {
		drop = r.ringUsed
	}
	r.ringHead = (r.ringHead + drop) % r.regionSize
	r.ringUsed -= drop
	r.stats.ringOverflows += uint64(drop)
}

func memcpyToRegion(r *Region, offset int, src []byte) {
	if len(src) == 0 {
		return
	}
	normalized := offset % r.regionSize
	headspace := r.regionSize - normalized
	if headspace >= len(src) {
		copy(r.memory[normalized:], src)
		return
	}
	copy(r.memory[normalized:], src[:headspace])
	copy(r.memory, src[headspace:])
}

func memcpyFromRegion(r *Region, offset int, dest []byte) {
	if len(dest) == 0 {
		return
	}
	normalized := offset % r.regionSize
	headspace := r.regionSize - normalized
	if headspace >= len(dest) {
		copy(dest, r.memory[normalized:normalized+len(dest)])
		return
	}
	copy(dest, r.memory[normalized:r.regionSize])
	copy(dest[headspace:], r.memory[:len(dest)-headspace])
}

// clearContents zeroes the buffer heads and counters without touching
// waiters or statistics. Must be called with r.Mu held.
func (r *Region) clearContents() {
	r.ringHead, r.ringTail, r.ringUsed = 0, 0, 0
	r.packetHead, r.packetTail, r.packetCount, r.packetBytes = 0, 0, 0, 0
}

func afterEnqueue(r *Region) { r.WaitingTasks++ }
func afterDequeue(r *Region) {
	if r.WaitingTasks > 0 {
		r.WaitingTasks--
	}
}

// convertWaitResult translates a waitqueue outcome into an ipcerr.Code,
// bumping the per-direction timeout counter along the way. Must be called
// with r.Mu held.
func convertWaitResult(r *Region, result waitqueue.Result, read bool) error {
	switch result {
	case waitqueue.ResultOK:
		return nil
	case waitqueue.ResultTimeout:
		if read {
			r.stats.readTimeouts++
			ipclog.Debug().Uint32("handle", uint32(r.Handle)).Msg("shm: read timeout")
		} else {
			r.stats.writeTimeouts++
			ipclog.Debug().Uint32("handle", uint32(r.Handle)).Msg("shm: write timeout")
		}
		return ipcerr.New(ipcerr.Timeout)
	case waitqueue.ResultDestroyed:
		return ipcerr.New(ipcerr.ObjectDestroyed)
	default:
		return ipcerr.New(ipcerr.Shutdown)
	}
}

// ringRead attempts one read pass; it loops internally to re-check
// readiness after each wake, following the same destroyed-check-first
// discipline as the channel family.
func ringRead(ctx context.Context, r *Region, out []byte, deadline time.Duration, nonblocking bool) (int, error) {
	r.Mu.Lock()
	for {
		if r.Destroyed {
			r.Mu.Unlock()
			return 0, ipcerr.New(ipcerr.ObjectDestroyed)
		}

		if r.ringUsed > 0 {
			toCopy := len(out)
			if toCopy > r.ringUsed {
				toCopy = r.ringUsed
			}
			memcpyFromRegion(r, r.ringHead, out[:toCopy])
			r.ringHead = (r.ringHead + toCopy) % r.regionSize
			r.ringUsed -= toCopy
			r.stats.reads++
			if r.waitingWriters > 0 {
				r.writeWaiters.WakeOne(waitqueue.ResultOK)
			}
			r.Mu.Unlock()
			return toCopy, nil
		}

		if nonblocking {
			r.Mu.Unlock()
			return 0, ipcerr.New(ipcerr.Empty)
		}
		if deadline == 0 {
			r.Mu.Unlock()
			return 0, ipcerr.New(ipcerr.Timeout)
		}

		w := waitqueue.NewWaiter(nil)
		elem := r.readWaiters.PushBack(w)
		r.waitingReaders++
		afterEnqueue(r)
		r.Mu.Unlock()

		result := waitqueue.Block(ctx, w, deadline)

		r.Mu.Lock()
		r.readWaiters.Remove(elem)
		r.waitingReaders--
		afterDequeue(r)

		if err := convertWaitResult(r, result, true); err != nil {
			r.Mu.Unlock()
			return 0, err
		}
	}
}

func ringWrite(ctx context.Context, r *Region, data []byte, deadline time.Duration, nonblocking bool) error {
	if len(data) > r.regionSize {
		return ipcerr.New(ipcerr.Full)
	}

	r.Mu.Lock()
	for {
		if r.Destroyed {
			r.Mu.Unlock()
			return ipcerr.New(ipcerr.ObjectDestroyed)
		}

		free := ringFreeSpace(r)
		if free >= len(data) {
			memcpyToRegion(r, r.ringTail, data)
			r.ringTail = (r.ringTail + len(data)) % r.regionSize
			r.ringUsed += len(data)
			r.stats.writes++
			if r.waitingReaders > 0 {
				r.readWaiters.WakeOne(waitqueue.ResultOK)
			}
			r.Mu.Unlock()
			return nil
		}

		if r.ringPolicy == OverwriteDropOldest {
			if r.ringUsed == 0 {
				// nothing left to drop: data exceeds the ring's capacity
				r.Mu.Unlock()
				return ipcerr.New(ipcerr.Full)
			}
			r.ringDropOldest(ringDropAmount(r, len(data)))
			continue
		}

		if nonblocking {
			r.Mu.Unlock()
			return ipcerr.New(ipcerr.Full)
		}
		if deadline == 0 {
			r.Mu.Unlock()
			return ipcerr.New(ipcerr.Timeout)
		}

		w := waitqueue.NewWaiter(nil)
		elem := r.writeWaiters.PushBack(w)
		r.waitingWriters++
		afterEnqueue(r)
		r.Mu.Unlock()

		result := waitqueue.Block(ctx, w, deadline)

		r.Mu.Lock()
		r.writeWaiters.Remove(elem)
		r.waitingWriters--
		afterDequeue(r)

		if err := convertWaitResult(r, result, false); err != nil {
			r.Mu.Unlock()
			return err
		}
	}
}

func packetRead(ctx context.Context, r *Region, out []byte, deadline time.Duration, nonblocking bool) (int, error) {
	r.Mu.Lock()
	for {
		if r.Destroyed {
			r.Mu.Unlock()
			return 0, ipcerr.New(ipcerr.ObjectDestroyed)
		}

		if r.packetCount > 0 {
			var hdr [packetHeaderSize]byte
			memcpyFromRegion(r, r.packetHead, hdr[:])
			payload := int(uint16(hdr[0]) | uint16(hdr[1])<<8)
			total := packetHeaderSize + payload
			if payload > len(out) {
				r.Mu.Unlock()
				return 0, ipcerr.New(ipcerr.InvalidArgument)
			}

			payloadOffset := (r.packetHead + packetHeaderSize) % r.regionSize
			memcpyFromRegion(r, payloadOffset, out[:payload])

			r.packetHead = (r.packetHead + total) % r.regionSize
			r.packetBytes -= total
			r.packetCount--
			r.stats.reads++

			if r.waitingWriters > 0 {
				r.writeWaiters.WakeOne(waitqueue.ResultOK)
			}
			r.Mu.Unlock()
			return payload, nil
		}

		if nonblocking {
			r.Mu.Unlock()
			return 0, ipcerr.New(ipcerr.Empty)
		}
		if deadline == 0 {
			r.Mu.Unlock()
			return 0, ipcerr.New(ipcerr.Timeout)
		}

		w := waitqueue.NewWaiter(nil)
		elem := r.readWaiters.PushBack(w)
		r.waitingReaders++
		afterEnqueue(r)
		r.Mu.Unlock()

		result := waitqueue.Block(ctx, w, deadline)

		r.Mu.Lock()
		r.readWaiters.Remove(elem)
		r.waitingReaders--
		afterDequeue(r)

		if err := convertWaitResult(r, result, true); err != nil {
			r.Mu.Unlock()
			return 0, err
		}
	}
}

func packetWrite(ctx context.Context, r *Region, data []byte, deadline time.Duration, nonblocking bool) error {
	if len(data) > r.packetMaxPayload {
		return ipcerr.New(ipcerr.InvalidArgument)
	}
	total := packetHeaderSize + len(data)
	if total > r.regionSize {
		return ipcerr.New(ipcerr.Full)
	}

	r.Mu.Lock()
	for {
		if r.Destroyed {
			r.Mu.Unlock()
			return ipcerr.New(ipcerr.ObjectDestroyed)
		}

		free := r.regionSize - r.packetBytes
		if free >= total {
			hdr := [packetHeaderSize]byte{byte(len(data)), byte(len(data) >> 8)}
			memcpyToRegion(r, r.packetTail, hdr[:])

			payloadOffset := (r.packetTail + packetHeaderSize) % r.regionSize
			memcpyToRegion(r, payloadOffset, data)

			r.packetTail = (r.packetTail + total) % r.regionSize
			r.packetBytes += total
			r.packetCount++
			r.stats.writes++

			if r.waitingReaders > 0 {
				r.readWaiters.WakeOne(waitqueue.ResultOK)
			}
			r.Mu.Unlock()
			return nil
		}

		if nonblocking {
			r.Mu.Unlock()
			return ipcerr.New(ipcerr.Full)
		}
		if deadline == 0 {
			r.Mu.Unlock()
			return ipcerr.New(ipcerr.Timeout)
		}

		w := waitqueue.NewWaiter(nil)
		elem := r.writeWaiters.PushBack(w)
		r.waitingWriters++
		afterEnqueue(r)
		r.Mu.Unlock()

		result := waitqueue.Block(ctx, w, deadline)

		r.Mu.Lock()
		r.writeWaiters.Remove(elem)
		r.waitingWriters--
		afterDequeue(r)

		if err := convertWaitResult(r, result, false); err != nil {
			r.Mu.Unlock()
			return err
		}
	}
}

// rawRead copies from the region at the attachment's cursor, advancing it.
// Raw mode has no wait semantics: an empty remaining range is Empty, not a
// blocking condition.
func rawRead(r *Region, a *Attachment, out []byte) (int, error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.Destroyed {
		return 0, ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if a.cursor >= r.regionSize {
		return 0, ipcerr.New(ipcerr.Empty)
	}
	available := r.regionSize - a.cursor
	toCopy := len(out)
	if toCopy > available {
		toCopy = available
	}
	copy(out[:toCopy], r.memory[a.cursor:a.cursor+toCopy])
	a.cursor += toCopy
	r.stats.reads++
	if toCopy == 0 {
		return 0, ipcerr.New(ipcerr.Empty)
	}
	return toCopy, nil
}

func rawWrite(r *Region, a *Attachment, data []byte) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.Destroyed {
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}
	if a.cursor+len(data) > r.regionSize {
		return ipcerr.New(ipcerr.Full)
	}
	copy(r.memory[a.cursor:a.cursor+len(data)], data)
	a.cursor += len(data)
	r.stats.writes++
	return nil
}

func dispatchRead(ctx context.Context, a *Attachment, out []byte, deadline time.Duration, nonblocking bool) (int, error) {
	r, err := validateAttachment(a)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, ipcerr.New(ipcerr.InvalidArgument)
	}
	if !accessAllowsRead(a.mode) {
		return 0, ipcerr.New(ipcerr.NoPermission)
	}

	switch r.mode {
	case Raw:
		return rawRead(r, a, out)
	case Ring:
		return ringRead(ctx, r, out, deadline, nonblocking)
	case Packet:
		return packetRead(ctx, r, out, deadline, nonblocking)
	default:
		return 0, ipcerr.New(ipcerr.InvalidArgument)
	}
}

func dispatchWrite(ctx context.Context, a *Attachment, data []byte, deadline time.Duration, nonblocking bool) error {
	r, err := validateAttachment(a)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ipcerr.New(ipcerr.InvalidArgument)
	}
	if !accessAllowsWrite(a.mode) {
		return ipcerr.New(ipcerr.NoPermission)
	}

	switch r.mode {
	case Raw:
		return rawWrite(r, a, data)
	case Ring:
		return ringWrite(ctx, r, data, deadline, nonblocking)
	case Packet:
		return packetWrite(ctx, r, data, deadline, nonblocking)
	default:
		return ipcerr.New(ipcerr.InvalidArgument)
	}
}

// Read blocks indefinitely (subject to ctx) for ring/packet modes, or
// performs an immediate cursor read for raw mode.
func Read(ctx context.Context, a *Attachment, out []byte) (int, error) {
	return dispatchRead(ctx, a, out, waitqueue.Forever, false)
}

// TryRead performs a non-blocking read, failing with Empty if nothing is
// available (ring/packet) or the cursor has reached the end (raw).
func TryRead(a *Attachment, out []byte) (int, error) {
	return dispatchRead(context.Background(), a, out, 0, true)
}

// TimedRead blocks up to deadline for ring/packet modes; raw mode ignores
// the deadline since it never blocks.
func TimedRead(ctx context.Context, a *Attachment, out []byte, deadline time.Duration) (int, error) {
	return dispatchRead(ctx, a, out, deadline, false)
}

// Write blocks indefinitely (subject to ctx) for ring/packet modes (unless
// the ring's policy is OverwriteDropOldest, which never blocks), or
// performs an immediate cursor write for raw mode.
func Write(ctx context.Context, a *Attachment, data []byte) error {
	return dispatchWrite(ctx, a, data, waitqueue.Forever, false)
}

// TryWrite performs a non-blocking write, failing with Full if there is no
// room.
func TryWrite(a *Attachment, data []byte) error {
	return dispatchWrite(context.Background(), a, data, 0, true)
}

// TimedWrite blocks up to deadline for room to become available.
func TimedWrite(ctx context.Context, a *Attachment, data []byte, deadline time.Duration) error {
	return dispatchWrite(ctx, a, data, deadline, false)
}

// Control performs an out-of-band operation against the region named by h.
func (f *Family) Control(h handle.Handle, cmd ControlCommand) error {
	r, err := f.lookup(h)
	if err != nil {
		return err
	}

	r.Mu.Lock()
	if r.Destroyed {
		r.Mu.Unlock()
		return ipcerr.New(ipcerr.ObjectDestroyed)
	}

	switch cmd {
	case Flush:
		r.clearContents()
	case Reset:
		r.clearContents()
		r.stats = stats{}
	case NotifyReaders:
		// each woken reader decrements its own counters when it reacquires
		// the lock
		r.readWaiters.WakeAll(waitqueue.ResultOK)
	case NotifyWriters:
		r.writeWaiters.WakeAll(waitqueue.ResultOK)
	default:
		r.Mu.Unlock()
		return ipcerr.New(ipcerr.InvalidArgument)
	}

	r.Mu.Unlock()
	return nil
}

// Diag returns a copy-by-value snapshot of the region's state. Readable
// and Writable are reported as independent booleans rather than a single
// combined readiness flag, since for a ring or packet region "has data"
// and "has room" are genuinely different, simultaneously-true-or-false
// conditions; collapsing them into one flag would make the diagnostic
// ambiguous whenever a region was partially full.
func (f *Family) Diag(h handle.Handle) (Info, error) {
	r, err := f.lookup(h)
	if err != nil {
		return Info{}, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()

	var readable, writable bool
	switch r.mode {
	case Raw:
		readable, writable = true, true
	case Ring:
		readable = r.ringUsed > 0
		writable = ringFreeSpace(r) > 0 || r.ringPolicy == OverwriteDropOldest
	case Packet:
		readable = r.packetCount > 0
		writable = r.regionSize-r.packetBytes >= packetHeaderSize+1
	}

	return Info{
		Type:            r.Type,
		Destroyed:       r.Destroyed,
		WaitingTasks:    r.WaitingTasks,
		Mode:            r.mode,
		RegionSize:      r.regionSize,
		AttachmentCount: r.attachmentCount,
		WaitingReaders:  r.waitingReaders,
		WaitingWriters:  r.waitingWriters,
		RingCapacity:    ringCapacity(r),
		RingUsed:        r.ringUsed,
		RingOverflows:   r.stats.ringOverflows,
		PacketInflight:  r.packetCount,
		PacketDrops:     r.stats.packetDrops,
		Readable:        readable,
		Writable:        writable,
		ReadTimeouts:    r.stats.readTimeouts,
		WriteTimeouts:   r.stats.writeTimeouts,
	}, nil
}
