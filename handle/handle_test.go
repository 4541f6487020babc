package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/magnolia-ipc/ipcerr"
)

func TestPackUnpack(t *testing.T) {
	h := Pack(TypeChannel, 7, 42)
	objType, idx, gen, ok := Unpack(h)
	require.True(t, ok)
	assert.Equal(t, TypeChannel, objType)
	assert.Equal(t, uint16(7), idx)
	assert.Equal(t, uint16(42), gen)
}

func TestUnpackInvalid(t *testing.T) {
	_, _, _, ok := Unpack(Invalid)
	assert.False(t, ok)
}

func TestRegistryAllocateLookupRelease(t *testing.T) {
	r := NewRegistry(TypeSignal, 4)

	idx, h, err := r.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), idx)

	gotIdx, ok := r.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, idx, gotIdx)

	r.Release(idx)
	_, ok = r.Lookup(h)
	assert.False(t, ok, "a released handle must fail lookup")
}

func TestRegistryGenerationBumpsOnReallocate(t *testing.T) {
	r := NewRegistry(TypeSignal, 1)

	idx, h1, err := r.Allocate()
	require.NoError(t, err)
	r.Release(idx)

	_, h2, err := r.Allocate()
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2, "reallocating a slot must change its generation")

	_, ok := r.Lookup(h1)
	assert.False(t, ok, "stale handle from before release must not alias the new allocation")

	_, ok = r.Lookup(h2)
	assert.True(t, ok)
}

func TestRegistryExhaustion(t *testing.T) {
	r := NewRegistry(TypeSignal, 2)

	_, _, err := r.Allocate()
	require.NoError(t, err)
	_, _, err = r.Allocate()
	require.NoError(t, err)

	_, _, err = r.Allocate()
	require.Error(t, err)
	assert.Equal(t, ipcerr.NoSpace, ipcerr.As(err))
}

func TestRegistryLookupWrongType(t *testing.T) {
	r := NewRegistry(TypeSignal, 1)
	_, h, err := r.Allocate()
	require.NoError(t, err)

	other := NewRegistry(TypeChannel, 1)
	_, ok := other.Lookup(h)
	assert.False(t, ok, "a handle from a different object type must never validate")
}

func TestRegistryOnRelease(t *testing.T) {
	r := NewRegistry(TypeSignal, 1)
	idx, h, err := r.Allocate()
	require.NoError(t, err)

	var released Handle
	r.OnRelease = func(stale Handle) { released = stale }

	r.Release(idx)
	assert.Equal(t, h, released)
}

func TestRegistryReleaseIdempotent(t *testing.T) {
	r := NewRegistry(TypeSignal, 1)
	idx, _, err := r.Allocate()
	require.NoError(t, err)

	calls := 0
	r.OnRelease = func(Handle) { calls++ }

	r.Release(idx)
	r.Release(idx)
	assert.Equal(t, 1, calls, "releasing an already-free slot must be a no-op")
}

func TestNewRegistryPanicsOnBadCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRegistry(TypeSignal, 0) })
	assert.Panics(t, func() { NewRegistry(TypeSignal, MaxCapacity+1) })
}

func TestGenerationSkipsZeroOnWrap(t *testing.T) {
	r := NewRegistry(TypeSignal, 1)
	idx, _, err := r.Allocate()
	require.NoError(t, err)

	// force the generation counter to the brink of wraparound
	r.generation[idx] = 0xFFFF
	r.Release(idx)

	_, h, err := r.Allocate()
	require.NoError(t, err)
	_, _, gen, ok := Unpack(h)
	require.True(t, ok)
	assert.Equal(t, uint16(1), gen, "generation must skip zero on wraparound")
}
