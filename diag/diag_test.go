package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/magnolia-ipc/channel"
	"github.com/joeycumines/magnolia-ipc/eventflags"
	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipcerr"
	"github.com/joeycumines/magnolia-ipc/shm"
	"github.com/joeycumines/magnolia-ipc/signal"
)

func newRegistry() (*Registry, *signal.Family, *channel.Family, *eventflags.Family, *shm.Family) {
	s := signal.NewFamily(4)
	c := channel.NewFamily(4)
	ef := eventflags.NewFamily(4)
	r := shm.NewFamily(4)
	return &Registry{Signal: s, Channel: c, EventFlags: ef, SHM: r}, s, c, ef, r
}

func TestObjectInfoDispatchesByType(t *testing.T) {
	reg, sf, cf, eff, rf := newRegistry()

	sh, err := sf.Create(signal.OneShot)
	require.NoError(t, err)
	ch, err := cf.Create(2, 8)
	require.NoError(t, err)
	efh, err := eff.Create(eventflags.ManualClear, eventflags.MaskExact)
	require.NoError(t, err)
	rh, err := rf.Create(8, shm.Raw, shm.Options{})
	require.NoError(t, err)

	for _, h := range []handle.Handle{sh, ch, efh, rh} {
		info, err := reg.ObjectInfo(h)
		require.NoError(t, err)
		assert.False(t, info.Destroyed)
	}
}

func TestObjectInfoInvalidHandle(t *testing.T) {
	reg, _, _, _, _ := newRegistry()
	_, err := reg.ObjectInfo(handle.Invalid)
	assert.Equal(t, ipcerr.InvalidHandle, ipcerr.As(err))
}

func TestObjectInfoRejectsDestroyedHandle(t *testing.T) {
	reg, sf, _, _, _ := newRegistry()
	sh, err := sf.Create(signal.OneShot)
	require.NoError(t, err)
	require.NoError(t, sf.Destroy(sh))

	_, err = reg.ObjectInfo(sh)
	assert.Equal(t, ipcerr.InvalidHandle, ipcerr.As(err), "a released handle no longer validates")
}
