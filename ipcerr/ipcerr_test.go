package ipcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.Nil(t, New(OK))

	err := New(Timeout)
	require := assert.New(t)
	require.Error(err)
	require.ErrorIs(err, ErrTimeout)
	require.NotErrorIs(err, ErrShutdown)
}

func TestCodeString(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{OK, "ok"},
		{InvalidHandle, "invalid handle"},
		{InvalidArgument, "invalid argument"},
		{ObjectDestroyed, "object destroyed"},
		{Timeout, "timeout"},
		{NotReady, "not ready"},
		{NoSpace, "no space"},
		{Empty, "empty"},
		{Full, "full"},
		{NoPermission, "no permission"},
		{NotAttached, "not attached"},
		{Shutdown, "shutdown"},
		{NotSupported, "not supported"},
		{Code(999), fmt.Sprintf("ipcerr.Code(%d)", 999)},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.code.String())
	}
}

func TestErrorIs(t *testing.T) {
	a := &Error{Code: NoSpace}
	b := &Error{Code: NoSpace}
	c := &Error{Code: Empty}

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
	assert.True(t, errors.Is(a, ErrNoSpace))
}

func TestAs(t *testing.T) {
	assert.Equal(t, OK, As(nil))
	assert.Equal(t, Full, As(New(Full)))

	wrapped := fmt.Errorf("wrapped: %w", New(Empty))
	assert.Equal(t, Empty, As(wrapped))

	assert.Equal(t, InvalidArgument, As(errors.New("not an ipcerr")))
}
