package ipclog

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDebugDefaultsToNoop(t *testing.T) {
	// the default logger is zerolog.Nop(); Debug() must not panic and
	// must produce no output anywhere.
	assert.NotPanics(t, func() {
		Debug().Str("k", "v").Msg("should not appear")
	})
}

func TestSetLoggerRedirectsOutput(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	Debug().Str("handle", "1").Msg("created")
	assert.Contains(t, buf.String(), "created")
}
