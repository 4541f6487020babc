// Package ipclog provides the single, swappable zerolog logger every
// object family logs through. Production code gets a no-op logger by
// default; callers opt in with SetLogger.
package ipclog

import "github.com/rs/zerolog"

var logger = zerolog.Nop()

// SetLogger replaces the package-wide logger used by every family. Passing
// the zero value restores the no-op default.
func SetLogger(l zerolog.Logger) { logger = l }

// Debug returns a Debug-level event on the current logger, for families to
// attach fields to and Msg.
func Debug() *zerolog.Event { return logger.Debug() }
