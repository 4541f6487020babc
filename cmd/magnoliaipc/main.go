// Command magnoliaipc exercises the IPC core end to end: it creates one
// object of each family, drives a few operations against it, and prints a
// diagnostic snapshot. With -v, every lifecycle event is logged through
// zerolog at debug level; the default info level hides them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/joeycumines/magnolia-ipc/channel"
	"github.com/joeycumines/magnolia-ipc/diag"
	"github.com/joeycumines/magnolia-ipc/eventflags"
	"github.com/joeycumines/magnolia-ipc/handle"
	"github.com/joeycumines/magnolia-ipc/ipclog"
	"github.com/joeycumines/magnolia-ipc/shm"
	"github.com/joeycumines/magnolia-ipc/signal"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug-level logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	ipclog.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger())

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "magnoliaipc:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	signals := signal.NewFamily(16)
	channels := channel.NewFamily(16)
	flags := eventflags.NewFamily(16)
	regions := shm.NewFamily(16)

	registry := &diag.Registry{Signal: signals, Channel: channels, EventFlags: flags, SHM: regions}

	auditLog := func(family string) func(handle.Handle) {
		return func(h handle.Handle) {
			fmt.Printf("audit: %s handle %d released\n", family, uint32(h))
		}
	}
	signals.SetOnDestroy(auditLog("signal"))
	channels.SetOnDestroy(auditLog("channel"))
	flags.SetOnDestroy(auditLog("eventflags"))
	regions.SetOnDestroy(auditLog("shm"))

	sh, err := signals.Create(signal.Counting)
	if err != nil {
		return fmt.Errorf("create signal: %w", err)
	}
	if err := signals.Set(sh); err != nil {
		return fmt.Errorf("set signal: %w", err)
	}
	if err := signals.Wait(ctx, sh); err != nil {
		return fmt.Errorf("wait signal: %w", err)
	}

	ch, err := channels.Create(4, 64)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	if err := channels.TrySend(ch, []byte("hello")); err != nil {
		return fmt.Errorf("send channel: %w", err)
	}
	buf := make([]byte, 64)
	n, err := channels.TryRecv(ch, buf)
	if err != nil {
		return fmt.Errorf("recv channel: %w", err)
	}
	fmt.Printf("channel: received %q\n", buf[:n])

	efh, err := flags.Create(eventflags.AutoClear, eventflags.MaskSuperset)
	if err != nil {
		return fmt.Errorf("create eventflags: %w", err)
	}
	if err := flags.Set(efh, 0b101); err != nil {
		return fmt.Errorf("set eventflags: %w", err)
	}
	if err := flags.TryWait(efh, eventflags.WaitAny, 0b001); err != nil {
		return fmt.Errorf("trywait eventflags: %w", err)
	}

	rh, err := regions.Create(256, shm.Ring, shm.Options{})
	if err != nil {
		return fmt.Errorf("create shm region: %w", err)
	}
	att, err := regions.Attach(rh, shm.ReadWrite, shm.AttachOptions{})
	if err != nil {
		return fmt.Errorf("attach shm region: %w", err)
	}
	if err := shm.TryWrite(att, []byte("ring data")); err != nil {
		return fmt.Errorf("write shm region: %w", err)
	}
	rbuf := make([]byte, 32)
	rn, err := shm.TryRead(att, rbuf)
	if err != nil {
		return fmt.Errorf("read shm region: %w", err)
	}
	fmt.Printf("shm: read %q\n", rbuf[:rn])
	if err := regions.Detach(att); err != nil {
		return fmt.Errorf("detach shm region: %w", err)
	}

	for _, entry := range []struct {
		name string
		h    handle.Handle
	}{
		{"signal", sh},
		{"channel", ch},
		{"eventflags", efh},
		{"shm", rh},
	} {
		info, err := registry.ObjectInfo(entry.h)
		if err != nil {
			return fmt.Errorf("diag %s: %w", entry.name, err)
		}
		fmt.Printf("%-10s type=%d destroyed=%v waitingTasks=%d\n", entry.name, info.Type, info.Destroyed, info.WaitingTasks)
	}

	_ = signals.Destroy(sh)
	_ = channels.Destroy(ch)
	_ = flags.Destroy(efh)
	_ = regions.Destroy(rh)
	return nil
}
