package pulseclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/mainloop"
	"github.com/gopulse/pulseclient/internal/proto"
	"github.com/gopulse/pulseclient/internal/pulseerr"
	"github.com/gopulse/pulseclient/internal/pulsetest"
	"github.com/gopulse/pulseclient/internal/spawn"
	"github.com/gopulse/pulseclient/internal/tagstruct"
)

func newReadyContext(t *testing.T) (*Context, *mainloop.Go, *pulsetest.Daemon) {
	t.Helper()

	daemon, err := pulsetest.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { daemon.Close() })

	loop := mainloop.NewGo()
	t.Cleanup(loop.Stop)

	ctx := New(loop, "pulseclient-test")

	states := make(chan State, 16)
	ctx.SetStateCallback(func(c *Context, s State) { states <- s })

	require.NoError(t, ctx.Connect("unix:"+daemon.SockPath, FlagNoAutospawn, spawn.Hooks{}))

	waitForState(t, states, StateReady)
	return ctx, loop, daemon
}

func waitForState(t *testing.T, states chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
			if s.IsTerminal() {
				t.Fatalf("context reached terminal state %s before %s", s, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestConnectReachesReady(t *testing.T) {
	ctx, _, _ := newReadyContext(t)
	require.Equal(t, StateReady, ctx.State())
	require.Equal(t, pulseerr.OK, ctx.Errno())
	require.True(t, ctx.IsLocal())

	idx, ok := ctx.GetIndex()
	require.True(t, ok)
	require.Equal(t, uint32(1), idx)
}

func TestConnectFailsWithoutCandidates(t *testing.T) {
	loop := mainloop.NewGo()
	defer loop.Stop()

	ctx := New(loop, "pulseclient-test")
	states := make(chan State, 16)
	ctx.SetStateCallback(func(c *Context, s State) { states <- s })

	require.NoError(t, ctx.Connect("unix:/nonexistent/path/for/pulseclient/test", FlagNoAutospawn, spawn.Hooks{}))

	waitForState(t, states, StateFailed)
	require.Equal(t, pulseerr.CONNECTION_REFUSED, ctx.Errno())
}

func TestSetDefaultSinkRoundTrips(t *testing.T) {
	ctx, _, _ := newReadyContext(t)

	done := make(chan bool, 1)
	_, err := ctx.SetDefaultSink("alsa_output.default", func(c *Context, success bool) {
		done <- success
	})
	require.NoError(t, err)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SetDefaultSink callback")
	}
}

func TestSetDefaultSinkErrorReply(t *testing.T) {
	ctx, _, daemon := newReadyContext(t)
	daemon.SetHandler(proto.CommandSetDefaultSink, func(d *pulsetest.Daemon, conn *pulsetest.Conn, cmd proto.Command, tag uint32, r *tagstruct.Reader) {
		conn.SendError(tag, uint32(pulseerr.NOENTITY))
	})

	done := make(chan bool, 1)
	_, err := ctx.SetDefaultSink("nonexistent-sink", func(c *Context, success bool) {
		done <- success
	})
	require.NoError(t, err)

	select {
	case ok := <-done:
		require.False(t, ok)
		require.Equal(t, pulseerr.NOENTITY, ctx.Errno())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SetDefaultSink error callback")
	}
}

func TestDrainRefusesWhenIdle(t *testing.T) {
	ctx, _, _ := newReadyContext(t)

	_, err := ctx.Drain(func(c *Context, success bool) {})
	require.Error(t, err)
	perr, ok := err.(*pulseerr.Error)
	require.True(t, ok)
	require.Equal(t, pulseerr.BADSTATE, perr.Code)
}

func TestDrainCompletesOncePendingWorkFinishes(t *testing.T) {
	ctx, _, _ := newReadyContext(t)

	sinkDone := make(chan bool, 1)
	_, err := ctx.SetDefaultSink("alsa_output.default", func(c *Context, success bool) {
		sinkDone <- success
	})
	require.NoError(t, err)

	drainDone := make(chan bool, 1)
	_, err = ctx.Drain(func(c *Context, success bool) { drainDone <- success })
	require.NoError(t, err)

	select {
	case ok := <-sinkDone:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SetDefaultSink callback")
	}
	select {
	case ok := <-drainDone:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain")
	}
}

func TestDisconnectIsIdempotentAndTerminal(t *testing.T) {
	ctx, _, _ := newReadyContext(t)

	ctx.Disconnect()
	require.True(t, ctx.State().IsTerminal())
	require.Equal(t, StateTerminated, ctx.State())

	ctx.Disconnect() // no panic, no-op
	require.Equal(t, StateTerminated, ctx.State())
}

func TestBadStateRejectsSecondConnect(t *testing.T) {
	ctx, _, daemon := newReadyContext(t)

	err := ctx.Connect("unix:"+daemon.SockPath, FlagNoAutospawn, spawn.Hooks{})
	require.Error(t, err)
	perr, ok := err.(*pulseerr.Error)
	require.True(t, ok)
	require.Equal(t, pulseerr.BADSTATE, perr.Code)
}
