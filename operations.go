package pulseclient

import (
	"sync"
	"time"

	"github.com/gopulse/pulseclient/internal/dispatch"
	"github.com/gopulse/pulseclient/internal/mainloop"
	"github.com/gopulse/pulseclient/internal/operation"
	"github.com/gopulse/pulseclient/internal/proplist"
	"github.com/gopulse/pulseclient/internal/proto"
	"github.com/gopulse/pulseclient/internal/pulseerr"
	"github.com/gopulse/pulseclient/internal/tagstruct"
)

// registerOperation tracks op so teardown can cancel it; unregisterOperation
// undoes that once the operation reaches a terminal state on its own.
func (c *Context) registerOperation(op *operation.Operation) {
	c.mu.Lock()
	c.operations[op] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) unregisterOperation(op *operation.Operation) {
	c.mu.Lock()
	delete(c.operations, op)
	c.mu.Unlock()
}

// simpleRequest implements the request/ack shape shared by every simple
// operation in spec.md §4.7: send a command carrying whatever fill
// writes, and resolve the caller's SuccessCallback from the REPLY (empty
// tail expected) or ERROR that comes back.
func (c *Context) simpleRequest(cmd proto.Command, fill func(w *tagstruct.Writer), cb SuccessCallback) (*operation.Operation, error) {
	if !checkFork() {
		return nil, pulseerr.New(pulseerr.FORKED, "context used from a different process than it was created in")
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, pulseerr.New(pulseerr.BADSTATE, "operation requires READY")
	}
	dispatcher := c.dispatcher
	c.mu.Unlock()
	if dispatcher == nil {
		return nil, pulseerr.New(pulseerr.BADSTATE, "operation requires READY")
	}

	tag := dispatcher.NextTag()
	payload := buildFrame(cmd, tag, fill)

	op := operation.New(func() { dispatcher.Cancel(tag) })
	c.registerOperation(op)

	dispatcher.CallAsyncWithTag(tag, payload, proto.DefaultTimeout, func(reply dispatch.Reply) {
		c.loop.Defer(func() { c.finishSimpleRequest(op, reply, cb) })
	})

	return op, nil
}

func (c *Context) finishSimpleRequest(op *operation.Operation, reply dispatch.Reply, cb SuccessCallback) {
	if op.State() != operation.StateRunning {
		return
	}
	c.unregisterOperation(op)
	op.Done()

	if reply.Err != nil {
		if perr, ok := reply.Err.(*pulseerr.Error); ok {
			c.lastErr.Store(perr.Code)
			if cb != nil {
				cb(c, false)
			}
			return
		}
		c.failWithReplyError(reply.Err)
		return
	}

	if len(reply.Payload) != 0 {
		c.fail(pulseerr.PROTOCOL)
		return
	}
	if cb != nil {
		cb(c, true)
	}
}

// Drain returns an operation that completes once neither the dispatcher
// nor the transport has outstanding work, per spec.md §4.7/§8's
// pa_context_drain: a context with nothing pending has nothing to drain,
// so drain() on an idle context is refused with BADSTATE rather than
// completing trivially.
func (c *Context) Drain(cb SuccessCallback) (*operation.Operation, error) {
	if !checkFork() {
		return nil, pulseerr.New(pulseerr.FORKED, "context used from a different process than it was created in")
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, pulseerr.New(pulseerr.BADSTATE, "drain requires READY")
	}
	dispatcher := c.dispatcher
	transport := c.transport
	c.mu.Unlock()
	if dispatcher == nil {
		return nil, pulseerr.New(pulseerr.BADSTATE, "drain requires READY")
	}

	if !c.IsPending() {
		return nil, pulseerr.New(pulseerr.BADSTATE, "drain requires pending work")
	}

	op := operation.New(nil)
	c.registerOperation(op)

	var once sync.Once
	finish := func() {
		once.Do(func() {
			c.loop.Defer(func() {
				if op.State() != operation.StateRunning {
					return
				}
				c.unregisterOperation(op)
				op.Done()
				if cb != nil {
					cb(c, true)
				}
			})
		})
	}
	check := func() {
		if !c.IsPending() {
			finish()
		}
	}

	dispatcher.OnDrain(check)
	if transport != nil {
		transport.OnDrain(check)
	}
	check()

	return op, nil
}

// ExitDaemon asks the server to shut itself down.
func (c *Context) ExitDaemon(cb SuccessCallback) (*operation.Operation, error) {
	return c.simpleRequest(proto.CommandExit, nil, cb)
}

// SetDefaultSink changes the server's default sink by name.
func (c *Context) SetDefaultSink(name string, cb SuccessCallback) (*operation.Operation, error) {
	return c.simpleRequest(proto.CommandSetDefaultSink, func(w *tagstruct.Writer) {
		w.PutString(name)
	}, cb)
}

// SetDefaultSource changes the server's default source by name.
func (c *Context) SetDefaultSource(name string, cb SuccessCallback) (*operation.Operation, error) {
	return c.simpleRequest(proto.CommandSetDefaultSource, func(w *tagstruct.Writer) {
		w.PutString(name)
	}, cb)
}

// SetName changes the client's registered name, per spec.md §4.7: a
// single-key proplist replace on version >= 13, or the legacy bare-string
// SET_CLIENT_NAME on older servers.
func (c *Context) SetName(name string, cb SuccessCallback) (*operation.Operation, error) {
	c.mu.Lock()
	version := c.protocolVersion
	c.mu.Unlock()

	if version >= proto.ShmBitVersion {
		pl := proplist.New()
		pl.SetString("application.name", name)
		return c.ProplistUpdate(proto.ProplistReplace, pl, cb)
	}
	return c.simpleRequest(proto.CommandSetClientName, func(w *tagstruct.Writer) {
		w.PutString(name)
	}, cb)
}

// ProplistUpdate merges plist into the context's property list on the
// server, per the given mode. Requires version >= 13.
func (c *Context) ProplistUpdate(mode proto.ProplistUpdateMode, plist *proplist.PropList, cb SuccessCallback) (*operation.Operation, error) {
	c.mu.Lock()
	version := c.protocolVersion
	c.mu.Unlock()
	if version < proto.ShmBitVersion {
		return nil, pulseerr.New(pulseerr.NOTSUPPORTED, "proplist updates require protocol version 13")
	}

	op, err := c.simpleRequest(proto.CommandUpdateClientProplist, func(w *tagstruct.Writer) {
		w.PutU32(uint32(mode))
		writeProplist(w, plist)
	}, cb)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.proplist.Update(mode, plist)
	c.mu.Unlock()
	return op, nil
}

// ProplistRemove deletes the named keys from the context's property
// list on the server. Requires version >= 13.
func (c *Context) ProplistRemove(keys []string, cb SuccessCallback) (*operation.Operation, error) {
	c.mu.Lock()
	version := c.protocolVersion
	c.mu.Unlock()
	if version < proto.ShmBitVersion {
		return nil, pulseerr.New(pulseerr.NOTSUPPORTED, "proplist updates require protocol version 13")
	}

	op, err := c.simpleRequest(proto.CommandRemoveClientProplist, func(w *tagstruct.Writer) {
		for _, k := range keys {
			w.PutString(k)
		}
		w.PutStringNil()
	}, cb)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.proplist.Remove(keys...)
	c.mu.Unlock()
	return op, nil
}

// GetTileSize computes the largest multiple of frameSize that fits in a
// pool-backed block, per spec.md §6.4's pa_context_get_tile_size: the
// value a stream should chunk its writes to for efficient pool reuse.
func (c *Context) GetTileSize(frameSize uint32) uint32 {
	if frameSize == 0 {
		return 0
	}
	max := uint32(c.pool.MaxBlockSize())
	tiles := max / frameSize
	if tiles == 0 {
		return frameSize
	}
	return tiles * frameSize
}

// RTTimeNew creates a one-shot deferred callback bound to this context's
// loop, matching pa_context_rttime_new.
func (c *Context) RTTimeNew(usec time.Duration, cb func()) mainloop.TimeEvent {
	return c.loop.TimeEventNew(usec, cb)
}

// RTTimeRestart rearms ev to fire after usec, or disarms it if usec < 0.
func RTTimeRestart(ev mainloop.TimeEvent, usec time.Duration) {
	ev.Restart(usec)
}
