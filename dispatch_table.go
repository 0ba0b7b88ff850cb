package pulseclient

import (
	"github.com/gopulse/pulseclient/internal/dispatch"
	"github.com/gopulse/pulseclient/internal/memblock"
	"github.com/gopulse/pulseclient/internal/proplist"
	"github.com/gopulse/pulseclient/internal/proto"
	"github.com/gopulse/pulseclient/internal/pulseerr"
	"github.com/gopulse/pulseclient/internal/stream"
	"github.com/gopulse/pulseclient/internal/tagstruct"
)

// handleInboundCommand is the pstream command handler installed in
// onDialSuccess: every non-memblock frame arrives here, still on the
// transport's read pump. It re-enters the state machine only via
// c.loop.Defer, per spec.md §9's single-threaded event-loop discipline.
func (c *Context) handleInboundCommand(payload []byte) {
	c.loop.Defer(func() { c.dispatchCommand(payload) })
}

func (c *Context) dispatchCommand(payload []byte) {
	c.ref()
	defer c.unref()

	cmd, tag, r, err := decodeHeader(payload)
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}

	switch cmd {
	case proto.CommandReply:
		c.dispatcher0().Resolve(tag, dispatch.Reply{Payload: r.RestBytes()})
	case proto.CommandError:
		code, err := r.GetU32()
		if err != nil {
			c.fail(pulseerr.PROTOCOL)
			return
		}
		c.dispatcher0().Resolve(tag, dispatch.Reply{Err: pulseerr.New(pulseerr.FromWire(code), "server returned an error")})
	case proto.CommandTimeout:
		c.dispatcher0().Resolve(tag, dispatch.Reply{Err: pulseerr.New(pulseerr.TIMEOUT, "server reported a timeout")})
	case proto.CommandSubscribeEvent:
		c.handleSubscribeEvent(r)
	case proto.CommandClientEvent:
		c.handleClientEvent(r)
	case proto.CommandRequest, proto.CommandOverflow, proto.CommandUnderflow,
		proto.CommandPlaybackStreamKilled, proto.CommandRecordStreamKilled,
		proto.CommandPlaybackStreamMoved, proto.CommandRecordStreamMoved,
		proto.CommandPlaybackStreamSuspended, proto.CommandRecordStreamSuspended,
		proto.CommandStarted, proto.CommandPlaybackStreamEvent, proto.CommandRecordStreamEvent,
		proto.CommandPlaybackBufferAttrChanged, proto.CommandRecordBufferAttrChanged:
		c.handleStreamNotification(cmd, r)
	case proto.CommandExtension:
		c.handleExtension(r)
	default:
		c.log.Warn("unrecognized command %s (tag %d): protocol violation", cmd, tag)
		c.fail(pulseerr.PROTOCOL)
	}
}

// dispatcher0 snapshots the current dispatcher under lock; callers must
// tolerate a nil result (a frame that raced a teardown).
func (c *Context) dispatcher0() *dispatch.Dispatcher {
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()
	if d == nil {
		return noopDispatcher
	}
	return d
}

// noopDispatcher absorbs a Resolve call that arrives after teardown has
// already cleared c.dispatcher, so dispatchCommand never needs a nil
// check at each call site.
var noopDispatcher = dispatch.New(func(uint32, []byte) error { return nil })

func (c *Context) handleSubscribeEvent(r *tagstruct.Reader) {
	event, err := r.GetU32()
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}
	index, err := r.GetU32()
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}
	c.mu.Lock()
	cb := c.subscribeCB
	c.mu.Unlock()
	if cb != nil {
		cb(c, event, index)
	}
}

func (c *Context) handleClientEvent(r *tagstruct.Reader) {
	name, _, err := r.GetString()
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}
	pl, err := decodeProplist(r)
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}
	c.mu.Lock()
	cb := c.eventCB
	c.mu.Unlock()
	if cb != nil {
		cb(c, name, pl)
	}
}

func (c *Context) handleExtension(r *tagstruct.Reader) {
	idx, err := r.GetU32()
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}
	name, _, err := r.GetString()
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}
	c.mu.Lock()
	cb := c.extensions[name]
	c.mu.Unlock()
	if cb == nil {
		c.log.Debug("no handler for extension %q (index %d), discarding", name, idx)
		return
	}
	cb(idx, r.RestBytes())
}

// handleStreamNotification routes a server-pushed stream lifecycle frame
// to the addressed playback/record stream, if the core is still tracking
// it. Frames for a channel the core no longer holds (raced teardown,
// unknown extension) are dropped, matching spec.md §4.4's "unknown
// channel is silently ignored" edge case.
func (c *Context) handleStreamNotification(cmd proto.Command, r *tagstruct.Reader) {
	channel, err := r.GetU32()
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}

	c.mu.Lock()
	var s *stream.Stream
	switch cmd {
	case proto.CommandRecordStreamKilled, proto.CommandRecordStreamMoved,
		proto.CommandRecordStreamSuspended, proto.CommandRecordStreamEvent,
		proto.CommandRecordBufferAttrChanged:
		s = c.record[channel]
	default:
		s = c.playback[channel]
	}
	c.mu.Unlock()

	if s == nil {
		return
	}

	switch cmd {
	case proto.CommandPlaybackStreamKilled, proto.CommandRecordStreamKilled:
		s.SetState(stream.StateTerminated)
	}
}

// handleInboundMemblock is the pstream memblock handler: a data frame on
// a real (non-control) channel, routed to the matching record stream per
// spec.md §4.4. Frames for a channel with no live record stream (e.g. one
// already killed) are dropped.
func (c *Context) handleInboundMemblock(channel uint32, offset int64, seek proto.SeekMode, payload []byte) {
	c.loop.Defer(func() {
		c.ref()
		defer c.unref()

		c.mu.Lock()
		s := c.record[channel]
		c.mu.Unlock()
		if s == nil {
			return
		}

		var block *memblock.Block
		if len(payload) == 0 {
			block = memblock.NewHole()
		} else {
			block = memblock.WrapBytes(payload)
		}
		s.HandleMemblock(offset, seek, block)
	})
}

// decodeProplist reads the wire shape Writer.PutProplist produces: a
// sequence of (key string, length u32, raw value bytes) triples
// terminated by a nil string.
func decodeProplist(r *tagstruct.Reader) (*proplist.PropList, error) {
	pl := proplist.New()
	for {
		key, ok, err := r.GetString()
		if err != nil {
			return nil, err
		}
		if !ok {
			return pl, nil
		}
		n, err := r.GetU32()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadRaw(int(n))
		if err != nil {
			return nil, err
		}
		value := make([]byte, len(v))
		copy(value, v)
		pl.Set(key, value)
	}
}
