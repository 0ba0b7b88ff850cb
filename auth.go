package pulseclient

import (
	"os"

	"github.com/gopulse/pulseclient/internal/dispatch"
	"github.com/gopulse/pulseclient/internal/proplist"
	"github.com/gopulse/pulseclient/internal/proto"
	"github.com/gopulse/pulseclient/internal/pulseerr"
	"github.com/gopulse/pulseclient/internal/tagstruct"
)

// sendAuth builds and sends the AUTH packet per spec.md §4.6's version
// handshake: local version OR'd with the shared-memory bit iff the pool
// supports sharing and the peer is local, plus the cookie (if any) as an
// opaque blob.
func (c *Context) sendAuth() {
	c.mu.Lock()
	dispatcher := c.dispatcher
	pool := c.pool
	local := c.isLocalConn.Load()
	c.mu.Unlock()
	if dispatcher == nil {
		return
	}

	wantShm := pool.SupportsShared() && local

	cookie, err := c.cfg.Cookie()
	if err != nil {
		c.log.Warn("failed to read auth cookie: %v", err)
	}
	if len(cookie) == 0 {
		c.log.Debug("no auth cookie configured, authenticating without one")
	}

	version := uint32(proto.NativeProtocolVersion)
	if wantShm {
		version |= proto.ShmFlag
	}

	tag := dispatcher.NextTag()
	payload := buildFrame(proto.CommandAuth, tag, func(w *tagstruct.Writer) {
		w.PutU32(version)
		w.PutArbitrary(cookie)
	})

	dispatcher.CallAsyncWithTag(tag, payload, proto.DefaultTimeout, func(reply dispatch.Reply) {
		c.loop.Defer(func() { c.onAuthReply(reply) })
	})
}

func (c *Context) onAuthReply(reply dispatch.Reply) {
	c.mu.Lock()
	if c.state != StateAuthorizing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if reply.Err != nil {
		c.log.Warn("AUTH failed: %v", reply.Err)
		c.failWithReplyError(reply.Err)
		return
	}

	r := tagstruct.NewReader(reply.Payload)
	raw, err := r.GetU32()
	if err != nil {
		c.fail(pulseerr.PROTOCOL)
		return
	}

	serverVersion := raw & proto.VersionMask
	peerAdvertisedShm := raw&proto.ShmFlag != 0

	if serverVersion < proto.MinProtocolVersion {
		c.fail(pulseerr.VERSION)
		return
	}

	doShm := c.pool.SupportsShared() && c.isLocalConn.Load() && serverVersion >= proto.ShmMinVersion
	if serverVersion >= proto.ShmBitVersion && !peerAdvertisedShm {
		doShm = false
	}
	if doShm && c.transport.SupportsCredentialExchange() {
		if creds, credErr := c.transport.ExchangePeerCredentials(); credErr == nil && creds.UID != uint32(os.Getuid()) {
			doShm = false
		}
	}

	c.mu.Lock()
	c.serverProtocolVersion = serverVersion
	c.protocolVersion = minVersion(serverVersion, proto.NativeProtocolVersion)
	c.mu.Unlock()
	c.doSHM.Store(doShm)

	c.setState(StateSettingName)
	c.sendSetClientName()
}

func minVersion(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// sendSetClientName sends SET_CLIENT_NAME, per spec.md §4.6: a structured
// property list on version >= 13, or a bare name on older servers.
func (c *Context) sendSetClientName() {
	c.mu.Lock()
	dispatcher := c.dispatcher
	version := c.protocolVersion
	pl := c.proplist
	name := c.name
	c.mu.Unlock()
	if dispatcher == nil {
		return
	}

	tag := dispatcher.NextTag()
	var payload []byte
	if version >= proto.ShmBitVersion {
		payload = buildFrame(proto.CommandSetClientName, tag, func(w *tagstruct.Writer) {
			writeProplist(w, pl)
		})
	} else {
		payload = buildFrame(proto.CommandSetClientName, tag, func(w *tagstruct.Writer) {
			w.PutString(name)
		})
	}

	dispatcher.CallAsyncWithTag(tag, payload, proto.DefaultTimeout, func(reply dispatch.Reply) {
		c.loop.Defer(func() { c.onSetClientNameReply(reply) })
	})
}

func (c *Context) onSetClientNameReply(reply dispatch.Reply) {
	c.mu.Lock()
	if c.state != StateSettingName {
		c.mu.Unlock()
		return
	}
	version := c.protocolVersion
	c.mu.Unlock()

	if reply.Err != nil {
		c.log.Warn("SET_CLIENT_NAME failed: %v", reply.Err)
		c.failWithReplyError(reply.Err)
		return
	}

	if version >= proto.ShmBitVersion {
		r := tagstruct.NewReader(reply.Payload)
		idx, err := r.GetU32()
		if err != nil {
			c.fail(pulseerr.PROTOCOL)
			return
		}
		c.mu.Lock()
		c.clientIndex = idx
		c.clientIndexValid = true
		c.mu.Unlock()
	}

	c.setState(StateReady)
}

// failWithReplyError translates a reply's error into the correct
// terminal transition: a decoded pulseerr.Error from the peer's ERROR
// frame fails the context with that code; a transport-level error
// (timeout, connection loss) fails with its own code.
func (c *Context) failWithReplyError(err error) {
	if perr, ok := err.(*pulseerr.Error); ok {
		c.fail(perr.Code)
		return
	}
	c.fail(pulseerr.CONNECTION_TERMINATED)
}

func writeProplist(w *tagstruct.Writer, pl *proplist.PropList) {
	keys := pl.Keys()
	values := make([][]byte, len(keys))
	for i, k := range keys {
		v, ok := pl.Get(k)
		if !ok {
			v = nil
		}
		values[i] = v
	}
	w.PutProplist(keys, values)
}
