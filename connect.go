package pulseclient

import (
	gocontext "context"
	"path/filepath"
	"time"

	"github.com/gopulse/pulseclient/internal/config"
	"github.com/gopulse/pulseclient/internal/dialer"
	"github.com/gopulse/pulseclient/internal/dispatch"
	"github.com/gopulse/pulseclient/internal/endpoints"
	"github.com/gopulse/pulseclient/internal/presence"
	"github.com/gopulse/pulseclient/internal/proto"
	"github.com/gopulse/pulseclient/internal/pstream"
	"github.com/gopulse/pulseclient/internal/pulseerr"
	"github.com/gopulse/pulseclient/internal/spawn"
)

// presenceEvents is the shape both presence.Watcher and
// presence.RuntimeDirWatcher expose, so armPresenceWatcher can consume
// whichever one it managed to start.
type presenceEvents interface {
	Events() <-chan presence.Event
	Close() error
}

const dialTimeout = 3 * time.Second

// Connect starts the CONNECTING cascade per spec.md §4.6. server is the
// explicit candidate string, or "" to use the configured server list
// (cfg.Server) or, when that is empty too, the default cascade. hooks
// is used only if autospawn actually runs.
func (c *Context) Connect(server string, flags ConnectFlags, hooks spawn.Hooks) error {
	if !checkFork() {
		return pulseerr.New(pulseerr.FORKED, "context used from a different process than it was created in")
	}

	c.mu.Lock()
	if c.state != StateUnconnected {
		c.mu.Unlock()
		return pulseerr.New(pulseerr.BADSTATE, "connect called outside UNCONNECTED")
	}

	c.explicitServer = server != ""
	c.noFail = flags.has(FlagNoFail)
	c.autospawnAllowed = c.cfg.AutospawnEnabled && !c.explicitServer && !flags.has(FlagNoAutospawn) &&
		!spawn.UidZero() && !spawn.SigchldBlocksReap()
	c.spawnHooks = hooks
	c.candidates = endpoints.Build(server, c.cfg)
	c.candidateIdx = 0
	if len(c.candidates) > 0 {
		c.serverString = c.candidates[0].String()
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.dialNext()
	return nil
}

// dialNext pops the next candidate and dials it asynchronously, or
// advances the CONNECTING failure policy per spec.md §4.6's table when
// the list is exhausted.
func (c *Context) dialNext() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	if c.candidateIdx >= len(c.candidates) {
		c.mu.Unlock()
		c.onCandidatesExhausted()
		return
	}
	candidate := c.candidates[c.candidateIdx]
	c.candidateIdx++
	dialCtx, cancel := gocontext.WithTimeout(gocontext.Background(), dialTimeout)
	c.dialCancel = cancel
	c.mu.Unlock()

	c.ref()
	go func() {
		defer c.unref()
		result := dialer.Dial(dialCtx, candidate)
		cancel()
		c.loop.Defer(func() { c.handleDialResult(result) })
	}()
}

func (c *Context) handleDialResult(result dialer.Result) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		if result.Conn != nil {
			result.Conn.Close()
		}
		return
	}
	c.dialCancel = nil
	c.mu.Unlock()

	if result.Outcome == dialer.OutcomeConnected {
		c.onDialSuccess(result)
		return
	}

	switch result.Outcome {
	case dialer.OutcomeRefused, dialer.OutcomeTimeout, dialer.OutcomeUnreachable:
		c.log.Debug("candidate %s failed (%s), trying next", result.Candidate, result.Outcome)
		c.dialNext()
	default:
		c.log.Warn("candidate %s failed unrecoverably: %v", result.Candidate, result.Err)
		c.fail(pulseerr.CONNECTION_REFUSED)
	}
}

// onCandidatesExhausted implements the CONNECTING self-loop's exhaustion
// branch: spawn (once) and retry, else arm the presence watcher under
// NOFAIL, else fail.
func (c *Context) onCandidatesExhausted() {
	c.mu.Lock()
	attempted := c.autospawnAttempted
	allowed := c.autospawnAllowed
	c.mu.Unlock()

	if allowed && !attempted {
		c.mu.Lock()
		c.autospawnAttempted = true
		c.mu.Unlock()
		c.trySpawn()
		return
	}

	c.mu.Lock()
	noFail := c.noFail
	c.mu.Unlock()

	if noFail {
		c.armPresenceWatcher()
		return
	}

	c.fail(pulseerr.CONNECTION_REFUSED)
}

const spawnReadyTimeout = 5 * time.Second

func (c *Context) trySpawn() {
	sp := spawn.New(c.cfg)
	c.mu.Lock()
	c.spawner = sp
	hooks := c.spawnHooks
	c.mu.Unlock()

	c.ref()
	go func() {
		defer c.unref()

		result := sp.Spawn(gocontext.Background(), hooks)
		if result.Err != nil {
			c.loop.Defer(func() {
				c.log.Warn("autospawn failed: %v", result.Err)
				c.fail(pulseerr.CONNECTION_REFUSED)
			})
			return
		}

		if err := spawn.WaitReady(c.cfg.DaemonPidFile, spawnReadyTimeout); err != nil {
			c.loop.Defer(func() {
				c.log.Warn("autospawn: daemon did not become ready: %v", err)
				c.fail(pulseerr.CONNECTION_REFUSED)
			})
			return
		}

		c.loop.Defer(func() {
			c.mu.Lock()
			c.candidates = endpoints.PrependAfterSpawn(nil, c.cfg)
			c.candidateIdx = 0
			c.mu.Unlock()
			c.dialNext()
		})
	}()
}

// armPresenceWatcher subscribes to the daemon's bus name and retries the
// candidate cascade once it appears, per spec.md §4.2/§8's NOFAIL
// boundary behavior.
func (c *Context) armPresenceWatcher() {
	c.mu.Lock()
	if c.presenceW != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var watcher presenceEvents
	dbusWatcher, err := presence.NewWatcher()
	if err != nil {
		c.log.Debug("dbus presence watcher unavailable: %v", err)
		watcher, err = c.newRuntimeDirWatcher()
		if err != nil {
			c.log.Debug("runtime-dir presence watcher unavailable: %v", err)
			return
		}
	} else {
		watcher = dbusWatcher
	}

	c.mu.Lock()
	c.presenceW = watcher
	c.mu.Unlock()

	c.ref()
	go func() {
		defer c.unref()
		for ev := range watcher.Events() {
			if !ev.Owned {
				continue
			}
			c.loop.Defer(func() {
				c.mu.Lock()
				stillWaiting := c.state == StateConnecting
				c.candidates = endpoints.PrependAfterSpawn(nil, c.cfg)
				c.candidateIdx = 0
				c.mu.Unlock()
				if stillWaiting {
					c.dialNext()
				}
			})
		}
	}()
}

// newRuntimeDirWatcher builds the fsnotify-based presence fallback,
// watching the per-user runtime socket's directory for it to appear.
func (c *Context) newRuntimeDirWatcher() (*presence.RuntimeDirWatcher, error) {
	dir := config.RuntimeDir()
	sockPath := filepath.Join(dir, "native")
	return presence.NewRuntimeDirWatcher(dir, sockPath)
}

// onDialSuccess creates the transport and dispatcher together (the
// invariant in spec.md §3), then begins AUTHORIZING.
func (c *Context) onDialSuccess(result dialer.Result) {
	transport := pstream.New(result.Conn)

	local := result.Candidate.Kind == endpoints.KindUnix ||
		result.Candidate.Host == "127.0.0.1" || result.Candidate.Host == "::1"
	c.isLocalConn.Store(local)

	dispatcher := dispatch.New(func(tag uint32, payload []byte) error {
		if cmd, _, _, err := decodeHeader(payload); err == nil && cmd == proto.CommandAuth {
			return transport.SendCommandWithCredentials(payload)
		}
		return transport.SendCommand(payload)
	})

	c.mu.Lock()
	c.transport = transport
	c.dispatcher = dispatcher
	c.serverString = result.Candidate.String()
	c.mu.Unlock()

	transport.SetCommandHandler(func(payload []byte) { c.handleInboundCommand(payload) })
	transport.SetMemblockHandler(func(channel uint32, offset int64, seek proto.SeekMode, payload []byte) {
		c.handleInboundMemblock(channel, offset, seek, payload)
	})
	transport.SetDiedHandler(func(err error) { c.loop.Defer(func() { c.onLinkDied(err) }) })
	transport.Start()

	c.setState(StateAuthorizing)
	c.sendAuth()
}

// onLinkDied implements spec.md §4.4's "on link-died" policy.
func (c *Context) onLinkDied(err error) {
	c.log.Warn("transport link died: %v", err)
	c.fail(pulseerr.CONNECTION_TERMINATED)
}
