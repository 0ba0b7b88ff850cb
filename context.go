package pulseclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gopulse/pulseclient/internal/config"
	"github.com/gopulse/pulseclient/internal/dispatch"
	"github.com/gopulse/pulseclient/internal/endpoints"
	"github.com/gopulse/pulseclient/internal/logger"
	"github.com/gopulse/pulseclient/internal/mainloop"
	"github.com/gopulse/pulseclient/internal/memblock"
	"github.com/gopulse/pulseclient/internal/operation"
	"github.com/gopulse/pulseclient/internal/proplist"
	"github.com/gopulse/pulseclient/internal/pstream"
	"github.com/gopulse/pulseclient/internal/pulseerr"
	"github.com/gopulse/pulseclient/internal/spawn"
	"github.com/gopulse/pulseclient/internal/stream"
)

// DefaultTimeout is the per-tag reply timeout. It equals
// proto.DefaultTimeout, which the request paths pass to the dispatcher;
// no configuration setting changes it.
const DefaultTimeout = 5 * time.Second

// StateCallback fires on every state transition.
type StateCallback func(ctx *Context, state State)

// EventCallback fires on a server-pushed CLIENT_EVENT.
type EventCallback func(ctx *Context, name string, props *proplist.PropList)

// SubscribeCallback fires on a SUBSCRIBE_EVENT notification. The event
// and index fields are opaque server-defined values the core does not
// interpret.
type SubscribeCallback func(ctx *Context, event uint32, index uint32)

// SuccessCallback is the shape shared by every simple request/ack
// operation (drain, exit_daemon, set_default_sink/source, set_name,
// proplist_update/remove).
type SuccessCallback func(ctx *Context, success bool)

// Context is the root entity: spec.md §3's Context. It owns exactly one
// candidate cascade, at most one dialer or transport, the dispatcher, the
// memory pool, and the live streams/operations attached to this
// connection.
type Context struct {
	id  string
	log *logger.Logger

	refs atomic.Int32

	mu    sync.Mutex
	state State

	loop mainloop.Loop
	cfg  *config.Config

	proplist *proplist.PropList
	name     string

	lastErr               atomic.Value // pulseerr.Code
	protocolVersion       uint32
	serverProtocolVersion uint32
	doSHM                 atomic.Bool
	isLocalConn           atomic.Bool
	explicitServer        bool
	noFail                bool
	autospawnAllowed      bool
	autospawnAttempted    bool
	clientIndex           uint32
	clientIndexValid      bool

	candidates   []endpoints.Candidate
	candidateIdx int
	serverString string

	dialCancel context.CancelFunc

	transport  *pstream.PacketStream
	dispatcher *dispatch.Dispatcher

	pool *memblock.Pool

	playback map[uint32]*stream.Stream
	record   map[uint32]*stream.Stream

	operations map[*operation.Operation]struct{}

	spawnHooks spawn.Hooks
	spawner    *spawn.Spawner
	presenceW  presenceEvents

	stateCB     StateCallback
	eventCB     EventCallback
	subscribeCB SubscribeCallback
	extensions  map[string]func(idx uint32, payload []byte)

	creationPID int
}

// New creates an UNCONNECTED context named name, driven by loop.
func New(loop mainloop.Loop, name string) *Context {
	pl := proplist.New()
	pl.SetString("application.name", name)
	return NewWithProplist(loop, name, pl)
}

// NewWithProplist creates an UNCONNECTED context with an explicit initial
// property list, per spec.md §6.1's new_with_proplist.
func NewWithProplist(loop mainloop.Loop, name string, pl *proplist.PropList) *Context {
	installProcessWide()

	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		cfg = config.DefaultConfig()
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath)

	id := uuid.NewString()[:8]
	ctx := &Context{
		id:          id,
		log:         logger.Global().WithPrefix(fmt.Sprintf("ctx-%s", id)),
		state:       StateUnconnected,
		loop:        loop,
		cfg:         cfg,
		proplist:    pl,
		name:        name,
		pool:        memblock.NewPool(),
		playback:    make(map[uint32]*stream.Stream),
		record:      make(map[uint32]*stream.Stream),
		operations:  make(map[*operation.Operation]struct{}),
		extensions:  make(map[string]func(uint32, []byte)),
		creationPID: processPID,
	}
	ctx.refs.Store(1)
	ctx.lastErr.Store(pulseerr.OK)
	return ctx
}

// ref adds a self-reference, per spec.md §9's reentrancy discipline: any
// site that may invoke a user callback holds one across the call.
func (c *Context) ref() { c.refs.Add(1) }

// unref drops a self-reference. At zero, if the context is not already
// terminal, resources are released without firing user callbacks (spec
// §5 "unref to zero").
func (c *Context) unref() {
	if c.refs.Add(-1) != 0 {
		return
	}
	c.mu.Lock()
	alreadyTerminal := c.state.IsTerminal()
	c.mu.Unlock()
	if !alreadyTerminal {
		c.teardownSilent(StateTerminated)
	}
}

// Unref is the public reference-drop matching pa_context_unref.
func (c *Context) Unref() { c.unref() }

// State reports the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Errno reports the last error code recorded on the context.
func (c *Context) Errno() pulseerr.Code {
	return c.lastErr.Load().(pulseerr.Code)
}

// IsLocal reports whether the current transport's peer is on this host.
func (c *Context) IsLocal() bool { return c.isLocalConn.Load() }

// IsPending reports whether the dispatcher or transport has outstanding
// work, i.e. spec.md's `pending`.
func (c *Context) IsPending() bool {
	c.mu.Lock()
	d := c.dispatcher
	t := c.transport
	c.mu.Unlock()
	if d != nil && d.Pending() > 0 {
		return true
	}
	if t != nil && t.Pending() > 0 {
		return true
	}
	return false
}

// GetServer returns the effective server string with any leading
// "{cookie}" prefix stripped, per spec.md §6.3.
func (c *Context) GetServer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverString
}

// GetProtocolVersion returns the negotiated (local) protocol version.
func (c *Context) GetProtocolVersion() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// GetServerProtocolVersion returns the server's advertised protocol
// version (with the shared-memory bit already cleared).
func (c *Context) GetServerProtocolVersion() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverProtocolVersion
}

// GetIndex returns the peer-assigned client index. Valid only in READY
// with a negotiated version >= 13; ok is false otherwise, per spec.md's
// client_index invariant.
func (c *Context) GetIndex() (idx uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || !c.clientIndexValid {
		return 0, false
	}
	return c.clientIndex, true
}

// SetStateCallback installs the state-change callback. A no-op in a
// terminal state, per spec.md §9's "callback registration in terminal
// states silently no-ops."
func (c *Context) SetStateCallback(cb StateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return
	}
	c.stateCB = cb
}

// SetEventCallback installs the server-pushed CLIENT_EVENT callback.
func (c *Context) SetEventCallback(cb EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return
	}
	c.eventCB = cb
}

// SetSubscribeCallback installs the SUBSCRIBE_EVENT callback.
func (c *Context) SetSubscribeCallback(cb SubscribeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return
	}
	c.subscribeCB = cb
}

// SetExtensionCallback installs the handler for a named EXTENSION
// packet, per spec.md §6.2/§9's two well-known extension names.
func (c *Context) SetExtensionCallback(name string, cb func(idx uint32, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() {
		return
	}
	c.extensions[name] = cb
}

// setState transitions the context and fires the state callback while
// holding a self-reference, per spec.md §4.6's "State callback" rule.
// Terminal-state entry triggers teardown after the callback returns.
func (c *Context) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.stateCB
	c.mu.Unlock()

	c.ref()
	defer c.unref()

	if cb != nil {
		cb(c, s)
	}
}

// fail transitions the context to FAILED with the given error code and
// tears down subsystems, per spec.md §4.6/§7.
func (c *Context) fail(code pulseerr.Code) {
	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.lastErr.Store(code)
	c.log.Warn("context %s failing: %s", c.id, code)
	c.teardown(StateFailed)
}

// Disconnect transitions a good context to TERMINATED. Idempotent: a
// second call is a no-op, per spec.md §8. A no-op if the process has
// forked since the context was created (spec.md §5's fork detector):
// the child does not own the parent's transport fd and must not act on
// it.
func (c *Context) Disconnect() {
	if !checkFork() {
		return
	}

	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.teardown(StateTerminated)
}

// teardown transitions every live stream/operation, fires the terminal
// state callback, and only then releases the subsystems, matching
// spec.md §4.6's "terminal-state entry additionally triggers teardown
// after the callback returns": the callback must still see a live
// transport/dispatcher, the way pa_context_set_state fails/cancels
// streams and operations before firing the callback but unlinks the
// pstream/pdispatch after it returns.
func (c *Context) teardown(final State) {
	c.finalizeStreamsAndOperations(final)
	c.setState(final)
	c.releaseSubsystems()
}

// teardownSilent implements spec.md §5's "unref to zero" path: it
// finalizes streams/operations and releases subsystems exactly like
// teardown, but sets the terminal state directly instead of going
// through setState, so no user callback fires for a context nobody
// holds a reference to anymore.
func (c *Context) teardownSilent(final State) {
	c.finalizeStreamsAndOperations(final)
	c.mu.Lock()
	c.state = final
	c.mu.Unlock()
	c.releaseSubsystems()
}

// finalizeStreamsAndOperations transitions every live stream and cancels
// every live operation, per spec.md §3's teardown ordering: this always
// happens before the terminal state callback fires.
func (c *Context) finalizeStreamsAndOperations(final State) {
	c.mu.Lock()
	streamState := stream.StateTerminated
	if final == StateFailed {
		streamState = stream.StateFailed
	}
	for _, s := range c.playback {
		s.SetState(streamState)
	}
	for _, s := range c.record {
		s.SetState(streamState)
	}

	ops := make([]*operation.Operation, 0, len(c.operations))
	for op := range c.operations {
		ops = append(ops, op)
	}
	c.operations = make(map[*operation.Operation]struct{})
	c.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}

// releaseSubsystems releases the transport, dispatcher, and dialer, in
// that order, per spec.md §3. Callers must not invoke this before the
// terminal state callback has already fired (or, for teardownSilent,
// before the state has already been set) — the callback is entitled to
// observe a still-live connection.
func (c *Context) releaseSubsystems() {
	c.mu.Lock()
	transport := c.transport
	dispatcher := c.dispatcher
	dialCancel := c.dialCancel
	watcher := c.presenceW
	c.transport = nil
	c.dispatcher = nil
	c.dialCancel = nil
	c.presenceW = nil
	c.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	if dispatcher != nil {
		term := pulseerr.New(pulseerr.CONNECTION_TERMINATED, "context torn down")
		dispatcher.FailAll(term)
	}
	if dialCancel != nil {
		dialCancel()
	}
	if watcher != nil {
		watcher.Close()
	}
}
