// Package dispatch implements the tagged request/reply multiplexer
// spec.md §4.5 describes: every outbound command gets the next sequence
// tag, a pending-reply slot is registered before the frame is sent, and
// an inbound REPLY or ERROR with a matching tag resolves it. It also
// tracks in-flight tags for Drain (§4.7): a drain callback fires once the
// pending set becomes empty.
//
// Grounded on internal/socketclient's SendRequest/pendingRequests pattern
// (message.go, client.go): a map[id]chan guarded by a RWMutex, a
// register-before-send/cleanup-after-receive discipline, and per-call
// timeouts raced against a stop channel. Generalized from opaque
// string ids to the wire protocol's sequential uint32 tags.
package dispatch

import (
	"sync"
	"time"

	"github.com/gopulse/pulseclient/internal/pulseerr"
)

// Reply is what a pending request resolves with: the raw reply payload
// on success, or a non-nil Err (typically a *pulseerr.Error decoded from
// an ERROR frame, or a timeout/connection-terminated pulseerr.Error).
type Reply struct {
	Payload []byte
	Err     error
}

// Send is the function the dispatcher calls to actually write a framed
// command; it is supplied by the pstream layer.
type Send func(tag uint32, payload []byte) error

// Dispatcher owns the next-tag counter and the tag -> waiting-caller map.
type Dispatcher struct {
	send Send

	mu      sync.Mutex
	nextTag uint32
	pending map[uint32]chan Reply

	drainMu  sync.Mutex
	drainCBs []func()
}

// New creates a Dispatcher that writes frames via send.
func New(send Send) *Dispatcher {
	return &Dispatcher{
		send:    send,
		pending: make(map[uint32]chan Reply),
	}
}

// NextTag allocates and returns the next sequence tag, matching the wire
// protocol's monotonically increasing per-connection counter.
func (d *Dispatcher) NextTag() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	tag := d.nextTag
	d.nextTag++
	return tag
}

// CallAsyncWithTag sends payload under a caller-supplied tag (callers
// take it from NextTag first, because the tag is already encoded in
// payload) and invokes cb exactly once with the eventual reply or a
// synthesized TIMEOUT error, without blocking the caller. A tag removed
// by Cancel before its reply arrives never invokes cb.
func (d *Dispatcher) CallAsyncWithTag(tag uint32, payload []byte, timeout time.Duration, cb func(Reply)) {
	ch := make(chan Reply, 1)

	d.mu.Lock()
	d.pending[tag] = ch
	if tag >= d.nextTag {
		d.nextTag = tag + 1
	}
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.pending, tag)
		empty := len(d.pending) == 0
		d.mu.Unlock()
		if empty {
			d.fireDrain()
		}
	}

	if err := d.send(tag, payload); err != nil {
		cleanup()
		go cb(Reply{Err: pulseerr.New(pulseerr.CONNECTION_TERMINATED, err.Error())})
		return
	}

	go func() {
		select {
		case reply := <-ch:
			cleanup()
			cb(reply)
		case <-time.After(timeout):
			d.mu.Lock()
			_, still := d.pending[tag]
			d.mu.Unlock()
			if !still {
				// Removed by Cancel (cb suppressed) or by FailAll, whose
				// reply is already buffered in ch.
				select {
				case reply := <-ch:
					cb(reply)
				default:
				}
				return
			}
			cleanup()
			cb(Reply{Err: pulseerr.New(pulseerr.TIMEOUT, "request timed out")})
		}
	}()
}

// Cancel removes tag from the pending set without invoking its
// callback, for operation cancellation (spec: cancelled operations'
// callbacks are not invoked).
func (d *Dispatcher) Cancel(tag uint32) {
	d.mu.Lock()
	delete(d.pending, tag)
	empty := len(d.pending) == 0
	d.mu.Unlock()
	if empty {
		d.fireDrain()
	}
}

// Resolve delivers an inbound reply/error frame's payload to the caller
// waiting on tag, if any. It reports false if no such pending request
// exists (a late reply after timeout, or a malformed/duplicate tag).
func (d *Dispatcher) Resolve(tag uint32, reply Reply) bool {
	d.mu.Lock()
	ch, ok := d.pending[tag]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reply:
	default:
	}
	return true
}

// Pending reports the number of in-flight requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// OnDrain registers a callback fired every time the pending set becomes
// empty. Used to implement pa_context_drain / pa_stream_drain per
// spec.md §4.7.
func (d *Dispatcher) OnDrain(fn func()) {
	d.drainMu.Lock()
	d.drainCBs = append(d.drainCBs, fn)
	d.drainMu.Unlock()
}

func (d *Dispatcher) fireDrain() {
	d.drainMu.Lock()
	cbs := append([]func(){}, d.drainCBs...)
	d.drainMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// FailAll resolves every pending request with err, for connection
// teardown (spec.md §4.6's terminal-state transition).
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	chans := make([]chan Reply, 0, len(d.pending))
	for tag, ch := range d.pending {
		chans = append(chans, ch)
		delete(d.pending, tag)
	}
	d.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- Reply{Err: err}:
		default:
		}
	}
	d.fireDrain()
}
