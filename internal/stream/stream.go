// Package stream supplies the minimal per-channel state the connection
// core needs to route inbound media frames (spec.md §4.4): a ring queue
// for a record stream's inbound bytes, and a two-state lifecycle shared by
// playback and record streams. The full playback/record state machines
// are an external collaborator per spec.md §1; this package only
// implements the slice the core itself drives.
package stream

import (
	"sync"

	"github.com/gopulse/pulseclient/internal/memblock"
	"github.com/gopulse/pulseclient/internal/proto"
)

// State is the lifecycle state of a stream as driven by the owning
// Context; it mirrors (a strict subset of) the context's own good/FAILED/
// TERMINATED split.
type State int

const (
	StateRunning State = iota
	StateFailed
	StateTerminated
)

// Direction distinguishes playback (server -> speakers) from record
// (microphone -> client) streams, since only record streams receive
// inbound memblocks.
type Direction int

const (
	Playback Direction = iota
	Record
)

// ReadCallback is invoked whenever new data becomes available in a record
// stream's inbound queue, carrying the queue's current length in bytes.
type ReadCallback func(length int)

// Stream is a minimal per-channel handle the core's context keeps in its
// playback/record maps.
type Stream struct {
	mu        sync.Mutex
	channel   uint32
	direction Direction
	state     State
	queue     *ringQueue
	onRead    ReadCallback
}

// New creates a stream bound to the given server-assigned channel id.
func New(channel uint32, dir Direction) *Stream {
	return &Stream{
		channel:   channel,
		direction: dir,
		state:     StateRunning,
		queue:     newRingQueue(),
	}
}

func (s *Stream) Channel() uint32 { return s.channel }

func (s *Stream) Direction() Direction { return s.direction }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the stream to a terminal state. Transitioning an
// already-terminal stream is a no-op, matching the context's teardown
// idempotence.
func (s *Stream) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = state
}

// SetReadCallback installs the callback fired when new inbound data
// becomes available.
func (s *Stream) SetReadCallback(cb ReadCallback) {
	s.mu.Lock()
	s.onRead = cb
	s.mu.Unlock()
}

// HandleMemblock implements spec.md §4.4's memblock-received policy for
// this stream: seek-and-push for real data, advance-only for a hole, then
// fire the read callback with the resulting queue length.
func (s *Stream) HandleMemblock(offset int64, seek proto.SeekMode, block *memblock.Block) {
	s.mu.Lock()
	if block.Len() > 0 {
		s.queue.seek(offset, seek)
		s.queue.push(block.Bytes())
	} else {
		s.queue.advance(offset + int64(block.Len()))
	}
	length := s.queue.length()
	cb := s.onRead
	s.mu.Unlock()

	if length > 0 && cb != nil {
		cb(length)
	}
}

// Peek returns up to n bytes without consuming them, for tests and for a
// higher-level stream API's Read.
func (s *Stream) Peek(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.peek(n)
}

// Discard drops n consumed bytes from the front of the queue.
func (s *Stream) Discard(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.discard(n)
}

// Len reports the number of readable bytes currently queued.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.length()
}

// ringQueue is a byte queue supporting the write-pointer seek semantics
// spec.md §4.4 requires: absolute or relative repositioning of the write
// cursor before a push, and advance-only writes for holes.
type ringQueue struct {
	data  []byte
	write int64
	base  int64 // stream offset of data[0]
}

func newRingQueue() *ringQueue {
	return &ringQueue{}
}

func (q *ringQueue) seek(offset int64, mode proto.SeekMode) {
	switch mode {
	case proto.SeekAbsolute:
		q.write = offset
	case proto.SeekRelative:
		q.write += offset
	case proto.SeekRelativeEnd:
		q.write = q.base + int64(len(q.data)) + offset
	case proto.SeekRelativeOnRead:
		q.write = q.base + offset
	}
}

func (q *ringQueue) advance(n int64) {
	q.write += n
}

func (q *ringQueue) push(b []byte) {
	rel := q.write - q.base
	if rel < 0 {
		// Data behind our read cursor; nothing left to align it against.
		return
	}
	end := rel + int64(len(b))
	if end > int64(len(q.data)) {
		grown := make([]byte, end)
		copy(grown, q.data)
		q.data = grown
	}
	copy(q.data[rel:end], b)
	q.write = q.base + end
}

func (q *ringQueue) length() int {
	return len(q.data)
}

func (q *ringQueue) peek(n int) []byte {
	if n > len(q.data) {
		n = len(q.data)
	}
	out := make([]byte, n)
	copy(out, q.data[:n])
	return out
}

func (q *ringQueue) discard(n int) {
	if n >= len(q.data) {
		q.base += int64(len(q.data))
		q.data = nil
		return
	}
	q.base += int64(n)
	q.data = q.data[n:]
}
