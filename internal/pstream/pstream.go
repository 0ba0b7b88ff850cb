// Package pstream implements the framed packet-stream transport spec.md
// §4.4 describes: a length-prefixed descriptor precedes every frame,
// control frames (tagstruct-encoded command payloads) are distinguished
// from memblock frames (raw media bytes plus a channel/offset/seek) by a
// sentinel channel id. Over a Unix transport, ExchangePeerCredentials
// reads the peer's identity via SO_PEERCRED on request (the read pump
// does not check it), and the AUTH frame is sent carrying the caller's
// own uid/gid as SCM_CREDENTIALS ancillary data, per spec.md §4.6.
//
// Grounded on internal/socketclient's readPump/writePump split
// (client.go): one goroutine blocked in a buffered reader, one draining
// an outgoing channel, both tearing the connection down through a single
// "died" path on first I/O error. Generalized from newline-delimited
// JSON to the binary descriptor+payload framing, and from JSON messages
// to raw byte payloads the dispatch/tagstruct layers own. Peer-credential
// handling is grounded on the same package's documented "SO_PEERCRED to
// validate UID/GID" design (socketserver/doc.go) and on
// golang.org/x/sys/unix, the errno/credential package internal/dialer
// also uses; the send-side SCM_CREDENTIALS path uses the same package's
// UnixCredentials/Sendmsg helpers.
package pstream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gopulse/pulseclient/internal/proto"
)

// InvalidChannel marks a control (command) frame rather than a memblock
// frame, matching the wire protocol's PA_INVALID_INDEX sentinel.
const InvalidChannel uint32 = 0xFFFFFFFF

const descriptorLen = 20 // length, channel, offset-hi, offset-lo, flags/seek — all uint32

// MaxFrameLength bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix.
const MaxFrameLength = 16 * 1024 * 1024

// Credentials is the peer identity read via SO_PEERCRED on a Unix
// transport by ExchangePeerCredentials.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// CommandHandler receives a decoded control frame's raw payload.
type CommandHandler func(payload []byte)

// MemblockHandler receives a decoded memblock frame.
type MemblockHandler func(channel uint32, offset int64, seek proto.SeekMode, payload []byte)

// DiedHandler is invoked exactly once, with the error that ended the
// connection (nil for a clean Close).
type DiedHandler func(err error)

type outFrame struct {
	channel   uint32
	offset    int64
	seek      proto.SeekMode
	payload   []byte
	withCreds bool
}

// PacketStream owns one connection's framing, read/write pumps, and the
// peer-credential handshake.
type PacketStream struct {
	conn     net.Conn
	unixConn *net.UnixConn

	outCh chan outFrame
	stop  chan struct{}
	wg    sync.WaitGroup

	mu          sync.Mutex
	onCommand   CommandHandler
	onMemblock  MemblockHandler
	onDied      DiedHandler
	diedFired   bool
	credentials *Credentials

	pendingMu sync.Mutex
	pending   int
	drainCBs  []func()
}

// New wraps conn in a PacketStream. Call Start to begin pumping.
func New(conn net.Conn) *PacketStream {
	ps := &PacketStream{
		conn:  conn,
		outCh: make(chan outFrame, 256),
		stop:  make(chan struct{}),
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		ps.unixConn = uc
	}
	return ps
}

// SupportsCredentialExchange reports whether the underlying transport is
// a Unix domain socket, the only kind SO_PEERCRED works over.
func (ps *PacketStream) SupportsCredentialExchange() bool {
	return ps.unixConn != nil
}

// ExchangePeerCredentials reads SO_PEERCRED off the underlying Unix
// socket. It does not require any bytes to have been exchanged: the
// kernel attaches the credential at connect(2)/accept(2) time.
func (ps *PacketStream) ExchangePeerCredentials() (*Credentials, error) {
	if ps.unixConn == nil {
		return nil, errors.New("pstream: peer credentials require a unix transport")
	}

	raw, err := ps.unixConn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	if sockErr != nil {
		return nil, fmt.Errorf("pstream: SO_PEERCRED: %w", sockErr)
	}

	creds := &Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}
	ps.mu.Lock()
	ps.credentials = creds
	ps.mu.Unlock()
	return creds, nil
}

// PeerCredentials returns the last credentials read by
// ExchangePeerCredentials, or nil if it hasn't been called.
func (ps *PacketStream) PeerCredentials() *Credentials {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.credentials
}

// SetCommandHandler installs the callback for inbound control frames.
func (ps *PacketStream) SetCommandHandler(fn CommandHandler) {
	ps.mu.Lock()
	ps.onCommand = fn
	ps.mu.Unlock()
}

// SetMemblockHandler installs the callback for inbound memblock frames.
func (ps *PacketStream) SetMemblockHandler(fn MemblockHandler) {
	ps.mu.Lock()
	ps.onMemblock = fn
	ps.mu.Unlock()
}

// SetDiedHandler installs the callback fired once when the connection
// ends, whether from an I/O error or Close.
func (ps *PacketStream) SetDiedHandler(fn DiedHandler) {
	ps.mu.Lock()
	ps.onDied = fn
	ps.mu.Unlock()
}

// Start launches the read and write pumps.
func (ps *PacketStream) Start() {
	ps.wg.Add(2)
	go ps.readPump()
	go ps.writePump()
}

// SendCommand enqueues a control frame carrying payload.
func (ps *PacketStream) SendCommand(payload []byte) error {
	return ps.enqueue(outFrame{channel: InvalidChannel, payload: payload})
}

// SendCommandWithCredentials enqueues a control frame the same way
// SendCommand does, but for a Unix transport attaches the caller's
// uid/gid as SCM_CREDENTIALS ancillary data on the frame's descriptor,
// per spec.md §4.6's AUTH handshake. On a non-Unix transport it behaves
// exactly like SendCommand: there is no ancillary-data mechanism to use.
func (ps *PacketStream) SendCommandWithCredentials(payload []byte) error {
	return ps.enqueue(outFrame{channel: InvalidChannel, payload: payload, withCreds: true})
}

// SendMemblock enqueues a media frame addressed to channel.
func (ps *PacketStream) SendMemblock(channel uint32, offset int64, seek proto.SeekMode, payload []byte) error {
	return ps.enqueue(outFrame{channel: channel, offset: offset, seek: seek, payload: payload})
}

func (ps *PacketStream) enqueue(f outFrame) error {
	ps.pendingMu.Lock()
	ps.pending++
	ps.pendingMu.Unlock()

	select {
	case ps.outCh <- f:
		return nil
	case <-ps.stop:
		ps.decrementPending()
		return errors.New("pstream: connection closed")
	}
}

func (ps *PacketStream) decrementPending() {
	ps.pendingMu.Lock()
	ps.pending--
	empty := ps.pending == 0
	cbs := append([]func(){}, ps.drainCBs...)
	ps.pendingMu.Unlock()
	if empty {
		for _, cb := range cbs {
			cb()
		}
	}
}

// Pending reports the number of frames queued or in flight.
func (ps *PacketStream) Pending() int {
	ps.pendingMu.Lock()
	defer ps.pendingMu.Unlock()
	return ps.pending
}

// OnDrain registers a callback fired whenever the outbound queue empties.
func (ps *PacketStream) OnDrain(fn func()) {
	ps.pendingMu.Lock()
	ps.drainCBs = append(ps.drainCBs, fn)
	ps.pendingMu.Unlock()
}

func (ps *PacketStream) readPump() {
	defer ps.wg.Done()

	reader := bufio.NewReaderSize(ps.conn, 64*1024)
	header := make([]byte, descriptorLen)

	for {
		select {
		case <-ps.stop:
			return
		default:
		}

		ps.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, err := io.ReadFull(reader, header); err != nil {
			ps.die(err)
			return
		}

		length := binary.BigEndian.Uint32(header[0:4])
		channel := binary.BigEndian.Uint32(header[4:8])
		offsetHi := binary.BigEndian.Uint32(header[8:12])
		offsetLo := binary.BigEndian.Uint32(header[12:16])
		seek := binary.BigEndian.Uint32(header[16:20])

		if length > MaxFrameLength {
			ps.die(fmt.Errorf("pstream: frame length %d exceeds maximum", length))
			return
		}

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				ps.die(err)
				return
			}
		}

		offset := int64(offsetHi)<<32 | int64(offsetLo)

		ps.mu.Lock()
		onCommand := ps.onCommand
		onMemblock := ps.onMemblock
		ps.mu.Unlock()

		if channel == InvalidChannel {
			if onCommand != nil {
				onCommand(payload)
			}
		} else if onMemblock != nil {
			onMemblock(channel, offset, proto.SeekMode(seek), payload)
		}
	}
}

func (ps *PacketStream) writePump() {
	defer ps.wg.Done()

	for {
		select {
		case <-ps.stop:
			return
		case f := <-ps.outCh:
			err := ps.writeFrame(f)
			ps.decrementPending()
			if err != nil {
				ps.die(err)
				return
			}
		}
	}
}

func (ps *PacketStream) writeFrame(f outFrame) error {
	header := make([]byte, descriptorLen)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.payload)))
	binary.BigEndian.PutUint32(header[4:8], f.channel)
	binary.BigEndian.PutUint32(header[8:12], uint32(f.offset>>32))
	binary.BigEndian.PutUint32(header[12:16], uint32(f.offset))
	binary.BigEndian.PutUint32(header[16:20], uint32(f.seek))

	ps.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

	if f.withCreds && ps.unixConn != nil {
		return ps.writeFrameWithCredentials(header, f.payload)
	}

	if _, err := ps.conn.Write(header); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := ps.conn.Write(f.payload); err != nil {
			return err
		}
	}
	return nil
}

// writeFrameWithCredentials sendmsg's the descriptor with SCM_CREDENTIALS
// ancillary data carrying the caller's own pid/uid/gid, then writes the
// payload normally. The kernel requires this process's real or effective
// uid/gid (or CAP_SETUID/CAP_SETGID) to pass an arbitrary Ucred; passing
// our own identity always satisfies that.
func (ps *PacketStream) writeFrameWithCredentials(header, payload []byte) error {
	oob := unix.UnixCredentials(&unix.Ucred{
		Pid: int32(os.Getpid()),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	})

	raw, err := ps.unixConn.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sendErr = unix.Sendmsg(int(fd), header, oob, nil, 0)
	})
	if ctlErr != nil {
		return ctlErr
	}
	if sendErr != nil {
		return fmt.Errorf("pstream: sendmsg credentials: %w", sendErr)
	}

	if len(payload) > 0 {
		if _, err := ps.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// die fires the died callback exactly once and closes the connection.
func (ps *PacketStream) die(err error) {
	ps.mu.Lock()
	if ps.diedFired {
		ps.mu.Unlock()
		return
	}
	ps.diedFired = true
	cb := ps.onDied
	ps.mu.Unlock()

	ps.conn.Close()
	select {
	case <-ps.stop:
	default:
		close(ps.stop)
	}
	if cb != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			cb(nil)
		} else {
			cb(err)
		}
	}
}

// Close ends the connection cleanly.
func (ps *PacketStream) Close() error {
	ps.die(nil)
	ps.wg.Wait()
	return nil
}
