// Package pulsetest implements a minimal fake audio daemon speaking the
// same framed tag-struct protocol as the connection core, for exercising
// Context end to end (connect, authorize, set name, drain, teardown)
// without a real audio server.
//
// Grounded on internal/socketserver's Server/Hub/Client split
// (server.go, hub.go, client.go): a Unix listener accepting one goroutine
// per connection, a per-connection read loop dispatching by message type,
// and a registry the test can use to script canned responses.
// Generalized from newline-delimited JSON messages to this repo's
// 20-byte descriptor + tagstruct control-frame wire format.
package pulsetest

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync"

	"github.com/gopulse/pulseclient/internal/proto"
	"github.com/gopulse/pulseclient/internal/tagstruct"
)

const descriptorLen = 20
const invalidChannel uint32 = 0xFFFFFFFF

// Handler decides how the daemon responds to one inbound control frame.
// It receives the decoded command, tag, and body reader, and writes its
// reply (if any) via the *conn helper passed in.
type Handler func(d *Daemon, conn *Conn, cmd proto.Command, tag uint32, r *tagstruct.Reader)

// Daemon is a fake server listening on a Unix socket.
type Daemon struct {
	listener net.Listener
	SockPath string

	mu       sync.Mutex
	handlers map[proto.Command]Handler
	conns    []*Conn

	// ProtocolVersion is what AUTH replies with (OR'd with the shared
	// memory bit if ShmWilling).
	ProtocolVersion uint32
	ShmWilling      bool
}

// Conn is one accepted client connection.
type Conn struct {
	nc net.Conn
	mu sync.Mutex
}

// New starts a fake daemon listening on a fresh Unix socket under dir
// (typically t.TempDir()).
func New(dir string) (*Daemon, error) {
	sockPath := filepath.Join(dir, "native")
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		listener:        l,
		SockPath:        sockPath,
		handlers:        make(map[proto.Command]Handler),
		ProtocolVersion: proto.NativeProtocolVersion,
	}
	d.installDefaultHandlers()
	go d.acceptLoop()
	return d, nil
}

// Close stops accepting and closes the listener; any accepted
// connections are left for their own read loops to notice on EOF.
func (d *Daemon) Close() error {
	return d.listener.Close()
}

// SetHandler overrides the default response for cmd.
func (d *Daemon) SetHandler(cmd proto.Command, h Handler) {
	d.mu.Lock()
	d.handlers[cmd] = h
	d.mu.Unlock()
}

func (d *Daemon) acceptLoop() {
	for {
		nc, err := d.listener.Accept()
		if err != nil {
			return
		}
		conn := &Conn{nc: nc}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.serve(conn)
	}
}

func (d *Daemon) serve(conn *Conn) {
	defer conn.nc.Close()
	header := make([]byte, descriptorLen)
	for {
		if _, err := io.ReadFull(conn.nc, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header[0:4])
		channel := binary.BigEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(conn.nc, payload); err != nil {
				return
			}
		}
		if channel != invalidChannel {
			continue // fake daemon never pushes real media frames
		}

		r := tagstruct.NewReader(payload)
		cmdRaw, err := r.GetU32()
		if err != nil {
			return
		}
		tag, err := r.GetU32()
		if err != nil {
			return
		}
		cmd := proto.Command(cmdRaw)

		d.mu.Lock()
		h, ok := d.handlers[cmd]
		d.mu.Unlock()
		if !ok {
			conn.SendError(tag, 1)
			continue
		}
		h(d, conn, cmd, tag, r)
	}
}

// SendReply writes a REPLY frame carrying whatever fill writes.
func (c *Conn) SendReply(tag uint32, fill func(w *tagstruct.Writer)) error {
	w := tagstruct.NewWriter()
	w.PutU32(uint32(proto.CommandReply))
	w.PutU32(tag)
	if fill != nil {
		fill(w)
	}
	return c.writeFrame(w.Bytes())
}

// SendError writes an ERROR frame carrying the given wire error code.
func (c *Conn) SendError(tag uint32, code uint32) error {
	w := tagstruct.NewWriter()
	w.PutU32(uint32(proto.CommandError))
	w.PutU32(tag)
	w.PutU32(code)
	return c.writeFrame(w.Bytes())
}

// PushCommand writes an unsolicited (tagless-response) control frame,
// e.g. SUBSCRIBE_EVENT or CLIENT_EVENT, to exercise the core's
// server-push handling.
func (c *Conn) PushCommand(cmd proto.Command, fill func(w *tagstruct.Writer)) error {
	w := tagstruct.NewWriter()
	w.PutU32(uint32(cmd))
	w.PutU32(invalidChannel) // pushed frames carry no reply tag
	if fill != nil {
		fill(w)
	}
	return c.writeFrame(w.Bytes())
}

func (c *Conn) writeFrame(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := make([]byte, descriptorLen)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], invalidChannel)
	if _, err := c.nc.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.nc.Write(payload)
	return err
}

// installDefaultHandlers wires AUTH and SET_CLIENT_NAME to succeed
// immediately, matching a healthy daemon's happy path; tests override
// individual commands via SetHandler to script failures.
func (d *Daemon) installDefaultHandlers() {
	d.handlers[proto.CommandAuth] = func(d *Daemon, conn *Conn, cmd proto.Command, tag uint32, r *tagstruct.Reader) {
		// Drain the request body (version, cookie) without validating it;
		// this fake daemon accepts any client.
		_, _ = r.GetU32()
		_, _ = r.GetArbitrary()

		version := d.ProtocolVersion
		if d.ShmWilling {
			version |= proto.ShmFlag
		}
		conn.SendReply(tag, func(w *tagstruct.Writer) {
			w.PutU32(version)
		})
	}
	d.handlers[proto.CommandSetClientName] = func(d *Daemon, conn *Conn, cmd proto.Command, tag uint32, r *tagstruct.Reader) {
		conn.SendReply(tag, func(w *tagstruct.Writer) {
			if d.ProtocolVersion >= proto.ShmBitVersion {
				w.PutU32(1) // client index
			}
		})
	}
	ack := func(d *Daemon, conn *Conn, cmd proto.Command, tag uint32, r *tagstruct.Reader) {
		conn.SendReply(tag, nil)
	}
	d.handlers[proto.CommandExit] = ack
	d.handlers[proto.CommandSetDefaultSink] = ack
	d.handlers[proto.CommandSetDefaultSource] = ack
	d.handlers[proto.CommandUpdateClientProplist] = ack
	d.handlers[proto.CommandRemoveClientProplist] = ack
}
