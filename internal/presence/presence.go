// Package presence watches the session (or system) bus for the daemon's
// well-known name appearing or vanishing, per spec.md §4.2/§8: "optional
// dbus presence watching" lets the core learn about a newly-spawned or
// just-exited daemon without polling. Grounded on github.com/godbus/dbus/v5,
// the D-Bus binding already present in the pack (containers-podman and
// cri-o both carry dbus-adjacent lifecycle notification code, though
// neither vendors this exact library; this package is the pack's first
// concrete D-Bus wiring).
package presence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"
)

// BusName is the well-known name the daemon owns while running.
const BusName = "org.pulseaudio.Server"

// Event reports a presence change.
type Event struct {
	Owned bool // true: NameOwnerChanged to a non-empty owner; false: name released
}

// Watcher observes ownership changes of BusName on the session bus.
type Watcher struct {
	conn *dbus.Conn

	mu     sync.Mutex
	events chan Event
	stop   chan struct{}
}

// NewWatcher connects to the session bus and subscribes to
// NameOwnerChanged signals for BusName. The returned Watcher must be
// closed with Close.
func NewWatcher() (*Watcher, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("presence: connect session bus: %w", err)
	}

	rule := fmt.Sprintf(
		"type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='%s'",
		BusName,
	)
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		conn.Close()
		return nil, fmt.Errorf("presence: add match: %w", call.Err)
	}

	w := &Watcher{
		conn:   conn,
		events: make(chan Event, 8),
		stop:   make(chan struct{}),
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	go w.pump(signals)

	return w, nil
}

func (w *Watcher) pump(signals chan *dbus.Signal) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			w.handle(sig)
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handle(sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if name != BusName {
		return
	}
	select {
	case w.events <- Event{Owned: newOwner != ""}:
	default:
	}
}

// Events returns the channel presence changes are delivered on.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// CurrentOwner reports whether BusName currently has an owner, for a
// synchronous check before subscribing to changes.
func (w *Watcher) CurrentOwner(ctx context.Context) (bool, error) {
	var owner string
	call := w.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, BusName)
	if call.Err != nil {
		return false, nil // no owner is reported as an error by dbus; not fatal here
	}
	if err := call.Store(&owner); err != nil {
		return false, err
	}
	return owner != "", nil
}

// Close stops the watcher and releases the bus connection.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	return w.conn.Close()
}

// RuntimeDirWatcher watches a runtime directory for the daemon's socket
// file being created or removed, as a fallback presence signal when no
// session bus is reachable (spec.md §4.2's dbus watch is explicitly
// optional; a container or minimal environment may have neither).
type RuntimeDirWatcher struct {
	watcher *fsnotify.Watcher
	events  chan Event
	stop    chan struct{}
}

// NewRuntimeDirWatcher watches dir for sockPath (an absolute path inside
// dir) appearing or disappearing.
func NewRuntimeDirWatcher(dir, sockPath string) (*RuntimeDirWatcher, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("presence: create runtime dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("presence: fsnotify: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("presence: watch %s: %w", dir, err)
	}

	rw := &RuntimeDirWatcher{
		watcher: fw,
		events:  make(chan Event, 8),
		stop:    make(chan struct{}),
	}
	go rw.pump(filepath.Clean(sockPath))
	return rw, nil
}

func (rw *RuntimeDirWatcher) pump(sockPath string) {
	for {
		select {
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != sockPath {
				continue
			}
			owned := ev.Op&(fsnotify.Create|fsnotify.Write) != 0
			removed := ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
			if !owned && !removed {
				continue
			}
			select {
			case rw.events <- Event{Owned: owned}:
			default:
			}
		case _, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
		case <-rw.stop:
			return
		}
	}
}

// Events returns the channel presence changes are delivered on.
func (rw *RuntimeDirWatcher) Events() <-chan Event {
	return rw.events
}

// Close stops the watcher and releases the fsnotify handle.
func (rw *RuntimeDirWatcher) Close() error {
	select {
	case <-rw.stop:
	default:
		close(rw.stop)
	}
	return rw.watcher.Close()
}
