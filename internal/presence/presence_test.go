package presence

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestHandleIgnoresUnrelatedNames(t *testing.T) {
	w := &Watcher{events: make(chan Event, 1)}
	w.handle(&dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{"com.example.Other", "", ":1.5"},
	})

	select {
	case <-w.events:
		t.Fatal("unrelated name should not produce an event")
	default:
	}
}

func TestHandleReportsOwnershipTaken(t *testing.T) {
	w := &Watcher{events: make(chan Event, 1)}
	w.handle(&dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{BusName, "", ":1.5"},
	})

	ev := <-w.events
	require.True(t, ev.Owned)
}

func TestHandleReportsOwnershipReleased(t *testing.T) {
	w := &Watcher{events: make(chan Event, 1)}
	w.handle(&dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{BusName, ":1.5", ""},
	})

	ev := <-w.events
	require.False(t, ev.Owned)
}

func TestHandleIgnoresMalformedSignal(t *testing.T) {
	w := &Watcher{events: make(chan Event, 1)}
	w.handle(&dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []interface{}{BusName}})

	select {
	case <-w.events:
		t.Fatal("malformed signal should not produce an event")
	default:
	}
}
