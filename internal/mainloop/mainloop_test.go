package mainloop

import (
	"testing"
	"time"
)

func TestDeferRunsOnLoopGoroutine(t *testing.T) {
	l := NewGo()
	defer l.Stop()

	done := make(chan struct{})
	l.Defer(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Defer callback did not run")
	}
}

func TestTimeEventFires(t *testing.T) {
	l := NewGo()
	defer l.Stop()

	fired := make(chan struct{})
	ev := l.TimeEventNew(10*time.Millisecond, func() { close(fired) })
	defer ev.Free()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("time event did not fire")
	}
}

func TestRestartWithInvalidDisarms(t *testing.T) {
	l := NewGo()
	defer l.Stop()

	fired := make(chan struct{})
	ev := l.TimeEventNew(10*time.Millisecond, func() { close(fired) })
	ev.Restart(Invalid)

	select {
	case <-fired:
		t.Fatal("time event fired after being disarmed")
	case <-time.After(50 * time.Millisecond):
	}
}
