package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/pulseerr"
)

// callSync wraps CallAsyncWithTag into a blocking call, exercising the
// dispatcher the same way auth.go and operations.go do (NextTag then
// CallAsyncWithTag) rather than through a dedicated synchronous method.
func callSync(d *Dispatcher, payload []byte, timeout time.Duration) Reply {
	ch := make(chan Reply, 1)
	d.CallAsyncWithTag(d.NextTag(), payload, timeout, func(r Reply) { ch <- r })
	return <-ch
}

func TestCallResolvesOnMatchingTag(t *testing.T) {
	var sentTag uint32
	d := New(func(tag uint32, payload []byte) error {
		sentTag = tag
		return nil
	})

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.Resolve(sentTag, Reply{Payload: []byte("ok")})
	}()

	reply := callSync(d, nil, time.Second)
	require.NoError(t, reply.Err)
	require.Equal(t, []byte("ok"), reply.Payload)
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	d := New(func(tag uint32, payload []byte) error { return nil })

	reply := callSync(d, nil, 10*time.Millisecond)
	require.Error(t, reply.Err)
	var perr *pulseerr.Error
	require.ErrorAs(t, reply.Err, &perr)
	require.Equal(t, pulseerr.TIMEOUT, perr.Code)
}

func TestCallSendFailurePropagates(t *testing.T) {
	d := New(func(tag uint32, payload []byte) error { return errors.New("broken pipe") })

	reply := callSync(d, nil, time.Second)
	require.Error(t, reply.Err)
}

func TestResolveOnUnknownTagReturnsFalse(t *testing.T) {
	d := New(func(tag uint32, payload []byte) error { return nil })
	require.False(t, d.Resolve(999, Reply{}))
}

func TestDrainFiresWhenPendingEmpties(t *testing.T) {
	var mu sync.Mutex
	drained := false

	var tag uint32
	d := New(func(t uint32, payload []byte) error { tag = t; return nil })
	d.OnDrain(func() {
		mu.Lock()
		drained = true
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		callSync(d, nil, time.Second)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	d.Resolve(tag, Reply{})
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.True(t, drained)
}

func TestFailAllResolvesEveryPendingCall(t *testing.T) {
	d := New(func(tag uint32, payload []byte) error { return nil })

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			reply := callSync(d, nil, time.Second)
			errs[idx] = reply.Err
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	d.FailAll(pulseerr.New(pulseerr.CONNECTION_TERMINATED, "closed"))
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
	}
}

func TestCallAsyncWithTagAdvancesCounter(t *testing.T) {
	d := New(func(tag uint32, payload []byte) error { return nil })

	done := make(chan struct{})
	d.CallAsyncWithTag(0, nil, time.Second, func(Reply) { close(done) })
	d.Resolve(0, Reply{})
	<-done

	require.Equal(t, uint32(1), d.NextTag())
}

func TestCancelRemovesPendingWithoutInvokingCallback(t *testing.T) {
	d := New(func(tag uint32, payload []byte) error { return nil })

	tag := d.NextTag()
	called := false
	d.CallAsyncWithTag(tag, nil, time.Second, func(Reply) { called = true })
	d.Cancel(tag)

	require.False(t, d.Resolve(tag, Reply{}))
	time.Sleep(5 * time.Millisecond)
	require.False(t, called)
}
