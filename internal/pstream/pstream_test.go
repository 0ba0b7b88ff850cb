package pstream

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/proto"
)

func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	a, b, err := socketpair(t)
	require.NoError(t, err)
	return a, b
}

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn, error) {
	t.Helper()
	dir := t.TempDir()
	ln, err := net.Listen("unix", dir+"/pair.sock")
	require.NoError(t, err)
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()

	client, err := net.Dial("unix", dir+"/pair.sock")
	require.NoError(t, err)
	<-accepted

	return client.(*net.UnixConn), server.(*net.UnixConn), nil
}

func TestSendCommandRoundTrips(t *testing.T) {
	clientConn, serverConn := unixPair(t)

	client := New(clientConn)
	server := New(serverConn)

	received := make(chan []byte, 1)
	server.SetCommandHandler(func(payload []byte) { received <- payload })

	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.SendCommand([]byte("hello")))

	select {
	case payload := <-received:
		require.Equal(t, []byte("hello"), payload)
	case <-time.After(time.Second):
		t.Fatal("command not received")
	}
}

func TestSendMemblockCarriesOffsetAndChannel(t *testing.T) {
	clientConn, serverConn := unixPair(t)

	client := New(clientConn)
	server := New(serverConn)

	type received struct {
		channel uint32
		offset  int64
		seek    proto.SeekMode
		payload []byte
	}
	recvCh := make(chan received, 1)
	server.SetMemblockHandler(func(channel uint32, offset int64, seek proto.SeekMode, payload []byte) {
		recvCh <- received{channel, offset, seek, payload}
	})

	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.SendMemblock(3, 128, proto.SeekAbsolute, []byte{1, 2, 3, 4}))

	select {
	case r := <-recvCh:
		require.Equal(t, uint32(3), r.channel)
		require.Equal(t, int64(128), r.offset)
		require.Equal(t, proto.SeekAbsolute, r.seek)
		require.Equal(t, []byte{1, 2, 3, 4}, r.payload)
	case <-time.After(time.Second):
		t.Fatal("memblock not received")
	}
}

func TestExchangePeerCredentialsReadsOwnUID(t *testing.T) {
	clientConn, serverConn := unixPair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn)
	creds, err := client.ExchangePeerCredentials()
	require.NoError(t, err)
	require.NotNil(t, creds)
	require.Equal(t, uint32(os.Getuid()), creds.UID)
}

func TestDiedFiresOnceOnClose(t *testing.T) {
	clientConn, serverConn := unixPair(t)
	defer serverConn.Close()

	client := New(clientConn)

	var mu sync.Mutex
	count := 0
	client.SetDiedHandler(func(err error) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	client.Start()
	client.Close()
	client.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestOnDrainFiresWhenQueueEmpties(t *testing.T) {
	clientConn, serverConn := unixPair(t)

	client := New(clientConn)
	server := New(serverConn)
	server.SetCommandHandler(func(payload []byte) {})

	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	drained := make(chan struct{}, 1)
	client.OnDrain(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	require.NoError(t, client.SendCommand([]byte("x")))

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain callback did not fire")
	}
	require.Equal(t, 0, client.Pending())
}
