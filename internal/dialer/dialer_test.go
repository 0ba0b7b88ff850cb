package dialer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/endpoints"
)

func TestDialConnectsToListeningUnixSocket(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/native"
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	result := DialWithTimeout(endpoints.Candidate{Kind: endpoints.KindUnix, Path: path}, time.Second)
	require.NoError(t, result.Err)
	require.Equal(t, OutcomeConnected, result.Outcome)
	require.NotNil(t, result.Conn)
	result.Conn.Close()
}

func TestDialRefusedWhenNothingListening(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/nothing-here"

	result := DialWithTimeout(endpoints.Candidate{Kind: endpoints.KindUnix, Path: path}, time.Second)
	require.Error(t, result.Err)
	require.Equal(t, OutcomeRefused, result.Outcome)
}

func TestDialTimeoutOnUnreachableAddress(t *testing.T) {
	result := DialWithTimeout(endpoints.Candidate{Kind: endpoints.KindTCP4, Host: "10.255.255.1", Port: 1}, 50*time.Millisecond)
	require.Error(t, result.Err)
	require.Contains(t, []Outcome{OutcomeTimeout, OutcomeUnreachable, OutcomeOther}, result.Outcome)
}

func TestOutcomeStringNames(t *testing.T) {
	require.Equal(t, "connected", OutcomeConnected.String())
	require.Equal(t, "refused", OutcomeRefused.String())
	require.Equal(t, "timeout", OutcomeTimeout.String())
	require.Equal(t, "unreachable", OutcomeUnreachable.String())
}
