package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/memblock"
	"github.com/gopulse/pulseclient/internal/proto"
)

func TestHandleMemblockPushesData(t *testing.T) {
	s := New(3, Record)
	pool := memblock.NewPool()

	var readLen int
	s.SetReadCallback(func(n int) { readLen = n })

	block := pool.Get(4)
	copy(block.Bytes(), []byte{1, 2, 3, 4})
	s.HandleMemblock(0, proto.SeekAbsolute, block)

	require.Equal(t, 4, s.Len())
	require.Equal(t, 4, readLen)
	require.Equal(t, []byte{1, 2, 3, 4}, s.Peek(4))
}

func TestHandleMemblockHoleAdvancesWithoutData(t *testing.T) {
	s := New(3, Record)
	hole := memblock.NewHole()

	s.HandleMemblock(10, proto.SeekRelative, hole)

	require.Equal(t, 0, s.Len())
}

func TestSetStateIsIdempotentAfterTerminal(t *testing.T) {
	s := New(1, Playback)
	s.SetState(StateFailed)
	s.SetState(StateTerminated)
	require.Equal(t, StateFailed, s.State())
}

func TestDiscardAdvancesReadCursor(t *testing.T) {
	s := New(1, Record)
	pool := memblock.NewPool()
	block := pool.Get(4)
	copy(block.Bytes(), []byte{1, 2, 3, 4})
	s.HandleMemblock(0, proto.SeekAbsolute, block)

	s.Discard(2)
	require.Equal(t, 2, s.Len())
	require.Equal(t, []byte{3, 4}, s.Peek(2))
}
